// Package remote reads arrays served over HTTP.
//
// A server exposes three endpoints under a base URL:
//
//	GET {base}api/info/{path}             JSON array description
//	GET {base}api/fetch/{path}?slice_=... one chunk-format buffer holding the slice
//	GET {base}api/chunk/{path}?nchunk=n   one compressed chunk, as stored
//
// Client speaks that protocol and Handler serves it from local arrays.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-cleanhttp"
	jsoniter "github.com/json-iterator/go"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/justapithecus/tessera/tessera"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// maxErrorBody bounds how much of a failed response is kept in HTTPError.
	maxErrorBody = 512
	// maxInfoBody bounds an api/info response.
	maxInfoBody = 1 << 20
)

// HTTPError is a non-2xx response. Callers may retry any of them.
type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("remote: GET %s: %d %s: %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Unwrap maps 404 to tessera.ErrNotFound.
func (e *HTTPError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return tessera.ErrNotFound
	}
	return nil
}

// Info is the api/info response.
type Info struct {
	Shape   []int64         `json:"shape"`
	Chunks  []int64         `json:"chunks"`
	Blocks  []int64         `json:"blocks"`
	DType   string          `json:"dtype"`
	NBytes  int64           `json:"nbytes"`
	CBytes  int64           `json:"cbytes"`
	CRatio  float64         `json:"cratio"`
	CParams tessera.CParams `json:"cparams"`
	VLMeta  []string        `json:"vlmeta,omitempty"`
}

// Client talks to one server.
type Client struct {
	base    string
	hc      *http.Client
	cookie  string
	limiter *rate.Limiter
	info    *cache.Cache
	logger  log.Logger
}

// NewClient creates a client for the server at base. A missing trailing
// slash is added.
func NewClient(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("remote: base url %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote: base url %q: scheme must be http or https", base)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	cfg := resolve(opts)
	hc := cfg.httpClient
	if hc == nil {
		hc = cleanhttp.DefaultPooledClient()
		hc.Timeout = cfg.timeout
	}
	c := &Client{
		base:    base,
		hc:      hc,
		cookie:  cfg.cookie,
		limiter: rate.NewLimiter(cfg.rate, cfg.burst),
		logger:  cfg.logger,
	}
	if cfg.infoTTL > 0 {
		c.info = cache.New(cfg.infoTTL, 2*cfg.infoTTL)
	}
	return c, nil
}

// Base returns the slash-terminated base URL.
func (c *Client) Base() string { return c.base }

// Info describes the array at path. Responses are cached for the info TTL.
func (c *Client) Info(ctx context.Context, path string) (Info, error) {
	if c.info != nil {
		if v, ok := c.info.Get(path); ok {
			return v.(Info), nil
		}
	}
	body, err := c.get(ctx, "info", path, nil, maxInfoBody)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := jsonAPI.Unmarshal(body, &info); err != nil {
		return Info{}, fmt.Errorf("remote: decode info for %s: %w", path, err)
	}
	if c.info != nil {
		c.info.SetDefault(path, info)
	}
	return info, nil
}

// Forget drops the cached description of path.
func (c *Client) Forget(path string) {
	if c.info != nil {
		c.info.Delete(path)
	}
}

func (c *Client) endpoint(kind, path string, query url.Values) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	u := c.base + "api/" + kind + "/" + strings.Join(segs, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// get fetches one endpoint. A body longer than limit fails with
// tessera.ErrSizeMismatch once limit bytes have been read.
func (c *Client) get(ctx context.Context, kind, path string, query url.Values, limit int64) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("remote: rate limit: %w", err)
	}
	u := c.endpoint(kind, path, query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: GET %s: %w", u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("remote: read %s: %w", u, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body[:min(len(body), maxErrorBody)]))
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: u, Message: msg}
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("remote: %s sent more than %d bytes: %w", u, limit, tessera.ErrSizeMismatch)
	}
	level.Debug(c.logger).Log("msg", "remote request", "url", u, "status", resp.StatusCode,
		"bytes", len(body), "duration", time.Since(start))
	return body, nil
}
