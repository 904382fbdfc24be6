package remote

import (
	"net/http"
	"time"

	"github.com/go-kit/log"
	"golang.org/x/time/rate"
)

// Defaults for NewClient.
const (
	DefaultTimeout = 30 * time.Second
	DefaultInfoTTL = time.Minute
)

// Option configures a Client.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	cookie     string
	timeout    time.Duration
	rate       rate.Limit
	burst      int
	infoTTL    time.Duration
	httpClient *http.Client
	logger     log.Logger
}

func resolve(opts []Option) *config {
	cfg := &config{
		timeout: DefaultTimeout,
		rate:    rate.Inf,
		burst:   1,
		infoTTL: DefaultInfoTTL,
		logger:  log.NewNopLogger(),
	}
	for _, o := range opts {
		o.apply(cfg)
	}
	return cfg
}

// WithAuthCookie sends cookie, e.g. "session=abc", with every request.
func WithAuthCookie(cookie string) Option {
	return optionFunc(func(c *config) { c.cookie = cookie })
}

// WithTimeout bounds each request. Ignored with WithHTTPClient.
func WithTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) { c.timeout = d })
}

// WithRateLimit allows r requests per second with bursts of burst.
// Requests are unlimited by default.
func WithRateLimit(r rate.Limit, burst int) Option {
	return optionFunc(func(c *config) {
		c.rate = r
		c.burst = max(burst, 1)
	})
}

// WithInfoTTL sets how long array descriptions are cached; 0 disables the
// cache.
func WithInfoTTL(d time.Duration) Option {
	return optionFunc(func(c *config) { c.infoTTL = d })
}

// WithHTTPClient replaces the pooled default client.
func WithHTTPClient(hc *http.Client) Option {
	return optionFunc(func(c *config) { c.httpClient = hc })
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return optionFunc(func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	})
}
