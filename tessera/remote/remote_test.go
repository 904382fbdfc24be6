package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/justapithecus/tessera/tessera"
	"github.com/justapithecus/tessera/tessera/lazyexpr"
	"github.com/justapithecus/tessera/tessera/proxy"
)

type server struct {
	*httptest.Server
	store    tessera.Store
	requests map[string]*atomic.Int64
}

// newServer serves a 4x5 float64 array at "data/a" (chunks 2x5) and a
// 1-D int32 array at "b".
func newServer(t *testing.T, wrap func(http.Handler) http.Handler) *server {
	t.Helper()
	ctx := t.Context()
	store := tessera.NewMemory()
	_, err := tessera.Arange(ctx, 0, 20, 1, tessera.Float64,
		tessera.WithShape(4, 5), tessera.WithChunks(2, 5), tessera.WithStorage(store, "data/a"))
	require.NoError(t, err)
	_, err = tessera.Arange(ctx, 0, 10, 1, tessera.Int32,
		tessera.WithChunks(3), tessera.WithStorage(store, "b"))
	require.NoError(t, err)

	s := &server{store: store, requests: map[string]*atomic.Int64{
		"info": {}, "fetch": {}, "chunk": {},
	}}
	var h http.Handler = NewHandler(StoreResolver(store), nil)
	if wrap != nil {
		h = wrap(h)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for kind, n := range s.requests {
			if strings.HasPrefix(r.URL.Path, "/api/"+kind+"/") {
				n.Add(1)
			}
		}
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *server) client(t *testing.T, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(s.URL, opts...)
	require.NoError(t, err)
	return c
}

func (s *server) local(t *testing.T, path string) *tessera.NDArray {
	t.Helper()
	arr, err := tessera.Open(t.Context(), s.store, path)
	require.NoError(t, err)
	return arr
}

func TestNewClient_Base(t *testing.T) {
	c, err := NewClient("http://example.com/arrays")
	require.NoError(t, err)
	require.Equal(t, "http://example.com/arrays/", c.Base())
	require.Equal(t, "http://example.com/arrays/api/chunk/x/y%20z?nchunk=2",
		c.endpoint("chunk", "/x/y z", map[string][]string{"nchunk": {"2"}}))

	_, err = NewClient("ftp://example.com/")
	require.Error(t, err)
}

func TestOpen_Info(t *testing.T) {
	s := newServer(t, nil)
	a, err := Open(t.Context(), s.client(t), "data/a")
	require.NoError(t, err)
	require.Equal(t, []int64{4, 5}, a.Shape())
	require.Equal(t, []int64{2, 5}, a.Chunks())
	require.Equal(t, s.local(t, "data/a").Blocks(), a.Blocks())
	require.Equal(t, tessera.Float64, a.DType())
	require.Equal(t, int64(2), a.NChunks())
}

func TestOpen_InfoCached(t *testing.T) {
	ctx := t.Context()
	s := newServer(t, nil)
	c := s.client(t)

	for range 3 {
		_, err := Open(ctx, c, "b")
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), s.requests["info"].Load())

	c.Forget("b")
	_, err := Open(ctx, c, "b")
	require.NoError(t, err)
	require.Equal(t, int64(2), s.requests["info"].Load())

	uncached := s.client(t, WithInfoTTL(0))
	for range 2 {
		_, err := Open(ctx, uncached, "b")
		require.NoError(t, err)
	}
	require.Equal(t, int64(4), s.requests["info"].Load())
}

func TestGetSlice_MatchesLocal(t *testing.T) {
	ctx := t.Context()
	s := newServer(t, nil)
	a, err := Open(ctx, s.client(t), "data/a")
	require.NoError(t, err)
	local := s.local(t, "data/a")

	tests := map[string][]tessera.Index{
		"all":      nil,
		"rows":     {tessera.Range(1, 3)},
		"block":    {tessera.Range(1, 4), tessera.Range(2, 5)},
		"row":      {tessera.At(2)},
		"negative": {tessera.At(-1), tessera.From(-2)},
		"element":  {tessera.At(3), tessera.At(4)},
	}
	for name, sel := range tests {
		t.Run(name, func(t *testing.T) {
			want, err := local.GetSlice(ctx, sel...)
			require.NoError(t, err)
			got, err := a.GetSlice(ctx, sel...)
			require.NoError(t, err)
			require.Equal(t, want.Shape(), got.Shape())
			require.Equal(t, want.Float64s(), got.Float64s())
		})
	}

	_, err = a.GetSlice(ctx, tessera.Range(0, 9))
	require.ErrorIs(t, err, tessera.ErrOutOfBounds)
}

func TestGetChunk_AsStored(t *testing.T) {
	ctx := t.Context()
	s := newServer(t, nil)
	b, err := Open(ctx, s.client(t), "b")
	require.NoError(t, err)
	local := s.local(t, "b")

	for n := range b.NChunks() {
		want, err := local.GetChunk(ctx, n)
		require.NoError(t, err)
		got, err := b.GetChunk(ctx, n)
		require.NoError(t, err)
		require.Equal(t, want, got, "chunk %d", n)
	}

	_, err = b.GetChunk(ctx, b.NChunks())
	require.ErrorIs(t, err, tessera.ErrOutOfRange)
	require.Equal(t, b.NChunks(), s.requests["chunk"].Load())
}

func TestErrors(t *testing.T) {
	ctx := t.Context()
	s := newServer(t, nil)
	c := s.client(t)

	_, err := Open(ctx, c, "missing")
	require.ErrorIs(t, err, tessera.ErrNotFound)
	var he *HTTPError
	require.True(t, errors.As(err, &he))
	require.Equal(t, http.StatusNotFound, he.StatusCode)
	require.Contains(t, he.URL, "/api/info/missing")

	for _, q := range []string{"api/fetch/b?slice_=0:4:2", "api/fetch/b?slice_=x", "api/chunk/b?nchunk=-1", "api/chunk/b"} {
		resp, err := http.Get(s.URL + "/" + q)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	ctx := t.Context()
	s := newServer(t, func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/info/") && !strings.HasSuffix(r.URL.Path, "/huge") {
				h.ServeHTTP(w, r)
				return
			}
			w.Write(make([]byte, 2<<20))
		})
	})
	c := s.client(t)
	b, err := Open(ctx, c, "b")
	require.NoError(t, err)

	_, err = b.GetChunk(ctx, 0)
	require.ErrorIs(t, err, tessera.ErrSizeMismatch)
	_, err = b.GetSlice(ctx, tessera.Range(0, 4))
	require.ErrorIs(t, err, tessera.ErrSizeMismatch)
	_, err = c.Info(ctx, "huge")
	require.ErrorIs(t, err, tessera.ErrSizeMismatch)
}

func TestAuthCookie(t *testing.T) {
	ctx := t.Context()
	s := newServer(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if c, err := r.Cookie("session"); err != nil || c.Value != "secret" {
				http.Error(w, "login required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	_, err := Open(ctx, s.client(t), "b")
	var he *HTTPError
	require.True(t, errors.As(err, &he))
	require.Equal(t, http.StatusUnauthorized, he.StatusCode)
	require.Equal(t, "login required", he.Message)

	_, err = Open(ctx, s.client(t, WithAuthCookie("session=secret")), "b")
	require.NoError(t, err)
}

func TestRateLimit(t *testing.T) {
	s := newServer(t, nil)
	c := s.client(t, WithRateLimit(rate.Every(time.Hour), 1), WithInfoTTL(0))

	_, err := Open(t.Context(), c, "b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err = Open(ctx, c, "b")
	require.Error(t, err)
	require.Equal(t, int64(1), s.requests["info"].Load())
}

func TestProxyOverRemote(t *testing.T) {
	ctx := t.Context()
	s := newServer(t, nil)
	b, err := Open(ctx, s.client(t), "b")
	require.NoError(t, err)

	p, err := proxy.New(ctx, b)
	require.NoError(t, err)
	got, err := p.GetSlice(ctx, tessera.Range(2, 5))
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3, 4}, got.Int64s())
	require.Equal(t, int64(2), s.requests["chunk"].Load())

	_, err = p.GetSlice(ctx, tessera.Range(0, 6))
	require.NoError(t, err)
	require.Equal(t, int64(2), s.requests["chunk"].Load())
	require.Zero(t, s.requests["fetch"].Load())
}

func TestExpressionOverRemote(t *testing.T) {
	ctx := t.Context()
	s := newServer(t, nil)
	a, err := Open(ctx, s.client(t), "data/a")
	require.NoError(t, err)

	e := lazyexpr.Add(lazyexpr.Mul(a, 2), 1)
	require.NoError(t, e.Err())
	got, err := e.GetSlice(ctx, tessera.At(1))
	require.NoError(t, err)
	require.Equal(t, []float64{11, 13, 15, 17, 19}, got.Float64s())

	total, err := lazyexpr.Sum(ctx, a)
	require.NoError(t, err)
	require.Equal(t, 190.0, total.Item())
}
