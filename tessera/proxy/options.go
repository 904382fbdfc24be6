package proxy

import (
	"github.com/go-kit/log"

	"github.com/justapithecus/tessera/tessera"
)

// Option configures a Proxy.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	store       tessera.Store
	path        string
	arrayOpts   []tessera.Option
	concurrency int
	logger      log.Logger
	metrics     *Metrics
}

func resolve(opts []Option) *config {
	cfg := &config{concurrency: 1, logger: log.NewNopLogger()}
	for _, o := range opts {
		o.apply(cfg)
	}
	return cfg
}

// WithStorage persists the cache at path in store.
func WithStorage(store tessera.Store, path string) Option {
	return optionFunc(func(c *config) { c.store, c.path = store, path })
}

// WithArrayOptions passes options to the cache array, such as a chunk
// cache size. The chunk layout always follows the source.
func WithArrayOptions(opts ...tessera.Option) Option {
	return optionFunc(func(c *config) { c.arrayOpts = append(c.arrayOpts, opts...) })
}

// WithFetchConcurrency sets how many chunks one Fetch retrieves at once.
// The default is 1.
func WithFetchConcurrency(n int) Option {
	return optionFunc(func(c *config) {
		if n > 0 {
			c.concurrency = n
		}
	})
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return optionFunc(func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	})
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return optionFunc(func(c *config) { c.metrics = m })
}
