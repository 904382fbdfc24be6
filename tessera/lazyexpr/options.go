package lazyexpr

import (
	"context"
	"runtime"

	"github.com/go-kit/log"

	"github.com/justapithecus/tessera/tessera"
)

// Option configures evaluation, persistence and user-defined functions.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// Resolver finds a persisted operand by its recorded location.
type Resolver func(ctx context.Context, location string) (tessera.Operand, error)

type config struct {
	arrayOpts []tessera.Option
	chunks    []int64
	blocks    []int64
	nthreads  int
	blockMode bool
	resolver  Resolver
	logger    log.Logger
	metrics   *Metrics
}

func defaultConfig() *config {
	return &config{
		nthreads: runtime.GOMAXPROCS(0),
		logger:   log.NewNopLogger(),
	}
}

func resolve(opts []Option) *config {
	cfg := defaultConfig()
	for _, o := range opts {
		o.apply(cfg)
	}
	return cfg
}

// WithArrayOptions passes options to the array created by Compute or Save:
// storage, compression parameters and so on.
func WithArrayOptions(opts ...tessera.Option) Option {
	return optionFunc(func(c *config) { c.arrayOpts = append(c.arrayOpts, opts...) })
}

// WithChunks sets the chunk shape of the work grid and of the output.
func WithChunks(chunks ...int64) Option {
	return optionFunc(func(c *config) { c.chunks = append([]int64(nil), chunks...) })
}

// WithBlocks sets the block shape handed to a user-defined function in
// block mode.
func WithBlocks(blocks ...int64) Option {
	return optionFunc(func(c *config) { c.blocks = append([]int64(nil), blocks...) })
}

// WithNThreads bounds the number of chunks evaluated at once.
func WithNThreads(n int) Option {
	return optionFunc(func(c *config) {
		if n > 0 {
			c.nthreads = n
		}
	})
}

// WithBlockMode makes a user-defined function receive one block at a time
// instead of one chunk.
func WithBlockMode() Option {
	return optionFunc(func(c *config) { c.blockMode = true })
}

// WithResolver sets how Open finds operands. The default opens them in the
// same store, read-only.
func WithResolver(r Resolver) Option {
	return optionFunc(func(c *config) { c.resolver = r })
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
