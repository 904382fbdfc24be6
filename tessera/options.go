package tessera

import (
	"errors"
	"fmt"

	"github.com/go-kit/log"
)

// Mode controls how a persisted container is opened or created.
type Mode string

// Open modes.
const (
	// ModeRead opens read-only; mutations fail with ErrReadOnly.
	ModeRead Mode = "r"
	// ModeAppend opens read-write, or creates a new container and fails if
	// one already exists at the path.
	ModeAppend Mode = "a"
	// ModeWrite removes anything at the path before creating.
	ModeWrite Mode = "w"
)

// ErrOptionNotValid indicates an option used with a constructor it does not
// apply to.
var ErrOptionNotValid = errors.New("option not valid for this constructor")

// Option configures SChunk and NDArray construction.
type Option interface {
	applySChunk(*schunkConfig) error
	applyArray(*arrayConfig) error
}

// schunkConfig holds construction settings for an SChunk.
type schunkConfig struct {
	cparams    CParams
	dparams    DParams
	chunksize  int
	contiguous bool
	store      Store
	path       string
	mode       Mode
	meta       []metaEntry
	cacheSize  int
	logger     log.Logger
	metrics    *Metrics
}

// arrayConfig adds the N-D layout to schunkConfig.
type arrayConfig struct {
	schunkConfig
	chunks []int64
	blocks []int64
	shape  []int64
}

func defaultSChunkConfig() schunkConfig {
	return schunkConfig{
		cparams:    DefaultCParams(),
		dparams:    DefaultDParams(),
		contiguous: true,
		mode:       ModeAppend,
		cacheSize:  defaultCacheSize,
		logger:     log.NewNopLogger(),
	}
}

// defaultCacheSize is the number of decompressed chunks kept per container.
const defaultCacheSize = 8

func resolveSChunkOptions(opts []Option) (schunkConfig, error) {
	cfg := defaultSChunkConfig()
	for _, opt := range opts {
		if err := opt.applySChunk(&cfg); err != nil {
			return schunkConfig{}, err
		}
	}
	return cfg, nil
}

func resolveArrayOptions(opts []Option) (arrayConfig, error) {
	cfg := arrayConfig{schunkConfig: defaultSChunkConfig()}
	for _, opt := range opts {
		if err := opt.applyArray(&cfg); err != nil {
			return arrayConfig{}, err
		}
	}
	return cfg, nil
}

// -----------------------------------------------------------------------------
// Shared options
// -----------------------------------------------------------------------------

type cparamsOption struct{ cp CParams }

// WithCParams sets the compression parameters. TypeSize is overridden by
// the dtype for arrays.
func WithCParams(cp CParams) Option { return cparamsOption{cp} }

func (o cparamsOption) applySChunk(c *schunkConfig) error {
	if o.cp.NThreads == 0 {
		o.cp.NThreads = DefaultNThreads()
	}
	c.cparams = o.cp
	return nil
}

func (o cparamsOption) applyArray(c *arrayConfig) error { return o.applySChunk(&c.schunkConfig) }

type dparamsOption struct{ dp DParams }

// WithDParams sets the decompression parameters.
func WithDParams(dp DParams) Option { return dparamsOption{dp} }

func (o dparamsOption) applySChunk(c *schunkConfig) error {
	c.dparams = o.dp
	return nil
}

func (o dparamsOption) applyArray(c *arrayConfig) error { return o.applySChunk(&c.schunkConfig) }

type storageOption struct {
	store Store
	path  string
}

// WithStorage persists the container at path in store.
func WithStorage(store Store, path string) Option { return storageOption{store, path} }

func (o storageOption) applySChunk(c *schunkConfig) error {
	if o.store == nil || o.path == "" {
		return fmt.Errorf("tessera: storage needs a store and a path: %w", ErrInvalidPath)
	}
	c.store, c.path = o.store, o.path
	return nil
}

func (o storageOption) applyArray(c *arrayConfig) error { return o.applySChunk(&c.schunkConfig) }

type contiguousOption bool

// WithContiguous selects the single-frame layout (true, the default) or
// the sparse one-blob-per-chunk layout (false).
func WithContiguous(contiguous bool) Option { return contiguousOption(contiguous) }

func (o contiguousOption) applySChunk(c *schunkConfig) error {
	c.contiguous = bool(o)
	return nil
}

func (o contiguousOption) applyArray(c *arrayConfig) error { return o.applySChunk(&c.schunkConfig) }

type modeOption Mode

// WithMode sets the open mode.
func WithMode(m Mode) Option { return modeOption(m) }

func (o modeOption) applySChunk(c *schunkConfig) error {
	switch Mode(o) {
	case ModeRead, ModeAppend, ModeWrite:
		c.mode = Mode(o)
		return nil
	}
	return fmt.Errorf("tessera: unknown mode %q", string(o))
}

func (o modeOption) applyArray(c *arrayConfig) error { return o.applySChunk(&c.schunkConfig) }

type metaOption struct {
	name    string
	content []byte
}

// WithMeta adds a fixed-size metalayer at construction.
func WithMeta(name string, content []byte) Option { return metaOption{name, content} }

func (o metaOption) applySChunk(c *schunkConfig) error {
	for _, m := range c.meta {
		if m.Name == o.name {
			return fmt.Errorf("tessera: metalayer %q: %w", o.name, ErrMetaExists)
		}
	}
	c.meta = append(c.meta, metaEntry{Name: o.name, Content: append([]byte(nil), o.content...)})
	return nil
}

func (o metaOption) applyArray(c *arrayConfig) error {
	if o.name == b2ndMetaName {
		return fmt.Errorf("tessera: metalayer %q is reserved: %w", o.name, ErrMetaExists)
	}
	return o.applySChunk(&c.schunkConfig)
}

type cacheOption int

// WithChunkCache sets how many decompressed chunks are kept in the LRU
// cache; 0 disables it.
func WithChunkCache(n int) Option { return cacheOption(n) }

func (o cacheOption) applySChunk(c *schunkConfig) error {
	if o < 0 {
		return fmt.Errorf("tessera: negative chunk cache size %d", int(o))
	}
	c.cacheSize = int(o)
	return nil
}

func (o cacheOption) applyArray(c *arrayConfig) error { return o.applySChunk(&c.schunkConfig) }

type loggerOption struct{ logger log.Logger }

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger log.Logger) Option { return loggerOption{logger} }

func (o loggerOption) applySChunk(c *schunkConfig) error {
	if o.logger != nil {
		c.logger = o.logger
	}
	return nil
}

func (o loggerOption) applyArray(c *arrayConfig) error { return o.applySChunk(&c.schunkConfig) }

type metricsOption struct{ m *Metrics }

// WithMetrics records chunk activity on m.
func WithMetrics(m *Metrics) Option { return metricsOption{m} }

func (o metricsOption) applySChunk(c *schunkConfig) error {
	c.metrics = o.m
	return nil
}

func (o metricsOption) applyArray(c *arrayConfig) error { return o.applySChunk(&c.schunkConfig) }

// -----------------------------------------------------------------------------
// SChunk-only options
// -----------------------------------------------------------------------------

type chunkSizeOption int

// WithChunkSize sets the uncompressed chunk size in bytes (SChunk only;
// arrays derive it from their chunk shape).
func WithChunkSize(n int) Option { return chunkSizeOption(n) }

func (o chunkSizeOption) applySChunk(c *schunkConfig) error {
	if o <= 0 || int(o) > maxChunkBytes {
		return fmt.Errorf("tessera: chunk size %d: %w", int(o), ErrSizeMismatch)
	}
	c.chunksize = int(o)
	return nil
}

func (o chunkSizeOption) applyArray(*arrayConfig) error {
	return fmt.Errorf("tessera: WithChunkSize on an array: %w", ErrOptionNotValid)
}

// -----------------------------------------------------------------------------
// Array-only options
// -----------------------------------------------------------------------------

type chunksOption []int64

// WithChunks sets the chunk shape (arrays only).
func WithChunks(chunks ...int64) Option { return chunksOption(chunks) }

func (o chunksOption) applySChunk(*schunkConfig) error {
	return fmt.Errorf("tessera: WithChunks on an SChunk: %w", ErrOptionNotValid)
}

func (o chunksOption) applyArray(c *arrayConfig) error {
	c.chunks = append([]int64(nil), o...)
	return nil
}

type blocksOption []int64

// WithBlocks sets the block shape (arrays only).
func WithBlocks(blocks ...int64) Option { return blocksOption(blocks) }

func (o blocksOption) applySChunk(*schunkConfig) error {
	return fmt.Errorf("tessera: WithBlocks on an SChunk: %w", ErrOptionNotValid)
}

func (o blocksOption) applyArray(c *arrayConfig) error {
	c.blocks = append([]int64(nil), o...)
	return nil
}

type shapeOption []int64

// WithShape reshapes the output of the 1-D generators Arange and Linspace
// (arrays only).
func WithShape(shape ...int64) Option { return shapeOption(shape) }

func (o shapeOption) applySChunk(*schunkConfig) error {
	return fmt.Errorf("tessera: WithShape on an SChunk: %w", ErrOptionNotValid)
}

func (o shapeOption) applyArray(c *arrayConfig) error {
	c.shape = append([]int64(nil), o...)
	return nil
}
