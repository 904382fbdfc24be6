package tessera

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
)

// Filter identifies a byte transform applied to each block before the codec.
type Filter uint8

// Built-in filters.
const (
	NoFilter   Filter = 0
	Shuffle    Filter = 1
	BitShuffle Filter = 2
	Delta      Filter = 3
	TruncPrec  Filter = 4
)

// MaxFilters is the length of a filter pipeline.
const MaxFilters = 6

var filterNames = map[Filter]string{
	NoFilter:   "nofilter",
	Shuffle:    "shuffle",
	BitShuffle: "bitshuffle",
	Delta:      "delta",
	TruncPrec:  "truncprec",
}

func (f Filter) String() string {
	if name, ok := filterNames[f]; ok {
		return name
	}
	return fmt.Sprintf("filter(%d)", uint8(f))
}

// ParseFilter looks a filter up by name.
func ParseFilter(name string) (Filter, error) {
	for f, n := range filterNames {
		if n == strings.ToLower(name) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("tessera: filter %q: %w", name, ErrNotFound)
}

// CParams controls how chunks are compressed.
type CParams struct {
	// Codec selects the block compressor.
	Codec CodecID `json:"codec"`

	// Level is the compression level, 0 (fastest) to 9 (smallest).
	Level int `json:"level"`

	// Filters run in order before compression, at most MaxFilters.
	Filters []Filter `json:"filters"`

	// FiltersMeta holds one parameter byte per filter (TruncPrec: mantissa
	// bits to keep).
	FiltersMeta []uint8 `json:"filters_meta"`

	// TypeSize is the item width the filters operate on.
	TypeSize int `json:"typesize"`

	// BlockSize is the uncompressed block size in bytes; 0 picks one.
	BlockSize int `json:"blocksize"`

	// NThreads bounds parallel chunk compression.
	NThreads int `json:"nthreads"`
}

// DParams controls decompression.
type DParams struct {
	// NThreads bounds parallel chunk decompression.
	NThreads int `json:"nthreads"`
}

var (
	defaultThreadsOnce sync.Once
	defaultThreads     int
)

// DefaultNThreads is the worker count used when none is given: the CPU
// count capped at 64, minus one eighth above 16 to leave room for I/O.
func DefaultNThreads() int {
	defaultThreadsOnce.Do(func() {
		n := min(runtime.NumCPU(), 64)
		if n > 16 {
			n -= n / 8
		}
		defaultThreads = max(n, 1)
	})
	return defaultThreads
}

// DefaultCParams returns the compression defaults: zstd level 1 with byte
// shuffle, typesize 8, automatic blocksize.
func DefaultCParams() CParams {
	return CParams{
		Codec:       CodecZstd,
		Level:       1,
		Filters:     []Filter{Shuffle},
		FiltersMeta: []uint8{0},
		TypeSize:    8,
		NThreads:    DefaultNThreads(),
	}
}

// DefaultDParams returns the decompression defaults.
func DefaultDParams() DParams {
	return DParams{NThreads: DefaultNThreads()}
}

// Validate checks that the parameters can build a chunk.
func (c CParams) Validate() error {
	if _, err := LookupCodec(c.Codec); err != nil {
		return err
	}
	if c.Level < 0 || c.Level > 9 {
		return fmt.Errorf("tessera: compression level %d outside 0-9", c.Level)
	}
	if len(c.Filters) > MaxFilters {
		return fmt.Errorf("tessera: %d filters, at most %d", len(c.Filters), MaxFilters)
	}
	if len(c.FiltersMeta) > len(c.Filters) {
		return fmt.Errorf("tessera: %d filter meta values for %d filters", len(c.FiltersMeta), len(c.Filters))
	}
	for i, f := range c.Filters {
		if _, ok := filterNames[f]; !ok {
			return fmt.Errorf("tessera: filter %d: %w", f, ErrNotFound)
		}
		if f == TruncPrec && c.TypeSize != 4 && c.TypeSize != 8 {
			return fmt.Errorf("tessera: truncprec needs typesize 4 or 8, got %d", c.TypeSize)
		}
		if f == TruncPrec && c.filterMeta(i) == 0 {
			return fmt.Errorf("tessera: truncprec needs a bit count in FiltersMeta")
		}
	}
	if c.TypeSize < 1 || c.TypeSize > 255 {
		return fmt.Errorf("tessera: typesize %d outside 1-255", c.TypeSize)
	}
	if c.BlockSize < 0 {
		return fmt.Errorf("tessera: negative blocksize %d", c.BlockSize)
	}
	return nil
}

func (c CParams) filterMeta(i int) uint8 {
	if i < len(c.FiltersMeta) {
		return c.FiltersMeta[i]
	}
	return 0
}

func (c CParams) threads() int {
	if c.NThreads > 0 {
		return c.NThreads
	}
	return DefaultNThreads()
}

func (d DParams) threads() int {
	if d.NThreads > 0 {
		return d.NThreads
	}
	return DefaultNThreads()
}

const (
	minBlockSize = 4 << 10
	maxBlockSize = 2 << 20
)

// autoBlockSize picks a blocksize for a chunk of nbytes: larger for higher
// levels, clamped to [4 KiB, 2 MiB] and to the chunk, a multiple of
// typesize.
func autoBlockSize(nbytes, typesize, level int) int {
	bs := 32 << 10
	switch {
	case level >= 8:
		bs = 256 << 10
	case level >= 6:
		bs = 128 << 10
	case level >= 3:
		bs = 64 << 10
	}
	bs = min(max(bs, minBlockSize), maxBlockSize)
	if nbytes > 0 && bs > nbytes {
		bs = nbytes
	}
	if typesize > 1 {
		bs -= bs % typesize
		if bs == 0 {
			bs = typesize
		}
	}
	return bs
}
