package tessera

import (
	"context"
	"fmt"
	"math"
)

// Empty creates an array whose contents are unspecified. Chunks are stored
// as UNINIT special chunks, which read as zeros.
func Empty(ctx context.Context, dtype DType, shape []int64, opts ...Option) (*NDArray, error) {
	return special(ctx, SpecialUninit, dtype, shape, nil, opts)
}

// Uninit creates an array of UNINIT special chunks. It is the starting
// state of proxy caches and persisted expressions.
func Uninit(ctx context.Context, dtype DType, shape []int64, opts ...Option) (*NDArray, error) {
	return special(ctx, SpecialUninit, dtype, shape, nil, opts)
}

// Zeros creates a zero-filled array of ZERO special chunks.
func Zeros(ctx context.Context, dtype DType, shape []int64, opts ...Option) (*NDArray, error) {
	return special(ctx, SpecialZero, dtype, shape, nil, opts)
}

// Ones creates an array filled with 1.
func Ones(ctx context.Context, dtype DType, shape []int64, opts ...Option) (*NDArray, error) {
	return Full(ctx, dtype, shape, 1, opts...)
}

// Full creates an array filled with value, stored as VALUE special chunks.
func Full(ctx context.Context, dtype DType, shape []int64, value float64, opts ...Option) (*NDArray, error) {
	if !dtype.IsScalar() {
		return nil, fmt.Errorf("tessera: full needs a scalar dtype, got %s", dtype)
	}
	item := make([]byte, dtype.ItemSize())
	dtype.storeFloat(item, value)
	if value == 0 {
		return special(ctx, SpecialZero, dtype, shape, nil, opts)
	}
	return special(ctx, SpecialValue, dtype, shape, item, opts)
}

// NaNs creates a floating-point array filled with NaN.
func NaNs(ctx context.Context, dtype DType, shape []int64, opts ...Option) (*NDArray, error) {
	if !dtype.IsFloat() {
		return nil, fmt.Errorf("tessera: nans needs a float dtype, got %s", dtype)
	}
	return special(ctx, SpecialNaN, dtype, shape, nil, opts)
}

func special(ctx context.Context, kind SpecialKind, dtype DType, shape []int64, value []byte, opts []Option) (*NDArray, error) {
	cfg, err := resolveArrayOptions(opts)
	if err != nil {
		return nil, err
	}
	a, err := newArray(ctx, cfg, dtype, shape)
	if err != nil {
		return nil, err
	}
	chunk, err := NewSpecialChunk(kind, a.layoutLocked().chunkBytes(), dtype.ItemSize(), value)
	if err != nil {
		return nil, err
	}
	if err := a.fill(ctx, func(int64) ([]byte, error) { return chunk, nil }); err != nil {
		return nil, err
	}
	return a, nil
}

// Arange creates the sequence start, start+step, ... below stop (above it
// for negative steps). WithShape lays the sequence out in C order over an
// N-D shape of the same size.
func Arange(ctx context.Context, start, stop, step float64, dtype DType, opts ...Option) (*NDArray, error) {
	if step == 0 || math.IsNaN(step) {
		return nil, fmt.Errorf("tessera: arange step %v", step)
	}
	n := int64(math.Max(math.Ceil((stop-start)/step), 0))
	return sequence(ctx, n, dtype, opts, func(i int64) float64 { return start + float64(i)*step })
}

// Linspace creates num evenly spaced values from start to stop, stop
// included when endpoint is set. WithShape applies as for Arange.
func Linspace(ctx context.Context, start, stop float64, num int64, endpoint bool, dtype DType, opts ...Option) (*NDArray, error) {
	if num < 0 {
		return nil, fmt.Errorf("tessera: linspace of %d values", num)
	}
	div := float64(num)
	if endpoint {
		div = float64(num - 1)
	}
	delta := 0.0
	if div > 0 {
		delta = (stop - start) / div
	}
	return sequence(ctx, num, dtype, opts, func(i int64) float64 {
		if endpoint && i == num-1 {
			return stop
		}
		return start + float64(i)*delta
	})
}

func sequence(ctx context.Context, n int64, dtype DType, opts []Option, value func(i int64) float64) (*NDArray, error) {
	if !dtype.IsScalar() {
		return nil, fmt.Errorf("tessera: sequence needs a scalar dtype, got %s", dtype)
	}
	cfg, err := resolveArrayOptions(opts)
	if err != nil {
		return nil, err
	}
	shape := cfg.shape
	if shape == nil {
		shape = []int64{n}
	}
	if prod(shape) != n {
		return nil, fmt.Errorf("tessera: %d values into shape %v: %w", n, shape, ErrSizeMismatch)
	}
	a, err := newArray(ctx, cfg, dtype, shape)
	if err != nil {
		return nil, err
	}
	l := a.layoutLocked()
	st := strides(shape)
	isz := dtype.ItemSize()
	err = a.fill(ctx, func(c int64) ([]byte, error) {
		buf := make([]byte, l.chunkBytes())
		l.visit(c, false, func(coords []int64, off int) {
			var flat int64
			for d, x := range coords {
				flat += x * st[d]
			}
			dtype.storeFloat(buf[off:off+isz], value(flat))
		})
		return a.sc.compress(buf)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// FromBuffer creates an array from raw little-endian item bytes in C order.
func FromBuffer(ctx context.Context, buf []byte, dtype DType, shape []int64, opts ...Option) (*NDArray, error) {
	d, err := DenseFromBytes(dtype, shape, buf)
	if err != nil {
		return nil, err
	}
	return AsArray(ctx, d, opts...)
}

// AsArray compresses an in-memory array.
func AsArray(ctx context.Context, d *Dense, opts ...Option) (*NDArray, error) {
	cfg, err := resolveArrayOptions(opts)
	if err != nil {
		return nil, err
	}
	a, err := newArray(ctx, cfg, d.dtype, d.shape)
	if err != nil {
		return nil, err
	}
	l := a.layoutLocked()
	start := make([]int64, len(d.shape))
	err = a.fill(ctx, func(n int64) ([]byte, error) {
		buf := make([]byte, l.chunkBytes())
		l.scatter(buf, n, d.data, start, d.shape)
		return a.sc.compress(buf)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}
