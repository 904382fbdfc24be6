package tessera

import (
	"context"
	"fmt"
)

// Appender builds a 1-D array whose length is not known in advance. Values
// are buffered until a chunk is full; Close writes the tail and fixes the
// final shape.
type Appender struct {
	arr     *NDArray
	pending []byte
	n       int64
	closed  bool
}

// NewAppender starts a 1-D array of dtype. WithChunks sets the chunk length;
// it defaults to the automatic choice for a megabyte-scale array.
func NewAppender(ctx context.Context, dtype DType, opts ...Option) (*Appender, error) {
	cfg, err := resolveArrayOptions(opts)
	if err != nil {
		return nil, err
	}
	if cfg.chunks == nil {
		cfg.chunks, _ = ComputeChunksBlocks([]int64{1 << 20}, dtype.ItemSize())
	}
	arr, err := newArray(ctx, cfg, dtype, []int64{0})
	if err != nil {
		return nil, err
	}
	return &Appender{arr: arr}, nil
}

// Append adds the elements of d in C order, converted to the array dtype.
func (w *Appender) Append(ctx context.Context, d *Dense) error {
	if w.closed {
		return fmt.Errorf("tessera: append to closed appender")
	}
	d, err := d.Astype(w.arr.dtype)
	if err != nil {
		return err
	}
	w.pending = append(w.pending, d.data...)
	full := int(w.arr.chunks[0]) * w.arr.dtype.ItemSize()
	for len(w.pending) >= full {
		if err := w.emit(ctx, w.pending[:full]); err != nil {
			return err
		}
		w.pending = w.pending[full:]
	}
	return nil
}

// Len returns the number of elements appended so far.
func (w *Appender) Len() int64 {
	return w.n + int64(len(w.pending)/w.arr.dtype.ItemSize())
}

func (w *Appender) emit(ctx context.Context, items []byte) error {
	sc := w.arr.sc
	buf := make([]byte, sc.chunksize)
	copy(buf, items)
	chunk, err := sc.compress(buf)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.insertChunkLocked(ctx, len(sc.chunks), chunk); err != nil {
		return err
	}
	w.n += int64(len(items) / w.arr.dtype.ItemSize())
	return nil
}

// Close writes buffered elements, records the final length and returns the
// array.
func (w *Appender) Close(ctx context.Context) (*NDArray, error) {
	if w.closed {
		return w.arr, nil
	}
	if len(w.pending) > 0 {
		if err := w.emit(ctx, w.pending); err != nil {
			return nil, err
		}
		w.pending = nil
	}
	w.closed = true
	a := w.arr
	sc := a.sc
	sc.mu.Lock()
	defer sc.mu.Unlock()
	a.shape = []int64{w.n}
	m := arrayMeta{shape: a.shape, chunks: a.chunks, blocks: a.blocks, dtype: a.dtype}
	if err := sc.updateMetaLocked(b2ndMetaName, m.encode()); err != nil {
		return nil, err
	}
	if err := sc.flushLocked(ctx); err != nil {
		return nil, err
	}
	return a, nil
}
