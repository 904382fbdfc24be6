package tessera

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-kit/log/level"
)

// NDArray is an N-dimensional typed array stored in an SChunk.
//
// The array geometry lives in the b2nd metalayer. Chunk n of the SChunk is
// chunk n of the C-ordered chunk grid; every chunk is stored full size,
// padded past the array edge with zeros.
type NDArray struct {
	sc     *SChunk
	shape  []int64 // guarded by sc.mu
	chunks []int64
	blocks []int64
	dtype  DType
}

var (
	_ Operand   = (*NDArray)(nil)
	_ Chunked   = (*NDArray)(nil)
	_ Locatable = (*NDArray)(nil)
)

// ComputeChunksBlocks picks a chunk and block shape for an array. Chunks
// aim at about 1 MiB and blocks at about 32 KiB by halving the largest
// dimension until the target is met.
func ComputeChunksBlocks(shape []int64, itemsize int) (chunks, blocks []int64) {
	const (
		chunkTarget = 1 << 20
		blockTarget = 32 << 10
	)
	chunks = make([]int64, len(shape))
	for i, n := range shape {
		chunks[i] = max(n, 1)
	}
	shrink(chunks, int64(itemsize), chunkTarget)
	blocks = append([]int64(nil), chunks...)
	shrink(blocks, int64(itemsize), blockTarget)
	return chunks, blocks
}

func shrink(dims []int64, itemsize, target int64) {
	for prod(dims)*itemsize > target {
		big := 0
		for i := range dims {
			if dims[i] > dims[big] {
				big = i
			}
		}
		if dims[big] == 1 {
			return
		}
		dims[big] = ceilDiv(dims[big], 2)
	}
}

// newArray creates an empty SChunk laid out for dtype and shape. The caller
// fills the chunk grid before releasing the array.
func newArray(ctx context.Context, cfg arrayConfig, dtype DType, shape []int64) (*NDArray, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("tessera: invalid dtype %s", dtype)
	}
	isz := dtype.ItemSize()
	if isz > 255 {
		return nil, fmt.Errorf("tessera: item size %d exceeds 255: %w", isz, ErrSizeMismatch)
	}
	shape = append([]int64{}, shape...)
	chunks, blocks := cfg.chunks, cfg.blocks
	switch {
	case chunks == nil && blocks == nil:
		chunks, blocks = ComputeChunksBlocks(shape, isz)
	case blocks == nil:
		blocks = append([]int64(nil), chunks...)
		shrink(blocks, int64(isz), 32<<10)
	case chunks == nil:
		chunks, _ = ComputeChunksBlocks(shape, isz)
		chunks = maxv(chunks, blocks)
	}
	if err := checkGeometry(shape, chunks, blocks); err != nil {
		return nil, err
	}
	l := layout{shape: shape, chunks: chunks, blocks: blocks, itemsize: isz}
	if int64(l.chunkBytes()) > maxChunkBytes || l.chunkBytes() <= 0 {
		return nil, fmt.Errorf("tessera: chunk of %v items of %d bytes: %w", chunks, isz, ErrSizeMismatch)
	}

	sccfg := cfg.schunkConfig
	sccfg.cparams.TypeSize = isz
	sccfg.cparams.BlockSize = l.blockBytes()
	sccfg.chunksize = l.chunkBytes()
	m := arrayMeta{shape: shape, chunks: chunks, blocks: blocks, dtype: dtype}
	sccfg.meta = append([]metaEntry{{Name: b2ndMetaName, Content: m.encode()}}, cfg.meta...)

	sc, err := newSChunk(ctx, sccfg)
	if err != nil {
		return nil, err
	}
	return &NDArray{sc: sc, shape: shape, chunks: chunks, blocks: blocks, dtype: dtype}, nil
}

// fill appends the whole chunk grid, gen producing compressed chunk n, and
// flushes once. Chunks are built in parallel batches.
func (a *NDArray) fill(ctx context.Context, gen func(n int64) ([]byte, error)) error {
	sc := a.sc
	sc.mu.Lock()
	defer sc.mu.Unlock()
	total := a.layoutLocked().grid().NChunks()
	batch := int64(max(2*sc.cfg.cparams.threads(), 1))
	out := make([][]byte, batch)
	for first := int64(0); first < total; first += batch {
		n := int(min(batch, total-first))
		err := forEach(ctx, n, sc.cfg.cparams.threads(), func(_ context.Context, i int) error {
			c, err := gen(first + int64(i))
			out[i] = c
			return err
		})
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := sc.insertChunkLocked(ctx, len(sc.chunks), out[i]); err != nil {
				return err
			}
		}
	}
	sc.dirty = true
	if err := sc.flushLocked(ctx); err != nil {
		return err
	}
	level.Debug(sc.logger).Log("msg", "array created", "shape", fmt.Sprint(a.shape), "chunks", fmt.Sprint(a.chunks), "nchunks", total)
	return nil
}

// Open opens a persisted NDArray.
func Open(ctx context.Context, store Store, p string, opts ...Option) (*NDArray, error) {
	cfg, err := resolveArrayOptions(opts)
	if err != nil {
		return nil, err
	}
	sc, err := openSChunk(ctx, store, p, cfg.schunkConfig)
	if err != nil {
		return nil, err
	}
	return FromSChunk(sc)
}

// FromSChunk wraps an SChunk that carries the b2nd metalayer.
func FromSChunk(sc *SChunk) (*NDArray, error) {
	raw, err := sc.Meta().Get(b2ndMetaName)
	if err != nil {
		return nil, fmt.Errorf("tessera: not an array: %w", err)
	}
	m, err := decodeArrayMeta(raw)
	if err != nil {
		return nil, err
	}
	a := &NDArray{sc: sc, shape: m.shape, chunks: m.chunks, blocks: m.blocks, dtype: m.dtype}
	l := a.layoutLocked()
	if sc.typesize != m.dtype.ItemSize() {
		return nil, fmt.Errorf("tessera: typesize %d for dtype %s: %w", sc.typesize, m.dtype, ErrCorrupt)
	}
	if n := int64(sc.NChunks()); n != l.grid().NChunks() {
		return nil, fmt.Errorf("tessera: %d chunks for a grid of %d: %w", n, l.grid().NChunks(), ErrCorrupt)
	}
	if n := sc.NChunks(); n > 0 && sc.ChunkSize() != l.chunkBytes() {
		return nil, fmt.Errorf("tessera: chunk size %d for layout of %d: %w", sc.ChunkSize(), l.chunkBytes(), ErrCorrupt)
	}
	return a, nil
}

// -----------------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------------

// Shape returns the logical shape. It reads metadata only.
func (a *NDArray) Shape() []int64 {
	a.sc.mu.RLock()
	defer a.sc.mu.RUnlock()
	return append([]int64{}, a.shape...)
}

// DType returns the element type.
func (a *NDArray) DType() DType { return a.dtype }

// Chunks returns the chunk shape.
func (a *NDArray) Chunks() []int64 { return append([]int64(nil), a.chunks...) }

// Blocks returns the block shape.
func (a *NDArray) Blocks() []int64 { return append([]int64(nil), a.blocks...) }

// NDim returns the number of dimensions.
func (a *NDArray) NDim() int { return len(a.chunks) }

// Size returns the number of elements.
func (a *NDArray) Size() int64 { return prod(a.Shape()) }

// NChunks returns the number of chunks in the grid.
func (a *NDArray) NChunks() int64 { return int64(a.sc.NChunks()) }

// SChunk returns the underlying super-chunk.
func (a *NDArray) SChunk() *SChunk { return a.sc }

// VLMeta returns the array's variable-length metadata.
func (a *NDArray) VLMeta() VLMeta { return a.sc.VLMeta() }

// Meta returns the array's fixed metalayers, b2nd included.
func (a *NDArray) Meta() Metalayers { return a.sc.Meta() }

// Location returns the path of a persisted array within its store.
func (a *NDArray) Location() (string, bool) {
	_, p, ok := a.sc.Storage()
	return p, ok
}

func (a *NDArray) layoutLocked() layout {
	return layout{shape: a.shape, chunks: a.chunks, blocks: a.blocks, itemsize: a.dtype.ItemSize()}
}

// -----------------------------------------------------------------------------
// Chunk access
// -----------------------------------------------------------------------------

// GetChunk returns the compressed bytes of chunk n.
func (a *NDArray) GetChunk(ctx context.Context, n int64) ([]byte, error) {
	return a.sc.GetChunk(ctx, int(n))
}

// SetChunk replaces chunk n without flushing. The chunk must hold a full
// chunk of this array's layout; call Flush when done.
func (a *NDArray) SetChunk(ctx context.Context, n int64, chunk []byte) error {
	sc := a.sc
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.writable(); err != nil {
		return err
	}
	meta, err := ChunkInfo(chunk)
	if err != nil {
		return err
	}
	if want := a.layoutLocked().chunkBytes(); meta.NBytes != want {
		return fmt.Errorf("tessera: %d byte chunk for %d byte layout: %w", meta.NBytes, want, ErrSizeMismatch)
	}
	return sc.updateChunkLocked(ctx, int(n), chunk)
}

// Flush persists pending changes.
func (a *NDArray) Flush(ctx context.Context) error { return a.sc.Flush(ctx) }

// ChunkBounds returns the part of chunk n inside the array shape.
func (a *NDArray) ChunkBounds(n int64) (start, stop []int64) {
	a.sc.mu.RLock()
	defer a.sc.mu.RUnlock()
	return a.layoutLocked().grid().Bounds(n)
}

// EncodeChunk compresses d as chunk n. d holds the ChunkBounds region of
// chunk n in C order and is converted to the array dtype; padding is zero.
// The result is ready for SetChunk.
func (a *NDArray) EncodeChunk(n int64, d *Dense) ([]byte, error) {
	a.sc.mu.RLock()
	l := a.layoutLocked()
	a.sc.mu.RUnlock()
	start, stop := l.grid().Bounds(n)
	if d.Len() != prod(sub(stop, start)) {
		return nil, fmt.Errorf("tessera: %v values for chunk %d region %v: %w", d.shape, n, sub(stop, start), ErrSizeMismatch)
	}
	d, err := d.Astype(a.dtype)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, l.chunkBytes())
	l.scatter(buf, n, d.data, start, stop)
	return a.sc.compress(buf)
}

// -----------------------------------------------------------------------------
// Slicing
// -----------------------------------------------------------------------------

// GetSlice returns a dense copy of the selection. Only intersecting chunks
// are read, and within each only the blocks the selection touches.
func (a *NDArray) GetSlice(ctx context.Context, sel ...Index) (*Dense, error) {
	a.sc.mu.RLock()
	defer a.sc.mu.RUnlock()
	r, err := NormalizeSelection(a.shape, sel)
	if err != nil {
		return nil, err
	}
	out := NewDense(a.dtype, r.Shape()...)
	if err := a.readRegionLocked(ctx, r.Start, r.Stop, out.data); err != nil {
		return nil, err
	}
	out.shape = r.ResultShape()
	return out, nil
}

func (a *NDArray) readRegionLocked(ctx context.Context, start, stop []int64, dst []byte) error {
	l := a.layoutLocked()
	ids := l.grid().Intersecting(start, stop)
	bsz := l.blockBytes()
	return forEach(ctx, len(ids), a.sc.cfg.dparams.threads(), func(ctx context.Context, k int) error {
		n := ids[k]
		first, last := l.blockSpan(n, start, stop)
		data, err := a.sc.decodeRangeLocked(ctx, a.sc.chunks[n], int(first)*bsz, int(last+1)*bsz)
		if err != nil {
			return fmt.Errorf("tessera: chunk %d: %w", n, err)
		}
		l.gather(dst, start, stop, n, data, first)
		return nil
	})
}

// SetSlice writes src into the selection. src must have the selection's
// result shape, or hold a single element that is broadcast. Its dtype is
// converted when it differs. Chunks the selection fully covers are
// rebuilt without being decompressed.
func (a *NDArray) SetSlice(ctx context.Context, src *Dense, sel ...Index) error {
	sc := a.sc
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.writable(); err != nil {
		return err
	}
	r, err := NormalizeSelection(a.shape, sel)
	if err != nil {
		return err
	}
	region := r.Shape()
	if src.Len() != prod(region) {
		if src.Len() != 1 {
			return fmt.Errorf("tessera: set shape %v into selection %v: %w", src.shape, r.ResultShape(), ErrSizeMismatch)
		}
		if src, err = broadcastScalar(src, region); err != nil {
			return err
		}
	}
	if src, err = src.Astype(a.dtype); err != nil {
		return err
	}
	return a.writeRegionLocked(ctx, r.Start, r.Stop, src.data)
}

func broadcastScalar(src *Dense, shape []int64) (*Dense, error) {
	out := NewDense(src.dtype, shape...)
	isz := src.dtype.ItemSize()
	for i := int64(0); i < out.Len(); i++ {
		copy(out.data[i*int64(isz):], src.data[:isz])
	}
	return out, nil
}

func (a *NDArray) writeRegionLocked(ctx context.Context, start, stop []int64, src []byte) error {
	sc := a.sc
	l := a.layoutLocked()
	ids := l.grid().Intersecting(start, stop)
	chunks := make([][]byte, len(ids))
	err := forEach(ctx, len(ids), sc.cfg.cparams.threads(), func(ctx context.Context, k int) error {
		n := ids[k]
		buf := make([]byte, l.chunkBytes())
		if !l.covers(n, start, stop) {
			data, err := sc.decodedLocked(ctx, sc.chunks[n])
			if err != nil {
				return fmt.Errorf("tessera: chunk %d: %w", n, err)
			}
			copy(buf, data)
		}
		l.scatter(buf, n, src, start, stop)
		c, err := sc.compress(buf)
		chunks[k] = c
		return err
	})
	if err != nil {
		return err
	}
	for k, n := range ids {
		if err := sc.updateChunkLocked(ctx, int(n), chunks[k]); err != nil {
			return err
		}
	}
	return sc.flushLocked(ctx)
}

// Take gathers the elements at idx from a 1-D array. Negative indices count
// from the end. Every touched chunk is decompressed once.
func (a *NDArray) Take(ctx context.Context, idx []int64) (*Dense, error) {
	a.sc.mu.RLock()
	defer a.sc.mu.RUnlock()
	if len(a.shape) != 1 {
		return nil, fmt.Errorf("tessera: take on a %d-D array: %w", len(a.shape), ErrOutOfBounds)
	}
	n := a.shape[0]
	byChunk := make(map[int64][]int)
	for k, i := range idx {
		if i < 0 {
			i += n
		}
		if i < 0 || i >= n {
			return nil, fmt.Errorf("tessera: take index %d of %d: %w", idx[k], n, ErrOutOfBounds)
		}
		c := i / a.chunks[0]
		byChunk[c] = append(byChunk[c], k)
	}
	ids := make([]int64, 0, len(byChunk))
	for c := range byChunk {
		ids = append(ids, c)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	isz := int64(a.dtype.ItemSize())
	out := NewDense(a.dtype, int64(len(idx)))
	err := forEach(ctx, len(ids), a.sc.cfg.dparams.threads(), func(ctx context.Context, k int) error {
		c := ids[k]
		data, err := a.sc.decodedLocked(ctx, a.sc.chunks[c])
		if err != nil {
			return fmt.Errorf("tessera: chunk %d: %w", c, err)
		}
		for _, pos := range byChunk[c] {
			i := idx[pos]
			if i < 0 {
				i += n
			}
			off := (i - c*a.chunks[0]) * isz
			copy(out.data[int64(pos)*isz:], data[off:off+isz])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NChunksInSlice returns how many chunks a selection touches.
func (a *NDArray) NChunksInSlice(sel ...Index) (int, error) {
	a.sc.mu.RLock()
	defer a.sc.mu.RUnlock()
	r, err := NormalizeSelection(a.shape, sel)
	if err != nil {
		return 0, err
	}
	return len(a.layoutLocked().grid().Intersecting(r.Start, r.Stop)), nil
}

// -----------------------------------------------------------------------------
// Resize
// -----------------------------------------------------------------------------

// Resize changes the shape. Chunks inside both the old and the new grid
// keep their data and position in the grid; chunks only in the new grid
// are ZERO special chunks; chunks only in the old grid are dropped. Retained
// edge chunks that gain visible elements get those elements zeroed, so
// growing never exposes data hidden by an earlier shrink.
func (a *NDArray) Resize(ctx context.Context, shape ...int64) error {
	sc := a.sc
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.writable(); err != nil {
		return err
	}
	if len(shape) != len(a.shape) {
		return fmt.Errorf("tessera: resize %d-D array to %v: %w", len(a.shape), shape, ErrSizeMismatch)
	}
	for d, n := range shape {
		if n < 0 {
			return fmt.Errorf("tessera: negative extent %d on dimension %d: %w", n, d, ErrOutOfBounds)
		}
	}
	oldShape := a.shape
	shape = append([]int64{}, shape...)
	oldL := a.layoutLocked()
	newL := oldL
	newL.shape = shape
	g0, g1 := oldL.grid(), newL.grid()

	zero, err := NewSpecialChunk(SpecialZero, newL.chunkBytes(), newL.itemsize, nil)
	if err != nil {
		return err
	}
	zeroMeta, err := ChunkInfo(zero)
	if err != nil {
		return err
	}
	refs := make([]*chunkRef, g1.NChunks())
	kept := make([]bool, len(sc.chunks))
	var exposed []int64
	for n1 := range refs {
		c := g1.Coords(int64(n1))
		inside, grows := true, false
		for d := range c {
			if c[d] >= g0.Dims()[d] {
				inside = false
				break
			}
			if shape[d] > oldShape[d] && (c[d]+1)*a.chunks[d] > oldShape[d] {
				grows = true
			}
		}
		if !inside {
			if refs[n1], err = sc.storeLocked(ctx, zero, zeroMeta); err != nil {
				return err
			}
			continue
		}
		n0 := g0.Index(c)
		refs[n1] = sc.chunks[n0]
		kept[n0] = true
		if grows {
			exposed = append(exposed, int64(n1))
		}
	}

	// Exposed edge chunks are re-encoded into fresh refs; the container is
	// untouched until every new chunk exists.
	var replaced, written []*chunkRef
	abandon := func() {
		for _, ref := range written {
			sc.releaseLocked(ref)
		}
	}
	for _, n := range exposed {
		ref := refs[n]
		if ref.special == SpecialZero || ref.special == SpecialUninit {
			continue
		}
		data, err := sc.decodedLocked(ctx, ref)
		if err != nil {
			abandon()
			return fmt.Errorf("tessera: chunk %d: %w", n, err)
		}
		buf := append([]byte(nil), data...)
		newL.visit(n, true, func(coords []int64, off int) {
			for d, x := range coords {
				if x >= oldShape[d] {
					clear(buf[off : off+newL.itemsize])
					return
				}
			}
		})
		chunk, err := sc.compress(buf)
		if err != nil {
			abandon()
			return err
		}
		meta, err := ChunkInfo(chunk)
		if err != nil {
			abandon()
			return err
		}
		fresh, err := sc.storeLocked(ctx, chunk, meta)
		if err != nil {
			abandon()
			return err
		}
		written = append(written, fresh)
		replaced = append(replaced, ref)
		refs[n] = fresh
	}

	// Commit, and put everything back if the metadata or the flush fails.
	prev := struct {
		chunks  []*chunkRef
		meta    []metaEntry
		nbytes  int64
		dead    int64
		garbage int
		dirty   bool
		shape   []int64
	}{sc.chunks, append([]metaEntry(nil), sc.meta...), sc.nbytes, sc.dead, len(sc.garbage), sc.dirty, a.shape}
	rollback := func() {
		sc.chunks, sc.meta, sc.nbytes, sc.dead, sc.dirty, a.shape = prev.chunks, prev.meta, prev.nbytes, prev.dead, prev.dirty, prev.shape
		sc.garbage = sc.garbage[:prev.garbage]
		abandon()
	}

	sc.chunks = refs
	sc.nbytes = int64(len(refs)) * int64(newL.chunkBytes())
	sc.dirty = true
	a.shape = shape
	m := arrayMeta{shape: shape, chunks: a.chunks, blocks: a.blocks, dtype: a.dtype}
	if err := sc.updateMetaLocked(b2ndMetaName, m.encode()); err != nil {
		rollback()
		return err
	}
	for n0, ref := range prev.chunks {
		if !kept[n0] {
			sc.releaseLocked(ref)
		}
	}
	for _, ref := range replaced {
		sc.releaseLocked(ref)
	}
	if err := sc.flushLocked(ctx); err != nil {
		rollback()
		return err
	}
	level.Debug(sc.logger).Log("msg", "resized", "from", fmt.Sprint(oldShape), "to", fmt.Sprint(shape), "nchunks", len(refs))
	return nil
}

// -----------------------------------------------------------------------------
// Copies
// -----------------------------------------------------------------------------

// Save writes a verbatim copy to path in store and returns it.
func (a *NDArray) Save(ctx context.Context, store Store, p string, opts ...Option) (*NDArray, error) {
	sc, err := a.sc.Save(ctx, store, p, opts...)
	if err != nil {
		return nil, err
	}
	return FromSChunk(sc)
}

// Copy re-compresses the array with the parameters given by opts. The chunk
// and block shapes are kept.
func (a *NDArray) Copy(ctx context.Context, opts ...Option) (*NDArray, error) {
	isz := a.dtype.ItemSize()
	opts = append(opts, pinLayout{typesize: isz, blocksize: int(prod(a.blocks)) * isz})
	sc, err := a.sc.Copy(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return FromSChunk(sc)
}

// pinLayout forces the array's typesize and blocksize onto resolved
// compression parameters.
type pinLayout struct{ typesize, blocksize int }

func (o pinLayout) applySChunk(c *schunkConfig) error {
	c.cparams.TypeSize, c.cparams.BlockSize = o.typesize, o.blocksize
	return nil
}

func (o pinLayout) applyArray(c *arrayConfig) error { return o.applySChunk(&c.schunkConfig) }

// -----------------------------------------------------------------------------
// Info
// -----------------------------------------------------------------------------

// Info summarizes an array.
type Info struct {
	Shape      []int64
	Chunks     []int64
	Blocks     []int64
	DType      DType
	NBytes     int64
	CBytes     int64
	CRatio     float64
	CParams    CParams
	Contiguous bool
	Location   string
	VLMeta     []string
}

// Info returns the array summary.
func (a *NDArray) Info() Info {
	loc, _ := a.Location()
	return Info{
		Shape:      a.Shape(),
		Chunks:     a.Chunks(),
		Blocks:     a.Blocks(),
		DType:      a.dtype,
		NBytes:     a.Size() * int64(a.dtype.ItemSize()),
		CBytes:     a.sc.CBytes(),
		CRatio:     a.sc.CRatio(),
		CParams:    a.sc.CParams(),
		Contiguous: a.sc.Contiguous(),
		Location:   loc,
		VLMeta:     a.sc.VLMeta().Keys(),
	}
}

// String renders the summary one field per line.
func (i Info) String() string {
	var b strings.Builder
	row := func(k string, v any) { fmt.Fprintf(&b, "%-11s: %v\n", k, v) }
	row("type", "NDArray")
	row("shape", i.Shape)
	row("chunks", i.Chunks)
	row("blocks", i.Blocks)
	row("dtype", i.DType)
	row("nbytes", i.NBytes)
	row("cbytes", i.CBytes)
	row("cratio", fmt.Sprintf("%.2f", i.CRatio))
	row("codec", fmt.Sprintf("%s (level %d)", i.CParams.Codec, i.CParams.Level))
	row("filters", i.CParams.Filters)
	row("contiguous", i.Contiguous)
	if i.Location != "" {
		row("location", i.Location)
	}
	if len(i.VLMeta) > 0 {
		row("vlmeta", i.VLMeta)
	}
	return b.String()
}
