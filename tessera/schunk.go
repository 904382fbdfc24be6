package tessera

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// chunkIDs hands out cache keys; every stored chunk gets a fresh one, so
// insertions and deletions never alias cached data.
var chunkIDs atomic.Uint64

// chunkRef is one entry of the chunk index.
type chunkRef struct {
	id      uint64
	nbytes  int
	cbytes  int
	special SpecialKind
	data    []byte // special chunks, in-memory containers, unflushed frame chunks
	offset  int64  // payload offset in the stored frame; -1 when not there
	blob    string // sparse layout blob name
}

// SChunk is an ordered sequence of independently compressed chunks.
//
// Every chunk except the last holds exactly ChunkSize bytes; the last may
// be shorter. Insert and delete renumber later chunks without moving data.
// Concurrent readers are safe; structural mutation assumes one writer.
type SChunk struct {
	mu sync.RWMutex

	cfg       schunkConfig
	chunksize int
	typesize  int
	nbytes    int64
	chunks    []*chunkRef
	meta      []metaEntry
	vlmeta    map[string][]byte
	cache     *lru.Cache[uint64, []byte]
	logger    log.Logger

	dirty     bool
	frameEnd  int64    // contiguous: end of the stored frame; 0 before the first write
	headerLen int64    // contiguous: length of the stored header
	dead      int64    // contiguous: stored bytes nothing references
	seq       int64    // sparse: last written index manifest
	garbage   []string // sparse: blobs to drop once the next manifest lands
}

// NewSChunk creates an empty SChunk. With WithStorage the container is
// persisted immediately (an empty frame or index manifest).
func NewSChunk(ctx context.Context, opts ...Option) (*SChunk, error) {
	cfg, err := resolveSChunkOptions(opts)
	if err != nil {
		return nil, err
	}
	return newSChunk(ctx, cfg)
}

func newSChunk(ctx context.Context, cfg schunkConfig) (*SChunk, error) {
	if err := cfg.cparams.Validate(); err != nil {
		return nil, err
	}
	sc, err := initSChunk(cfg)
	if err != nil {
		return nil, err
	}
	sc.chunksize = cfg.chunksize
	sc.meta = cfg.meta
	if cfg.store == nil {
		return sc, nil
	}

	switch cfg.mode {
	case ModeRead:
		return nil, fmt.Errorf("tessera: cannot create %s read-only: %w", cfg.path, ErrReadOnly)
	case ModeWrite:
		if err := removeContainer(ctx, cfg.store, cfg.path); err != nil {
			return nil, err
		}
	case ModeAppend:
		exists, err := containerExists(ctx, cfg.store, cfg.path)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("tessera: create %s: %w", cfg.path, ErrPathExists)
		}
	}
	sc.dirty = true
	if err := sc.flushLocked(ctx); err != nil {
		return nil, err
	}
	return sc, nil
}

func initSChunk(cfg schunkConfig) (*SChunk, error) {
	sc := &SChunk{
		cfg:      cfg,
		typesize: cfg.cparams.TypeSize,
		vlmeta:   make(map[string][]byte),
		logger:   log.With(cfg.logger, "component", "schunk"),
	}
	if cfg.path != "" {
		sc.logger = log.With(sc.logger, "path", cfg.path)
	}
	if cfg.cacheSize > 0 {
		cache, err := lru.New[uint64, []byte](cfg.cacheSize)
		if err != nil {
			return nil, err
		}
		sc.cache = cache
	}
	return sc, nil
}

// OpenSChunk opens a persisted SChunk. The layout (contiguous or sparse) is
// detected from what is stored at path. Compression parameters come from
// the stored header; WithMode(ModeRead) opens read-only.
func OpenSChunk(ctx context.Context, store Store, p string, opts ...Option) (*SChunk, error) {
	cfg, err := resolveSChunkOptions(opts)
	if err != nil {
		return nil, err
	}
	return openSChunk(ctx, store, p, cfg)
}

func openSChunk(ctx context.Context, store Store, p string, cfg schunkConfig) (*SChunk, error) {
	if cfg.mode == ModeWrite {
		return nil, fmt.Errorf("tessera: open %s with mode w: use a constructor", p)
	}
	cfg.store, cfg.path = store, p

	var (
		h             *frameHeader
		headerAt, end int64
	)
	isFrame, err := store.Exists(ctx, p)
	if err != nil {
		return nil, err
	}
	if isFrame {
		h, headerAt, end, err = readFrameHeader(ctx, store, p)
		if err != nil {
			return nil, fmt.Errorf("tessera: open %s: %w", p, err)
		}
		cfg.contiguous = true
	} else {
		seq, ok, err := latestIndex(ctx, store, p)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("tessera: open %s: %w", p, ErrNotFound)
		}
		if h, err = readIndex(ctx, store, p, seq); err != nil {
			return nil, fmt.Errorf("tessera: open %s: %w", p, err)
		}
		cfg.contiguous = false
	}

	cfg.cparams = h.CParams
	cfg.cparams.TypeSize = h.TypeSize
	if cfg.cparams.NThreads == 0 {
		cfg.cparams.NThreads = DefaultNThreads()
	}
	sc, err := initSChunk(cfg)
	if err != nil {
		return nil, err
	}
	vl, err := decodeVLMeta(h.VLMeta)
	if err != nil {
		return nil, err
	}
	sc.chunksize = h.ChunkSize
	sc.nbytes = h.NBytes
	sc.meta = h.Meta
	sc.vlmeta = vl
	sc.seq = h.Sequence
	if isFrame {
		sc.frameEnd, sc.headerLen = end, end-headerAt
		sc.dead = headerAt - framePrefixSize
	}
	sc.chunks = make([]*chunkRef, len(h.Chunks))
	for i, e := range h.Chunks {
		ref := &chunkRef{
			id:      chunkIDs.Add(1),
			nbytes:  e.NBytes,
			cbytes:  e.CBytes,
			special: e.Special,
			offset:  -1,
			blob:    e.Blob,
		}
		switch {
		case e.Inline != nil:
			meta, err := ChunkInfo(e.Inline)
			if err != nil {
				return nil, fmt.Errorf("tessera: open %s: inline chunk %d: %w", p, i, err)
			}
			if meta.NBytes != e.NBytes || meta.Special != e.Special {
				return nil, fmt.Errorf("tessera: open %s: inline chunk %d disagrees with index: %w", p, i, ErrCorrupt)
			}
			ref.data = e.Inline
		case e.Blob == "":
			ref.offset = e.Offset
			sc.dead -= int64(e.CBytes)
		}
		sc.chunks[i] = ref
	}
	level.Debug(sc.logger).Log("msg", "opened", "contiguous", cfg.contiguous, "nchunks", len(sc.chunks))
	return sc, nil
}

func containerExists(ctx context.Context, store Store, p string) (bool, error) {
	if ok, err := store.Exists(ctx, p); err != nil || ok {
		return ok, err
	}
	_, ok, err := latestIndex(ctx, store, p)
	return ok, err
}

// removeContainer deletes a frame or a sparse directory at p.
func removeContainer(ctx context.Context, store Store, p string) error {
	if err := store.Delete(ctx, p); err != nil {
		return err
	}
	paths, err := store.List(ctx, p+"/")
	if err != nil {
		return err
	}
	for _, q := range paths {
		if err := store.Delete(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------------

// ChunkSize returns the uncompressed size of every non-final chunk. It is 0
// until the first chunk fixes it when no size was configured.
func (sc *SChunk) ChunkSize() int {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.chunksize
}

// TypeSize returns the item width in bytes.
func (sc *SChunk) TypeSize() int { return sc.typesize }

// NChunks returns the number of chunks.
func (sc *SChunk) NChunks() int {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return len(sc.chunks)
}

// NBytes returns the logical (uncompressed) size.
func (sc *SChunk) NBytes() int64 {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.nbytes
}

// NItems returns the logical size in items.
func (sc *SChunk) NItems() int64 { return sc.NBytes() / int64(sc.typesize) }

// CBytes returns the total compressed size of all chunks.
func (sc *SChunk) CBytes() int64 {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	var n int64
	for _, c := range sc.chunks {
		n += int64(c.cbytes)
	}
	return n
}

// CRatio returns NBytes / CBytes, or 0 for an empty container.
func (sc *SChunk) CRatio() float64 {
	cb := sc.CBytes()
	if cb == 0 {
		return 0
	}
	return float64(sc.NBytes()) / float64(cb)
}

// CParams returns the compression parameters.
func (sc *SChunk) CParams() CParams { return sc.cfg.cparams }

// DParams returns the decompression parameters.
func (sc *SChunk) DParams() DParams { return sc.cfg.dparams }

// Contiguous reports whether the container uses the single-frame layout.
func (sc *SChunk) Contiguous() bool { return sc.cfg.contiguous }

// Storage returns where the container is persisted; ok is false for
// in-memory containers.
func (sc *SChunk) Storage() (store Store, p string, ok bool) {
	return sc.cfg.store, sc.cfg.path, sc.cfg.store != nil
}

// Meta returns the fixed-size metalayers.
func (sc *SChunk) Meta() Metalayers { return Metalayers{sc: sc} }

// VLMeta returns the variable-length metalayers.
func (sc *SChunk) VLMeta() VLMeta { return VLMeta{sc: sc} }

// Special returns the special kind of chunk i without any I/O.
func (sc *SChunk) Special(i int) (SpecialKind, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	if i < 0 || i >= len(sc.chunks) {
		return 0, fmt.Errorf("tessera: chunk %d of %d: %w", i, len(sc.chunks), ErrOutOfRange)
	}
	return sc.chunks[i].special, nil
}

func (sc *SChunk) writable() error {
	if sc.cfg.mode == ModeRead {
		return ErrReadOnly
	}
	return nil
}

// -----------------------------------------------------------------------------
// Chunk-level operations
// -----------------------------------------------------------------------------

// AppendData compresses buf into trailing chunks and returns the new chunk
// count. buf must be a whole number of chunks except for a final partial
// one. With no chunk size configured, buf becomes a single chunk whose
// length fixes the chunk size.
func (sc *SChunk) AppendData(ctx context.Context, buf []byte) (int, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.writable(); err != nil {
		return 0, err
	}
	if err := sc.appendDataLocked(ctx, buf); err != nil {
		return 0, err
	}
	return len(sc.chunks), sc.flushLocked(ctx)
}

func (sc *SChunk) appendDataLocked(ctx context.Context, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if len(buf)%sc.typesize != 0 {
		return fmt.Errorf("tessera: %d bytes is not a whole number of %d byte items: %w", len(buf), sc.typesize, ErrSizeMismatch)
	}
	if sc.lastPartialLocked() {
		return fmt.Errorf("tessera: append after %d byte final chunk: %w", sc.chunks[len(sc.chunks)-1].nbytes, ErrPartialChunk)
	}
	cs := sc.chunksize
	if cs == 0 {
		cs = len(buf)
	}
	n := (len(buf) + cs - 1) / cs
	chunks := make([][]byte, n)
	err := forEach(ctx, n, sc.cfg.cparams.threads(), func(_ context.Context, i int) error {
		c, err := sc.compress(buf[i*cs : min((i+1)*cs, len(buf))])
		chunks[i] = c
		return err
	})
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := sc.insertChunkLocked(ctx, len(sc.chunks), c); err != nil {
			return err
		}
	}
	return nil
}

// AppendChunk adds an already-compressed chunk at the end.
func (sc *SChunk) AppendChunk(ctx context.Context, chunk []byte) (int, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.mutate(ctx, func() error { return sc.insertChunkLocked(ctx, len(sc.chunks), chunk) })
}

// InsertChunk places chunk at index i, shifting chunks at i and above up by
// one. Only the index changes; no chunk data moves.
func (sc *SChunk) InsertChunk(ctx context.Context, i int, chunk []byte) (int, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.mutate(ctx, func() error { return sc.insertChunkLocked(ctx, i, chunk) })
}

// UpdateChunk replaces chunk i in place.
func (sc *SChunk) UpdateChunk(ctx context.Context, i int, chunk []byte) (int, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.mutate(ctx, func() error { return sc.updateChunkLocked(ctx, i, chunk) })
}

// DeleteChunk removes chunk i, shifting later chunks down by one.
func (sc *SChunk) DeleteChunk(ctx context.Context, i int) (int, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.mutate(ctx, func() error { return sc.deleteChunkLocked(i) })
}

// InsertData compresses buf and inserts it as chunk i.
func (sc *SChunk) InsertData(ctx context.Context, i int, buf []byte) (int, error) {
	chunk, err := sc.compress(buf)
	if err != nil {
		return 0, err
	}
	return sc.InsertChunk(ctx, i, chunk)
}

// UpdateData compresses buf and replaces chunk i with it.
func (sc *SChunk) UpdateData(ctx context.Context, i int, buf []byte) (int, error) {
	chunk, err := sc.compress(buf)
	if err != nil {
		return 0, err
	}
	return sc.UpdateChunk(ctx, i, chunk)
}

// mutate runs op under the held write lock and flushes persisted state.
func (sc *SChunk) mutate(ctx context.Context, op func() error) (int, error) {
	if err := sc.writable(); err != nil {
		return 0, err
	}
	if err := op(); err != nil {
		return 0, err
	}
	return len(sc.chunks), sc.flushLocked(ctx)
}

// GetChunk returns the compressed bytes of chunk i.
func (sc *SChunk) GetChunk(ctx context.Context, i int) ([]byte, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	ref, err := sc.refLocked(i)
	if err != nil {
		return nil, err
	}
	chunk, err := sc.loadLocked(ctx, ref)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(chunk), nil
}

// DecompressChunk decompresses chunk i into dst and returns the bytes
// written. dst must hold the chunk's nbytes.
func (sc *SChunk) DecompressChunk(ctx context.Context, i int, dst []byte) (int, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	ref, err := sc.refLocked(i)
	if err != nil {
		return 0, err
	}
	if len(dst) < ref.nbytes {
		return 0, fmt.Errorf("tessera: %d byte buffer for %d byte chunk %d: %w", len(dst), ref.nbytes, i, ErrBufferTooSmall)
	}
	data, err := sc.decodedLocked(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("tessera: chunk %d: %w", i, err)
	}
	return copy(dst, data), nil
}

func (sc *SChunk) refLocked(i int) (*chunkRef, error) {
	if i < 0 || i >= len(sc.chunks) {
		return nil, fmt.Errorf("tessera: chunk %d of %d: %w", i, len(sc.chunks), ErrOutOfRange)
	}
	return sc.chunks[i], nil
}

func (sc *SChunk) lastPartialLocked() bool {
	n := len(sc.chunks)
	return n > 0 && sc.chunks[n-1].nbytes < sc.chunksize
}

// checkPlacementLocked validates a chunk about to occupy position i.
// final reports whether it will be the last chunk.
func (sc *SChunk) checkPlacementLocked(meta ChunkMeta, i int, final bool) error {
	if meta.TypeSize != sc.typesize {
		return fmt.Errorf("tessera: chunk typesize %d, container %d: %w", meta.TypeSize, sc.typesize, ErrSizeMismatch)
	}
	cs := sc.chunksize
	if cs == 0 {
		cs = meta.NBytes
	}
	switch {
	case meta.NBytes == 0:
		return fmt.Errorf("tessera: empty chunk at %d: %w", i, ErrSizeMismatch)
	case final && meta.NBytes > cs, !final && meta.NBytes != cs:
		return fmt.Errorf("tessera: %d byte chunk at %d, chunk size %d: %w", meta.NBytes, i, cs, ErrSizeMismatch)
	}
	return nil
}

func (sc *SChunk) insertChunkLocked(ctx context.Context, i int, chunk []byte) error {
	if i < 0 || i > len(sc.chunks) {
		return fmt.Errorf("tessera: insert at %d of %d: %w", i, len(sc.chunks), ErrOutOfRange)
	}
	meta, err := ChunkInfo(chunk)
	if err != nil {
		return err
	}
	if i == len(sc.chunks) && sc.lastPartialLocked() {
		return fmt.Errorf("tessera: append after %d byte final chunk: %w", sc.chunks[i-1].nbytes, ErrPartialChunk)
	}
	if err := sc.checkPlacementLocked(meta, i, i == len(sc.chunks)); err != nil {
		return err
	}
	ref, err := sc.storeLocked(ctx, chunk, meta)
	if err != nil {
		return err
	}
	if sc.chunksize == 0 {
		sc.chunksize = meta.NBytes
	}
	sc.chunks = append(sc.chunks, nil)
	copy(sc.chunks[i+1:], sc.chunks[i:])
	sc.chunks[i] = ref
	sc.nbytes += int64(meta.NBytes)
	sc.dirty = true
	return nil
}

func (sc *SChunk) updateChunkLocked(ctx context.Context, i int, chunk []byte) error {
	old, err := sc.refLocked(i)
	if err != nil {
		return err
	}
	meta, err := ChunkInfo(chunk)
	if err != nil {
		return err
	}
	if err := sc.checkPlacementLocked(meta, i, i == len(sc.chunks)-1); err != nil {
		return err
	}
	ref, err := sc.storeLocked(ctx, chunk, meta)
	if err != nil {
		return err
	}
	sc.releaseLocked(old)
	sc.chunks[i] = ref
	sc.nbytes += int64(meta.NBytes - old.nbytes)
	sc.dirty = true
	return nil
}

func (sc *SChunk) deleteChunkLocked(i int) error {
	old, err := sc.refLocked(i)
	if err != nil {
		return err
	}
	sc.releaseLocked(old)
	sc.chunks = append(sc.chunks[:i], sc.chunks[i+1:]...)
	sc.nbytes -= int64(old.nbytes)
	sc.dirty = true
	return nil
}

// storeLocked keeps a validated chunk in memory or writes its sparse blob.
func (sc *SChunk) storeLocked(ctx context.Context, chunk []byte, meta ChunkMeta) (*chunkRef, error) {
	ref := &chunkRef{
		id:      chunkIDs.Add(1),
		nbytes:  meta.NBytes,
		cbytes:  meta.CBytes,
		special: meta.Special,
		offset:  -1,
	}
	if meta.Special != SpecialNone || sc.cfg.store == nil || sc.cfg.contiguous {
		ref.data = bytes.Clone(chunk)
		return ref, nil
	}
	blob := uuid.NewString() + ".chunk"
	if err := sc.cfg.store.Put(ctx, chunkBlobPath(sc.cfg.path, blob), bytes.NewReader(chunk)); err != nil {
		return nil, fmt.Errorf("tessera: write chunk blob: %w", err)
	}
	ref.blob = blob
	return ref, nil
}

func (sc *SChunk) releaseLocked(ref *chunkRef) {
	if sc.cache != nil {
		sc.cache.Remove(ref.id)
	}
	switch {
	case ref.blob != "":
		sc.garbage = append(sc.garbage, ref.blob)
	case ref.offset >= 0:
		sc.dead += int64(ref.cbytes)
	}
}

// loadLocked returns the compressed bytes of ref.
func (sc *SChunk) loadLocked(ctx context.Context, ref *chunkRef) ([]byte, error) {
	var (
		chunk []byte
		err   error
	)
	switch {
	case ref.data != nil:
		return ref.data, nil
	case ref.blob != "":
		chunk, err = readObject(ctx, sc.cfg.store, chunkBlobPath(sc.cfg.path, ref.blob))
	case ref.offset >= 0:
		chunk, err = sc.cfg.store.ReadRange(ctx, sc.cfg.path, ref.offset, int64(ref.cbytes))
	default:
		return nil, fmt.Errorf("tessera: chunk has no location: %w", ErrCorrupt)
	}
	if err != nil {
		return nil, err
	}
	if len(chunk) != ref.cbytes {
		return nil, fmt.Errorf("tessera: read %d of %d chunk bytes: %w", len(chunk), ref.cbytes, ErrCorrupt)
	}
	return chunk, nil
}

// decodedLocked returns the decompressed content of ref, through the LRU
// cache. The result is shared and must not be modified.
func (sc *SChunk) decodedLocked(ctx context.Context, ref *chunkRef) ([]byte, error) {
	if sc.cache != nil && ref.special == SpecialNone {
		if data, ok := sc.cache.Get(ref.id); ok {
			sc.cfg.metrics.cacheHit()
			return data, nil
		}
	}
	chunk, err := sc.loadLocked(ctx, ref)
	if err != nil {
		return nil, err
	}
	data := make([]byte, ref.nbytes)
	n, err := DecompressChunk(chunk, data)
	if err != nil {
		return nil, err
	}
	if n != ref.nbytes {
		return nil, fmt.Errorf("tessera: chunk decoded to %d bytes, index says %d: %w", n, ref.nbytes, ErrCorrupt)
	}
	if ref.special == SpecialNone {
		sc.cfg.metrics.decompressed(n)
		if sc.cache != nil {
			sc.cache.Add(ref.id, data)
		}
	}
	return data, nil
}

// compress builds a chunk with the container's parameters.
func (sc *SChunk) compress(buf []byte) ([]byte, error) {
	cp := sc.cfg.cparams
	cp.TypeSize = sc.typesize
	chunk, err := CompressChunk(buf, cp)
	if err != nil {
		return nil, err
	}
	sc.cfg.metrics.compressed(len(buf))
	return chunk, nil
}

// -----------------------------------------------------------------------------
// Item-granular access
// -----------------------------------------------------------------------------

// GetSlice decompresses items [start, stop) into dst, touching only the
// chunks that intersect the range.
func (sc *SChunk) GetSlice(ctx context.Context, start, stop int64, dst []byte) error {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	ts := int64(sc.typesize)
	nitems := sc.nbytes / ts
	if start < 0 || stop > nitems || start > stop {
		return fmt.Errorf("tessera: items [%d, %d) of %d: %w", start, stop, nitems, ErrOutOfBounds)
	}
	if int64(len(dst)) < (stop-start)*ts {
		return fmt.Errorf("tessera: %d byte buffer for %d items: %w", len(dst), stop-start, ErrBufferTooSmall)
	}
	if start == stop {
		return nil
	}
	lo, hi := start*ts, stop*ts
	cs := int64(sc.chunksize)
	first, last := int(lo/cs), int((hi-1)/cs)
	return forEach(ctx, last-first+1, sc.cfg.dparams.threads(), func(ctx context.Context, k int) error {
		i := first + k
		ref := sc.chunks[i]
		base := int64(i) * cs
		a, b := max(lo, base), min(hi, base+int64(ref.nbytes))
		part, err := sc.decodeRangeLocked(ctx, ref, int(a-base), int(b-base))
		if err != nil {
			return fmt.Errorf("tessera: chunk %d: %w", i, err)
		}
		copy(dst[a-lo:b-lo], part)
		return nil
	})
}

// decodeRangeLocked returns bytes [a, b) of ref's content. Whole chunks,
// special chunks and cached containers go through decodedLocked; other
// partial reads decode only the covering blocks. The result may be shared.
func (sc *SChunk) decodeRangeLocked(ctx context.Context, ref *chunkRef, a, b int) ([]byte, error) {
	if a == 0 && b == ref.nbytes || ref.special != SpecialNone || sc.cache != nil {
		data, err := sc.decodedLocked(ctx, ref)
		if err != nil {
			return nil, err
		}
		return data[a:b], nil
	}
	chunk, err := sc.loadLocked(ctx, ref)
	if err != nil {
		return nil, err
	}
	part, err := DecompressRange(chunk, a, b)
	if err != nil {
		return nil, err
	}
	sc.cfg.metrics.decompressed(len(part))
	return part, nil
}

// SetSlice writes buf at item offset start. Intersecting chunks are
// decompressed, patched and recompressed; writing past the logical end grows
// the final chunk up to the chunk size and then appends new chunks.
func (sc *SChunk) SetSlice(ctx context.Context, start int64, buf []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.writable(); err != nil {
		return err
	}
	ts := int64(sc.typesize)
	if int64(len(buf))%ts != 0 {
		return fmt.Errorf("tessera: %d bytes is not a whole number of %d byte items: %w", len(buf), ts, ErrSizeMismatch)
	}
	if start < 0 || start > sc.nbytes/ts {
		return fmt.Errorf("tessera: write at item %d of %d: %w", start, sc.nbytes/ts, ErrOutOfBounds)
	}
	if len(buf) == 0 {
		return nil
	}
	if sc.chunksize == 0 {
		if err := sc.appendDataLocked(ctx, buf); err != nil {
			return err
		}
		return sc.flushLocked(ctx)
	}

	cs := int64(sc.chunksize)
	s := start * ts
	e := s + int64(len(buf))
	for pos := s; pos < e; {
		i := int(pos / cs)
		off := pos % cs
		if i >= len(sc.chunks) {
			piece := buf[pos-s : min(e, pos+cs)-s]
			chunk, err := sc.compress(piece)
			if err != nil {
				return err
			}
			if err := sc.insertChunkLocked(ctx, i, chunk); err != nil {
				return err
			}
			pos += int64(len(piece))
			continue
		}
		ref := sc.chunks[i]
		data, err := sc.decodedLocked(ctx, ref)
		if err != nil {
			return fmt.Errorf("tessera: chunk %d: %w", i, err)
		}
		newLen := max(int64(ref.nbytes), min(cs, off+e-pos))
		cur := make([]byte, newLen)
		copy(cur, data)
		k := copy(cur[off:], buf[pos-s:])
		chunk, err := sc.compress(cur)
		if err != nil {
			return err
		}
		if err := sc.updateChunkLocked(ctx, i, chunk); err != nil {
			return err
		}
		pos += int64(k)
	}
	return sc.flushLocked(ctx)
}

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

// Flush writes pending changes: new payloads and the chunk index for
// contiguous containers, a new index manifest for sparse ones. In-memory
// containers have nothing to flush. Mutations flush on their own; Flush is
// for changes made through the metalayer maps.
func (sc *SChunk) Flush(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.flushLocked(ctx)
}

func (sc *SChunk) flushLocked(ctx context.Context) error {
	if sc.cfg.store == nil || !sc.dirty {
		return nil
	}
	var err error
	if sc.cfg.contiguous {
		err = sc.writeFrameLocked(ctx)
	} else {
		err = sc.writeIndexLocked(ctx)
	}
	if err != nil {
		return fmt.Errorf("tessera: flush %s: %w", sc.cfg.path, err)
	}
	sc.dirty = false
	sc.cfg.metrics.flushed()
	level.Debug(sc.logger).Log("msg", "flushed", "nchunks", len(sc.chunks), "nbytes", sc.nbytes)
	return nil
}

func (sc *SChunk) headerLocked(schema string) *frameHeader {
	h := &frameHeader{
		SchemaName:    schema,
		FormatVersion: frameVersion,
		CreatedAt:     time.Now().UTC(),
		ChunkSize:     sc.chunksize,
		TypeSize:      sc.typesize,
		NBytes:        sc.nbytes,
		CParams:       sc.cfg.cparams,
		Meta:          sc.meta,
		VLMeta:        encodeVLMeta(sc.vlmeta),
		Chunks:        make([]chunkEntry, len(sc.chunks)),
	}
	if h.Meta == nil {
		h.Meta = []metaEntry{}
	}
	for i, ref := range sc.chunks {
		e := chunkEntry{NBytes: ref.nbytes, CBytes: ref.cbytes, Special: ref.special}
		switch {
		case ref.special != SpecialNone:
			e.Inline = ref.data
		case ref.blob != "":
			e.Blob = ref.blob
		default:
			e.Offset = ref.offset
		}
		h.Chunks[i] = e
	}
	return h
}

// writeFrameLocked appends pending payloads and a new header at the frame's
// tail and repoints the prefix. The frame is rewritten whole instead when it
// does not exist yet, when the store cannot patch objects, or when
// unreferenced bytes outgrow the live payloads.
func (sc *SChunk) writeFrameLocked(ctx context.Context) error {
	patcher, ok := sc.cfg.store.(Patcher)
	if !ok || sc.frameEnd == 0 || sc.dead > sc.livePayloadLocked() {
		return sc.rewriteFrameLocked(ctx)
	}
	payloads := make([][]byte, len(sc.chunks))
	for i, ref := range sc.chunks {
		if ref.special == SpecialNone && ref.offset < 0 {
			payloads[i] = ref.data
		}
	}
	h := sc.headerLocked(frameSchema)
	tail, headerAt, err := frameTail(h, payloads, sc.frameEnd)
	if err != nil {
		return err
	}
	if err := patcher.WriteAt(ctx, sc.cfg.path, sc.frameEnd, tail); err != nil {
		return err
	}
	end := sc.frameEnd + int64(len(tail))
	if err := patcher.WriteAt(ctx, sc.cfg.path, 0, framePrefix(headerAt, end-headerAt)); err != nil {
		return err
	}
	sc.dead += sc.headerLen
	sc.storedLocked(h, headerAt, end)
	return nil
}

func (sc *SChunk) rewriteFrameLocked(ctx context.Context) error {
	payloads := make([][]byte, len(sc.chunks))
	for i, ref := range sc.chunks {
		if ref.special != SpecialNone {
			continue
		}
		chunk, err := sc.loadLocked(ctx, ref)
		if err != nil {
			return err
		}
		payloads[i] = chunk
	}
	h := sc.headerLocked(frameSchema)
	frame, headerAt, err := encodeFrame(h, payloads)
	if err != nil {
		return err
	}
	if err := replaceObject(ctx, sc.cfg.store, sc.cfg.path, frame); err != nil {
		return err
	}
	sc.dead = 0
	sc.storedLocked(h, headerAt, int64(len(frame)))
	return nil
}

// storedLocked points every payload chunk at its place in the written frame.
func (sc *SChunk) storedLocked(h *frameHeader, headerAt, end int64) {
	for i, ref := range sc.chunks {
		if ref.special == SpecialNone {
			ref.offset = h.Chunks[i].Offset
			ref.data = nil
		}
	}
	sc.frameEnd, sc.headerLen = end, end-headerAt
}

func (sc *SChunk) livePayloadLocked() int64 {
	var n int64
	for _, ref := range sc.chunks {
		if ref.special == SpecialNone {
			n += int64(ref.cbytes)
		}
	}
	return n
}

func (sc *SChunk) writeIndexLocked(ctx context.Context) error {
	h := sc.headerLocked(indexSchema)
	h.Sequence = sc.seq + 1
	if err := writeIndex(ctx, sc.cfg.store, sc.cfg.path, h); err != nil {
		return err
	}
	sc.seq = h.Sequence
	if n, err := pruneIndexes(ctx, sc.cfg.store, sc.cfg.path, sc.seq-1); err != nil {
		level.Warn(sc.logger).Log("msg", "pruning index manifests", "err", err)
	} else if n > 0 {
		level.Debug(sc.logger).Log("msg", "pruned index manifests", "count", n, "sequence", sc.seq)
	}
	for _, blob := range sc.garbage {
		if err := sc.cfg.store.Delete(ctx, chunkBlobPath(sc.cfg.path, blob)); err != nil {
			level.Warn(sc.logger).Log("msg", "dropping replaced chunk blob", "blob", blob, "err", err)
		}
	}
	sc.garbage = nil
	return nil
}

// Save writes a verbatim copy of the container (no recompression) to path
// in store and returns it. The layout follows WithContiguous (default
// contiguous); other options apply to the copy.
func (sc *SChunk) Save(ctx context.Context, store Store, p string, opts ...Option) (*SChunk, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	cfg := sc.cfg
	cfg.store, cfg.path, cfg.mode, cfg.contiguous = store, p, ModeAppend, true
	cfg.meta = append([]metaEntry(nil), sc.meta...)
	for _, opt := range opts {
		if err := opt.applySChunk(&cfg); err != nil {
			return nil, err
		}
	}
	cfg.chunksize = sc.chunksize
	return sc.copyLocked(ctx, cfg, false)
}

// Copy re-compresses every chunk with the parameters resolved from opts
// (defaulting to the current ones) into a new container. Metadata carries
// over; special chunks stay special.
func (sc *SChunk) Copy(ctx context.Context, opts ...Option) (*SChunk, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	cfg := sc.cfg
	cfg.store, cfg.path, cfg.mode = nil, "", ModeAppend
	cfg.meta = append([]metaEntry(nil), sc.meta...)
	for _, opt := range opts {
		if err := opt.applySChunk(&cfg); err != nil {
			return nil, err
		}
	}
	cfg.chunksize = sc.chunksize
	cfg.cparams.TypeSize = sc.typesize
	return sc.copyLocked(ctx, cfg, true)
}

func (sc *SChunk) copyLocked(ctx context.Context, cfg schunkConfig, recompress bool) (*SChunk, error) {
	out, err := newSChunk(ctx, cfg)
	if err != nil {
		return nil, err
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	for k, v := range sc.vlmeta {
		out.vlmeta[k] = bytes.Clone(v)
	}
	for i, ref := range sc.chunks {
		var chunk []byte
		if recompress && ref.special == SpecialNone {
			data, err := sc.decodedLocked(ctx, ref)
			if err != nil {
				return nil, fmt.Errorf("tessera: copy chunk %d: %w", i, err)
			}
			if chunk, err = out.compress(data); err != nil {
				return nil, err
			}
		} else if chunk, err = sc.loadLocked(ctx, ref); err != nil {
			return nil, fmt.Errorf("tessera: copy chunk %d: %w", i, err)
		}
		if err := out.insertChunkLocked(ctx, i, chunk); err != nil {
			return nil, err
		}
	}
	out.dirty = true
	if err := out.flushLocked(ctx); err != nil {
		return nil, err
	}
	return out, nil
}
