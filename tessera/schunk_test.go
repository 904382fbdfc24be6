package tessera

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// int64Chunked returns an SChunk of int64 items with chunksize items per chunk.
func int64Chunked(t *testing.T, chunksize int, opts ...Option) *SChunk {
	t.Helper()
	cp := DefaultCParams()
	cp.TypeSize = 8
	opts = append([]Option{WithCParams(cp), WithChunkSize(chunksize * 8)}, opts...)
	sc, err := NewSChunk(t.Context(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return sc
}

func readChunk(t *testing.T, sc *SChunk, i int) []byte {
	t.Helper()
	dst := make([]byte, sc.ChunkSize())
	n, err := sc.DecompressChunk(t.Context(), i, dst)
	if err != nil {
		t.Fatal(err)
	}
	return dst[:n]
}

func compress(t *testing.T, sc *SChunk, buf []byte) []byte {
	t.Helper()
	cp := sc.CParams()
	chunk, err := CompressChunk(buf, cp)
	if err != nil {
		t.Fatal(err)
	}
	return chunk
}

// -----------------------------------------------------------------------------
// Append and the partial final chunk
// -----------------------------------------------------------------------------

func TestSChunk_AppendData_PartialFinalChunk(t *testing.T) {
	ctx := t.Context()
	sc := int64Chunked(t, 4)

	if n, err := sc.AppendData(ctx, int64Bytes(0, 1, 2, 3)); err != nil || n != 1 {
		t.Fatalf("first append: n=%d err=%v", n, err)
	}
	n, err := sc.AppendData(ctx, int64Bytes(4, 5))
	if err != nil || n != 2 {
		t.Fatalf("second append: n=%d err=%v", n, err)
	}
	if sc.NItems() != 6 {
		t.Errorf("NItems = %d, want 6", sc.NItems())
	}
	if got := readChunk(t, sc, 1); !bytes.Equal(got, int64Bytes(4, 5)) {
		t.Errorf("chunk 1 = %v, want items [4 5] unpadded", got)
	}

	_, err = sc.AppendData(ctx, int64Bytes(6))
	if !errors.Is(err, ErrPartialChunk) {
		t.Errorf("expected ErrPartialChunk, got: %v", err)
	}
}

func TestSChunk_AppendData_RoundTrip(t *testing.T) {
	ctx := t.Context()
	sc := int64Chunked(t, 100)
	src := rampInt64(1050)

	n, err := sc.AppendData(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if n != 11 {
		t.Errorf("nchunks = %d, want 11", n)
	}
	var got []byte
	for i := 0; i < sc.NChunks(); i++ {
		got = append(got, readChunk(t, sc, i)...)
	}
	if !bytes.Equal(got, src) {
		t.Error("concatenated chunks differ from appended data")
	}
	if sc.CRatio() <= 1 {
		t.Errorf("CRatio = %v, want > 1 for a ramp", sc.CRatio())
	}
}

func TestSChunk_ChunkSizeFromFirstChunk(t *testing.T) {
	ctx := t.Context()
	sc, err := NewSChunk(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sc.AppendData(ctx, rampInt64(16)); err != nil {
		t.Fatal(err)
	}
	if sc.ChunkSize() != 128 {
		t.Errorf("ChunkSize = %d, want 128", sc.ChunkSize())
	}
}

func TestSChunk_AppendData_NotWholeItems(t *testing.T) {
	sc := int64Chunked(t, 4)
	_, err := sc.AppendData(t.Context(), []byte{1, 2, 3})
	if !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("expected ErrSizeMismatch, got: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Index operations
// -----------------------------------------------------------------------------

func TestSChunk_InsertChunk_ShiftsLaterIndices(t *testing.T) {
	ctx := t.Context()
	sc := int64Chunked(t, 2)
	if _, err := sc.AppendData(ctx, int64Bytes(0, 1, 10, 11, 20, 21)); err != nil {
		t.Fatal(err)
	}
	before := []([]byte){readChunk(t, sc, 0), readChunk(t, sc, 1), readChunk(t, sc, 2)}

	n, err := sc.InsertChunk(ctx, 1, compress(t, sc, int64Bytes(-1, -2)))
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("nchunks = %d, want 4", n)
	}
	if !bytes.Equal(readChunk(t, sc, 0), before[0]) {
		t.Error("chunk below the insertion point changed")
	}
	if !bytes.Equal(readChunk(t, sc, 1), int64Bytes(-1, -2)) {
		t.Error("inserted chunk not at index 1")
	}
	if !bytes.Equal(readChunk(t, sc, 2), before[1]) || !bytes.Equal(readChunk(t, sc, 3), before[2]) {
		t.Error("chunks at and above the insertion point did not shift by one")
	}
	if sc.NBytes() != 64 {
		t.Errorf("NBytes = %d, want 64", sc.NBytes())
	}
}

func TestSChunk_DeleteChunk(t *testing.T) {
	ctx := t.Context()
	sc := int64Chunked(t, 2)
	if _, err := sc.AppendData(ctx, int64Bytes(0, 1, 10, 11, 20, 21)); err != nil {
		t.Fatal(err)
	}
	n, err := sc.DeleteChunk(ctx, 0)
	if err != nil || n != 2 {
		t.Fatalf("DeleteChunk: n=%d err=%v", n, err)
	}
	if !bytes.Equal(readChunk(t, sc, 0), int64Bytes(10, 11)) {
		t.Error("later chunks did not shift down")
	}
	if _, err := sc.DeleteChunk(ctx, 5); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got: %v", err)
	}
}

func TestSChunk_UpdateChunk_Rules(t *testing.T) {
	ctx := t.Context()
	sc := int64Chunked(t, 2)
	if _, err := sc.AppendData(ctx, int64Bytes(0, 1, 10, 11)); err != nil {
		t.Fatal(err)
	}

	if _, err := sc.UpdateData(ctx, 0, int64Bytes(7, 8)); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(readChunk(t, sc, 0), int64Bytes(7, 8)) {
		t.Error("update not visible")
	}
	if _, err := sc.UpdateData(ctx, 2, int64Bytes(7, 8)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("update past end: expected ErrOutOfRange, got: %v", err)
	}
	if _, err := sc.UpdateData(ctx, 0, int64Bytes(7)); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("short non-final chunk: expected ErrSizeMismatch, got: %v", err)
	}
	if _, err := sc.UpdateData(ctx, 1, int64Bytes(9)); err != nil {
		t.Errorf("short final chunk should be accepted: %v", err)
	}

	cp := sc.CParams()
	cp.TypeSize = 4
	other, err := CompressChunk(make([]byte, 16), cp)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sc.UpdateChunk(ctx, 0, other); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("typesize mismatch: expected ErrSizeMismatch, got: %v", err)
	}
}

func TestSChunk_DecompressChunk_Errors(t *testing.T) {
	ctx := t.Context()
	sc := int64Chunked(t, 4)
	if _, err := sc.AppendData(ctx, rampInt64(4)); err != nil {
		t.Fatal(err)
	}
	if _, err := sc.DecompressChunk(ctx, 0, make([]byte, 31)); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("expected ErrBufferTooSmall, got: %v", err)
	}
	if _, err := sc.DecompressChunk(ctx, 1, make([]byte, 32)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got: %v", err)
	}
	if _, err := sc.AppendChunk(ctx, []byte("garbage that is not a chunk at all, not even close to one")); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Item slices
// -----------------------------------------------------------------------------

func TestSChunk_GetSlice_SpansChunks(t *testing.T) {
	ctx := t.Context()
	sc := int64Chunked(t, 4, WithChunkCache(0))
	if _, err := sc.AppendData(ctx, rampInt64(10)); err != nil {
		t.Fatal(err)
	}
	dst := make([]byte, 7*8)
	if err := sc.GetSlice(ctx, 2, 9, dst); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst, int64Bytes(2, 3, 4, 5, 6, 7, 8)) {
		t.Errorf("GetSlice(2, 9) = %v", dst)
	}
	if err := sc.GetSlice(ctx, 5, 11, make([]byte, 48)); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds, got: %v", err)
	}
	if err := sc.GetSlice(ctx, 0, 4, make([]byte, 8)); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("expected ErrBufferTooSmall, got: %v", err)
	}
}

func TestSChunk_SetSlice_ExtendsPastEnd(t *testing.T) {
	ctx := t.Context()
	sc := int64Chunked(t, 4)
	if _, err := sc.AppendData(ctx, rampInt64(10)); err != nil {
		t.Fatal(err)
	}
	if err := sc.SetSlice(ctx, 8, int64Bytes(100, 101, 102, 103, 104)); err != nil {
		t.Fatal(err)
	}
	if sc.NItems() != 13 || sc.NChunks() != 4 {
		t.Fatalf("after extend: items=%d chunks=%d", sc.NItems(), sc.NChunks())
	}
	dst := make([]byte, 13*8)
	if err := sc.GetSlice(ctx, 0, 13, dst); err != nil {
		t.Fatal(err)
	}
	want := int64Bytes(0, 1, 2, 3, 4, 5, 6, 7, 100, 101, 102, 103, 104)
	if !bytes.Equal(dst, want) {
		t.Errorf("got %v, want %v", dst, want)
	}

	if err := sc.SetSlice(ctx, 1, int64Bytes(-1, -2, -3, -4)); err != nil {
		t.Fatal(err)
	}
	if err := sc.GetSlice(ctx, 0, 6, dst[:48]); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst[:48], int64Bytes(0, -1, -2, -3, -4, 5)) {
		t.Errorf("overwrite across chunks = %v", dst[:48])
	}
	if err := sc.SetSlice(ctx, 20, int64Bytes(1)); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("write with a gap: expected ErrOutOfBounds, got: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Metadata
// -----------------------------------------------------------------------------

func TestSChunk_Metalayers(t *testing.T) {
	ctx := t.Context()
	sc := int64Chunked(t, 4, WithMeta("version", []byte{1, 0}))

	if err := sc.Meta().Update(ctx, "version", []byte{2, 0}); err != nil {
		t.Fatal(err)
	}
	got, err := sc.Meta().Get("version")
	if err != nil || !bytes.Equal(got, []byte{2, 0}) {
		t.Errorf("Get = %v, %v", got, err)
	}
	if err := sc.Meta().Update(ctx, "version", []byte{2, 0, 0}); !errors.Is(err, ErrMetaSize) {
		t.Errorf("expected ErrMetaSize, got: %v", err)
	}
	if err := sc.Meta().Update(ctx, "missing", []byte{1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
	_, err = NewSChunk(ctx, WithMeta("a", nil), WithMeta("a", nil))
	if !errors.Is(err, ErrMetaExists) {
		t.Errorf("expected ErrMetaExists, got: %v", err)
	}
}

func TestSChunk_VLMeta(t *testing.T) {
	ctx := t.Context()
	sc := int64Chunked(t, 4)
	vl := sc.VLMeta()

	if err := vl.Set(ctx, "n", 42); err != nil {
		t.Fatal(err)
	}
	if err := vl.Set(ctx, "name", "ramp"); err != nil {
		t.Fatal(err)
	}
	if err := vl.Set(ctx, "n", 43); err != nil {
		t.Fatal(err)
	}
	v, err := vl.Get("n")
	if err != nil || v != int64(43) {
		t.Errorf("Get(n) = %#v, %v", v, err)
	}
	if !reflect.DeepEqual(vl.Keys(), []string{"n", "name"}) {
		t.Errorf("Keys = %v", vl.Keys())
	}
	if err := vl.Delete(ctx, "n"); err != nil {
		t.Fatal(err)
	}
	if err := vl.Delete(ctx, "n"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
	if err := vl.SetRaw(ctx, "bad", nil); err == nil {
		t.Error("SetRaw accepted invalid msgpack")
	}
}

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

func TestSChunk_Frame_ReopenAndModes(t *testing.T) {
	ctx := t.Context()
	store := newFSStore(t)
	sc := int64Chunked(t, 4, WithStorage(store, "ramp.tsra"), WithMeta("m", []byte("ab")))
	if _, err := sc.AppendData(ctx, rampInt64(10)); err != nil {
		t.Fatal(err)
	}
	if err := sc.VLMeta().Set(ctx, "unit", "m/s"); err != nil {
		t.Fatal(err)
	}

	re, err := OpenSChunk(ctx, store, "ramp.tsra")
	if err != nil {
		t.Fatal(err)
	}
	if !re.Contiguous() || re.NChunks() != 3 || re.ChunkSize() != 32 {
		t.Fatalf("reopened: contiguous=%v nchunks=%d chunksize=%d", re.Contiguous(), re.NChunks(), re.ChunkSize())
	}
	dst := make([]byte, 80)
	if err := re.GetSlice(ctx, 0, 10, dst); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst, rampInt64(10)) {
		t.Error("reopened data differs")
	}
	if m, _ := re.Meta().Get("m"); string(m) != "ab" {
		t.Errorf("metalayer = %q", m)
	}
	if v, _ := re.VLMeta().Get("unit"); v != "m/s" {
		t.Errorf("vlmeta = %#v", v)
	}

	ro, err := OpenSChunk(ctx, store, "ramp.tsra", WithMode(ModeRead))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ro.DeleteChunk(ctx, 0); !errors.Is(err, ErrReadOnly) {
		t.Errorf("expected ErrReadOnly, got: %v", err)
	}

	_, err = NewSChunk(ctx, WithStorage(store, "ramp.tsra"))
	if !errors.Is(err, ErrPathExists) {
		t.Errorf("mode a on existing path: expected ErrPathExists, got: %v", err)
	}
	fresh, err := NewSChunk(ctx, WithStorage(store, "ramp.tsra"), WithMode(ModeWrite))
	if err != nil {
		t.Fatal(err)
	}
	if fresh.NChunks() != 0 {
		t.Errorf("mode w kept %d chunks", fresh.NChunks())
	}
	if _, err := OpenSChunk(ctx, store, "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestSChunk_Sparse_ReopenAndGarbage(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	sc := int64Chunked(t, 4, WithStorage(store, "sparse"), WithContiguous(false))
	if _, err := sc.AppendData(ctx, rampInt64(12)); err != nil {
		t.Fatal(err)
	}
	if _, err := sc.UpdateData(ctx, 1, int64Bytes(9, 9, 9, 9)); err != nil {
		t.Fatal(err)
	}
	if _, err := sc.InsertChunk(ctx, 0, mustSpecial(t, SpecialZero, 32)); err != nil {
		t.Fatal(err)
	}

	blobs, err := store.List(ctx, "sparse/chunks/")
	if err != nil {
		t.Fatal(err)
	}
	if len(blobs) != 3 {
		t.Errorf("%d chunk blobs, want 3 (special chunk inline, replaced blob dropped)", len(blobs))
	}

	re, err := OpenSChunk(ctx, store, "sparse")
	if err != nil {
		t.Fatal(err)
	}
	if re.Contiguous() || re.NChunks() != 4 {
		t.Fatalf("reopened: contiguous=%v nchunks=%d", re.Contiguous(), re.NChunks())
	}
	dst := make([]byte, 16*8)
	if err := re.GetSlice(ctx, 0, 16, dst); err != nil {
		t.Fatal(err)
	}
	want := int64Bytes(0, 0, 0, 0, 0, 1, 2, 3, 9, 9, 9, 9, 8, 9, 10, 11)
	if !bytes.Equal(dst, want) {
		t.Errorf("got %v, want %v", dst, want)
	}
	if k, _ := re.Special(0); k != SpecialZero {
		t.Errorf("Special(0) = %v", k)
	}
}

func TestSChunk_Sparse_PrunesOldManifests(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	sc := int64Chunked(t, 4, WithStorage(store, "sparse"), WithContiguous(false))
	for i := range 20 {
		if _, err := sc.AppendData(ctx, int64Bytes(int64(i), 0, 0, 0)); err != nil {
			t.Fatal(err)
		}
	}

	manifests, err := store.List(ctx, "sparse/index/")
	if err != nil {
		t.Fatal(err)
	}
	if len(manifests) != 2 {
		t.Errorf("%d index manifests after 21 writes, want the latest two: %v", len(manifests), manifests)
	}
	seq, ok, err := latestIndex(ctx, store, "sparse")
	if err != nil || !ok {
		t.Fatalf("latestIndex: %d %v %v", seq, ok, err)
	}
	if _, err := readIndex(ctx, store, "sparse", seq-1); err != nil {
		t.Errorf("previous generation should survive: %v", err)
	}

	re, err := OpenSChunk(ctx, store, "sparse")
	if err != nil {
		t.Fatal(err)
	}
	if re.NChunks() != 20 {
		t.Errorf("reopened NChunks = %d, want 20", re.NChunks())
	}
}

func mustSpecial(t *testing.T, kind SpecialKind, nbytes int) []byte {
	t.Helper()
	c, err := NewSpecialChunk(kind, nbytes, 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSChunk_Frame_CorruptPayload(t *testing.T) {
	ctx := t.Context()
	root := t.TempDir()
	store, err := NewFS(root)
	if err != nil {
		t.Fatal(err)
	}
	sc := int64Chunked(t, 4, WithStorage(store, "c.tsra"))
	if _, err := sc.AppendData(ctx, rampInt64(8)); err != nil {
		t.Fatal(err)
	}

	h, _, _, err := readFrameHeader(ctx, store, "c.tsra")
	if err != nil {
		t.Fatal(err)
	}
	last := h.Chunks[1].Offset + int64(h.Chunks[1].CBytes) - 1
	full := filepath.Join(root, "c.tsra")
	data, err := os.ReadFile(full)
	if err != nil {
		t.Fatal(err)
	}
	data[last] ^= 0xff
	if err := os.WriteFile(full, data, 0o644); err != nil {
		t.Fatal(err)
	}

	re, err := OpenSChunk(ctx, store, "c.tsra")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := re.DecompressChunk(ctx, 1, make([]byte, 32)); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got: %v", err)
	}
	if _, err := re.DecompressChunk(ctx, 0, make([]byte, 32)); err != nil {
		t.Errorf("intact chunk should still read: %v", err)
	}
}

// countingStore tallies the bytes written through it.
type countingStore struct {
	Store
	written int64
}

func (c *countingStore) Put(ctx context.Context, p string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.written += int64(len(data))
	return c.Store.Put(ctx, p, bytes.NewReader(data))
}

func (c *countingStore) Replace(ctx context.Context, p string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.written += int64(len(data))
	return c.Store.(Replacer).Replace(ctx, p, bytes.NewReader(data))
}

func (c *countingStore) WriteAt(ctx context.Context, p string, off int64, data []byte) error {
	c.written += int64(len(data))
	return c.Store.(Patcher).WriteAt(ctx, p, off, data)
}

// rawChunked returns an in-memory SChunk of uncompressed 4 KiB int64 chunks.
func rawChunked(t *testing.T, nchunks int) *SChunk {
	t.Helper()
	cp := DefaultCParams()
	cp.Codec = CodecNoOp
	cp.Filters = nil
	cp.FiltersMeta = nil
	sc := int64Chunked(t, 512, WithCParams(cp))
	if nchunks > 0 {
		if _, err := sc.AppendData(t.Context(), rampInt64(512*nchunks)); err != nil {
			t.Fatal(err)
		}
	}
	return sc
}

func TestSChunk_Frame_MutationWritesTailOnly(t *testing.T) {
	ctx := t.Context()
	for _, nchunks := range []int{4, 64} {
		store := &countingStore{Store: NewMemory()}
		if _, err := rawChunked(t, nchunks).Save(ctx, store, "big.tsra"); err != nil {
			t.Fatal(err)
		}
		frame, err := readObject(ctx, store, "big.tsra")
		if err != nil {
			t.Fatal(err)
		}
		re, err := OpenSChunk(ctx, store, "big.tsra")
		if err != nil {
			t.Fatal(err)
		}
		chunkBytes := int64(re.CBytes()) / int64(nchunks)

		store.written = 0
		inserted := int64Bytes(make([]int64, 512)...)
		if _, err := re.InsertData(ctx, 2, inserted); err != nil {
			t.Fatal(err)
		}
		// The new payload plus an index that grows with the chunk count.
		if limit := chunkBytes + int64(200*(nchunks+1)); store.written > limit {
			t.Errorf("nchunks=%d frame=%d: insert wrote %d bytes, want <= %d", nchunks, len(frame), store.written, limit)
		}
		if store.written < chunkBytes {
			t.Errorf("nchunks=%d: insert wrote %d bytes, less than the chunk itself", nchunks, store.written)
		}

		back, err := OpenSChunk(ctx, store, "big.tsra")
		if err != nil {
			t.Fatal(err)
		}
		if back.NChunks() != nchunks+1 {
			t.Fatalf("reopened nchunks = %d, want %d", back.NChunks(), nchunks+1)
		}
		if !bytes.Equal(readChunk(t, back, 2), inserted) {
			t.Error("inserted chunk differs after reopen")
		}
		if !bytes.Equal(readChunk(t, back, 3), rampInt64(512 * 3)[512*2*8:]) {
			t.Error("chunk formerly at 2 did not move to 3")
		}
	}
}

func TestSChunk_Frame_CompactsUnreferencedBytes(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	sc, err := rawChunked(t, 4).Save(ctx, store, "hot.tsra")
	if err != nil {
		t.Fatal(err)
	}
	live := sc.CBytes()
	for i := range 50 {
		patch := int64Bytes(make([]int64, 512)...)
		patch[0] = byte(i)
		if _, err := sc.UpdateData(ctx, 1, patch); err != nil {
			t.Fatal(err)
		}
	}
	frame, err := readObject(ctx, store, "hot.tsra")
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(frame)) > 4*live {
		t.Errorf("frame is %d bytes after 50 updates of a %d byte container", len(frame), live)
	}
	back, err := OpenSChunk(ctx, store, "hot.tsra")
	if err != nil {
		t.Fatal(err)
	}
	if got := readChunk(t, back, 1); got[0] != 49 {
		t.Errorf("chunk 1 starts with %d, want the last update", got[0])
	}
	if !bytes.Equal(readChunk(t, back, 3), rampInt64(512 * 4)[512*3*8:]) {
		t.Error("untouched chunk differs after compaction")
	}
}

func TestSChunk_SaveAndCopy(t *testing.T) {
	ctx := t.Context()
	sc := int64Chunked(t, 8)
	if _, err := sc.AppendData(ctx, rampInt64(20)); err != nil {
		t.Fatal(err)
	}
	if err := sc.VLMeta().Set(ctx, "k", "v"); err != nil {
		t.Fatal(err)
	}

	store := NewMemory()
	saved, err := sc.Save(ctx, store, "saved")
	if err != nil {
		t.Fatal(err)
	}
	if saved.CBytes() != sc.CBytes() {
		t.Errorf("Save recompressed: %d != %d", saved.CBytes(), sc.CBytes())
	}

	cp := DefaultCParams()
	cp.Codec = CodecLZ4
	cp.Filters = nil
	cp.FiltersMeta = nil
	copied, err := sc.Copy(ctx, WithCParams(cp))
	if err != nil {
		t.Fatal(err)
	}
	if copied.CParams().Codec != CodecLZ4 {
		t.Errorf("copy codec = %v", copied.CParams().Codec)
	}
	dst := make([]byte, 160)
	if err := copied.GetSlice(ctx, 0, 20, dst); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst, rampInt64(20)) {
		t.Error("copy data differs")
	}
	if v, _ := copied.VLMeta().Get("k"); v != "v" {
		t.Errorf("copy lost vlmeta: %#v", v)
	}
}

// -----------------------------------------------------------------------------
// Cache
// -----------------------------------------------------------------------------

func TestSChunk_ChunkCache(t *testing.T) {
	ctx := t.Context()
	m := NewMetrics(nil)
	sc := int64Chunked(t, 4, WithMetrics(m))
	if _, err := sc.AppendData(ctx, rampInt64(8)); err != nil {
		t.Fatal(err)
	}
	readChunk(t, sc, 0)
	readChunk(t, sc, 0)
	if got := testutil.ToFloat64(m.ChunkCacheHits); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ChunksDecompressed); got != 1 {
		t.Errorf("decompressions = %v, want 1", got)
	}

	if _, err := sc.UpdateData(ctx, 0, int64Bytes(5, 5, 5, 5)); err != nil {
		t.Fatal(err)
	}
	if got := readChunk(t, sc, 0); !bytes.Equal(got, int64Bytes(5, 5, 5, 5)) {
		t.Error("cache served stale data after update")
	}
}
