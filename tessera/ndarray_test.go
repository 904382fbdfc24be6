package tessera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func rampFloat64(n int) []float64 {
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = float64(i)
	}
	return vals
}

func mustArange(t *testing.T, n int64, opts ...Option) *NDArray {
	t.Helper()
	a, err := Arange(t.Context(), 0, float64(n), 1, Float64, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// -----------------------------------------------------------------------------
// Slicing against an in-memory reference
// -----------------------------------------------------------------------------

func TestNDArray_GetSlice_MatchesDense(t *testing.T) {
	ctx := t.Context()
	shape := []int64{7, 9, 5}
	ref := FromFloat64s(rampFloat64(7*9*5), shape...)

	for _, cache := range []int{0, 8} {
		a := mustArange(t, 7*9*5, WithShape(shape...), WithChunks(3, 4, 2), WithBlocks(2, 2, 2), WithChunkCache(cache))
		sels := [][]Index{
			nil,
			{At(3)},
			{Range(1, 6), Range(2, 9), At(-1)},
			{All(), From(5), To(3)},
			{Range(6, 7), Range(8, 9), Range(4, 5)},
			{Range(2, 2)},
		}
		for _, sel := range sels {
			got, err := a.GetSlice(ctx, sel...)
			if err != nil {
				t.Fatalf("GetSlice(%s): %v", FormatSelection(sel), err)
			}
			want, err := ref.GetSlice(ctx, sel...)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got.Shape(), want.Shape()) {
				t.Errorf("cache=%d [%s]: shape %v, want %v", cache, FormatSelection(sel), got.Shape(), want.Shape())
				continue
			}
			if !reflect.DeepEqual(got.Float64s(), want.Float64s()) {
				t.Errorf("cache=%d [%s]: values differ", cache, FormatSelection(sel))
			}
		}
	}
}

func TestNDArray_GetSlice_OutOfBounds(t *testing.T) {
	a := mustArange(t, 10)
	if _, err := a.GetSlice(t.Context(), Range(5, 11)); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds, got: %v", err)
	}
	if _, err := a.GetSlice(t.Context(), All(), All()); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("too many indices: expected ErrOutOfBounds, got: %v", err)
	}
}

func TestNDArray_SetSlice(t *testing.T) {
	ctx := t.Context()
	a, err := Zeros(ctx, Float64, []int64{10, 10}, WithChunks(4, 4), WithBlocks(2, 2))
	if err != nil {
		t.Fatal(err)
	}
	ref := NewDense(Float64, 10, 10)

	patch := FromFloat64s(rampFloat64(5*6), 5, 6)
	if err := a.SetSlice(ctx, patch, Range(2, 7), Range(3, 9)); err != nil {
		t.Fatal(err)
	}
	if err := ref.SetSlice(patch, Range(2, 7), Range(3, 9)); err != nil {
		t.Fatal(err)
	}
	if err := a.SetSlice(ctx, Scalar(-1), At(9)); err != nil {
		t.Fatal(err)
	}
	if err := ref.SetSlice(FromFloat64s([]float64{-1, -1, -1, -1, -1, -1, -1, -1, -1, -1}), At(9)); err != nil {
		t.Fatal(err)
	}

	got, err := a.GetSlice(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Float64s(), ref.Float64s()) {
		t.Error("array differs from reference after SetSlice")
	}

	err = a.SetSlice(ctx, FromFloat64s([]float64{1, 2}), Range(0, 3))
	if !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("expected ErrSizeMismatch, got: %v", err)
	}
}

func TestNDArray_SetSlice_CoveredChunkNotDecoded(t *testing.T) {
	ctx := t.Context()
	m := NewMetrics(nil)
	a := mustArange(t, 64, WithShape(8, 8), WithChunks(4, 4), WithBlocks(2, 2), WithMetrics(m), WithChunkCache(0))

	if err := a.SetSlice(ctx, Scalar(7), Range(0, 4), Range(4, 8)); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.ChunksDecompressed); got != 0 {
		t.Errorf("fully covered write decompressed %v chunks", got)
	}
	if err := a.SetSlice(ctx, Scalar(7), At(5), At(5)); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.ChunksDecompressed); got != 1 {
		t.Errorf("partial write decompressed %v chunks, want 1", got)
	}
	d, err := a.GetSlice(ctx, At(1))
	if err != nil {
		t.Fatal(err)
	}
	if want := []float64{8, 9, 10, 11, 7, 7, 7, 7}; !reflect.DeepEqual(d.Float64s(), want) {
		t.Errorf("row 1 = %v, want %v", d.Float64s(), want)
	}
}

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

func TestConstructors_SpecialChunks(t *testing.T) {
	ctx := t.Context()
	shape := []int64{20, 3}
	opts := []Option{WithChunks(8, 3)}

	tests := []struct {
		name string
		make func() (*NDArray, error)
		kind SpecialKind
		want float64
	}{
		{"zeros", func() (*NDArray, error) { return Zeros(ctx, Float32, shape, opts...) }, SpecialZero, 0},
		{"empty", func() (*NDArray, error) { return Empty(ctx, Float32, shape, opts...) }, SpecialUninit, 0},
		{"ones", func() (*NDArray, error) { return Ones(ctx, Int32, shape, opts...) }, SpecialValue, 1},
		{"full", func() (*NDArray, error) { return Full(ctx, Float64, shape, 2.5, opts...) }, SpecialValue, 2.5},
		{"full zero", func() (*NDArray, error) { return Full(ctx, Float64, shape, 0, opts...) }, SpecialZero, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := tt.make()
			if err != nil {
				t.Fatal(err)
			}
			if a.NChunks() != 3 {
				t.Errorf("NChunks = %d, want 3", a.NChunks())
			}
			for i := 0; i < int(a.NChunks()); i++ {
				if k, _ := a.SChunk().Special(i); k != tt.kind {
					t.Errorf("chunk %d kind %v, want %v", i, k, tt.kind)
				}
			}
			d, err := a.GetSlice(ctx, At(19))
			if err != nil {
				t.Fatal(err)
			}
			for _, v := range d.Float64s() {
				if v != tt.want {
					t.Errorf("value %v, want %v", v, tt.want)
				}
			}
		})
	}

	n, err := NaNs(ctx, Float64, []int64{4})
	if err != nil {
		t.Fatal(err)
	}
	d, err := n.GetSlice(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(d.At(3)) {
		t.Errorf("NaNs read %v", d.At(3))
	}
	if _, err := NaNs(ctx, Int64, []int64{4}); err == nil {
		t.Error("NaNs accepted an integer dtype")
	}
}

func TestLinspace(t *testing.T) {
	ctx := t.Context()
	a, err := Linspace(ctx, 0, 1, 5, true, Float64)
	if err != nil {
		t.Fatal(err)
	}
	d, err := a.GetSlice(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := []float64{0, 0.25, 0.5, 0.75, 1}; !reflect.DeepEqual(d.Float64s(), want) {
		t.Errorf("endpoint: %v, want %v", d.Float64s(), want)
	}

	a, err = Linspace(ctx, 0, 1, 4, false, Float64, WithShape(2, 2))
	if err != nil {
		t.Fatal(err)
	}
	d, err = a.GetSlice(ctx, At(1))
	if err != nil {
		t.Fatal(err)
	}
	if want := []float64{0.5, 0.75}; !reflect.DeepEqual(d.Float64s(), want) {
		t.Errorf("no endpoint, row 1: %v, want %v", d.Float64s(), want)
	}
}

func TestArange_ShapeMismatch(t *testing.T) {
	_, err := Arange(t.Context(), 0, 10, 1, Int64, WithShape(3, 3))
	if !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("expected ErrSizeMismatch, got: %v", err)
	}
}

func TestFromBuffer(t *testing.T) {
	ctx := t.Context()
	a, err := FromBuffer(ctx, int64Bytes(1, 2, 3, 4, 5, 6), Int64, []int64{2, 3}, WithChunks(1, 2))
	if err != nil {
		t.Fatal(err)
	}
	d, err := a.GetSlice(ctx, All(), At(2))
	if err != nil {
		t.Fatal(err)
	}
	if want := []int64{3, 6}; !reflect.DeepEqual(d.Int64s(), want) {
		t.Errorf("column 2 = %v, want %v", d.Int64s(), want)
	}
	if _, err := FromBuffer(ctx, int64Bytes(1), Int64, []int64{2}); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("expected ErrSizeMismatch, got: %v", err)
	}
}

func TestNewArray_ReservedMeta(t *testing.T) {
	_, err := Zeros(t.Context(), Float64, []int64{4}, WithMeta(b2ndMetaName, []byte{1}))
	if !errors.Is(err, ErrMetaExists) {
		t.Errorf("expected ErrMetaExists, got: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Resize
// -----------------------------------------------------------------------------

func TestNDArray_Resize_GrowAfterShrinkExposesZeros(t *testing.T) {
	ctx := t.Context()
	a := mustArange(t, 10, WithChunks(4))

	if err := a.Resize(ctx, 6); err != nil {
		t.Fatal(err)
	}
	if a.NChunks() != 2 {
		t.Errorf("NChunks after shrink = %d, want 2", a.NChunks())
	}
	if err := a.Resize(ctx, 12); err != nil {
		t.Fatal(err)
	}
	d, err := a.GetSlice(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 1, 2, 3, 4, 5, 0, 0, 0, 0, 0, 0}
	if !reflect.DeepEqual(d.Float64s(), want) {
		t.Errorf("after grow: %v, want %v", d.Float64s(), want)
	}
	if k, _ := a.SChunk().Special(2); k != SpecialZero {
		t.Errorf("new chunk kind %v, want zero", k)
	}
}

var errInjected = errors.New("injected write failure")

// failingStore rejects writes while fail is set.
type failingStore struct {
	Store
	fail bool
}

func (f *failingStore) Put(ctx context.Context, p string, r io.Reader) error {
	if f.fail {
		return errInjected
	}
	return f.Store.Put(ctx, p, r)
}

func (f *failingStore) Replace(ctx context.Context, p string, r io.Reader) error {
	if f.fail {
		return errInjected
	}
	return f.Store.(Replacer).Replace(ctx, p, r)
}

func TestNDArray_Resize_FailedWriteLeavesArrayIntact(t *testing.T) {
	ctx := t.Context()
	for _, contiguous := range []bool{true, false} {
		t.Run(fmt.Sprint("contiguous=", contiguous), func(t *testing.T) {
			store := &failingStore{Store: NewMemory()}
			a := mustArange(t, 10, WithChunks(4), WithStorage(store, "r"), WithContiguous(contiguous))
			if err := a.Resize(ctx, 6); err != nil {
				t.Fatal(err)
			}

			store.fail = true
			if err := a.Resize(ctx, 12); !errors.Is(err, errInjected) {
				t.Fatalf("expected the injected failure, got: %v", err)
			}
			store.fail = false

			if !reflect.DeepEqual(a.Shape(), []int64{6}) || a.NChunks() != 2 {
				t.Fatalf("after failed resize: shape %v, %d chunks", a.Shape(), a.NChunks())
			}
			d, err := a.GetSlice(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if want := rampFloat64(6); !reflect.DeepEqual(d.Float64s(), want) {
				t.Errorf("after failed resize: %v, want %v", d.Float64s(), want)
			}
			re, err := Open(ctx, store, "r")
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(re.Shape(), []int64{6}) {
				t.Errorf("stored shape %v, want [6]", re.Shape())
			}

			if err := a.Resize(ctx, 12); err != nil {
				t.Fatal(err)
			}
			d, err = a.GetSlice(ctx)
			if err != nil {
				t.Fatal(err)
			}
			want := []float64{0, 1, 2, 3, 4, 5, 0, 0, 0, 0, 0, 0}
			if !reflect.DeepEqual(d.Float64s(), want) {
				t.Errorf("after retry: %v, want %v", d.Float64s(), want)
			}
		})
	}
}

func TestNDArray_Resize_2D(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	a := mustArange(t, 12, WithShape(3, 4), WithChunks(2, 2), WithStorage(store, "grid"), WithContiguous(false))

	if err := a.Resize(ctx, 4, 5); err != nil {
		t.Fatal(err)
	}
	re, err := Open(ctx, store, "grid")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(re.Shape(), []int64{4, 5}) {
		t.Fatalf("reopened shape %v", re.Shape())
	}
	d, err := re.GetSlice(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{
		0, 1, 2, 3, 0,
		4, 5, 6, 7, 0,
		8, 9, 10, 11, 0,
		0, 0, 0, 0, 0,
	}
	if !reflect.DeepEqual(d.Float64s(), want) {
		t.Errorf("got %v, want %v", d.Float64s(), want)
	}
	if err := a.Resize(ctx, 4); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("rank change: expected ErrSizeMismatch, got: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Take, NChunksInSlice, chunk access
// -----------------------------------------------------------------------------

func TestNDArray_Take(t *testing.T) {
	ctx := t.Context()
	a := mustArange(t, 100, WithChunks(10))
	d, err := a.Take(ctx, []int64{5, 95, -1, 5})
	if err != nil {
		t.Fatal(err)
	}
	if want := []float64{5, 95, 99, 5}; !reflect.DeepEqual(d.Float64s(), want) {
		t.Errorf("Take = %v, want %v", d.Float64s(), want)
	}
	if _, err := a.Take(ctx, []int64{100}); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds, got: %v", err)
	}
}

func TestNDArray_NChunksInSlice(t *testing.T) {
	a, err := Zeros(t.Context(), Float64, []int64{10, 10}, WithChunks(4, 4))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		sel  []Index
		want int
	}{
		{nil, 9},
		{[]Index{Range(0, 5), Range(0, 3)}, 2},
		{[]Index{At(9), At(9)}, 1},
		{[]Index{Range(3, 3)}, 0},
	}
	for _, tt := range tests {
		got, err := a.NChunksInSlice(tt.sel...)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("NChunksInSlice(%s) = %d, want %d", FormatSelection(tt.sel), got, tt.want)
		}
	}
}

func TestNDArray_SetChunk(t *testing.T) {
	ctx := t.Context()
	a := mustArange(t, 8, WithChunks(4))
	chunk, err := a.GetChunk(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SetChunk(ctx, 1, chunk); err != nil {
		t.Fatal(err)
	}
	d, err := a.GetSlice(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := []float64{0, 1, 2, 3, 0, 1, 2, 3}; !reflect.DeepEqual(d.Float64s(), want) {
		t.Errorf("got %v", d.Float64s())
	}
	small, err := CompressChunk(float64Bytes(1), a.SChunk().CParams())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SetChunk(ctx, 0, small); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("expected ErrSizeMismatch, got: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Appender
// -----------------------------------------------------------------------------

func TestAppender(t *testing.T) {
	ctx := t.Context()
	w, err := NewAppender(ctx, Int64, WithChunks(10))
	if err != nil {
		t.Fatal(err)
	}
	for _, batch := range [][]int64{{0, 1, 2}, {3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, {13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24}} {
		if err := w.Append(ctx, FromInt64s(batch)); err != nil {
			t.Fatal(err)
		}
	}
	if w.Len() != 25 {
		t.Errorf("Len = %d, want 25", w.Len())
	}
	a, err := w.Close(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a.Shape(), []int64{25}) || a.NChunks() != 3 {
		t.Fatalf("shape %v, nchunks %d", a.Shape(), a.NChunks())
	}
	d, err := a.GetSlice(ctx, From(20))
	if err != nil {
		t.Fatal(err)
	}
	if want := []int64{20, 21, 22, 23, 24}; !reflect.DeepEqual(d.Int64s(), want) {
		t.Errorf("tail = %v, want %v", d.Int64s(), want)
	}
	if err := w.Append(ctx, FromInt64s([]int64{1})); err == nil {
		t.Error("append after Close should fail")
	}
}

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

func TestNDArray_OpenRoundTrip(t *testing.T) {
	ctx := t.Context()
	for name, contiguous := range map[string]bool{"frame": true, "sparse": false} {
		t.Run(name, func(t *testing.T) {
			store := newFSStore(t)
			a := mustArange(t, 30, WithShape(5, 6), WithChunks(2, 4), WithStorage(store, "a.tsra"), WithContiguous(contiguous))
			if err := a.VLMeta().Set(ctx, "units", "K"); err != nil {
				t.Fatal(err)
			}

			m := NewMetrics(nil)
			re, err := Open(ctx, store, "a.tsra", WithMetrics(m))
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(re.Shape(), []int64{5, 6}) || !re.DType().Equal(Float64) {
				t.Errorf("shape %v dtype %s", re.Shape(), re.DType())
			}
			if !reflect.DeepEqual(re.Chunks(), []int64{2, 4}) {
				t.Errorf("chunks %v", re.Chunks())
			}
			_ = re.Info().String()
			if got := testutil.ToFloat64(m.ChunksDecompressed); got != 0 {
				t.Errorf("metadata access decompressed %v chunks", got)
			}
			if loc, ok := re.Location(); !ok || loc != "a.tsra" {
				t.Errorf("Location = %q, %v", loc, ok)
			}

			d, err := re.GetSlice(ctx, At(4))
			if err != nil {
				t.Fatal(err)
			}
			if want := []float64{24, 25, 26, 27, 28, 29}; !reflect.DeepEqual(d.Float64s(), want) {
				t.Errorf("row 4 = %v", d.Float64s())
			}
		})
	}
}

func TestFromSChunk_NotAnArray(t *testing.T) {
	sc, err := NewSChunk(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := FromSChunk(sc); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestNDArray_Copy(t *testing.T) {
	ctx := t.Context()
	a := mustArange(t, 50, WithChunks(16), WithBlocks(4))
	cp := DefaultCParams()
	cp.Codec = CodecBrotli
	c, err := a.Copy(ctx, WithCParams(cp))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(c.Blocks(), []int64{4}) || c.SChunk().CParams().BlockSize != 32 {
		t.Errorf("copy layout: blocks %v blocksize %d", c.Blocks(), c.SChunk().CParams().BlockSize)
	}
	d, err := c.GetSlice(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(d.Float64s(), rampFloat64(50)) {
		t.Error("copy data differs")
	}
}
