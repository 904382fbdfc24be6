package remote

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/justapithecus/tessera/tessera"
)

// Array is a read-only handle on a served array. It satisfies
// tessera.Operand and tessera.Chunked, so it can feed expressions, and
// proxy.Source, so it can back a local cache.
type Array struct {
	client *Client
	path   string
	shape  []int64
	chunks []int64
	blocks []int64
	dtype  tessera.DType
	// blocksize of stored chunks, which bounds their encoded size.
	blocksize int
}

// Open describes the array at path.
func Open(ctx context.Context, c *Client, path string) (*Array, error) {
	info, err := c.Info(ctx, path)
	if err != nil {
		return nil, err
	}
	dt, err := tessera.ParseDType(info.DType)
	if err != nil {
		return nil, fmt.Errorf("remote: %s: %w", path, err)
	}
	if len(info.Chunks) != len(info.Shape) || len(info.Blocks) != len(info.Shape) {
		return nil, fmt.Errorf("remote: %s: shape %v, chunks %v, blocks %v: %w",
			path, info.Shape, info.Chunks, info.Blocks, tessera.ErrCorrupt)
	}
	return &Array{
		client:    c,
		path:      path,
		shape:     info.Shape,
		chunks:    info.Chunks,
		blocks:    info.Blocks,
		dtype:     dt,
		blocksize: info.CParams.BlockSize,
	}, nil
}

func (a *Array) Shape() []int64       { return append([]int64(nil), a.shape...) }
func (a *Array) Chunks() []int64      { return append([]int64(nil), a.chunks...) }
func (a *Array) Blocks() []int64      { return append([]int64(nil), a.blocks...) }
func (a *Array) DType() tessera.DType { return a.dtype }

// Path returns the array's path on the server.
func (a *Array) Path() string { return a.path }

// String returns the array's info URL.
func (a *Array) String() string { return a.client.endpoint("info", a.path, nil) }

// NChunks returns the number of chunks in the grid.
func (a *Array) NChunks() int64 { return tessera.NewGrid(a.shape, a.chunks).NChunks() }

// GetSlice fetches one selection in a single request.
func (a *Array) GetSlice(ctx context.Context, sel ...tessera.Index) (*tessera.Dense, error) {
	r, err := tessera.NormalizeSelection(a.shape, sel)
	if err != nil {
		return nil, err
	}
	want := int64(a.dtype.ItemSize())
	for _, n := range r.Shape() {
		want *= n
	}
	q := url.Values{"slice_": {tessera.FormatSelection(r.Selection())}}
	body, err := a.client.get(ctx, "fetch", a.path, q, tessera.MaxChunkSize(int(want), 0))
	if err != nil {
		return nil, err
	}

	meta, err := tessera.ChunkInfo(body)
	if err != nil {
		return nil, fmt.Errorf("remote: slice of %s: %w", a.path, err)
	}
	if int64(meta.NBytes) != want {
		return nil, fmt.Errorf("remote: slice of %s holds %d bytes, want %d: %w", a.path, meta.NBytes, want, tessera.ErrSizeMismatch)
	}
	buf := make([]byte, want)
	if _, err := tessera.DecompressChunk(body, buf); err != nil {
		return nil, fmt.Errorf("remote: slice of %s: %w", a.path, err)
	}
	return tessera.DenseFromBytes(a.dtype, r.ResultShape(), buf)
}

// GetChunk fetches chunk n as stored on the server.
func (a *Array) GetChunk(ctx context.Context, n int64) ([]byte, error) {
	if n < 0 || n >= a.NChunks() {
		return nil, fmt.Errorf("remote: chunk %d of %d: %w", n, a.NChunks(), tessera.ErrOutOfRange)
	}
	nbytes := int64(a.dtype.ItemSize())
	for _, c := range a.chunks {
		nbytes *= c
	}
	q := url.Values{"nchunk": {strconv.FormatInt(n, 10)}}
	return a.client.get(ctx, "chunk", a.path, q, tessera.MaxChunkSize(int(nbytes), a.blocksize))
}
