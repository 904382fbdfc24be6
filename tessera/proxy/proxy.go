// Package proxy caches the chunks of a slow or remote source in a local
// array.
//
// The cache starts as UNINIT special chunks, which read as zeros. Fetch
// copies the chunks a selection touches from the source, once each; a chunk
// is marked cached only after it has been read in full and decoded, so a
// failed transfer leaves it uncached and the next Fetch retries it.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/justapithecus/tessera/tessera"
)

// ErrFetch wraps failures to retrieve or validate a source chunk. The
// chunk stays uncached; the caller may retry.
var ErrFetch = errors.New("proxy: fetch failed")

// sourceKey is the vlmeta key describing the source of a persisted cache.
const sourceKey = "_proxy_source"

// Source is a chunked array the proxy reads whole chunks from. GetChunk
// returns chunk n in the tessera chunk format. *tessera.NDArray and
// *remote.Array implement it.
type Source interface {
	Shape() []int64
	Chunks() []int64
	Blocks() []int64
	DType() tessera.DType
	GetChunk(ctx context.Context, n int64) ([]byte, error)
}

// Proxy is a local, chunk-aligned cache of a Source. It implements
// tessera.Operand so lazy expressions can read through it.
type Proxy struct {
	src   Source
	cache *tessera.NDArray
	cfg   *config
	group singleflight.Group
}

var (
	_ tessera.Operand   = (*Proxy)(nil)
	_ tessera.Chunked   = (*Proxy)(nil)
	_ tessera.Locatable = (*Proxy)(nil)
)

// New creates an empty cache for src. With WithStorage the cache is
// persisted and can be reopened with Open.
func New(ctx context.Context, src Source, opts ...Option) (*Proxy, error) {
	cfg := resolve(opts)
	arrOpts := append([]tessera.Option{
		tessera.WithChunks(src.Chunks()...),
		tessera.WithBlocks(src.Blocks()...),
	}, cfg.arrayOpts...)
	if cfg.store != nil {
		arrOpts = append(arrOpts, tessera.WithStorage(cfg.store, cfg.path))
	}
	cache, err := tessera.Uninit(ctx, src.DType(), src.Shape(), arrOpts...)
	if err != nil {
		return nil, err
	}
	if err := cache.VLMeta().Set(ctx, sourceKey, describe(src)); err != nil {
		return nil, err
	}
	level.Debug(cfg.logger).Log("msg", "proxy created", "source", describe(src), "shape", fmt.Sprint(src.Shape()), "nchunks", cache.NChunks())
	return &Proxy{src: src, cache: cache, cfg: cfg}, nil
}

// Open reopens a cache persisted at path and binds it to src. The source
// must have the cache's shape, chunk shape and dtype.
func Open(ctx context.Context, store tessera.Store, path string, src Source, opts ...Option) (*Proxy, error) {
	cfg := resolve(opts)
	cache, err := tessera.Open(ctx, store, path, cfg.arrayOpts...)
	if err != nil {
		return nil, err
	}
	if !equal(cache.Shape(), src.Shape()) || !equal(cache.Chunks(), src.Chunks()) || !cache.DType().Equal(src.DType()) {
		return nil, fmt.Errorf("proxy: cache %v/%v %s does not match source %v/%v %s: %w",
			cache.Shape(), cache.Chunks(), cache.DType(), src.Shape(), src.Chunks(), src.DType(), tessera.ErrSizeMismatch)
	}
	return &Proxy{src: src, cache: cache, cfg: cfg}, nil
}

// describe names the source for the cache metadata.
func describe(src Source) string {
	if l, ok := src.(tessera.Locatable); ok {
		if loc, ok := l.Location(); ok {
			return loc
		}
	}
	if s, ok := src.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", src)
}

// Shape returns the source shape.
func (p *Proxy) Shape() []int64 { return p.cache.Shape() }

// DType returns the source dtype.
func (p *Proxy) DType() tessera.DType { return p.cache.DType() }

// Chunks returns the chunk shape shared by source and cache.
func (p *Proxy) Chunks() []int64 { return p.cache.Chunks() }

// Blocks returns the block shape.
func (p *Proxy) Blocks() []int64 { return p.cache.Blocks() }

// Location returns the cache location when it is persisted.
func (p *Proxy) Location() (string, bool) { return p.cache.Location() }

// Cache returns the local array. Chunks not fetched yet read as zeros.
func (p *Proxy) Cache() *tessera.NDArray { return p.cache }

// Cached reports whether chunk n has been fetched.
func (p *Proxy) Cached(n int64) (bool, error) {
	kind, err := p.cache.SChunk().Special(int(n))
	if err != nil {
		return false, err
	}
	return kind != tessera.SpecialUninit, nil
}

// Fetch makes sure every chunk that sel touches is cached and returns the
// cache. Missing chunks are fetched one at a time, or WithFetchConcurrency
// at once. Chunks fetched before a failure stay cached.
func (p *Proxy) Fetch(ctx context.Context, sel ...tessera.Index) (*tessera.NDArray, error) {
	begin := time.Now()
	r, err := tessera.NormalizeSelection(p.cache.Shape(), sel)
	if err != nil {
		return nil, err
	}
	grid := tessera.NewGrid(p.cache.Shape(), p.cache.Chunks())
	var missing []int64
	for _, n := range grid.Intersecting(r.Start, r.Stop) {
		ok, err := p.Cached(n)
		if err != nil {
			return nil, err
		}
		if ok {
			p.cfg.metrics.hit()
			continue
		}
		missing = append(missing, n)
	}
	if len(missing) == 0 {
		return p.cache, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.concurrency)
	for _, n := range missing {
		g.Go(func() error { return p.fetchChunk(gctx, n) })
	}
	fetchErr := g.Wait()
	if err := p.cache.Flush(ctx); err != nil {
		return nil, errors.Join(fetchErr, err)
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	level.Debug(p.cfg.logger).Log("msg", "chunks fetched", "count", len(missing), "duration", time.Since(begin))
	return p.cache, nil
}

// fetchChunk copies chunk n from the source. Concurrent calls for the same
// chunk share one transfer.
func (p *Proxy) fetchChunk(ctx context.Context, n int64) error {
	_, err, _ := p.group.Do(strconv.FormatInt(n, 10), func() (any, error) {
		if ok, err := p.Cached(n); err != nil || ok {
			return nil, err
		}
		chunk, err := p.src.GetChunk(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %w", ErrFetch, n, err)
		}
		if err := validate(chunk, p.cache); err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %w", ErrFetch, n, err)
		}
		if err := p.cache.SetChunk(ctx, n, chunk); err != nil {
			return nil, err
		}
		p.cfg.metrics.fetched(len(chunk))
		return nil, nil
	})
	return err
}

// validate decodes chunk in full so a truncated or corrupt transfer never
// reaches the cache.
func validate(chunk []byte, cache *tessera.NDArray) error {
	meta, err := tessera.ChunkInfo(chunk)
	if err != nil {
		return err
	}
	want := cache.DType().ItemSize()
	for _, c := range cache.Chunks() {
		want *= int(c)
	}
	if meta.NBytes != want {
		return fmt.Errorf("%d byte chunk for a %d byte layout: %w", meta.NBytes, want, tessera.ErrSizeMismatch)
	}
	_, err = tessera.DecompressChunk(chunk, make([]byte, meta.NBytes))
	return err
}

// FetchAsync runs Fetch in a goroutine. The channel yields its error, nil
// on success, and is then closed.
func (p *Proxy) FetchAsync(ctx context.Context, sel ...tessera.Index) <-chan error {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		_, err := p.Fetch(ctx, sel...)
		ch <- err
	}()
	return ch
}

// GetSlice fetches what sel needs and returns it from the cache.
func (p *Proxy) GetSlice(ctx context.Context, sel ...tessera.Index) (*tessera.Dense, error) {
	if _, err := p.Fetch(ctx, sel...); err != nil {
		return nil, err
	}
	return p.cache.GetSlice(ctx, sel...)
}

func equal(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
