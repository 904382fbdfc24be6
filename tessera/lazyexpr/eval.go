package lazyexpr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/justapithecus/tessera/tessera"
)

// evaluator holds the reductions of one expression, computed once up front.
// Everything else, filters included, is evaluated per region.
type evaluator struct {
	cfg  *config
	memo map[*Expr]*tessera.Dense
}

func newEvaluator(ctx context.Context, root *Expr, cfg *config) (*evaluator, error) {
	ev := &evaluator{cfg: cfg, memo: make(map[*Expr]*tessera.Dense)}
	var err error
	walk(root, func(n *Expr) {
		if err != nil || n.kind != kindReduce {
			return
		}
		var d *tessera.Dense
		if d, err = ev.reduce(ctx, n); err == nil {
			ev.memo[n] = d
		}
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// workChunks picks the grid used to walk e: explicit chunks, else the chunks
// of an operand with the same shape, else the automatic choice.
func (ev *evaluator) workChunks(e *Expr) []int64 {
	return ev.chunksFor(e, e.shape)
}

func (ev *evaluator) chunksFor(e *Expr, shape []int64) []int64 {
	if c := ev.cfg.chunks; c != nil && len(c) == len(shape) {
		out := make([]int64, len(c))
		for i := range c {
			out[i] = max(c[i], 1)
		}
		return out
	}
	if c, ok := alignedOperand(e, shape); ok {
		return c.Chunks()
	}
	chunks, _ := tessera.ComputeChunksBlocks(shape, max(e.dtype.ItemSize(), 1))
	return chunks
}

func (ev *evaluator) workBlocks(e *Expr) []int64 {
	if c, ok := alignedOperand(e, e.shape); ok {
		return c.Blocks()
	}
	_, blocks := tessera.ComputeChunksBlocks(e.shape, max(e.dtype.ItemSize(), 1))
	return blocks
}

// alignedOperand finds an operand under e with a chunk grid over shape.
func alignedOperand(e *Expr, shape []int64) (tessera.Chunked, bool) {
	for _, leaf := range e.operands() {
		if c, ok := leaf.operand.(tessera.Chunked); ok && equalShape(leaf.shape, shape) {
			return c, true
		}
	}
	return nil, false
}

// region evaluates e over [start, stop) and returns the values in C order,
// in the representation of e's dtype.
func (ev *evaluator) region(ctx context.Context, e *Expr, start, stop []int64) (column, error) {
	k := numOf(e.dtype)
	switch e.kind {
	case kindConst:
		return constColumn(e, k, int(prod(sub(stop, start)))), nil

	case kindOperand:
		d, err := e.operand.GetSlice(ctx, ranges(start, stop)...)
		if err != nil {
			return column{}, err
		}
		return columnOf(d).to(k), nil

	case kindField:
		d, err := e.args[0].operand.GetSlice(ctx, ranges(start, stop)...)
		if err != nil {
			return column{}, err
		}
		f, err := d.Field(e.field)
		if err != nil {
			return column{}, err
		}
		return columnOf(f).to(k), nil

	case kindUnary:
		a, err := ev.arg(ctx, e.args[0], start, stop)
		if err != nil {
			return column{}, err
		}
		return applyUnary(e.op, operandKind(e), a).to(k), nil

	case kindBinary:
		a, err := ev.arg(ctx, e.args[0], start, stop)
		if err != nil {
			return column{}, err
		}
		b, err := ev.arg(ctx, e.args[1], start, stop)
		if err != nil {
			return column{}, err
		}
		out, err := applyBinary(e.op, operandKind(e), a, b)
		if err != nil {
			return column{}, err
		}
		return out.to(k), nil

	case kindWhere:
		c, err := ev.arg(ctx, e.args[0], start, stop)
		if err != nil {
			return column{}, err
		}
		x, err := ev.arg(ctx, e.args[1], start, stop)
		if err != nil {
			return column{}, err
		}
		y, err := ev.arg(ctx, e.args[2], start, stop)
		if err != nil {
			return column{}, err
		}
		return where(c, x.to(k), y.to(k)), nil

	case kindReduce:
		d, ok := ev.memo[e]
		if !ok {
			return column{}, fmt.Errorf("lazyexpr: reduction was not evaluated")
		}
		s, err := d.GetSlice(ctx, ranges(start, stop)...)
		if err != nil {
			return column{}, err
		}
		return columnOf(s), nil

	case kindFilter:
		return column{}, fmt.Errorf("lazyexpr: filtered selection used element-wise: %w", ErrShapeMismatch)

	case kindUDF:
		return ev.udfRegion(ctx, e, start, stop)
	}
	return column{}, fmt.Errorf("lazyexpr: unknown node kind %d", e.kind)
}

// arg evaluates child over the part of [start, stop) it broadcasts to and
// stretches the result to the full region.
func (ev *evaluator) arg(ctx context.Context, child *Expr, start, stop []int64) (column, error) {
	cs, ce := childRegion(child.shape, start, stop)
	vals, err := ev.region(ctx, child, cs, ce)
	if err != nil {
		return column{}, err
	}
	return stretch(vals, sub(ce, cs), sub(stop, start)), nil
}

// eachFiltered passes the selected elements of a filter node to fn, one
// slab along the first axis at a time, so the elements arrive in C order.
// Slabs that select nothing are skipped.
func (ev *evaluator) eachFiltered(ctx context.Context, e *Expr, fn func(column) error) error {
	x, mask := e.args[0], e.args[1]
	slab := ev.chunksFor(e, e.domain)
	for d := 1; d < len(slab); d++ {
		slab[d] = max(e.domain[d], 1)
	}
	g := tessera.NewGrid(e.domain, slab)
	for n := range g.NChunks() {
		if err := ctx.Err(); err != nil {
			return err
		}
		start, stop := g.Bounds(n)
		if empty(start, stop) {
			continue
		}
		vals, err := ev.arg(ctx, x, start, stop)
		if err != nil {
			return err
		}
		m, err := ev.arg(ctx, mask, start, stop)
		if err != nil {
			return err
		}
		var idx []int64
		for i := range m.len() {
			if m.truth(i) {
				idx = append(idx, int64(i))
			}
		}
		if len(idx) == 0 {
			continue
		}
		if err := fn(vals.gather(idx).to(numOf(e.dtype))); err != nil {
			return err
		}
	}
	return nil
}

// filtered collects every selected element of a filter node.
func (ev *evaluator) filtered(ctx context.Context, e *Expr) (*tessera.Dense, error) {
	kept := makeColumn(numOf(e.dtype), 0)
	err := ev.eachFiltered(ctx, e, func(c column) error {
		kept = kept.append(c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return kept.dense(e.dtype, int64(kept.len()))
}

// -----------------------------------------------------------------------------
// Compute and GetSlice
// -----------------------------------------------------------------------------

// Compute evaluates the expression into a new array, chunk by chunk. The
// output chunk grid follows WithChunks, else an operand of the same shape.
// WithArrayOptions places the result in a store.
func (e *Expr) Compute(ctx context.Context, opts ...Option) (*tessera.NDArray, error) {
	if e.err != nil {
		return nil, e.err
	}
	cfg := resolve(opts)
	begin := time.Now()
	ev, err := newEvaluator(ctx, e, cfg)
	if err != nil {
		return nil, err
	}
	if e.kind == kindFilter {
		return ev.appendFiltered(ctx, e)
	}
	out, err := ev.allocate(ctx, e)
	if err != nil {
		return nil, err
	}
	if err := ev.fill(ctx, e, out); err != nil {
		return nil, err
	}
	level.Debug(cfg.logger).Log("msg", "expression computed", "shape", fmt.Sprint(e.shape), "dtype", e.dtype, "nchunks", out.NChunks(), "duration", time.Since(begin))
	return out, nil
}

// allocate creates the output array with the work grid as its chunk shape.
// Options passed through WithArrayOptions come last and win.
func (ev *evaluator) allocate(ctx context.Context, e *Expr) (*tessera.NDArray, error) {
	var opts []tessera.Option
	if c, ok := alignedOperand(e, e.shape); ok && ev.cfg.chunks == nil {
		opts = append(opts, tessera.WithChunks(c.Chunks()...), tessera.WithBlocks(c.Blocks()...))
	} else {
		opts = append(opts, tessera.WithChunks(ev.workChunks(e)...))
	}
	opts = append(opts, ev.cfg.arrayOpts...)
	return tessera.Uninit(ctx, e.dtype, e.shape, opts...)
}

// fill evaluates every chunk of out in parallel and flushes once.
func (ev *evaluator) fill(ctx context.Context, e *Expr, out *tessera.NDArray) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(ev.cfg.nthreads, 1))
	for n := range out.NChunks() {
		g.Go(func() error {
			start, stop := out.ChunkBounds(n)
			if empty(start, stop) {
				return nil
			}
			vals, err := ev.region(gctx, e, start, stop)
			if err != nil {
				return err
			}
			d, err := vals.dense(e.dtype, sub(stop, start)...)
			if err != nil {
				return err
			}
			chunk, err := out.EncodeChunk(n, d)
			if err != nil {
				return err
			}
			if err := out.SetChunk(gctx, n, chunk); err != nil {
				return err
			}
			ev.cfg.metrics.evaluated()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return out.Flush(ctx)
}

// appendFiltered hands each slab's selection to an Appender as soon as it
// is evaluated, so at most one slab of selected values is held at a time.
func (ev *evaluator) appendFiltered(ctx context.Context, e *Expr) (*tessera.NDArray, error) {
	w, err := tessera.NewAppender(ctx, e.dtype, ev.cfg.arrayOpts...)
	if err != nil {
		return nil, err
	}
	err = ev.eachFiltered(ctx, e, func(c column) error {
		d, err := c.dense(e.dtype, int64(c.len()))
		if err != nil {
			return err
		}
		return w.Append(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return w.Close(ctx)
}

// GetSlice evaluates only the chunks that intersect the selection.
// Reductions inside the expression are still computed over their full
// input.
func (e *Expr) GetSlice(ctx context.Context, sel ...tessera.Index) (*tessera.Dense, error) {
	return e.getSlice(ctx, resolve(nil), sel)
}

func (e *Expr) getSlice(ctx context.Context, cfg *config, sel []tessera.Index) (*tessera.Dense, error) {
	if e.err != nil {
		return nil, e.err
	}
	ev, err := newEvaluator(ctx, e, cfg)
	if err != nil {
		return nil, err
	}
	switch e.kind {
	case kindReduce:
		return ev.memo[e].GetSlice(ctx, sel...)
	case kindFilter:
		d, err := ev.filtered(ctx, e)
		if err != nil {
			return nil, err
		}
		return d.GetSlice(ctx, sel...)
	}
	r, err := tessera.NormalizeSelection(e.shape, sel)
	if err != nil {
		return nil, err
	}
	out := tessera.NewDense(e.dtype, r.Shape()...)
	grid := tessera.NewGrid(e.shape, ev.workChunks(e))
	ids := grid.Intersecting(r.Start, r.Stop)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.nthreads, 1))
	for _, n := range ids {
		g.Go(func() error {
			cs, ce := grid.Bounds(n)
			start, stop := make([]int64, len(cs)), make([]int64, len(cs))
			for d := range cs {
				start[d], stop[d] = max(cs[d], r.Start[d]), min(ce[d], r.Stop[d])
			}
			if empty(start, stop) {
				return nil
			}
			vals, err := ev.region(gctx, e, start, stop)
			if err != nil {
				return err
			}
			part, err := vals.dense(e.dtype, sub(stop, start)...)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			return out.SetSlice(part, ranges(sub(start, r.Start), sub(stop, r.Start))...)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out.Reshape(r.ResultShape()...)
}
