package lazyexpr

import (
	"context"
	"fmt"

	"github.com/justapithecus/tessera/tessera"
)

// UDFFunc computes one region of a user-defined function. inputs hold the
// matching regions of the inputs, broadcast to the output region. out is
// preallocated with the output dtype; offset is the position of the region
// within the full output.
type UDFFunc func(inputs []*tessera.Dense, out *tessera.Dense, offset []int64) error

type udfSpec struct {
	fn        UDFFunc
	blockMode bool
	blocks    []int64
}

// UDF wraps fn as an expression node of the given dtype and shape. Each input
// must broadcast to shape. A UDF expression cannot be saved.
//
// WithBlockMode and WithBlocks control the region size fn receives; other
// options are ignored.
func UDF(fn UDFFunc, dtype tessera.DType, shape []int64, inputs []any, opts ...Option) *Expr {
	if fn == nil {
		return failed(fmt.Errorf("lazyexpr: nil udf"))
	}
	if !dtype.IsScalar() {
		return failed(fmt.Errorf("lazyexpr: udf dtype %s is not a scalar type", dtype))
	}
	if shape == nil {
		shape = []int64{}
	}
	args := make([]*Expr, len(inputs))
	for i, in := range inputs {
		args[i] = lift(in)
	}
	if err := firstErr(args); err != nil {
		return failed(err)
	}
	if err := checkScalar(args...); err != nil {
		return failed(err)
	}
	for i, a := range args {
		got, err := broadcastShapes(shape, a.shape)
		if err != nil {
			return failed(err)
		}
		if !equalShape(got, shape) {
			return failed(fmt.Errorf("lazyexpr: udf input %d has shape %v, output %v: %w", i, a.shape, shape, ErrShapeMismatch))
		}
	}
	cfg := resolve(opts)
	return &Expr{
		kind:  kindUDF,
		args:  args,
		shape: append([]int64{}, shape...),
		dtype: dtype,
		udf:   &udfSpec{fn: fn, blockMode: cfg.blockMode, blocks: cfg.blocks},
	}
}

// udfRegion runs the function over [start, stop), block by block in block
// mode.
func (ev *evaluator) udfRegion(ctx context.Context, e *Expr, start, stop []int64) (column, error) {
	shape := sub(stop, start)
	res := tessera.NewDense(e.dtype, shape...)
	parts := [][2][]int64{{make([]int64, len(shape)), shape}}
	if e.udf.blockMode {
		blocks := e.udf.blocks
		if len(blocks) != len(shape) {
			blocks = ev.workBlocks(e)
		}
		g := tessera.NewGrid(shape, blocks)
		parts = parts[:0]
		for n := range g.NChunks() {
			ps, pe := g.Bounds(n)
			parts = append(parts, [2][]int64{ps, pe})
		}
	}

	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return column{}, err
		}
		ps, pe := add(start, p[0]), add(start, p[1])
		pshape := sub(pe, ps)
		inputs := make([]*tessera.Dense, len(e.args))
		for i, a := range e.args {
			vals, err := ev.arg(ctx, a, ps, pe)
			if err != nil {
				return column{}, err
			}
			d, err := vals.dense(a.dtype, pshape...)
			if err != nil {
				return column{}, err
			}
			inputs[i] = d
		}
		out := tessera.NewDense(e.dtype, pshape...)
		if err := e.udf.fn(inputs, out, ps); err != nil {
			return column{}, fmt.Errorf("lazyexpr: udf at %v: %w", ps, err)
		}
		if err := res.SetSlice(out, ranges(p[0], p[1])...); err != nil {
			return column{}, err
		}
	}
	return columnOf(res), nil
}

func sub(a, b []int64) []int64 {
	out := make([]int64, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out
}

func add(a, b []int64) []int64 {
	out := make([]int64, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

func ranges(start, stop []int64) []tessera.Index {
	sel := make([]tessera.Index, len(start))
	for i := range start {
		sel[i] = tessera.Range(start[i], stop[i])
	}
	return sel
}
