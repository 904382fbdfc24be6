package lazyexpr

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/justapithecus/tessera/tessera"
)

type reduceOp uint8

const (
	redSum reduceOp = iota
	redProd
	redMean
	redStd
	redVar
	redMin
	redMax
	redAny
	redAll
)

var reduceNames = map[reduceOp]string{
	redSum:  "sum",
	redProd: "prod",
	redMean: "mean",
	redStd:  "std",
	redVar:  "var",
	redMin:  "min",
	redMax:  "max",
	redAny:  "any",
	redAll:  "all",
}

var reductions = func() map[string]reduceOp {
	m := make(map[string]reduceOp, len(reduceNames))
	for op, name := range reduceNames {
		m[name] = op
	}
	return m
}()

// ErrEmptyReduction indicates min or max over zero elements.
var ErrEmptyReduction = errors.New("lazyexpr: reduction of an empty selection has no identity")

func reduceDType(op reduceOp, in tessera.DType) tessera.DType {
	switch op {
	case redSum, redProd:
		switch {
		case in.IsFloat():
			return in
		case in.IsUnsigned():
			return tessera.Uint64
		}
		return tessera.Int64
	case redMean, redStd, redVar:
		if in.Kind() == tessera.KindFloat32 {
			return tessera.Float32
		}
		return tessera.Float64
	case redAny, redAll:
		return tessera.Bool
	}
	return in
}

// reduceNode builds a reduction over all elements, or over one axis.
func reduceNode(op reduceOp, x any, axis []int) *Expr {
	a := lift(x)
	if a.err != nil {
		return failed(a.err)
	}
	if err := checkScalar(a); err != nil {
		return failed(err)
	}
	e := &Expr{kind: kindReduce, red: op, args: []*Expr{a}, dtype: reduceDType(op, a.dtype), shape: []int64{}}
	switch len(axis) {
	case 0:
	case 1:
		if a.shape == nil {
			return failed(fmt.Errorf("lazyexpr: %s along an axis of a filtered selection: %w", reduceNames[op], ErrShapeMismatch))
		}
		ax := axis[0]
		if ax < 0 {
			ax += len(a.shape)
		}
		if ax < 0 || ax >= len(a.shape) {
			return failed(fmt.Errorf("lazyexpr: axis %d for %d dimensions: %w", axis[0], len(a.shape), tessera.ErrOutOfBounds))
		}
		e.axis, e.hasAxis = ax, true
		e.shape = make([]int64, 0, len(a.shape)-1)
		e.shape = append(e.shape, a.shape[:ax]...)
		e.shape = append(e.shape, a.shape[ax+1:]...)
	default:
		return failed(fmt.Errorf("lazyexpr: %s over %d axes; pass at most one", reduceNames[op], len(axis)))
	}
	return e
}

// -----------------------------------------------------------------------------
// Eager reductions
// -----------------------------------------------------------------------------

// Sum adds the elements of x, over one axis when given. The result is
// computed immediately.
func Sum(ctx context.Context, x any, axis ...int) (*tessera.Dense, error) {
	return reduceNow(ctx, redSum, x, axis)
}

// Prod multiplies the elements of x.
func Prod(ctx context.Context, x any, axis ...int) (*tessera.Dense, error) {
	return reduceNow(ctx, redProd, x, axis)
}

// Mean is the arithmetic mean. It is NaN for an empty selection.
func Mean(ctx context.Context, x any, axis ...int) (*tessera.Dense, error) {
	return reduceNow(ctx, redMean, x, axis)
}

// Std is the population standard deviation.
func Std(ctx context.Context, x any, axis ...int) (*tessera.Dense, error) {
	return reduceNow(ctx, redStd, x, axis)
}

// Var is the population variance.
func Var(ctx context.Context, x any, axis ...int) (*tessera.Dense, error) {
	return reduceNow(ctx, redVar, x, axis)
}

// Min returns the smallest element; NaN propagates. It fails with
// ErrEmptyReduction on an empty selection.
func Min(ctx context.Context, x any, axis ...int) (*tessera.Dense, error) {
	return reduceNow(ctx, redMin, x, axis)
}

// Max returns the largest element.
func Max(ctx context.Context, x any, axis ...int) (*tessera.Dense, error) {
	return reduceNow(ctx, redMax, x, axis)
}

// Any reports whether some element is nonzero.
func Any(ctx context.Context, x any, axis ...int) (*tessera.Dense, error) {
	return reduceNow(ctx, redAny, x, axis)
}

// All reports whether every element is nonzero.
func All(ctx context.Context, x any, axis ...int) (*tessera.Dense, error) {
	return reduceNow(ctx, redAll, x, axis)
}

func reduceNow(ctx context.Context, op reduceOp, x any, axis []int) (*tessera.Dense, error) {
	e := reduceNode(op, x, axis)
	if e.err != nil {
		return nil, e.err
	}
	ev, err := newEvaluator(ctx, e, defaultConfig())
	if err != nil {
		return nil, err
	}
	return ev.memo[e], nil
}

// -----------------------------------------------------------------------------
// Accumulation
// -----------------------------------------------------------------------------

// accumulator folds values into one output element. Sums, products and
// extrema are kept in the representation of the result dtype; the moments
// behind mean, var and std are always float64.
type accumulator struct {
	n    int64
	kind numKind
	f    float64
	i    int64 // also the flag of any and all
	u    uint64
	mean float64
	m2   float64
}

func newAccumulators(e *Expr, n int64) []accumulator {
	accs := make([]accumulator, max(n, 0))
	for j := range accs {
		accs[j].kind = numOf(e.dtype)
	}
	return accs
}

// add folds element j of c.
func (a *accumulator) add(op reduceOp, c column, j int) {
	a.n++
	first := a.n == 1
	switch op {
	case redSum:
		switch a.kind {
		case numInt:
			a.i += c.int(j)
		case numUint:
			a.u += c.uint(j)
		default:
			a.f += c.float(j)
		}
	case redProd:
		switch a.kind {
		case numInt:
			if first {
				a.i = 1
			}
			a.i *= c.int(j)
		case numUint:
			if first {
				a.u = 1
			}
			a.u *= c.uint(j)
		default:
			if first {
				a.f = 1
			}
			a.f *= c.float(j)
		}
	case redMean, redStd, redVar:
		x := c.float(j)
		d := x - a.mean
		a.mean += d / float64(a.n)
		a.m2 += d * (x - a.mean)
	case redMin, redMax:
		less := op == redMin
		switch a.kind {
		case numInt:
			if x := c.int(j); first || (x < a.i) == less && x != a.i {
				a.i = x
			}
		case numUint:
			if x := c.uint(j); first || (x < a.u) == less && x != a.u {
				a.u = x
			}
		default:
			x := c.float(j)
			if first || math.IsNaN(x) || (!math.IsNaN(a.f) && x != a.f && (x < a.f) == less) {
				a.f = x
			}
		}
	case redAny:
		if c.truth(j) {
			a.i = 1
		}
	case redAll:
		if first {
			a.i = 1
		}
		if !c.truth(j) {
			a.i = 0
		}
	}
}

// result writes the reduced value into element j of out.
func (a *accumulator) result(op reduceOp, out column, j int) error {
	switch op {
	case redProd:
		if a.n == 0 {
			setOne(out, j)
			return nil
		}
	case redAll:
		if a.n == 0 {
			out.i[j] = 1
			return nil
		}
	case redMean, redVar, redStd:
		v := math.NaN()
		if a.n > 0 {
			v = a.mean
			if op != redMean {
				v = a.m2 / float64(a.n)
			}
			if op == redStd {
				v = math.Sqrt(v)
			}
		}
		out.f[j] = v
		return nil
	case redMin, redMax:
		if a.n == 0 {
			return fmt.Errorf("%s: %w", reduceNames[op], ErrEmptyReduction)
		}
	}
	switch out.kind {
	case numInt:
		out.i[j] = a.i
	case numUint:
		out.u[j] = a.u
	default:
		out.f[j] = a.f
	}
	return nil
}

func setOne(c column, j int) {
	switch c.kind {
	case numInt:
		c.i[j] = 1
	case numUint:
		c.u[j] = 1
	default:
		c.f[j] = 1
	}
}

// reduce evaluates e, a reduction node, over its whole input. Chunks are
// visited in grid order so results do not depend on scheduling. An axis
// reduction is built one output chunk at a time.
func (ev *evaluator) reduce(ctx context.Context, e *Expr) (*tessera.Dense, error) {
	child := e.args[0]
	out := tessera.NewDense(e.dtype, e.shape...)
	var err error
	switch {
	case child.shape == nil:
		acc := newAccumulators(e, 1)
		err = ev.eachFiltered(ctx, child, func(c column) error {
			for j := range c.len() {
				acc[0].add(e.red, c, j)
			}
			return nil
		})
		if err == nil {
			err = ev.storeReduced(e, acc, out, []int64{}, []int64{})
		}
	case !e.hasAxis || len(e.shape) == 0:
		acc := newAccumulators(e, 1)
		err = ev.foldRegion(ctx, e, acc, make([]int64, len(child.shape)), child.shape)
		if err == nil {
			err = ev.storeReduced(e, acc, out, []int64{}, []int64{})
		}
	default:
		err = ev.reduceAxis(ctx, e, out)
	}
	if err != nil {
		return nil, err
	}
	ev.cfg.metrics.reduced()
	return out, nil
}

// reduceAxis walks the output grid, which is the child's work grid without
// the reduced axis. Each output chunk accumulates over its slabs along the
// axis and is written before the next one starts.
func (ev *evaluator) reduceAxis(ctx context.Context, e *Expr, out *tessera.Dense) error {
	child := e.args[0]
	work := ev.workChunks(child)
	ochunks := make([]int64, 0, len(e.shape))
	ochunks = append(ochunks, work[:e.axis]...)
	ochunks = append(ochunks, work[e.axis+1:]...)
	g := tessera.NewGrid(e.shape, ochunks)
	for n := range g.NChunks() {
		ostart, ostop := g.Bounds(n)
		if empty(ostart, ostop) {
			continue
		}
		accs := newAccumulators(e, prod(sub(ostop, ostart)))
		start := insertAxis(ostart, e.axis, 0)
		if err := ev.foldRegion(ctx, e, accs, start, insertAxis(ostop, e.axis, child.shape[e.axis])); err != nil {
			return err
		}
		if err := ev.storeReduced(e, accs, out, ostart, ostop); err != nil {
			return err
		}
	}
	return nil
}

// foldRegion accumulates the child over [start, stop), visiting it along the
// child's work grid.
func (ev *evaluator) foldRegion(ctx context.Context, e *Expr, accs []accumulator, start, stop []int64) error {
	child := e.args[0]
	g := tessera.NewGrid(child.shape, ev.workChunks(child))
	for _, n := range g.Intersecting(start, stop) {
		if err := ctx.Err(); err != nil {
			return err
		}
		cs, ce := g.Bounds(n)
		for d := range cs {
			cs[d], ce[d] = max(cs[d], start[d]), min(ce[d], stop[d])
		}
		if empty(cs, ce) {
			continue
		}
		vals, err := ev.region(ctx, child, cs, ce)
		if err != nil {
			return err
		}
		accumulate(e, accs, vals, sub(cs, start), sub(ce, start), sub(stop, start))
	}
	return nil
}

// storeReduced writes the accumulators of the output region
// [ostart, ostop) into out.
func (ev *evaluator) storeReduced(e *Expr, accs []accumulator, out *tessera.Dense, ostart, ostop []int64) error {
	res := makeColumn(numOf(e.dtype), len(accs))
	for j := range accs {
		if err := accs[j].result(e.red, res, j); err != nil {
			return fmt.Errorf("lazyexpr: %w", err)
		}
	}
	if len(ostart) == 0 {
		return res.store(out)
	}
	part, err := res.dense(e.dtype, sub(ostop, ostart)...)
	if err != nil {
		return err
	}
	return out.SetSlice(part, ranges(ostart, ostop)...)
}

// accumulate folds vals, the C-ordered region [start, stop) of a folded
// region of shape span, into accs. accs covers span without the reduced
// axis, or is a single accumulator for a full reduction.
func accumulate(e *Expr, accs []accumulator, vals column, start, stop, span []int64) {
	if !e.hasAxis || len(e.shape) == 0 {
		for j := range vals.len() {
			accs[0].add(e.red, vals, j)
		}
		return
	}
	nd := len(start)
	// Output strides, with zero on the reduced axis.
	ost := make([]int64, nd)
	acc := int64(1)
	for d := nd - 1; d >= 0; d-- {
		if d == e.axis {
			continue
		}
		ost[d] = acc
		acc *= span[d]
	}
	idx := append([]int64(nil), start...)
	var o int64
	for d := range nd {
		o += idx[d] * ost[d]
	}
	for j := range vals.len() {
		accs[o].add(e.red, vals, j)
		for d := nd - 1; d >= 0; d-- {
			idx[d]++
			o += ost[d]
			if idx[d] < stop[d] {
				break
			}
			o -= ost[d] * (idx[d] - start[d])
			idx[d] = start[d]
		}
	}
}

func insertAxis(v []int64, axis int, x int64) []int64 {
	out := make([]int64, 0, len(v)+1)
	out = append(out, v[:axis]...)
	out = append(out, x)
	return append(out, v[axis:]...)
}

func empty(start, stop []int64) bool {
	for i := range start {
		if stop[i] <= start[i] {
			return true
		}
	}
	return false
}
