// Package lazyexpr builds deferred expressions over tessera operands and
// evaluates them chunk by chunk.
//
// An expression is a DAG of nodes: operands, constants, element-wise
// operators, where, field selection, boolean filters, reductions and
// user-defined functions. Shape and dtype are resolved when a node is built,
// from operand metadata only; data is read when the expression is computed
// or sliced. Builders record construction errors on the returned node
// (see Expr.Err) so expressions can be composed without checking each step.
//
// Integer results are computed in int64 or uint64 with wrapping arithmetic;
// only float results pass through float64.
package lazyexpr

import (
	"errors"
	"fmt"
	"math"

	"github.com/justapithecus/tessera/tessera"
)

// ErrShapeMismatch indicates operands whose shapes do not broadcast.
var ErrShapeMismatch = errShapeMismatch{}

type errShapeMismatch struct{}

func (errShapeMismatch) Error() string { return "shapes do not broadcast" }

type nodeKind uint8

const (
	kindOperand nodeKind = iota
	kindConst
	kindUnary
	kindBinary
	kindWhere
	kindField
	kindFilter
	kindReduce
	kindUDF
)

// Expr is a node of a lazy expression. It implements tessera.Operand, so
// expressions nest and can be sliced like arrays.
type Expr struct {
	kind  nodeKind
	shape []int64 // nil when data-dependent (filters)
	dtype tessera.DType
	err   error

	args []*Expr

	operand tessera.Operand // kindOperand
	name    string          // kindOperand, when bound by name

	value  float64 // kindConst
	ivalue int64   // kindConst: exact value for integer dtypes
	weak   bool    // kindConst: dtype yields to the other side

	op     opCode  // kindUnary, kindBinary
	field  string  // kindField
	domain []int64 // kindFilter: broadcast shape of value and mask

	red     reduceOp // kindReduce
	axis    int
	hasAxis bool

	udf *udfSpec // kindUDF
}

var _ tessera.Operand = (*Expr)(nil)

// Shape returns the resolved shape. It is nil for filtered selections,
// whose length is known only after evaluation, and for failed nodes.
func (e *Expr) Shape() []int64 {
	if e.shape == nil {
		return nil
	}
	return append([]int64{}, e.shape...)
}

// DType returns the resolved element type.
func (e *Expr) DType() tessera.DType { return e.dtype }

// Err returns the first construction error in the expression.
func (e *Expr) Err() error { return e.err }

// NDim returns the number of dimensions.
func (e *Expr) NDim() int { return len(e.shape) }

// -----------------------------------------------------------------------------
// Leaves
// -----------------------------------------------------------------------------

// Operand wraps a tessera operand as an expression leaf.
func Operand(op tessera.Operand) *Expr {
	if e, ok := op.(*Expr); ok {
		return e
	}
	dt := op.DType()
	e := &Expr{kind: kindOperand, operand: op, shape: op.Shape(), dtype: dt}
	if e.shape == nil {
		e.shape = []int64{}
	}
	return e
}

// Const is a scalar constant. Its dtype yields to the operand it is combined
// with, so a Float32 array plus a constant stays Float32.
func Const(v float64) *Expr {
	dt := tessera.Float64
	if v == math.Trunc(v) && math.Abs(v) < 1<<63 {
		dt = tessera.Int64
	}
	return &Expr{kind: kindConst, value: v, ivalue: int64(v), weak: true, dtype: dt, shape: []int64{}}
}

// intConst is an exact integer constant.
func intConst(v int64, dt tessera.DType) *Expr {
	fv := float64(v)
	if dt.IsUnsigned() {
		fv = float64(uint64(v))
	}
	return &Expr{kind: kindConst, value: fv, ivalue: v, weak: true, dtype: dt, shape: []int64{}}
}

// lift turns a builder argument into a node: an *Expr, a tessera.Operand or
// a Go number or bool.
func lift(v any) *Expr {
	switch x := v.(type) {
	case *Expr:
		if x == nil {
			return failed(errors.New("lazyexpr: nil expression"))
		}
		return x
	case tessera.Operand:
		return Operand(x)
	case float64:
		return Const(x)
	case float32:
		return Const(float64(x))
	case int:
		return intConst(int64(x), tessera.Int64)
	case int64:
		return intConst(x, tessera.Int64)
	case int32:
		return intConst(int64(x), tessera.Int64)
	case uint64:
		return intConst(int64(x), tessera.Uint64)
	case bool:
		e := intConst(0, tessera.Bool)
		if x {
			e.value, e.ivalue = 1, 1
		}
		return e
	default:
		return failed(fmt.Errorf("lazyexpr: unsupported operand %T", v))
	}
}

func failed(err error) *Expr {
	return &Expr{kind: kindConst, err: err, dtype: tessera.Float64}
}

// firstErr returns the first error among args.
func firstErr(args []*Expr) error {
	for _, a := range args {
		if a.err != nil {
			return a.err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Broadcasting
// -----------------------------------------------------------------------------

// broadcastShapes aligns shapes from the trailing axis. A size-1 or missing
// axis stretches to the other side.
func broadcastShapes(shapes ...[]int64) ([]int64, error) {
	nd := 0
	for _, s := range shapes {
		if s == nil {
			return nil, fmt.Errorf("lazyexpr: filtered selection has no static shape; compute it first: %w", ErrShapeMismatch)
		}
		nd = max(nd, len(s))
	}
	out := make([]int64, nd)
	for i := range out {
		out[i] = 1
	}
	for _, s := range shapes {
		off := nd - len(s)
		for d, n := range s {
			switch {
			case n == out[off+d] || n == 1:
			case out[off+d] == 1:
				out[off+d] = n
			default:
				return nil, fmt.Errorf("lazyexpr: shapes %v: axis %d is %d and %d: %w", shapes, off+d, out[off+d], n, ErrShapeMismatch)
			}
		}
	}
	return out, nil
}

// childRegion maps the region [start, stop) of a node with shape out onto
// an operand of shape in that broadcasts to it.
func childRegion(in []int64, start, stop []int64) (cs, ce []int64) {
	off := len(start) - len(in)
	cs = make([]int64, len(in))
	ce = make([]int64, len(in))
	for d, n := range in {
		if n == 1 {
			cs[d], ce[d] = 0, 1
		} else {
			cs[d], ce[d] = start[off+d], stop[off+d]
		}
	}
	return cs, ce
}

// stretch broadcasts c, C-ordered over shape in, to shape out.
func stretch(c column, in, out []int64) column {
	total := prod(out)
	if int64(c.len()) == total && equalShape(in, out) {
		return c
	}
	idx := make([]int64, total)
	if c.len() == 1 {
		return c.gather(idx)
	}
	off := len(out) - len(in)
	st := make([]int64, len(out))
	acc := int64(1)
	for d := len(in) - 1; d >= 0; d-- {
		if in[d] != 1 {
			st[off+d] = acc
		}
		acc *= in[d]
	}
	pos := make([]int64, len(out))
	var src int64
	for i := range idx {
		idx[i] = src
		for d := len(out) - 1; d >= 0; d-- {
			pos[d]++
			src += st[d]
			if pos[d] < out[d] {
				break
			}
			src -= st[d] * pos[d]
			pos[d] = 0
		}
	}
	return c.gather(idx)
}

func prod(v []int64) int64 {
	p := int64(1)
	for _, x := range v {
		p *= x
	}
	return p
}

func equalShape(a, b []int64) bool {
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

// -----------------------------------------------------------------------------
// Tree helpers
// -----------------------------------------------------------------------------

// walk visits e and its descendants depth first, children before parents.
func walk(e *Expr, fn func(*Expr)) {
	seen := make(map[*Expr]bool)
	var rec func(*Expr)
	rec = func(n *Expr) {
		if seen[n] {
			return
		}
		seen[n] = true
		for _, a := range n.args {
			rec(a)
		}
		fn(n)
	}
	rec(e)
}

// operands lists distinct operand leaves in first-use order.
func (e *Expr) operands() []*Expr {
	var out []*Expr
	seen := make(map[tessera.Operand]bool)
	walk(e, func(n *Expr) {
		if n.kind == kindOperand && !seen[n.operand] {
			seen[n.operand] = true
			out = append(out, n)
		}
	})
	return out
}
