package lazyexpr

import (
	"fmt"
	"math"

	"github.com/justapithecus/tessera/tessera"
)

// numKind is the machine representation a node is evaluated in.
type numKind uint8

const (
	numInt   numKind = iota // signed integers and bools
	numUint                 // unsigned integers
	numFloat                // Float32 and Float64
)

func numOf(dt tessera.DType) numKind {
	switch {
	case dt.IsFloat():
		return numFloat
	case dt.IsUnsigned():
		return numUint
	}
	return numInt
}

// column holds the values of one region in C order. Exactly one of the
// slices is used, picked by kind, so integer results never pass through
// float64.
type column struct {
	kind numKind
	f    []float64
	i    []int64
	u    []uint64
}

func makeColumn(k numKind, n int) column {
	c := column{kind: k}
	switch k {
	case numInt:
		c.i = make([]int64, n)
	case numUint:
		c.u = make([]uint64, n)
	default:
		c.f = make([]float64, n)
	}
	return c
}

func (c column) len() int {
	switch c.kind {
	case numInt:
		return len(c.i)
	case numUint:
		return len(c.u)
	}
	return len(c.f)
}

// columnOf reads d in the representation of its own dtype.
func columnOf(d *tessera.Dense) column {
	switch numOf(d.DType()) {
	case numInt:
		return column{kind: numInt, i: d.Int64s()}
	case numUint:
		return column{kind: numUint, u: d.Uint64s()}
	}
	return column{kind: numFloat, f: d.Float64s()}
}

// store writes c into d, converting to d's dtype.
func (c column) store(d *tessera.Dense) error {
	switch c.kind {
	case numInt:
		return d.SetInt64s(c.i)
	case numUint:
		return d.SetUint64s(c.u)
	}
	return d.SetFloat64s(c.f)
}

// dense packs c into a new Dense of dtype and shape.
func (c column) dense(dt tessera.DType, shape ...int64) (*tessera.Dense, error) {
	d := tessera.NewDense(dt, shape...)
	if err := c.store(d); err != nil {
		return nil, err
	}
	return d, nil
}

// to converts c to kind k. Integer conversions wrap; float to integer
// truncates toward zero with NaN as 0.
func (c column) to(k numKind) column {
	if c.kind == k {
		return c
	}
	out := makeColumn(k, c.len())
	for j := range c.len() {
		switch k {
		case numInt:
			out.i[j] = c.int(j)
		case numUint:
			out.u[j] = c.uint(j)
		default:
			out.f[j] = c.float(j)
		}
	}
	return out
}

func (c column) float(j int) float64 {
	switch c.kind {
	case numInt:
		return float64(c.i[j])
	case numUint:
		return float64(c.u[j])
	}
	return c.f[j]
}

func (c column) int(j int) int64 {
	switch c.kind {
	case numInt:
		return c.i[j]
	case numUint:
		return int64(c.u[j])
	}
	if math.IsNaN(c.f[j]) {
		return 0
	}
	return int64(c.f[j])
}

func (c column) uint(j int) uint64 {
	switch c.kind {
	case numInt:
		return uint64(c.i[j])
	case numUint:
		return c.u[j]
	}
	if f := c.f[j]; !math.IsNaN(f) && f >= 0 {
		return uint64(f)
	}
	return uint64(c.int(j))
}

func (c column) truth(j int) bool {
	switch c.kind {
	case numInt:
		return c.i[j] != 0
	case numUint:
		return c.u[j] != 0
	}
	return c.f[j] != 0
}

// gather returns c[idx[0]], c[idx[1]], ...
func (c column) gather(idx []int64) column {
	out := makeColumn(c.kind, len(idx))
	for j, x := range idx {
		switch c.kind {
		case numInt:
			out.i[j] = c.i[x]
		case numUint:
			out.u[j] = c.u[x]
		default:
			out.f[j] = c.f[x]
		}
	}
	return out
}

// append returns c followed by o, which must have the same kind.
func (c column) append(o column) column {
	c.f = append(c.f, o.f...)
	c.i = append(c.i, o.i...)
	c.u = append(c.u, o.u...)
	return c
}

// where picks x[j] where cond[j] is true and y[j] elsewhere. x and y share
// a kind.
func where(cond, x, y column) column {
	out := makeColumn(x.kind, x.len())
	for j := range out.len() {
		src := y
		if cond.truth(j) {
			src = x
		}
		switch x.kind {
		case numInt:
			out.i[j] = src.i[j]
		case numUint:
			out.u[j] = src.u[j]
		default:
			out.f[j] = src.f[j]
		}
	}
	return out
}

// constColumn returns n copies of the constant e in kind k.
func constColumn(e *Expr, k numKind, n int) column {
	c := makeColumn(k, n)
	for j := range n {
		switch k {
		case numInt:
			c.i[j] = e.ivalue
		case numUint:
			c.u[j] = uint64(e.ivalue)
		default:
			c.f[j] = e.value
		}
	}
	return c
}

// -----------------------------------------------------------------------------
// Element-wise kernels
// -----------------------------------------------------------------------------

// operandKind is the representation both sides of op are brought to before
// it is applied.
func operandKind(e *Expr) numKind {
	info := ops[e.op]
	switch {
	case info.class == classFloat:
		return numFloat
	case info.class == classBool && len(e.args) == 2:
		return numOf(promote(e.args[0], e.args[1]))
	case info.class == classBool:
		return numOf(e.args[0].dtype)
	}
	return numOf(e.dtype)
}

func applyUnary(op opCode, k numKind, a column) column {
	a = a.to(k)
	if k == numFloat {
		fn := ops[op].unary
		out := makeColumn(numFloat, a.len())
		for j, v := range a.f {
			out.f[j] = fn(v)
		}
		return out
	}
	out := makeColumn(numInt, a.len())
	if op == opNot {
		for j := range out.i {
			out.i[j] = b2i(!a.truth(j))
		}
		return out
	}
	if k == numUint {
		out = makeColumn(numUint, a.len())
		for j, v := range a.u {
			if op == opNeg {
				v = -v
			}
			out.u[j] = v
		}
		return out
	}
	for j, v := range a.i {
		if op == opNeg || (op == opAbs && v < 0) {
			v = -v
		}
		out.i[j] = v
	}
	return out
}

func applyBinary(op opCode, k numKind, a, b column) (column, error) {
	a, b = a.to(k), b.to(k)
	n := a.len()
	switch k {
	case numFloat:
		fn := ops[op].binary
		out := makeColumn(numFloat, n)
		for j := range n {
			out.f[j] = fn(a.f[j], b.f[j])
		}
		return out, nil
	case numUint:
		out := makeColumn(numUint, n)
		for j := range n {
			v, err := uintOp(op, a.u[j], b.u[j])
			if err != nil {
				return column{}, err
			}
			out.u[j] = v
		}
		return out, nil
	}
	out := makeColumn(numInt, n)
	for j := range n {
		v, err := intOp(op, a.i[j], b.i[j])
		if err != nil {
			return column{}, err
		}
		out.i[j] = v
	}
	return out, nil
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// intOp applies op with wrapping two's complement arithmetic. Modulo by
// zero yields 0.
func intOp(op opCode, a, b int64) (int64, error) {
	switch op {
	case opAdd:
		return a + b, nil
	case opSub:
		return a - b, nil
	case opMul:
		return a * b, nil
	case opMod:
		if b == 0 {
			return 0, nil
		}
		r := a % b
		if r != 0 && (r < 0) != (b < 0) {
			r += b
		}
		return r, nil
	case opPow:
		return intPow(a, b), nil
	case opLess:
		return b2i(a < b), nil
	case opLessEqual:
		return b2i(a <= b), nil
	case opGreater:
		return b2i(a > b), nil
	case opGreaterEqual:
		return b2i(a >= b), nil
	case opEqual:
		return b2i(a == b), nil
	case opNotEqual:
		return b2i(a != b), nil
	case opAnd:
		return b2i(a != 0 && b != 0), nil
	case opOr:
		return b2i(a != 0 || b != 0), nil
	}
	return 0, fmt.Errorf("lazyexpr: %s has no integer form", ops[op].name)
}

func uintOp(op opCode, a, b uint64) (uint64, error) {
	switch op {
	case opAdd:
		return a + b, nil
	case opSub:
		return a - b, nil
	case opMul:
		return a * b, nil
	case opMod:
		if b == 0 {
			return 0, nil
		}
		return a % b, nil
	case opPow:
		r := uint64(1)
		for b > 0 {
			if b&1 == 1 {
				r *= a
			}
			a *= a
			b >>= 1
		}
		return r, nil
	case opLess:
		return uint64(b2i(a < b)), nil
	case opLessEqual:
		return uint64(b2i(a <= b)), nil
	case opGreater:
		return uint64(b2i(a > b)), nil
	case opGreaterEqual:
		return uint64(b2i(a >= b)), nil
	case opEqual:
		return uint64(b2i(a == b)), nil
	case opNotEqual:
		return uint64(b2i(a != b)), nil
	case opAnd:
		return uint64(b2i(a != 0 && b != 0)), nil
	case opOr:
		return uint64(b2i(a != 0 || b != 0)), nil
	}
	return 0, fmt.Errorf("lazyexpr: %s has no integer form", ops[op].name)
}

// intPow raises a to b by squaring, wrapping on overflow. A negative
// exponent gives the quotient 1/a**-b truncated toward zero.
func intPow(a, b int64) int64 {
	if b < 0 {
		switch a {
		case 1:
			return 1
		case -1:
			if b%2 == 0 {
				return 1
			}
			return -1
		}
		return 0
	}
	r := int64(1)
	for b > 0 {
		if b&1 == 1 {
			r *= a
		}
		a *= a
		b >>= 1
	}
	return r
}
