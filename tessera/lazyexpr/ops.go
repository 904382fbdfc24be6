package lazyexpr

import (
	"fmt"
	"math"

	"github.com/justapithecus/tessera/tessera"
)

type opCode uint8

const (
	opAdd opCode = iota
	opSub
	opMul
	opDiv
	opPow
	opMod
	opLess
	opLessEqual
	opGreater
	opGreaterEqual
	opEqual
	opNotEqual
	opAnd
	opOr
	opArctan2

	opNeg
	opNot
	opAbs
	opSqrt
	opExp
	opExpm1
	opLog
	opLog10
	opLog1p
	opSin
	opCos
	opTan
	opArcsin
	opArccos
	opArctan
	opSinh
	opCosh
	opTanh
	opArcsinh
	opArccosh
	opArctanh
)

// resultClass decides the dtype an operator produces.
type resultClass uint8

const (
	classArith resultClass = iota // promoted inputs; bools become Int64
	classFloat                    // Float32 when every input is Float32, else Float64
	classBool                     // Bool
	classSame                     // input dtype; bools become Int64
)

type opInfo struct {
	name   string // function name, or the operator in string form
	infix  bool
	bp     int // binding power of an infix operator
	class  resultClass
	unary  func(float64) float64
	binary func(a, b float64) float64
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var ops = map[opCode]opInfo{
	opAdd:          {name: "+", infix: true, bp: 40, class: classArith, binary: func(a, b float64) float64 { return a + b }},
	opSub:          {name: "-", infix: true, bp: 40, class: classArith, binary: func(a, b float64) float64 { return a - b }},
	opMul:          {name: "*", infix: true, bp: 50, class: classArith, binary: func(a, b float64) float64 { return a * b }},
	opDiv:          {name: "/", infix: true, bp: 50, class: classFloat, binary: func(a, b float64) float64 { return a / b }},
	opMod:          {name: "%", infix: true, bp: 50, class: classArith, binary: pyMod},
	opPow:          {name: "**", infix: true, bp: 70, class: classArith, binary: math.Pow},
	opLess:         {name: "<", infix: true, bp: 30, class: classBool, binary: func(a, b float64) float64 { return b2f(a < b) }},
	opLessEqual:    {name: "<=", infix: true, bp: 30, class: classBool, binary: func(a, b float64) float64 { return b2f(a <= b) }},
	opGreater:      {name: ">", infix: true, bp: 30, class: classBool, binary: func(a, b float64) float64 { return b2f(a > b) }},
	opGreaterEqual: {name: ">=", infix: true, bp: 30, class: classBool, binary: func(a, b float64) float64 { return b2f(a >= b) }},
	opEqual:        {name: "==", infix: true, bp: 30, class: classBool, binary: func(a, b float64) float64 { return b2f(a == b) }},
	opNotEqual:     {name: "!=", infix: true, bp: 30, class: classBool, binary: func(a, b float64) float64 { return b2f(a != b) }},
	opAnd:          {name: "&", infix: true, bp: 20, class: classBool, binary: func(a, b float64) float64 { return b2f(a != 0 && b != 0) }},
	opOr:           {name: "|", infix: true, bp: 10, class: classBool, binary: func(a, b float64) float64 { return b2f(a != 0 || b != 0) }},
	opArctan2:      {name: "arctan2", class: classFloat, binary: math.Atan2},

	opNeg:     {name: "-", infix: true, class: classSame, unary: func(a float64) float64 { return -a }},
	opNot:     {name: "~", infix: true, class: classBool, unary: func(a float64) float64 { return b2f(a == 0) }},
	opAbs:     {name: "abs", class: classSame, unary: math.Abs},
	opSqrt:    {name: "sqrt", class: classFloat, unary: math.Sqrt},
	opExp:     {name: "exp", class: classFloat, unary: math.Exp},
	opExpm1:   {name: "expm1", class: classFloat, unary: math.Expm1},
	opLog:     {name: "log", class: classFloat, unary: math.Log},
	opLog10:   {name: "log10", class: classFloat, unary: math.Log10},
	opLog1p:   {name: "log1p", class: classFloat, unary: math.Log1p},
	opSin:     {name: "sin", class: classFloat, unary: math.Sin},
	opCos:     {name: "cos", class: classFloat, unary: math.Cos},
	opTan:     {name: "tan", class: classFloat, unary: math.Tan},
	opArcsin:  {name: "arcsin", class: classFloat, unary: math.Asin},
	opArccos:  {name: "arccos", class: classFloat, unary: math.Acos},
	opArctan:  {name: "arctan", class: classFloat, unary: math.Atan},
	opSinh:    {name: "sinh", class: classFloat, unary: math.Sinh},
	opCosh:    {name: "cosh", class: classFloat, unary: math.Cosh},
	opTanh:    {name: "tanh", class: classFloat, unary: math.Tanh},
	opArcsinh: {name: "arcsinh", class: classFloat, unary: math.Asinh},
	opArccosh: {name: "arccosh", class: classFloat, unary: math.Acosh},
	opArctanh: {name: "arctanh", class: classFloat, unary: math.Atanh},
}

// pyMod takes the sign of the divisor.
func pyMod(a, b float64) float64 {
	r := math.Mod(a, b)
	if r != 0 && (r < 0) != (b < 0) {
		r += b
	}
	return r
}

// functions maps call names in string form to operators.
var functions = func() map[string]opCode {
	m := make(map[string]opCode)
	for code, info := range ops {
		if !info.infix {
			m[info.name] = code
		}
	}
	return m
}()

// -----------------------------------------------------------------------------
// Dtype resolution
// -----------------------------------------------------------------------------

// promote combines operand dtypes. A weak constant yields to a typed
// operand unless it would lose its fraction.
func promote(a, b *Expr) tessera.DType {
	switch {
	case a.weak && !b.weak:
		return yield(a.dtype, b.dtype)
	case b.weak && !a.weak:
		return yield(b.dtype, a.dtype)
	}
	return tessera.Promote(a.dtype, b.dtype)
}

func yield(weak, typed tessera.DType) tessera.DType {
	switch {
	case weak.IsFloat() && !typed.IsFloat():
		return tessera.Float64
	case weak.Equal(tessera.Bool), !typed.Equal(tessera.Bool):
		return typed
	}
	return weak
}

func resultDType(class resultClass, args ...*Expr) tessera.DType {
	switch class {
	case classBool:
		return tessera.Bool
	case classFloat:
		dt := tessera.Float64
		for _, a := range args {
			if a.weak {
				continue
			}
			if a.dtype.Kind() != tessera.KindFloat32 {
				return tessera.Float64
			}
			dt = tessera.Float32
		}
		return dt
	}
	dt := args[0].dtype
	if len(args) == 2 {
		dt = promote(args[0], args[1])
	}
	if dt.Equal(tessera.Bool) {
		return tessera.Int64
	}
	return dt
}

func checkScalar(args ...*Expr) error {
	for _, a := range args {
		if !a.dtype.IsScalar() {
			return fmt.Errorf("lazyexpr: arithmetic on %s; select a field first", a.dtype)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Builders
// -----------------------------------------------------------------------------

func unary(op opCode, x any) *Expr {
	a := lift(x)
	if a.err != nil {
		return failed(a.err)
	}
	if err := checkScalar(a); err != nil {
		return failed(err)
	}
	if a.shape == nil {
		return failed(fmt.Errorf("lazyexpr: %s of a filtered selection: %w", ops[op].name, ErrShapeMismatch))
	}
	return &Expr{
		kind:  kindUnary,
		op:    op,
		args:  []*Expr{a},
		shape: a.shape,
		dtype: resultDType(ops[op].class, a),
	}
}

func binary(op opCode, x, y any) *Expr {
	a, b := lift(x), lift(y)
	if err := firstErr([]*Expr{a, b}); err != nil {
		return failed(err)
	}
	if err := checkScalar(a, b); err != nil {
		return failed(err)
	}
	shape, err := broadcastShapes(a.shape, b.shape)
	if err != nil {
		return failed(err)
	}
	return &Expr{
		kind:  kindBinary,
		op:    op,
		args:  []*Expr{a, b},
		shape: shape,
		dtype: resultDType(ops[op].class, a, b),
	}
}

// Add returns x + y.
func Add(x, y any) *Expr { return binary(opAdd, x, y) }

// Sub returns x - y.
func Sub(x, y any) *Expr { return binary(opSub, x, y) }

// Mul returns x * y.
func Mul(x, y any) *Expr { return binary(opMul, x, y) }

// Div returns the true quotient x / y.
func Div(x, y any) *Expr { return binary(opDiv, x, y) }

// Pow returns x ** y.
func Pow(x, y any) *Expr { return binary(opPow, x, y) }

// Mod returns x % y with the sign of y.
func Mod(x, y any) *Expr { return binary(opMod, x, y) }

func Less(x, y any) *Expr         { return binary(opLess, x, y) }
func LessEqual(x, y any) *Expr    { return binary(opLessEqual, x, y) }
func Greater(x, y any) *Expr      { return binary(opGreater, x, y) }
func GreaterEqual(x, y any) *Expr { return binary(opGreaterEqual, x, y) }
func Equal(x, y any) *Expr        { return binary(opEqual, x, y) }
func NotEqual(x, y any) *Expr     { return binary(opNotEqual, x, y) }

// And is the element-wise logical and; nonzero counts as true.
func And(x, y any) *Expr { return binary(opAnd, x, y) }

// Or is the element-wise logical or.
func Or(x, y any) *Expr { return binary(opOr, x, y) }

// Not is the element-wise logical negation.
func Not(x any) *Expr { return unary(opNot, x) }

// Arctan2 returns the angle of the point (y, x).
func Arctan2(y, x any) *Expr { return binary(opArctan2, y, x) }

func Neg(x any) *Expr     { return unary(opNeg, x) }
func Abs(x any) *Expr     { return unary(opAbs, x) }
func Sqrt(x any) *Expr    { return unary(opSqrt, x) }
func Exp(x any) *Expr     { return unary(opExp, x) }
func Expm1(x any) *Expr   { return unary(opExpm1, x) }
func Log(x any) *Expr     { return unary(opLog, x) }
func Log10(x any) *Expr   { return unary(opLog10, x) }
func Log1p(x any) *Expr   { return unary(opLog1p, x) }
func Sin(x any) *Expr     { return unary(opSin, x) }
func Cos(x any) *Expr     { return unary(opCos, x) }
func Tan(x any) *Expr     { return unary(opTan, x) }
func Arcsin(x any) *Expr  { return unary(opArcsin, x) }
func Arccos(x any) *Expr  { return unary(opArccos, x) }
func Arctan(x any) *Expr  { return unary(opArctan, x) }
func Sinh(x any) *Expr    { return unary(opSinh, x) }
func Cosh(x any) *Expr    { return unary(opCosh, x) }
func Tanh(x any) *Expr    { return unary(opTanh, x) }
func Arcsinh(x any) *Expr { return unary(opArcsinh, x) }
func Arccosh(x any) *Expr { return unary(opArccosh, x) }
func Arctanh(x any) *Expr { return unary(opArctanh, x) }

// Where selects x where cond is nonzero and y elsewhere. All three
// broadcast together.
func Where(cond, x, y any) *Expr {
	c, a, b := lift(cond), lift(x), lift(y)
	args := []*Expr{c, a, b}
	if err := firstErr(args); err != nil {
		return failed(err)
	}
	if err := checkScalar(args...); err != nil {
		return failed(err)
	}
	shape, err := broadcastShapes(c.shape, a.shape, b.shape)
	if err != nil {
		return failed(err)
	}
	return &Expr{kind: kindWhere, args: args, shape: shape, dtype: promote(a, b)}
}

// Field selects one member of a structured operand. The shape is kept.
func Field(x any, name string) *Expr {
	a := lift(x)
	if a.err != nil {
		return failed(a.err)
	}
	if a.kind != kindOperand {
		return failed(fmt.Errorf("lazyexpr: field %q of a computed expression; fields apply to operands", name))
	}
	f, ok := a.dtype.Field(name)
	if !ok {
		return failed(fmt.Errorf("lazyexpr: dtype %s has no field %q: %w", a.dtype, name, tessera.ErrNotFound))
	}
	return &Expr{kind: kindField, args: []*Expr{a}, field: name, shape: a.shape, dtype: f.Type}
}

// Filter keeps the elements of x where mask is true, in C order. The
// result is 1-D with a length known only after evaluation, so its Shape is
// nil until computed.
func Filter(x, mask any) *Expr {
	a, m := lift(x), lift(mask)
	if err := firstErr([]*Expr{a, m}); err != nil {
		return failed(err)
	}
	if err := checkScalar(a); err != nil {
		return failed(err)
	}
	if !m.dtype.Equal(tessera.Bool) {
		return failed(fmt.Errorf("lazyexpr: filter mask has dtype %s, want bool", m.dtype))
	}
	domain, err := broadcastShapes(a.shape, m.shape)
	if err != nil {
		return failed(err)
	}
	return &Expr{kind: kindFilter, args: []*Expr{a, m}, domain: domain, dtype: a.dtype}
}
