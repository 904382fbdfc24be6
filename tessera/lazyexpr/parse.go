package lazyexpr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/justapithecus/tessera/tessera"
)

// SyntaxError reports a malformed expression string.
type SyntaxError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("lazyexpr: syntax error at %d in %q: %s", e.Pos, e.Expr, e.Msg)
}

type tokKind uint8

const (
	tokEOF tokKind = iota
	tokNum
	tokIdent
	tokStr
	tokSym
)

type token struct {
	kind tokKind
	text string
	num  float64
	pos  int
}

// symbols is ordered longest first so "**" wins over "*".
var symbols = []string{"**", "<=", ">=", "==", "!=", "+", "-", "*", "/", "%", "<", ">", "&", "|", "~", "(", ")", "[", "]", ",", "="}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c >= '0' && c <= '9' || c == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			j := i
			for j < len(src) && (isDigit(src[j]) || src[j] == '.') {
				j++
			}
			if j < len(src) && (src[j] == 'e' || src[j] == 'E') {
				k := j + 1
				if k < len(src) && (src[k] == '+' || src[k] == '-') {
					k++
				}
				if k < len(src) && isDigit(src[k]) {
					j = k
					for j < len(src) && isDigit(src[j]) {
						j++
					}
				}
			}
			v, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, &SyntaxError{Expr: src, Pos: i, Msg: "bad number " + src[i:j]}
			}
			toks = append(toks, token{kind: tokNum, text: src[i:j], num: v, pos: i})
			i = j
		case c == '_' || unicode.IsLetter(c):
			j := i
			for j < len(src) && (src[j] == '_' || isDigit(src[j]) || unicode.IsLetter(rune(src[j]))) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], pos: i})
			i = j
		case c == '\'' || c == '"':
			j := strings.IndexByte(src[i+1:], src[i])
			if j < 0 {
				return nil, &SyntaxError{Expr: src, Pos: i, Msg: "unterminated string"}
			}
			toks = append(toks, token{kind: tokStr, text: src[i+1 : i+1+j], pos: i})
			i += j + 2
		default:
			matched := false
			for _, s := range symbols {
				if strings.HasPrefix(src[i:], s) {
					toks = append(toks, token{kind: tokSym, text: s, pos: i})
					i += len(s)
					matched = true
					break
				}
			}
			if !matched {
				return nil, &SyntaxError{Expr: src, Pos: i, Msg: fmt.Sprintf("unexpected %q", c)}
			}
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// infix maps operator symbols to binary operators.
var infix = func() map[string]opCode {
	m := make(map[string]opCode)
	for code, info := range ops {
		if info.infix && info.binary != nil {
			m[info.name] = code
		}
	}
	return m
}()

const (
	bpUnary   = 60
	bpPostfix = 80
)

// Parse builds an expression from its string form. Names in the string refer
// to entries of operands. Besides the operators, the grammar accepts the
// element-wise functions (sin, sqrt, arctan2 ...), where(c, x, y), the
// reductions (sum, mean ... with an optional axis=n), field access x['f']
// and boolean filters x[mask].
//
// Reductions in the string form stay lazy until the expression is
// evaluated.
func Parse(expression string, operands map[string]tessera.Operand) (*Expr, error) {
	toks, err := lex(expression)
	if err != nil {
		return nil, err
	}
	p := &parser{src: expression, toks: toks, operands: operands, leaves: make(map[string]*Expr)}
	e, err := p.expr(0)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
	if e.err != nil {
		return nil, e.err
	}
	return e, nil
}

type parser struct {
	src      string
	toks     []token
	pos      int
	operands map[string]tessera.Operand
	leaves   map[string]*Expr
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Expr: p.src, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(sym string) error {
	t := p.next()
	if t.kind != tokSym || t.text != sym {
		return p.errorf(t, "expected %q", sym)
	}
	return nil
}

func (p *parser) isSym(sym string) bool {
	t := p.peek()
	return t.kind == tokSym && t.text == sym
}

// lbp is the left binding power of the next token.
func (p *parser) lbp() int {
	t := p.peek()
	if t.kind != tokSym {
		return 0
	}
	if t.text == "[" {
		return bpPostfix
	}
	if code, ok := infix[t.text]; ok {
		return ops[code].bp
	}
	return 0
}

func (p *parser) expr(rbp int) (*Expr, error) {
	left, err := p.nud(p.next())
	if err != nil {
		return nil, err
	}
	for rbp < p.lbp() {
		if left, err = p.led(p.next(), left); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *parser) nud(t token) (*Expr, error) {
	switch t.kind {
	case tokNum:
		if strings.ContainsAny(t.text, ".eE") {
			c := Const(t.num)
			c.dtype = tessera.Float64
			return c, nil
		}
		if v, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return intConst(v, tessera.Int64), nil
		}
		if v, err := strconv.ParseUint(t.text, 10, 64); err == nil {
			return intConst(int64(v), tessera.Uint64), nil
		}
		return Const(t.num), nil
	case tokIdent:
		if p.isSym("(") {
			return p.call(t)
		}
		return p.name(t)
	case tokSym:
		switch t.text {
		case "(":
			e, err := p.expr(0)
			if err != nil {
				return nil, err
			}
			return e, p.expect(")")
		case "-":
			e, err := p.expr(bpUnary)
			if err != nil {
				return nil, err
			}
			if e.kind == kindConst && e.err == nil {
				c := *e
				c.value, c.ivalue = -c.value, -c.ivalue
				return &c, nil
			}
			return Neg(e), nil
		case "+":
			return p.expr(bpUnary)
		case "~":
			e, err := p.expr(bpUnary)
			if err != nil {
				return nil, err
			}
			return Not(e), nil
		}
	case tokEOF:
		return nil, p.errorf(t, "unexpected end of expression")
	}
	return nil, p.errorf(t, "unexpected %q", t.text)
}

func (p *parser) led(t token, left *Expr) (*Expr, error) {
	if t.text == "[" {
		if s := p.peek(); s.kind == tokStr {
			p.next()
			return Field(left, s.text), p.expect("]")
		}
		mask, err := p.expr(0)
		if err != nil {
			return nil, err
		}
		return Filter(left, mask), p.expect("]")
	}
	code := infix[t.text]
	bp := ops[code].bp
	if code == opPow {
		bp-- // right associative
	}
	right, err := p.expr(bp)
	if err != nil {
		return nil, err
	}
	return binary(code, left, right), nil
}

func (p *parser) name(t token) (*Expr, error) {
	switch t.text {
	case "inf":
		return Const(math.Inf(1)), nil
	case "nan":
		return Const(math.NaN()), nil
	case "True", "true":
		return lift(true), nil
	case "False", "false":
		return lift(false), nil
	}
	if e, ok := p.leaves[t.text]; ok {
		return e, nil
	}
	op, ok := p.operands[t.text]
	if !ok {
		return nil, p.errorf(t, "unknown operand %q", t.text)
	}
	e := Operand(op)
	if e.kind == kindOperand {
		e = &Expr{kind: kindOperand, operand: e.operand, shape: e.shape, dtype: e.dtype, name: t.text}
	}
	p.leaves[t.text] = e
	return e, nil
}

// call parses name(args...). Reductions accept a trailing axis=n.
func (p *parser) call(t token) (*Expr, error) {
	p.next() // (
	var args []*Expr
	axis := []int(nil)
	for !p.isSym(")") {
		if len(args) > 0 || axis != nil {
			if err := p.expect(","); err != nil {
				return nil, err
			}
		}
		if k := p.peek(); k.kind == tokIdent && k.text == "axis" && p.toks[p.pos+1].text == "=" {
			p.pos += 2
			n := p.next()
			neg := false
			if n.kind == tokSym && n.text == "-" {
				neg, n = true, p.next()
			}
			if n.kind != tokNum || n.num != math.Trunc(n.num) {
				return nil, p.errorf(n, "axis must be an integer")
			}
			ax := int(n.num)
			if neg {
				ax = -ax
			}
			axis = []int{ax}
			continue
		}
		e, err := p.expr(0)
		if err != nil {
			return nil, err
		}
		args = append(args, e)
	}
	p.next() // )

	if op, ok := reductions[t.text]; ok {
		if len(args) != 1 {
			return nil, p.errorf(t, "%s takes one argument, got %d", t.text, len(args))
		}
		return reduceNode(op, args[0], axis), nil
	}
	if axis != nil {
		return nil, p.errorf(t, "%s takes no axis", t.text)
	}
	if t.text == "where" {
		if len(args) != 3 {
			return nil, p.errorf(t, "where takes three arguments, got %d", len(args))
		}
		return Where(args[0], args[1], args[2]), nil
	}
	code, ok := functions[t.text]
	if !ok {
		return nil, p.errorf(t, "unknown function %q", t.text)
	}
	info := ops[code]
	switch {
	case info.unary != nil && len(args) == 1:
		return unary(code, args[0]), nil
	case info.binary != nil && len(args) == 2:
		return binary(code, args[0], args[1]), nil
	}
	return nil, p.errorf(t, "wrong number of arguments to %s", t.text)
}

// -----------------------------------------------------------------------------
// String form
// -----------------------------------------------------------------------------

// String renders the expression in the form Parse accepts. Unnamed operands
// are called o0, o1 ... in first-use order; Expression returns the binding.
func (e *Expr) String() string {
	s, _ := e.Expression()
	return s
}

// Expression returns the string form and the operands it names.
func (e *Expr) Expression() (string, map[string]tessera.Operand) {
	bound := make(map[string]tessera.Operand)
	used := make(map[string]bool)
	leaves := e.operands()
	for _, l := range leaves {
		if l.name != "" {
			used[l.name] = true
		}
	}
	i := 0
	names := make(map[tessera.Operand]string)
	for _, l := range leaves {
		name := l.name
		if name == "" || bound[name] != nil {
			for {
				name = fmt.Sprintf("o%d", i)
				i++
				if !used[name] {
					break
				}
			}
		}
		used[name] = true
		bound[name] = l.operand
		names[l.operand] = name
	}
	var b strings.Builder
	e.format(&b, names)
	return b.String(), bound
}

func (e *Expr) format(b *strings.Builder, names map[tessera.Operand]string) {
	if e.err != nil {
		b.WriteString("<error>")
		return
	}
	switch e.kind {
	case kindOperand:
		b.WriteString(names[e.operand])
	case kindConst:
		formatConst(b, e)
	case kindUnary:
		info := ops[e.op]
		if info.infix {
			b.WriteString("(" + info.name)
			e.args[0].format(b, names)
			b.WriteString(")")
			return
		}
		b.WriteString(info.name + "(")
		e.args[0].format(b, names)
		b.WriteString(")")
	case kindBinary:
		info := ops[e.op]
		if info.infix {
			b.WriteString("(")
			e.args[0].format(b, names)
			b.WriteString(" " + info.name + " ")
			e.args[1].format(b, names)
			b.WriteString(")")
			return
		}
		formatCall(b, info.name, names, e.args...)
	case kindWhere:
		formatCall(b, "where", names, e.args...)
	case kindField:
		e.args[0].format(b, names)
		b.WriteString("[" + strconv.Quote(e.field) + "]")
	case kindFilter:
		b.WriteString("(")
		e.args[0].format(b, names)
		b.WriteString(")[")
		e.args[1].format(b, names)
		b.WriteString("]")
	case kindReduce:
		b.WriteString(reduceNames[e.red] + "(")
		e.args[0].format(b, names)
		if e.hasAxis {
			b.WriteString(", axis=" + strconv.Itoa(e.axis))
		}
		b.WriteString(")")
	case kindUDF:
		b.WriteString("<udf>")
	}
}

func formatCall(b *strings.Builder, name string, names map[tessera.Operand]string, args ...*Expr) {
	b.WriteString(name + "(")
	for i, a := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		a.format(b, names)
	}
	b.WriteString(")")
}

func formatConst(b *strings.Builder, e *Expr) {
	v := e.value
	var s string
	switch {
	case e.dtype.Equal(tessera.Bool):
		s = "False"
		if v != 0 {
			s = "True"
		}
	case e.dtype.IsUnsigned():
		s = strconv.FormatUint(uint64(e.ivalue), 10)
	case !e.dtype.IsFloat():
		if e.ivalue < 0 {
			b.WriteString("(-" + strconv.FormatUint(uint64(-e.ivalue), 10) + ")")
			return
		}
		s = strconv.FormatInt(e.ivalue, 10)
	case math.IsNaN(v):
		s = "nan"
	case math.IsInf(v, 0):
		s = "inf"
	case e.dtype.IsFloat() && v == math.Trunc(v):
		s = strconv.FormatFloat(math.Abs(v), 'f', 1, 64)
	default:
		s = strconv.FormatFloat(math.Abs(v), 'g', -1, 64)
	}
	if v < 0 {
		s = "(-" + s + ")"
	}
	b.WriteString(s)
}
