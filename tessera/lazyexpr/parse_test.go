package lazyexpr

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/justapithecus/tessera/tessera"
)

func TestParse_Precedence(t *testing.T) {
	ctx := t.Context()
	x := tessera.FromFloat64s([]float64{1, 2, 3}, 3)
	y := tessera.FromFloat64s([]float64{4, 5, 6}, 3)
	ops := map[string]tessera.Operand{"x": x, "y": y}

	tests := []struct {
		expr string
		want []float64
	}{
		{"x + y * 2", []float64{9, 12, 15}},
		{"(x + y) * 2", []float64{10, 14, 18}},
		{"x * 0 + 2 ** 3 ** 2", []float64{512, 512, 512}},
		{"-x ** 2", []float64{-1, -4, -9}},
		{"y - x - 1", []float64{2, 2, 2}},
		{"y / x", []float64{4, 2.5, 2}},
		{"-7 % x", []float64{0, 1, 2}},
		{"x < 2 | y > 5", []float64{1, 0, 1}},
		{"~(x == 2) & (y != 4)", []float64{0, 0, 1}},
		{"where(x > 1, y, -y)", []float64{-4, 5, 6}},
		{"arctan2(0, x) + abs(-x)", []float64{1, 2, 3}},
		{"sqrt(x * x) + 1e1", []float64{11, 12, 13}},
		{"max(x) + min(y) + 0 * x", []float64{7, 7, 7}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			e, err := Parse(tt.expr, ops)
			require.NoError(t, err)
			got, err := e.GetSlice(ctx)
			require.NoError(t, err)
			require.InDeltaSlice(t, tt.want, got.Float64s(), 1e-12)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	ops := map[string]tessera.Operand{"x": tessera.FromFloat64s([]float64{1, 2}, 2)}
	tests := []string{
		"x +",
		"x + z",
		"(x",
		"x $ 2",
		"sum(x, axis=1.5)",
		"sin(x, x)",
		"nosuch(x)",
		"x y",
		"where(x, x)",
		"x['name",
	}
	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src, ops)
			require.Error(t, err)
			var se *SyntaxError
			require.True(t, errors.As(err, &se), "got %T: %v", err, err)
		})
	}

	_, err := Parse("x + sum(x, axis=3)", ops)
	require.ErrorIs(t, err, tessera.ErrOutOfBounds)
}

func TestParse_FieldAndFilter(t *testing.T) {
	ctx := t.Context()
	dt, err := tessera.Struct([]string{"a", "b"}, []tessera.DType{tessera.Float64, tessera.Float64})
	require.NoError(t, err)
	rec := tessera.NewDense(dt, 4)
	for i := int64(0); i < 4; i++ {
		copy(rec.Bytes()[16*i:], tessera.ScalarOf(tessera.Float64, float64(i)).Bytes())
		copy(rec.Bytes()[16*i+8:], tessera.ScalarOf(tessera.Float64, float64(10*i)).Bytes())
	}
	ops := map[string]tessera.Operand{"r": rec}

	e, err := Parse("r['a'] + r[\"b\"]", ops)
	require.NoError(t, err)
	got, err := e.GetSlice(ctx)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 11, 22, 33}, got.Float64s())

	f, err := Parse("r['b'][r['a'] > 1]", ops)
	require.NoError(t, err)
	require.Nil(t, f.Shape())
	got, err = f.GetSlice(ctx)
	require.NoError(t, err)
	require.Equal(t, []float64{20, 30}, got.Float64s())

	s, err := Parse("sum(r['b'][r['a'] > 1])", ops)
	require.NoError(t, err)
	got, err = s.GetSlice(ctx)
	require.NoError(t, err)
	require.Equal(t, 50.0, got.Item())
}

func TestString_RoundTrips(t *testing.T) {
	ctx := t.Context()
	a := tessera.FromFloat64s([]float64{-2, -1, 0, 1, 2, 3}, 2, 3)
	b := tessera.FromFloat64s([]float64{0.5, 1.5, 2.5}, 3)

	exprs := []*Expr{
		Add(Mul(a, -1.5), b),
		Where(Greater(a, 0), Sqrt(a), Neg(b)),
		Sub(Pow(a, 2), Mod(b, 2)),
		And(Not(Less(a, b)), NotEqual(a, 0)),
		Add(Arctan2(a, b), math.Inf(1)),
		Add(reduceNode(redMean, a, []int{1}), 3),
	}
	for _, e := range exprs {
		require.NoError(t, e.Err())
		src, bound := e.Expression()
		t.Run(src, func(t *testing.T) {
			back, err := Parse(src, bound)
			require.NoError(t, err)
			require.Equal(t, src, back.String())
			require.Equal(t, e.Shape(), back.Shape())
			require.Equal(t, e.DType(), back.DType())

			want, err := e.GetSlice(ctx)
			require.NoError(t, err)
			got, err := back.GetSlice(ctx)
			require.NoError(t, err)
			require.Equal(t, want.Float64s(), got.Float64s())
		})
	}
}

func TestExpression_NamesOperands(t *testing.T) {
	a := tessera.FromFloat64s([]float64{1}, 1)
	b := tessera.FromFloat64s([]float64{2}, 1)

	src, bound := Add(Mul(a, b), a).Expression()
	require.Equal(t, "((o0 * o1) + o0)", src)
	require.Len(t, bound, 2)

	p, err := Parse("o0 + x * x", map[string]tessera.Operand{"x": a, "o0": b})
	require.NoError(t, err)
	src, bound = Add(p, tessera.Scalar(1)).Expression()
	require.Equal(t, "((o0 + (x * x)) + o1)", src)
	require.Len(t, bound, 3)
}
