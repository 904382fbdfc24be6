package tessera

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseSelection(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0:10, 3, :", "0:10, 3, :"},
		{"(1:, :-2)", "1:, :-2"},
		{"::1", ":"},
		{"", ""},
	}
	for _, tt := range tests {
		sel, err := ParseSelection(tt.in)
		if err != nil {
			t.Fatalf("ParseSelection(%q): %v", tt.in, err)
		}
		if got := FormatSelection(sel); got != tt.want {
			t.Errorf("ParseSelection(%q) formats as %q, want %q", tt.in, got, tt.want)
		}
	}
	for _, bad := range []string{"0:10:2", "a", "1:2:3:4"} {
		if _, err := ParseSelection(bad); err == nil {
			t.Errorf("ParseSelection(%q) should fail", bad)
		}
	}
}

func TestNormalizeSelection(t *testing.T) {
	r, err := NormalizeSelection([]int64{10, 20, 30}, []Index{At(-1), Range(-5, -1)})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r.Start, []int64{9, 15, 0}) || !reflect.DeepEqual(r.Stop, []int64{10, 19, 30}) {
		t.Errorf("region [%v, %v)", r.Start, r.Stop)
	}
	if !reflect.DeepEqual(r.ResultShape(), []int64{4, 30}) {
		t.Errorf("ResultShape = %v", r.ResultShape())
	}
	if _, err := NormalizeSelection([]int64{10}, []Index{At(10)}); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds, got: %v", err)
	}
	if _, err := NormalizeSelection([]int64{10}, []Index{Range(4, 2)}); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("reversed range: expected ErrOutOfBounds, got: %v", err)
	}
}

func TestGrid(t *testing.T) {
	g := NewGrid([]int64{10, 7}, []int64{4, 3})
	if !reflect.DeepEqual(g.Dims(), []int64{3, 3}) || g.NChunks() != 9 {
		t.Fatalf("dims %v nchunks %d", g.Dims(), g.NChunks())
	}
	if c := g.Coords(5); !reflect.DeepEqual(c, []int64{1, 2}) || g.Index(c) != 5 {
		t.Errorf("Coords(5) = %v", c)
	}
	start, stop := g.Bounds(8)
	if !reflect.DeepEqual(start, []int64{8, 6}) || !reflect.DeepEqual(stop, []int64{10, 7}) {
		t.Errorf("Bounds(8) = %v, %v", start, stop)
	}
	if got := g.Intersecting([]int64{3, 2}, []int64{5, 4}); !reflect.DeepEqual(got, []int64{0, 1, 3, 4}) {
		t.Errorf("Intersecting = %v", got)
	}
	if got := g.Intersecting([]int64{3, 2}, []int64{3, 4}); got != nil {
		t.Errorf("empty region intersects %v", got)
	}
	if got := NewGrid(nil, nil).Intersecting(nil, nil); !reflect.DeepEqual(got, []int64{0}) {
		t.Errorf("rank-0 Intersecting = %v", got)
	}
}
