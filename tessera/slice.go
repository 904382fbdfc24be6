package tessera

import (
	"fmt"
	"strconv"
	"strings"
)

// Index selects along one dimension: a single position (the dimension is
// dropped from the result) or a half-open range with step 1. Negative
// positions count from the end of the dimension.
type Index struct {
	start, stop int64
	single      bool
	openStart   bool
	openStop    bool
}

// At selects one position and drops the dimension.
func At(i int64) Index { return Index{start: i, single: true} }

// Range selects [start, stop).
func Range(start, stop int64) Index { return Index{start: start, stop: stop} }

// From selects [start, end of dimension).
func From(start int64) Index { return Index{start: start, openStop: true} }

// To selects [0, stop).
func To(stop int64) Index { return Index{stop: stop, openStart: true} }

// All selects the whole dimension.
func All() Index { return Index{openStart: true, openStop: true} }

// String renders the index the way ParseSelection reads it.
func (ix Index) String() string {
	if ix.single {
		return strconv.FormatInt(ix.start, 10)
	}
	var b strings.Builder
	if !ix.openStart {
		b.WriteString(strconv.FormatInt(ix.start, 10))
	}
	b.WriteByte(':')
	if !ix.openStop {
		b.WriteString(strconv.FormatInt(ix.stop, 10))
	}
	return b.String()
}

// FormatSelection renders a selection as comma-separated indices, e.g.
// "0:10, 3, :".
func FormatSelection(sel []Index) string {
	parts := make([]string, len(sel))
	for i, ix := range sel {
		parts[i] = ix.String()
	}
	return strings.Join(parts, ", ")
}

// ParseSelection parses the FormatSelection syntax. Steps other than 1 are
// rejected.
func ParseSelection(s string) ([]Index, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "()" {
		return nil, nil
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	var sel []Index
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		switch len(fields) {
		case 1:
			v, err := strconv.ParseInt(fields[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("tessera: parse selection %q: %w", s, err)
			}
			sel = append(sel, At(v))
		case 2, 3:
			if len(fields) == 3 && strings.TrimSpace(fields[2]) != "" && strings.TrimSpace(fields[2]) != "1" {
				return nil, fmt.Errorf("tessera: parse selection %q: only step 1 is supported", s)
			}
			ix := Index{}
			if f := strings.TrimSpace(fields[0]); f == "" {
				ix.openStart = true
			} else {
				v, err := strconv.ParseInt(f, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("tessera: parse selection %q: %w", s, err)
				}
				ix.start = v
			}
			if f := strings.TrimSpace(fields[1]); f == "" {
				ix.openStop = true
			} else {
				v, err := strconv.ParseInt(f, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("tessera: parse selection %q: %w", s, err)
				}
				ix.stop = v
			}
			sel = append(sel, ix)
		default:
			return nil, fmt.Errorf("tessera: parse selection %q: malformed %q", s, part)
		}
	}
	return sel, nil
}

// Region is a normalized hyper-rectangle [Start, Stop) in array
// coordinates. Drop marks dimensions selected by a single index.
type Region struct {
	Start, Stop []int64
	Drop        []bool
}

// Shape returns the extent of the region, dimensions included.
func (r Region) Shape() []int64 {
	out := make([]int64, len(r.Start))
	for i := range r.Start {
		out[i] = r.Stop[i] - r.Start[i]
	}
	return out
}

// ResultShape returns the region's shape with dropped dimensions removed.
func (r Region) ResultShape() []int64 {
	var out []int64
	for i := range r.Start {
		if !r.Drop[i] {
			out = append(out, r.Stop[i]-r.Start[i])
		}
	}
	if out == nil {
		out = []int64{}
	}
	return out
}

// Selection converts the region back to explicit ranges.
func (r Region) Selection() []Index {
	sel := make([]Index, len(r.Start))
	for i := range r.Start {
		if r.Drop[i] {
			sel[i] = At(r.Start[i])
		} else {
			sel[i] = Range(r.Start[i], r.Stop[i])
		}
	}
	return sel
}

// NormalizeSelection resolves sel against shape. Missing trailing
// dimensions select everything. Out-of-range positions fail with
// ErrOutOfBounds.
func NormalizeSelection(shape []int64, sel []Index) (Region, error) {
	if len(sel) > len(shape) {
		return Region{}, fmt.Errorf("tessera: %d indices for %d dimensions: %w", len(sel), len(shape), ErrOutOfBounds)
	}
	r := Region{
		Start: make([]int64, len(shape)),
		Stop:  make([]int64, len(shape)),
		Drop:  make([]bool, len(shape)),
	}
	for d, n := range shape {
		if d >= len(sel) {
			r.Stop[d] = n
			continue
		}
		ix := sel[d]
		if ix.single {
			i := ix.start
			if i < 0 {
				i += n
			}
			if i < 0 || i >= n {
				return Region{}, fmt.Errorf("tessera: index %d on dimension %d of size %d: %w", ix.start, d, n, ErrOutOfBounds)
			}
			r.Start[d], r.Stop[d], r.Drop[d] = i, i+1, true
			continue
		}
		start, stop := ix.start, ix.stop
		if ix.openStart {
			start = 0
		} else if start < 0 {
			start += n
		}
		if ix.openStop {
			stop = n
		} else if stop < 0 {
			stop += n
		}
		if start < 0 || stop > n || start > stop {
			return Region{}, fmt.Errorf("tessera: range %s on dimension %d of size %d: %w", ix, d, n, ErrOutOfBounds)
		}
		r.Start[d], r.Stop[d] = start, stop
	}
	return r, nil
}

// -----------------------------------------------------------------------------
// Chunk grid
// -----------------------------------------------------------------------------

// Grid is the C-ordered tiling of a shape by a chunk shape. Edge chunks
// extend past the shape.
type Grid struct {
	shape  []int64
	chunks []int64
	dims   []int64
}

// NewGrid tiles shape with chunks.
func NewGrid(shape, chunks []int64) Grid {
	dims := make([]int64, len(shape))
	for i := range shape {
		dims[i] = ceilDiv(shape[i], chunks[i])
	}
	return Grid{shape: shape, chunks: chunks, dims: dims}
}

// Dims returns the number of chunks along each dimension.
func (g Grid) Dims() []int64 { return append([]int64(nil), g.dims...) }

// NChunks returns the total number of chunks.
func (g Grid) NChunks() int64 { return prod(g.dims) }

// Coords returns the grid coordinates of chunk n.
func (g Grid) Coords(n int64) []int64 {
	c := make([]int64, len(g.dims))
	for i := len(g.dims) - 1; i >= 0; i-- {
		c[i] = n % g.dims[i]
		n /= g.dims[i]
	}
	return c
}

// Index returns the linear chunk number for grid coordinates.
func (g Grid) Index(coords []int64) int64 {
	var n int64
	for i, c := range coords {
		n = n*g.dims[i] + c
	}
	return n
}

// Origin returns the array coordinates of chunk n's first element.
func (g Grid) Origin(n int64) []int64 {
	c := g.Coords(n)
	for i := range c {
		c[i] *= g.chunks[i]
	}
	return c
}

// Bounds returns the part of chunk n inside the array shape.
func (g Grid) Bounds(n int64) (start, stop []int64) {
	start = g.Origin(n)
	stop = make([]int64, len(start))
	for i := range start {
		stop[i] = min(start[i]+g.chunks[i], g.shape[i])
	}
	return start, stop
}

// Intersecting lists, in C order, the chunks overlapping [start, stop).
// An empty region intersects nothing.
func (g Grid) Intersecting(start, stop []int64) []int64 {
	lo := make([]int64, len(start))
	hi := make([]int64, len(start))
	for i := range start {
		if stop[i] <= start[i] {
			return nil
		}
		lo[i] = start[i] / g.chunks[i]
		hi[i] = (stop[i]-1)/g.chunks[i] + 1
	}
	var out []int64
	if len(start) == 0 {
		return []int64{0}
	}
	cur := append([]int64(nil), lo...)
	for {
		out = append(out, g.Index(cur))
		d := len(cur) - 1
		for d >= 0 {
			cur[d]++
			if cur[d] < hi[d] {
				break
			}
			cur[d] = lo[d]
			d--
		}
		if d < 0 {
			return out
		}
	}
}

// -----------------------------------------------------------------------------
// Region copy
// -----------------------------------------------------------------------------

// copyRegion copies a hyper-rectangle of count elements from src (C-ordered
// with srcShape) at srcStart into dst (dstShape) at dstStart.
func copyRegion(dst []byte, dstShape, dstStart []int64, src []byte, srcShape, srcStart []int64, count []int64, itemsize int) {
	nd := len(count)
	for _, c := range count {
		if c <= 0 {
			return
		}
	}
	if nd == 0 {
		copy(dst[:itemsize], src[:itemsize])
		return
	}
	dstStrides := strides(dstShape)
	srcStrides := strides(srcShape)
	run := count[nd-1] * int64(itemsize)
	idx := make([]int64, nd-1)
	for {
		var doff, soff int64
		for i := 0; i < nd-1; i++ {
			doff += (dstStart[i] + idx[i]) * dstStrides[i]
			soff += (srcStart[i] + idx[i]) * srcStrides[i]
		}
		doff = (doff + dstStart[nd-1]) * int64(itemsize)
		soff = (soff + srcStart[nd-1]) * int64(itemsize)
		copy(dst[doff:doff+run], src[soff:soff+run])

		d := nd - 2
		for d >= 0 {
			idx[d]++
			if idx[d] < count[d] {
				break
			}
			idx[d] = 0
			d--
		}
		if d < 0 {
			return
		}
	}
}

// strides returns element strides for a C-ordered shape.
func strides(shape []int64) []int64 {
	s := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

func prod(v []int64) int64 {
	p := int64(1)
	for _, x := range v {
		p *= x
	}
	return p
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func sameShape(a, b []int64) bool {
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
