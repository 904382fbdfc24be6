package tessera

// layout maps N-D coordinates onto chunk bytes.
//
// Chunks tile the shape in C order; edge chunks extend past it. Inside a
// chunk the data is stored block by block: the chunk shape is tiled by the
// block shape (again in C order, padded to whole blocks), and each block
// holds prod(blocks) items in C order. A block is one codec block, so a
// selection touching few blocks decodes only those.
type layout struct {
	shape    []int64
	chunks   []int64
	blocks   []int64
	itemsize int
}

func (l layout) grid() Grid      { return NewGrid(l.shape, l.chunks) }
func (l layout) blockGrid() Grid { return NewGrid(l.chunks, l.blocks) }

func (l layout) blockBytes() int { return int(prod(l.blocks)) * l.itemsize }

func (l layout) chunkBytes() int { return int(l.blockGrid().NChunks()) * l.blockBytes() }

// clip intersects [start, stop) with chunk n. lo and hi are chunk-local.
func (l layout) clip(n int64, start, stop []int64) (origin, lo, hi []int64) {
	origin = l.grid().Origin(n)
	lo = make([]int64, len(origin))
	hi = make([]int64, len(origin))
	for d := range origin {
		lo[d] = max(start[d], origin[d]) - origin[d]
		hi[d] = min(stop[d], origin[d]+l.chunks[d]) - origin[d]
	}
	return origin, lo, hi
}

// blockSpan returns the first and last block of chunk n touched by
// [start, stop).
func (l layout) blockSpan(n int64, start, stop []int64) (first, last int64) {
	_, lo, hi := l.clip(n, start, stop)
	ids := l.blockGrid().Intersecting(lo, hi)
	return ids[0], ids[len(ids)-1]
}

// gather copies the part of chunk n inside [start, stop) into dst, a
// C-ordered buffer of shape stop-start. data holds the chunk's blocks from
// firstBlock on.
func (l layout) gather(dst []byte, start, stop []int64, n int64, data []byte, firstBlock int64) {
	origin, lo, hi := l.clip(n, start, stop)
	dstShape := sub(stop, start)
	bg := l.blockGrid()
	bsz := int64(l.blockBytes())
	for _, b := range bg.Intersecting(lo, hi) {
		bo := bg.Origin(b)
		blo, bhi := maxv(lo, bo), minv(hi, addv(bo, l.blocks))
		src := data[(b-firstBlock)*bsz : (b-firstBlock+1)*bsz]
		copyRegion(dst, dstShape, sub(addv(blo, origin), start), src, l.blocks, sub(blo, bo), sub(bhi, blo), l.itemsize)
	}
}

// scatter is the inverse of gather: it writes the part of src (shape
// stop-start) that falls in chunk n into buf, the chunk's full blocked
// content.
func (l layout) scatter(buf []byte, n int64, src []byte, start, stop []int64) {
	origin, lo, hi := l.clip(n, start, stop)
	srcShape := sub(stop, start)
	bg := l.blockGrid()
	bsz := int64(l.blockBytes())
	for _, b := range bg.Intersecting(lo, hi) {
		bo := bg.Origin(b)
		blo, bhi := maxv(lo, bo), minv(hi, addv(bo, l.blocks))
		dst := buf[b*bsz : (b+1)*bsz]
		copyRegion(dst, l.blocks, sub(blo, bo), src, srcShape, sub(addv(blo, origin), start), sub(bhi, blo), l.itemsize)
	}
}

// covers reports whether [start, stop) includes every in-shape element of
// chunk n.
func (l layout) covers(n int64, start, stop []int64) bool {
	cs, ce := l.grid().Bounds(n)
	for d := range cs {
		if start[d] > cs[d] || stop[d] < ce[d] {
			return false
		}
	}
	return true
}

// visit calls fn for every element of chunk n with its array coordinates
// and byte offset in the blocked chunk. Padding elements are skipped unless
// all is set.
func (l layout) visit(n int64, all bool, fn func(coords []int64, off int)) {
	origin := l.grid().Origin(n)
	bg := l.blockGrid()
	nd := len(l.shape)
	per := prod(l.blocks)
	coords := make([]int64, nd)
	local := make([]int64, nd)
	for b := int64(0); b < bg.NChunks(); b++ {
		bo := bg.Origin(b)
		for e := int64(0); e < per; e++ {
			rem := e
			for d := nd - 1; d >= 0; d-- {
				local[d] = rem % l.blocks[d]
				rem /= l.blocks[d]
			}
			inside := true
			for d := 0; d < nd; d++ {
				c := bo[d] + local[d]
				coords[d] = origin[d] + c
				if c >= l.chunks[d] || coords[d] >= l.shape[d] {
					inside = false
				}
			}
			if inside || all {
				fn(coords, int(b*per+e)*l.itemsize)
			}
		}
	}
}

func sub(a, b []int64) []int64 {
	out := make([]int64, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out
}

func addv(a, b []int64) []int64 {
	out := make([]int64, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

func maxv(a, b []int64) []int64 {
	out := make([]int64, len(a))
	for i := range a {
		out[i] = max(a[i], b[i])
	}
	return out
}

func minv(a, b []int64) []int64 {
	out := make([]int64, len(a))
	for i := range a {
		out[i] = min(a[i], b[i])
	}
	return out
}
