package tessera

import (
	"encoding/binary"
	"fmt"
)

// b2ndMetaName is the metalayer that turns an SChunk into an NDArray.
const b2ndMetaName = "b2nd"

const (
	b2ndVersion = 1
	maxDims     = 16
)

// arrayMeta is the content of the b2nd metalayer.
//
// Encoding: u8 version, u8 ndim, u16 dtype length, then per dimension
// i64 shape, i64 chunks, i64 blocks, then the dtype string. The length
// depends only on ndim and dtype, so resizing rewrites it in place.
type arrayMeta struct {
	shape  []int64
	chunks []int64
	blocks []int64
	dtype  DType
}

func (m arrayMeta) encode() []byte {
	ds := m.dtype.String()
	nd := len(m.shape)
	b := make([]byte, 4+24*nd+len(ds))
	b[0] = b2ndVersion
	b[1] = byte(nd)
	binary.LittleEndian.PutUint16(b[2:], uint16(len(ds)))
	for i := 0; i < nd; i++ {
		off := 4 + 24*i
		binary.LittleEndian.PutUint64(b[off:], uint64(m.shape[i]))
		binary.LittleEndian.PutUint64(b[off+8:], uint64(m.chunks[i]))
		binary.LittleEndian.PutUint64(b[off+16:], uint64(m.blocks[i]))
	}
	copy(b[4+24*nd:], ds)
	return b
}

func decodeArrayMeta(b []byte) (arrayMeta, error) {
	if len(b) < 4 || b[0] != b2ndVersion {
		return arrayMeta{}, fmt.Errorf("tessera: b2nd metalayer: bad header: %w", ErrCorrupt)
	}
	nd := int(b[1])
	dl := int(binary.LittleEndian.Uint16(b[2:]))
	if nd > maxDims || len(b) != 4+24*nd+dl {
		return arrayMeta{}, fmt.Errorf("tessera: b2nd metalayer: %d bytes for %d dims: %w", len(b), nd, ErrCorrupt)
	}
	m := arrayMeta{
		shape:  make([]int64, nd),
		chunks: make([]int64, nd),
		blocks: make([]int64, nd),
	}
	for i := 0; i < nd; i++ {
		off := 4 + 24*i
		m.shape[i] = int64(binary.LittleEndian.Uint64(b[off:]))
		m.chunks[i] = int64(binary.LittleEndian.Uint64(b[off+8:]))
		m.blocks[i] = int64(binary.LittleEndian.Uint64(b[off+16:]))
	}
	dt, err := ParseDType(string(b[4+24*nd:]))
	if err != nil {
		return arrayMeta{}, fmt.Errorf("tessera: b2nd metalayer: %w", err)
	}
	m.dtype = dt
	if err := checkGeometry(m.shape, m.chunks, m.blocks); err != nil {
		return arrayMeta{}, fmt.Errorf("tessera: b2nd metalayer: %w", err)
	}
	return m, nil
}

// checkGeometry validates a shape with its chunk and block shapes.
func checkGeometry(shape, chunks, blocks []int64) error {
	if len(shape) > maxDims {
		return fmt.Errorf("tessera: %d dimensions, at most %d", len(shape), maxDims)
	}
	if len(chunks) != len(shape) || len(blocks) != len(shape) {
		return fmt.Errorf("tessera: shape %v with chunks %v and blocks %v: %w", shape, chunks, blocks, ErrSizeMismatch)
	}
	for i := range shape {
		if shape[i] < 0 || chunks[i] < 1 || blocks[i] < 1 || blocks[i] > chunks[i] {
			return fmt.Errorf("tessera: dimension %d: shape %d, chunks %d, blocks %d: %w", i, shape[i], chunks[i], blocks[i], ErrSizeMismatch)
		}
	}
	return nil
}
