package tessera

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/justapithecus/tessera/internal/shuffle"
)

// SpecialKind marks chunks that carry no compressed payload.
type SpecialKind uint8

// Special chunk kinds. Uninit chunks read as zeros and mark data that was
// never written (a proxy cache treats them as "not fetched").
const (
	SpecialNone   SpecialKind = 0
	SpecialZero   SpecialKind = 1
	SpecialNaN    SpecialKind = 2
	SpecialValue  SpecialKind = 3
	SpecialUninit SpecialKind = 4
)

func (k SpecialKind) String() string {
	switch k {
	case SpecialNone:
		return "none"
	case SpecialZero:
		return "zero"
	case SpecialNaN:
		return "nan"
	case SpecialValue:
		return "value"
	case SpecialUninit:
		return "uninit"
	}
	return fmt.Sprintf("special(%d)", uint8(k))
}

// Chunk layout:
//
//	0  version      u8
//	1  flags        u8  (bit 0: special)
//	2  codec        u8
//	3  special kind u8
//	4  typesize     u8
//	5  level        u8
//	8  nbytes       u32
//	12 blocksize    u32
//	16 nblocks      u32
//	20 cbytes       u32 (whole chunk)
//	24 checksum     u64 (xxhash64 of bytes after the header)
//	32 filters      [6]u8
//	38 filters meta [6]u8
//	48 block offsets [nblocks]u32, then blocks
//
// Each block is a u32 length (high bit: stored raw) followed by its payload.
const (
	chunkVersion    = 1
	chunkHeaderSize = 48
	flagSpecial     = 1 << 0
	rawBlockFlag    = 1 << 31
	maxChunkBytes   = math.MaxInt32
)

// ChunkMeta describes a chunk without decompressing it.
type ChunkMeta struct {
	NBytes    int
	CBytes    int
	TypeSize  int
	BlockSize int
	NBlocks   int
	Codec     CodecID
	Special   SpecialKind
	Filters   []Filter
}

type chunkHeader struct {
	ChunkMeta
	level       int
	filtersMeta [MaxFilters]uint8
}

// CompressChunk compresses src into one self-describing chunk.
func CompressChunk(src []byte, cp CParams) ([]byte, error) {
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	if len(src) > maxChunkBytes {
		return nil, fmt.Errorf("tessera: chunk of %d bytes exceeds limit: %w", len(src), ErrSizeMismatch)
	}
	codec, err := LookupCodec(cp.Codec)
	if err != nil {
		return nil, err
	}
	bs := cp.BlockSize
	if bs == 0 {
		bs = autoBlockSize(len(src), cp.TypeSize, cp.Level)
	}
	nblocks := 0
	if len(src) > 0 {
		nblocks = (len(src) + bs - 1) / bs
	}

	out := make([]byte, chunkHeaderSize+4*nblocks, chunkHeaderSize+4*nblocks+len(src)/2)
	scratch := make([]byte, min(bs, len(src)))
	scratch2 := make([]byte, len(scratch))
	for i := 0; i < nblocks; i++ {
		block := src[i*bs : min((i+1)*bs, len(src))]
		binary.LittleEndian.PutUint32(out[chunkHeaderSize+4*i:], uint32(len(out)))

		var ref []byte
		if i > 0 {
			ref = src[:bs]
		}
		filtered, err := applyFilters(scratch[:len(block)], scratch2[:len(block)], block, ref, cp)
		if err != nil {
			return nil, err
		}
		packed, err := codec.Compress(nil, filtered, cp.Level)
		if err != nil && err != errIncompressible {
			return nil, fmt.Errorf("tessera: %s compress block %d: %w", codec.Name(), i, err)
		}
		if err == errIncompressible || len(packed) >= len(block) {
			out = binary.LittleEndian.AppendUint32(out, uint32(len(block))|rawBlockFlag)
			out = append(out, block...)
			continue
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(len(packed)))
		out = append(out, packed...)
	}

	h := chunkHeader{ChunkMeta: ChunkMeta{
		NBytes:    len(src),
		CBytes:    len(out),
		TypeSize:  cp.TypeSize,
		BlockSize: bs,
		NBlocks:   nblocks,
		Codec:     cp.Codec,
		Filters:   cp.Filters,
	}, level: cp.Level}
	for i := range cp.Filters {
		h.filtersMeta[i] = cp.filterMeta(i)
	}
	if len(out) > maxChunkBytes {
		return nil, fmt.Errorf("tessera: compressed chunk of %d bytes exceeds limit: %w", len(out), ErrSizeMismatch)
	}
	putChunkHeader(out, h)
	return out, nil
}

// MaxChunkSize bounds the encoded size of a chunk holding nbytes when
// compressed with blocksize, 0 standing for the automatic choice. Every
// block costs at most its raw bytes plus two length words.
func MaxChunkSize(nbytes, blocksize int) int64 {
	if blocksize <= 0 {
		blocksize = minBlockSize
	}
	nblocks := (int64(nbytes) + int64(blocksize) - 1) / int64(blocksize)
	return chunkHeaderSize + int64(nbytes) + 8*nblocks + 8
}

// NewSpecialChunk builds a payload-free chunk of nbytes. value holds one
// item for SpecialValue and is ignored otherwise.
func NewSpecialChunk(kind SpecialKind, nbytes, typesize int, value []byte) ([]byte, error) {
	if typesize < 1 || typesize > 255 {
		return nil, fmt.Errorf("tessera: typesize %d outside 1-255", typesize)
	}
	if nbytes < 0 || nbytes > maxChunkBytes || nbytes%typesize != 0 {
		return nil, fmt.Errorf("tessera: special chunk of %d bytes for typesize %d: %w", nbytes, typesize, ErrSizeMismatch)
	}
	var payload []byte
	switch kind {
	case SpecialZero, SpecialUninit:
	case SpecialNaN:
		if typesize != 4 && typesize != 8 {
			return nil, fmt.Errorf("tessera: nan chunk needs typesize 4 or 8, got %d", typesize)
		}
	case SpecialValue:
		if len(value) != typesize {
			return nil, fmt.Errorf("tessera: value of %d bytes for typesize %d: %w", len(value), typesize, ErrSizeMismatch)
		}
		payload = value
	default:
		return nil, fmt.Errorf("tessera: special kind %s cannot be built", kind)
	}
	out := make([]byte, chunkHeaderSize+len(payload))
	copy(out[chunkHeaderSize:], payload)
	putChunkHeader(out, chunkHeader{ChunkMeta: ChunkMeta{
		NBytes:   nbytes,
		CBytes:   len(out),
		TypeSize: typesize,
		Codec:    CodecNoOp,
		Special:  kind,
	}})
	return out, nil
}

// ChunkInfo reads a chunk's header and verifies its checksum.
func ChunkInfo(chunk []byte) (ChunkMeta, error) {
	h, err := parseChunk(chunk)
	if err != nil {
		return ChunkMeta{}, err
	}
	return h.ChunkMeta, nil
}

// DecompressChunk decompresses chunk into dst and returns the number of
// bytes written. dst must hold at least the chunk's nbytes.
func DecompressChunk(chunk, dst []byte) (int, error) {
	h, err := parseChunk(chunk)
	if err != nil {
		return 0, err
	}
	if len(dst) < h.NBytes {
		return 0, fmt.Errorf("tessera: %d byte buffer for %d byte chunk: %w", len(dst), h.NBytes, ErrBufferTooSmall)
	}
	if h.Special != SpecialNone {
		if err := h.fillSpecial(chunk, dst[:h.NBytes]); err != nil {
			return 0, err
		}
		return h.NBytes, nil
	}
	for i := 0; i < h.NBlocks; i++ {
		var ref []byte
		if i > 0 {
			ref = dst[:h.BlockSize]
		}
		if err := h.decodeBlock(chunk, i, dst[i*h.BlockSize:min((i+1)*h.BlockSize, h.NBytes)], ref); err != nil {
			return 0, err
		}
	}
	return h.NBytes, nil
}

// DecompressRange returns bytes [start, stop) of the chunk's uncompressed
// content, decoding only the blocks that cover them.
func DecompressRange(chunk []byte, start, stop int) ([]byte, error) {
	h, err := parseChunk(chunk)
	if err != nil {
		return nil, err
	}
	if start < 0 || stop > h.NBytes || start > stop {
		return nil, fmt.Errorf("tessera: range [%d, %d) of %d byte chunk: %w", start, stop, h.NBytes, ErrOutOfBounds)
	}
	out := make([]byte, stop-start)
	if start == stop {
		return out, nil
	}
	if h.Special != SpecialNone {
		full := make([]byte, h.NBytes)
		if err := h.fillSpecial(chunk, full); err != nil {
			return nil, err
		}
		copy(out, full[start:stop])
		return out, nil
	}
	first, last := start/h.BlockSize, (stop-1)/h.BlockSize
	var ref []byte
	if h.hasDelta() && last > 0 {
		ref = make([]byte, h.BlockSize)
		if err := h.decodeBlock(chunk, 0, ref, nil); err != nil {
			return nil, err
		}
	}
	block := make([]byte, h.BlockSize)
	for i := first; i <= last; i++ {
		lo := i * h.BlockSize
		hi := min(lo+h.BlockSize, h.NBytes)
		var blockRef []byte
		if i > 0 {
			blockRef = ref
		}
		if err := h.decodeBlock(chunk, i, block[:hi-lo], blockRef); err != nil {
			return nil, err
		}
		a, b := max(lo, start), min(hi, stop)
		copy(out[a-start:], block[a-lo:b-lo])
	}
	return out, nil
}

func putChunkHeader(out []byte, h chunkHeader) {
	out[0] = chunkVersion
	if h.Special != SpecialNone {
		out[1] = flagSpecial
	}
	out[2] = byte(h.Codec)
	out[3] = byte(h.Special)
	out[4] = byte(h.TypeSize)
	out[5] = byte(h.level)
	binary.LittleEndian.PutUint32(out[8:], uint32(h.NBytes))
	binary.LittleEndian.PutUint32(out[12:], uint32(h.BlockSize))
	binary.LittleEndian.PutUint32(out[16:], uint32(h.NBlocks))
	binary.LittleEndian.PutUint32(out[20:], uint32(h.CBytes))
	for i, f := range h.Filters {
		out[32+i] = byte(f)
	}
	copy(out[38:44], h.filtersMeta[:])
	binary.LittleEndian.PutUint64(out[24:], xxhash.Sum64(out[chunkHeaderSize:]))
}

func parseChunk(chunk []byte) (chunkHeader, error) {
	if len(chunk) < chunkHeaderSize {
		return chunkHeader{}, fmt.Errorf("tessera: chunk of %d bytes: %w", len(chunk), ErrCorrupt)
	}
	if chunk[0] != chunkVersion {
		return chunkHeader{}, fmt.Errorf("tessera: chunk version %d: %w", chunk[0], ErrCorrupt)
	}
	h := chunkHeader{ChunkMeta: ChunkMeta{
		Codec:     CodecID(chunk[2]),
		Special:   SpecialKind(chunk[3]),
		TypeSize:  int(chunk[4]),
		NBytes:    int(binary.LittleEndian.Uint32(chunk[8:])),
		BlockSize: int(binary.LittleEndian.Uint32(chunk[12:])),
		NBlocks:   int(binary.LittleEndian.Uint32(chunk[16:])),
		CBytes:    int(binary.LittleEndian.Uint32(chunk[20:])),
	}, level: int(chunk[5])}
	copy(h.filtersMeta[:], chunk[38:44])
	for _, f := range chunk[32:38] {
		if Filter(f) != NoFilter {
			h.Filters = append(h.Filters, Filter(f))
		}
	}

	if h.CBytes != len(chunk) {
		return chunkHeader{}, fmt.Errorf("tessera: chunk header says %d bytes, got %d: %w", h.CBytes, len(chunk), ErrCorrupt)
	}
	if xxhash.Sum64(chunk[chunkHeaderSize:]) != binary.LittleEndian.Uint64(chunk[24:]) {
		return chunkHeader{}, fmt.Errorf("tessera: chunk checksum mismatch: %w", ErrCorrupt)
	}
	if h.TypeSize == 0 {
		return chunkHeader{}, fmt.Errorf("tessera: chunk typesize 0: %w", ErrCorrupt)
	}
	if (chunk[1]&flagSpecial != 0) != (h.Special != SpecialNone) {
		return chunkHeader{}, fmt.Errorf("tessera: chunk special flag disagrees with kind: %w", ErrCorrupt)
	}
	if h.Special != SpecialNone {
		return h, nil
	}
	if h.BlockSize <= 0 && h.NBlocks > 0 {
		return chunkHeader{}, fmt.Errorf("tessera: chunk blocksize 0: %w", ErrCorrupt)
	}
	if h.NBlocks*h.BlockSize < h.NBytes || (h.NBlocks > 0 && (h.NBlocks-1)*h.BlockSize >= h.NBytes) {
		return chunkHeader{}, fmt.Errorf("tessera: %d blocks of %d bytes for %d bytes: %w", h.NBlocks, h.BlockSize, h.NBytes, ErrCorrupt)
	}
	if chunkHeaderSize+4*h.NBlocks > len(chunk) {
		return chunkHeader{}, fmt.Errorf("tessera: block table truncated: %w", ErrCorrupt)
	}
	return h, nil
}

func (h chunkHeader) fillSpecial(chunk, dst []byte) error {
	switch h.Special {
	case SpecialNone:
		return nil
	case SpecialZero, SpecialUninit:
		clear(dst)
	case SpecialNaN:
		switch h.TypeSize {
		case 4:
			for i := 0; i+4 <= len(dst); i += 4 {
				binary.LittleEndian.PutUint32(dst[i:], math.Float32bits(float32(math.NaN())))
			}
		case 8:
			for i := 0; i+8 <= len(dst); i += 8 {
				binary.LittleEndian.PutUint64(dst[i:], math.Float64bits(math.NaN()))
			}
		default:
			return fmt.Errorf("tessera: nan chunk with typesize %d: %w", h.TypeSize, ErrCorrupt)
		}
	case SpecialValue:
		value := chunk[chunkHeaderSize:]
		if len(value) != h.TypeSize {
			return fmt.Errorf("tessera: value chunk payload of %d bytes: %w", len(value), ErrCorrupt)
		}
		for i := 0; i+h.TypeSize <= len(dst); i += h.TypeSize {
			copy(dst[i:], value)
		}
	default:
		return fmt.Errorf("tessera: unknown special kind %d: %w", h.Special, ErrCorrupt)
	}
	return nil
}

// decodeBlock decodes block i into dst, which has the block's exact length.
// ref holds the decoded first block when i > 0 and a delta filter needs it.
func (h chunkHeader) decodeBlock(chunk []byte, i int, dst, ref []byte) error {
	off := int(binary.LittleEndian.Uint32(chunk[chunkHeaderSize+4*i:]))
	if off < chunkHeaderSize+4*h.NBlocks || off+4 > len(chunk) {
		return fmt.Errorf("tessera: block %d offset %d: %w", i, off, ErrCorrupt)
	}
	word := binary.LittleEndian.Uint32(chunk[off:])
	n := int(word &^ rawBlockFlag)
	payload := chunk[off+4:]
	if n > len(payload) {
		return fmt.Errorf("tessera: block %d length %d: %w", i, n, ErrCorrupt)
	}
	payload = payload[:n]

	if word&rawBlockFlag != 0 {
		if n != len(dst) {
			return fmt.Errorf("tessera: raw block %d holds %d bytes, want %d: %w", i, n, len(dst), ErrCorrupt)
		}
		copy(dst, payload)
		return nil
	}
	codec, err := LookupCodec(h.Codec)
	if err != nil {
		return fmt.Errorf("tessera: block %d: %w: %w", i, ErrCorrupt, err)
	}
	target := dst
	if len(h.Filters) > 0 {
		target = make([]byte, len(dst))
	}
	out, err := codec.Decompress(target, payload)
	if err != nil {
		return fmt.Errorf("tessera: %s block %d: %w: %v", codec.Name(), i, ErrCorrupt, err)
	}
	if len(out) != len(dst) {
		return fmt.Errorf("tessera: %s block %d decoded %d bytes, want %d: %w", codec.Name(), i, len(out), len(dst), ErrCorrupt)
	}
	if len(h.Filters) == 0 {
		if &out[0] != &dst[0] {
			copy(dst, out)
		}
		return nil
	}
	return h.reverseFilters(dst, out, ref)
}

func (h chunkHeader) hasDelta() bool {
	for _, f := range h.Filters {
		if f == Delta {
			return true
		}
	}
	return false
}

// applyFilters runs the forward pipeline over block using the two scratch
// buffers and returns the filtered bytes (block itself when no filter
// changes it). ref is the unfiltered first block of the chunk, nil for the
// first block itself.
func applyFilters(a, b, block, ref []byte, cp CParams) ([]byte, error) {
	cur := block
	for i, f := range cp.Filters {
		switch f {
		case NoFilter:
		case Shuffle:
			dst := pick(a, b, cur)
			shuffle.Shuffle(dst, cur, cp.TypeSize)
			cur = dst
		case BitShuffle:
			dst := pick(a, b, cur)
			shuffle.BitShuffle(dst, cur, cp.TypeSize)
			cur = dst
		case Delta:
			dst := pick(a, b, cur)
			copy(dst, cur)
			shuffle.DeltaEncode(dst, ref, cp.TypeSize)
			cur = dst
		case TruncPrec:
			dst := pick(a, b, cur)
			copy(dst, cur)
			if err := shuffle.TruncPrec(dst, cp.TypeSize, int(cp.filterMeta(i))); err != nil {
				return nil, fmt.Errorf("tessera: %w", err)
			}
			cur = dst
		default:
			return nil, fmt.Errorf("tessera: filter %d: %w", f, ErrNotFound)
		}
	}
	return cur, nil
}

// pick returns whichever scratch buffer is not cur.
func pick(a, b, cur []byte) []byte {
	if len(cur) > 0 && len(a) > 0 && &cur[0] == &a[0] {
		return b
	}
	return a
}

func (h chunkHeader) reverseFilters(dst, src, ref []byte) error {
	cur := src
	other := make([]byte, len(src))
	for i := len(h.Filters) - 1; i >= 0; i-- {
		switch h.Filters[i] {
		case Shuffle:
			shuffle.Unshuffle(other, cur, h.TypeSize)
			cur, other = other, cur
		case BitShuffle:
			shuffle.BitUnshuffle(other, cur, h.TypeSize)
			cur, other = other, cur
		case Delta:
			shuffle.DeltaDecode(cur, ref, h.TypeSize)
		case TruncPrec, NoFilter:
		default:
			return fmt.Errorf("tessera: filter %d: %w", h.Filters[i], ErrCorrupt)
		}
	}
	copy(dst, cur)
	return nil
}
