// Package shuffle implements the byte-level filters applied to blocks
// before compression: byte shuffle, bit shuffle, delta and precision
// truncation. All transforms work on whole items of typesize bytes; trailing
// bytes that do not form a whole item (or, for bit shuffle, a whole group of
// eight items) pass through unchanged.
package shuffle

import (
	"encoding/binary"
	"fmt"
)

// Shuffle transposes items byte-wise: all first bytes, then all second
// bytes, and so on. dst and src must not overlap and have equal length.
func Shuffle(dst, src []byte, typesize int) {
	if typesize <= 1 {
		copy(dst, src)
		return
	}
	n := len(src) / typesize
	for i := 0; i < n; i++ {
		for j := 0; j < typesize; j++ {
			dst[j*n+i] = src[i*typesize+j]
		}
	}
	copy(dst[n*typesize:], src[n*typesize:])
}

// Unshuffle reverses Shuffle.
func Unshuffle(dst, src []byte, typesize int) {
	if typesize <= 1 {
		copy(dst, src)
		return
	}
	n := len(src) / typesize
	for i := 0; i < n; i++ {
		for j := 0; j < typesize; j++ {
			dst[i*typesize+j] = src[j*n+i]
		}
	}
	copy(dst[n*typesize:], src[n*typesize:])
}

// BitShuffle transposes items bit-wise: plane p holds bit p%8 of byte p/8 of
// every item.
func BitShuffle(dst, src []byte, typesize int) {
	n := len(src) / typesize
	n8 := n - n%8
	row := n8 / 8
	head := n8 * typesize
	clear(dst[:head])
	for i := 0; i < n8; i++ {
		for j := 0; j < typesize; j++ {
			v := src[i*typesize+j]
			for b := 0; b < 8; b++ {
				if v&(1<<b) != 0 {
					dst[(j*8+b)*row+i/8] |= 1 << (i % 8)
				}
			}
		}
	}
	copy(dst[head:], src[head:])
}

// BitUnshuffle reverses BitShuffle.
func BitUnshuffle(dst, src []byte, typesize int) {
	n := len(src) / typesize
	n8 := n - n%8
	row := n8 / 8
	head := n8 * typesize
	clear(dst[:head])
	for p := 0; p < typesize*8; p++ {
		j, b := p/8, p%8
		plane := src[p*row : (p+1)*row]
		for i := 0; i < n8; i++ {
			if plane[i/8]&(1<<(i%8)) != 0 {
				dst[i*typesize+j] |= 1 << b
			}
		}
	}
	copy(dst[head:], src[head:])
}

// DeltaEncode encodes one block in place against ref, the unfiltered bytes
// of the first block of the same chunk: every byte is XORed with the byte at
// the same position in ref. A nil ref marks the first block itself, whose
// items are XORed with the preceding item and whose first item is kept.
func DeltaEncode(buf, ref []byte, typesize int) {
	if ref != nil {
		xorWith(buf, ref)
		return
	}
	end := len(buf) / typesize * typesize
	for i := end - 1; i >= typesize; i-- {
		buf[i] ^= buf[i-typesize]
	}
}

// DeltaDecode reverses DeltaEncode in place. For every block but the first,
// ref must hold the already decoded first block.
func DeltaDecode(buf, ref []byte, typesize int) {
	if ref != nil {
		xorWith(buf, ref)
		return
	}
	end := len(buf) / typesize * typesize
	for i := typesize; i < end; i++ {
		buf[i] ^= buf[i-typesize]
	}
}

func xorWith(buf, ref []byte) {
	for i := range min(len(buf), len(ref)) {
		buf[i] ^= ref[i]
	}
}

// TruncPrec zeroes the low mantissa bits of float32 or float64 items so
// that only keep bits of mantissa remain. It is lossy and has no inverse.
func TruncPrec(buf []byte, typesize, keep int) error {
	switch typesize {
	case 4:
		if keep <= 0 || keep > 23 {
			return fmt.Errorf("shuffle: truncprec: %d bits invalid for float32", keep)
		}
		mask := ^uint32(0) << (23 - keep)
		for i := 0; i+4 <= len(buf); i += 4 {
			v := binary.LittleEndian.Uint32(buf[i:])
			binary.LittleEndian.PutUint32(buf[i:], v&mask)
		}
	case 8:
		if keep <= 0 || keep > 52 {
			return fmt.Errorf("shuffle: truncprec: %d bits invalid for float64", keep)
		}
		mask := ^uint64(0) << (52 - keep)
		for i := 0; i+8 <= len(buf); i += 8 {
			v := binary.LittleEndian.Uint64(buf[i:])
			binary.LittleEndian.PutUint64(buf[i:], v&mask)
		}
	default:
		return fmt.Errorf("shuffle: truncprec: typesize %d is not a float width", typesize)
	}
	return nil
}
