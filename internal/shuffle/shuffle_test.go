package shuffle

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func sample(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/3)
	}
	return b
}

func TestShuffle_RoundTrip(t *testing.T) {
	for _, ts := range []int{1, 2, 4, 8, 3} {
		for _, n := range []int{0, 7, 64, 101} {
			src := sample(n)
			mid := make([]byte, n)
			out := make([]byte, n)
			Shuffle(mid, src, ts)
			Unshuffle(out, mid, ts)
			if !bytes.Equal(out, src) {
				t.Fatalf("typesize %d len %d: round trip mismatch", ts, n)
			}
		}
	}
}

func TestShuffle_GroupsBytes(t *testing.T) {
	src := []byte{1, 2, 3, 4, 5, 6}
	dst := make([]byte, 6)
	Shuffle(dst, src, 2)
	want := []byte{1, 3, 5, 2, 4, 6}
	if !bytes.Equal(dst, want) {
		t.Errorf("Shuffle = %v, want %v", dst, want)
	}
}

func TestBitShuffle_RoundTrip(t *testing.T) {
	for _, ts := range []int{1, 2, 4, 8} {
		for _, n := range []int{8 * ts, 13 * ts, 64*ts + 3} {
			src := sample(n)
			mid := make([]byte, n)
			out := make([]byte, n)
			BitShuffle(mid, src, ts)
			BitUnshuffle(out, mid, ts)
			if !bytes.Equal(out, src) {
				t.Fatalf("typesize %d len %d: round trip mismatch", ts, n)
			}
		}
	}
}

func TestDelta_RoundTrip(t *testing.T) {
	src := sample(80)
	buf := bytes.Clone(src)
	DeltaEncode(buf, nil, 4)
	if bytes.Equal(buf, src) {
		t.Fatal("DeltaEncode left data unchanged")
	}
	DeltaDecode(buf, nil, 4)
	if !bytes.Equal(buf, src) {
		t.Error("delta round trip mismatch")
	}
}

func TestDelta_AgainstFirstBlock(t *testing.T) {
	ref := sample(64)
	block := bytes.Clone(ref)
	block[5] ^= 0xff

	DeltaEncode(block, ref, 4)
	want := make([]byte, 64)
	want[5] = 0xff
	if !bytes.Equal(block, want) {
		t.Errorf("block equal to the reference but one byte should encode to that byte's flip, got %v", block)
	}
	DeltaDecode(block, ref, 4)
	if block[5] != ref[5]^0xff || !bytes.Equal(block[:5], ref[:5]) || !bytes.Equal(block[6:], ref[6:]) {
		t.Error("delta against reference round trip mismatch")
	}

	// A short final block only uses the head of the reference.
	tail := sample(10)
	DeltaEncode(tail, ref, 4)
	DeltaDecode(tail, ref, 4)
	if !bytes.Equal(tail, sample(10)) {
		t.Error("short block round trip mismatch")
	}
}

func TestTruncPrec_Float64(t *testing.T) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(math.Pi))
	if err := TruncPrec(buf, 8, 10); err != nil {
		t.Fatal(err)
	}
	got := math.Float64frombits(binary.LittleEndian.Uint64(buf))
	if got == math.Pi || math.Abs(got-math.Pi) > 1e-2 {
		t.Errorf("truncated pi = %v", got)
	}
}

func TestTruncPrec_InvalidWidth(t *testing.T) {
	if err := TruncPrec(make([]byte, 6), 2, 4); err == nil {
		t.Error("expected error for typesize 2")
	}
	if err := TruncPrec(make([]byte, 8), 4, 30); err == nil {
		t.Error("expected error for 30 bits on float32")
	}
}
