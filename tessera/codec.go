package tessera

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CodecID identifies a block compressor inside the chunk header.
type CodecID uint8

// Built-in codec ids. Ids from CodecUserMin up are free for RegisterCodec.
const (
	CodecS2      CodecID = 0
	CodecLZ4     CodecID = 1
	CodecLZ4HC   CodecID = 2
	CodecSnappy  CodecID = 3
	CodecZlib    CodecID = 4
	CodecZstd    CodecID = 5
	CodecBrotli  CodecID = 6
	CodecNoOp    CodecID = 31
	CodecUserMin CodecID = 160
)

// Codec compresses one block at a time.
//
// Compress may return errIncompressible (or any output not shorter than
// src); the block is then stored raw. Decompress receives dst sized to the
// exact raw length and must fill all of it.
type Codec interface {
	// ID returns the id written into chunk headers.
	ID() CodecID

	// Name returns the codec identifier (for example, "zstd" or "lz4").
	Name() string

	// Compress encodes src at level (0-9).
	Compress(dst, src []byte, level int) ([]byte, error)

	// Decompress decodes src into dst.
	Decompress(dst, src []byte) ([]byte, error)
}

// errIncompressible tells the chunk writer to store a block raw.
var errIncompressible = errors.New("tessera: block is incompressible")

var (
	codecMu  sync.RWMutex
	codecReg = map[CodecID]Codec{}
)

func init() {
	for _, c := range []Codec{s2Codec{}, lz4Codec{}, lz4Codec{hc: true}, snappyCodec{}, zlibCodec{}, &zstdCodec{}, brotliCodec{}, noopCodec{}} {
		codecReg[c.ID()] = c
	}
}

// RegisterCodec adds a user codec. Its id must be at least CodecUserMin and
// not yet taken.
func RegisterCodec(c Codec) error {
	if c.ID() < CodecUserMin {
		return fmt.Errorf("tessera: register codec %q: id %d is reserved", c.Name(), c.ID())
	}
	codecMu.Lock()
	defer codecMu.Unlock()
	if _, taken := codecReg[c.ID()]; taken {
		return fmt.Errorf("tessera: register codec %q: id %d: %w", c.Name(), c.ID(), ErrPathExists)
	}
	codecReg[c.ID()] = c
	return nil
}

// LookupCodec returns the codec registered under id.
func LookupCodec(id CodecID) (Codec, error) {
	codecMu.RLock()
	c, ok := codecReg[id]
	codecMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tessera: codec id %d: %w", id, ErrNotFound)
	}
	return c, nil
}

// ParseCodec looks a codec up by name.
func ParseCodec(name string) (CodecID, error) {
	codecMu.RLock()
	defer codecMu.RUnlock()
	for id, c := range codecReg {
		if c.Name() == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("tessera: codec %q: %w", name, ErrNotFound)
}

// Codecs lists registered codec names in id order.
func Codecs() []string {
	codecMu.RLock()
	defer codecMu.RUnlock()
	ids := make([]int, 0, len(codecReg))
	for id := range codecReg {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = codecReg[CodecID(id)].Name()
	}
	return names
}

func (id CodecID) String() string {
	if c, err := LookupCodec(id); err == nil {
		return c.Name()
	}
	return fmt.Sprintf("codec(%d)", uint8(id))
}

// -----------------------------------------------------------------------------
// S2
// -----------------------------------------------------------------------------

type s2Codec struct{}

func (s2Codec) ID() CodecID  { return CodecS2 }
func (s2Codec) Name() string { return "s2" }

func (s2Codec) Compress(dst, src []byte, level int) ([]byte, error) {
	switch {
	case level <= 3:
		return s2.Encode(dst, src), nil
	case level <= 6:
		return s2.EncodeBetter(dst, src), nil
	default:
		return s2.EncodeBest(dst, src), nil
	}
}

func (s2Codec) Decompress(dst, src []byte) ([]byte, error) {
	return s2.Decode(dst, src)
}

// -----------------------------------------------------------------------------
// LZ4 / LZ4HC
// -----------------------------------------------------------------------------

var lz4Levels = [...]lz4.CompressionLevel{
	lz4.Level1, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
	lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

type lz4Codec struct {
	hc bool
}

func (c lz4Codec) ID() CodecID {
	if c.hc {
		return CodecLZ4HC
	}
	return CodecLZ4
}

func (c lz4Codec) Name() string {
	if c.hc {
		return "lz4hc"
	}
	return "lz4"
}

func (c lz4Codec) Compress(dst, src []byte, level int) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(src))
	if cap(dst) < bound {
		dst = make([]byte, bound)
	}
	dst = dst[:bound]
	var (
		n   int
		err error
	)
	if c.hc {
		n, err = lz4.CompressBlockHC(src, dst, lz4Levels[clampLevel(level)], nil, nil)
	} else {
		n, err = lz4.CompressBlock(src, dst, nil)
	}
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func (lz4Codec) Decompress(dst, src []byte) ([]byte, error) {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// -----------------------------------------------------------------------------
// Snappy
// -----------------------------------------------------------------------------

type snappyCodec struct{}

func (snappyCodec) ID() CodecID  { return CodecSnappy }
func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Compress(dst, src []byte, _ int) ([]byte, error) {
	return snappy.Encode(dst, src), nil
}

func (snappyCodec) Decompress(dst, src []byte) ([]byte, error) {
	return snappy.Decode(dst, src)
}

// -----------------------------------------------------------------------------
// Zlib
// -----------------------------------------------------------------------------

type zlibCodec struct{}

func (zlibCodec) ID() CodecID  { return CodecZlib }
func (zlibCodec) Name() string { return "zlib" }

func (zlibCodec) Compress(dst, src []byte, level int) ([]byte, error) {
	buf := bytes.NewBuffer(dst[:0])
	w, err := zlib.NewWriterLevel(buf, max(clampLevel(level), 1))
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (zlibCodec) Decompress(dst, src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer closer(r)()
	n, err := io.ReadFull(r, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// -----------------------------------------------------------------------------
// Zstd
// -----------------------------------------------------------------------------

// zstdCodec shares one encoder per speed tier and one decoder; EncodeAll
// and DecodeAll are safe for concurrent use.
type zstdCodec struct {
	once     [4]sync.Once
	encoders [4]*zstd.Encoder
	encErr   [4]error
	decOnce  sync.Once
	decoder  *zstd.Decoder
	decErr   error
}

func (*zstdCodec) ID() CodecID  { return CodecZstd }
func (*zstdCodec) Name() string { return "zstd" }

func zstdTier(level int) zstd.EncoderLevel {
	switch level = clampLevel(level); {
	case level <= 2:
		return zstd.SpeedFastest
	case level <= 5:
		return zstd.SpeedDefault
	case level <= 7:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func (z *zstdCodec) encoder(level int) (*zstd.Encoder, error) {
	tier := zstdTier(level)
	i := int(tier) - 1
	z.once[i].Do(func() {
		z.encoders[i], z.encErr[i] = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(tier),
			zstd.WithEncoderConcurrency(1))
	})
	return z.encoders[i], z.encErr[i]
}

func (z *zstdCodec) Compress(dst, src []byte, level int) ([]byte, error) {
	enc, err := z.encoder(level)
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(src, dst[:0]), nil
}

func (z *zstdCodec) Decompress(dst, src []byte) ([]byte, error) {
	z.decOnce.Do(func() {
		z.decoder, z.decErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	if z.decErr != nil {
		return nil, z.decErr
	}
	out, err := z.decoder.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, err
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Brotli
// -----------------------------------------------------------------------------

type brotliCodec struct{}

func (brotliCodec) ID() CodecID  { return CodecBrotli }
func (brotliCodec) Name() string { return "brotli" }

func (brotliCodec) Compress(dst, src []byte, level int) ([]byte, error) {
	buf := bytes.NewBuffer(dst[:0])
	w := brotli.NewWriterLevel(buf, clampLevel(level)*brotli.BestCompression/9)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (brotliCodec) Decompress(dst, src []byte) ([]byte, error) {
	n, err := io.ReadFull(brotli.NewReader(bytes.NewReader(src)), dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// -----------------------------------------------------------------------------
// NoOp
// -----------------------------------------------------------------------------

type noopCodec struct{}

func (noopCodec) ID() CodecID  { return CodecNoOp }
func (noopCodec) Name() string { return "noop" }

func (noopCodec) Compress(_, _ []byte, _ int) ([]byte, error) {
	return nil, errIncompressible
}

func (noopCodec) Decompress(dst, src []byte) ([]byte, error) {
	return dst[:copy(dst, src)], nil
}

func clampLevel(level int) int {
	return min(max(level, 0), 9)
}
