package tessera

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// Contiguous frame: a fixed prefix (magic, u16 version, u16 reserved, u64
// header offset, u32 header length), chunk payloads, then the JSON header.
// Chunk offsets are absolute. A frame may carry unreferenced bytes between
// the prefix and its header: payloads of replaced chunks and superseded
// headers, left behind by tail appends until the next full rewrite.
//
// Sparse layout: one blob per chunk under <path>/chunks/ plus numbered index
// manifests under <path>/index/; the highest number wins.
const (
	frameMagic      = "TSRA"
	frameVersion    = 1
	framePrefixSize = 20

	frameSchema = "tessera-frame"
	indexSchema = "tessera-index"

	chunksDir = "chunks"
	indexDir  = "index"
)

// ErrManifestInvalid indicates a frame header or index manifest that fails
// validation.
var ErrManifestInvalid = errors.New("invalid manifest")

// frameHeader is the persisted description of an SChunk. The same shape
// serves as the contiguous frame header and as the sparse index manifest.
type frameHeader struct {
	SchemaName    string       `json:"schema_name"`
	FormatVersion int          `json:"format_version"`
	CreatedAt     time.Time    `json:"created_at"`
	Sequence      int64        `json:"sequence,omitempty"`
	ChunkSize     int          `json:"chunksize"`
	TypeSize      int          `json:"typesize"`
	NBytes        int64        `json:"nbytes"`
	CParams       CParams      `json:"cparams"`
	Meta          []metaEntry  `json:"meta"`
	VLMeta        []byte       `json:"vlmeta"`
	Chunks        []chunkEntry `json:"chunks"`
}

// chunkEntry locates one chunk: inline (special chunks), at an offset in
// the frame payload, or in a sparse blob.
type chunkEntry struct {
	NBytes  int         `json:"nbytes"`
	CBytes  int         `json:"cbytes"`
	Special SpecialKind `json:"special,omitempty"`
	Inline  []byte      `json:"inline,omitempty"`
	Offset  int64       `json:"offset,omitempty"`
	Blob    string      `json:"blob,omitempty"`
}

// manifestValidationError provides details about frame header and manifest
// validation failures.
type manifestValidationError struct {
	Field   string
	Message string
}

func (e *manifestValidationError) Error() string {
	return fmt.Sprintf("invalid manifest: %s: %s", e.Field, e.Message)
}

func (e *manifestValidationError) Unwrap() error {
	return ErrManifestInvalid
}

// validateFrameHeader checks h; frame payloads must lie between the prefix
// and payloadEnd.
func validateFrameHeader(h *frameHeader, payloadEnd int64) error {
	if h == nil {
		return &manifestValidationError{Field: "manifest", Message: "is nil"}
	}
	if h.SchemaName != frameSchema && h.SchemaName != indexSchema {
		return &manifestValidationError{Field: "schema_name", Message: fmt.Sprintf("unknown schema %q", h.SchemaName)}
	}
	if h.FormatVersion != frameVersion {
		return &manifestValidationError{Field: "format_version", Message: fmt.Sprintf("unsupported version %d", h.FormatVersion)}
	}
	if h.TypeSize < 1 || h.TypeSize > 255 {
		return &manifestValidationError{Field: "typesize", Message: "must be within 1-255"}
	}
	if h.ChunkSize < 0 {
		return &manifestValidationError{Field: "chunksize", Message: "must be non-negative"}
	}
	if h.Chunks == nil {
		return &manifestValidationError{Field: "chunks", Message: "must not be nil (use empty slice for no chunks)"}
	}
	var total int64
	for i, c := range h.Chunks {
		field := fmt.Sprintf("chunks[%d]", i)
		if c.CBytes < chunkHeaderSize {
			return &manifestValidationError{Field: field + ".cbytes", Message: "is shorter than a chunk header"}
		}
		if c.NBytes < 0 || (i < len(h.Chunks)-1 && c.NBytes != h.ChunkSize) {
			return &manifestValidationError{Field: field + ".nbytes", Message: fmt.Sprintf("%d disagrees with chunksize %d", c.NBytes, h.ChunkSize)}
		}
		switch {
		case c.Inline != nil:
			if len(c.Inline) != c.CBytes {
				return &manifestValidationError{Field: field + ".inline", Message: "length disagrees with cbytes"}
			}
		case c.Blob != "":
			if h.SchemaName != indexSchema || strings.Contains(c.Blob, "/") {
				return &manifestValidationError{Field: field + ".blob", Message: "invalid blob reference"}
			}
		default:
			if h.SchemaName != frameSchema {
				return &manifestValidationError{Field: field, Message: "has no location"}
			}
			if c.Offset < framePrefixSize || c.Offset+int64(c.CBytes) > payloadEnd {
				return &manifestValidationError{Field: field + ".offset", Message: fmt.Sprintf("range [%d, %d) outside payload [%d, %d)", c.Offset, c.Offset+int64(c.CBytes), framePrefixSize, payloadEnd)}
			}
		}
		total += int64(c.NBytes)
	}
	if total != h.NBytes {
		return &manifestValidationError{Field: "nbytes", Message: fmt.Sprintf("%d disagrees with chunk sum %d", h.NBytes, total)}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Contiguous frames
// -----------------------------------------------------------------------------

// frameTail lays out payloads followed by the encoded header, to be stored
// from file offset at. payloads[i] is nil for chunks that are inline or
// already stored; offsets of the others are assigned on h. headerAt is the
// offset the header lands at.
func frameTail(h *frameHeader, payloads [][]byte, at int64) (tail []byte, headerAt int64, err error) {
	off := at
	for i := range h.Chunks {
		if payloads[i] == nil {
			continue
		}
		h.Chunks[i].Offset = off
		off += int64(len(payloads[i]))
	}
	head, err := jsonCodec.Marshal(h)
	if err != nil {
		return nil, 0, fmt.Errorf("tessera: encode frame header: %w", err)
	}
	tail = make([]byte, 0, off-at+int64(len(head)))
	for _, p := range payloads {
		tail = append(tail, p...)
	}
	return append(tail, head...), off, nil
}

func framePrefix(headerAt, headerLen int64) []byte {
	prefix := make([]byte, framePrefixSize)
	copy(prefix, frameMagic)
	binary.LittleEndian.PutUint16(prefix[4:], frameVersion)
	binary.LittleEndian.PutUint64(prefix[8:], uint64(headerAt))
	binary.LittleEndian.PutUint32(prefix[16:], uint32(headerLen))
	return prefix
}

// encodeFrame lays out a complete frame with no unreferenced bytes.
func encodeFrame(h *frameHeader, payloads [][]byte) (frame []byte, headerAt int64, err error) {
	tail, headerAt, err := frameTail(h, payloads, framePrefixSize)
	if err != nil {
		return nil, 0, err
	}
	headerLen := framePrefixSize + int64(len(tail)) - headerAt
	return append(framePrefix(headerAt, headerLen), tail...), headerAt, nil
}

// readFrameHeader reads and validates the header of the frame at p and
// returns it with the header offset. The frame ends where the header does.
func readFrameHeader(ctx context.Context, store Store, p string) (h *frameHeader, headerAt, end int64, err error) {
	prefix, err := store.ReadRange(ctx, p, 0, framePrefixSize)
	if err != nil {
		return nil, 0, 0, err
	}
	if len(prefix) < framePrefixSize || string(prefix[:4]) != frameMagic {
		return nil, 0, 0, fmt.Errorf("tessera: %s is not a frame: %w", p, ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(prefix[4:]); v != frameVersion {
		return nil, 0, 0, fmt.Errorf("tessera: frame version %d: %w", v, ErrCorrupt)
	}
	headerAt = int64(binary.LittleEndian.Uint64(prefix[8:]))
	hlen := int64(binary.LittleEndian.Uint32(prefix[16:]))
	if headerAt < framePrefixSize {
		return nil, 0, 0, fmt.Errorf("tessera: frame header at %d: %w", headerAt, ErrCorrupt)
	}
	head, err := store.ReadRange(ctx, p, headerAt, hlen)
	if err != nil {
		return nil, 0, 0, err
	}
	// A short header read also means a truncated frame, payloads included.
	if int64(len(head)) != hlen {
		return nil, 0, 0, fmt.Errorf("tessera: frame header truncated: %w", ErrCorrupt)
	}
	h = new(frameHeader)
	if err := jsonCodec.Unmarshal(head, h); err != nil {
		return nil, 0, 0, fmt.Errorf("tessera: decode frame header: %w: %v", ErrCorrupt, err)
	}
	if err := validateFrameHeader(h, headerAt); err != nil {
		return nil, 0, 0, err
	}
	return h, headerAt, headerAt + hlen, nil
}

// -----------------------------------------------------------------------------
// Sparse layout
// -----------------------------------------------------------------------------

func chunkBlobPath(dir, blob string) string { return path.Join(dir, chunksDir, blob) }

func indexPath(dir string, seq int64) string {
	return path.Join(dir, indexDir, fmt.Sprintf("%020d.json", seq))
}

// latestIndex finds the highest manifest sequence under dir. ok is false
// when there is none.
func latestIndex(ctx context.Context, store Store, dir string) (seq int64, ok bool, err error) {
	seqs, err := indexSequences(ctx, store, dir)
	if err != nil || len(seqs) == 0 {
		return 0, false, err
	}
	return seqs[len(seqs)-1], true, nil
}

// indexSequences lists the manifest sequences under dir in ascending order.
func indexSequences(ctx context.Context, store Store, dir string) ([]int64, error) {
	paths, err := store.List(ctx, path.Join(dir, indexDir)+"/")
	if err != nil {
		return nil, err
	}
	var seqs []int64
	for _, p := range paths {
		name := strings.TrimSuffix(path.Base(p), ".json")
		if n, err := strconv.ParseInt(name, 10, 64); err == nil && strings.HasSuffix(p, ".json") {
			seqs = append(seqs, n)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// pruneIndexes deletes the manifests under dir numbered below keep and
// returns how many went.
func pruneIndexes(ctx context.Context, store Store, dir string, keep int64) (int, error) {
	seqs, err := indexSequences(ctx, store, dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, seq := range seqs {
		if seq >= keep {
			break
		}
		if err := store.Delete(ctx, indexPath(dir, seq)); err != nil && !errors.Is(err, ErrNotFound) {
			return n, err
		}
		n++
	}
	return n, nil
}

func readIndex(ctx context.Context, store Store, dir string, seq int64) (*frameHeader, error) {
	data, err := readObject(ctx, store, indexPath(dir, seq))
	if err != nil {
		return nil, err
	}
	var h frameHeader
	if err := jsonCodec.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("tessera: decode index %d: %w: %v", seq, ErrCorrupt, err)
	}
	if err := validateFrameHeader(&h, 0); err != nil {
		return nil, err
	}
	if h.Sequence != seq {
		return nil, &manifestValidationError{Field: "sequence", Message: fmt.Sprintf("%d stored under %d", h.Sequence, seq)}
	}
	return &h, nil
}

func writeIndex(ctx context.Context, store Store, dir string, h *frameHeader) error {
	data, err := jsonCodec.Marshal(h)
	if err != nil {
		return fmt.Errorf("tessera: encode index: %w", err)
	}
	return store.Put(ctx, indexPath(dir, h.Sequence), bytes.NewReader(data))
}
