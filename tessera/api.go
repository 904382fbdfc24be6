// Package tessera stores N-dimensional typed arrays as ordered sequences of
// independently compressed chunks.
//
// The layers are, bottom up: a chunk codec (filters + compressor per block),
// the super-chunk (SChunk) holding an ordered, editable list of chunks plus
// metadata, and the NDArray overlay mapping N-D selections and resizes onto
// chunk indices. Persistence goes through the Store abstraction so arrays can
// live on a filesystem, in memory, or in an object store.
package tessera

import (
	"context"
	"io"
)

// -----------------------------------------------------------------------------
// Store interface
// -----------------------------------------------------------------------------

// Store abstracts the underlying object storage system.
//
// Implementations may target filesystems, memory, S3, or embedded key-value
// databases. Put never overwrites; whole-object replacement goes through the
// optional Replacer interface.
type Store interface {
	// Put writes data to the given path. Fails with ErrPathExists if the
	// path is already present.
	Put(ctx context.Context, path string, r io.Reader) error

	// Get retrieves data from the given path.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists checks whether a path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the path if it exists.
	Delete(ctx context.Context, path string) error

	// ReadRange reads length bytes starting at offset. Reads past the end
	// of the object return the available bytes.
	ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error)
}

// Replacer is implemented by stores that can atomically overwrite an object.
//
// Contiguous frames are rewritten whole when they are created, compacted, or
// kept on a store without Patcher; stores without Replacer fall back to
// Delete followed by Put.
type Replacer interface {
	Replace(ctx context.Context, path string, r io.Reader) error
}

// Patcher is implemented by stores that can write into an existing object.
//
// WriteAt writes data at byte offset off of the object at path, growing the
// object when the write ends past it. The object must exist. Contiguous
// frames on a Patcher append new chunk payloads and the chunk index at the
// tail, then repoint the fixed prefix, so a mutation costs the changed
// chunks plus the index rather than the whole frame.
type Patcher interface {
	WriteAt(ctx context.Context, path string, off int64, data []byte) error
}

// StoreFactory creates a Store on demand.
type StoreFactory func() (Store, error)

// -----------------------------------------------------------------------------
// Operand interface
// -----------------------------------------------------------------------------

// Operand is anything that can be read as an N-D region.
//
// Shape and DType must not touch data. GetSlice returns a dense copy of the
// selected region.
type Operand interface {
	Shape() []int64
	DType() DType
	GetSlice(ctx context.Context, sel ...Index) (*Dense, error)
}

// Chunked is implemented by operands with a chunk grid. Evaluators align
// their work to it when shapes match.
type Chunked interface {
	Chunks() []int64
	Blocks() []int64
}

// Locatable is implemented by operands that can be found again by location.
// ok is false for operands that live only in memory.
type Locatable interface {
	Location() (loc string, ok bool)
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values for common conditions.
var (
	// ErrNotFound indicates a requested resource does not exist.
	ErrNotFound = errNotFound{}

	// ErrPathExists indicates an attempt to write to an existing path.
	ErrPathExists = errPathExists{}

	// ErrOutOfRange indicates a chunk index outside the container.
	ErrOutOfRange = errOutOfRange{}

	// ErrOutOfBounds indicates an index or slice beyond the logical shape.
	// Selections are never clamped.
	ErrOutOfBounds = errOutOfBounds{}

	// ErrSizeMismatch indicates a buffer or chunk whose size disagrees with
	// the container's fixed item layout.
	ErrSizeMismatch = errSizeMismatch{}

	// ErrBufferTooSmall indicates a destination buffer shorter than the data.
	ErrBufferTooSmall = errBufferTooSmall{}

	// ErrCorrupt indicates stored bytes that fail to decode or verify.
	ErrCorrupt = errCorrupt{}

	// ErrPartialChunk indicates an append after a partial final chunk.
	ErrPartialChunk = errPartialChunk{}

	// ErrReadOnly indicates a mutation on a container opened read-only.
	ErrReadOnly = errReadOnly{}

	// ErrMetaExists indicates a metalayer name that is already taken.
	ErrMetaExists = errMetaExists{}

	// ErrMetaSize indicates a metalayer update with a different byte length.
	ErrMetaSize = errMetaSize{}

	// ErrNotPersistent indicates an operation that needs a stored location.
	ErrNotPersistent = errNotPersistent{}
)

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type errPathExists struct{}

func (errPathExists) Error() string { return "path exists" }

type errOutOfRange struct{}

func (errOutOfRange) Error() string { return "chunk index out of range" }

type errOutOfBounds struct{}

func (errOutOfBounds) Error() string { return "index out of bounds" }

type errSizeMismatch struct{}

func (errSizeMismatch) Error() string { return "size mismatch" }

type errBufferTooSmall struct{}

func (errBufferTooSmall) Error() string { return "destination buffer too small" }

type errCorrupt struct{}

func (errCorrupt) Error() string { return "corrupt data" }

type errPartialChunk struct{}

func (errPartialChunk) Error() string { return "last chunk is partial" }

type errReadOnly struct{}

func (errReadOnly) Error() string { return "container is read-only" }

type errMetaExists struct{}

func (errMetaExists) Error() string { return "metalayer exists" }

type errMetaSize struct{}

func (errMetaSize) Error() string { return "metalayer size cannot change" }

type errNotPersistent struct{}

func (errNotPersistent) Error() string { return "not persistent" }
