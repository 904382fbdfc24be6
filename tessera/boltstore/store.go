// Package boltstore keeps arrays in a single bbolt database file. Every
// object is one key in one bucket, which suits sparse arrays made of many
// small chunk blobs.
package boltstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/justapithecus/tessera/tessera"
)

// DefaultBucket holds objects unless Options.Bucket says otherwise.
const DefaultBucket = "tessera"

// Options configures Open.
type Options struct {
	// Bucket names the bbolt bucket; empty means DefaultBucket.
	Bucket string

	// Timeout bounds the wait for the file lock held by another process.
	// 0 waits forever.
	Timeout time.Duration

	// ReadOnly opens the database without write access.
	ReadOnly bool
}

// Store is a tessera.Store and tessera.Replacer over a bbolt database.
// It is safe for concurrent use; bbolt serializes writers.
type Store struct {
	db     *bolt.DB
	bucket []byte
}

var (
	_ tessera.Store    = (*Store)(nil)
	_ tessera.Replacer = (*Store)(nil)
)

// Open opens or creates the database at file.
func Open(file string, opts Options) (*Store, error) {
	bucket := opts.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}
	db, err := bolt.Open(file, 0o644, &bolt.Options{Timeout: opts.Timeout, ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", file, err)
	}
	s := &Store{db: db, bucket: []byte(bucket)}
	if !opts.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(s.bucket)
			return err
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("boltstore: create bucket %s: %w", bucket, err)
		}
	}
	return s, nil
}

// Close releases the database file.
func (s *Store) Close() error { return s.db.Close() }

// Factory returns a tessera.StoreFactory handing out s.
func (s *Store) Factory() tessera.StoreFactory {
	return func() (tessera.Store, error) { return s, nil }
}

// Put stores a new object and fails with tessera.ErrPathExists if p is
// taken.
func (s *Store) Put(ctx context.Context, p string, r io.Reader) error {
	return s.put(ctx, p, r, true)
}

// Replace stores the object whether or not it exists.
func (s *Store) Replace(ctx context.Context, p string, r io.Reader) error {
	return s.put(ctx, p, r, false)
}

func (s *Store) put(ctx context.Context, p string, r io.Reader, exclusive bool) error {
	key, err := objectKey(p)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucketOf(tx)
		if err != nil {
			return err
		}
		if exclusive && b.Get(key) != nil {
			return tessera.ErrPathExists
		}
		return b.Put(key, data)
	})
}

// Get returns a copy of the object at p.
func (s *Store) Get(_ context.Context, p string) (io.ReadCloser, error) {
	data, err := s.read(p, func(v []byte) []byte { return bytes.Clone(v) })
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists reports whether p is stored.
func (s *Store) Exists(_ context.Context, p string) (bool, error) {
	_, err := s.read(p, func([]byte) []byte { return nil })
	if errors.Is(err, tessera.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns the stored paths starting with prefix, in key order.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	pfx, err := listPrefix(prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	err = s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucketOf(tx)
		if err != nil {
			return err
		}
		c := b.Cursor()
		for k, _ := c.Seek(pfx); k != nil && bytes.HasPrefix(k, pfx); k, _ = c.Next() {
			out = append(out, string(k))
		}
		return nil
	})
	return out, err
}

// Delete removes p. Missing paths are not an error.
func (s *Store) Delete(_ context.Context, p string) error {
	key, err := objectKey(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucketOf(tx)
		if err != nil {
			return err
		}
		return b.Delete(key)
	})
}

// ReadRange copies length bytes at offset, fewer at the end of the object.
func (s *Store) ReadRange(_ context.Context, p string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, tessera.ErrOutOfBounds
	}
	return s.read(p, func(v []byte) []byte {
		if offset >= int64(len(v)) {
			return []byte{}
		}
		return bytes.Clone(v[offset:min(offset+length, int64(len(v)))])
	})
}

// read looks p up in a read transaction. The value passed to fn is only
// valid inside it.
func (s *Store) read(p string, fn func(v []byte) []byte) ([]byte, error) {
	key, err := objectKey(p)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucketOf(tx)
		if err != nil {
			return err
		}
		v := b.Get(key)
		if v == nil {
			return tessera.ErrNotFound
		}
		out = fn(v)
		return nil
	})
	return out, err
}

func (s *Store) bucketOf(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket(s.bucket)
	if b == nil {
		return nil, fmt.Errorf("boltstore: bucket %s: %w", s.bucket, tessera.ErrNotFound)
	}
	return b, nil
}

func objectKey(p string) ([]byte, error) {
	if p == "" || strings.Contains("/"+p+"/", "/../") {
		return nil, tessera.ErrInvalidPath
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "" {
		return nil, tessera.ErrInvalidPath
	}
	return []byte(cleaned), nil
}

func listPrefix(prefix string) ([]byte, error) {
	if strings.Contains("/"+prefix+"/", "/../") {
		return nil, tessera.ErrInvalidPath
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+prefix), "/")
	if cleaned != "" && strings.HasSuffix(prefix, "/") {
		cleaned += "/"
	}
	return []byte(cleaned), nil
}
