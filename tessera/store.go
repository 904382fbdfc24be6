package tessera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidPath indicates a path that would escape the storage root.
var ErrInvalidPath = errors.New("invalid path: escapes storage root")

// tempPrefix marks in-flight Replace files; List skips them.
const tempPrefix = ".tessera-replace-"

// cleanKey turns a caller path into a store key: slash separated, relative
// to the root, with no "." or ".." elements. A leading slash is dropped.
func cleanKey(p string) (string, error) {
	p = filepath.ToSlash(p)
	if p == "" || strings.Contains("/"+p+"/", "/../") {
		return "", ErrInvalidPath
	}
	key := strings.TrimPrefix(path.Clean("/"+p), "/")
	if key == "" {
		return "", ErrInvalidPath
	}
	return key, nil
}

// cleanPrefix is cleanKey for List prefixes. The empty prefix lists
// everything, and a trailing slash is kept so "index/" never matches
// "indexed".
func cleanPrefix(p string) (string, error) {
	p = filepath.ToSlash(p)
	if strings.Contains("/"+p+"/", "/../") {
		return "", ErrInvalidPath
	}
	key := strings.TrimPrefix(path.Clean("/"+p), "/")
	if key != "" && strings.HasSuffix(p, "/") {
		key += "/"
	}
	return key, nil
}

func notFound(key string) error { return fmt.Errorf("tessera: %s: %w", key, ErrNotFound) }

// -----------------------------------------------------------------------------
// Filesystem Store
// -----------------------------------------------------------------------------

// fsStore keeps one file per key below root. It implements Replacer and
// Patcher.
type fsStore struct {
	root string
}

// NewFS creates a filesystem-backed Store rooted at the given directory.
// The directory must exist.
//
// Consistency: immediate read-after-write on local filesystems.
func NewFS(root string) (Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tessera: store root %s: %w", root, os.ErrNotExist)
	}
	return &fsStore{root: root}, nil
}

// NewFSFactory returns a StoreFactory for a filesystem root.
func NewFSFactory(root string) StoreFactory {
	return func() (Store, error) { return NewFS(root) }
}

// filename maps p to its file below the root.
func (f *fsStore) filename(p string) (key, name string, err error) {
	key, err = cleanKey(p)
	if err != nil {
		return "", "", err
	}
	return key, filepath.Join(f.root, filepath.FromSlash(key)), nil
}

func (f *fsStore) Put(_ context.Context, p string, r io.Reader) error {
	key, name, err := f.filename(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("tessera: put %s: %w", key, ErrPathExists)
	}
	if err != nil {
		return err
	}
	_, err = io.Copy(file, r)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(name)
	}
	return err
}

func (f *fsStore) Get(_ context.Context, p string) (io.ReadCloser, error) {
	key, name, err := f.filename(p)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(key)
	}
	return file, err
}

func (f *fsStore) Exists(_ context.Context, p string) (bool, error) {
	_, name, err := f.filename(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(name)
	switch {
	case err == nil:
		return info.Mode().IsRegular(), nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// List walks only the deepest directory the prefix names and returns keys
// in lexical order.
func (f *fsStore) List(_ context.Context, prefix string) ([]string, error) {
	pfx, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	dir := pfx
	if !strings.HasSuffix(dir, "/") {
		dir = path.Dir(dir)
	}
	var keys []string
	err = filepath.WalkDir(filepath.Join(f.root, filepath.FromSlash(dir)), func(name string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		base := d.Name()
		if d.IsDir() || strings.HasSuffix(base, lockSuffix) || strings.HasPrefix(base, tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(f.root, name)
		if err != nil {
			return err
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, pfx) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fsStore) Delete(_ context.Context, p string) error {
	_, name, err := f.filename(p)
	if err != nil {
		return err
	}
	if info, err := os.Stat(name); err == nil && info.IsDir() {
		return nil
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *fsStore) ReadRange(_ context.Context, p string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, ErrOutOfBounds
	}
	key, name, err := f.filename(p)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, err
	}
	defer closer(file)()

	buf := make([]byte, length)
	n, err := file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// WriteAt patches an existing file in place. It does not take the Replace
// lock; writers to one path are expected to be serialized by the caller.
func (f *fsStore) WriteAt(_ context.Context, p string, off int64, data []byte) error {
	if off < 0 {
		return ErrOutOfBounds
	}
	key, name, err := f.filename(p)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(name, os.O_WRONLY, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return notFound(key)
	}
	if err != nil {
		return err
	}
	_, err = file.WriteAt(data, off)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	return err
}

// -----------------------------------------------------------------------------
// Memory Store
// -----------------------------------------------------------------------------

// memoryStore keeps objects in a map. It implements Replacer and Patcher.
type memoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory creates an in-memory Store. It is safe for concurrent use.
func NewMemory() Store {
	return &memoryStore{objects: make(map[string][]byte)}
}

// NewMemoryFactory returns a StoreFactory that hands out one shared memory
// store.
func NewMemoryFactory() StoreFactory {
	s := NewMemory()
	return func() (Store, error) { return s, nil }
}

func (m *memoryStore) Put(_ context.Context, p string, r io.Reader) error {
	return m.put(p, r, true)
}

func (m *memoryStore) Replace(_ context.Context, p string, r io.Reader) error {
	return m.put(p, r, false)
}

func (m *memoryStore) put(p string, r io.Reader, exclusive bool) error {
	key, err := cleanKey(p)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.objects[key]; taken && exclusive {
		return fmt.Errorf("tessera: put %s: %w", key, ErrPathExists)
	}
	m.objects[key] = data
	return nil
}

func (m *memoryStore) WriteAt(_ context.Context, p string, off int64, data []byte) error {
	if off < 0 {
		return ErrOutOfBounds
	}
	key, err := cleanKey(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return notFound(key)
	}
	if end := off + int64(len(data)); end > int64(len(obj)) {
		grown := make([]byte, end)
		copy(grown, obj)
		obj = grown
	}
	copy(obj[off:], data)
	m.objects[key] = obj
	return nil
}

func (m *memoryStore) Get(_ context.Context, p string) (io.ReadCloser, error) {
	data, err := m.read(p, 0, -1)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) Exists(_ context.Context, p string) (bool, error) {
	_, err := m.read(p, 0, 0)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]string, error) {
	pfx, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, pfx) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memoryStore) Delete(_ context.Context, p string) error {
	key, err := cleanKey(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) ReadRange(_ context.Context, p string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, ErrOutOfBounds
	}
	return m.read(p, offset, length)
}

// read copies up to length bytes from offset; a negative length reads to
// the end. The copy is taken under the lock since WriteAt patches objects
// in place.
func (m *memoryStore) read(p string, offset, length int64) ([]byte, error) {
	key, err := cleanKey(p)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, notFound(key)
	}
	end := int64(len(data))
	if length >= 0 {
		end = min(offset+length, end)
	}
	if offset >= end {
		return []byte{}, nil
	}
	return bytes.Clone(data[offset:end]), nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// replaceObject overwrites p, atomically when the store supports it.
func replaceObject(ctx context.Context, store Store, p string, data []byte) error {
	if r, ok := store.(Replacer); ok {
		return r.Replace(ctx, p, bytes.NewReader(data))
	}
	if err := store.Delete(ctx, p); err != nil {
		return err
	}
	return store.Put(ctx, p, bytes.NewReader(data))
}

// readObject reads a whole object.
func readObject(ctx context.Context, store Store, p string) ([]byte, error) {
	rc, err := store.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	defer closer(rc)()
	return io.ReadAll(rc)
}
