package tessera

import (
	"bytes"
	"errors"
	"io"
	"os"
	"reflect"
	"testing"
)

func newFSStore(t *testing.T) Store {
	t.Helper()
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

// -----------------------------------------------------------------------------
// Put never overwrites
// -----------------------------------------------------------------------------

func TestFSStore_Put_ErrPathExists(t *testing.T) {
	ctx := t.Context()
	store := newFSStore(t)

	if err := store.Put(ctx, "a/file.bin", bytes.NewReader([]byte("hello"))); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	err := store.Put(ctx, "a/file.bin", bytes.NewReader([]byte("world")))
	if !errors.Is(err, ErrPathExists) {
		t.Errorf("expected ErrPathExists, got: %v", err)
	}
}

func TestMemoryStore_Put_ErrPathExists(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()

	if err := store.Put(ctx, "a/file.bin", bytes.NewReader([]byte("hello"))); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	err := store.Put(ctx, "a/file.bin", bytes.NewReader([]byte("world")))
	if !errors.Is(err, ErrPathExists) {
		t.Errorf("expected ErrPathExists, got: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Range reads
// -----------------------------------------------------------------------------

func TestStore_ReadRange(t *testing.T) {
	for name, store := range map[string]Store{"fs": newFSStore(t), "memory": NewMemory()} {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			if err := store.Put(ctx, "r.bin", bytes.NewReader([]byte("hello world"))); err != nil {
				t.Fatal(err)
			}
			got, err := store.ReadRange(ctx, "r.bin", 6, 5)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != "world" {
				t.Errorf("got %q, want %q", got, "world")
			}
			got, err = store.ReadRange(ctx, "r.bin", 9, 10)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != "ld" {
				t.Errorf("read past end: got %q, want %q", got, "ld")
			}
			if _, err := store.ReadRange(ctx, "missing.bin", 0, 1); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got: %v", err)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Replace
// -----------------------------------------------------------------------------

func TestStore_Replace(t *testing.T) {
	for name, store := range map[string]Store{"fs": newFSStore(t), "memory": NewMemory()} {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			if err := replaceObject(ctx, store, "frame", []byte("one")); err != nil {
				t.Fatal(err)
			}
			if err := replaceObject(ctx, store, "frame", []byte("two")); err != nil {
				t.Fatal(err)
			}
			got, err := readObject(ctx, store, "frame")
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != "two" {
				t.Errorf("got %q, want %q", got, "two")
			}
			paths, err := store.List(ctx, "")
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(paths, []string{"frame"}) {
				t.Errorf("List = %v, want only the replaced object", paths)
			}
		})
	}
}

func TestStore_WriteAt(t *testing.T) {
	for name, store := range map[string]Store{"fs": newFSStore(t), "memory": NewMemory()} {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			patcher := store.(Patcher)
			if err := patcher.WriteAt(ctx, "frame", 0, []byte("x")); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing object: expected ErrNotFound, got: %v", err)
			}
			if err := store.Put(ctx, "frame", bytes.NewReader([]byte("abcdef"))); err != nil {
				t.Fatal(err)
			}
			before, err := store.ReadRange(ctx, "frame", 0, 6)
			if err != nil {
				t.Fatal(err)
			}
			if err := patcher.WriteAt(ctx, "frame", 4, []byte("XYZ")); err != nil {
				t.Fatal(err)
			}
			if err := patcher.WriteAt(ctx, "frame", 0, []byte("A")); err != nil {
				t.Fatal(err)
			}
			got, err := readObject(ctx, store, "frame")
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != "AbcdXYZ" {
				t.Errorf("got %q, want %q", got, "AbcdXYZ")
			}
			if string(before) != "abcdef" {
				t.Errorf("earlier read changed to %q", before)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// List and Delete
// -----------------------------------------------------------------------------

func TestStore_ListDelete(t *testing.T) {
	for name, store := range map[string]Store{"fs": newFSStore(t), "memory": NewMemory()} {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			for _, p := range []string{"x/index/1.json", "x/chunks/a.chunk", "y/other"} {
				if err := store.Put(ctx, p, bytes.NewReader([]byte(p))); err != nil {
					t.Fatal(err)
				}
			}
			paths, err := store.List(ctx, "x/")
			if err != nil {
				t.Fatal(err)
			}
			if len(paths) != 2 {
				t.Fatalf("List(x/) = %v, want 2 paths", paths)
			}
			if err := store.Delete(ctx, "x/chunks/a.chunk"); err != nil {
				t.Fatal(err)
			}
			if err := store.Delete(ctx, "x/chunks/a.chunk"); err != nil {
				t.Errorf("second Delete should be a no-op, got: %v", err)
			}
			ok, err := store.Exists(ctx, "x/chunks/a.chunk")
			if err != nil || ok {
				t.Errorf("Exists after Delete = %v, %v", ok, err)
			}
			rc, err := store.Get(ctx, "y/other")
			if err != nil {
				t.Fatal(err)
			}
			defer closer(rc)()
			data, _ := io.ReadAll(rc)
			if string(data) != "y/other" {
				t.Errorf("Get = %q", data)
			}
		})
	}
}

func TestFSStore_RejectsEscapingPaths(t *testing.T) {
	ctx := t.Context()
	store := newFSStore(t)
	err := store.Put(ctx, "../escape", bytes.NewReader(nil))
	if !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got: %v", err)
	}
}

func TestNewFS_MissingRoot(t *testing.T) {
	_, err := NewFS("/definitely/not/here/tessera")
	if err == nil {
		t.Fatal("expected error for missing root")
	}
	if _, statErr := os.Stat("/definitely/not/here/tessera"); statErr == nil {
		t.Fatal("NewFS must not create the root")
	}
}
