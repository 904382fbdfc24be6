package boltstore

import (
	"errors"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/justapithecus/tessera/tessera"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	file := filepath.Join(t.TempDir(), "arrays.db")
	s, err := Open(file, Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, file
}

func TestStore_PutGetReplace(t *testing.T) {
	ctx := t.Context()
	s, _ := openStore(t)

	if err := s.Put(ctx, "a/b", strings.NewReader("first")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "/a/b", strings.NewReader("again")); !errors.Is(err, tessera.ErrPathExists) {
		t.Fatalf("second Put: got %v, want ErrPathExists", err)
	}
	if err := s.Replace(ctx, "a/b", strings.NewReader("second")); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	rc, err := s.Get(ctx, "a/b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, _ := io.ReadAll(rc)
	if string(got) != "second" {
		t.Errorf("Get: got %q", got)
	}

	ok, err := s.Exists(ctx, "a/b")
	if err != nil || !ok {
		t.Errorf("Exists: %v, %v", ok, err)
	}
	if err := s.Delete(ctx, "a/b"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "a/b"); !errors.Is(err, tessera.ErrNotFound) {
		t.Errorf("Get after Delete: got %v", err)
	}
	if err := s.Delete(ctx, "a/b"); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
}

func TestStore_InvalidPaths(t *testing.T) {
	ctx := t.Context()
	s, _ := openStore(t)
	for _, p := range []string{"", "/", "..", "../x", "x/../../y"} {
		if err := s.Put(ctx, p, strings.NewReader("x")); !errors.Is(err, tessera.ErrInvalidPath) {
			t.Errorf("Put %q: got %v", p, err)
		}
	}
}

func TestStore_ReadRange(t *testing.T) {
	ctx := t.Context()
	s, _ := openStore(t)
	if err := s.Put(ctx, "obj", strings.NewReader("abcdefgh")); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		off, n int64
		want   string
	}{
		{0, 3, "abc"},
		{5, 10, "fgh"},
		{8, 1, ""},
		{20, 1, ""},
	}
	for _, tt := range tests {
		got, err := s.ReadRange(ctx, "obj", tt.off, tt.n)
		if err != nil {
			t.Fatalf("ReadRange(%d, %d): %v", tt.off, tt.n, err)
		}
		if string(got) != tt.want {
			t.Errorf("ReadRange(%d, %d): got %q, want %q", tt.off, tt.n, got, tt.want)
		}
	}
	if _, err := s.ReadRange(ctx, "nope", 0, 1); !errors.Is(err, tessera.ErrNotFound) {
		t.Errorf("missing: got %v", err)
	}
}

func TestStore_ListPrefixBoundary(t *testing.T) {
	ctx := t.Context()
	s, _ := openStore(t)
	for _, p := range []string{"x/index/2.json", "x/index/1.json", "x/indexer", "y"} {
		if err := s.Put(ctx, p, strings.NewReader(p)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.List(ctx, "x/index/")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"x/index/1.json", "x/index/2.json"}; !slices.Equal(got, want) {
		t.Errorf("List: got %v, want %v", got, want)
	}
	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("List all: got %v", all)
	}
}

func TestStore_SparseArraySurvivesReopen(t *testing.T) {
	ctx := t.Context()
	s, file := openStore(t)

	a, err := tessera.Zeros(ctx, tessera.Int64, []int64{12},
		tessera.WithChunks(4), tessera.WithContiguous(false), tessera.WithStorage(s, "counts"))
	if err != nil {
		t.Fatalf("Zeros: %v", err)
	}
	if err := a.SetSlice(ctx, tessera.FromInt64s([]int64{7, 8, 9}, 3), tessera.Range(5, 8)); err != nil {
		t.Fatalf("SetSlice: %v", err)
	}
	blobs, err := s.List(ctx, "counts/chunks/")
	if err != nil || len(blobs) == 0 {
		t.Fatalf("chunk blobs: %v, %v", blobs, err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(file, Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()
	back, err := tessera.Open(ctx, s2, "counts", tessera.WithMode(tessera.ModeRead))
	if err != nil {
		t.Fatalf("tessera.Open: %v", err)
	}
	got, err := back.GetSlice(ctx, tessera.Range(4, 9))
	if err != nil {
		t.Fatal(err)
	}
	if want := []int64{0, 7, 8, 9, 0}; !slices.Equal(got.Int64s(), want) {
		t.Errorf("GetSlice: got %v, want %v", got.Int64s(), want)
	}
}
