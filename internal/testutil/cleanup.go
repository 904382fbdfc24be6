// Package testutil provides scratch storage for examples and tests.
package testutil

import (
	"os"

	"github.com/justapithecus/tessera/tessera"
)

// TempFS creates a filesystem store rooted in a new temporary directory.
// cleanup removes the directory and everything written under it.
//
// Usage:
//
//	store, root, cleanup, err := testutil.TempFS("tessera-example-*")
//	if err != nil { ... }
//	defer cleanup()
func TempFS(pattern string) (store tessera.Store, root string, cleanup func(), err error) {
	root, err = os.MkdirTemp("", pattern)
	if err != nil {
		return nil, "", nil, err
	}
	cleanup = func() { _ = os.RemoveAll(root) }
	store, err = tessera.NewFS(root)
	if err != nil {
		cleanup()
		return nil, "", nil, err
	}
	return store, root, cleanup, nil
}
