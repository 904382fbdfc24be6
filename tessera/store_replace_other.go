//go:build !unix

package tessera

import (
	"context"
	"io"
	"os"
	"path/filepath"
)

const lockSuffix = ".lock"

// Replace overwrites the object at p through a temp file and rename.
// Without flock, concurrent writers to the same path are not serialized.
func (f *fsStore) Replace(_ context.Context, p string, r io.Reader) error {
	_, fullPath, err := f.filename(p)
	if err != nil {
		return err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	_ = os.Remove(fullPath)
	return os.Rename(tmpName, fullPath)
}
