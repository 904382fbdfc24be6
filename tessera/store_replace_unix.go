//go:build unix

package tessera

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

const lockSuffix = ".lock"

// Replace atomically overwrites the object at p.
//
// Writers are serialized with flock on a companion .lock file; the new
// content lands in a temp file in the same directory and is renamed over the
// target, so readers see either the old or the new frame.
func (f *fsStore) Replace(_ context.Context, p string, r io.Reader) error {
	_, fullPath, err := f.filename(p)
	if err != nil {
		return err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	lockFile, err := os.OpenFile(fullPath+lockSuffix, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("tessera: open lock file: %w", err)
	}
	defer closer(lockFile)()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("tessera: flock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("tessera: create temp file: %w", err)
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
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
