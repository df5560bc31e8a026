//go:build windows

// pkg/disk/lock_windows.go
package disk

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// acquire locks the first byte of the data file exclusively, failing
// immediately instead of blocking. Contention from another process surfaces
// as ErrFileLocked so callers can tell it apart from I/O failure.
func (f *FileFactory) acquire(handle *os.File) error {
	err := windows.LockFileEx(windows.Handle(handle.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0, new(windows.Overlapped))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, windows.ERROR_LOCK_VIOLATION):
		return ErrFileLocked
	default:
		return fmt.Errorf("disk: lock %s: %w", handle.Name(), err)
	}
}

// release unlocks the byte range taken by acquire.
func (f *FileFactory) release(handle *os.File) error {
	return windows.UnlockFileEx(windows.Handle(handle.Fd()), 0, 1, 0, new(windows.Overlapped))
}
