//go:build !windows

// pkg/disk/lock_unix.go
package disk

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// acquire places a non-blocking exclusive flock on the data-file handle.
// Contention from another process surfaces as ErrFileLocked so callers can
// tell it apart from I/O failure.
func (f *FileFactory) acquire(handle *os.File) error {
	switch err := unix.Flock(int(handle.Fd()), unix.LOCK_EX|unix.LOCK_NB); {
	case err == nil:
		return nil
	case errors.Is(err, unix.EWOULDBLOCK):
		return ErrFileLocked
	default:
		return fmt.Errorf("disk: lock %s: %w", handle.Name(), err)
	}
}

// release drops the flock before the handle is closed.
func (f *FileFactory) release(handle *os.File) error {
	return unix.Flock(int(handle.Fd()), unix.LOCK_UN)
}
