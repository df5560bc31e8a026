// pkg/disk/stream.go
// Package disk opens the physical streams behind a paged file: the
// random-access data file and the append-only log file. It also provides the
// in-memory backing used for temporary files and a capped pool of read
// streams so concurrent readers never share a handle.
package disk

import (
	"errors"
	"io"
	"os"

	"github.com/ncw/directio"
)

var (
	// ErrFileLocked is returned when the data file is already locked by
	// another process.
	ErrFileLocked = errors.New("disk: file is locked by another process")

	// ErrReadOnly is returned for write operations on a read-only stream.
	ErrReadOnly = errors.New("disk: stream is read-only")
)

// Stream is one physical handle over a data or log file. A stream must not
// be shared between goroutines while in use.
type Stream interface {
	io.ReaderAt
	io.WriterAt

	// Length returns the current physical length in bytes.
	Length() (int64, error)

	// SetLength truncates or extends the file to the given length.
	SetLength(int64) error

	// Sync forces an OS-level flush of written data.
	Sync() error

	// Close releases the handle.
	Close() error
}

// Factory opens streams over the two physical files of a paged file.
type Factory interface {
	// Exists reports whether the data file (log=false) or the log file
	// (log=true) exists and is non-empty.
	Exists(log bool) bool

	// GetStream opens a stream over the data or log file. Writable streams
	// create the file if missing. FileFactory fails a read-only open of an
	// absent file; MemoryFactory always returns a stream.
	GetStream(writable, log bool) (Stream, error)

	// Lock takes an exclusive lock on the data file, failing with
	// ErrFileLocked if another process holds it. Unlock releases it.
	Lock() error
	Unlock() error
}

// FileFactory opens streams over files on disk. The log file lives next to
// the data file with a "-log" suffix.
type FileFactory struct {
	Path string

	// DirectIO opens writable data-file streams with O_DIRECT. Page size is
	// a multiple of the direct-I/O block size, so page writes stay aligned.
	DirectIO bool

	lockHandle *os.File
}

// NewFileFactory creates a factory for the given data-file path.
func NewFileFactory(path string) *FileFactory {
	return &FileFactory{Path: path}
}

// LogPath returns the path of the log file.
func (f *FileFactory) LogPath() string {
	return f.Path + "-log"
}

// Exists reports whether the selected file exists with non-zero length.
func (f *FileFactory) Exists(log bool) bool {
	path := f.Path
	if log {
		path = f.LogPath()
	}
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// GetStream opens a handle over the data or log file.
func (f *FileFactory) GetStream(writable, log bool) (Stream, error) {
	path := f.Path
	if log {
		path = f.LogPath()
	}

	if !writable {
		file, err := os.OpenFile(path, os.O_RDONLY, 0644)
		if err != nil {
			return nil, err
		}
		return &fileStream{file: file, writable: false}, nil
	}

	flag := os.O_RDWR | os.O_CREATE
	if f.DirectIO && !log {
		file, err := directio.OpenFile(path, flag, 0644)
		if err != nil {
			return nil, err
		}
		return &directStream{fileStream: fileStream{file: file, writable: true}}, nil
	}

	file, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, err
	}
	return &fileStream{file: file, writable: true}, nil
}

// directStream routes I/O through an aligned block, which O_DIRECT requires
// for the buffer memory as well as the file offset.
type directStream struct {
	fileStream
	block []byte
}

func (s *directStream) aligned(n int) []byte {
	if len(s.block) < n {
		size := directio.BlockSize
		for size < n {
			size *= 2
		}
		s.block = directio.AlignedBlock(size)
	}
	return s.block[:n]
}

func (s *directStream) ReadAt(p []byte, off int64) (int, error) {
	block := s.aligned(len(p))
	n, err := s.file.ReadAt(block, off)
	copy(p, block[:n])
	return n, err
}

func (s *directStream) WriteAt(p []byte, off int64) (int, error) {
	if !s.writable {
		return 0, ErrReadOnly
	}
	block := s.aligned(len(p))
	copy(block, p)
	return s.file.WriteAt(block, off)
}

// Lock acquires an exclusive lock on the data file.
func (f *FileFactory) Lock() error {
	if f.lockHandle != nil {
		return nil
	}
	file, err := os.OpenFile(f.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	if err := f.acquire(file); err != nil {
		file.Close()
		return err
	}
	f.lockHandle = file
	return nil
}

// Unlock releases the data-file lock.
func (f *FileFactory) Unlock() error {
	if f.lockHandle == nil {
		return nil
	}
	err := f.release(f.lockHandle)
	closeErr := f.lockHandle.Close()
	f.lockHandle = nil
	if err != nil {
		return err
	}
	return closeErr
}

// fileStream wraps an os.File as a Stream.
type fileStream struct {
	file     *os.File
	writable bool
}

func (s *fileStream) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

func (s *fileStream) WriteAt(p []byte, off int64) (int, error) {
	if !s.writable {
		return 0, ErrReadOnly
	}
	return s.file.WriteAt(p, off)
}

func (s *fileStream) Length() (int64, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *fileStream) SetLength(length int64) error {
	if !s.writable {
		return ErrReadOnly
	}
	return s.file.Truncate(length)
}

func (s *fileStream) Sync() error {
	if !s.writable {
		return nil
	}
	return s.file.Sync()
}

func (s *fileStream) Close() error {
	return s.file.Close()
}
