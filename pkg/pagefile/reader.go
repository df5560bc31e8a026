// pkg/pagefile/reader.go
package pagefile

import (
	"errors"

	"loam/pkg/disk"
	"loam/pkg/page"
)

var (
	// ErrReaderClosed is returned when using a closed reader.
	ErrReaderClosed = errors.New("pagefile: reader is closed")

	// ErrReaderNotWritable is returned when allocating pages through a
	// read-only reader.
	ErrReaderNotWritable = errors.New("pagefile: reader is not writable")
)

// Reader is a per-caller view over the combined data + log state of one
// file. A reader owns private input streams borrowed from the per-file
// stream pools and must be used by a single goroutine. Buffers returned
// from ReadPage are borrowed: they stay valid until the reader is closed.
type Reader struct {
	f        *File
	writable bool

	dataStream disk.Stream
	logStream  disk.Stream

	held   []*page.Buffer
	closed bool
}

// ReadPage returns the latest confirmed version of the page at the given
// logical position: the confirmed log copy when the coordinator maps one,
// otherwise the data-file copy. The memory store is consulted first; a miss
// performs the physical read, decrypts and validates the page, and caches
// the result.
func (r *Reader) ReadPage(position int64) (*page.Buffer, error) {
	if r.closed {
		return nil, ErrReaderClosed
	}

	origin := page.OriginData
	phys := position
	if off, ok := r.f.index.Offset(position); ok {
		origin = page.OriginLog
		phys = off
	}

	stream, err := r.stream(origin)
	if err != nil {
		return nil, err
	}

	buf, err := r.f.fetch(origin, stream, phys)
	if err != nil {
		var ce *page.ChecksumError
		if origin != page.OriginLog || !errors.As(err, &ce) {
			return nil, err
		}
		// A corrupt log copy counts as missing: fall back to the data file.
		stream, err = r.stream(page.OriginData)
		if err != nil {
			return nil, err
		}
		buf, err = r.f.fetch(page.OriginData, stream, position)
		if err != nil {
			return nil, err
		}
	}

	r.held = append(r.held, buf)
	return buf, nil
}

// NewPage allocates a writable buffer for a not-yet-persisted page at the
// end of the file. Ownership transfers to the writer when the caller
// submits the buffer through WriteAsync.
func (r *Reader) NewPage() (*page.Buffer, error) {
	if r.closed {
		return nil, ErrReaderClosed
	}
	if !r.writable {
		return nil, ErrReaderNotWritable
	}

	position := r.f.Allocate()
	return r.f.store.GetWritable(position)
}

// WriteCopy returns a writable copy of the page at the given position. The
// copy starts from the latest confirmed content; transaction bookkeeping in
// the header is cleared for the caller to restamp.
func (r *Reader) WriteCopy(position int64) (*page.Buffer, error) {
	if r.closed {
		return nil, ErrReaderClosed
	}
	if !r.writable {
		return nil, ErrReaderNotWritable
	}

	src, err := r.ReadPage(position)
	if err != nil {
		return nil, err
	}

	buf, err := r.f.store.GetWritable(position)
	if err != nil {
		return nil, err
	}
	copy(buf.Data(), src.Data())
	buf.SetPosition(position)
	buf.SetLogicalPosition(position)
	buf.SetTxID(0)
	buf.SetConfirmed(false)
	buf.SetDirty(true)
	return buf, nil
}

// Discard releases a writable buffer obtained from NewPage or WriteCopy
// without submitting it.
func (r *Reader) Discard(buf *page.Buffer) {
	r.f.store.Discard(buf)
}

// Close returns all held buffers to the store and the streams to their
// pools.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	for _, buf := range r.held {
		r.f.store.Return(buf)
	}
	r.held = nil

	if r.dataStream != nil {
		r.f.dataPool.Put(r.dataStream)
		r.dataStream = nil
	}
	if r.logStream != nil {
		r.f.logPool.Put(r.logStream)
		r.logStream = nil
	}

	r.f.readerDone()
	return nil
}

// stream lazily borrows the physical stream for an origin from its pool.
func (r *Reader) stream(origin page.Origin) (disk.Stream, error) {
	if origin == page.OriginLog {
		if r.logStream == nil {
			s, err := r.f.logPool.Get()
			if err != nil {
				return nil, err
			}
			r.logStream = s
		}
		return r.logStream, nil
	}
	if r.dataStream == nil {
		s, err := r.f.dataPool.Get()
		if err != nil {
			return nil, err
		}
		r.dataStream = s
	}
	return r.dataStream, nil
}
