// pkg/pagefile/writer.go
package pagefile

import (
	"errors"
	"sync"

	"loam/pkg/disk"
	"loam/pkg/page"
)

var (
	// ErrWriterDisposed is returned when queueing on a disposed writer.
	ErrWriterDisposed = errors.New("pagefile: writer is disposed")
)

type opKind uint8

const (
	opPage opKind = iota
	opLength
)

// writeOp is one queued operation: persist a page at a physical position, or
// set the stream length.
type writeOp struct {
	kind    opKind
	buf     *page.Buffer
	phys    int64
	length  int64
	logMode bool
}

// Writer drains queued dirty pages and length changes to a single underlying
// stream on one background goroutine. Producers never block: QueuePage and
// QueueLength only append to the in-memory queue, and RunQueue wakes the
// worker if it is sleeping.
//
// In log mode a queued page's physical position is rewritten to the current
// end of the log; the caller's position is preserved in the page header as
// the logical position. Pages reach disk in exact submission order, which is
// what makes the log safe: the confirmed-flag page of a transaction is
// written after every earlier page of that same transaction, and the stream
// is synced right after it.
type Writer struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue   []writeOp
	stream  disk.Stream
	logMode bool
	length  int64

	busy     bool
	started  bool
	stopping bool
	err      error

	wake   chan struct{}
	joined chan struct{}

	cipher    *pageCipher
	scratch   []byte
	onWritten func(buf *page.Buffer, phys int64, logMode bool)
}

// newWriter creates an idle writer. The worker goroutine starts on the first
// RunQueue and joins on Dispose. onWritten is invoked on the worker
// goroutine after each page is written to the stream; a confirmed page is
// also synced before the call.
func newWriter(cipher *pageCipher, onWritten func(*page.Buffer, int64, bool)) *Writer {
	w := &Writer{
		cipher:    cipher,
		scratch:   make([]byte, page.Size),
		onWritten: onWritten,
		wake:      make(chan struct{}, 1),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// SetTarget points the writer at a stream. Callers must have drained the
// queue first; the writer itself switches targets only around checkpoints.
func (w *Writer) SetTarget(stream disk.Stream, logMode bool, length int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stream = stream
	w.logMode = logMode
	w.length = length
}

// Length returns the logical length of the current target stream, queued
// writes included.
func (w *Writer) Length() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.length
}

// Err returns the sticky error, if any. Once an I/O failure is recorded the
// writer stops accepting new work.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// QueuePage enqueues a page. Ownership of the buffer transfers to the
// writer until it is drained and promoted back into the readable map.
func (w *Writer) QueuePage(buf *page.Buffer) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	if w.stopping {
		return ErrWriterDisposed
	}

	var phys int64
	if w.logMode {
		buf.SetLogicalPosition(buf.Position())
		phys = w.length
		w.length += page.Size
	} else {
		phys = buf.Position()
		if end := phys + page.Size; end > w.length {
			w.length = end
		}
	}
	buf.UpdateChecksum()

	w.queue = append(w.queue, writeOp{kind: opPage, buf: buf, phys: phys, logMode: w.logMode})
	return nil
}

// QueueLength enqueues a length-set command.
func (w *Writer) QueueLength(length int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	if w.stopping {
		return ErrWriterDisposed
	}
	w.queue = append(w.queue, writeOp{kind: opLength, length: length})
	w.length = length
	return nil
}

// RunQueue wakes the worker if it is idle; otherwise it returns immediately.
// Idempotent and non-blocking.
func (w *Writer) RunQueue() {
	w.mu.Lock()
	if !w.started {
		w.started = true
		w.joined = make(chan struct{})
		go w.run()
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// WaitCompletion blocks until the queue is drained and all I/O has reached
// the OS, or until the writer records a failure.
func (w *Writer) WaitCompletion() error {
	w.RunQueue()

	w.mu.Lock()
	defer w.mu.Unlock()
	for (len(w.queue) > 0 || w.busy) && w.err == nil {
		w.cond.Wait()
	}
	return w.err
}

// Sync forces an OS-level flush of the current target stream. Callers drain
// the queue first.
func (w *Writer) Sync() error {
	w.mu.Lock()
	stream := w.stream
	w.mu.Unlock()
	if stream == nil {
		return nil
	}
	return stream.Sync()
}

// Dispose drains the queue and joins the worker. The target stream is owned
// and closed by the file, not the writer.
func (w *Writer) Dispose() error {
	err := w.WaitCompletion()

	w.mu.Lock()
	w.stopping = true
	started := w.started
	w.mu.Unlock()

	if !started {
		return err
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}
	<-w.joined
	return err
}

// run is the worker loop: drain the queue in order (process syncs after each
// confirmed page), then sleep until the next RunQueue.
func (w *Writer) run() {
	for {
		<-w.wake

		w.mu.Lock()
		for len(w.queue) > 0 && w.err == nil {
			op := w.queue[0]
			w.queue = w.queue[1:]
			w.busy = true
			w.mu.Unlock()

			err := w.process(op)

			w.mu.Lock()
			if err != nil {
				w.err = err
				w.queue = nil
			}
		}
		w.busy = false
		w.cond.Broadcast()
		stopping := w.stopping
		w.mu.Unlock()

		if stopping {
			close(w.joined)
			return
		}
	}
}

// process performs one operation against the stream. Runs on the worker
// goroutine with the mutex released.
func (w *Writer) process(op writeOp) error {
	if op.kind == opLength {
		return w.stream.SetLength(op.length)
	}

	buf := op.buf
	payload := buf.Data()
	if w.cipher != nil && encryptable(buf.Type()) {
		copy(w.scratch, payload)
		w.cipher.apply(op.phys, w.scratch[page.HeaderSize:])
		payload = w.scratch
	}

	if _, err := w.stream.WriteAt(payload, op.phys); err != nil {
		return err
	}

	// A confirmed page closes a transaction: force it to the OS before the
	// confirmation becomes observable.
	if buf.Confirmed() {
		if err := w.stream.Sync(); err != nil {
			return err
		}
	}

	if w.onWritten != nil {
		w.onWritten(buf, op.phys, op.logMode)
	}
	return nil
}
