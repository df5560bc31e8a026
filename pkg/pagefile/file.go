// pkg/pagefile/file.go
// Package pagefile implements the paged memory-file subsystem: a bounded
// page cache over two physical files (random-access data file, append-only
// log), short-lived per-caller readers, one asynchronous background writer,
// and the write-ahead protocol that provides atomic multi-page transactions
// and crash recovery.
//
// A transaction is a group of page writes submitted through WriteAsync that
// ends with one page carrying the confirmed flag. Pages land in the log in
// submission order; a reader only ever observes log pages of confirmed
// transactions, so a partial transaction has no effect. Checkpoints promote
// confirmed log pages into the data file and truncate the log; recovery at
// open replays that promotion for whatever the log holds and discards
// unconfirmed leftovers.
package pagefile

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"loam/pkg/dbfile"
	"loam/pkg/disk"
	"loam/pkg/memstore"
	"loam/pkg/page"
	"loam/pkg/wal"
)

var (
	// ErrDisposed is returned for operations on a disposed file.
	ErrDisposed = errors.New("pagefile: file is disposed")

	// ErrReadOnly is returned for mutations on a read-only file.
	ErrReadOnly = errors.New("pagefile: file is read-only")

	// ErrNotFound is returned when opening a missing file read-only.
	ErrNotFound = errors.New("pagefile: file does not exist")

	// ErrEncryptionMismatch is returned when the encryption configuration
	// does not match the file header.
	ErrEncryptionMismatch = errors.New("pagefile: encryption key does not match file configuration")
)

// File is the paged memory-file. It owns the memory store, the WAL index,
// the background writer, and the physical streams of one data/log pair.
type File struct {
	opts    Options
	factory disk.Factory
	store   *memstore.Store
	index   *wal.Index
	cipher  *pageCipher

	header    *dbfile.Header
	logHeader *wal.LogHeader

	// mu guards writer construction and the write-side streams.
	mu               sync.Mutex
	writer           *Writer
	dataWriteStream  disk.Stream
	logWriteStream   disk.Stream
	logHeaderWritten bool

	dataPool *disk.StreamPool
	logPool  *disk.StreamPool

	length atomic.Int64

	// txMu serializes checkpoints against transaction starts.
	txMu             sync.Mutex
	checkpointNeeded atomic.Bool

	quiesceMu   sync.Mutex
	quiesce     *sync.Cond
	readerCount int

	counters counters
	onEvent  func(Event)
	closed   atomic.Bool
}

// Open opens or creates the paged file at path. ModeTempFile ignores the
// path and keeps everything in memory.
func Open(path string, opts Options) (*File, error) {
	var factory disk.Factory
	if opts.Mode == ModeTempFile {
		factory = disk.NewMemoryFactory()
	} else {
		ff := disk.NewFileFactory(path)
		ff.DirectIO = opts.DirectIO
		factory = ff
	}
	return OpenWithFactory(factory, opts)
}

// OpenWithFactory opens a paged file over the given disk factory. If the
// log file is non-empty, recovery reconciles it before the file is usable.
func OpenWithFactory(factory disk.Factory, opts Options) (*File, error) {
	opts = opts.withDefaults()

	f := &File{
		opts:    opts,
		factory: factory,
		store:   memstore.New(opts.MaxMemoryBytes),
		index:   wal.NewIndex(),
		onEvent: opts.OnEvent,
	}
	f.quiesce = sync.NewCond(&f.quiesceMu)
	f.store.OnPressure(func() { f.checkpointNeeded.Store(true) })

	if !opts.ReadOnly {
		if err := factory.Lock(); err != nil {
			return nil, err
		}
	}

	if err := f.openHeader(); err != nil {
		if f.dataWriteStream != nil {
			f.dataWriteStream.Close()
		}
		if !opts.ReadOnly {
			factory.Unlock()
		}
		return nil, err
	}

	f.dataPool = disk.NewStreamPool(opts.MaxPooledStreams, func() (disk.Stream, error) {
		return factory.GetStream(false, false)
	})
	f.logPool = disk.NewStreamPool(opts.MaxPooledStreams, func() (disk.Stream, error) {
		return factory.GetStream(false, true)
	})

	if factory.Exists(true) {
		if err := f.recover(); err != nil {
			f.Dispose()
			return nil, err
		}
	}
	return f, nil
}

// openHeader validates the data-file header, creating it on a fresh file.
// A malformed data-file header is fatal.
func (f *File) openHeader() error {
	encrypted := len(f.opts.EncryptionKey) > 0

	if f.factory.Exists(false) {
		rs, err := f.factory.GetStream(false, false)
		if err != nil {
			return err
		}
		raw := make([]byte, page.Size)
		if _, err := rs.ReadAt(raw, 0); err != nil && err != io.EOF {
			rs.Close()
			return err
		}
		rs.Close()

		hb := page.Wrap(raw)
		hdr, err := dbfile.DecodeHeader(hb.Body())
		if err != nil {
			return fmt.Errorf("pagefile: invalid data file: %w", err)
		}
		if hdr.Encrypted != encrypted {
			return ErrEncryptionMismatch
		}
		f.header = hdr
	} else {
		if f.opts.ReadOnly {
			return ErrNotFound
		}
		f.header = dbfile.NewHeader(page.Size, encrypted)
		ws, err := f.factory.GetStream(true, false)
		if err != nil {
			return err
		}
		if err := writeHeaderPage(ws, f.header); err != nil {
			ws.Close()
			return err
		}
		if err := ws.Sync(); err != nil {
			ws.Close()
			return err
		}
		f.dataWriteStream = ws
	}

	if encrypted {
		c, err := newPageCipher(f.opts.EncryptionKey, f.header.Salt)
		if err != nil {
			return err
		}
		f.cipher = c
	}

	f.length.Store(int64(f.header.Length))
	return nil
}

// Length returns the current logical length of the data file in bytes.
func (f *File) Length() int64 {
	return f.length.Load()
}

// MemoryBufferSize returns the bytes currently allocated across memory
// store segments.
func (f *File) MemoryBufferSize() int64 {
	return f.store.BufferSize()
}

// Stats returns a snapshot of the diagnostic event counters.
func (f *File) Stats() Stats {
	return f.counters.snapshot()
}

// Allocate reserves the next page position at the end of the file and
// returns it.
func (f *File) Allocate() int64 {
	for {
		cur := f.length.Load()
		if f.length.CompareAndSwap(cur, cur+page.Size) {
			return cur
		}
	}
}

// GetReader returns a per-caller read handle. The reader must be used by a
// single goroutine and closed when done.
func (f *File) GetReader(writable bool) (*Reader, error) {
	if f.closed.Load() {
		return nil, ErrDisposed
	}
	if writable && f.opts.ReadOnly {
		return nil, ErrReadOnly
	}

	f.quiesceMu.Lock()
	f.readerCount++
	f.quiesceMu.Unlock()

	return &Reader{f: f, writable: writable}, nil
}

// readerDone is called by Reader.Close.
func (f *File) readerDone() {
	f.quiesceMu.Lock()
	f.readerCount--
	f.quiesce.Broadcast()
	f.quiesceMu.Unlock()
}

// Begin starts a transaction, returning its id. If the log has grown past
// the checkpoint threshold, the checkpoint runs first so the log can be
// recycled before more pages are queued.
func (f *File) Begin() (uint64, error) {
	if f.closed.Load() {
		return 0, ErrDisposed
	}
	if f.checkpointNeeded.Load() {
		if err := f.checkpoint(false); err != nil {
			return 0, err
		}
	}
	return f.index.NextTxID(), nil
}

// WriteAsync enqueues a batch of pages on the writer and returns
// immediately. Ownership of the buffers transfers to the writer; callers
// must not touch them afterwards. The final page of a transaction must
// carry the confirmed flag.
func (f *File) WriteAsync(pages []*page.Buffer) error {
	if f.closed.Load() {
		return ErrDisposed
	}
	if f.opts.ReadOnly {
		return ErrReadOnly
	}

	w, err := f.ensureWriter()
	if err != nil {
		return err
	}
	for _, buf := range pages {
		// Capture identity first: once queued, the buffer belongs to the
		// worker and may be restamped concurrently.
		pos := buf.Position()
		txID := buf.TxID()
		if err := w.QueuePage(buf); err != nil {
			return err
		}
		f.emit(Event{Kind: EventQueue, Position: pos, TxID: txID})
	}
	w.RunQueue()
	return nil
}

// SetLengthAsync schedules a logical length change. The physical data file
// is brought to the logical length at the next checkpoint.
func (f *File) SetLengthAsync(length int64) error {
	if f.closed.Load() {
		return ErrDisposed
	}
	if f.opts.ReadOnly {
		return ErrReadOnly
	}
	f.length.Store(length)
	f.emit(Event{Kind: EventQueue, Position: length})
	return nil
}

// WaitCompletion blocks until every previously enqueued operation is
// durable at OS granularity.
func (f *File) WaitCompletion() error {
	f.mu.Lock()
	w := f.writer
	f.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.WaitCompletion()
}

// Rollback discards the pending pages of an aborted transaction and runs a
// checkpoint so the log space they occupy is reclaimed. No open readers may
// remain.
func (f *File) Rollback(txID uint64) error {
	if f.closed.Load() {
		return ErrDisposed
	}
	if err := f.WaitCompletion(); err != nil {
		return err
	}
	f.index.DiscardPending(txID)
	return f.checkpoint(true)
}

// Checkpoint promotes all confirmed log pages into the data file and
// truncates the log. It is skipped when readers are active or a transaction
// is in flight.
func (f *File) Checkpoint() error {
	if f.closed.Load() {
		return ErrDisposed
	}
	return f.checkpoint(false)
}

// Dispose drains the writer, checkpoints, truncates the log, and releases
// every stream. The file is unusable afterwards.
func (f *File) Dispose() error {
	if f.closed.Swap(true) {
		return nil
	}

	var firstErr error
	f.mu.Lock()
	w := f.writer
	f.mu.Unlock()

	if w != nil {
		if err := f.checkpoint(true); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := w.Dispose(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	f.mu.Lock()
	if f.logWriteStream != nil {
		if err := f.logWriteStream.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		f.logWriteStream = nil
	}
	if f.dataWriteStream != nil {
		if err := f.dataWriteStream.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		f.dataWriteStream = nil
	}
	f.mu.Unlock()

	if f.dataPool != nil {
		if err := f.dataPool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if f.logPool != nil {
		if err := f.logPool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if !f.opts.ReadOnly {
		if err := f.factory.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// emit records and publishes one diagnostic event.
func (f *File) emit(ev Event) {
	f.counters.record(ev.Kind)
	if f.onEvent != nil {
		f.onEvent(ev)
	}
}

// fetch reads a page through the memory store: cache hit, or physical read
// plus decrypt and checksum validation, then promotion into the readable
// map. The store lock is never held across the disk read.
func (f *File) fetch(origin page.Origin, stream disk.Stream, phys int64) (*page.Buffer, error) {
	buf, hit, err := f.store.GetReadable(origin, phys)
	if err != nil {
		return nil, err
	}
	if hit {
		return buf, nil
	}

	if _, err := stream.ReadAt(buf.Data(), phys); err != nil && err != io.EOF {
		f.store.Discard(buf)
		return nil, err
	}
	if f.cipher != nil && !buf.HeaderIsZero() && encryptable(buf.Type()) {
		f.cipher.apply(phys, buf.Body())
	}
	if err := buf.VerifyChecksum(); err != nil {
		f.store.Discard(buf)
		return nil, err
	}

	f.emit(Event{Kind: EventRead, Position: phys, TxID: buf.TxID()})
	return f.store.MoveToReadable(buf), nil
}

// ensureWriter constructs the writer and the log write stream on the first
// mutation, so read-only use of an existing file needs no write-side
// resources.
func (f *File) ensureWriter() (*Writer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writer == nil {
		lws, err := f.factory.GetStream(true, true)
		if err != nil {
			return nil, err
		}
		f.logWriteStream = lws
		f.logHeaderWritten = false
		f.writer = newWriter(f.cipher, f.pageWritten)
		f.writer.SetTarget(lws, true, 0)
	}

	if !f.logHeaderWritten {
		if err := f.writeLogHeader(); err != nil {
			return nil, err
		}
	}
	return f.writer, nil
}

// writeLogHeader initializes the log file with its header page. Called with
// f.mu held and the writer drained.
func (f *File) writeLogHeader() error {
	if f.logHeader == nil {
		f.logHeader = wal.NewLogHeader(page.Size)
	} else {
		f.logHeader.Reset()
	}
	f.logHeader.LastConfirmedTx = f.index.LastConfirmedTx()

	raw := make([]byte, page.Size)
	hb := page.Wrap(raw)
	hb.SetType(page.TypeLogHeader)
	f.logHeader.Encode(hb.Body())
	hb.UpdateChecksum()

	if _, err := f.logWriteStream.WriteAt(raw, 0); err != nil {
		return err
	}
	if err := f.logWriteStream.Sync(); err != nil {
		return err
	}
	f.writer.SetTarget(f.logWriteStream, true, page.Size)
	f.logHeaderWritten = true
	return nil
}

// pageWritten is the writer's ack: it runs on the worker goroutine after a
// page reaches the stream. Log pages register in the WAL index and become
// readable at their log offset; a confirmed page promotes its transaction
// and may request a checkpoint.
func (f *File) pageWritten(buf *page.Buffer, phys int64, logMode bool) {
	txID := buf.TxID()
	confirmed := buf.Confirmed()

	if logMode {
		f.index.Append(txID, buf.LogicalPosition(), phys)
		buf.SetOrigin(page.OriginLog)
		buf.SetPosition(phys)
	} else {
		buf.SetOrigin(page.OriginData)
	}

	moved := f.store.MoveToReadable(buf)
	f.store.Return(moved)

	f.emit(Event{Kind: EventWrite, Position: phys, TxID: txID})

	if logMode && confirmed {
		f.index.Confirm(txID)
		if f.opts.Mode != ModeLogFile {
			logPages := (f.writer.Length() - page.Size) / page.Size
			if logPages >= int64(f.opts.CheckpointThresholdPages) {
				f.checkpointNeeded.Store(true)
			}
		}
	}
}

// checkpoint copies every confirmed log page back into the data file,
// flushes it, truncates the log to nothing, and resets the WAL index. With
// force it waits for readers to finish; otherwise it backs off when the
// file is busy.
func (f *File) checkpoint(force bool) error {
	f.txMu.Lock()
	defer f.txMu.Unlock()

	f.mu.Lock()
	w := f.writer
	f.mu.Unlock()
	if w == nil {
		f.checkpointNeeded.Store(false)
		return nil
	}
	if err := w.WaitCompletion(); err != nil {
		return err
	}

	f.quiesceMu.Lock()
	if force {
		for f.readerCount > 0 {
			f.quiesce.Wait()
		}
	} else if f.readerCount > 0 || f.index.HasPending() {
		f.quiesceMu.Unlock()
		return nil
	}
	f.quiesceMu.Unlock()

	f.emit(Event{Kind: EventCheckpoint})

	entries := f.index.Snapshot()
	if len(entries) > 0 || uint64(f.length.Load()) != f.header.Length {
		if err := f.copyToDataFile(w, entries); err != nil {
			return err
		}
	}

	// Truncate the log to nothing; the header page is rewritten lazily on
	// the next log write.
	f.mu.Lock()
	if f.logWriteStream != nil {
		if err := f.logWriteStream.SetLength(0); err != nil {
			f.mu.Unlock()
			return err
		}
		if err := f.logWriteStream.Sync(); err != nil {
			f.mu.Unlock()
			return err
		}
		f.logHeaderWritten = false
		w.SetTarget(f.logWriteStream, true, 0)
	}
	f.mu.Unlock()

	f.index.Reset()
	f.store.InvalidateOrigin(page.OriginLog)
	f.checkpointNeeded.Store(false)
	return nil
}

// copyToDataFile drains the confirmed entries through the writer in
// data-file mode, extends the file to its logical length, updates the
// header page, and syncs.
func (f *File) copyToDataFile(w *Writer, entries []wal.Entry) error {
	ws, err := f.ensureDataWriteStream()
	if err != nil {
		return err
	}
	physLen, err := ws.Length()
	if err != nil {
		return err
	}
	w.SetTarget(ws, false, physLen)

	logStream, err := f.logPool.Get()
	if err != nil {
		return err
	}
	defer f.logPool.Put(logStream)

	maxEnd := f.length.Load()
	for _, e := range entries {
		src, err := f.fetch(page.OriginLog, logStream, e.Offset)
		if err != nil {
			return err
		}
		buf, err := f.store.GetWritable(e.Position)
		if err != nil {
			f.store.Return(src)
			return err
		}
		copy(buf.Data(), src.Data())
		buf.SetPosition(e.Position)
		buf.SetLogicalPosition(e.Position)
		buf.SetTxID(0)
		buf.SetConfirmed(false)
		f.store.Return(src)

		if err := w.QueuePage(buf); err != nil {
			return err
		}
		if end := e.Position + page.Size; end > maxEnd {
			maxEnd = end
		}
	}

	if maxEnd > f.length.Load() {
		f.length.Store(maxEnd)
	}
	if err := w.QueueLength(maxEnd); err != nil {
		return err
	}

	w.RunQueue()
	if err := w.WaitCompletion(); err != nil {
		return err
	}
	if err := w.Sync(); err != nil {
		return err
	}

	// Persist the header with the new logical length and change counter.
	f.header.ChangeCounter++
	f.header.Length = uint64(maxEnd)
	f.header.LastCkptTx = f.index.LastConfirmedTx()

	hb, err := f.store.GetWritable(0)
	if err != nil {
		return err
	}
	hb.SetType(page.TypeFileHeader)
	copy(hb.Body(), f.header.Encode())
	if err := w.QueuePage(hb); err != nil {
		return err
	}
	w.RunQueue()
	if err := w.WaitCompletion(); err != nil {
		return err
	}
	return w.Sync()
}

// ensureDataWriteStream lazily opens the write stream over the data file.
// Called outside the store lock.
func (f *File) ensureDataWriteStream() (disk.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dataWriteStream == nil {
		ws, err := f.factory.GetStream(true, false)
		if err != nil {
			return nil, err
		}
		f.dataWriteStream = ws
	}
	return f.dataWriteStream, nil
}

// writeHeaderPage writes the data-file header into page 0 of the stream.
func writeHeaderPage(stream disk.Stream, hdr *dbfile.Header) error {
	raw := make([]byte, page.Size)
	hb := page.Wrap(raw)
	hb.SetType(page.TypeFileHeader)
	copy(hb.Body(), hdr.Encode())
	hb.UpdateChecksum()
	_, err := stream.WriteAt(raw, 0)
	return err
}
