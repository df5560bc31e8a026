// pkg/pagefile/pagefile_test.go
package pagefile

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"loam/pkg/page"
)

// readRawPage reads page bytes straight from the data file, bypassing the
// engine.
func readRawPage(path string, pos int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw := make([]byte, page.Size)
	if _, err := f.ReadAt(raw, pos); err != nil && err != io.EOF {
		return nil, err
	}
	return raw, nil
}

// eventLog collects emitted events across goroutines.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// writeOne commits a single page filled with fill at a fresh position and
// returns that position.
func writeOne(t *testing.T, f *File, fill byte) int64 {
	t.Helper()

	tx, err := f.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	r, err := f.GetReader(true)
	if err != nil {
		t.Fatalf("GetReader failed: %v", err)
	}
	buf, err := r.NewPage()
	if err != nil {
		t.Fatalf("NewPage failed: %v", err)
	}
	buf.SetType(page.TypeData)
	for i := range buf.Body() {
		buf.Body()[i] = fill
	}
	buf.SetTxID(tx)
	buf.SetConfirmed(true)
	pos := buf.Position()
	r.Close()

	if err := f.WriteAsync([]*page.Buffer{buf}); err != nil {
		t.Fatalf("WriteAsync failed: %v", err)
	}
	if err := f.WaitCompletion(); err != nil {
		t.Fatalf("WaitCompletion failed: %v", err)
	}
	return pos
}

// readBody returns the body of the page at pos.
func readBody(t *testing.T, f *File, pos int64) []byte {
	t.Helper()

	r, err := f.GetReader(false)
	if err != nil {
		t.Fatalf("GetReader failed: %v", err)
	}
	defer r.Close()
	buf, err := r.ReadPage(pos)
	if err != nil {
		t.Fatalf("ReadPage(%d) failed: %v", pos, err)
	}
	out := make([]byte, page.BodySize)
	copy(out, buf.Body())
	return out
}

// crash abandons the file without a checkpoint, simulating a process kill
// after the queued log writes reached the OS.
func crash(t *testing.T, f *File) {
	t.Helper()

	f.closed.Store(true)
	if f.writer != nil {
		f.writer.Dispose()
	}
	if f.logWriteStream != nil {
		f.logWriteStream.Close()
		f.logWriteStream = nil
	}
	if f.dataWriteStream != nil {
		f.dataWriteStream.Close()
		f.dataWriteStream = nil
	}
	f.dataPool.Close()
	f.logPool.Close()
	f.factory.Unlock()
}

func TestSmallWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	f, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	pos := writeOne(t, f, 0xAA)

	// Visible before dispose, out of the log.
	body := readBody(t, f, pos)
	if body[0] != 0xAA || body[page.BodySize-1] != 0xAA {
		t.Fatal("read before dispose returned wrong content")
	}

	if err := f.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}

	f2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer f2.Dispose()

	body = readBody(t, f2, pos)
	expected := bytes.Repeat([]byte{0xAA}, page.BodySize)
	if !bytes.Equal(body, expected) {
		t.Fatal("read after reopen returned wrong content")
	}
}

func TestLastConfirmedVersionWins(t *testing.T) {
	f, err := Open("", Options{Mode: ModeTempFile})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Dispose()

	pos := writeOne(t, f, 1)

	for fill := byte(2); fill <= 5; fill++ {
		tx, _ := f.Begin()
		r, _ := f.GetReader(true)
		buf, err := r.WriteCopy(pos)
		if err != nil {
			t.Fatalf("WriteCopy failed: %v", err)
		}
		for i := range buf.Body() {
			buf.Body()[i] = fill
		}
		buf.SetTxID(tx)
		buf.SetConfirmed(true)
		r.Close()
		if err := f.WriteAsync([]*page.Buffer{buf}); err != nil {
			t.Fatalf("WriteAsync failed: %v", err)
		}
		if err := f.WaitCompletion(); err != nil {
			t.Fatalf("WaitCompletion failed: %v", err)
		}
	}

	body := readBody(t, f, pos)
	if body[0] != 5 {
		t.Fatalf("expected latest confirmed version 5, got %d", body[0])
	}
}

func TestPartialTransactionInvisible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	log := &eventLog{}

	f, err := Open(path, Options{OnEvent: log.record})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// One confirmed transaction.
	confirmedPos := writeOne(t, f, 0x11)

	// Ten pages of a second transaction, no confirmed page.
	tx, _ := f.Begin()
	r, _ := f.GetReader(true)
	var pending []*page.Buffer
	var pendingPos []int64
	for i := 0; i < 10; i++ {
		buf, err := r.NewPage()
		if err != nil {
			t.Fatalf("NewPage failed: %v", err)
		}
		buf.SetType(page.TypeData)
		buf.Body()[0] = 0x22
		buf.SetTxID(tx)
		pendingPos = append(pendingPos, buf.Position())
		pending = append(pending, buf)
	}
	r.Close()
	if err := f.WriteAsync(pending); err != nil {
		t.Fatalf("WriteAsync failed: %v", err)
	}
	if err := f.WaitCompletion(); err != nil {
		t.Fatalf("WaitCompletion failed: %v", err)
	}

	// Unconfirmed pages are invisible even before the crash.
	for _, pos := range pendingPos {
		body := readBody(t, f, pos)
		if body[0] != 0 {
			t.Fatal("pending page visible before confirm")
		}
	}

	crash(t, f)

	f2, err := Open(path, Options{OnEvent: log.record})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer f2.Dispose()

	if log.count(EventRecovery) == 0 {
		t.Error("expected a recovery event on reopen")
	}

	body := readBody(t, f2, confirmedPos)
	if body[0] != 0x11 {
		t.Error("confirmed transaction lost in recovery")
	}
	for _, pos := range pendingPos {
		body := readBody(t, f2, pos)
		if body[0] != 0 {
			t.Error("unconfirmed page observable after recovery")
		}
	}
}

func TestCheckpointThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	log := &eventLog{}

	f, err := Open(path, Options{
		CheckpointThresholdPages: 4,
		OnEvent:                  log.record,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Dispose()

	var positions []int64
	for i := byte(1); i <= 8; i++ {
		positions = append(positions, writeOne(t, f, i))
	}

	if log.count(EventCheckpoint) == 0 {
		t.Fatal("expected at least one checkpoint event")
	}

	// Every confirmed write stays visible across checkpoints.
	for i, pos := range positions {
		body := readBody(t, f, pos)
		if body[0] != byte(i+1) {
			t.Fatalf("page %d lost after checkpoint: got %d", i, body[0])
		}
	}
}

func TestDisposeLeavesEmptyLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	f, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	writeOne(t, f, 0x33)
	if err := f.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}

	f2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer f2.Dispose()

	if f2.factory.Exists(true) {
		t.Error("log file should be empty after clean dispose")
	}
	if f2.Stats().Recoveries != 0 {
		t.Error("clean reopen should not need recovery")
	}
}

func TestEncryptionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	key := []byte("correct horse battery staple")

	f, err := Open(path, Options{EncryptionKey: key})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	pos := writeOne(t, f, 0x5a)
	if err := f.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}

	// The data file must not contain the plaintext body.
	raw, err := readRawPage(path, pos)
	if err != nil {
		t.Fatalf("raw read failed: %v", err)
	}
	if bytes.Equal(raw[page.HeaderSize:], bytes.Repeat([]byte{0x5a}, page.BodySize)) {
		t.Fatal("page body stored in plaintext despite encryption")
	}

	// Same key reads the original bytes.
	f2, err := Open(path, Options{EncryptionKey: key})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	body := readBody(t, f2, pos)
	if !bytes.Equal(body, bytes.Repeat([]byte{0x5a}, page.BodySize)) {
		t.Fatal("decryption with the right key failed")
	}
	f2.Dispose()

	// A different key surfaces a checksum mismatch.
	f3, err := Open(path, Options{EncryptionKey: []byte("wrong key")})
	if err != nil {
		t.Fatalf("reopen with wrong key failed: %v", err)
	}
	defer f3.Dispose()

	r, _ := f3.GetReader(false)
	defer r.Close()
	_, err = r.ReadPage(pos)
	var ce *page.ChecksumError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ChecksumError with wrong key, got %v", err)
	}
}

func TestOpenWithoutKeyOnEncryptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	f, err := Open(path, Options{EncryptionKey: []byte("k")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	f.Dispose()

	if _, err := Open(path, Options{}); err != ErrEncryptionMismatch {
		t.Fatalf("expected ErrEncryptionMismatch, got %v", err)
	}
}

func TestEventCounters(t *testing.T) {
	f, err := Open("", Options{Mode: ModeTempFile})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Dispose()

	writeOne(t, f, 0x01)

	stats := f.Stats()
	if stats.Queued == 0 {
		t.Error("expected queue events")
	}
	if stats.Writes == 0 {
		t.Error("expected write events")
	}
}

func TestRollbackDiscardsPending(t *testing.T) {
	log := &eventLog{}
	f, err := Open("", Options{Mode: ModeTempFile, OnEvent: log.record})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Dispose()

	keepPos := writeOne(t, f, 0x44)

	tx, _ := f.Begin()
	r, _ := f.GetReader(true)
	buf, _ := r.WriteCopy(keepPos)
	for i := range buf.Body() {
		buf.Body()[i] = 0x55
	}
	buf.SetTxID(tx)
	r.Close()
	if err := f.WriteAsync([]*page.Buffer{buf}); err != nil {
		t.Fatalf("WriteAsync failed: %v", err)
	}

	before := log.count(EventCheckpoint)
	if err := f.Rollback(tx); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if log.count(EventCheckpoint) <= before {
		t.Error("rollback should run a checkpoint")
	}

	body := readBody(t, f, keepPos)
	if body[0] != 0x44 {
		t.Error("rollback leaked uncommitted content")
	}
}

func TestMemoryBufferSizeMonotone(t *testing.T) {
	f, err := Open("", Options{Mode: ModeTempFile})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Dispose()

	last := f.MemoryBufferSize()
	for i := 0; i < 300; i++ {
		writeOne(t, f, byte(i))
		now := f.MemoryBufferSize()
		if now < last {
			t.Fatalf("MemoryBufferSize decreased: %d -> %d", last, now)
		}
		last = now
	}
}
