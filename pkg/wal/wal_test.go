// pkg/wal/wal_test.go
package wal

import (
	"testing"
)

func TestLogHeaderRoundTrip(t *testing.T) {
	h := NewLogHeader(8192)
	h.LastConfirmedTx = 99

	buf := make([]byte, HeaderEncodedSize)
	h.Encode(buf)

	got, err := DecodeLogHeader(buf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.PageSize != 8192 {
		t.Errorf("expected page size 8192, got %d", got.PageSize)
	}
	if got.LastConfirmedTx != 99 {
		t.Errorf("expected last confirmed tx 99, got %d", got.LastConfirmedTx)
	}
	if got.Salt1 != h.Salt1 || got.Salt2 != h.Salt2 {
		t.Error("salts did not round-trip")
	}
}

func TestLogHeaderBadMagic(t *testing.T) {
	buf := make([]byte, HeaderEncodedSize)
	if _, err := DecodeLogHeader(buf); err != ErrInvalidMagic {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}

	h := NewLogHeader(8192)
	h.Encode(buf)
	buf[4] = 0xff // version
	if _, err := DecodeLogHeader(buf); err != ErrInvalidVersion {
		t.Errorf("expected ErrInvalidVersion, got %v", err)
	}

	if _, err := DecodeLogHeader(buf[:8]); err != ErrHeaderTooShort {
		t.Errorf("expected ErrHeaderTooShort, got %v", err)
	}
}

func TestLogHeaderReset(t *testing.T) {
	h := NewLogHeader(8192)
	seq, salt1 := h.CheckpointSeq, h.Salt1
	h.LastConfirmedTx = 10

	h.Reset()

	if h.CheckpointSeq != seq+1 {
		t.Errorf("expected sequence %d, got %d", seq+1, h.CheckpointSeq)
	}
	if h.Salt1 != salt1+1 {
		t.Errorf("expected salt1 %d, got %d", salt1+1, h.Salt1)
	}
	if h.LastConfirmedTx != 0 {
		t.Error("reset should clear last confirmed tx")
	}
}

func TestPendingInvisibleUntilConfirm(t *testing.T) {
	x := NewIndex()
	tx := x.NextTxID()

	x.Append(tx, 8192, 8192)
	x.Append(tx, 16384, 16384)

	if _, ok := x.Offset(8192); ok {
		t.Fatal("pending entry should be invisible")
	}
	if !x.HasPending() {
		t.Fatal("expected pending transaction")
	}

	if n := x.Confirm(tx); n != 2 {
		t.Fatalf("expected 2 promoted pages, got %d", n)
	}
	if x.HasPending() {
		t.Fatal("pending record should be erased after confirm")
	}

	off, ok := x.Offset(8192)
	if !ok || off != 8192 {
		t.Errorf("expected confirmed offset 8192, got %d (%v)", off, ok)
	}
	if x.LastConfirmedTx() != tx {
		t.Errorf("expected last confirmed tx %d, got %d", tx, x.LastConfirmedTx())
	}
}

func TestConfirmKeepsLatestOffset(t *testing.T) {
	x := NewIndex()

	tx1 := x.NextTxID()
	x.Append(tx1, 8192, 8192)
	x.Confirm(tx1)

	tx2 := x.NextTxID()
	x.Append(tx2, 8192, 24576)
	x.Confirm(tx2)

	off, ok := x.Offset(8192)
	if !ok || off != 24576 {
		t.Errorf("expected freshest confirmed offset 24576, got %d", off)
	}
	if x.ConfirmedLen() != 1 {
		t.Errorf("expected one confirmed position, got %d", x.ConfirmedLen())
	}
}

func TestDiscardPending(t *testing.T) {
	x := NewIndex()
	tx := x.NextTxID()
	x.Append(tx, 8192, 8192)
	x.Append(tx, 16384, 16384)

	if n := x.DiscardPending(tx); n != 2 {
		t.Fatalf("expected 2 discarded pages, got %d", n)
	}
	if x.HasPending() {
		t.Fatal("expected no pending after discard")
	}
	if _, ok := x.Offset(8192); ok {
		t.Fatal("discarded entry must never become visible")
	}
}

func TestSnapshotSorted(t *testing.T) {
	x := NewIndex()
	tx := x.NextTxID()
	x.Append(tx, 3*8192, 8192)
	x.Append(tx, 8192, 16384)
	x.Append(tx, 2*8192, 24576)
	x.Confirm(tx)

	entries := x.Snapshot()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Position < entries[i-1].Position {
			t.Fatal("snapshot not sorted by position")
		}
	}
}

func TestResetKeepsTxCounterMonotonic(t *testing.T) {
	x := NewIndex()
	tx1 := x.NextTxID()
	x.Append(tx1, 8192, 8192)
	x.Confirm(tx1)

	x.Reset()

	if x.ConfirmedLen() != 0 || x.HasPending() {
		t.Fatal("reset should clear both maps")
	}
	if tx2 := x.NextTxID(); tx2 <= tx1 {
		t.Errorf("transaction ids must stay monotonic across reset: %d <= %d", tx2, tx1)
	}
}
