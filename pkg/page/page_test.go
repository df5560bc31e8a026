// pkg/page/page_test.go
package page

import (
	"testing"
)

func newTestBuffer() *Buffer {
	return Wrap(make([]byte, Size))
}

func TestHeaderRoundTrip(t *testing.T) {
	b := newTestBuffer()

	b.SetType(TypeData)
	b.SetTxID(42)
	b.SetLogicalPosition(3 * Size)
	b.SetConfirmed(true)

	if b.Type() != TypeData {
		t.Errorf("expected type %v, got %v", TypeData, b.Type())
	}
	if b.TxID() != 42 {
		t.Errorf("expected tx 42, got %d", b.TxID())
	}
	if b.LogicalPosition() != 3*Size {
		t.Errorf("expected logical position %d, got %d", 3*Size, b.LogicalPosition())
	}
	if !b.Confirmed() {
		t.Error("expected confirmed flag set")
	}

	b.SetConfirmed(false)
	if b.Confirmed() {
		t.Error("expected confirmed flag cleared")
	}
}

func TestChecksumVerify(t *testing.T) {
	b := newTestBuffer()
	b.SetType(TypeData)
	for i := range b.Body() {
		b.Body()[i] = byte(i % 251)
	}
	b.UpdateChecksum()

	if err := b.VerifyChecksum(); err != nil {
		t.Fatalf("checksum should verify: %v", err)
	}

	// Corrupt one body byte
	b.Body()[100] ^= 0xff
	err := b.VerifyChecksum()
	if err == nil {
		t.Fatal("expected checksum mismatch")
	}
	if _, ok := err.(*ChecksumError); !ok {
		t.Fatalf("expected *ChecksumError, got %T", err)
	}
}

func TestChecksumSkipsUninitialized(t *testing.T) {
	b := newTestBuffer()
	if err := b.VerifyChecksum(); err != nil {
		t.Fatalf("all-zero page should pass verification: %v", err)
	}
}

func TestPinUnpin(t *testing.T) {
	b := newTestBuffer()
	b.Pin()
	b.Pin()
	if b.Share() != 2 {
		t.Errorf("expected share 2, got %d", b.Share())
	}
	if n := b.Unpin(); n != 1 {
		t.Errorf("expected share 1 after unpin, got %d", n)
	}
}

func TestReset(t *testing.T) {
	b := newTestBuffer()
	b.SetType(TypeIndex)
	b.SetOrigin(OriginLog)
	b.SetPosition(Size)
	b.SetDirty(true)
	b.Pin()
	b.SetStamp(7)

	b.Reset()

	if b.Type() != TypeEmpty || b.Origin() != OriginNone || b.Position() != 0 {
		t.Error("reset did not clear page identity")
	}
	if b.IsDirty() || b.Share() != 0 || b.Stamp() != 0 {
		t.Error("reset did not clear bookkeeping")
	}
}
