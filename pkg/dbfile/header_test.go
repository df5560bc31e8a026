// pkg/dbfile/header_test.go
package dbfile

import (
	"testing"

	"github.com/google/uuid"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := NewHeader(8192, true)
	h.ChangeCounter = 7
	h.Length = 3 * 8192
	h.LastCkptTx = 21

	got, err := DecodeHeader(h.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if got.PageSize != 8192 {
		t.Errorf("expected page size 8192, got %d", got.PageSize)
	}
	if !got.Encrypted {
		t.Error("expected encrypted flag")
	}
	if got.ChangeCounter != 7 || got.Length != 3*8192 || got.LastCkptTx != 21 {
		t.Error("counters did not round-trip")
	}
	if got.FileID != h.FileID {
		t.Error("file id did not round-trip")
	}
	if got.Salt != h.Salt {
		t.Error("salt did not round-trip")
	}
}

func TestHeaderDefaults(t *testing.T) {
	h := NewHeader(8192, false)
	if h.Length != 8192 {
		t.Errorf("fresh file should contain only the header page, length %d", h.Length)
	}
	if h.FileID == uuid.Nil {
		t.Error("expected a random file id")
	}
	var zero [8]byte
	if h.Salt == zero {
		t.Error("expected a random salt")
	}
}

func TestDecodeHeaderErrors(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, 10)); err != ErrHeaderTooShort {
		t.Errorf("expected ErrHeaderTooShort, got %v", err)
	}

	if _, err := DecodeHeader(make([]byte, HeaderSize)); err != ErrInvalidMagic {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}

	bad := NewHeader(8192, false).Encode()
	bad[offsetFormatVersion] = 0xff
	if _, err := DecodeHeader(bad); err != ErrInvalidVersion {
		t.Errorf("expected ErrInvalidVersion, got %v", err)
	}

	bad = NewHeader(8192, false).Encode()
	bad[offsetPageSize] = 0x03 // not a power of two
	if _, err := DecodeHeader(bad); err != ErrInvalidPageSize {
		t.Errorf("expected ErrInvalidPageSize, got %v", err)
	}
}
