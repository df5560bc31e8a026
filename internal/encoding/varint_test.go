// internal/encoding/varint_test.go
package encoding

import (
	"bytes"
	"testing"
)

func TestVarintEncoding(t *testing.T) {
	tests := []struct {
		value   uint64
		encoded []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x81, 0x00}},
		{255, []byte{0x81, 0x7f}},
		{16383, []byte{0xff, 0x7f}},
		{16384, []byte{0x81, 0x80, 0x00}},
	}

	for _, tt := range tests {
		if got := VarintLen(tt.value); got != len(tt.encoded) {
			t.Errorf("VarintLen(%d): expected %d, got %d", tt.value, len(tt.encoded), got)
		}

		buf := make([]byte, MaxVarintLen)
		n := PutVarint(buf, tt.value)
		if !bytes.Equal(buf[:n], tt.encoded) {
			t.Errorf("PutVarint(%d): expected % x, got % x", tt.value, tt.encoded, buf[:n])
		}

		value, consumed := GetVarint(tt.encoded)
		if value != tt.value || consumed != len(tt.encoded) {
			t.Errorf("GetVarint(% x): expected (%d, %d), got (%d, %d)",
				tt.encoded, tt.value, len(tt.encoded), value, consumed)
		}
	}
}

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 255, 256, 16383, 16384, 1 << 20, 1 << 30, 1 << 40}
	for _, v := range values {
		buf := make([]byte, MaxVarintLen)
		n := PutVarint(buf, v)
		got, consumed := GetVarint(buf[:n])
		if got != v || consumed != n {
			t.Errorf("round trip of %d: got %d, consumed %d of %d bytes", v, got, consumed, n)
		}
	}
}

func TestGetVarintEmpty(t *testing.T) {
	if value, consumed := GetVarint(nil); value != 0 || consumed != 0 {
		t.Errorf("GetVarint(nil): expected (0, 0), got (%d, %d)", value, consumed)
	}
}

func TestGetVarintTruncated(t *testing.T) {
	// A lone continuation byte consumes the whole buffer without
	// terminating; the consumed count exposes the truncation.
	value, consumed := GetVarint([]byte{0x81})
	if consumed != 1 {
		t.Errorf("expected 1 byte consumed, got %d", consumed)
	}
	if value != 1 {
		t.Errorf("expected partial value 1, got %d", value)
	}
}
