// pkg/doc/doc_test.go
package doc

import (
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := Document{
		{Name: "name", Value: "document-1"},
		{Name: "type", Value: int64(1)},
		{Name: "score", Value: 0.5},
		{Name: "active", Value: true},
		{Name: "blob", Value: []byte{0x01, 0x02}},
		{Name: "note", Value: nil},
	}

	encoded := d.Encode(nil)
	if len(encoded) != d.EncodedSize() {
		t.Fatalf("EncodedSize %d != actual %d", d.EncodedSize(), len(encoded))
	}

	got, n, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if n != len(encoded) {
		t.Errorf("expected %d bytes consumed, got %d", len(encoded), n)
	}
	if len(got) != len(d) {
		t.Fatalf("expected %d fields, got %d", len(d), len(got))
	}
	for i, f := range d {
		if got[i].Name != f.Name {
			t.Errorf("field %d: expected name %q, got %q", i, f.Name, got[i].Name)
		}
		if !Equal(got[i].Value, f.Value) {
			t.Errorf("field %q: expected %v, got %v", f.Name, f.Value, got[i].Value)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	d := Document{{Name: "name", Value: "abcdef"}}
	encoded := d.Encode(nil)

	for cut := 1; cut < len(encoded); cut++ {
		if _, _, err := Decode(encoded[:cut]); err == nil {
			t.Errorf("decode of %d/%d bytes should fail", cut, len(encoded))
		}
	}
}

func TestGetSet(t *testing.T) {
	d := Document{{Name: "type", Value: int64(1)}}

	v, ok := d.Get("type")
	if !ok || v.(int64) != 1 {
		t.Fatal("Get failed")
	}
	if _, ok := d.Get("missing"); ok {
		t.Fatal("Get of missing field should fail")
	}

	d = d.Set("type", int64(2))
	v, _ = d.Get("type")
	if v.(int64) != 2 {
		t.Error("Set did not replace value")
	}

	d = d.Set("new", "x")
	if len(d) != 2 {
		t.Error("Set should append missing field")
	}
}

func TestEqualAcrossKinds(t *testing.T) {
	if Equal(int64(1), "1") {
		t.Error("int and string must not compare equal")
	}
	if !Equal(nil, nil) {
		t.Error("nil should equal nil")
	}
	if Equal([]byte{1}, []byte{2}) {
		t.Error("different byte slices should differ")
	}
	if !Equal([]byte{1, 2}, []byte{1, 2}) {
		t.Error("equal byte slices should match")
	}
}

func TestHashValueStable(t *testing.T) {
	if HashValue(int64(1)) != HashValue(int64(1)) {
		t.Error("hash must be deterministic")
	}
	if HashValue(int64(1)) == HashValue(int64(2)) {
		t.Error("different values should hash differently")
	}
	if HashValue(int64(1)) == HashValue("1") {
		t.Error("values of different kinds should hash differently")
	}
}
