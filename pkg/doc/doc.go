// pkg/doc/doc.go
// Package doc implements the schema-less document model stored inside data
// pages: ordered named fields with a compact binary encoding built on
// varints.
package doc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/zeebo/blake3"

	"loam/internal/encoding"
)

// Value type tags in the binary encoding.
const (
	tagNil    = 0x00
	tagInt    = 0x01
	tagFloat  = 0x02
	tagString = 0x03
	tagBool   = 0x04
	tagBytes  = 0x05
)

var (
	// ErrTruncated is returned when a document encoding ends early.
	ErrTruncated = errors.New("doc: truncated document encoding")

	// ErrUnknownTag is returned for an unrecognized value tag.
	ErrUnknownTag = errors.New("doc: unknown value tag")
)

// Field is one named value of a document.
type Field struct {
	Name  string
	Value any
}

// Document is an ordered list of fields. Supported value kinds: nil, int64,
// float64, string, bool, and []byte.
type Document []Field

// Get returns the value of the named field.
func (d Document) Get(name string) (any, bool) {
	for _, f := range d {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Set replaces the named field's value, appending the field if absent, and
// returns the updated document.
func (d Document) Set(name string, value any) Document {
	for i, f := range d {
		if f.Name == name {
			d[i].Value = value
			return d
		}
	}
	return append(d, Field{Name: name, Value: value})
}

// EncodedSize returns the number of bytes Encode will produce.
func (d Document) EncodedSize() int {
	n := encoding.VarintLen(uint64(len(d)))
	for _, f := range d {
		n += encoding.VarintLen(uint64(len(f.Name))) + len(f.Name)
		n += valueSize(f.Value)
	}
	return n
}

// Encode appends the binary form of the document to dst.
func (d Document) Encode(dst []byte) []byte {
	var tmp [9]byte

	n := encoding.PutVarint(tmp[:], uint64(len(d)))
	dst = append(dst, tmp[:n]...)

	for _, f := range d {
		n = encoding.PutVarint(tmp[:], uint64(len(f.Name)))
		dst = append(dst, tmp[:n]...)
		dst = append(dst, f.Name...)
		dst = appendValue(dst, f.Value)
	}
	return dst
}

// Decode parses one document from data, returning it and the number of
// bytes consumed.
func Decode(data []byte) (Document, int, error) {
	count, n := encoding.GetVarint(data)
	if n == 0 || count > uint64(len(data)) {
		return nil, 0, ErrTruncated
	}
	pos := n

	d := make(Document, 0, count)
	for i := uint64(0); i < count; i++ {
		nameLen, n := encoding.GetVarint(data[pos:])
		if n == 0 {
			return nil, 0, ErrTruncated
		}
		pos += n
		if pos+int(nameLen) > len(data) {
			return nil, 0, ErrTruncated
		}
		name := string(data[pos : pos+int(nameLen)])
		pos += int(nameLen)

		value, n, err := decodeValue(data[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n

		d = append(d, Field{Name: name, Value: value})
	}
	return d, pos, nil
}

func valueSize(v any) int {
	switch v := v.(type) {
	case nil:
		return 1
	case int64:
		return 1 + 8
	case float64:
		return 1 + 8
	case string:
		return 1 + encoding.VarintLen(uint64(len(v))) + len(v)
	case bool:
		return 1 + 1
	case []byte:
		return 1 + encoding.VarintLen(uint64(len(v))) + len(v)
	default:
		panic(fmt.Sprintf("doc: unsupported value type %T", v))
	}
}

func appendValue(dst []byte, v any) []byte {
	var tmp [9]byte
	switch v := v.(type) {
	case nil:
		return append(dst, tagNil)
	case int64:
		dst = append(dst, tagInt)
		binary.LittleEndian.PutUint64(tmp[:8], uint64(v))
		return append(dst, tmp[:8]...)
	case float64:
		dst = append(dst, tagFloat)
		binary.LittleEndian.PutUint64(tmp[:8], math.Float64bits(v))
		return append(dst, tmp[:8]...)
	case string:
		dst = append(dst, tagString)
		n := encoding.PutVarint(tmp[:], uint64(len(v)))
		dst = append(dst, tmp[:n]...)
		return append(dst, v...)
	case bool:
		if v {
			return append(dst, tagBool, 1)
		}
		return append(dst, tagBool, 0)
	case []byte:
		dst = append(dst, tagBytes)
		n := encoding.PutVarint(tmp[:], uint64(len(v)))
		dst = append(dst, tmp[:n]...)
		return append(dst, v...)
	default:
		panic(fmt.Sprintf("doc: unsupported value type %T", v))
	}
}

func decodeValue(data []byte) (any, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrTruncated
	}
	switch data[0] {
	case tagNil:
		return nil, 1, nil
	case tagInt:
		if len(data) < 9 {
			return nil, 0, ErrTruncated
		}
		return int64(binary.LittleEndian.Uint64(data[1:9])), 9, nil
	case tagFloat:
		if len(data) < 9 {
			return nil, 0, ErrTruncated
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data[1:9])), 9, nil
	case tagString:
		length, n := encoding.GetVarint(data[1:])
		if n == 0 || 1+n+int(length) > len(data) {
			return nil, 0, ErrTruncated
		}
		return string(data[1+n : 1+n+int(length)]), 1 + n + int(length), nil
	case tagBool:
		if len(data) < 2 {
			return nil, 0, ErrTruncated
		}
		return data[1] != 0, 2, nil
	case tagBytes:
		length, n := encoding.GetVarint(data[1:])
		if n == 0 || 1+n+int(length) > len(data) {
			return nil, 0, ErrTruncated
		}
		out := make([]byte, length)
		copy(out, data[1+n:1+n+int(length)])
		return out, 1 + n + int(length), nil
	default:
		return nil, 0, ErrUnknownTag
	}
}

// Equal compares two field values of the same kind.
func Equal(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []byte:
		bv, ok := b.([]byte)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// HashValue returns a 64-bit hash of a field value, used as the index key.
func HashValue(v any) uint64 {
	buf := appendValue(nil, v)
	sum := blake3.Sum256(buf)
	return binary.LittleEndian.Uint64(sum[:8])
}
