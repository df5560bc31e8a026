// pkg/page/page.go
// Package page defines the fixed-size page unit shared by the data file and
// the write-ahead log, together with the in-memory Buffer that the memory
// store pools and the readers and the writer pass around.
//
// # PAGE LAYOUT
//
// Every page is Size bytes. The first HeaderSize bytes form the page header,
// little-endian:
//
//	0:     page type
//	1:     flags (bit 0 = confirmed, last page of a transaction)
//	2-3:   reserved
//	4-11:  transaction id
//	12-19: logical position (byte offset in the data file)
//	20-27: content checksum (BLAKE3-256 truncated to 8 bytes, plaintext body)
//	28-31: reserved
//
// The remaining BodySize bytes are opaque to this subsystem. The checksum is
// computed over the plaintext body before any encryption and is stored
// unencrypted so a reader can validate a page after decrypting it.
package page

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/zeebo/blake3"
)

const (
	// Size is the fixed page size in bytes.
	Size = 8192

	// HeaderSize is the size of the page header in bytes.
	HeaderSize = 32

	// BodySize is the number of payload bytes in a page.
	BodySize = Size - HeaderSize

	// SegmentPages is the number of pages in one memory segment (slab).
	SegmentPages = 128
)

// Header field offsets
const (
	offsetType      = 0
	offsetFlags     = 1
	offsetTxID      = 4
	offsetLogicalPos = 12
	offsetChecksum  = 20
)

// flagConfirmed marks the final page of a transaction.
const flagConfirmed = 0x01

// Type identifies the kind of data stored in a page.
type Type byte

const (
	TypeEmpty      Type = 0x00
	TypeFileHeader Type = 0x01
	TypeLogHeader  Type = 0x02
	TypeCollection Type = 0x10
	TypeData       Type = 0x11
	TypeIndex      Type = 0x12
)

// Origin identifies which physical file a buffer's content came from.
type Origin byte

const (
	// OriginNone marks a writable buffer not yet tied to a file.
	OriginNone Origin = 0
	// OriginData marks content read from or destined for the data file.
	OriginData Origin = 1
	// OriginLog marks content living in the write-ahead log file.
	OriginLog Origin = 2
)

// String returns a short name for the origin.
func (o Origin) String() string {
	switch o {
	case OriginData:
		return "data"
	case OriginLog:
		return "log"
	default:
		return "none"
	}
}

// ChecksumError reports a page whose stored checksum does not match its
// content. On a log page the caller falls back to the data-file version; on
// a data page it is fatal.
type ChecksumError struct {
	Origin   Origin
	Position int64
	Expected uint64
	Actual   uint64
}

// Error implements the error interface.
func (e *ChecksumError) Error() string {
	return fmt.Sprintf("page checksum mismatch at %s:%d: expected %016x, got %016x",
		e.Origin, e.Position, e.Expected, e.Actual)
}

// Buffer is an in-memory slot holding one page plus bookkeeping. Buffers are
// owned by the memory store for their entire life; readers hold non-owning
// references that stay valid while the share counter is nonzero.
type Buffer struct {
	data     []byte // Size bytes, backed by a store segment
	origin   Origin
	position int64 // physical byte offset in the origin file
	dirty    bool
	share    atomic.Int32 // reference count held by readers and the writer
	stamp    uint64       // monotonic sequence stamp, LRU surrogate
}

// Wrap creates a Buffer over an existing page-sized slice. Used by the store
// for slab-backed slots and by recovery for transient scan buffers.
func Wrap(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Data returns the raw page bytes, header included.
func (b *Buffer) Data() []byte {
	return b.data
}

// Body returns the payload bytes after the header.
func (b *Buffer) Body() []byte {
	return b.data[HeaderSize:]
}

// Origin returns the buffer's current file origin.
func (b *Buffer) Origin() Origin {
	return b.origin
}

// SetOrigin sets the buffer's file origin.
func (b *Buffer) SetOrigin(o Origin) {
	b.origin = o
}

// Position returns the physical byte offset of the page in its origin file.
func (b *Buffer) Position() int64 {
	return b.position
}

// SetPosition sets the physical byte offset.
func (b *Buffer) SetPosition(pos int64) {
	b.position = pos
}

// IsDirty returns whether the buffer holds unpersisted changes.
func (b *Buffer) IsDirty() bool {
	return b.dirty
}

// SetDirty marks or clears the dirty flag.
func (b *Buffer) SetDirty(dirty bool) {
	b.dirty = dirty
}

// Share returns the current share counter.
func (b *Buffer) Share() int32 {
	return b.share.Load()
}

// Pin increments the share counter.
func (b *Buffer) Pin() {
	b.share.Add(1)
}

// Unpin decrements the share counter and returns the new value.
func (b *Buffer) Unpin() int32 {
	return b.share.Add(-1)
}

// Stamp returns the buffer's sequence stamp.
func (b *Buffer) Stamp() uint64 {
	return b.stamp
}

// SetStamp sets the buffer's sequence stamp.
func (b *Buffer) SetStamp(stamp uint64) {
	b.stamp = stamp
}

// Type returns the page type from the header.
func (b *Buffer) Type() Type {
	return Type(b.data[offsetType])
}

// SetType sets the page type in the header.
func (b *Buffer) SetType(t Type) {
	b.data[offsetType] = byte(t)
}

// TxID returns the transaction id from the header.
func (b *Buffer) TxID() uint64 {
	return binary.LittleEndian.Uint64(b.data[offsetTxID:])
}

// SetTxID sets the transaction id in the header.
func (b *Buffer) SetTxID(tx uint64) {
	binary.LittleEndian.PutUint64(b.data[offsetTxID:], tx)
}

// LogicalPosition returns the logical data-file position from the header.
// For a page living in the log this differs from Position.
func (b *Buffer) LogicalPosition() int64 {
	return int64(binary.LittleEndian.Uint64(b.data[offsetLogicalPos:]))
}

// SetLogicalPosition sets the logical data-file position in the header.
func (b *Buffer) SetLogicalPosition(pos int64) {
	binary.LittleEndian.PutUint64(b.data[offsetLogicalPos:], uint64(pos))
}

// Confirmed returns whether this page carries the confirmed flag.
func (b *Buffer) Confirmed() bool {
	return b.data[offsetFlags]&flagConfirmed != 0
}

// SetConfirmed sets or clears the confirmed flag.
func (b *Buffer) SetConfirmed(confirmed bool) {
	if confirmed {
		b.data[offsetFlags] |= flagConfirmed
	} else {
		b.data[offsetFlags] &^= flagConfirmed
	}
}

// StoredChecksum returns the checksum recorded in the header.
func (b *Buffer) StoredChecksum() uint64 {
	return binary.LittleEndian.Uint64(b.data[offsetChecksum:])
}

// Checksum computes the content checksum over the body.
func (b *Buffer) Checksum() uint64 {
	sum := blake3.Sum256(b.Body())
	return binary.LittleEndian.Uint64(sum[:8])
}

// UpdateChecksum recomputes the body checksum and stores it in the header.
func (b *Buffer) UpdateChecksum() {
	binary.LittleEndian.PutUint64(b.data[offsetChecksum:], b.Checksum())
}

// VerifyChecksum validates the stored checksum against the body. A page whose
// type is TypeEmpty and whose stored checksum is zero counts as
// uninitialized and passes without checking the body.
func (b *Buffer) VerifyChecksum() error {
	stored := b.StoredChecksum()
	if stored == 0 && b.Type() == TypeEmpty {
		return nil
	}
	actual := b.Checksum()
	if stored != actual {
		return &ChecksumError{
			Origin:   b.origin,
			Position: b.position,
			Expected: stored,
			Actual:   actual,
		}
	}
	return nil
}

// HeaderIsZero reports whether the page header bytes are all zero, the state
// of a never-written region of the file.
func (b *Buffer) HeaderIsZero() bool {
	for _, c := range b.data[:HeaderSize] {
		if c != 0 {
			return false
		}
	}
	return true
}

// Reset zeroes the page content and clears bookkeeping so the slot can be
// reused from the free list.
func (b *Buffer) Reset() {
	clear(b.data)
	b.origin = OriginNone
	b.position = 0
	b.dirty = false
	b.share.Store(0)
	b.stamp = 0
}
