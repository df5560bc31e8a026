// pkg/dbfile/header.go
// Package dbfile implements the loam data file header. The body of page 0
// carries the header; the rest of the file is a sequence of fixed-size pages
// addressed by byte position.
package dbfile

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
)

const (
	// HeaderSize is the size of the encoded header in bytes.
	HeaderSize = 72

	// MagicString identifies a valid loam data file. It must be exactly
	// 16 bytes.
	MagicString = "loam format 1\x00\x00\x00"

	// FormatVersion is the current data file format version.
	FormatVersion = 1
)

// Header field offsets
const (
	offsetMagic         = 0  // 16 bytes: magic string
	offsetPageSize      = 16 // 4 bytes: page size
	offsetFormatVersion = 20 // 4 bytes: file format version
	offsetChangeCounter = 24 // 4 bytes: incremented whenever a checkpoint or recovery rewrites the data file
	offsetFlags         = 28 // 4 bytes: bit 0 = encrypted
	offsetLength        = 32 // 8 bytes: logical file length in bytes
	offsetFileID        = 40 // 16 bytes: file identity UUID
	offsetSalt          = 56 // 8 bytes: encryption salt
	offsetLastCkptTx    = 64 // 8 bytes: last checkpointed transaction id
)

// flagEncrypted marks a file whose page bodies are encrypted.
const flagEncrypted = 0x01

// Errors
var (
	ErrInvalidMagic    = errors.New("dbfile: invalid magic string: not a loam data file")
	ErrHeaderTooShort  = errors.New("dbfile: header data too short")
	ErrInvalidVersion  = errors.New("dbfile: unsupported format version")
	ErrInvalidPageSize = errors.New("dbfile: invalid page size")
)

// Header represents the data file header stored in page 0.
type Header struct {
	PageSize      uint32
	FormatVersion uint32
	ChangeCounter uint32
	Encrypted     bool
	Length        uint64 // logical data length in bytes, header page included
	FileID        uuid.UUID
	Salt          [8]byte
	LastCkptTx    uint64
}

// NewHeader creates a header for a fresh data file with a random identity
// and encryption salt.
func NewHeader(pageSize uint32, encrypted bool) *Header {
	h := &Header{
		PageSize:      pageSize,
		FormatVersion: FormatVersion,
		Encrypted:     encrypted,
		Length:        uint64(pageSize), // header page itself
		FileID:        uuid.New(),
	}
	rand.Read(h.Salt[:])
	return h
}

// Encode serializes the header to a HeaderSize-byte slice.
func (h *Header) Encode() []byte {
	data := make([]byte, HeaderSize)

	copy(data[offsetMagic:], MagicString)
	binary.LittleEndian.PutUint32(data[offsetPageSize:], h.PageSize)
	binary.LittleEndian.PutUint32(data[offsetFormatVersion:], h.FormatVersion)
	binary.LittleEndian.PutUint32(data[offsetChangeCounter:], h.ChangeCounter)

	var flags uint32
	if h.Encrypted {
		flags |= flagEncrypted
	}
	binary.LittleEndian.PutUint32(data[offsetFlags:], flags)

	binary.LittleEndian.PutUint64(data[offsetLength:], h.Length)
	copy(data[offsetFileID:], h.FileID[:])
	copy(data[offsetSalt:], h.Salt[:])
	binary.LittleEndian.PutUint64(data[offsetLastCkptTx:], h.LastCkptTx)

	return data
}

// DecodeHeader deserializes a header from a byte slice.
func DecodeHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, ErrHeaderTooShort
	}
	if string(data[offsetMagic:offsetMagic+16]) != MagicString {
		return nil, ErrInvalidMagic
	}

	h := &Header{
		PageSize:      binary.LittleEndian.Uint32(data[offsetPageSize:]),
		FormatVersion: binary.LittleEndian.Uint32(data[offsetFormatVersion:]),
		ChangeCounter: binary.LittleEndian.Uint32(data[offsetChangeCounter:]),
		Length:        binary.LittleEndian.Uint64(data[offsetLength:]),
		LastCkptTx:    binary.LittleEndian.Uint64(data[offsetLastCkptTx:]),
	}
	if h.FormatVersion != FormatVersion {
		return nil, ErrInvalidVersion
	}
	if h.PageSize == 0 || h.PageSize&(h.PageSize-1) != 0 {
		return nil, ErrInvalidPageSize
	}

	flags := binary.LittleEndian.Uint32(data[offsetFlags:])
	h.Encrypted = flags&flagEncrypted != 0

	copy(h.FileID[:], data[offsetFileID:offsetFileID+16])
	copy(h.Salt[:], data[offsetSalt:offsetSalt+8])

	return h, nil
}
