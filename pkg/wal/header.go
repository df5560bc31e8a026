// pkg/wal/header.go
// Package wal maintains the write-ahead log bookkeeping: the persisted log
// header and the in-memory index mapping logical page positions to confirmed
// log offsets.
//
// # LOG FILE FORMAT
//
// The log file begins with one header page followed by appended pages. The
// header body holds the following little-endian values:
//
//	0-3:   Magic number (0x6d616f6c, "loam")
//	4-7:   File format version (1)
//	8-11:  Page size
//	12-15: Checkpoint sequence number (incremented with each checkpoint)
//	16-19: Salt-1 (random, incremented with each checkpoint)
//	20-23: Salt-2 (random, changed with each checkpoint)
//	24-31: Last confirmed transaction id
//
// Every appended page carries the regular page header (type, transaction id,
// logical position, confirmed flag, checksum); the final page of each
// transaction has the confirmed flag set. A transaction whose confirmed page
// never reached the log leaves no observable trace.
package wal

import (
	"encoding/binary"
	"errors"
	"math/rand"
)

const (
	// MagicNumber identifies a loam log file.
	MagicNumber = 0x6d616f6c

	// Version is the log file format version.
	Version = 1

	// HeaderEncodedSize is the number of meaningful bytes in the header
	// page body.
	HeaderEncodedSize = 32
)

var (
	ErrInvalidMagic   = errors.New("wal: invalid log magic number")
	ErrInvalidVersion = errors.New("wal: unsupported log version")
	ErrHeaderTooShort = errors.New("wal: log header too short")
)

// LogHeader is the persisted record at the start of the log file.
type LogHeader struct {
	PageSize        uint32
	CheckpointSeq   uint32
	Salt1           uint32
	Salt2           uint32
	LastConfirmedTx uint64
}

// NewLogHeader creates a header for a fresh log with random salts.
func NewLogHeader(pageSize uint32) *LogHeader {
	return &LogHeader{
		PageSize:      pageSize,
		CheckpointSeq: 1,
		Salt1:         rand.Uint32(),
		Salt2:         rand.Uint32(),
	}
}

// Encode writes the header into the given buffer, which must hold at least
// HeaderEncodedSize bytes.
func (h *LogHeader) Encode(data []byte) {
	binary.LittleEndian.PutUint32(data[0:4], MagicNumber)
	binary.LittleEndian.PutUint32(data[4:8], Version)
	binary.LittleEndian.PutUint32(data[8:12], h.PageSize)
	binary.LittleEndian.PutUint32(data[12:16], h.CheckpointSeq)
	binary.LittleEndian.PutUint32(data[16:20], h.Salt1)
	binary.LittleEndian.PutUint32(data[20:24], h.Salt2)
	binary.LittleEndian.PutUint64(data[24:32], h.LastConfirmedTx)
}

// DecodeLogHeader reads and validates a header. A wrong magic number or
// version means the log is from another program or format and is discarded
// by the caller.
func DecodeLogHeader(data []byte) (*LogHeader, error) {
	if len(data) < HeaderEncodedSize {
		return nil, ErrHeaderTooShort
	}
	if binary.LittleEndian.Uint32(data[0:4]) != MagicNumber {
		return nil, ErrInvalidMagic
	}
	if binary.LittleEndian.Uint32(data[4:8]) != Version {
		return nil, ErrInvalidVersion
	}
	return &LogHeader{
		PageSize:        binary.LittleEndian.Uint32(data[8:12]),
		CheckpointSeq:   binary.LittleEndian.Uint32(data[12:16]),
		Salt1:           binary.LittleEndian.Uint32(data[16:20]),
		Salt2:           binary.LittleEndian.Uint32(data[20:24]),
		LastConfirmedTx: binary.LittleEndian.Uint64(data[24:32]),
	}, nil
}

// Reset prepares the header for reuse after a checkpoint: the sequence
// advances, the salts change, and the confirmed counter starts over.
func (h *LogHeader) Reset() {
	h.CheckpointSeq++
	h.Salt1++
	h.Salt2 = rand.Uint32()
	h.LastConfirmedTx = 0
}
