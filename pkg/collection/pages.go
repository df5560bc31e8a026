// pkg/collection/pages.go
package collection

import (
	"encoding/binary"
	"errors"
	"sort"

	"loam/internal/encoding"
	"loam/pkg/doc"
	"loam/pkg/page"
)

// RootPosition is the fixed position of the collection header page, right
// after the file header page.
const RootPosition = int64(page.Size)

// Collection header body layout
const (
	hdrOffDocCount      = 0  // 8 bytes
	hdrOffFirstDataPage = 8  // 8 bytes
	hdrOffLastDataPage  = 16 // 8 bytes
	hdrOffDataPages     = 24 // 8 bytes
	hdrOffIndexRoot     = 32 // 8 bytes
	hdrOffIndexPages    = 40 // 8 bytes
	hdrOffFieldLen      = 48 // 2 bytes
	hdrOffFieldName     = 50 // up to maxFieldName bytes

	maxFieldName = 64
)

// Data and index page body layout: both start with a next pointer, then a
// small counter region, then their record area.
const (
	pageOffNext  = 0  // 8 bytes
	pageOffUsed  = 8  // 2 bytes (data pages: record bytes in use)
	pageOffCount = 10 // 2 bytes
	pageOffRecords = 12

	recordCapacity = page.BodySize - pageOffRecords

	indexEntrySize     = 16 // hash uint64 + data page position int64
	indexEntriesPerPage = recordCapacity / indexEntrySize
)

var (
	// ErrDocumentTooLarge is returned when an encoded document cannot fit
	// in an empty data page.
	ErrDocumentTooLarge = errors.New("collection: document exceeds page capacity")

	// ErrFieldNameTooLong is returned for index field names over the
	// header limit.
	ErrFieldNameTooLong = errors.New("collection: index field name too long")

	// ErrInvalidRoot is returned when the collection header page has the
	// wrong type.
	ErrInvalidRoot = errors.New("collection: invalid collection header page")
)

// header is the decoded collection header page.
type header struct {
	docCount      uint64
	firstDataPage int64
	lastDataPage  int64
	dataPages     uint64
	indexRoot     int64
	indexPages    uint64
	indexField    string
}

// decodeHeader reads the collection header from a page body.
func decodeHeader(body []byte) (*header, error) {
	fieldLen := binary.LittleEndian.Uint16(body[hdrOffFieldLen:])
	if fieldLen > maxFieldName {
		return nil, ErrInvalidRoot
	}
	return &header{
		docCount:      binary.LittleEndian.Uint64(body[hdrOffDocCount:]),
		firstDataPage: int64(binary.LittleEndian.Uint64(body[hdrOffFirstDataPage:])),
		lastDataPage:  int64(binary.LittleEndian.Uint64(body[hdrOffLastDataPage:])),
		dataPages:     binary.LittleEndian.Uint64(body[hdrOffDataPages:]),
		indexRoot:     int64(binary.LittleEndian.Uint64(body[hdrOffIndexRoot:])),
		indexPages:    binary.LittleEndian.Uint64(body[hdrOffIndexPages:]),
		indexField:    string(body[hdrOffFieldName : hdrOffFieldName+int(fieldLen)]),
	}, nil
}

// encode writes the collection header into a page body.
func (h *header) encode(body []byte) {
	binary.LittleEndian.PutUint64(body[hdrOffDocCount:], h.docCount)
	binary.LittleEndian.PutUint64(body[hdrOffFirstDataPage:], uint64(h.firstDataPage))
	binary.LittleEndian.PutUint64(body[hdrOffLastDataPage:], uint64(h.lastDataPage))
	binary.LittleEndian.PutUint64(body[hdrOffDataPages:], h.dataPages)
	binary.LittleEndian.PutUint64(body[hdrOffIndexRoot:], uint64(h.indexRoot))
	binary.LittleEndian.PutUint64(body[hdrOffIndexPages:], h.indexPages)
	binary.LittleEndian.PutUint16(body[hdrOffFieldLen:], uint16(len(h.indexField)))
	copy(body[hdrOffFieldName:], h.indexField)
}

// pageNext returns the chained next-page position from a data or index page.
func pageNext(body []byte) int64 {
	return int64(binary.LittleEndian.Uint64(body[pageOffNext:]))
}

// setPageNext links a data or index page to its successor.
func setPageNext(body []byte, next int64) {
	binary.LittleEndian.PutUint64(body[pageOffNext:], uint64(next))
}

// initChainedPage prepares the body of a fresh data or index page.
func initChainedPage(buf *page.Buffer, t page.Type) {
	buf.SetType(t)
	setPageNext(buf.Body(), 0)
	binary.LittleEndian.PutUint16(buf.Body()[pageOffUsed:], 0)
	binary.LittleEndian.PutUint16(buf.Body()[pageOffCount:], 0)
}

// appendRecord appends one length-prefixed document encoding to a data
// page, reporting false when it does not fit.
func appendRecord(body []byte, encoded []byte) bool {
	used := int(binary.LittleEndian.Uint16(body[pageOffUsed:]))
	count := binary.LittleEndian.Uint16(body[pageOffCount:])

	var tmp [9]byte
	n := encoding.PutVarint(tmp[:], uint64(len(encoded)))
	if used+n+len(encoded) > recordCapacity {
		return false
	}

	at := pageOffRecords + used
	copy(body[at:], tmp[:n])
	copy(body[at+n:], encoded)

	binary.LittleEndian.PutUint16(body[pageOffUsed:], uint16(used+n+len(encoded)))
	binary.LittleEndian.PutUint16(body[pageOffCount:], count+1)
	return true
}

// resetRecords clears the record area of a data page, keeping the chain
// link.
func resetRecords(body []byte) {
	binary.LittleEndian.PutUint16(body[pageOffUsed:], 0)
	binary.LittleEndian.PutUint16(body[pageOffCount:], 0)
	clear(body[pageOffRecords:])
}

// decodeRecords parses all documents stored in a data page body.
func decodeRecords(body []byte) ([]doc.Document, error) {
	used := int(binary.LittleEndian.Uint16(body[pageOffUsed:]))
	count := int(binary.LittleEndian.Uint16(body[pageOffCount:]))

	docs := make([]doc.Document, 0, count)
	area := body[pageOffRecords : pageOffRecords+used]
	pos := 0
	for i := 0; i < count; i++ {
		length, n := encoding.GetVarint(area[pos:])
		if n == 0 || pos+n+int(length) > len(area) {
			return nil, doc.ErrTruncated
		}
		d, _, err := doc.Decode(area[pos+n : pos+n+int(length)])
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
		pos += n + int(length)
	}
	return docs, nil
}

// indexEntry is one (value hash, data page) pair.
type indexEntry struct {
	hash     uint64
	dataPage int64
}

// appendIndexEntry adds an entry to an index page, reporting false when the
// page is full.
func appendIndexEntry(body []byte, e indexEntry) bool {
	count := int(binary.LittleEndian.Uint16(body[pageOffCount:]))
	if count >= indexEntriesPerPage {
		return false
	}
	at := pageOffRecords + count*indexEntrySize
	binary.LittleEndian.PutUint64(body[at:], e.hash)
	binary.LittleEndian.PutUint64(body[at+8:], uint64(e.dataPage))
	binary.LittleEndian.PutUint16(body[pageOffCount:], uint16(count+1))
	return true
}

// sortIndexEntries orders entries by hash, then by data page, so equal
// values cluster together in the chain.
func sortIndexEntries(entries []indexEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].hash != entries[j].hash {
			return entries[i].hash < entries[j].hash
		}
		return entries[i].dataPage < entries[j].dataPage
	})
}

// decodeIndexEntries parses all entries of an index page body.
func decodeIndexEntries(body []byte) []indexEntry {
	count := int(binary.LittleEndian.Uint16(body[pageOffCount:]))
	entries := make([]indexEntry, 0, count)
	for i := 0; i < count; i++ {
		at := pageOffRecords + i*indexEntrySize
		entries = append(entries, indexEntry{
			hash:     binary.LittleEndian.Uint64(body[at:]),
			dataPage: int64(binary.LittleEndian.Uint64(body[at+8:])),
		})
	}
	return entries
}
