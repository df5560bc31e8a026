// pkg/wal/index.go
package wal

import (
	"sort"
	"sync"
)

// Entry pairs a logical data-file position with the log offset holding its
// page.
type Entry struct {
	Position int64
	Offset   int64
}

// Index tracks which log pages belong to confirmed transactions. Readers
// resolve positions through the confirmed map only; pages of transactions
// still pending are invisible, so a partial transaction has no effect.
type Index struct {
	mu sync.RWMutex

	// confirmed maps logical position to the highest log offset whose page
	// belongs to a confirmed transaction.
	confirmed map[int64]int64

	// pending maps transaction id to the entries written so far.
	pending map[uint64][]Entry

	lastConfirmedTx uint64
	txCounter       uint64
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		confirmed: make(map[int64]int64),
		pending:   make(map[uint64][]Entry),
	}
}

// NextTxID returns a new monotonic transaction id.
func (x *Index) NextTxID() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.txCounter++
	return x.txCounter
}

// Append records that a page of the given transaction now lives at the
// given log offset. The entry stays invisible until Confirm.
func (x *Index) Append(txID uint64, position, offset int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.pending[txID] = append(x.pending[txID], Entry{Position: position, Offset: offset})
}

// Confirm atomically promotes every pending entry of the transaction into
// the confirmed map and erases the pending record. Returns the number of
// promoted pages.
func (x *Index) Confirm(txID uint64) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	entries := x.pending[txID]
	for _, e := range entries {
		x.confirmed[e.Position] = e.Offset
	}
	delete(x.pending, txID)
	if txID > x.lastConfirmedTx {
		x.lastConfirmedTx = txID
	}
	if txID > x.txCounter {
		x.txCounter = txID
	}
	return len(entries)
}

// DiscardPending erases the pending record of an aborted transaction and
// returns the number of dropped pages. The log pages themselves are
// reclaimed by the next checkpoint or open.
func (x *Index) DiscardPending(txID uint64) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := len(x.pending[txID])
	delete(x.pending, txID)
	return n
}

// Offset returns the confirmed log offset for a logical position, if any.
func (x *Index) Offset(position int64) (int64, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	off, ok := x.confirmed[position]
	return off, ok
}

// ConfirmedLen returns the number of positions with a confirmed log page.
func (x *Index) ConfirmedLen() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.confirmed)
}

// HasPending reports whether any transaction has unconfirmed pages.
func (x *Index) HasPending() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.pending) > 0
}

// LastConfirmedTx returns the highest confirmed transaction id.
func (x *Index) LastConfirmedTx() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.lastConfirmedTx
}

// Snapshot returns the confirmed entries sorted by position, for the
// checkpoint to copy into the data file.
func (x *Index) Snapshot() []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	entries := make([]Entry, 0, len(x.confirmed))
	for pos, off := range x.confirmed {
		entries = append(entries, Entry{Position: pos, Offset: off})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Position < entries[j].Position
	})
	return entries
}

// Reset clears both maps after a checkpoint truncates the log. The
// transaction counter keeps advancing so ids stay unique for the session.
func (x *Index) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.confirmed = make(map[int64]int64)
	x.pending = make(map[uint64][]Entry)
	x.lastConfirmedTx = 0
}
