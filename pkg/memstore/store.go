// pkg/memstore/store.go
// Package memstore implements the bounded page-buffer pool. It owns every
// Buffer for the life of the subsystem: buffers are allocated in whole
// segments (slabs), handed out to readers through a readable map keyed by
// (origin, position), recycled through a free list, and evicted clean and
// unpinned in LRU order when the free list runs dry.
package memstore

import (
	"errors"
	"sync"

	"loam/pkg/page"
)

var (
	// ErrCapacityExhausted is returned when a new segment would exceed the
	// configured memory limit and no buffer can be evicted.
	ErrCapacityExhausted = errors.New("memstore: memory limit reached and no buffer is evictable")
)

// pressureThreshold is the fraction of the memory limit at which the
// pressure callback fires.
const pressureThreshold = 0.8

// Key identifies a cached page by its file origin and physical position.
type Key struct {
	Origin   page.Origin
	Position int64
}

// Stats is a snapshot of store counters.
type Stats struct {
	Segments    int
	BufferBytes int64
	Readable    int
	Free        int
	Hits        int64
	Misses      int64
	Evictions   int64
}

// Store owns the pool of page buffers. All state mutations are serialized
// under a single store-wide lock; the lock is never held across disk I/O.
type Store struct {
	mu       sync.RWMutex
	readable map[Key]*page.Buffer
	free     []*page.Buffer
	segments [][]byte
	seq      uint64
	maxBytes int64

	hits      int64
	misses    int64
	evictions int64

	onPressure    func()
	underPressure bool
}

// New creates a store. maxBytes bounds total segment memory; zero means
// unbounded.
func New(maxBytes int64) *Store {
	return &Store{
		readable: make(map[Key]*page.Buffer),
		maxBytes: maxBytes,
	}
}

// OnPressure registers a callback fired once each time segment usage crosses
// the pressure threshold. Callers use it to request a checkpoint.
func (s *Store) OnPressure(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPressure = fn
}

// BufferSize returns the bytes currently allocated across segments. It is
// non-decreasing for the life of the store.
func (s *Store) BufferSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.segments)) * page.SegmentPages * page.Size
}

// GetReadable returns the cached buffer for (origin, position) with its
// share counter incremented, or, on a miss, a fresh pinned slot the caller
// must populate from disk and hand back through MoveToReadable.
func (s *Store) GetReadable(origin page.Origin, position int64) (*page.Buffer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key{Origin: origin, Position: position}
	if buf, ok := s.readable[key]; ok {
		buf.Pin()
		s.touch(buf)
		s.hits++
		return buf, true, nil
	}

	buf, err := s.acquireSlot()
	if err != nil {
		return nil, false, err
	}
	buf.SetOrigin(origin)
	buf.SetPosition(position)
	buf.Pin()
	s.misses++
	return buf, false, nil
}

// GetWritable returns a fresh zeroed slot for the given logical position.
// The buffer is pinned, dirty, and not keyed in the readable map; the caller
// fills it and hands it to the writer.
func (s *Store) GetWritable(position int64) (*page.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := s.acquireSlot()
	if err != nil {
		return nil, err
	}
	buf.SetPosition(position)
	buf.SetLogicalPosition(position)
	buf.SetDirty(true)
	buf.Pin()
	return buf, nil
}

// MoveToReadable inserts a just-populated buffer into the readable map at
// its (origin, position) key and clears the dirty flag. If another buffer
// already occupies the key, the pinned one wins: a pinned incumbent absorbs
// the caller's reference and the duplicate slot is recycled, while a stale
// unpinned incumbent is replaced. The returned buffer is the canonical one.
func (s *Store) MoveToReadable(buf *page.Buffer) *page.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key{Origin: buf.Origin(), Position: buf.Position()}
	if existing, ok := s.readable[key]; ok && existing != buf {
		if existing.Share() > 0 {
			existing.Pin()
			s.touch(existing)
			s.recycle(buf)
			return existing
		}
		delete(s.readable, key)
		s.recycle(existing)
	}
	buf.SetDirty(false)
	s.touch(buf)
	s.readable[key] = buf
	return buf
}

// Return decrements the share counter. A buffer whose counter reaches zero
// stays in the readable map until the eviction scan reclaims it.
func (s *Store) Return(buf *page.Buffer) {
	buf.Unpin()
}

// Discard releases a writable buffer that was never moved to the readable
// map, returning its slot to the free list.
func (s *Store) Discard(buf *page.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recycle(buf)
}

// InvalidateOrigin drops every unpinned readable entry with the given
// origin. Called after the log is truncated, when log offsets become stale.
func (s *Store) InvalidateOrigin(origin page.Origin) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, buf := range s.readable {
		if key.Origin != origin || buf.Share() > 0 {
			continue
		}
		delete(s.readable, key)
		s.recycle(buf)
	}
}

// Stats returns a snapshot of store counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Segments:    len(s.segments),
		BufferBytes: int64(len(s.segments)) * page.SegmentPages * page.Size,
		Readable:    len(s.readable),
		Free:        len(s.free),
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
	}
}

// touch stamps a buffer with the next sequence number. Callers hold the lock.
func (s *Store) touch(buf *page.Buffer) {
	s.seq++
	buf.SetStamp(s.seq)
}

// recycle zeroes a buffer and pushes it onto the free list. Callers hold the
// lock.
func (s *Store) recycle(buf *page.Buffer) {
	buf.Reset()
	s.free = append(s.free, buf)
}

// acquireSlot finds a reusable buffer: free list first, then eviction of the
// oldest clean unpinned readable entry, then a new segment. Callers hold the
// lock.
func (s *Store) acquireSlot() (*page.Buffer, error) {
	if n := len(s.free); n > 0 {
		buf := s.free[n-1]
		s.free = s.free[:n-1]
		return buf, nil
	}

	if buf := s.evict(); buf != nil {
		return buf, nil
	}

	if err := s.addSegment(); err != nil {
		return nil, err
	}
	n := len(s.free)
	buf := s.free[n-1]
	s.free = s.free[:n-1]
	return buf, nil
}

// evict removes the readable entry with the lowest stamp among clean,
// unpinned buffers and returns its reset slot, or nil if none qualifies.
func (s *Store) evict() *page.Buffer {
	var victim *page.Buffer
	var victimKey Key
	for key, buf := range s.readable {
		if buf.Share() > 0 || buf.IsDirty() {
			continue
		}
		if victim == nil || buf.Stamp() < victim.Stamp() {
			victim = buf
			victimKey = key
		}
	}
	if victim == nil {
		return nil
	}
	delete(s.readable, victimKey)
	s.evictions++
	victim.Reset()
	return victim
}

// addSegment allocates one slab and carves it into free buffers.
func (s *Store) addSegment() error {
	const segmentBytes = page.SegmentPages * page.Size

	newTotal := int64(len(s.segments)+1) * segmentBytes
	if s.maxBytes > 0 && newTotal > s.maxBytes {
		s.firePressure()
		return ErrCapacityExhausted
	}

	slab := make([]byte, segmentBytes)
	s.segments = append(s.segments, slab)
	for i := 0; i < page.SegmentPages; i++ {
		s.free = append(s.free, page.Wrap(slab[i*page.Size:(i+1)*page.Size]))
	}

	if s.maxBytes > 0 && float64(newTotal) >= float64(s.maxBytes)*pressureThreshold {
		s.firePressure()
	}
	return nil
}

// firePressure invokes the callback once per transition into pressure.
// Callers hold the lock; the callback runs on its own goroutine.
func (s *Store) firePressure() {
	if s.underPressure || s.onPressure == nil {
		return
	}
	s.underPressure = true
	go s.onPressure()
}
