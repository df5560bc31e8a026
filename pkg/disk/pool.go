// pkg/disk/pool.go
package disk

import (
	"sync"
)

// DefaultMaxPooledStreams bounds how many idle read streams a pool keeps.
const DefaultMaxPooledStreams = 8

// PoolStats contains statistics about a stream pool.
type PoolStats struct {
	MaxIdle      int
	NumIdle      int
	TotalGets    int64
	TotalPuts    int64
	TotalCreated int64
	TotalClosed  int64
}

// StreamPool hands out read streams so each reader owns a private handle.
// Idle streams beyond the cap are closed on return rather than pooled.
type StreamPool struct {
	mu     sync.Mutex
	idle   []Stream
	max    int
	open   func() (Stream, error)
	closed bool

	totalGets    int64
	totalPuts    int64
	totalCreated int64
	totalClosed  int64
}

// NewStreamPool creates a pool. max bounds idle streams; zero or negative
// uses DefaultMaxPooledStreams.
func NewStreamPool(max int, open func() (Stream, error)) *StreamPool {
	if max <= 0 {
		max = DefaultMaxPooledStreams
	}
	return &StreamPool{max: max, open: open}
}

// Get pulls an idle stream or opens a new one.
func (p *StreamPool) Get() (Stream, error) {
	p.mu.Lock()
	p.totalGets++
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return s, nil
	}
	p.totalCreated++
	p.mu.Unlock()

	return p.open()
}

// Put returns a stream to the pool, closing it if the pool is full or
// already closed.
func (p *StreamPool) Put(s Stream) {
	if s == nil {
		return
	}
	p.mu.Lock()
	p.totalPuts++
	if !p.closed && len(p.idle) < p.max {
		p.idle = append(p.idle, s)
		p.mu.Unlock()
		return
	}
	p.totalClosed++
	p.mu.Unlock()

	s.Close()
}

// Close closes all idle streams and marks the pool closed.
func (p *StreamPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var firstErr error
	for _, s := range p.idle {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.totalClosed++
	}
	p.idle = nil
	return firstErr
}

// Stats returns a snapshot of pool statistics.
func (p *StreamPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		MaxIdle:      p.max,
		NumIdle:      len(p.idle),
		TotalGets:    p.totalGets,
		TotalPuts:    p.totalPuts,
		TotalCreated: p.totalCreated,
		TotalClosed:  p.totalClosed,
	}
}
