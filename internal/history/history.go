// Package history holds the bounded, newest-first sample history shared by
// the sampler (single writer) and any number of readers.
//
// Readers either take a snapshot (Latest, Since, All) or block in WaitNext
// until the sampler pushes again. Every Push wakes every blocked reader.
package history

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// History is a fixed-capacity ring of samples.
//
// History is safe for concurrent use.
type History struct {
	mu       sync.RWMutex
	data     []Sample
	head     int // Next write position
	count    int // Current number of samples
	capacity int

	// notify is closed on every Push and replaced by a fresh channel.
	notify chan struct{}

	// Statistics
	pushCount  atomic.Int64
	evictCount atomic.Int64
	waiters    atomic.Int64
}

// New creates a History holding at most capacity samples.
func New(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{
		data:     make([]Sample, capacity),
		capacity: capacity,
		notify:   make(chan struct{}),
	}
}

// Capacity returns ceil(limit / interval), the number of samples needed to
// cover limit at one sample per interval. The result is at least 1.
func Capacity(limit, interval time.Duration) int {
	if limit <= 0 || interval <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(limit) / float64(interval)))
	if n < 1 {
		return 1
	}
	return n
}

// =============================================================================
// Write
// =============================================================================

// Push inserts s as the newest sample, evicting the oldest when full, and
// wakes all readers blocked in WaitNext.
func (h *History) Push(s Sample) {
	h.mu.Lock()
	if h.count >= h.capacity {
		h.evictCount.Add(1)
	} else {
		h.count++
	}
	h.data[h.head] = s
	h.head = (h.head + 1) % h.capacity
	ch := h.notify
	h.notify = make(chan struct{})
	h.mu.Unlock()

	h.pushCount.Add(1)
	close(ch)
}

// =============================================================================
// Read
// =============================================================================

// WaitNext blocks until a Push happens after the call begins and returns
// the newest sample at wake-up time. Pushes that land while the reader is
// waking coalesce: the reader gets the newest, not necessarily the one
// that woke it.
//
// With a context that is never cancelled WaitNext blocks until the next
// Push, however long that takes.
func (h *History) WaitNext(ctx context.Context) (Sample, error) {
	h.mu.RLock()
	ch := h.notify
	h.mu.RUnlock()

	h.waiters.Add(1)
	defer h.waiters.Add(-1)

	select {
	case <-ch:
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	}

	s, _ := h.Latest()
	return s, nil
}

// Latest returns the newest sample. Returns false if the history is empty.
func (h *History) Latest() (Sample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return Sample{}, false
	}
	return h.at(0), true
}

// Since returns all retained samples with a timestamp at or after t,
// newest-first. Wall-clock steps can break time order, so the whole ring
// is scanned.
func (h *History) Since(t time.Time) []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]Sample, 0)
	for i := 0; i < h.count; i++ {
		s := h.at(i)
		if !s.Timestamp.Before(t) {
			result = append(result, s)
		}
	}
	return result
}

// All returns every retained sample, newest-first.
func (h *History) All() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]Sample, h.count)
	for i := range result {
		result[i] = h.at(i)
	}
	return result
}

// at returns the i-th newest sample. Caller holds mu.
func (h *History) at(i int) Sample {
	idx := (h.head - 1 - i + h.capacity) % h.capacity
	return h.data[idx]
}

// Len returns the current number of samples.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Cap returns the capacity of the history.
func (h *History) Cap() int {
	return h.capacity
}

// =============================================================================
// Statistics
// =============================================================================

// BufferStats holds history statistics.
type BufferStats struct {
	Capacity  int       `json:"capacity"`
	Count     int       `json:"count"`
	Pushes    int64     `json:"pushes"`
	Evictions int64     `json:"evictions"`
	Waiters   int64     `json:"waiters"`
	Oldest    time.Time `json:"oldest,omitempty"`
	Newest    time.Time `json:"newest,omitempty"`
}

// Stats returns history statistics.
func (h *History) Stats() BufferStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := BufferStats{
		Capacity:  h.capacity,
		Count:     h.count,
		Pushes:    h.pushCount.Load(),
		Evictions: h.evictCount.Load(),
		Waiters:   h.waiters.Load(),
	}
	if h.count > 0 {
		st.Newest = h.at(0).Timestamp
		st.Oldest = h.at(h.count - 1).Timestamp
	}
	return st
}

// Waiters returns the number of readers currently blocked in WaitNext.
func (h *History) Waiters() int {
	return int(h.waiters.Load())
}
