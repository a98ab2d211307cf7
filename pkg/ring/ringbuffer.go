// Package ring implements the fixed-capacity circular container that backs
// every key's version chain in pkg/kvstore. Cells are individually locked so
// independent slots can be mutated concurrently; head and tail are atomic
// absolute counters (the head only advances; the tail advances on Push and
// is retracted only by TruncateFrom).
package ring

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/streamtpg/tpgflow/pkg/metrics"
	"github.com/streamtpg/tpgflow/pkg/tlog"
)

// cell holds one slot plus its own lock, so a write to slot i never
// contends with a read or write of slot j.
type cell[T any] struct {
	mu    sync.RWMutex
	valid bool
	val   T
}

// RingBuffer is a fixed-capacity circular container of T, ordered by
// insertion (callers are expected to push in increasing order of whatever
// key they search on, e.g. timestamp).
type RingBuffer[T any] struct {
	capacity    int
	cells       []*cell[T]
	start       atomic.Uint64 // absolute head index, monotonically increasing
	end         atomic.Uint64 // absolute tail index (one past the last pushed); only TruncateFrom lowers it
	fullToPanic bool

	// growMu serializes the small number of operations (Push, DiscardBefore,
	// TruncateFrom) that move start/end together; individual cell reads
	// under Peek/FindOrdered/SearchBack never take it.
	growMu sync.Mutex
}

// New creates a RingBuffer with the given fixed capacity. fullToPanic
// selects the overflow policy: panic, or evict the oldest slot (logging a
// warning and counting it in metrics.RingOverflowTotal) and let the caller
// observe HeadEqualsTail().
func New[T any](capacity int, fullToPanic bool) *RingBuffer[T] {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	r := &RingBuffer[T]{
		capacity:    capacity,
		cells:       make([]*cell[T], capacity),
		fullToPanic: fullToPanic,
	}
	for i := range r.cells {
		r.cells[i] = &cell[T]{}
	}
	return r
}

func (r *RingBuffer[T]) Capacity() int { return r.capacity }
func (r *RingBuffer[T]) Start() uint64 { return r.start.Load() }
func (r *RingBuffer[T]) End() uint64   { return r.end.Load() }
func (r *RingBuffer[T]) Len() int      { return int(r.end.Load() - r.start.Load()) }

// HeadEqualsTail reports whether the ring is currently either empty or
// completely full, mirroring the source's ambiguous-but-documented
// start==end signal (see spec §4.1, §8 boundary behaviors).
func (r *RingBuffer[T]) HeadEqualsTail() bool {
	return r.start.Load()%uint64(r.capacity) == r.end.Load()%uint64(r.capacity)
}

// Push appends v at the tail. If the ring is full, the overflow policy
// applies: panic when fullToPanic, otherwise the oldest slot is evicted
// (start advances by one) and the push proceeds.
func (r *RingBuffer[T]) Push(v T) {
	r.growMu.Lock()
	defer r.growMu.Unlock()

	if r.end.Load()-r.start.Load() >= uint64(r.capacity) {
		if r.fullToPanic {
			panic("ring: buffer full")
		}
		metrics.RingOverflowTotal.Inc()
		tlog.WithComponent("ring").Warn().
			Int("capacity", r.capacity).
			Uint64("start", r.start.Load()).
			Msg("ring buffer full, evicting oldest record")
		r.start.Add(1)
	}
	idx := r.end.Load() % uint64(r.capacity)
	c := r.cells[idx]
	c.mu.Lock()
	c.valid = true
	c.val = v
	c.mu.Unlock()
	r.end.Add(1)
}

// DiscardBefore advances the head to absolute index n, releasing slots
// [start, n).
func (r *RingBuffer[T]) DiscardBefore(n uint64) error {
	r.growMu.Lock()
	defer r.growMu.Unlock()
	if n < r.start.Load() || n > r.end.Load() {
		return fmt.Errorf("ring: discard_before(%d) out of range [%d,%d]", n, r.start.Load(), r.end.Load())
	}
	r.start.Store(n)
	return nil
}

// TruncateFrom retracts the tail to absolute index n, discarding [n, end).
func (r *RingBuffer[T]) TruncateFrom(n uint64) error {
	r.growMu.Lock()
	defer r.growMu.Unlock()
	if n < r.start.Load() || n > r.end.Load() {
		return fmt.Errorf("ring: truncate_from(%d) out of range [%d,%d]", n, r.start.Load(), r.end.Load())
	}
	r.end.Store(n)
	return nil
}

// Peek returns the value at absolute index i, if currently held.
func (r *RingBuffer[T]) Peek(i uint64) (T, bool) {
	var zero T
	if i < r.start.Load() || i >= r.end.Load() {
		return zero, false
	}
	c := r.cells[i%uint64(r.capacity)]
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.valid {
		return zero, false
	}
	return c.val, true
}

// Update mutates the cell at absolute index i in place via fn, if the index
// is currently held. Returns false if i is out of [start, end).
func (r *RingBuffer[T]) Update(i uint64, fn func(T) T) bool {
	if i < r.start.Load() || i >= r.end.Load() {
		return false
	}
	c := r.cells[i%uint64(r.capacity)]
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		return false
	}
	c.val = fn(c.val)
	return true
}

// First returns the value at the head.
func (r *RingBuffer[T]) First() (T, bool) {
	start := r.start.Load()
	if start >= r.end.Load() {
		var zero T
		return zero, false
	}
	return r.Peek(start)
}

// Last returns the value at the tail.
func (r *RingBuffer[T]) Last() (T, bool) {
	end := r.end.Load()
	if end == 0 || r.start.Load() >= end {
		var zero T
		return zero, false
	}
	return r.Peek(end - 1)
}

// FindOrdered performs a monotone search: cmp(v) must return <0 if v sorts
// before the target, 0 on match, >0 if after. The contract supports a
// future binary-search implementation (spec §9 design notes); this is the
// reference linear implementation, which always returns the same result a
// correct binary search would for a monotone cmp.
func (r *RingBuffer[T]) FindOrdered(cmp func(T) int) (uint64, T, bool) {
	start, end := r.start.Load(), r.end.Load()
	for i := start; i < end; i++ {
		v, ok := r.Peek(i)
		if !ok {
			continue
		}
		if cmp(v) == 0 {
			return i, v, true
		}
	}
	var zero T
	return 0, zero, false
}

// SearchBack walks from absolute index `from` toward the head and returns
// the first slot satisfying pred. Used to date back to the last NORMAL
// record during an abort (spec §4.1, §4.6).
func (r *RingBuffer[T]) SearchBack(from uint64, pred func(T) bool) (uint64, T, bool) {
	start, end := r.start.Load(), r.end.Load()
	if start >= end {
		var zero T
		return 0, zero, false
	}
	if from >= end {
		from = end - 1
	}
	for i := from; ; i-- {
		v, ok := r.Peek(i)
		if ok && pred(v) {
			return i, v, true
		}
		if i == start {
			break
		}
	}
	var zero T
	return 0, zero, false
}
