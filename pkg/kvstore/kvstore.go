// Package kvstore implements the versioned, multi-version KV store used to
// satisfy event reads and to survive aborts (spec §4.2). Every (table, key,
// row) triple owns its own ring.RingBuffer of DataPoints, ordered by
// timestamp.
package kvstore

import (
	"fmt"
	"sync"

	"github.com/streamtpg/tpgflow/pkg/ring"
	"github.com/streamtpg/tpgflow/pkg/tpgerr"
	"github.com/streamtpg/tpgflow/pkg/types"
)

// DefaultValue is returned by the worker when an event has no producer for
// one of its reads (spec §4.8 step 2, §8 boundary behaviors).
var DefaultValue = []byte{0x00}

// DataPoint is one versioned record: a timestamp, a value, and a state.
type DataPoint struct {
	TS    types.Timestamp
	Value []byte
	State types.DataState
}

// RowKey derives the per-row storage key the way spec §4.2 specifies:
// "{logical_key}_{row_index}".
func RowKey(key string, row int) string {
	return fmt.Sprintf("%s_%d", key, row)
}

type tableStore struct {
	mu   sync.RWMutex
	rows map[string]*ring.RingBuffer[DataPoint]
}

// Store is the process-wide versioned KV store. One Store instance is
// shared by the construct goroutine and every worker (spec §9, "global
// singletons").
type Store struct {
	capacity        int
	fullToPanic     bool
	maxStateRecords int

	mu     sync.RWMutex
	tables map[string]*tableStore
}

// New creates a Store. capacity and fullToPanic parameterize every
// per-row ring buffer it creates lazily; maxStateRecords bounds the row
// index a caller may address for a logical key (spec §4.2, "row slots").
func New(capacity int, fullToPanic bool, maxStateRecords int) *Store {
	if maxStateRecords <= 0 {
		maxStateRecords = 1
	}
	return &Store{
		capacity:        capacity,
		fullToPanic:     fullToPanic,
		maxStateRecords: maxStateRecords,
		tables:          make(map[string]*tableStore),
	}
}

func (s *Store) MaxStateRecords() int { return s.maxStateRecords }

func (s *Store) table(name string) *tableStore {
	s.mu.RLock()
	t, ok := s.tables[name]
	s.mu.RUnlock()
	if ok {
		return t
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok = s.tables[name]; ok {
		return t
	}
	t = &tableStore{rows: make(map[string]*ring.RingBuffer[DataPoint])}
	s.tables[name] = t
	return t
}

func (t *tableStore) ring(rowKey string, capacity int, fullToPanic bool) *ring.RingBuffer[DataPoint] {
	t.mu.RLock()
	r, ok := t.rows[rowKey]
	t.mu.RUnlock()
	if ok {
		return r
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok = t.rows[rowKey]; ok {
		return r
	}
	r = ring.New[DataPoint](capacity, fullToPanic)
	t.rows[rowKey] = r
	return r
}

func (s *Store) rowRing(table, key string, row int) (*ring.RingBuffer[DataPoint], error) {
	if row < 0 || row >= s.maxStateRecords {
		return nil, &tpgerr.RowOutOfRangeError{Row: row, Max: s.maxStateRecords}
	}
	return s.table(table).ring(RowKey(key, row), s.capacity, s.fullToPanic), nil
}

// Push appends a new NORMAL record. Precondition: ts is strictly greater
// than the current tail's ts, and v is non-empty (spec §4.2).
func (s *Store) Push(table, key string, row int, ts types.Timestamp, v []byte) error {
	if len(v) == 0 {
		return fmt.Errorf("kvstore: push(%s,%s,%d): empty value", table, key, row)
	}
	r, err := s.rowRing(table, key, row)
	if err != nil {
		return err
	}
	if last, ok := r.Last(); ok && ts <= last.TS {
		return fmt.Errorf("kvstore: push(%s,%s,%d): ts %d not greater than tail ts %d", table, key, row, ts, last.TS)
	}
	cp := append([]byte(nil), v...)
	r.Push(DataPoint{TS: ts, Value: cp, State: types.StateNormal})
	return nil
}

// Write fills an existing EMPTY slot at ts with v, making it NORMAL.
func (s *Store) Write(table, key string, row int, ts types.Timestamp, v []byte) error {
	r, err := s.rowRing(table, key, row)
	if err != nil {
		return err
	}
	idx, dp, ok := r.FindOrdered(cmpTS(ts))
	if !ok {
		return fmt.Errorf("kvstore: write(%s,%s,%d): no slot at ts %d", table, key, row, ts)
	}
	if dp.State != types.StateEmpty {
		return fmt.Errorf("kvstore: write(%s,%s,%d): slot at ts %d is not EMPTY", table, key, row, ts)
	}
	cp := append([]byte(nil), v...)
	r.Update(idx, func(d DataPoint) DataPoint {
		d.Value = cp
		d.State = types.StateNormal
		return d
	})
	return nil
}

// Reset marks an existing NORMAL slot at ts as EMPTY (used by the abort
// cascade, spec §4.6, when an ACCEPTED descendant must be rolled back).
func (s *Store) Reset(table, key string, row int, ts types.Timestamp) error {
	r, err := s.rowRing(table, key, row)
	if err != nil {
		return err
	}
	idx, dp, ok := r.FindOrdered(cmpTS(ts))
	if !ok {
		return fmt.Errorf("kvstore: reset(%s,%s,%d): no slot at ts %d", table, key, row, ts)
	}
	if dp.State != types.StateNormal {
		return fmt.Errorf("kvstore: reset(%s,%s,%d): slot at ts %d is not NORMAL", table, key, row, ts)
	}
	r.Update(idx, func(d DataPoint) DataPoint {
		d.State = types.StateEmpty
		return d
	})
	return nil
}

// CopyLast materializes a NORMAL record at ts whose value is the nearest
// earlier NORMAL value (or DefaultValue if none exists). If hasSlot is
// true, an existing slot at ts is filled in place; otherwise a new record
// is appended. This is the abort recovery primitive (spec §4.2, §4.6): it
// lets downstream readers observe a well-defined value after the event
// that would have written ts is aborted.
func (s *Store) CopyLast(table, key string, row int, ts types.Timestamp, hasSlot bool) error {
	r, err := s.rowRing(table, key, row)
	if err != nil {
		return err
	}

	var fromIdx uint64
	searchEarlier := true
	if hasSlot {
		idx, _, ok := r.FindOrdered(cmpTS(ts))
		if !ok {
			return fmt.Errorf("kvstore: copy_last(%s,%s,%d): hasSlot=true but no slot at ts %d", table, key, row, ts)
		}
		if idx == r.Start() {
			// The slot at ts is the head: no earlier record is held.
			searchEarlier = false
		} else {
			fromIdx = idx - 1
		}
	} else {
		fromIdx = r.End() - 1 // may underflow to a huge value on an empty ring; SearchBack guards that
	}

	value := DefaultValue
	if searchEarlier {
		if _, dp, ok := r.SearchBack(fromIdx, func(d DataPoint) bool { return d.State == types.StateNormal }); ok {
			value = dp.Value
		}
	}
	cp := append([]byte(nil), value...)

	if hasSlot {
		idx, _, _ := r.FindOrdered(cmpTS(ts))
		r.Update(idx, func(d DataPoint) DataPoint {
			d.Value = cp
			d.State = types.StateNormal
			return d
		})
		return nil
	}
	r.Push(DataPoint{TS: ts, Value: cp, State: types.StateNormal})
	return nil
}

// Release requires the head's ts equal ts, marks it EMPTY, and advances the
// head by one (spec §4.2; called when a committed transaction drops, see
// pkg/tpg.TxnNode.release).
func (s *Store) Release(table, key string, row int, ts types.Timestamp) error {
	r, err := s.rowRing(table, key, row)
	if err != nil {
		return err
	}
	first, ok := r.First()
	if !ok || first.TS != ts {
		return fmt.Errorf("kvstore: release(%s,%s,%d): head ts mismatch, want %d", table, key, row, ts)
	}
	start := r.Start()
	r.Update(start, func(d DataPoint) DataPoint {
		d.State = types.StateEmpty
		return d
	})
	return r.DiscardBefore(start + 1)
}

// Get returns the value of the NORMAL slot at ts.
func (s *Store) Get(table, key string, row int, ts types.Timestamp) ([]byte, error) {
	r, err := s.rowRing(table, key, row)
	if err != nil {
		return nil, err
	}
	_, dp, ok := r.FindOrdered(cmpTS(ts))
	if !ok || dp.State != types.StateNormal {
		return nil, fmt.Errorf("kvstore: get(%s,%s,%d): no NORMAL record at ts %d", table, key, row, ts)
	}
	return dp.Value, nil
}

func cmpTS(ts types.Timestamp) func(DataPoint) int {
	return func(d DataPoint) int { return d.TS.Compare(ts) }
}
