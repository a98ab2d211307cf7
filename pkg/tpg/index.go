package tpg

import "sync"

// indexEntry is the TPG index's value type: the most recent writer event
// for a key and its owning transaction (spec §3, §4.5).
type indexEntry struct {
	event *EventNode
	txn   *TxnNode
}

// Index maps key -> last writer, guarded by a single reader-writer lock
// (spec §4.5: "reads dominate; writers are only the construct thread, so
// lock contention is minimal").
type Index struct {
	mu      sync.RWMutex
	entries map[string]indexEntry
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]indexEntry)}
}

// Lookup returns the current last writer for key, if any.
func (idx *Index) Lookup(key string) (indexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[key]
	return e, ok
}

// Publish records event/txn as the new last writer for key, releasing
// the strong reference held on the previous last writer (if any) and
// retaining the new one (spec §4.4: "publish self into the TPG index for
// that key").
func (idx *Index) Publish(key string, event *EventNode, txn *TxnNode) {
	idx.mu.Lock()
	old, had := idx.entries[key]
	txn.Retain()
	idx.entries[key] = indexEntry{event: event, txn: txn}
	idx.mu.Unlock()

	if had {
		old.txn.Release()
	}
}
