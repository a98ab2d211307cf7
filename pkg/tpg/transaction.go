package tpg

import (
	"sync"
	"sync/atomic"

	"github.com/streamtpg/tpgflow/pkg/executor"
	"github.com/streamtpg/tpgflow/pkg/kvstore"
	"github.com/streamtpg/tpgflow/pkg/template"
	"github.com/streamtpg/tpgflow/pkg/tlog"
	"github.com/streamtpg/tpgflow/pkg/tpgerr"
	"github.com/streamtpg/tpgflow/pkg/types"
)

// TxnNode groups the events of one arrival, tracks its parents/children,
// and drives commit/abort propagation (spec §3, §4.4).
//
// Reference counting note: Go has no Arc/Weak, so refs is an explicit
// atomic count standing in for the source's strong-reference graph
// (SPEC_FULL.md §3). A transaction is constructed with refs=1 (owned by
// the construct goroutine's local variable); every strong edge pointing
// at it (a child's read_from entry, a later writer's cover entry, the
// TPG index publishing it as last writer) calls Retain, and every edge
// that releases that hold calls Release. When refs reaches zero, release
// runs the cleanup the source assigns to Drop: release every owned
// event's write version, then recursively release every strong edge this
// node itself held (read_by, covered_by) — the Go equivalent of Rust's
// automatic field-destructor cascade.
type TxnNode struct {
	ts       types.Timestamp
	txnReqID uint64
	evNodes  []*EventNode

	linksMu          sync.Mutex
	readFrom         []*TxnNode
	parentIndex      map[*TxnNode]int
	readFromIndexMap map[string]int

	coverMu sync.Mutex
	cover   map[string]*TxnNode

	readByMu sync.Mutex
	readBy   []*TxnNode

	coveredByMu sync.Mutex
	coveredBy   map[string]*TxnNode

	status           atomic.Int32
	unfinishedEvents atomic.Int32
	refs             atomic.Int32

	store    *kvstore.Store
	table    string
	executor executor.Executor
}

// New builds a TxnNode and its owned EventNodes from a preprocessed
// transaction template. readRows[i] supplies the row index for each of
// event i's reads; writeRows[i] supplies event i's write row. It returns
// a *tpgerr.FieldCountError if any event's row list is short (spec §4.7
// step 1: "if field-count validation fails, immediately signal
// OnTxnFinished(id, ILLEGAL) and drop" — the caller, pkg/scheduler, does
// the signaling; New only reports the error).
func New(ts types.Timestamp, txnReqID uint64, tmpl template.TxnTemplate, readRows [][]int, writeRows []int, store *kvstore.Store, table string, ex executor.Executor) (*TxnNode, error) {
	if len(readRows) < len(tmpl.Events) || len(writeRows) < len(tmpl.Events) {
		return nil, &tpgerr.FieldCountError{Field: "reads_idx/write_idx", Have: len(readRows), Want: len(tmpl.Events)}
	}

	t := &TxnNode{
		ts:               ts,
		txnReqID:         txnReqID,
		parentIndex:      make(map[*TxnNode]int),
		readFromIndexMap: make(map[string]int),
		cover:            make(map[string]*TxnNode),
		coveredBy:        make(map[string]*TxnNode),
		store:            store,
		table:            table,
		executor:         ex,
	}
	t.refs.Store(1)
	t.status.Store(int32(types.TxnWaiting))

	evNodes := make([]*EventNode, 0, len(tmpl.Events))
	for i, evTmpl := range tmpl.Events {
		e, ok := FromTemplate(evTmpl, i, t, readRows[i], writeRows[i])
		if !ok {
			return nil, &tpgerr.FieldCountError{Field: "reads_idx", Have: len(readRows[i]), Want: len(evTmpl.Reads)}
		}
		evNodes = append(evNodes, e)
	}
	t.evNodes = evNodes
	t.unfinishedEvents.Store(int32(len(evNodes)))
	return t, nil
}

// Timestamp returns the transaction's arrival timestamp.
func (t *TxnNode) Timestamp() types.Timestamp { return t.ts }

// TxnReqID returns the opaque external id.
func (t *TxnNode) TxnReqID() uint64 { return t.txnReqID }

// Events returns the transaction's owned events, in template order.
func (t *TxnNode) Events() []*EventNode { return t.evNodes }

// Status returns the transaction's current status.
func (t *TxnNode) Status() types.TxnStatus { return types.TxnStatus(t.status.Load()) }

// SetLinks wires this transaction's events into the TPG index (spec
// §4.4): for each read, it records the current last writer (if any) as
// the producer and as a strong parent reference; for each write, it
// records the previous writer (if any) as a write-after-write cover
// parent, then publishes itself as the new last writer.
func (t *TxnNode) SetLinks(idx *Index) {
	for _, e := range t.evNodes {
		for i, key := range e.reads {
			rowKey := kvstore.RowKey(key, e.readRows[i])
			entry, ok := idx.Lookup(rowKey)
			if !ok {
				e.setReadFrom(i, nil)
				continue
			}
			e.setReadFrom(i, entry.event)
			entry.event.AddReadBy(e, i)
			t.addReadFromParent(rowKey, entry.txn)
		}
		if e.hasWrite {
			rowKey := kvstore.RowKey(e.write, e.writeRow)
			if entry, ok := idx.Lookup(rowKey); ok {
				t.addCover(rowKey, entry.txn)
				entry.txn.addCoveredBy(rowKey, t)
			}
			idx.Publish(rowKey, e, t)
		}
		e.markConstructed()
	}
}

func (t *TxnNode) addReadFromParent(key string, parent *TxnNode) {
	t.linksMu.Lock()
	defer t.linksMu.Unlock()

	if idx, ok := t.parentIndex[parent]; ok {
		t.readFromIndexMap[key] = idx
		return
	}
	if parent.Status() == types.TxnCommitted {
		// Parent already committed by the time this link was wired: the
		// construct goroutine and worker goroutines progress
		// independently, so a producer transaction can finish before its
		// consumer even exists. Nothing to wait on, mirroring the
		// event-level check in setReadFrom for an already-ACCEPTED
		// producer.
		return
	}
	parent.Retain()
	idx := len(t.readFrom)
	t.readFrom = append(t.readFrom, parent)
	t.parentIndex[parent] = idx
	t.readFromIndexMap[key] = idx
	parent.addReadByChild(t)
}

func (t *TxnNode) addReadByChild(child *TxnNode) {
	t.readByMu.Lock()
	defer t.readByMu.Unlock()
	child.Retain()
	t.readBy = append(t.readBy, child)
}

func (t *TxnNode) addCover(key string, parent *TxnNode) {
	t.coverMu.Lock()
	defer t.coverMu.Unlock()
	parent.Retain()
	t.cover[key] = parent
}

func (t *TxnNode) addCoveredBy(key string, child *TxnNode) {
	t.coveredByMu.Lock()
	defer t.coveredByMu.Unlock()
	child.Retain()
	t.coveredBy[key] = child
}

// FatherCommitted clears every read_from entry this transaction holds on
// parent and releases the corresponding strong references, once parent
// has committed (spec §4.4).
func (t *TxnNode) FatherCommitted(parent *TxnNode) {
	t.linksMu.Lock()
	idx, ok := t.parentIndex[parent]
	if !ok {
		t.linksMu.Unlock()
		return
	}
	delete(t.parentIndex, parent)
	t.readFrom[idx] = nil
	t.linksMu.Unlock()
	parent.Release()
}

func (t *TxnNode) noWaiting() bool {
	t.linksMu.Lock()
	defer t.linksMu.Unlock()
	return len(t.parentIndex) == 0
}

// eventAccepted decrements the unfinished-event counter (spec §4.4).
func (t *TxnNode) eventAccepted() {
	t.unfinishedEvents.Add(-1)
}

// eventReset increments the unfinished-event counter back when the abort
// cascade reverts one of this transaction's previously ACCEPTED events
// to WAITING (spec §3 invariant 4, §4.6 step 2).
func (t *TxnNode) eventReset() {
	t.unfinishedEvents.Add(1)
}

// TryCommit transitions WAITING|ABORTED -> COMMITED once every event has
// finished and every parent has been cleared, then propagates commitment
// to every child (spec §4.4).
func (t *TxnNode) TryCommit() bool {
	cur := t.Status()
	if cur != types.TxnWaiting && cur != types.TxnAborted {
		return false
	}
	if t.unfinishedEvents.Load() != 0 {
		return false
	}
	if !t.noWaiting() {
		return false
	}
	if !t.status.CompareAndSwap(int32(cur), int32(types.TxnCommitted)) {
		return false
	}

	t.coverMu.Lock()
	cover := t.cover
	t.cover = nil
	t.coverMu.Unlock()
	for _, parent := range cover {
		parent.Release()
	}

	outcome := types.Success
	if cur == types.TxnAborted {
		outcome = types.Aborted
	}
	t.executor.OnTxnFinished(t.txnReqID, outcome)

	t.readByMu.Lock()
	children := append([]*TxnNode(nil), t.readBy...)
	t.readByMu.Unlock()
	for _, child := range children {
		child.FatherCommitted(t)
		child.TryCommit()
	}
	return true
}

// Abort transitions the transaction to ABORTED, aborts every non-aborted
// event (triggering the cascade on each), zeros unfinished_events, and
// attempts TryCommit so commitment still propagates to dependents (spec
// §4.4, §4.6 step 1).
// Abort transitions the transaction to ABORTED and aborts every event that
// hasn't already reached ABORTED on its own (spec §4.4, §4.6). An event
// directly claimed by a descendant's GetNextAndRequeueOthers is pushed
// onto queue rather than handed back, since there is no single calling
// worker to continue it here.
func (t *TxnNode) Abort(queue chan<- *EventNode) {
	if !t.status.CompareAndSwap(int32(types.TxnWaiting), int32(types.TxnAborted)) {
		return
	}
	tlog.Warn("tpg: transaction aborted")
	for _, e := range t.evNodes {
		if e.Status() != types.EventAborted {
			if claimed := e.Abort(queue); claimed != nil {
				queue <- claimed
			}
		}
	}
	t.unfinishedEvents.Store(0)
	t.TryCommit()
}

// Retain increments the strong reference count.
func (t *TxnNode) Retain() { t.refs.Add(1) }

// Release decrements the strong reference count, running release() once
// it reaches zero.
func (t *TxnNode) Release() {
	if t.refs.Add(-1) == 0 {
		t.release()
	}
}

// release is the Drop equivalent: it asserts the preconditions spec §4.4
// assigns to Drop, releases every owned write version from the KV store,
// then recursively releases the strong edges this node itself held.
func (t *TxnNode) release() {
	if t.Status() != types.TxnCommitted {
		tlog.Fatalf("tpg: txn %d dropped with status %s, want COMMITED", t.txnReqID, t.Status())
		return
	}
	if !t.noWaiting() {
		tlog.Fatalf("tpg: txn %d dropped with unreleased parent links", t.txnReqID)
		return
	}

	for _, e := range t.evNodes {
		if e.hasWrite {
			if err := t.store.Release(t.table, e.write, e.writeRow, t.ts); err != nil {
				tlog.Fatalf("tpg: release failed for txn %d key %s: %v", t.txnReqID, e.write, err)
			}
		}
	}

	t.readByMu.Lock()
	children := t.readBy
	t.readBy = nil
	t.readByMu.Unlock()
	for _, c := range children {
		c.Release()
	}

	t.coveredByMu.Lock()
	coveredBy := t.coveredBy
	t.coveredBy = nil
	t.coveredByMu.Unlock()
	for _, c := range coveredBy {
		c.Release()
	}
}
