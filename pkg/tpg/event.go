// Package tpg implements the transactional parallel graph: event and
// transaction nodes, the write-cover/read-from index, and the abort
// cascade (spec §3, §4.3-§4.6).
package tpg

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/streamtpg/tpgflow/pkg/executor"
	"github.com/streamtpg/tpgflow/pkg/template"
	"github.com/streamtpg/tpgflow/pkg/tlog"
	"github.com/streamtpg/tpgflow/pkg/types"
)

// readByEdge records a downstream consumer and which of its read slots
// this event satisfies, so GetNextAndRequeueOthers knows which
// fulfillment flag to clear/set on the child.
type readByEdge struct {
	child   *EventNode
	readIdx int
}

// EventNode is the smallest scheduling unit: one state access within a
// transaction (spec §3, §4.3).
type EventNode struct {
	index    int
	reads    []string
	readRows []int
	write    string
	writeRow int
	hasWrite bool

	// readFrom holds, per read, the producer event (nil if none). Written
	// once by the construct goroutine during SetLinks and never mutated
	// afterward, so it is safe to read without synchronization once the
	// event is published.
	readFrom  []*EventNode
	fulfilled []atomic.Bool

	readByMu sync.RWMutex
	readBy   []readByEdge

	status         atomic.Int32
	hasStorageSlot atomic.Bool

	txn *TxnNode
}

// FromTemplate constructs an EventNode in CONSTRUCT state from a
// preprocessed event template. It returns ok=false if readRows doesn't
// cover every declared read (spec §4.3: "from_template... returns absent
// if |reads_row_idx| < |event.reads|").
func FromTemplate(tmpl template.EventTemplate, index int, txn *TxnNode, readRows []int, writeRow int) (*EventNode, bool) {
	if len(readRows) < len(tmpl.Reads) {
		return nil, false
	}
	e := &EventNode{
		index:    index,
		reads:    append([]string(nil), tmpl.Reads...),
		readRows: append([]int(nil), readRows[:len(tmpl.Reads)]...),
		write:    tmpl.Write,
		writeRow: writeRow,
		hasWrite: tmpl.HasWrite,
		txn:      txn,
	}
	e.readFrom = make([]*EventNode, len(tmpl.Reads))
	e.fulfilled = make([]atomic.Bool, len(tmpl.Reads))
	e.status.Store(int32(types.EventConstruct))
	return e, true
}

// Status returns the event's current status.
func (e *EventNode) Status() types.EventStatus { return types.EventStatus(e.status.Load()) }

// HasWrite reports whether this event owns a write key.
func (e *EventNode) HasWrite() bool { return e.hasWrite }

// WriteKey returns the key this event writes (meaningless if !HasWrite()).
func (e *EventNode) WriteKey() string { return e.write }

// Reads returns the event's read-set, in template order.
func (e *EventNode) Reads() []string { return e.reads }

// ReadRow returns the row slot for read i.
func (e *EventNode) ReadRow(i int) int { return e.readRows[i] }

// WriteRow returns the row slot for this event's write.
func (e *EventNode) WriteRow() int { return e.writeRow }

// Index returns the event's position within its owning transaction,
// passed to the executor as event_idx.
func (e *EventNode) Index() int { return e.index }

// Txn returns the owning transaction.
func (e *EventNode) Txn() *TxnNode { return e.txn }

// ReadTimestamp returns the ts a worker should fetch read i at: the
// producer event's transaction ts if one was wired, otherwise this
// event's own ts (spec §4.8 step 2 falls back to DefaultValue when the
// resulting Get finds no NORMAL record, e.g. no producer ever existed).
func (e *EventNode) ReadTimestamp(i int) types.Timestamp {
	if e.readFrom[i] != nil {
		return e.readFrom[i].txn.ts
	}
	return e.txn.ts
}

// Ready reports whether the event is eligible to execute: status is
// WAITING or INQUEUE and every read is fulfilled (spec §4.3).
func (e *EventNode) Ready() bool {
	st := e.Status()
	if st != types.EventWaiting && st != types.EventInQueue {
		return false
	}
	for i := range e.fulfilled {
		if !e.fulfilled[i].Load() {
			return false
		}
	}
	return true
}

// markConstructed transitions CONSTRUCT -> WAITING once the construct
// goroutine has finished wiring this event's links.
func (e *EventNode) markConstructed() {
	e.status.Store(int32(types.EventWaiting))
}

// setReadFrom records the producer event for read i and its initial
// fulfillment (true if there is no producer or the producer already
// accepted). Called only by the construct goroutine during SetLinks.
func (e *EventNode) setReadFrom(i int, producer *EventNode) {
	if producer == nil {
		e.fulfilled[i].Store(true)
		return
	}
	e.readFrom[i] = producer
	if producer.Status() == types.EventAccepted {
		e.fulfilled[i].Store(true)
	}
}

// AddReadBy registers child as a consumer of this event's write, at the
// child's read slot readIdx. Called by the construct goroutine while
// wiring the child; read concurrently by workers walking readBy during
// GetNextAndRequeueOthers and the abort cascade.
func (e *EventNode) AddReadBy(child *EventNode, readIdx int) {
	e.readByMu.Lock()
	e.readBy = append(e.readBy, readByEdge{child: child, readIdx: readIdx})
	e.readByMu.Unlock()
}

func (e *EventNode) clearFulfilled(i int) {
	e.fulfilled[i].Store(false)
}

// ParentAccepted marks read i fulfilled and reports whether the event is
// now ready as a result.
func (e *EventNode) ParentAccepted(i int) bool {
	e.fulfilled[i].Store(true)
	return e.Ready()
}

// Execute concatenates values with ';' and delegates to the executor
// (spec §4.3, §4.8 step 3).
func (e *EventNode) Execute(ex executor.Executor, values [][]byte) (aborted bool, write []byte, err error) {
	concat := bytes.Join(values, []byte(";"))
	return ex.Execute(e.txn.txnReqID, e.index, concat, len(values))
}

// Claim transitions INQUEUE -> CLAIMED, the CAS a worker performs on an
// event popped from the ready queue (spec §4.8 step 1).
func (e *EventNode) Claim() bool {
	return e.status.CompareAndSwap(int32(types.EventInQueue), int32(types.EventClaimed))
}

// TryEnqueue transitions WAITING -> INQUEUE, the CAS the construct
// goroutine performs once an event's reads are all fulfilled (spec §4.7
// step 3). It can fail if a sibling's GetNextAndRequeueOthers has already
// claimed this event directly (spec §8 scenario 4, the construct-vs-
// worker rare race).
func (e *EventNode) TryEnqueue() bool {
	return e.status.CompareAndSwap(int32(types.EventWaiting), int32(types.EventInQueue))
}

// Accept transitions CLAIMED -> ACCEPTED. On success it decrements the
// owning transaction's unfinished-event counter and attempts TryCommit
// (spec §4.3).
func (e *EventNode) Accept() bool {
	if !e.status.CompareAndSwap(int32(types.EventClaimed), int32(types.EventAccepted)) {
		return false
	}
	e.txn.eventAccepted()
	e.txn.TryCommit()
	return true
}

// WriteBack publishes v to the KV store: push on first publication, write
// into the existing EMPTY slot on every later re-execution (spec §4.8
// step 4, guarded by the atomic hasStorageSlot flag).
func (e *EventNode) WriteBack(v []byte) error {
	if e.hasStorageSlot.CompareAndSwap(false, true) {
		return e.txn.store.Push(e.txn.table, e.write, e.writeRow, e.txn.ts, v)
	}
	return e.txn.store.Write(e.txn.table, e.write, e.writeRow, e.txn.ts, v)
}

// GetNextAndRequeueOthers walks read_by, fulfills each child's
// corresponding read slot, and among the children that became ready
// selects the one with the minimum transaction timestamp to CAS-claim
// directly; the rest are CAS'd into INQUEUE and pushed onto queue (spec
// §4.3, §4.6 step where the cascade hands work back to the workers).
func (e *EventNode) GetNextAndRequeueOthers(queue chan<- *EventNode) *EventNode {
	e.readByMu.RLock()
	edges := append([]readByEdge(nil), e.readBy...)
	e.readByMu.RUnlock()

	var ready []*EventNode
	for _, edge := range edges {
		if edge.child.ParentAccepted(edge.readIdx) {
			ready = append(ready, edge.child)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	selected := ready[0]
	for _, c := range ready[1:] {
		if c.txn.ts < selected.txn.ts {
			selected = c
		}
	}

	var claimed *EventNode
	for _, c := range ready {
		if c == selected {
			if c.status.CompareAndSwap(int32(types.EventWaiting), int32(types.EventClaimed)) {
				claimed = c
			}
			continue
		}
		if c.status.CompareAndSwap(int32(types.EventWaiting), int32(types.EventInQueue)) {
			queue <- c
		}
	}
	return claimed
}

// Abort transitions the event to ABORTED. Any descendant that had already
// progressed on this event's now-stale pre-abort value is reset by
// cascadeInvalidate; if the event owns a write, CopyLast then materializes
// a recovered fallback value so the write key keeps a well-defined version
// at this ts. Finally, exactly as Accept does, GetNextAndRequeueOthers
// propagates that final (recovered, or absent) value forward to readers,
// fulfilling and requeuing descendants that were still WAITING on it (spec
// §4.6 steps 1-3).
func (e *EventNode) Abort(queue chan<- *EventNode) *EventNode {
	e.status.Store(int32(types.EventAborted))
	e.cascadeInvalidate()
	if e.hasWrite {
		hadSlot := e.hasStorageSlot.Load()
		if err := e.txn.store.CopyLast(e.txn.table, e.write, e.writeRow, e.txn.ts, hadSlot); err != nil {
			tlog.Fatalf("tpg: copy_last failed for key %s ts %d: %v", e.write, e.txn.ts, err)
		}
		e.hasStorageSlot.Store(true)
	}
	return e.GetNextAndRequeueOthers(queue)
}

// cascadeInvalidate implements spec §4.6 step 2: recursively resets
// descendants of an aborted (or just-invalidated) event according to
// their current status.
func (e *EventNode) cascadeInvalidate() {
	e.readByMu.RLock()
	edges := append([]readByEdge(nil), e.readBy...)
	e.readByMu.RUnlock()

	for _, edge := range edges {
		child := edge.child
		switch child.Status() {
		case types.EventAccepted:
			child.status.Store(int32(types.EventWaiting))
			child.txn.eventReset()
			child.clearFulfilled(edge.readIdx)
			if child.hasWrite {
				if err := child.txn.store.Reset(child.txn.table, child.write, child.writeRow, child.txn.ts); err != nil {
					tlog.Fatalf("tpg: cascade reset failed for key %s ts %d: %v", child.write, child.txn.ts, err)
				}
			}
			child.cascadeInvalidate()
		case types.EventInQueue:
			child.status.Store(int32(types.EventWaiting))
			child.clearFulfilled(edge.readIdx)
		case types.EventClaimed:
			// Rare race: a worker may have just CAS-claimed this event.
			// Its own accept() CAS will observe WAITING and fail cleanly.
			if child.status.CompareAndSwap(int32(types.EventClaimed), int32(types.EventWaiting)) {
				tlog.Debug("tpg: cascade reset a claimed event back to waiting")
			}
		case types.EventWaiting:
			child.clearFulfilled(edge.readIdx)
		case types.EventAborted:
			// no-op
		}
	}
}
