package tpg

import (
	"testing"

	"github.com/streamtpg/tpgflow/pkg/kvstore"
	"github.com/streamtpg/tpgflow/pkg/template"
	"github.com/streamtpg/tpgflow/pkg/types"
)

// incrementExecutor treats every read as a single byte counter and writes
// back value+1. It can be told to abort a specific (txnReqID, eventIdx)
// exactly once, modeling an executor-decided abort (spec §8 scenario 3).
type incrementExecutor struct {
	abortOn  map[[2]uint64]bool
	outcomes map[uint64]types.Outcome
}

func newIncrementExecutor() *incrementExecutor {
	return &incrementExecutor{
		abortOn:  make(map[[2]uint64]bool),
		outcomes: make(map[uint64]types.Outcome),
	}
}

func (ex *incrementExecutor) abortNext(txnReqID uint64, eventIdx int) {
	ex.abortOn[[2]uint64{txnReqID, uint64(eventIdx)}] = true
}

func (ex *incrementExecutor) Execute(txnReqID uint64, eventIdx int, concatReads []byte, n int) (bool, []byte, error) {
	key := [2]uint64{txnReqID, uint64(eventIdx)}
	if ex.abortOn[key] {
		delete(ex.abortOn, key)
		return true, nil, nil
	}
	var v byte
	if n > 0 && len(concatReads) > 0 {
		v = concatReads[0]
	}
	return false, []byte{v + 1}, nil
}

func (ex *incrementExecutor) OnTxnFinished(txnReqID uint64, outcome types.Outcome) {
	ex.outcomes[txnReqID] = outcome
}

// runReady drives a single ready event through TryEnqueue -> Claim ->
// Execute -> Accept/Abort, fetching each read from store (or DefaultValue
// if the event has no producer). It reports whether the executor aborted
// the event.
func runReady(t *testing.T, store *kvstore.Store, table string, ex *incrementExecutor, queue Queue, ev *EventNode) (aborted bool) {
	t.Helper()
	// A cascade's GetNextAndRequeueOthers may have already CAS'd ev
	// straight to CLAIMED and handed it off through queue; a worker
	// receiving such an event owns it directly and skips its own
	// TryEnqueue/Claim pair.
	if ev.Status() != types.EventClaimed {
		if !ev.Ready() {
			t.Fatalf("event %d not ready", ev.Index())
		}
		if !ev.TryEnqueue() {
			t.Fatalf("event %d: TryEnqueue failed", ev.Index())
		}
		if !ev.Claim() {
			t.Fatalf("event %d: Claim failed", ev.Index())
		}
	}

	values := make([][]byte, len(ev.Reads()))
	for i, key := range ev.Reads() {
		v, err := store.Get(table, key, ev.ReadRow(i), producerTS(ev, i))
		if err != nil {
			values[i] = kvstore.DefaultValue
			continue
		}
		values[i] = v
	}

	abortedOut, write, err := ev.Execute(ex, values)
	if err != nil {
		t.Fatalf("event %d: execute: %v", ev.Index(), err)
	}
	if abortedOut {
		ev.Txn().Abort(queue)
		return true
	}
	if !ev.Accept() {
		t.Fatalf("event %d: accept failed", ev.Index())
	}
	if err := ev.WriteBack(write); err != nil {
		t.Fatalf("event %d: write back: %v", ev.Index(), err)
	}
	ev.GetNextAndRequeueOthers(queue)
	return false
}

// producerTS resolves the ts to read at: the producer's ts if one was
// wired, otherwise the event's own ts (a miss against an empty store,
// handled by runReady falling back to DefaultValue).
func producerTS(ev *EventNode, readIdx int) types.Timestamp {
	if ev.readFrom[readIdx] != nil {
		return ev.readFrom[readIdx].txn.ts
	}
	return ev.txn.ts
}

func singleEventTemplate(reads []string, write string, hasWrite bool) template.TxnTemplate {
	return template.TxnTemplate{
		Name: "t",
		Events: []template.EventTemplate{
			{Reads: reads, Write: write, HasWrite: hasWrite},
		},
	}
}

// TestReadyRequiresFulfilledReadsAndWaitingStatus covers invariant 2: an
// event is eligible to execute iff its status is WAITING/INQUEUE and every
// declared read is fulfilled.
func TestReadyRequiresFulfilledReadsAndWaitingStatus(t *testing.T) {
	store := kvstore.New(8, false, 1)
	idx := NewIndex()
	ex := newIncrementExecutor()

	producerTmpl := singleEventTemplate(nil, "k", true)
	producer, err := New(1, 1, producerTmpl, [][]int{{}}, []int{0}, store, "default", ex)
	if err != nil {
		t.Fatalf("New(producer): %v", err)
	}
	producer.SetLinks(idx)

	consumerTmpl := singleEventTemplate([]string{"k"}, "", false)
	consumer, err := New(2, 2, consumerTmpl, [][]int{{0}}, []int{0}, store, "default", ex)
	if err != nil {
		t.Fatalf("New(consumer): %v", err)
	}
	// Link the consumer before the producer has executed: its read is
	// outstanding, so it must not be ready yet even though its status is
	// WAITING.
	consumer.SetLinks(idx)
	cev := consumer.Events()[0]
	if cev.Ready() {
		t.Fatalf("consumer ready before its producer accepted")
	}

	queue := NewQueue(4)
	pev := producer.Events()[0]
	if runReady(t, store, "default", ex, queue, pev) {
		t.Fatalf("producer unexpectedly aborted")
	}

	// The producer's accept fulfills the consumer's read and hands it
	// straight to the accepting worker: GetNextAndRequeueOthers CAS-claims
	// the minimum-ts ready child.
	if !cev.fulfilled[0].Load() || cev.Status() != types.EventClaimed {
		t.Fatalf("consumer not fulfilled and claimed after producer accepted (status %s)", cev.Status())
	}
	if runReady(t, store, "default", ex, queue, cev) {
		t.Fatalf("consumer unexpectedly aborted")
	}
	if cev.Status() != types.EventAccepted {
		t.Fatalf("consumer status = %s, want ACCEPTED", cev.Status())
	}
}

// TestAcceptImpliesVersionPresent covers invariant 6: once an event with a
// write accepts, a NORMAL record exists at its transaction's ts.
func TestAcceptImpliesVersionPresent(t *testing.T) {
	store := kvstore.New(8, false, 1)
	idx := NewIndex()
	ex := newIncrementExecutor()

	tmpl := singleEventTemplate(nil, "balance", true)
	txn, err := New(10, 1, tmpl, [][]int{{}}, []int{0}, store, "default", ex)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	txn.SetLinks(idx)

	queue := NewQueue(4)
	ev := txn.Events()[0]
	if runReady(t, store, "default", ex, queue, ev) {
		t.Fatalf("unexpected abort")
	}

	v, err := store.Get("default", "balance", 0, 10)
	if err != nil {
		t.Fatalf("Get after accept: %v", err)
	}
	if len(v) != 1 || v[0] != 1 {
		t.Fatalf("Get after accept = %v, want [1]", v)
	}
	if ex.outcomes[1] != types.Success {
		t.Fatalf("outcome = %s, want SUCCESS", ex.outcomes[1])
	}
}

// TestReleaseReleasesVersionedRecord covers invariant 5 (a transaction's
// versioned writes are released, and the ring left with no NORMAL record
// for that ts) once every strong reference to it is dropped.
func TestReleaseReleasesVersionedRecord(t *testing.T) {
	store := kvstore.New(8, false, 1)
	idx := NewIndex()
	ex := newIncrementExecutor()

	tmpl := singleEventTemplate(nil, "balance", true)
	txn, err := New(10, 1, tmpl, [][]int{{}}, []int{0}, store, "default", ex)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	txn.SetLinks(idx)

	queue := NewQueue(4)
	ev := txn.Events()[0]
	if runReady(t, store, "default", ex, queue, ev) {
		t.Fatalf("unexpected abort")
	}
	if txn.Status() != types.TxnCommitted {
		t.Fatalf("txn status = %s, want COMMITED", txn.Status())
	}

	// No children are linked against this txn, so two strong references
	// remain: the construct goroutine's own and the TPG index's last-writer
	// entry for "balance". Dropping both releases the versioned record.
	txn.Release()
	txn.Release()

	if _, err := store.Get("default", "balance", 0, 10); err == nil {
		t.Fatalf("expected no NORMAL record after release")
	}
}

// TestChainCommitsInTimestampOrderAndReleasesCleanly exercises the simple
// dependency-chain scenario: T_a writes k, T_b reads k and writes k, and
// after both commit and their owning references drop, no records remain
// for k.
func TestChainCommitsInTimestampOrderAndReleasesCleanly(t *testing.T) {
	store := kvstore.New(8, false, 1)
	idx := NewIndex()
	ex := newIncrementExecutor()
	queue := NewQueue(4)

	tmplA := singleEventTemplate(nil, "balance", true)
	txnA, err := New(10, 1, tmplA, [][]int{{}}, []int{0}, store, "default", ex)
	if err != nil {
		t.Fatalf("New(A): %v", err)
	}
	txnA.SetLinks(idx)
	if runReady(t, store, "default", ex, queue, txnA.Events()[0]) {
		t.Fatalf("A unexpectedly aborted")
	}

	tmplB := singleEventTemplate([]string{"balance"}, "balance", true)
	txnB, err := New(20, 2, tmplB, [][]int{{0}}, []int{0}, store, "default", ex)
	if err != nil {
		t.Fatalf("New(B): %v", err)
	}
	txnB.SetLinks(idx)
	if runReady(t, store, "default", ex, queue, txnB.Events()[0]) {
		t.Fatalf("B unexpectedly aborted")
	}

	va, err := store.Get("default", "balance", 0, 10)
	if err != nil || len(va) != 1 || va[0] != 1 {
		t.Fatalf("A's record = %v, %v, want [1]", va, err)
	}
	vb, err := store.Get("default", "balance", 0, 20)
	if err != nil || len(vb) != 1 || vb[0] != 2 {
		t.Fatalf("B's record = %v, %v, want [2]", vb, err)
	}

	// Drop the construct goroutine's own reference to each, in ts order
	// (matching Release's head-of-ring precondition). A's index entry was
	// already replaced by B; B is still the index's last writer for k, so
	// that hold is dropped too.
	txnA.Release()
	txnB.Release()
	txnB.Release()

	if _, err := store.Get("default", "balance", 0, 10); err == nil {
		t.Fatalf("expected A's record released")
	}
	if _, err := store.Get("default", "balance", 0, 20); err == nil {
		t.Fatalf("expected B's record released")
	}
}

// TestAbortCascadeRecoversAndReexecutesDescendants covers spec §8
// scenario 3: T_a writes k=1; T_b reads k and writes k=2; the executor
// aborts T_b. T_b must finish with outcome ABORTED (its status passing
// through ABORTED to COMMITED) with CopyLast materializing T_a's
// value at T_b's ts, and T_c (which read through T_b) must be reset and
// re-execute against the recovered value, ultimately committing.
func TestAbortCascadeRecoversAndReexecutesDescendants(t *testing.T) {
	store := kvstore.New(8, false, 1)
	idx := NewIndex()
	ex := newIncrementExecutor()
	queue := NewQueue(4)

	tmplA := singleEventTemplate(nil, "k", true)
	txnA, err := New(10, 1, tmplA, [][]int{{}}, []int{0}, store, "default", ex)
	if err != nil {
		t.Fatalf("New(A): %v", err)
	}
	txnA.SetLinks(idx)
	if runReady(t, store, "default", ex, queue, txnA.Events()[0]) {
		t.Fatalf("A unexpectedly aborted")
	}

	tmplB := singleEventTemplate([]string{"k"}, "k", true)
	txnB, err := New(20, 2, tmplB, [][]int{{0}}, []int{0}, store, "default", ex)
	if err != nil {
		t.Fatalf("New(B): %v", err)
	}
	txnB.SetLinks(idx)
	evB := txnB.Events()[0]

	tmplC := singleEventTemplate([]string{"k"}, "k", true)
	txnC, err := New(30, 3, tmplC, [][]int{{0}}, []int{0}, store, "default", ex)
	if err != nil {
		t.Fatalf("New(C): %v", err)
	}
	txnC.SetLinks(idx)
	evC := txnC.Events()[0]

	if evC.Ready() {
		t.Fatalf("C ready before B executed")
	}

	ex.abortNext(2, 0)
	if !runReady(t, store, "default", ex, queue, evB) {
		t.Fatalf("B expected to abort")
	}
	// B has no uncommitted parents, so Abort's own TryCommit moves it
	// ABORTED -> COMMITED at once; its ABORTED outcome is checked below.
	if txnB.Status() != types.TxnCommitted {
		t.Fatalf("B status = %s, want COMMITED", txnB.Status())
	}
	if evB.Status() != types.EventAborted {
		t.Fatalf("B event status = %s, want ABORTED", evB.Status())
	}

	// copy_last must have materialized A's value (1) at B's ts.
	vb, err := store.Get("default", "k", 0, 20)
	if err != nil || len(vb) != 1 || vb[0] != 1 {
		t.Fatalf("B's recovered record = %v, %v, want [1]", vb, err)
	}

	// B's abort cascade should have fulfilled C's read and handed C off
	// through the queue already CLAIMED (GetNextAndRequeueOthers' direct-
	// claim fast path), exactly as a worker's own continuation would.
	var next *EventNode
	select {
	case next = <-queue:
	default:
		t.Fatalf("expected C to be handed off through the queue after B's cascade")
	}
	if next != evC {
		t.Fatalf("queue handed off %v, want C", next)
	}
	if evC.Status() != types.EventClaimed {
		t.Fatalf("C status = %s, want CLAIMED", evC.Status())
	}
	if runReady(t, store, "default", ex, queue, evC) {
		t.Fatalf("C unexpectedly aborted")
	}
	vc, err := store.Get("default", "k", 0, 30)
	if err != nil || len(vc) != 1 || vc[0] != 2 {
		t.Fatalf("C's record = %v, %v, want [2] (1+1, as if B never wrote)", vc, err)
	}
	if ex.outcomes[3] != types.Success {
		t.Fatalf("C outcome = %s, want SUCCESS", ex.outcomes[3])
	}
	if ex.outcomes[2] != types.Aborted {
		t.Fatalf("B outcome = %s, want ABORTED", ex.outcomes[2])
	}
}
