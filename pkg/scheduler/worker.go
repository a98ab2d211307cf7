package scheduler

import (
	"context"
	"runtime"

	"github.com/streamtpg/tpgflow/pkg/corepin"
	"github.com/streamtpg/tpgflow/pkg/executor"
	"github.com/streamtpg/tpgflow/pkg/kvstore"
	"github.com/streamtpg/tpgflow/pkg/metrics"
	"github.com/streamtpg/tpgflow/pkg/tlog"
	"github.com/streamtpg/tpgflow/pkg/tpg"
	"github.com/streamtpg/tpgflow/pkg/types"
)

// WorkerPool runs n goroutines draining the shared ready queue (spec
// §4.8). Each worker prefers, in order: an event directly handed to it by
// its own previous GetNextAndRequeueOthers call, then the global queue.
type WorkerPool struct {
	queue    tpg.Queue
	store    *kvstore.Store
	table    string
	executor executor.Executor
	n        int
	pin      corepin.Pinner
}

// NewWorkerPool creates a pool of n worker goroutines sharing queue. pin is
// consulted once per worker at startup to bind its OS thread to core i; a
// nil pin defaults to corepin.NoopPinner{}.
func NewWorkerPool(n int, queue tpg.Queue, store *kvstore.Store, table string, ex executor.Executor, pin corepin.Pinner) *WorkerPool {
	if pin == nil {
		pin = corepin.NoopPinner{}
	}
	return &WorkerPool{queue: queue, store: store, table: table, executor: ex, n: n, pin: pin}
}

// Run starts the pool and blocks until ctx is canceled and every worker
// has returned.
func (p *WorkerPool) Run(ctx context.Context) {
	done := make(chan struct{}, p.n)
	for i := 0; i < p.n; i++ {
		i := i
		go func() {
			p.runOne(ctx, i)
			done <- struct{}{}
		}()
	}
	for i := 0; i < p.n; i++ {
		<-done
	}
}

// runOne is one worker's loop: pin its OS thread to core i (spec §5's
// "parallel OS threads pinned one-per-core"), then claim (or accept a
// cascade hand-off already CLAIMED for it), execute, accept-or-abort, and
// continue directly with whatever GetNextAndRequeueOthers selected before
// falling back to the shared queue (spec §4.8's local-continuation
// preference).
func (p *WorkerPool) runOne(ctx context.Context, core int) {
	runtime.LockOSThread()
	if err := p.pin.Pin(core); err != nil {
		tlog.WithComponent("worker").Warn().Int("core", core).Err(err).Msg("core pin failed, continuing unpinned")
	}

	var next *tpg.EventNode

	for {
		var ev *tpg.EventNode
		if next != nil {
			ev = next
			next = nil
		} else {
			select {
			case <-ctx.Done():
				return
			case ev = <-p.queue:
			}
		}
		next = p.handle(ev)
	}
}

func (p *WorkerPool) handle(ev *tpg.EventNode) *tpg.EventNode {
	if ev.Status() != types.EventClaimed {
		if !ev.Claim() {
			// Another worker claimed ev directly via GetNextAndRequeueOthers
			// before we reached it (the mirror image of spec §8 scenario 4).
			metrics.RareRaceTotal.WithLabelValues("worker_claim").Inc()
			return nil
		}
	}

	values := make([][]byte, len(ev.Reads()))
	for i, key := range ev.Reads() {
		v, err := p.store.Get(p.table, key, ev.ReadRow(i), ev.ReadTimestamp(i))
		if err != nil {
			values[i] = kvstore.DefaultValue
			continue
		}
		values[i] = v
	}

	aborted, write, err := ev.Execute(p.executor, values)
	if err != nil {
		tlog.WithTxn(ev.Txn().TxnReqID()).Error().
			Err(err).
			Msg("executor returned an error")
	}

	if aborted {
		// TxnNode.Abort pushes any directly-claimed descendant onto the
		// shared queue itself, since there is no single worker to hand it
		// to (an abort can touch every event of the transaction at once).
		ev.Txn().Abort(p.queue)
		return nil
	}

	if !ev.Accept() {
		// A concurrent abort cascade moved ev out of CLAIMED after this
		// worker claimed it; the result is stale and is discarded.
		tlog.Debug("tpg: worker discarded the result of an event reset by a cascade")
		return nil
	}
	if err := ev.WriteBack(write); err != nil {
		tlog.Fatalf("tpg: write back failed for txn %d: %v", ev.Txn().TxnReqID(), err)
	}
	return ev.GetNextAndRequeueOthers(p.queue)
}
