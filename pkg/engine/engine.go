// Package engine wires the construct goroutine, worker pool, and monitor
// goroutine into the single top-level object a binary starts and stops
// (spec §5's "one construct goroutine... N worker goroutines, one monitor
// goroutine", supplemented from the shape cuemby-warren's cmd/warren gives
// its top-level server type).
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/streamtpg/tpgflow/pkg/config"
	"github.com/streamtpg/tpgflow/pkg/corepin"
	"github.com/streamtpg/tpgflow/pkg/executor"
	"github.com/streamtpg/tpgflow/pkg/kvstore"
	"github.com/streamtpg/tpgflow/pkg/metrics"
	"github.com/streamtpg/tpgflow/pkg/monitor"
	"github.com/streamtpg/tpgflow/pkg/scheduler"
	"github.com/streamtpg/tpgflow/pkg/template"
	"github.com/streamtpg/tpgflow/pkg/tlog"
	"github.com/streamtpg/tpgflow/pkg/tpg"
	"github.com/streamtpg/tpgflow/pkg/types"
)

// DefaultTable is the single kvstore table name the engine uses. The
// schema is flat key/row addressing (spec §3); InitSFC never names a
// table, so one fixed name is all a single-tenant engine needs.
const DefaultTable = "default"

// Engine is the top-level object a binary constructs, starts, and stops.
type Engine struct {
	cfg       config.Config
	store     *kvstore.Store
	index     *tpg.Index
	queue     tpg.Queue
	construct *scheduler.Construct
	workers   *scheduler.WorkerPool
	monitor   *monitor.Monitor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Engine from cfg, a preloaded template set (from InitSFC),
// and the user's Executor. The Executor is wrapped so the engine can keep
// pkg/metrics accurate without requiring every Executor implementation to
// remember to touch it.
func New(cfg config.Config, templates []template.TxnTemplate, ex executor.Executor) *Engine {
	store := kvstore.New(cfg.RingBufferSize, cfg.RingBufferFullToPanic, cfg.MaxStateRecords)
	index := tpg.NewIndex()
	queue := tpg.NewQueue(cfg.WaitingQueueSize)

	wrapped := &instrumentedExecutor{inner: ex}
	construct := scheduler.NewConstruct(templates, index, queue, store, DefaultTable, wrapped, cfg.TransactionPoolingSize)
	workers := scheduler.NewWorkerPool(cfg.WorkerThreadsNum, queue, store, DefaultTable, wrapped, corepin.NoopPinner{})

	var mon *monitor.Monitor
	if cfg.MonitorEnabled {
		mon = monitor.New(queue, time.Second)
	}

	return &Engine{
		cfg:       cfg,
		store:     store,
		index:     index,
		queue:     queue,
		construct: construct,
		workers:   workers,
		monitor:   mon,
	}
}

// Store exposes the engine's KV store, e.g. for a read API the transport
// layer might add later.
func (e *Engine) Store() *kvstore.Store { return e.store }

// Deposit submits a transaction arrival, blocking until it is accepted
// into the construct goroutine's arrival channel or ctx is canceled
// (spec §6).
func (e *Engine) Deposit(ctx context.Context, req scheduler.Request) error {
	return e.construct.Deposit(ctx, req)
}

// Start launches the construct goroutine, worker pool, and (if enabled)
// monitor goroutine under a context derived from ctx; they all observe its
// cancellation, which Stop triggers (spec §5's graceful-shutdown flag,
// reimagined as context cancellation).
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.construct.Run(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.workers.Run(ctx)
	}()

	if e.monitor != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.monitor.Run(ctx)
		}()
	}

	tlog.Info("engine started")
}

// Stop cancels every goroutine Start launched and waits for them to
// return.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	tlog.Info("engine stopped")
}

// instrumentedExecutor wraps a user Executor so OnTxnFinished always
// updates pkg/metrics regardless of what the user's own implementation
// does, keeping ActiveTransactions and TxnOutcomesTotal accurate without
// requiring every Executor to remember to touch them itself.
type instrumentedExecutor struct {
	inner executor.Executor
}

func (w *instrumentedExecutor) Execute(txnReqID uint64, eventIdx int, concatReads []byte, n int) (bool, []byte, error) {
	return w.inner.Execute(txnReqID, eventIdx, concatReads, n)
}

func (w *instrumentedExecutor) OnTxnFinished(txnReqID uint64, outcome types.Outcome) {
	if outcome != types.Illegal {
		// construct.go only Inc()s ActiveTransactions for deposits that made
		// it past validation into a wired TxnNode; ILLEGAL is reported
		// before that point, so it has no corresponding Inc to undo here.
		metrics.ActiveTransactions.Dec()
	}
	metrics.TxnOutcomesTotal.WithLabelValues(outcome.String()).Inc()
	w.inner.OnTxnFinished(txnReqID, outcome)
}
