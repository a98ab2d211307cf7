// Package scheduler runs the construct goroutine and the worker pool that
// together drive the TPG (spec §4.7-§4.8). The construct goroutine is the
// single writer of the TPG index; workers only read it.
package scheduler

import (
	"context"
	"fmt"

	"github.com/streamtpg/tpgflow/pkg/executor"
	"github.com/streamtpg/tpgflow/pkg/kvstore"
	"github.com/streamtpg/tpgflow/pkg/metrics"
	"github.com/streamtpg/tpgflow/pkg/template"
	"github.com/streamtpg/tpgflow/pkg/tlog"
	"github.com/streamtpg/tpgflow/pkg/tpg"
	"github.com/streamtpg/tpgflow/pkg/tpgerr"
	"github.com/streamtpg/tpgflow/pkg/types"
)

// Request is the parsed form of a deposit_transaction arrival (spec §6):
// `{type_idx, ts, txn_req_id, reads_idx, write_idx}`.
type Request struct {
	TypeIdx  int
	TS       types.Timestamp
	TxnReqID uint64
	ReadsIdx [][]int
	WriteIdx []int
}

// Construct owns the arrival channel and is the TPG index's only writer.
type Construct struct {
	templates []template.TxnTemplate
	index     *tpg.Index
	queue     tpg.Queue
	store     *kvstore.Store
	table     string
	executor  executor.Executor

	arrivals chan Request
}

// NewConstruct creates a Construct with a bounded arrival channel of the
// given capacity (spec §6's arrival channel, backpressure by blocking).
func NewConstruct(templates []template.TxnTemplate, index *tpg.Index, queue tpg.Queue, store *kvstore.Store, table string, ex executor.Executor, arrivalBufSize int) *Construct {
	return &Construct{
		templates: templates,
		index:     index,
		queue:     queue,
		store:     store,
		table:     table,
		executor:  ex,
		arrivals:  make(chan Request, arrivalBufSize),
	}
}

// Deposit enqueues req, blocking until there is room or ctx is canceled
// (spec §6: "sends into the bounded arrival channel (blocks if full)").
func (c *Construct) Deposit(ctx context.Context, req Request) error {
	select {
	case c.arrivals <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes arrivals until ctx is canceled. It is the sole writer of
// the TPG index, so it must never be run from more than one goroutine
// (spec §4.7: "single-threaded consumer of the arrival channel" — see
// DESIGN.md for why pkg/tpg's Retain/Release rely on this).
func (c *Construct) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.arrivals:
			c.process(req)
		}
	}
}

func (c *Construct) process(req Request) {
	if req.TypeIdx < 0 || req.TypeIdx >= len(c.templates) {
		err := &tpgerr.UnknownTemplateError{TypeIdx: req.TypeIdx, Loaded: len(c.templates)}
		tlog.Error(fmt.Sprintf("construct: rejecting txn %d: %v", req.TxnReqID, err))
		c.executor.OnTxnFinished(req.TxnReqID, types.Illegal)
		return
	}

	tmpl := c.templates[req.TypeIdx]
	txn, err := tpg.New(req.TS, req.TxnReqID, tmpl, req.ReadsIdx, req.WriteIdx, c.store, c.table, c.executor)
	if err != nil {
		tlog.WithComponent("construct").Error().
			Uint64("txn_req_id", req.TxnReqID).
			Err(err).
			Msg("rejecting malformed deposit")
		c.executor.OnTxnFinished(req.TxnReqID, types.Illegal)
		return
	}

	metrics.ActiveTransactions.Inc()
	txn.SetLinks(c.index)

	for _, ev := range txn.Events() {
		if !ev.Ready() {
			continue
		}
		if ev.TryEnqueue() {
			c.queue <- ev
			continue
		}
		// Rare race (spec §8 scenario 4): a worker already CAS'd this
		// event WAITING->CLAIMED via a sibling's GetNextAndRequeueOthers
		// between our Ready() check and TryEnqueue's CAS. The event is
		// now owned by that worker; forcing it back to WAITING here
		// would corrupt that ownership, so we only record the race.
		metrics.RareRaceTotal.WithLabelValues("construct_enqueue").Inc()
	}
}
