// Package executor defines the boundary between the TPG engine and the
// user-supplied per-event application logic. The engine never calls into
// cgo or an FFI layer here — Execute and OnTxnFinished are plain Go calls,
// matching spec §1's treatment of the executor as "an external function".
package executor

import "github.com/streamtpg/tpgflow/pkg/types"

// Executor is the capability set a collaborator must implement to run
// per-event business logic and learn transaction outcomes (spec §4.10,
// §6, §9 "dynamic dispatch for the executor").
type Executor interface {
	// Execute runs event eventIdx of transaction txnReqID against the
	// concatenated read values (already joined with ';' by the caller)
	// and returns whether the event aborts plus its new write value.
	Execute(txnReqID uint64, eventIdx int, concatReads []byte, n int) (aborted bool, write []byte, err error)

	// OnTxnFinished delivers the terminal outcome of a transaction once
	// and exactly once.
	OnTxnFinished(txnReqID uint64, outcome types.Outcome)
}

// NullExecutor is a trivial Executor for tests and examples: it never
// aborts and echoes the first read value back as the write (or the
// default value when there are no reads).
type NullExecutor struct{}

// Execute implements Executor by returning the first read unchanged.
func (NullExecutor) Execute(_ uint64, _ int, concatReads []byte, n int) (bool, []byte, error) {
	if n == 0 || len(concatReads) == 0 {
		return false, []byte{0x00}, nil
	}
	first := concatReads
	for i, b := range concatReads {
		if b == ';' {
			first = concatReads[:i]
			break
		}
	}
	out := make([]byte, len(first))
	copy(out, first)
	return false, out, nil
}

// OnTxnFinished implements Executor with a no-op.
func (NullExecutor) OnTxnFinished(uint64, types.Outcome) {}
