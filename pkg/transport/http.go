// Package transport is the HTTP+JSON ingress that turns a deposit request
// over the wire into an engine.Engine.Deposit call (spec §6, which treats
// the transport carrying deposit_transaction/InitSFC arrivals as external
// and out of scope). Built the way cuemby-warren/cmd/warren/main.go wires
// its own HTTP endpoints: a plain net/http.ServeMux registered against a
// *http.Server the caller owns and shuts down.
package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/streamtpg/tpgflow/pkg/scheduler"
	"github.com/streamtpg/tpgflow/pkg/tlog"
	"github.com/streamtpg/tpgflow/pkg/types"
)

// Depositor is the subset of *engine.Engine the HTTP handler needs.
type Depositor interface {
	Deposit(ctx context.Context, req scheduler.Request) error
}

// txnRequest is the wire shape of a POST /txn body, mirroring spec §6's
// deposit_transaction fields.
type txnRequest struct {
	TypeIdx  int             `json:"type_idx"`
	TS       types.Timestamp `json:"ts"`
	TxnReqID uint64          `json:"txn_req_id"`
	ReadsIdx [][]int         `json:"reads_idx"`
	WriteIdx []int           `json:"write_idx"`
}

// NewMux builds the HTTP handler: POST /txn deposits a transaction arrival
// against eng. The caller owns the *http.Server wrapping this mux and is
// responsible for ListenAndServe/Shutdown, same division cmd/warren/main.go
// keeps between its server setup and its command RunE.
func NewMux(eng Depositor) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/txn", handleTxn(eng))
	return mux
}

func handleTxn(eng Depositor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := uuid.New().String()
		log := tlog.WithComponent("transport")

		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req txnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.Warn().Str("trace_id", traceID).Err(err).Msg("malformed deposit body")
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}

		err := eng.Deposit(r.Context(), scheduler.Request{
			TypeIdx:  req.TypeIdx,
			TS:       req.TS,
			TxnReqID: req.TxnReqID,
			ReadsIdx: req.ReadsIdx,
			WriteIdx: req.WriteIdx,
		})
		if err != nil {
			log.Error().
				Str("trace_id", traceID).
				Uint64("txn_req_id", req.TxnReqID).
				Err(err).
				Msg("deposit failed")
			http.Error(w, "deposit rejected", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("X-Trace-Id", traceID)
		w.WriteHeader(http.StatusAccepted)
	}
}
