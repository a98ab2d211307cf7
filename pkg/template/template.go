// Package template loads and preprocesses the transaction-shape schema a
// collaborator supplies via InitSFC (spec §6): named applications, each a
// list of transaction shapes, each a list of state accesses. The wire
// format is the JSON document the adapter returns from Init_SFC; parsing
// and serialization are otherwise a non-goal (spec §1).
package template

import (
	"encoding/json"
	"sort"

	"github.com/streamtpg/tpgflow/pkg/tpgerr"
)

// StateAccess is one event's declared reads/write, as it appears in the
// raw InitSFC document.
type StateAccess struct {
	Reads                 []string `json:"reads"`
	Write                 string   `json:"write"`
	HasWrite              bool     `json:"has_write"`
	ConsistencyRequirement string  `json:"consistency_requirement"`
}

// Transaction is one named transaction shape: an ordered list of events.
type Transaction struct {
	Name          string        `json:"name"`
	StateAccesses []StateAccess `json:"StateAccesses"`
}

// App groups transaction shapes under an application name.
type App struct {
	Name         string        `json:"name"`
	Transactions []Transaction `json:"transactions"`
}

// Document is the top-level InitSFC JSON shape.
type Document struct {
	App []App `json:"app"`
}

// EventTemplate is the preprocessed, per-event shape the construct
// goroutine uses to build EventNodes from. Reads has been augmented with
// Write (if any) and deduped+sorted so write-write ordering on a shared
// key induces a read-write edge (spec §6: "induce a read-write edge").
type EventTemplate struct {
	Reads    []string
	Write    string
	HasWrite bool
}

// TxnTemplate is a preprocessed transaction shape: type_idx indexes into
// the loaded template set (spec §6's deposit message field).
type TxnTemplate struct {
	Name   string
	Events []EventTemplate
}

// Load parses an InitSFC JSON document and flattens every app's
// transactions into a single ordered template set, indexable by
// type_idx. Preprocessing augments each event's read set and rejects
// transaction shapes where two events of the same transaction declare the
// same write key (spec §8 scenario 6 depends on the augmentation, not on
// rejection — writers of one key in different transactions are ordered
// through the augmented read set).
func Load(data []byte) ([]TxnTemplate, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	var out []TxnTemplate
	for _, app := range doc.App {
		for _, txn := range app.Transactions {
			tmpl, err := preprocess(txn)
			if err != nil {
				return nil, err
			}
			out = append(out, tmpl)
		}
	}
	return out, nil
}

func preprocess(txn Transaction) (TxnTemplate, error) {
	seen := make(map[string]bool)
	events := make([]EventTemplate, 0, len(txn.StateAccesses))

	for _, sa := range txn.StateAccesses {
		if sa.HasWrite && seen[sa.Write] {
			return TxnTemplate{}, &tpgerr.DuplicateWriteError{Key: sa.Write}
		}
		if sa.HasWrite {
			seen[sa.Write] = true
		}

		reads := dedupSorted(sa.Reads, sa.Write, sa.HasWrite)
		events = append(events, EventTemplate{
			Reads:    reads,
			Write:    sa.Write,
			HasWrite: sa.HasWrite,
		})
	}

	return TxnTemplate{Name: txn.Name, Events: events}, nil
}

func dedupSorted(reads []string, write string, hasWrite bool) []string {
	set := make(map[string]struct{}, len(reads)+1)
	for _, r := range reads {
		set[r] = struct{}{}
	}
	if hasWrite {
		set[write] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
