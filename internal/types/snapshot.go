package types

import "time"

// VerificationSnapshot is the derived read model served to verifiers. It is
// never authoritative: it can be dropped and rebuilt from the ledger, and
// LastIndexedAt tells callers how fresh it is.
type VerificationSnapshot struct {
	Product       Product       `json:"product"`
	Status        Status        `json:"status"`
	Traces        []TraceRecord `json:"trace_list"`
	TxHash        string        `json:"tx_hash"`
	LastIndexedAt time.Time     `json:"last_indexed_at"`
}
