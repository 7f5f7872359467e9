package types

import "encoding/json"

// ReceiptStatus reports whether an invocation's writes were kept.
type ReceiptStatus string

const (
	ReceiptCommitted ReceiptStatus = "committed"
	ReceiptAborted   ReceiptStatus = "aborted"
)

// Receipt summarises an executed invocation. Aborted receipts carry the
// diagnostic error string and any events emitted before the abort; those
// events never reach the ledger's event log.
type Receipt struct {
	Digest      string          `json:"digest"`
	Method      string          `json:"method"`
	Height      uint32          `json:"height"`
	Status      ReceiptStatus   `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Events      []Event         `json:"events,omitempty"`
	Diagnostics []Event         `json:"diagnostics,omitempty"`
}

// Committed reports whether the invocation's writes were persisted.
func (r *Receipt) Committed() bool {
	return r != nil && r.Status == ReceiptCommitted
}

// LoggedEvent is an event as stored in the ledger's append-only log.
type LoggedEvent struct {
	Sequence uint64 `json:"sequence"`
	Height   uint32 `json:"height"`
	Digest   string `json:"digest,omitempty"`
	Event
}
