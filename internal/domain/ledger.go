package domain

import "time"

// LedgerEntry is written once a batch operation reaches a terminal
// successful application. Its presence is the sole idempotency
// authority (§4.2) — a conflict is a pending state, not a terminal
// one, and never produces a ledger entry (P4).
type LedgerEntry struct {
	OperationID string    `json:"operationId"`
	Action      Action    `json:"action"`
	Kind        Kind      `json:"kind"`
	ProcessedAt time.Time `json:"processedAt"`
}
