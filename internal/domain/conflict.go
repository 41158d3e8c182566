package domain

import "time"

type ConflictStatus string

const (
	ConflictPending   ConflictStatus = "PENDING"
	ConflictResolved  ConflictStatus = "RESOLVED"
	ConflictDismissed ConflictStatus = "DISMISSED"
)

// Conflict is the durable evidence of an operation whose client version
// did not match server state (§3). Its id is always the triggering
// operationId — collapsing the idempotency key and the conflict id is
// intentional (§9).
type Conflict struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	RecordID      string         `json:"recordId"`
	ServerData    *Record        `json:"serverData"`
	ClientData    *Operation     `json:"clientData"`
	ServerVersion int64          `json:"serverVersion"`
	ClientVersion int64          `json:"clientVersion"`
	Status        ConflictStatus `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
	ResolvedAt    *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedData  *Record        `json:"resolvedData,omitempty"`
}

// ResolutionChoice is the operator's pick when settling a conflict
// (§4.5). CUSTOM requires CustomData on the request.
type ResolutionChoice string

const (
	ResolutionClient ResolutionChoice = "CLIENT"
	ResolutionServer ResolutionChoice = "SERVER"
	ResolutionCustom ResolutionChoice = "CUSTOM"
)

func (c ResolutionChoice) Valid() bool {
	switch c {
	case ResolutionClient, ResolutionServer, ResolutionCustom:
		return true
	default:
		return false
	}
}

// ConflictFilter narrows a Conflict Store listing (§4.3).
type ConflictFilter struct {
	Status ConflictStatus
	Kind   Kind
}

// ConflictStats summarizes the conflict population for the operator
// dashboard (§4.3 stats()).
type ConflictStats struct {
	Pending   int          `json:"pending"`
	Resolved  int          `json:"resolved"`
	Dismissed int          `json:"dismissed"`
	ByKind    map[Kind]int `json:"byKind"`
}
