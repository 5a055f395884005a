package model

import "time"

// SyncStatus classifies the relationship between the local HEAD and the
// remote branch.
type SyncStatus string

const (
	StatusUpToDate  SyncStatus = "UP_TO_DATE"
	StatusNeedsPull SyncStatus = "NEEDS_PULL"
	StatusNeedsPush SyncStatus = "NEEDS_PUSH"
	StatusConflict  SyncStatus = "CONFLICT"
	StatusError     SyncStatus = "ERROR"
)

// SyncState is the per-workspace synchronization state. It is recomputed at
// the start of every sync attempt and persisted after each attempt regardless
// of outcome.
type SyncState struct {
	Status       SyncStatus `json:"status"`
	LocalCommit  string     `json:"localCommit,omitempty"`
	RemoteCommit string     `json:"remoteCommit,omitempty"`
	AheadCount   int        `json:"aheadCount,omitempty"`
	BehindCount  int        `json:"behindCount,omitempty"`
	LastSync     time.Time  `json:"lastSync"`
	LastError    string     `json:"lastError,omitempty"`

	// RequiresManualResolution is set when a conflict could not be resolved
	// automatically and the operator has to intervene.
	RequiresManualResolution bool `json:"requiresManualResolution,omitempty"`
}
