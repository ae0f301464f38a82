package model

import "time"

// SyncStatus of an account
type SyncStatus string

const (
	SyncIdle      SyncStatus = "idle"
	SyncSyncing   SyncStatus = "syncing"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// SyncState is the per-account tracker record, overwritten on every sync attempt
type SyncState struct {
	AccountID    string     `db:"account_id" json:"account_id"`
	Status       SyncStatus `db:"status" json:"status"`
	Progress     int        `db:"progress" json:"progress"`
	Total        int        `db:"total" json:"total"`
	PendingUnits int        `db:"pending_units" json:"pending_units"`
	FailedUnits  int        `db:"failed_units" json:"failed_units"`
	DoneUnits    int        `db:"done_units" json:"done_units"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	LastError    string     `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}
