package model

import "time"

// ResolutionStatus is the per-row outcome of the resolution waterfall.
type ResolutionStatus string

const (
	StatusSuccessInternal ResolutionStatus = "SUCCESS_INTERNAL"
	StatusSuccessExternal ResolutionStatus = "SUCCESS_EXTERNAL"
	StatusPendingLookup   ResolutionStatus = "PENDING_LOOKUP"
	StatusTempAssigned    ResolutionStatus = "TEMP_ASSIGNED"
	StatusFailed          ResolutionStatus = "FAILED"
)

// Resolved reports whether the status carries an authoritative identifier.
func (s ResolutionStatus) Resolved() bool {
	return s == StatusSuccessInternal || s == StatusSuccessExternal
}

// Winning tier names recorded per row.
const (
	TierOverride = "override"
	TierCache    = "cache"
	TierExisting = "existing_column"
	TierRegistry = "registry"
	TierPending  = "pending_queue"
	TierTemp     = "temp_id"
	TierNone     = "none"
)

// PendingStatusPending marks a queued lookup that has not been attempted yet.
const PendingStatusPending = "pending"

// PendingLookup is a deferred registry lookup for a row that ran out of budget.
type PendingLookup struct {
	ID             string    `json:"id"`
	BatchID        string    `json:"batch_id"`
	RowKey         string    `json:"row_key"`
	RawName        string    `json:"raw_name"`
	NormalizedName string    `json:"normalized_name"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	CreatedAt      time.Time `json:"created_at"`
}
