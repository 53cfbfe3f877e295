package domain

import "time"

type BatchStatus string

const (
	BatchActive    BatchStatus = "active"
	BatchPaused    BatchStatus = "paused"
	BatchCancelled BatchStatus = "cancelled"
	BatchCompleted BatchStatus = "completed"
)

func (s BatchStatus) IsTerminal() bool {
	return s == BatchCancelled || s == BatchCompleted
}

// Batch groups the tracking-setup jobs submitted together by one tenant.
// Completed/Failed are aggregates recomputed from the jobs table, never
// incremented out-of-band. A terminal batch is immutable.
type Batch struct {
	ID          string
	TenantID    string
	Status      BatchStatus
	TotalJobs   int
	Completed   int
	Failed      int
	PauseReason *string
	ResumeAfter *time.Time
	PausedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BatchDetail is a batch with its job list, ordered by creation time.
type BatchDetail struct {
	Batch
	Jobs []JobDetail
}
