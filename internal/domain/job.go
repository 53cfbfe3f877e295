package domain

import "time"

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobRetrying   JobStatus = "retrying"
	JobPaused     JobStatus = "paused"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// jobTransitions lists the legal forward moves of the per-job state machine.
// Terminal states have no outgoing edges; cancellation force-fails jobs
// outside this table on purpose.
var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:     {JobProcessing, JobPaused},
	JobProcessing: {JobCompleted, JobFailed, JobRetrying},
	JobRetrying:   {JobProcessing, JobPaused},
	JobPaused:     {JobQueued, JobRetrying},
}

func CanTransition(from, to JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is one unit of work inside a batch: setting up conversion tracking for
// a single tracking entity. Status is advanced by the worker; the batch
// service only reads it and force-terminates it on cancel.
type Job struct {
	ID               string
	BatchID          string
	TrackingID       string
	RecommendationID *string
	Status           JobStatus
	Step             string
	Attempts         int
	LastError        *string
	NextRetryAt      *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// JobDetail is a job enriched with the human-readable tracking name for
// status screens. TrackingName falls back to "Unknown" when the referenced
// tracking no longer exists.
type JobDetail struct {
	Job
	TrackingName string
}
