package domain

import "time"

type EventType string

const (
	EventBatchCreated   EventType = "batch_created"
	EventJobCompleted   EventType = "job_completed"
	EventJobFailed      EventType = "job_failed"
	EventBatchPaused    EventType = "batch_paused"
	EventBatchResumed   EventType = "batch_resumed"
	EventBatchCompleted EventType = "batch_completed"
)

// ProgressEvent is published on a batch's channel after a batch-affecting
// mutation has committed. Delivery is best effort.
type ProgressEvent struct {
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Data      ProgressCount `json:"data"`
}

type ProgressCount struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}
