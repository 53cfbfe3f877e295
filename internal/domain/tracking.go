package domain

import "time"

type TrackingStatus string

const (
	TrackingPending  TrackingStatus = "pending"
	TrackingCreating TrackingStatus = "creating"
	TrackingActive   TrackingStatus = "active"
	TrackingFailed   TrackingStatus = "failed"
)

// Tracking is one conversion-tracking configuration owned by a tenant. The
// worker moves it pending -> creating -> active; batch cancellation fails any
// tracking still pending or creating.
type Tracking struct {
	ID        string
	TenantID  string
	Name      string
	Status    TrackingStatus
	LastError *string
	CreatedAt time.Time
	UpdatedAt time.Time
}
