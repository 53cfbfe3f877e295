package domain

import "time"

// Tenant is an isolated customer organization. Every batch, job and tracking
// row is partitioned by tenant id.
type Tenant struct {
	ID        string
	Name      string
	Domain    string
	IsActive  bool
	CreatedAt time.Time
}
