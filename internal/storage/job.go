package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/oneclicktag/trackd/internal/domain"
)

// ClaimJob moves a dispatched job to processing. Returns nil when the job
// was already claimed, cancelled or finished; the worker treats that as a
// no-op, same as a lost claim race.
func (s *Store) ClaimJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var j domain.Job
	err := s.db.QueryRow(ctx,
		`update jobs
		    set status = $2, step = 'provisioning',
		        attempts = attempts + 1,
		        started_at = coalesce(started_at, now()),
		        updated_at = now()
		  where id = $1 and status = any($3)
		  returning id, batch_id, tracking_id, recommendation_id, status, step,
		            attempts, last_error, next_retry_at, started_at, completed_at,
		            created_at, updated_at`,
		jobID, domain.JobProcessing,
		[]string{string(domain.JobQueued), string(domain.JobRetrying)},
	).Scan(&j.ID, &j.BatchID, &j.TrackingID, &j.RecommendationID, &j.Status,
		&j.Step, &j.Attempts, &j.LastError, &j.NextRetryAt, &j.StartedAt,
		&j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim job")
	}
	return &j, nil
}

// CompleteJob finishes a processing job. The status guard makes the update a
// no-op when a cancel force-failed the job while the worker held it.
func (s *Store) CompleteJob(ctx context.Context, jobID string) (bool, error) {
	return s.finishJob(ctx, jobID, domain.JobCompleted, "done", nil, nil)
}

// FailJob marks a processing job permanently failed.
func (s *Store) FailJob(ctx context.Context, jobID, lastError string) (bool, error) {
	return s.finishJob(ctx, jobID, domain.JobFailed, "failed", &lastError, nil)
}

// RetryJob schedules a processing job for another attempt at nextRetryAt.
func (s *Store) RetryJob(ctx context.Context, jobID, lastError string, nextRetryAt time.Time) (bool, error) {
	return s.finishJob(ctx, jobID, domain.JobRetrying, "retry_wait", &lastError, &nextRetryAt)
}

func (s *Store) finishJob(ctx context.Context, jobID string, to domain.JobStatus, step string, lastError *string, nextRetryAt *time.Time) (bool, error) {
	var completedAt *time.Time
	if to.IsTerminal() {
		now := time.Now().UTC()
		completedAt = &now
	}
	tag, err := s.db.Exec(ctx,
		`update jobs
		    set status = $2, step = $3, last_error = $4,
		        next_retry_at = $5, completed_at = $6, updated_at = now()
		  where id = $1 and status = $7`,
		jobID, to, step, lastError, nextRetryAt, completedAt, domain.JobProcessing)
	if err != nil {
		return false, errors.Wrapf(err, "finish job %s", to)
	}
	return tag.RowsAffected() == 1, nil
}

// SetTrackingStatus is used by the worker as it provisions the tracking
// entity behind a job.
func (s *Store) SetTrackingStatus(ctx context.Context, trackingID string, status domain.TrackingStatus, lastError *string) error {
	_, err := s.db.Exec(ctx,
		`update trackings set status = $2, last_error = $3, updated_at = now() where id = $1`,
		trackingID, status, lastError)
	return errors.Wrap(err, "set tracking status")
}

// RefreshBatchAggregates recomputes a batch's completed/failed counts from
// the jobs table and flips the batch to completed once every job is
// terminal. Cancelled and completed batches are left untouched. Returns the
// refreshed batch, or nil when the batch was already terminal.
func (s *Store) RefreshBatchAggregates(ctx context.Context, batchID string) (*domain.Batch, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	var b domain.Batch
	err = tx.QueryRow(ctx,
		`select id, tenant_id, status, total_jobs, completed, failed,
		        pause_reason, resume_after, paused_at, created_at, updated_at
		   from batches where id = $1 for update`, batchID).
		Scan(&b.ID, &b.TenantID, &b.Status, &b.TotalJobs, &b.Completed,
			&b.Failed, &b.PauseReason, &b.ResumeAfter, &b.PausedAt,
			&b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock batch")
	}
	if b.Status.IsTerminal() {
		return nil, nil
	}

	if err := tx.QueryRow(ctx,
		`select count(*) filter (where status = $2),
		        count(*) filter (where status = $3)
		   from jobs where batch_id = $1`,
		batchID, domain.JobCompleted, domain.JobFailed).
		Scan(&b.Completed, &b.Failed); err != nil {
		return nil, errors.Wrap(err, "recount")
	}

	if b.Completed+b.Failed == b.TotalJobs {
		b.Status = domain.BatchCompleted
	}
	if _, err := tx.Exec(ctx,
		`update batches set status = $2, completed = $3, failed = $4, updated_at = now()
		  where id = $1`,
		batchID, b.Status, b.Completed, b.Failed); err != nil {
		return nil, errors.Wrap(err, "update aggregates")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	return &b, nil
}

// PauseBatch records a pause reason and resume time on an active batch,
// typically after the provisioner reported a rate limit.
func (s *Store) PauseBatch(ctx context.Context, batchID, reason string, resumeAfter time.Time) error {
	_, err := s.db.Exec(ctx,
		`update batches
		    set status = $2, pause_reason = $3, resume_after = $4,
		        paused_at = now(), updated_at = now()
		  where id = $1 and status = $5`,
		batchID, domain.BatchPaused, reason, resumeAfter, domain.BatchActive)
	return errors.Wrap(err, "pause batch")
}

// ResumeBatches reactivates paused batches whose resume time has passed and
// returns their ids so the worker can redrive their jobs.
func (s *Store) ResumeBatches(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`update batches
		    set status = $1, pause_reason = null, resume_after = null,
		        paused_at = null, updated_at = now()
		  where status = $2 and resume_after <= $3
		  returning id`,
		domain.BatchActive, domain.BatchPaused, now)
	if err != nil {
		return nil, errors.Wrap(err, "resume batches")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StrandedQueuedJobs returns queued jobs older than the grace window whose
// dispatch push may have been lost, so the redrive pass can push them again.
func (s *Store) StrandedQueuedJobs(ctx context.Context, tenantID string, olderThan time.Time, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`select j.id
		   from jobs j
		   join batches b on b.id = j.batch_id
		  where b.tenant_id = $1
		    and b.status = $2
		    and j.status = $3
		    and j.created_at <= $4
		  order by j.created_at asc
		  limit $5`,
		tenantID, domain.BatchActive, domain.JobQueued, olderThan, limit)
	if err != nil {
		return nil, errors.Wrap(err, "stranded jobs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DueRetries returns jobs in retry_wait whose next attempt is due, so the
// redrive pass can push them back on the dispatch queue.
func (s *Store) DueRetries(ctx context.Context, tenantID string, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`select j.id
		   from jobs j
		   join batches b on b.id = j.batch_id
		  where b.tenant_id = $1
		    and b.status = $2
		    and j.status = $3
		    and j.next_retry_at <= $4
		  order by j.next_retry_at asc
		  limit $5`,
		tenantID, domain.BatchActive, domain.JobRetrying, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "due retries")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
