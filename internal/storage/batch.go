package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/oneclicktag/trackd/internal/domain"
)

const cancelledByUser = "Cancelled by user"

// CreateBatch inserts a batch and one queued job per tracking id in a single
// transaction. Tracking ids that do not belong to the tenant are rejected.
func (s *Store) CreateBatch(ctx context.Context, tenantID string, trackingIDs []string, recommendationIDs map[string]string) (*domain.Batch, []domain.Job, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	var owned int
	if err := tx.QueryRow(ctx,
		`select count(*) from trackings where tenant_id = $1 and id = any($2)`,
		tenantID, trackingIDs).Scan(&owned); err != nil {
		return nil, nil, errors.Wrap(err, "verify trackings")
	}
	if owned != len(trackingIDs) {
		return nil, nil, ErrNotFound
	}

	b := &domain.Batch{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Status:    domain.BatchActive,
		TotalJobs: len(trackingIDs),
	}
	if err := tx.QueryRow(ctx,
		`insert into batches (id, tenant_id, status, total_jobs)
		 values ($1, $2, $3, $4)
		 returning created_at, updated_at`,
		b.ID, b.TenantID, b.Status, b.TotalJobs).Scan(&b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, nil, errors.Wrap(err, "insert batch")
	}

	jobs := make([]domain.Job, 0, len(trackingIDs))
	for _, tid := range trackingIDs {
		j := domain.Job{
			ID:         uuid.NewString(),
			BatchID:    b.ID,
			TrackingID: tid,
			Status:     domain.JobQueued,
			Step:       "pending",
		}
		if rec, ok := recommendationIDs[tid]; ok {
			j.RecommendationID = &rec
		}
		if err := tx.QueryRow(ctx,
			`insert into jobs (id, batch_id, tracking_id, recommendation_id, status, step)
			 values ($1, $2, $3, $4, $5, $6)
			 returning created_at, updated_at`,
			j.ID, j.BatchID, j.TrackingID, j.RecommendationID, j.Status, j.Step,
		).Scan(&j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, nil, errors.Wrap(err, "insert job")
		}
		jobs = append(jobs, j)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "commit")
	}
	return b, jobs, nil
}

// GetBatchDetail returns a batch with its jobs ordered by creation time.
// Tenant isolation happens in the batch query itself, so a foreign batch is
// indistinguishable from a missing one. Dangling tracking references resolve
// to the name "Unknown" rather than failing the read.
func (s *Store) GetBatchDetail(ctx context.Context, batchID, tenantID string) (*domain.BatchDetail, error) {
	b, err := s.getBatch(ctx, batchID, tenantID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx,
		`select j.id, j.batch_id, j.tracking_id, j.recommendation_id, j.status, j.step,
		        j.attempts, j.last_error, j.next_retry_at, j.started_at, j.completed_at,
		        j.created_at, j.updated_at, coalesce(t.name, 'Unknown')
		   from jobs j
		   left join trackings t on t.id = j.tracking_id
		  where j.batch_id = $1
		  order by j.created_at asc`, batchID)
	if err != nil {
		return nil, errors.Wrap(err, "batch jobs")
	}
	defer rows.Close()

	detail := &domain.BatchDetail{Batch: *b}
	for rows.Next() {
		var jd domain.JobDetail
		if err := rows.Scan(&jd.ID, &jd.BatchID, &jd.TrackingID, &jd.RecommendationID,
			&jd.Status, &jd.Step, &jd.Attempts, &jd.LastError, &jd.NextRetryAt,
			&jd.StartedAt, &jd.CompletedAt, &jd.CreatedAt, &jd.UpdatedAt,
			&jd.TrackingName); err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		detail.Jobs = append(detail.Jobs, jd)
	}
	return detail, rows.Err()
}

func (s *Store) ListBatches(ctx context.Context, tenantID string) ([]domain.Batch, error) {
	rows, err := s.db.Query(ctx,
		`select id, tenant_id, status, total_jobs, completed, failed,
		        pause_reason, resume_after, paused_at, created_at, updated_at
		   from batches
		  where tenant_id = $1
		  order by created_at desc`, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "list batches")
	}
	defer rows.Close()

	var out []domain.Batch
	for rows.Next() {
		var b domain.Batch
		if err := scanBatch(rows, &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CancelBatch force-terminates every non-terminal job in the batch and the
// trackings they reference, then recomputes the batch aggregates, all in one
// transaction. The batch row and the victim jobs are locked first so a
// concurrent worker completion either lands before the read or waits and
// then matches nothing.
func (s *Store) CancelBatch(ctx context.Context, batchID, tenantID string) (*domain.ProgressCount, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	var status domain.BatchStatus
	var total int
	err = tx.QueryRow(ctx,
		`select status, total_jobs from batches
		  where id = $1 and tenant_id = $2
		    for update`, batchID, tenantID).Scan(&status, &total)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock batch")
	}
	if status.IsTerminal() {
		return nil, ErrBatchFinished
	}

	rows, err := tx.Query(ctx,
		`select id, tracking_id from jobs
		  where batch_id = $1
		    and status = any($2)
		    for update`,
		batchID, []string{
			string(domain.JobQueued), string(domain.JobProcessing),
			string(domain.JobRetrying), string(domain.JobPaused),
		})
	if err != nil {
		return nil, errors.Wrap(err, "select victims")
	}
	var jobIDs, trackingIDs []string
	for rows.Next() {
		var jid, tid string
		if err := rows.Scan(&jid, &tid); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan victim")
		}
		jobIDs = append(jobIDs, jid)
		trackingIDs = append(trackingIDs, tid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "victims")
	}

	now := time.Now().UTC()
	if len(jobIDs) > 0 {
		if _, err := tx.Exec(ctx,
			`update jobs
			    set status = $2, last_error = $3, completed_at = $4, updated_at = $4
			  where id = any($1)`,
			jobIDs, domain.JobFailed, cancelledByUser, now); err != nil {
			return nil, errors.Wrap(err, "fail jobs")
		}
		if _, err := tx.Exec(ctx,
			`update trackings
			    set status = $2, last_error = $3, updated_at = $4
			  where id = any($1)
			    and status = any($5)`,
			trackingIDs, domain.TrackingFailed, cancelledByUser, now,
			[]string{string(domain.TrackingPending), string(domain.TrackingCreating)},
		); err != nil {
			return nil, errors.Wrap(err, "fail trackings")
		}
	}

	var completed int
	if err := tx.QueryRow(ctx,
		`select count(*) from jobs where batch_id = $1 and status = $2`,
		batchID, domain.JobCompleted).Scan(&completed); err != nil {
		return nil, errors.Wrap(err, "recount completed")
	}

	if _, err := tx.Exec(ctx,
		`update batches
		    set status = $2, completed = $3, failed = $4,
		        paused_at = null, resume_after = null, pause_reason = null,
		        updated_at = $5
		  where id = $1`,
		batchID, domain.BatchCancelled, completed, len(jobIDs), now); err != nil {
		return nil, errors.Wrap(err, "cancel batch")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	return &domain.ProgressCount{Completed: completed, Failed: len(jobIDs), Total: total}, nil
}

func (s *Store) getBatch(ctx context.Context, batchID, tenantID string) (*domain.Batch, error) {
	var b domain.Batch
	row := s.db.QueryRow(ctx,
		`select id, tenant_id, status, total_jobs, completed, failed,
		        pause_reason, resume_after, paused_at, created_at, updated_at
		   from batches
		  where id = $1 and tenant_id = $2`, batchID, tenantID)
	if err := scanBatch(row, &b); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get batch")
	}
	return &b, nil
}

func scanBatch(row pgx.Row, b *domain.Batch) error {
	return row.Scan(&b.ID, &b.TenantID, &b.Status, &b.TotalJobs, &b.Completed,
		&b.Failed, &b.PauseReason, &b.ResumeAfter, &b.PausedAt,
		&b.CreatedAt, &b.UpdatedAt)
}
