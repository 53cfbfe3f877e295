package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/oneclicktag/trackd/internal/domain"
	"github.com/oneclicktag/trackd/internal/progress"
	"github.com/oneclicktag/trackd/internal/queue"
)

// leaderLockKey is the advisory lock electing the single redrive leader
// across worker processes.
const leaderLockKey = 42

// ErrRateLimited is returned by a Provisioner when the upstream API pushed
// back. The whole batch pauses until the backoff window passes.
var ErrRateLimited = errors.New("rate limited")

// Provisioner sets up conversion tracking for one job. The production
// implementation talks to Tag Manager; tests plug in fakes.
type Provisioner interface {
	Provision(ctx context.Context, job domain.Job) error
}

// NoopProvisioner stands in for the Tag Manager provisioning client in
// environments without Google credentials.
type NoopProvisioner struct{}

func (NoopProvisioner) Provision(context.Context, domain.Job) error { return nil }

// Store is the slice of the storage layer the worker drives.
type Store interface {
	TenantIDs(ctx context.Context) ([]string, error)
	ClaimJob(ctx context.Context, jobID string) (*domain.Job, error)
	CompleteJob(ctx context.Context, jobID string) (bool, error)
	FailJob(ctx context.Context, jobID, lastError string) (bool, error)
	RetryJob(ctx context.Context, jobID, lastError string, nextRetryAt time.Time) (bool, error)
	SetTrackingStatus(ctx context.Context, trackingID string, status domain.TrackingStatus, lastError *string) error
	RefreshBatchAggregates(ctx context.Context, batchID string) (*domain.Batch, error)
	PauseBatch(ctx context.Context, batchID, reason string, resumeAfter time.Time) error
	ResumeBatches(ctx context.Context, now time.Time) ([]string, error)
	DueRetries(ctx context.Context, tenantID string, now time.Time, limit int) ([]string, error)
	StrandedQueuedJobs(ctx context.Context, tenantID string, olderThan time.Time, limit int) ([]string, error)
	TryLeaderLock(ctx context.Context, key int64) (release func(), ok bool, err error)
}

// Queue is the dispatch side of the redis queue.
type Queue interface {
	Enqueue(ctx context.Context, tenant string, jobID string, runAt time.Time) error
	Dequeue(ctx context.Context, tenant string, block time.Duration) (*queue.Message, error)
	MoveDue(ctx context.Context, tenant string, now int64, batch int64) error
}

type Worker struct {
	store       Store
	q           Queue
	pub         progress.Publisher
	prov        Provisioner
	log         *zap.Logger
	maxAttempts int
	backoff     time.Duration
}

func New(store Store, q Queue, pub progress.Publisher, prov Provisioner, log *zap.Logger, maxAttempts int, backoff time.Duration) *Worker {
	return &Worker{
		store:       store,
		q:           q,
		pub:         pub,
		prov:        prov,
		log:         log,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

// RunConsumer walks the per-tenant dispatch lists until ctx is cancelled.
func (w *Worker) RunConsumer(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tenants, err := w.store.TenantIDs(ctx)
		if err != nil {
			w.log.Warn("tenant list failed", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}
		if len(tenants) == 0 {
			sleep(ctx, time.Second)
			continue
		}
		for _, t := range tenants {
			msg, err := w.q.Dequeue(ctx, t, time.Second)
			if errors.Is(err, r.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.log.Warn("dequeue failed", zap.String("tenant_id", t), zap.Error(err))
				continue
			}
			if err := w.ProcessJob(ctx, t, msg.JobID); err != nil {
				w.log.Error("process job failed",
					zap.String("tenant_id", t),
					zap.String("job_id", msg.JobID),
					zap.Error(err))
			}
		}
	}
}

// ProcessJob advances one dispatched job through the state machine. A nil
// claim means the job was cancelled or grabbed by another consumer; both are
// no-ops. Duplicate dispatches are harmless for the same reason.
func (w *Worker) ProcessJob(ctx context.Context, tenantID, jobID string) error {
	j, err := w.store.ClaimJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return nil
	}

	if err := w.store.SetTrackingStatus(ctx, j.TrackingID, domain.TrackingCreating, nil); err != nil {
		w.log.Warn("tracking status", zap.String("job_id", j.ID), zap.Error(err))
	}

	provErr := w.prov.Provision(ctx, *j)
	switch {
	case provErr == nil:
		if err := w.store.SetTrackingStatus(ctx, j.TrackingID, domain.TrackingActive, nil); err != nil {
			w.log.Warn("tracking status", zap.String("job_id", j.ID), zap.Error(err))
		}
		ok, err := w.store.CompleteJob(ctx, j.ID)
		if err != nil {
			return err
		}
		if ok {
			w.afterTerminal(ctx, j.BatchID, domain.EventJobCompleted)
		}
		return nil

	case errors.Is(provErr, ErrRateLimited):
		resumeAfter := time.Now().UTC().Add(w.backoff)
		msg := provErr.Error()
		if _, err := w.store.RetryJob(ctx, j.ID, msg, resumeAfter); err != nil {
			return err
		}
		if err := w.store.PauseBatch(ctx, j.BatchID, "rate limited", resumeAfter); err != nil {
			w.log.Warn("pause batch", zap.String("batch_id", j.BatchID), zap.Error(err))
		}
		if err := w.q.Enqueue(ctx, tenantID, j.ID, resumeAfter); err != nil {
			w.log.Warn("requeue", zap.String("job_id", j.ID), zap.Error(err))
		}
		w.publish(ctx, j.BatchID, domain.EventBatchPaused, nil)
		return nil

	default:
		msg := provErr.Error()
		if j.Attempts >= w.maxAttempts {
			if err := w.store.SetTrackingStatus(ctx, j.TrackingID, domain.TrackingFailed, &msg); err != nil {
				w.log.Warn("tracking status", zap.String("job_id", j.ID), zap.Error(err))
			}
			ok, err := w.store.FailJob(ctx, j.ID, msg)
			if err != nil {
				return err
			}
			if ok {
				w.afterTerminal(ctx, j.BatchID, domain.EventJobFailed)
			}
			return nil
		}
		nextRetry := time.Now().UTC().Add(w.backoff)
		if _, err := w.store.RetryJob(ctx, j.ID, msg, nextRetry); err != nil {
			return err
		}
		if err := w.q.Enqueue(ctx, tenantID, j.ID, nextRetry); err != nil {
			w.log.Warn("requeue", zap.String("job_id", j.ID), zap.Error(err))
		}
		return nil
	}
}

// afterTerminal refreshes the batch aggregates once a job has reached a
// terminal state and publishes the resulting counts.
func (w *Worker) afterTerminal(ctx context.Context, batchID string, typ domain.EventType) {
	b, err := w.store.RefreshBatchAggregates(ctx, batchID)
	if err != nil {
		w.log.Error("refresh aggregates", zap.String("batch_id", batchID), zap.Error(err))
		return
	}
	if b == nil {
		// Batch reached a terminal state concurrently, nothing to report.
		return
	}
	counts := domain.ProgressCount{Completed: b.Completed, Failed: b.Failed, Total: b.TotalJobs}
	w.publish(ctx, batchID, typ, &counts)
	if b.Status == domain.BatchCompleted {
		w.publish(ctx, batchID, domain.EventBatchCompleted, &counts)
	}
}

func (w *Worker) publish(ctx context.Context, batchID string, typ domain.EventType, counts *domain.ProgressCount) {
	ev := domain.ProgressEvent{Type: typ, Timestamp: time.Now().UTC()}
	if counts != nil {
		ev.Data = *counts
	}
	if err := w.pub.Publish(ctx, batchID, ev); err != nil {
		w.log.Warn("progress broadcast failed",
			zap.String("batch_id", batchID),
			zap.String("type", string(typ)),
			zap.Error(err))
	}
}

// RunRedrive periodically resumes paused batches, moves due delayed jobs
// onto the dispatch lists and re-pushes retries or stranded jobs the redis
// side may have lost. Every worker runs it; the leader lock is retried on
// each tick, so a follower takes over as soon as a dead leader's session
// lock is released. Ticks without the lock are skipped.
func (w *Worker) RunRedrive(ctx context.Context, every time.Duration) error {
	tick := time.NewTicker(every)
	defer tick.Stop()

	var release func()
	defer func() {
		if release != nil {
			release()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}

		if release == nil {
			rel, ok, err := w.store.TryLeaderLock(ctx, leaderLockKey)
			if err != nil {
				w.log.Warn("leader lock", zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			w.log.Info("redrive leader acquired")
			release = rel
		}

		w.redrivePass(ctx, time.Now().UTC())
	}
}

func (w *Worker) redrivePass(ctx context.Context, now time.Time) {
	resumed, err := w.store.ResumeBatches(ctx, now)
	if err != nil {
		w.log.Warn("resume batches", zap.Error(err))
	}
	for _, id := range resumed {
		b, err := w.store.RefreshBatchAggregates(ctx, id)
		if err != nil || b == nil {
			continue
		}
		counts := domain.ProgressCount{Completed: b.Completed, Failed: b.Failed, Total: b.TotalJobs}
		w.publish(ctx, id, domain.EventBatchResumed, &counts)
	}

	tenants, err := w.store.TenantIDs(ctx)
	if err != nil {
		w.log.Warn("tenant list failed", zap.Error(err))
		return
	}
	for _, t := range tenants {
		if err := w.q.MoveDue(ctx, t, now.Unix(), 200); err != nil {
			w.log.Warn("move due", zap.String("tenant_id", t), zap.Error(err))
		}
		w.redriveIDs(ctx, t, func() ([]string, error) {
			return w.store.DueRetries(ctx, t, now, 500)
		})
		w.redriveIDs(ctx, t, func() ([]string, error) {
			return w.store.StrandedQueuedJobs(ctx, t, now.Add(-30*time.Second), 500)
		})
	}
}

func (w *Worker) redriveIDs(ctx context.Context, tenant string, fetch func() ([]string, error)) {
	ids, err := fetch()
	if err != nil {
		w.log.Warn("redrive fetch", zap.String("tenant_id", tenant), zap.Error(err))
		return
	}
	now := time.Now().UTC()
	var pushErr error
	for _, id := range ids {
		pushErr = multierr.Append(pushErr, w.q.Enqueue(ctx, tenant, id, now))
	}
	if pushErr != nil {
		w.log.Warn("redrive enqueue", zap.String("tenant_id", tenant), zap.Error(pushErr))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
