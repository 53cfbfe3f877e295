package batch

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/oneclicktag/trackd/internal/domain"
	"github.com/oneclicktag/trackd/internal/progress"
	"github.com/oneclicktag/trackd/internal/queue"
	"github.com/oneclicktag/trackd/internal/storage"
	"github.com/oneclicktag/trackd/internal/tenant"
)

// ErrNoTenant is returned when an operation runs without an ambient tenant
// context.
var ErrNoTenant = errors.New("tenant context required")

// Store is the slice of the storage layer the service needs. Satisfied by
// *storage.Store.
type Store interface {
	CreateBatch(ctx context.Context, tenantID string, trackingIDs []string, recommendationIDs map[string]string) (*domain.Batch, []domain.Job, error)
	GetBatchDetail(ctx context.Context, batchID, tenantID string) (*domain.BatchDetail, error)
	ListBatches(ctx context.Context, tenantID string) ([]domain.Batch, error)
	CancelBatch(ctx context.Context, batchID, tenantID string) (*domain.ProgressCount, error)
}

// Service owns the batch lifecycle as seen from the API: creation fans out
// jobs onto the dispatch queue, cancel force-terminates, reads are tenant
// scoped. The requesting tenant always comes from the ambient context.
type Service struct {
	store Store
	q     queue.Dispatcher
	pub   progress.Publisher
	log   *zap.Logger
}

func NewService(store Store, q queue.Dispatcher, pub progress.Publisher, log *zap.Logger) *Service {
	return &Service{store: store, q: q, pub: pub, log: log}
}

func (s *Service) Create(ctx context.Context, trackingIDs []string, recommendationIDs map[string]string) (*domain.Batch, error) {
	tc := tenant.FromContext(ctx)
	if tc == nil {
		return nil, ErrNoTenant
	}

	b, jobs, err := s.store.CreateBatch(ctx, tc.TenantID, trackingIDs, recommendationIDs)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, j := range jobs {
		if err := s.q.Enqueue(ctx, tc.TenantID, j.ID, now); err != nil {
			// The redrive pass re-dispatches stranded queued jobs, so a
			// dropped push is not fatal to the batch.
			s.log.Warn("enqueue failed",
				zap.String("job_id", j.ID),
				zap.String("batch_id", b.ID),
				zap.Error(err))
		}
	}

	s.broadcast(b.ID, domain.EventBatchCreated, domain.ProgressCount{Total: b.TotalJobs})
	return b, nil
}

func (s *Service) Detail(ctx context.Context, batchID string) (*domain.BatchDetail, error) {
	tc := tenant.FromContext(ctx)
	if tc == nil {
		return nil, ErrNoTenant
	}
	return s.store.GetBatchDetail(ctx, batchID, tc.TenantID)
}

func (s *Service) List(ctx context.Context) ([]domain.Batch, error) {
	tc := tenant.FromContext(ctx)
	if tc == nil {
		return nil, ErrNoTenant
	}
	return s.store.ListBatches(ctx, tc.TenantID)
}

// Cancel force-fails every non-terminal job in the batch. The broadcast is
// fire-and-forget after the transaction has committed; it never fails the
// cancel.
func (s *Service) Cancel(ctx context.Context, batchID string) (*domain.ProgressCount, error) {
	tc := tenant.FromContext(ctx)
	if tc == nil {
		return nil, ErrNoTenant
	}

	counts, err := s.store.CancelBatch(ctx, batchID, tc.TenantID)
	if err != nil {
		return nil, err
	}

	s.broadcast(batchID, domain.EventBatchCompleted, *counts)
	return counts, nil
}

func (s *Service) broadcast(batchID string, typ domain.EventType, data domain.ProgressCount) {
	ev := domain.ProgressEvent{Type: typ, Timestamp: time.Now().UTC(), Data: data}
	// Detached context: the broadcast must outlive a client that hangs up
	// right after the commit.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.pub.Publish(ctx, batchID, ev); err != nil {
		s.log.Warn("progress broadcast failed",
			zap.String("batch_id", batchID),
			zap.String("type", string(typ)),
			zap.Error(err))
	}
}

// IsNotFound reports whether err maps to the API's 404 taxonomy.
func IsNotFound(err error) bool { return errors.Is(err, storage.ErrNotFound) }

// IsFinished reports whether err maps to the "already finished" precondition
// failure.
func IsFinished(err error) bool { return errors.Is(err, storage.ErrBatchFinished) }
