package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oneclicktag/trackd/internal/domain"
	"github.com/oneclicktag/trackd/internal/storage"
	"github.com/oneclicktag/trackd/internal/tenant"
)

type fakeStore struct {
	batches map[string]*domain.BatchDetail // keyed by id, TenantID on the batch
	cancels map[string]*domain.ProgressCount
	created []createdCall
	err     error
}

type createdCall struct {
	tenantID    string
	trackingIDs []string
}

func (f *fakeStore) CreateBatch(_ context.Context, tenantID string, trackingIDs []string, _ map[string]string) (*domain.Batch, []domain.Job, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	f.created = append(f.created, createdCall{tenantID, trackingIDs})
	b := &domain.Batch{ID: "b-1", TenantID: tenantID, Status: domain.BatchActive, TotalJobs: len(trackingIDs)}
	jobs := make([]domain.Job, 0, len(trackingIDs))
	for i, tid := range trackingIDs {
		jobs = append(jobs, domain.Job{ID: "j-" + tid, BatchID: b.ID, TrackingID: tid, Status: domain.JobQueued, CreatedAt: time.Now().Add(time.Duration(i))})
	}
	return b, jobs, nil
}

func (f *fakeStore) GetBatchDetail(_ context.Context, batchID, tenantID string) (*domain.BatchDetail, error) {
	d, ok := f.batches[batchID]
	if !ok || d.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) ListBatches(_ context.Context, tenantID string) ([]domain.Batch, error) {
	var out []domain.Batch
	for _, d := range f.batches {
		if d.TenantID == tenantID {
			out = append(out, d.Batch)
		}
	}
	return out, nil
}

func (f *fakeStore) CancelBatch(_ context.Context, batchID, tenantID string) (*domain.ProgressCount, error) {
	d, ok := f.batches[batchID]
	if !ok || d.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	if d.Status.IsTerminal() {
		return nil, storage.ErrBatchFinished
	}
	counts := f.cancels[batchID]
	d.Status = domain.BatchCancelled
	d.Completed = counts.Completed
	d.Failed = counts.Failed
	return counts, nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	enqueued []string
	err      error
}

func (f *fakeDispatcher) Enqueue(_ context.Context, _ string, jobID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

type published struct {
	batchID string
	ev      domain.ProgressEvent
}

func (f *fakePublisher) Publish(_ context.Context, batchID string, ev domain.ProgressEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{batchID, ev})
	return nil
}

func tenantCtx(id string) context.Context {
	return tenant.WithContext(context.Background(), &tenant.Context{
		TenantID: id,
		Tenant:   domain.Tenant{ID: id, IsActive: true},
	})
}

func newService(store *fakeStore) (*Service, *fakeDispatcher, *fakePublisher) {
	q := &fakeDispatcher{}
	pub := &fakePublisher{}
	return NewService(store, q, pub, zap.NewNop()), q, pub
}

func TestCreateEnqueuesEveryJob(t *testing.T) {
	store := &fakeStore{}
	svc, q, pub := newService(store)

	b, err := svc.Create(tenantCtx("t1"), []string{"tr-1", "tr-2", "tr-3"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, b.TotalJobs)
	assert.ElementsMatch(t, []string{"j-tr-1", "j-tr-2", "j-tr-3"}, q.enqueued)

	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.EventBatchCreated, pub.events[0].ev.Type)
	assert.Equal(t, 3, pub.events[0].ev.Data.Total)
}

func TestCreateRequiresTenant(t *testing.T) {
	svc, q, _ := newService(&fakeStore{})

	_, err := svc.Create(context.Background(), []string{"tr-1"}, nil)
	assert.ErrorIs(t, err, ErrNoTenant)
	assert.Empty(t, q.enqueued)
}

// The 5-job scenario: 2 completed, 3 still in flight. Cancel must broadcast
// the final counts after the store transaction.
func TestCancelBroadcastsFinalCounts(t *testing.T) {
	store := &fakeStore{
		batches: map[string]*domain.BatchDetail{
			"b-1": {Batch: domain.Batch{ID: "b-1", TenantID: "t1", Status: domain.BatchActive, TotalJobs: 5}},
		},
		cancels: map[string]*domain.ProgressCount{
			"b-1": {Completed: 2, Failed: 3, Total: 5},
		},
	}
	svc, _, pub := newService(store)

	counts, err := svc.Cancel(tenantCtx("t1"), "b-1")
	require.NoError(t, err)
	assert.Equal(t, &domain.ProgressCount{Completed: 2, Failed: 3, Total: 5}, counts)

	require.Len(t, pub.events, 1)
	assert.Equal(t, "b-1", pub.events[0].batchID)
	assert.Equal(t, domain.EventBatchCompleted, pub.events[0].ev.Type)
	assert.Equal(t, domain.ProgressCount{Completed: 2, Failed: 3, Total: 5}, pub.events[0].ev.Data)
	assert.False(t, pub.events[0].ev.Timestamp.IsZero())
}

func TestCancelAlreadyFinished(t *testing.T) {
	store := &fakeStore{
		batches: map[string]*domain.BatchDetail{
			"b-1": {Batch: domain.Batch{ID: "b-1", TenantID: "t1", Status: domain.BatchCancelled, TotalJobs: 5, Completed: 2, Failed: 3}},
		},
	}
	svc, _, pub := newService(store)

	_, err := svc.Cancel(tenantCtx("t1"), "b-1")
	assert.True(t, IsFinished(err))
	assert.Empty(t, pub.events, "no broadcast without a mutation")

	// Second cancel left the aggregates untouched.
	assert.Equal(t, 2, store.batches["b-1"].Completed)
	assert.Equal(t, 3, store.batches["b-1"].Failed)
}

func TestCancelForeignBatchIsNotFound(t *testing.T) {
	store := &fakeStore{
		batches: map[string]*domain.BatchDetail{
			"b-1": {Batch: domain.Batch{ID: "b-1", TenantID: "t2", Status: domain.BatchActive}},
		},
		cancels: map[string]*domain.ProgressCount{"b-1": {}},
	}
	svc, _, pub := newService(store)

	_, err := svc.Cancel(tenantCtx("t1"), "b-1")
	assert.True(t, IsNotFound(err))
	assert.Empty(t, pub.events)
}

func TestDetailScopedByAmbientTenant(t *testing.T) {
	store := &fakeStore{
		batches: map[string]*domain.BatchDetail{
			"b-1": {Batch: domain.Batch{ID: "b-1", TenantID: "t2", Status: domain.BatchActive}},
		},
	}
	svc, _, _ := newService(store)

	_, err := svc.Detail(tenantCtx("t1"), "b-1")
	assert.True(t, IsNotFound(err))

	d, err := svc.Detail(tenantCtx("t2"), "b-1")
	require.NoError(t, err)
	assert.Equal(t, "b-1", d.ID)
}

func TestCreateSurvivesEnqueueFailure(t *testing.T) {
	store := &fakeStore{}
	q := &fakeDispatcher{err: assert.AnError}
	pub := &fakePublisher{}
	svc := NewService(store, q, pub, zap.NewNop())

	b, err := svc.Create(tenantCtx("t1"), []string{"tr-1"}, nil)
	require.NoError(t, err, "redrive covers lost dispatches")
	assert.Equal(t, 1, b.TotalJobs)
}
