package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/oneclicktag/trackd/internal/domain"
)

// ErrNotFound is returned when a row is absent or owned by another tenant.
// The two cases are indistinguishable on purpose.
var ErrNotFound = errors.New("not found")

// ErrBatchFinished is returned when an operation targets a batch already in
// a terminal state.
var ErrBatchFinished = errors.New("batch already finished")

// Store is the source of truth for tenants, batches, jobs and trackings.
// Redis only dispatches; every status lives here.
type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

func (s *Store) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	var t domain.Tenant
	err := s.db.QueryRow(ctx,
		`select id, name, domain, is_active, created_at from tenants where id = $1`,
		id).Scan(&t.ID, &t.Name, &t.Domain, &t.IsActive, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get tenant")
	}
	return &t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := s.db.Query(ctx,
		`select id, name, domain, is_active, created_at from tenants order by created_at asc`)
	if err != nil {
		return nil, errors.Wrap(err, "list tenants")
	}
	defer rows.Close()

	var out []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Domain, &t.IsActive, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan tenant")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TryLeaderLock takes a session advisory lock on a dedicated pooled
// connection. The returned release func unlocks and returns the connection;
// ok is false when another process holds the lock.
func (s *Store) TryLeaderLock(ctx context.Context, key int64) (release func(), ok bool, err error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire conn")
	}
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, errors.Wrap(err, "advisory lock")
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	release = func() {
		_, _ = conn.Exec(context.Background(), `select pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return release, true, nil
}

// TenantIDs returns the ids of active tenants, used by the worker's redrive
// pass to walk the per-tenant delay sets.
func (s *Store) TenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `select id from tenants where is_active`)
	if err != nil {
		return nil, errors.Wrap(err, "tenant ids")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
