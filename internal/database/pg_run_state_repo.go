package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dandantas/gatekeeper/internal/model"
	"github.com/dandantas/gatekeeper/internal/store"
)

// PgRunStateRepository stores run states in PostgreSQL. Updates hold a row
// lock for the duration of fn; creating a run races on the primary key and is
// retried when another instance inserted first.
type PgRunStateRepository struct {
	db         *Postgres
	maxRetries int
}

// NewPgRunStateRepository creates a new PostgreSQL run state repository
func NewPgRunStateRepository(db *Postgres, maxRetries int) *PgRunStateRepository {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &PgRunStateRepository{db: db, maxRetries: maxRetries}
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanRunState(row pgx.Row) (*model.RunState, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("get run state", err)
	}

	var state model.RunState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode run state: %w", err)
	}
	return &state, nil
}

func (r *PgRunStateRepository) find(ctx context.Context, q rowQuerier, runID string, forUpdate bool) (*model.RunState, error) {
	query := `SELECT state FROM run_states WHERE run_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanRunState(q.QueryRow(ctx, query, runID))
}

// Get retrieves a live run state by run ID
func (r *PgRunStateRepository) Get(ctx context.Context, runID string) (*model.RunState, error) {
	state, err := r.find(ctx, r.db.pool, runID, false)
	if err != nil {
		return nil, err
	}
	if state == nil || state.IsClosed() {
		return nil, store.ErrNotFound
	}
	return state, nil
}

// Put replaces the run state unconditionally
func (r *PgRunStateRepository) Put(ctx context.Context, state *model.RunState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode run state: %w", err)
	}

	_, err = r.db.pool.Exec(ctx,
		`INSERT INTO run_states (run_id, status, created_at, closed_at, purge_at, delivery_lease_until, version, state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (run_id) DO UPDATE SET status = $2, created_at = $3, closed_at = $4, purge_at = $5,
		   delivery_lease_until = $6, version = $7, state = $8`,
		state.RunID, state.Status, state.CreatedAt, state.ClosedAt, state.PurgeAt,
		state.DeliveryLeaseUntil, state.Version, raw,
	)
	if err != nil {
		return unavailable("put run state", err)
	}
	return nil
}

// Delete removes the run state and any tombstone
func (r *PgRunStateRepository) Delete(ctx context.Context, runID string) error {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM run_states WHERE run_id = $1`, runID)
	if err != nil {
		return unavailable("delete run state", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Update applies fn under a row lock and writes the result in the same transaction
func (r *PgRunStateRepository) Update(ctx context.Context, runID string, fn store.UpdateFunc) (*model.RunState, error) {
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		state, err := r.updateOnce(ctx, runID, fn)
		if !errors.Is(err, store.ErrConflict) {
			return state, err
		}

		slog.Debug("Run state insert conflict, retrying",
			"run_id", runID,
			"attempt", attempt,
		)
	}

	return nil, fmt.Errorf("%w: run %s: %w after %d attempts", store.ErrUnavailable, runID, store.ErrConflict, r.maxRetries)
}

func (r *PgRunStateRepository) updateOnce(ctx context.Context, runID string, fn store.UpdateFunc) (*model.RunState, error) {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := r.find(ctx, tx, runID, true)
	if err != nil {
		return nil, err
	}
	if cur != nil && cur.IsClosed() {
		return cur, store.ErrRunClosed
	}

	next, err := store.Apply(cur, fn)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur, nil
	}
	next.RunID = runID

	raw, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run state: %w", err)
	}

	if cur == nil {
		tag, err := tx.Exec(ctx,
			`INSERT INTO run_states (run_id, status, created_at, closed_at, purge_at, delivery_lease_until, version, state)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (run_id) DO NOTHING`,
			next.RunID, next.Status, next.CreatedAt, next.ClosedAt, next.PurgeAt,
			next.DeliveryLeaseUntil, next.Version, raw,
		)
		if err != nil {
			return nil, unavailable("insert run state", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, store.ErrConflict
		}
	} else {
		_, err := tx.Exec(ctx,
			`UPDATE run_states SET status = $2, closed_at = $3, purge_at = $4, delivery_lease_until = $5,
			   version = $6, state = $7
			 WHERE run_id = $1`,
			next.RunID, next.Status, next.ClosedAt, next.PurgeAt, next.DeliveryLeaseUntil, next.Version, raw,
		)
		if err != nil {
			return nil, unavailable("update run state", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit run state", err)
	}
	return next, nil
}

// ListExpired returns open pending runs created before the cutoff, oldest first
func (r *PgRunStateRepository) ListExpired(ctx context.Context, createdBefore time.Time, limit int) ([]*model.RunState, error) {
	return r.list(ctx,
		`SELECT state FROM run_states
		 WHERE status = $1 AND closed_at IS NULL AND created_at < $2
		 ORDER BY created_at LIMIT $3`,
		model.StatusPending, createdBefore, limitOrAll(limit),
	)
}

// ListUndelivered returns open completed runs whose delivery lease is absent or expired
func (r *PgRunStateRepository) ListUndelivered(ctx context.Context, now time.Time, limit int) ([]*model.RunState, error) {
	return r.list(ctx,
		`SELECT state FROM run_states
		 WHERE status = $1 AND closed_at IS NULL
		   AND (delivery_lease_until IS NULL OR delivery_lease_until <= $2)
		 ORDER BY created_at LIMIT $3`,
		model.StatusCompleted, now, limitOrAll(limit),
	)
}

func (r *PgRunStateRepository) list(ctx context.Context, query string, args ...any) ([]*model.RunState, error) {
	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list run states", err)
	}
	defer rows.Close()

	var states []*model.RunState
	for rows.Next() {
		state, err := scanRunState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list run states", err)
	}
	return states, nil
}

// PurgeTombstones removes closed runs past their retention
func (r *PgRunStateRepository) PurgeTombstones(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.pool.Exec(ctx,
		`DELETE FROM run_states WHERE closed_at IS NOT NULL AND purge_at < $1`, now)
	if err != nil {
		return 0, unavailable("purge tombstones", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the database is reachable
func (r *PgRunStateRepository) Ping(ctx context.Context) error {
	if err := r.db.pool.Ping(ctx); err != nil {
		return unavailable("ping PostgreSQL", err)
	}
	return nil
}

// limitOrAll maps a non-positive limit to no limit (LIMIT NULL)
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
