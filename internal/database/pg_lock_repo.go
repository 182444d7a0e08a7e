package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// PgLockRepository handles named leases in PostgreSQL
type PgLockRepository struct {
	db *Postgres
}

// NewPgLockRepository creates a new PostgreSQL lock repository
func NewPgLockRepository(db *Postgres) *PgLockRepository {
	return &PgLockRepository{db: db}
}

// AcquireLock takes the lease when it is free, expired, or already held by owner.
// The conditional upsert returns no row when another owner holds a live lease.
func (r *PgLockRepository) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	var lockedBy string
	err := r.db.pool.QueryRow(ctx,
		`INSERT INTO reaper_locks (name, locked_by, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET locked_by = $2, locked_at = $3, expires_at = $4
		   WHERE reaper_locks.expires_at < $3 OR reaper_locks.locked_by = $2
		 RETURNING locked_by`,
		name, owner, now, expiresAt,
	).Scan(&lockedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, unavailable("acquire lock", err)
	}

	slog.Debug("Successfully acquired lock",
		"lock", name,
		"pod_id", owner,
		"expires_at", expiresAt,
	)
	return lockedBy == owner, nil
}

// ReleaseLock releases the lease if owner holds it
func (r *PgLockRepository) ReleaseLock(ctx context.Context, name, owner string) error {
	if _, err := r.db.pool.Exec(ctx,
		`DELETE FROM reaper_locks WHERE name = $1 AND locked_by = $2`, name, owner); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
