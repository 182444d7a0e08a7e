package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dandantas/gatekeeper/internal/store"
)

// Postgres wraps a PostgreSQL connection pool
type Postgres struct {
	pool *pgxpool.Pool
}

// ConnectPostgres establishes a connection pool to the database
func ConnectPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	slog.Info("Connecting to PostgreSQL")

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Successfully connected to PostgreSQL")
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool
func (p *Postgres) Close(context.Context) error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS run_states (
	run_id               TEXT PRIMARY KEY,
	status               TEXT        NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL,
	closed_at            TIMESTAMPTZ,
	purge_at             TIMESTAMPTZ,
	delivery_lease_until TIMESTAMPTZ,
	version              BIGINT      NOT NULL,
	state                JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_states_status_created_at ON run_states (status, created_at) WHERE closed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_run_states_purge_at ON run_states (purge_at) WHERE purge_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS reaper_locks (
	name       TEXT PRIMARY KEY,
	locked_by  TEXT        NOT NULL,
	locked_at  TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS emission_logs (
	idempotency_key TEXT PRIMARY KEY,
	run_id          TEXT        NOT NULL,
	final_status    TEXT        NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	log             JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_emission_logs_run_id ON emission_logs (run_id);
CREATE INDEX IF NOT EXISTS idx_emission_logs_status_created_at ON emission_logs (final_status, created_at DESC);
`

// EnsureSchema creates the tables and indexes if they do not exist
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	slog.Info("PostgreSQL schema ready")
	return nil
}

// NewPostgresBackend wires the PostgreSQL repositories into a store.Backend
func NewPostgresBackend(p *Postgres, maxRetries int) *store.Backend {
	return &store.Backend{
		Runs:      NewPgRunStateRepository(p, maxRetries),
		Locks:     NewPgLockRepository(p),
		Emissions: NewPgEmissionRepository(p),
		Close:     p.Close,
	}
}
