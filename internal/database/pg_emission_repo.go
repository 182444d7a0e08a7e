package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dandantas/gatekeeper/internal/model"
	"github.com/dandantas/gatekeeper/internal/store"
)

// PgEmissionRepository handles coverage_ratio delivery logs in PostgreSQL
type PgEmissionRepository struct {
	db *Postgres
}

// NewPgEmissionRepository creates a new PostgreSQL emission repository
func NewPgEmissionRepository(db *Postgres) *PgEmissionRepository {
	return &PgEmissionRepository{db: db}
}

// Save upserts the delivery log keyed by its idempotency key
func (r *PgEmissionRepository) Save(ctx context.Context, log *model.EmissionLog) error {
	raw, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to encode emission log: %w", err)
	}

	_, err = r.db.pool.Exec(ctx,
		`INSERT INTO emission_logs (idempotency_key, run_id, final_status, created_at, log)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (idempotency_key) DO UPDATE SET final_status = $3, log = $5`,
		log.IdempotencyKey, log.RunID, log.FinalStatus, log.CreatedAt, raw,
	)
	if err != nil {
		return unavailable("save emission log", err)
	}
	return nil
}

// GetByIdempotencyKey retrieves a delivery log by idempotency key
func (r *PgEmissionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*model.EmissionLog, error) {
	var raw []byte
	err := r.db.pool.QueryRow(ctx,
		`SELECT log FROM emission_logs WHERE idempotency_key = $1`, key,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, unavailable("get emission log", err)
	}

	var log model.EmissionLog
	if err := json.Unmarshal(raw, &log); err != nil {
		return nil, fmt.Errorf("failed to decode emission log: %w", err)
	}
	return &log, nil
}

// List retrieves delivery logs with filtering and pagination, newest first
func (r *PgEmissionRepository) List(ctx context.Context, filter model.EmissionFilter, page, limit int) ([]model.EmissionLog, int64, error) {
	const where = `WHERE ($1 = '' OR run_id = $1) AND ($2 = '' OR final_status = $2)`

	var total int64
	err := r.db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM emission_logs `+where,
		filter.RunID, filter.FinalStatus,
	).Scan(&total)
	if err != nil {
		return nil, 0, unavailable("count emission logs", err)
	}

	rows, err := r.db.pool.Query(ctx,
		`SELECT log FROM emission_logs `+where+` ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		filter.RunID, filter.FinalStatus, limit, (page-1)*limit,
	)
	if err != nil {
		return nil, 0, unavailable("list emission logs", err)
	}
	defer rows.Close()

	logs := []model.EmissionLog{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, 0, unavailable("scan emission log", err)
		}
		var log model.EmissionLog
		if err := json.Unmarshal(raw, &log); err != nil {
			return nil, 0, fmt.Errorf("failed to decode emission log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, unavailable("list emission logs", err)
	}

	return logs, total, nil
}
