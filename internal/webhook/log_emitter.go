package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/dandantas/gatekeeper/internal/model"
	"github.com/dandantas/gatekeeper/internal/store"
)

// LogTarget is the target URL recorded for events emitted by LogEmitter
const LogTarget = "log://stdout"

// LogEmitter writes coverage_ratio events to the structured log instead of
// sending them. Used when no egress URL is configured.
type LogEmitter struct {
	logs store.EmissionLogStore
}

// NewLogEmitter creates a LogEmitter recording into logs
func NewLogEmitter(logs store.EmissionLogStore) *LogEmitter {
	return &LogEmitter{logs: logs}
}

// Emit logs the event and records it as delivered. A key already recorded as
// delivered is not logged again and sent is false.
func (e *LogEmitter) Emit(ctx context.Context, event model.CoverageRatioEvent) (*model.EmissionLog, bool, error) {
	if existing, err := e.logs.GetByIdempotencyKey(ctx, event.IdempotencyKey); err == nil && existing.Delivered() {
		return existing, false, nil
	}

	slog.Info("Coverage ratio emitted",
		"run_id", event.RunID,
		"idempotency_key", event.IdempotencyKey,
		"payload", FormatCoverageRatioPayload(event),
	)

	now := time.Now().UTC()
	emissionLog := &model.EmissionLog{
		IdempotencyKey: event.IdempotencyKey,
		RunID:          event.RunID,
		TargetURL:      LogTarget,
		Attempts: []model.EmissionAttempt{{
			AttemptNumber: 1,
			Timestamp:     now,
		}},
		FinalStatus: model.EmissionDelivered,
		CreatedAt:   now,
		CompletedAt: now,
	}

	if err := e.logs.Save(ctx, emissionLog); err != nil {
		slog.Warn("Failed to save emission log", "run_id", event.RunID, "error", err)
	}
	return emissionLog, true, nil
}
