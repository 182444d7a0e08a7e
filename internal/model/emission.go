package model

import (
	"time"
)

// Emission delivery statuses
const (
	EmissionDelivered = "delivered"
	EmissionFailed    = "failed"
	EmissionRetrying  = "retrying"
)

// EmissionAttempt represents a single downstream delivery attempt
type EmissionAttempt struct {
	AttemptNumber int       `json:"attempt_number" bson:"attempt_number"`
	Timestamp     time.Time `json:"timestamp" bson:"timestamp"`
	StatusCode    int       `json:"status_code,omitempty" bson:"status_code,omitempty"`
	ResponseBody  string    `json:"response_body,omitempty" bson:"response_body,omitempty"`
	Error         string    `json:"error,omitempty" bson:"error,omitempty"`
	DurationMs    int64     `json:"duration_ms" bson:"duration_ms"`
}

// EmissionLog is the delivery record of a coverage_ratio event, keyed by its
// idempotency key. Repeated deliveries of the same run accumulate attempts on
// the same record.
type EmissionLog struct {
	IdempotencyKey string            `json:"idempotency_key" bson:"_id"`
	RunID          string            `json:"run_id" bson:"run_id"`
	TargetURL      string            `json:"target_url" bson:"target_url"`
	Attempts       []EmissionAttempt `json:"attempts" bson:"attempts"`
	FinalStatus    string            `json:"final_status" bson:"final_status"` // "delivered", "failed", "retrying"
	CreatedAt      time.Time         `json:"created_at" bson:"created_at"`
	CompletedAt    time.Time         `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// Delivered reports whether the event behind this log reached the downstream consumer
func (l *EmissionLog) Delivered() bool {
	return l != nil && l.FinalStatus == EmissionDelivered
}

// EmissionSummary represents a summary for list responses
type EmissionSummary struct {
	IdempotencyKey string `json:"idempotency_key"`
	RunID          string `json:"run_id"`
	TargetURL      string `json:"target_url"`
	FinalStatus    string `json:"final_status"`
	AttemptsCount  int    `json:"attempts_count"`
	CreatedAt      string `json:"created_at"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

// ToSummary converts EmissionLog to EmissionSummary
func (l *EmissionLog) ToSummary() EmissionSummary {
	var createdAt, completedAt string
	if !l.CreatedAt.IsZero() {
		createdAt = l.CreatedAt.Format(time.RFC3339)
	}
	if !l.CompletedAt.IsZero() {
		completedAt = l.CompletedAt.Format(time.RFC3339)
	}

	return EmissionSummary{
		IdempotencyKey: l.IdempotencyKey,
		RunID:          l.RunID,
		TargetURL:      l.TargetURL,
		FinalStatus:    l.FinalStatus,
		AttemptsCount:  len(l.Attempts),
		CreatedAt:      createdAt,
		CompletedAt:    completedAt,
	}
}

// EmissionFilter narrows emission log listings
type EmissionFilter struct {
	RunID       string
	FinalStatus string
}
