package model

import "time"

// EventTypeCoverageRatio is the type of the join-complete event sent downstream
const EventTypeCoverageRatio = "coverage_ratio"

// Event is a normalized inbound branch notification
type Event struct {
	RunID         string            `json:"run_id"`
	Kind          Kind              `json:"kind"`
	RawKind       string            `json:"raw_kind"`
	Job           *JobPayload       `json:"job,omitempty"`
	Candidate     *CandidatePayload `json:"candidate,omitempty"`
	Detail        string            `json:"detail,omitempty"` // error kinds only
	CorrelationID string            `json:"correlation_id,omitempty"`
	ReceivedAt    time.Time         `json:"received_at"`
}

// CoverageRatioEvent is emitted once both branches of a run have joined
type CoverageRatioEvent struct {
	EventID        string           `json:"event_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	Type           string           `json:"type"`
	RunID          string           `json:"run_id"`
	Job            JobPayload       `json:"job"`
	Candidate      CandidatePayload `json:"candidate"`
	EmittedAt      time.Time        `json:"emitted_at"`
}
