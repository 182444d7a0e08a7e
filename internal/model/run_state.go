package model

import (
	"fmt"
	"time"
)

// Kind identifies the type of an incoming branch event
type Kind string

const (
	KindJobExtract  Kind = "job_extract"
	KindCandExtract Kind = "cand_extract"
	KindJobError    Kind = "job_error"
	KindCandError   Kind = "cand_error"
)

// ParseKind maps a raw kind name to a known Kind, reporting false for anything unrecognized
func ParseKind(raw string) (Kind, bool) {
	switch k := Kind(raw); k {
	case KindJobExtract, KindCandExtract, KindJobError, KindCandError:
		return k, true
	}
	return "", false
}

// IsData reports whether the kind carries an extraction result
func (k Kind) IsData() bool {
	return k == KindJobExtract || k == KindCandExtract
}

// IsError reports whether the kind signals a failed branch
func (k Kind) IsError() bool {
	return k == KindJobError || k == KindCandError
}

// Status is the lifecycle status of a run
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
)

// IsTerminal reports whether no further transition is allowed from the status
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusErrored
}

// CloseReason records why a run was closed
type CloseReason string

const (
	CloseDelivered      CloseReason = "delivered"
	CloseUpstreamFailed CloseReason = "upstream_failed"
	CloseAbandoned      CloseReason = "abandoned"
)

// RunState is the per-run join state keyed by run ID.
//
// A closed run keeps only its identity, status and close reason until PurgeAt;
// payloads are dropped at close time.
type RunState struct {
	RunID       string            `json:"run_id" bson:"_id"`
	SeenKinds   []Kind            `json:"seen_kinds" bson:"seen_kinds"`
	JobPayload  *JobPayload       `json:"job_payload,omitempty" bson:"job_payload,omitempty"`
	CandPayload *CandidatePayload `json:"cand_payload,omitempty" bson:"cand_payload,omitempty"`
	Status      Status            `json:"status" bson:"status"`
	CreatedAt   time.Time         `json:"created_at" bson:"created_at"`
	LastEventAt time.Time         `json:"last_event_at" bson:"last_event_at"`
	Version     int64             `json:"version" bson:"version"`

	CloseReason CloseReason `json:"close_reason,omitempty" bson:"close_reason,omitempty"`
	ClosedAt    *time.Time  `json:"closed_at,omitempty" bson:"closed_at,omitempty"`
	PurgeAt     *time.Time  `json:"purge_at,omitempty" bson:"purge_at,omitempty"` // TTL-indexed in MongoDB

	DeliveryOwner      string     `json:"delivery_owner,omitempty" bson:"delivery_owner,omitempty"`
	DeliveryLeaseUntil *time.Time `json:"delivery_lease_until,omitempty" bson:"delivery_lease_until,omitempty"`
	DeliveryAttempts   int        `json:"delivery_attempts" bson:"delivery_attempts"`
}

// NewRunState creates a pending run state for the first event of a run
func NewRunState(runID string, now time.Time) *RunState {
	return &RunState{
		RunID:       runID,
		SeenKinds:   make([]Kind, 0, 2),
		Status:      StatusPending,
		CreatedAt:   now,
		LastEventAt: now,
	}
}

// Clone returns a deep copy safe to mutate independently
func (s *RunState) Clone() *RunState {
	if s == nil {
		return nil
	}
	c := *s
	c.SeenKinds = append([]Kind(nil), s.SeenKinds...)
	if s.JobPayload != nil {
		c.JobPayload = s.JobPayload.Clone()
	}
	if s.CandPayload != nil {
		c.CandPayload = s.CandPayload.Clone()
	}
	c.ClosedAt = cloneTime(s.ClosedAt)
	c.PurgeAt = cloneTime(s.PurgeAt)
	c.DeliveryLeaseUntil = cloneTime(s.DeliveryLeaseUntil)
	return &c
}

// HasSeen reports whether the data kind was already applied
func (s *RunState) HasSeen(kind Kind) bool {
	for _, k := range s.SeenKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// IsClosed reports whether the run has been closed and only a tombstone remains
func (s *RunState) IsClosed() bool {
	return s.ClosedAt != nil
}

// ApplyJob stores the job payload and marks job_extract as seen
func (s *RunState) ApplyJob(p *JobPayload) error {
	if s.HasSeen(KindJobExtract) {
		return fmt.Errorf("run %s: %s already applied", s.RunID, KindJobExtract)
	}
	s.JobPayload = p.Clone()
	s.SeenKinds = append(s.SeenKinds, KindJobExtract)
	return nil
}

// ApplyCandidate stores the candidate payload and marks cand_extract as seen
func (s *RunState) ApplyCandidate(p *CandidatePayload) error {
	if s.HasSeen(KindCandExtract) {
		return fmt.Errorf("run %s: %s already applied", s.RunID, KindCandExtract)
	}
	s.CandPayload = p.Clone()
	s.SeenKinds = append(s.SeenKinds, KindCandExtract)
	return nil
}

// Joined reports whether both branches have been applied with their payloads
func (s *RunState) Joined() bool {
	return s.HasSeen(KindJobExtract) && s.HasSeen(KindCandExtract) &&
		s.JobPayload != nil && s.CandPayload != nil
}

// Expired reports whether a pending run has outlived the join timeout
func (s *RunState) Expired(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && s.Status == StatusPending && now.Sub(s.CreatedAt) > timeout
}

// TransitionTo moves the run to a new status, rejecting anything but pending -> terminal
func (s *RunState) TransitionTo(to Status) error {
	if !isAllowedTransition(s.Status, to) {
		return fmt.Errorf("run %s: disallowed transition %s -> %s", s.RunID, s.Status, to)
	}
	s.Status = to
	return nil
}

func isAllowedTransition(from, to Status) bool {
	return from == StatusPending && to.IsTerminal()
}

// ClaimDelivery assigns the delivery lease to owner until now+ttl
func (s *RunState) ClaimDelivery(owner string, now time.Time, ttl time.Duration) {
	until := now.Add(ttl)
	s.DeliveryOwner = owner
	s.DeliveryLeaseUntil = &until
	s.DeliveryAttempts++
}

// DeliveryLeased reports whether some instance currently holds the delivery lease
func (s *RunState) DeliveryLeased(now time.Time) bool {
	return s.DeliveryLeaseUntil != nil && s.DeliveryLeaseUntil.After(now)
}

// ReleaseDelivery drops the delivery lease so another attempt can claim it
func (s *RunState) ReleaseDelivery() {
	s.DeliveryOwner = ""
	s.DeliveryLeaseUntil = nil
}

// Close turns the run into a tombstone: payloads are discarded and the record
// is kept until now+retention so late events can be recognised.
func (s *RunState) Close(reason CloseReason, now time.Time, retention time.Duration) error {
	switch reason {
	case CloseDelivered:
		if s.Status != StatusCompleted {
			return fmt.Errorf("run %s: cannot close as %s from %s", s.RunID, reason, s.Status)
		}
	case CloseUpstreamFailed, CloseAbandoned:
		if err := s.TransitionTo(StatusErrored); err != nil {
			return err
		}
	default:
		return fmt.Errorf("run %s: unknown close reason %q", s.RunID, reason)
	}

	purgeAt := now.Add(retention)
	closedAt := now
	s.CloseReason = reason
	s.ClosedAt = &closedAt
	s.PurgeAt = &purgeAt
	s.SeenKinds = []Kind{}
	s.JobPayload = nil
	s.CandPayload = nil
	s.ReleaseDelivery()
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
