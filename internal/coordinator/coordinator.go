// Package coordinator joins the job and candidate branches of a run and emits
// one coverage_ratio event per run.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dandantas/gatekeeper/internal/model"
	"github.com/dandantas/gatekeeper/internal/store"
)

// Emitter delivers a coverage_ratio event downstream. sent is false when the
// event's idempotency key was already delivered and nothing was sent.
type Emitter interface {
	Emit(ctx context.Context, event model.CoverageRatioEvent) (emissionLog *model.EmissionLog, sent bool, err error)
}

// Outcome describes what an event did to its run
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeDuplicate         Outcome = "duplicate"
	OutcomeCompleted         Outcome = "completed"
	OutcomeIncompletePayload Outcome = "incomplete_payload"
	OutcomeShortCircuited    Outcome = "short_circuited"
	OutcomeIgnored           Outcome = "ignored"
	OutcomeLateEvent         Outcome = "late_event"
	OutcomeExpired           Outcome = "expired"
	OutcomePendingDelivery   Outcome = "pending_delivery"
	OutcomeRedriven          Outcome = "redriven"
)

// Result reports how one event or operation was handled
type Result struct {
	RunID          string       `json:"run_id"`
	Kind           model.Kind   `json:"kind,omitempty"`
	Outcome        Outcome      `json:"outcome"`
	Status         model.Status `json:"status,omitempty"`
	Emitted        bool         `json:"emitted"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Reason         string       `json:"reason,omitempty"`
}

// Options tunes the coordinator
type Options struct {
	RunTimeout         time.Duration
	TombstoneRetention time.Duration
	DeliveryLeaseTTL   time.Duration
	SkillPolicy        model.SkillPolicy
	InstanceID         string
	Now                func() time.Time
}

func (o *Options) setDefaults() {
	if o.RunTimeout == 0 {
		o.RunTimeout = 10 * time.Minute
	}
	if o.TombstoneRetention == 0 {
		o.TombstoneRetention = 24 * time.Hour
	}
	if o.DeliveryLeaseTTL == 0 {
		o.DeliveryLeaseTTL = 2 * time.Minute
	}
	if o.InstanceID == "" {
		o.InstanceID = uuid.NewString()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Coordinator runs the per-run join state machine on top of a RunStore
type Coordinator struct {
	runs    store.RunStore
	emitter Emitter
	opts    Options
}

// New creates a coordinator
func New(runs store.RunStore, emitter Emitter, opts Options) *Coordinator {
	opts.setDefaults()
	return &Coordinator{
		runs:    runs,
		emitter: emitter,
		opts:    opts,
	}
}

func (c *Coordinator) now() time.Time {
	return c.opts.Now().UTC()
}

// Handle applies one normalized event to its run.
//
// Waiting for the other branch, duplicates, upstream failures and late events
// are all successful outcomes. Only store failures and exhausted emissions
// are returned as errors.
func (c *Coordinator) Handle(ctx context.Context, ev model.Event) (Result, error) {
	var (
		res Result
		err error
	)

	switch {
	case ev.Kind.IsData():
		res, err = c.handleData(ctx, ev)
	case ev.Kind.IsError():
		res, err = c.handleError(ctx, ev)
	default:
		slog.Info("Ignoring event of unrecognized kind",
			"correlation_id", ev.CorrelationID,
			"run_id", ev.RunID,
			"kind", ev.RawKind,
		)
		res = Result{RunID: ev.RunID, Outcome: OutcomeIgnored, Reason: "unrecognized kind"}
	}

	if res.Outcome != "" {
		countOutcome(res.Outcome)
	}
	return res, err
}

func (c *Coordinator) handleError(ctx context.Context, ev model.Event) (Result, error) {
	res := Result{RunID: ev.RunID, Kind: ev.Kind}
	now := c.now()

	st, err := c.runs.Update(ctx, ev.RunID, func(cur *model.RunState) (*model.RunState, error) {
		res.Outcome = ""
		if cur == nil {
			// Tombstone even an unseen run so the other branch cannot start it later
			cur = model.NewRunState(ev.RunID, now)
		}
		if cur.Status == model.StatusCompleted {
			res.Outcome = OutcomeIgnored
			return nil, store.ErrNoChange
		}
		cur.LastEventAt = now
		if err := cur.Close(model.CloseUpstreamFailed, now, c.opts.TombstoneRetention); err != nil {
			return nil, err
		}
		res.Outcome = OutcomeShortCircuited
		return cur, nil
	})
	if errors.Is(err, store.ErrRunClosed) {
		return c.lateEvent(ev, st), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to handle %s for run %s: %w", ev.Kind, ev.RunID, err)
	}
	if st != nil {
		res.Status = st.Status
	}

	if res.Outcome == OutcomeIgnored {
		res.Reason = "run already joined"
		slog.Warn("Branch error after join completed, keeping run for delivery",
			"correlation_id", ev.CorrelationID,
			"run_id", ev.RunID,
			"kind", ev.Kind,
			"detail", ev.Detail,
		)
		return res, nil
	}

	slog.Warn("UpstreamBranchFailed: run short-circuited",
		"correlation_id", ev.CorrelationID,
		"run_id", ev.RunID,
		"kind", ev.Kind,
		"detail", ev.Detail,
	)
	return res, nil
}

func (c *Coordinator) handleData(ctx context.Context, ev model.Event) (Result, error) {
	res := Result{RunID: ev.RunID, Kind: ev.Kind}
	now := c.now()

	var (
		claimed    bool
		incomplete error
	)

	st, err := c.runs.Update(ctx, ev.RunID, func(cur *model.RunState) (*model.RunState, error) {
		res.Outcome, claimed, incomplete = "", false, nil

		if cur == nil {
			cur = model.NewRunState(ev.RunID, now)
		}

		switch {
		case cur.Status == model.StatusCompleted:
			// A previous delivery did not finish; redeliveries drive a retry
			if cur.DeliveryLeased(now) {
				res.Outcome = OutcomePendingDelivery
				return nil, store.ErrNoChange
			}
			cur.LastEventAt = now
			cur.ClaimDelivery(c.opts.InstanceID, now, c.opts.DeliveryLeaseTTL)
			claimed = true
			res.Outcome = OutcomeRedriven
			return cur, nil

		case cur.Expired(now, c.opts.RunTimeout):
			if err := cur.Close(model.CloseAbandoned, now, c.opts.TombstoneRetention); err != nil {
				return nil, err
			}
			res.Outcome = OutcomeExpired
			return cur, nil

		case cur.HasSeen(ev.Kind):
			cur.LastEventAt = now
			res.Outcome = OutcomeDuplicate
			return cur, nil
		}

		cur.LastEventAt = now

		if err := c.checkPayload(ev); err != nil {
			incomplete = err
			res.Outcome = OutcomeIncompletePayload
			return cur, nil
		}

		if err := applyPayload(cur, ev); err != nil {
			return nil, err
		}
		res.Outcome = OutcomeApplied

		if cur.Joined() {
			if err := cur.TransitionTo(model.StatusCompleted); err != nil {
				return nil, err
			}
			cur.ClaimDelivery(c.opts.InstanceID, now, c.opts.DeliveryLeaseTTL)
			claimed = true
			res.Outcome = OutcomeCompleted
		}
		return cur, nil
	})
	if errors.Is(err, store.ErrRunClosed) {
		return c.lateEvent(ev, st), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to handle %s for run %s: %w", ev.Kind, ev.RunID, err)
	}
	if st != nil {
		res.Status = st.Status
	}

	logger := slog.With(
		"correlation_id", ev.CorrelationID,
		"run_id", ev.RunID,
		"kind", ev.Kind,
		"outcome", res.Outcome,
	)

	switch res.Outcome {
	case OutcomeExpired:
		res.Reason = "run exceeded join timeout"
		abandonedRuns.Add(1)
		logger.Warn("IncompleteJoinTimeout: run abandoned on late branch event",
			"age", now.Sub(st.CreatedAt).String(),
		)
		return res, nil
	case OutcomeIncompletePayload:
		res.Reason = incomplete.Error()
		logger.Warn("Payload does not satisfy skill policy, waiting for a corrected event",
			"reason", res.Reason,
		)
		return res, nil
	case OutcomeDuplicate, OutcomePendingDelivery:
		logger.Debug("Event had no effect")
		return res, nil
	}

	logger.Info("Event applied",
		"seen_kinds", st.SeenKinds,
		"version", st.Version,
	)

	if !claimed {
		return res, nil
	}

	emitted, err := c.deliver(ctx, st, ev.CorrelationID)
	res.Emitted = emitted
	res.IdempotencyKey = IdempotencyKey(ev.RunID)
	if err != nil {
		return res, err
	}
	res.Status = model.StatusCompleted
	return res, nil
}

func (c *Coordinator) checkPayload(ev model.Event) error {
	if ev.Kind == model.KindJobExtract {
		return c.opts.SkillPolicy.CheckJob(ev.Job)
	}
	return c.opts.SkillPolicy.CheckCandidate(ev.Candidate)
}

func applyPayload(st *model.RunState, ev model.Event) error {
	if ev.Kind == model.KindJobExtract {
		return st.ApplyJob(ev.Job)
	}
	return st.ApplyCandidate(ev.Candidate)
}

func (c *Coordinator) lateEvent(ev model.Event, tomb *model.RunState) Result {
	res := Result{RunID: ev.RunID, Kind: ev.Kind, Outcome: OutcomeLateEvent}
	if tomb != nil {
		res.Status = tomb.Status
		res.Reason = "run closed: " + string(tomb.CloseReason)
	}
	slog.Info("Dropping event for closed run",
		"correlation_id", ev.CorrelationID,
		"run_id", ev.RunID,
		"kind", ev.Kind,
		"reason", res.Reason,
	)
	return res
}

// deliver emits the coverage_ratio event of a completed run whose delivery
// lease this instance holds, then closes the run. On failure the lease is
// released so the next redelivery or reaper tick can retry. The emission is
// cut off shortly before the lease expires so no other instance can claim the
// run while this send is still in flight. The result reports whether this
// call sent the event; a key already delivered by an earlier attempt only
// closes the run.
func (c *Coordinator) deliver(ctx context.Context, st *model.RunState, correlationID string) (bool, error) {
	key := IdempotencyKey(st.RunID)
	logger := slog.With(
		"correlation_id", correlationID,
		"run_id", st.RunID,
		"idempotency_key", key,
	)

	if st.JobPayload == nil || st.CandPayload == nil {
		return false, fmt.Errorf("run %s is completed without both payloads", st.RunID)
	}

	event := model.CoverageRatioEvent{
		EventID:        uuid.NewString(),
		IdempotencyKey: key,
		Type:           model.EventTypeCoverageRatio,
		RunID:          st.RunID,
		Job:            *st.JobPayload.Clone(),
		Candidate:      *st.CandPayload.Clone(),
		EmittedAt:      c.now(),
	}

	emitCtx, cancel := context.WithTimeout(ctx, c.leaseBudget(st))
	_, sent, err := c.emitter.Emit(emitCtx, event)
	cancel()
	if err != nil {
		countEmission(model.EmissionFailed)
		logger.Error("EmissionFailure: coverage_ratio not delivered, run left for redrive",
			"delivery_attempts", st.DeliveryAttempts,
			"error", err.Error(),
		)
		c.releaseDelivery(ctx, st.RunID)
		return false, &EmissionFailureError{RunID: st.RunID, IdempotencyKey: key, Err: err}
	}
	if sent {
		countEmission(model.EmissionDelivered)
	} else {
		countEmission(emissionAlreadyDelivered)
		logger.Info("coverage_ratio was delivered by an earlier attempt, closing run")
	}

	now := c.now()
	_, err = c.runs.Update(context.WithoutCancel(ctx), st.RunID, func(cur *model.RunState) (*model.RunState, error) {
		if cur == nil || cur.Status != model.StatusCompleted {
			return nil, store.ErrNoChange
		}
		return cur, cur.Close(model.CloseDelivered, now, c.opts.TombstoneRetention)
	})
	if err != nil && !errors.Is(err, store.ErrRunClosed) {
		// Delivered but still open: the next redrive finds the delivery log and only closes
		logger.Error("Failed to close delivered run", "error", err.Error())
		return sent, fmt.Errorf("failed to close delivered run %s: %w", st.RunID, err)
	}

	logger.Info("Run closed after delivery", "sent", sent)
	return sent, nil
}

// leaseBudget is how long an emission may run under the lease st carries,
// leaving a tenth of the lease TTL as margin.
func (c *Coordinator) leaseBudget(st *model.RunState) time.Duration {
	if st.DeliveryLeaseUntil == nil {
		return c.opts.DeliveryLeaseTTL - c.opts.DeliveryLeaseTTL/10
	}
	return st.DeliveryLeaseUntil.Sub(c.now()) - c.opts.DeliveryLeaseTTL/10
}

func (c *Coordinator) releaseDelivery(ctx context.Context, runID string) {
	_, err := c.runs.Update(context.WithoutCancel(ctx), runID, func(cur *model.RunState) (*model.RunState, error) {
		if cur == nil || cur.Status != model.StatusCompleted || cur.DeliveryOwner != c.opts.InstanceID {
			return nil, store.ErrNoChange
		}
		cur.ReleaseDelivery()
		return cur, nil
	})
	if err != nil && !errors.Is(err, store.ErrRunClosed) {
		slog.Error("Failed to release delivery lease, it will expire on its own",
			"run_id", runID,
			"error", err.Error(),
		)
	}
}

// Redrive re-attempts delivery of a completed run whose delivery lease is free.
// It returns store.ErrNotFound for absent and closed runs.
func (c *Coordinator) Redrive(ctx context.Context, runID string) (Result, error) {
	res := Result{RunID: runID}
	now := c.now()

	st, err := c.runs.Update(ctx, runID, func(cur *model.RunState) (*model.RunState, error) {
		res.Outcome = ""
		if cur == nil {
			return nil, store.ErrNotFound
		}
		if cur.Status != model.StatusCompleted {
			res.Outcome = OutcomeIgnored
			return nil, store.ErrNoChange
		}
		if cur.DeliveryLeased(now) {
			res.Outcome = OutcomePendingDelivery
			return nil, store.ErrNoChange
		}
		cur.ClaimDelivery(c.opts.InstanceID, now, c.opts.DeliveryLeaseTTL)
		res.Outcome = OutcomeRedriven
		return cur, nil
	})
	if errors.Is(err, store.ErrRunClosed) {
		return res, store.ErrNotFound
	}
	if err != nil {
		return res, fmt.Errorf("failed to redrive run %s: %w", runID, err)
	}
	res.Status = st.Status
	countOutcome(res.Outcome)

	if res.Outcome != OutcomeRedriven {
		if res.Outcome == OutcomeIgnored {
			res.Reason = "run is not completed"
		}
		return res, nil
	}

	slog.Info("Redriving undelivered run",
		"run_id", runID,
		"delivery_attempts", st.DeliveryAttempts,
	)

	res.IdempotencyKey = IdempotencyKey(runID)
	res.Emitted, err = c.deliver(ctx, st, "")
	return res, err
}

// Expire closes a pending run that outlived the join timeout as abandoned.
// Runs that are not expired, not pending, or already closed are left alone.
func (c *Coordinator) Expire(ctx context.Context, runID string) (Result, error) {
	res := Result{RunID: runID}
	now := c.now()

	st, err := c.runs.Update(ctx, runID, func(cur *model.RunState) (*model.RunState, error) {
		res.Outcome = OutcomeIgnored
		if cur == nil || !cur.Expired(now, c.opts.RunTimeout) {
			return nil, store.ErrNoChange
		}
		seen := append([]model.Kind(nil), cur.SeenKinds...)
		if err := cur.Close(model.CloseAbandoned, now, c.opts.TombstoneRetention); err != nil {
			return nil, err
		}
		res.Outcome = OutcomeExpired
		res.Reason = fmt.Sprintf("seen %v after %s", seen, now.Sub(cur.CreatedAt).Round(time.Second))
		return cur, nil
	})
	if errors.Is(err, store.ErrRunClosed) {
		return Result{RunID: runID, Outcome: OutcomeIgnored}, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to expire run %s: %w", runID, err)
	}
	if st != nil {
		res.Status = st.Status
	}

	if res.Outcome == OutcomeExpired {
		countOutcome(res.Outcome)
		abandonedRuns.Add(1)
		slog.Warn("IncompleteJoinTimeout: run abandoned",
			"run_id", runID,
			"reason", res.Reason,
		)
	}
	return res, nil
}
