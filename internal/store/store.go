// Package store defines the keyed run-state store used by the join
// coordinator, together with the lease and delivery-log stores that back the
// reaper and the egress adapter.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dandantas/gatekeeper/internal/model"
)

var (
	// ErrNotFound is returned when no live run exists for a run ID.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when an optimistic write lost a race.
	ErrConflict = errors.New("store: write conflict")
	// ErrRunClosed is returned by Update when only a tombstone remains for the run.
	ErrRunClosed = errors.New("store: run closed")
	// ErrUnavailable wraps backend failures the caller cannot recover from locally.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrNoChange may be returned by an UpdateFunc to skip the write.
	ErrNoChange = errors.New("store: no change")
)

// UpdateFunc computes the next state of a run from its current state.
// current is nil when the run does not exist yet. The function may be called
// more than once for a single Update when a concurrent write is detected, so
// it must not have side effects outside its return value.
// Returning (nil, nil) or ErrNoChange leaves the stored record untouched.
type UpdateFunc func(current *model.RunState) (*model.RunState, error)

// RunStore is a keyed mapping from run ID to RunState.
//
// Update is the only mutation the coordinator relies on: it is atomic per run
// ID and never blocks other run IDs. A closed run is kept as a tombstone until
// its PurgeAt; Get hides tombstones and Update reports them with ErrRunClosed
// without invoking fn.
type RunStore interface {
	Get(ctx context.Context, runID string) (*model.RunState, error)
	Put(ctx context.Context, state *model.RunState) error
	Delete(ctx context.Context, runID string) error
	Update(ctx context.Context, runID string, fn UpdateFunc) (*model.RunState, error)

	// ListExpired returns open pending runs created before the cutoff.
	ListExpired(ctx context.Context, createdBefore time.Time, limit int) ([]*model.RunState, error)
	// ListUndelivered returns open completed runs whose delivery lease is absent or expired at now.
	ListUndelivered(ctx context.Context, now time.Time, limit int) ([]*model.RunState, error)
	// PurgeTombstones removes closed runs whose PurgeAt is before now.
	PurgeTombstones(ctx context.Context, now time.Time) (int64, error)

	Ping(ctx context.Context) error
}

// Locker hands out named, expiring leases shared by all service instances
type Locker interface {
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error
}

// EmissionLogStore keeps one delivery record per idempotency key
type EmissionLogStore interface {
	Save(ctx context.Context, log *model.EmissionLog) error
	GetByIdempotencyKey(ctx context.Context, key string) (*model.EmissionLog, error)
	List(ctx context.Context, filter model.EmissionFilter, page, limit int) ([]model.EmissionLog, int64, error)
}

// Backend bundles the stores provided by one storage implementation
type Backend struct {
	Runs      RunStore
	Locks     Locker
	Emissions EmissionLogStore
	Close     func(ctx context.Context) error
}

// Apply runs fn against current and normalises its result the same way for
// every backend. It returns next == nil when nothing should be written.
func Apply(current *model.RunState, fn UpdateFunc) (*model.RunState, error) {
	var arg *model.RunState
	if current != nil {
		arg = current.Clone()
	}
	next, err := fn(arg)
	if errors.Is(err, ErrNoChange) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, nil
	}
	if current != nil {
		next.Version = current.Version + 1
	} else {
		next.Version = 1
	}
	return next, nil
}
