package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dandantas/gatekeeper/internal/model"
)

// MemoryRunStore is an in-process RunStore guarded by a per-run mutex.
// It is used for single-instance deployments and in tests.
type MemoryRunStore struct {
	keys *keyedMutex

	mu   sync.RWMutex
	runs map[string]*model.RunState
}

// NewMemoryRunStore creates an empty in-memory run store
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		keys: newKeyedMutex(),
		runs: make(map[string]*model.RunState),
	}
}

func (s *MemoryRunStore) load(runID string) *model.RunState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[runID]
}

func (s *MemoryRunStore) store(state *model.RunState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[state.RunID] = state
}

// Get returns a copy of the live run, or ErrNotFound for absent and closed runs
func (s *MemoryRunStore) Get(_ context.Context, runID string) (*model.RunState, error) {
	cur := s.load(runID)
	if cur == nil || cur.IsClosed() {
		return nil, ErrNotFound
	}
	return cur.Clone(), nil
}

// Put stores the state unconditionally
func (s *MemoryRunStore) Put(_ context.Context, state *model.RunState) error {
	unlock := s.keys.Lock(state.RunID)
	defer unlock()

	s.store(state.Clone())
	return nil
}

// Delete removes the run and any tombstone
func (s *MemoryRunStore) Delete(_ context.Context, runID string) error {
	unlock := s.keys.Lock(runID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return ErrNotFound
	}
	delete(s.runs, runID)
	return nil
}

// Update applies fn atomically for runID
func (s *MemoryRunStore) Update(ctx context.Context, runID string, fn UpdateFunc) (*model.RunState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := s.keys.Lock(runID)
	defer unlock()

	cur := s.load(runID)
	if cur != nil && cur.IsClosed() {
		return cur.Clone(), ErrRunClosed
	}

	next, err := Apply(cur, fn)
	if err != nil {
		return nil, err
	}
	if next == nil {
		if cur == nil {
			return nil, nil
		}
		return cur.Clone(), nil
	}

	next.RunID = runID
	s.store(next.Clone())
	return next, nil
}

// ListExpired returns open pending runs created before the cutoff, oldest first
func (s *MemoryRunStore) ListExpired(_ context.Context, createdBefore time.Time, limit int) ([]*model.RunState, error) {
	return s.list(limit, func(r *model.RunState) bool {
		return r.Status == model.StatusPending && r.CreatedAt.Before(createdBefore)
	}), nil
}

// ListUndelivered returns open completed runs nobody holds a delivery lease on
func (s *MemoryRunStore) ListUndelivered(_ context.Context, now time.Time, limit int) ([]*model.RunState, error) {
	return s.list(limit, func(r *model.RunState) bool {
		return r.Status == model.StatusCompleted && !r.DeliveryLeased(now)
	}), nil
}

func (s *MemoryRunStore) list(limit int, match func(*model.RunState) bool) []*model.RunState {
	s.mu.RLock()
	var out []*model.RunState
	for _, r := range s.runs {
		if !r.IsClosed() && match(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PurgeTombstones drops closed runs past their retention
func (s *MemoryRunStore) PurgeTombstones(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for id, r := range s.runs {
		if r.IsClosed() && r.PurgeAt != nil && r.PurgeAt.Before(now) {
			delete(s.runs, id)
			purged++
		}
	}
	return purged, nil
}

// Ping always succeeds
func (s *MemoryRunStore) Ping(context.Context) error {
	return nil
}

// Len returns the number of records held, tombstones included
func (s *MemoryRunStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

// MemoryLocker is an in-process Locker
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]model.Lease
	now    func() time.Time
}

// NewMemoryLocker creates an empty in-memory locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]model.Lease), now: time.Now}
}

// AcquireLock grants the lease when it is free, expired, or already held by owner
func (l *MemoryLocker) AcquireLock(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	if cur, ok := l.leases[name]; ok && cur.LockedBy != owner && cur.ExpiresAt.After(now) {
		return false, nil
	}
	l.leases[name] = model.Lease{Name: name, LockedBy: owner, LockedAt: now, ExpiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLock drops the lease if owner holds it
func (l *MemoryLocker) ReleaseLock(_ context.Context, name, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[name]; ok && cur.LockedBy == owner {
		delete(l.leases, name)
	}
	return nil
}

// MemoryEmissionLogStore is an in-process EmissionLogStore
type MemoryEmissionLogStore struct {
	mu   sync.RWMutex
	logs map[string]*model.EmissionLog
}

// NewMemoryEmissionLogStore creates an empty in-memory delivery log
func NewMemoryEmissionLogStore() *MemoryEmissionLogStore {
	return &MemoryEmissionLogStore{logs: make(map[string]*model.EmissionLog)}
}

// Save upserts the log by idempotency key
func (s *MemoryEmissionLogStore) Save(_ context.Context, log *model.EmissionLog) error {
	c := *log
	c.Attempts = append([]model.EmissionAttempt(nil), log.Attempts...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[log.IdempotencyKey] = &c
	return nil
}

// GetByIdempotencyKey returns the log for key or ErrNotFound
func (s *MemoryEmissionLogStore) GetByIdempotencyKey(_ context.Context, key string) (*model.EmissionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[key]
	if !ok {
		return nil, ErrNotFound
	}
	c := *l
	c.Attempts = append([]model.EmissionAttempt(nil), l.Attempts...)
	return &c, nil
}

// List returns matching logs, newest first, one page at a time
func (s *MemoryEmissionLogStore) List(_ context.Context, filter model.EmissionFilter, page, limit int) ([]model.EmissionLog, int64, error) {
	s.mu.RLock()
	var matched []model.EmissionLog
	for _, l := range s.logs {
		if filter.RunID != "" && l.RunID != filter.RunID {
			continue
		}
		if filter.FinalStatus != "" && l.FinalStatus != filter.FinalStatus {
			continue
		}
		matched = append(matched, *l)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := int64(len(matched))
	start := (page - 1) * limit
	if start < 0 || start >= len(matched) {
		return []model.EmissionLog{}, total, nil
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

// NewMemoryBackend wires the in-memory stores together
func NewMemoryBackend() *Backend {
	return &Backend{
		Runs:      NewMemoryRunStore(),
		Locks:     NewMemoryLocker(),
		Emissions: NewMemoryEmissionLogStore(),
		Close:     func(context.Context) error { return nil },
	}
}
