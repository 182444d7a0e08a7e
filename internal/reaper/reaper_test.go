package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/gatekeeper/internal/coordinator"
	"github.com/dandantas/gatekeeper/internal/model"
	"github.com/dandantas/gatekeeper/internal/store"
)

type flakyEmitter struct {
	mu       sync.Mutex
	failures int
	runs     []string
}

func (e *flakyEmitter) Emit(_ context.Context, ev model.CoverageRatioEvent) (*model.EmissionLog, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failures > 0 {
		e.failures--
		return nil, false, errors.New("consumer down")
	}
	e.runs = append(e.runs, ev.RunID)
	return &model.EmissionLog{IdempotencyKey: ev.IdempotencyKey, FinalStatus: model.EmissionDelivered}, true, nil
}

type fixture struct {
	backend *store.Backend
	coord   *coordinator.Coordinator
	emitter *flakyEmitter
	reaper  *Reaper
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend: store.NewMemoryBackend(),
		emitter: &flakyEmitter{},
		now:     time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.coord = coordinator.New(f.backend.Runs, f.emitter, coordinator.Options{
		RunTimeout:         10 * time.Minute,
		TombstoneRetention: time.Hour,
		DeliveryLeaseTTL:   time.Minute,
		SkillPolicy:        model.DefaultSkillPolicy(),
		InstanceID:         "pod-a",
		Now:                clock,
	})
	f.reaper = New(f.backend.Runs, f.backend.Locks, f.coord, Config{
		Schedule:    "@every 1h",
		LockTTL:     time.Minute,
		RunTimeout:  10 * time.Minute,
		Concurrency: 2,
	})
	f.reaper.now = clock
	return f
}

func (f *fixture) send(t *testing.T, ev model.Event) coordinator.Result {
	t.Helper()
	res, err := f.coord.Handle(context.Background(), ev)
	var emitErr *coordinator.EmissionFailureError
	if !errors.As(err, &emitErr) {
		require.NoError(t, err)
	}
	return res
}

func job(runID string) model.Event {
	return model.Event{RunID: runID, Kind: model.KindJobExtract, Job: &model.JobPayload{Name: "Analyst", HardSkills: []string{"SQL"}}}
}

func cand(runID string) model.Event {
	return model.Event{RunID: runID, Kind: model.KindCandExtract, Candidate: &model.CandidatePayload{Name: "Alice", HardSkills: []string{"SQL"}}}
}

func TestTickSweepsAllCategories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.send(t, job("abandoned"))

	f.send(t, job("done"))
	f.send(t, cand("done"))

	f.emitter.failures = 1
	f.send(t, job("stalled"))
	f.send(t, cand("stalled"))

	f.now = f.now.Add(2 * time.Hour)

	stats := f.reaper.Tick(ctx)
	assert.False(t, stats.Skipped)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.Redriven)
	assert.Equal(t, 1, stats.Emitted)
	assert.Equal(t, int64(1), stats.Purged)
	assert.Zero(t, stats.Errors)

	assert.ElementsMatch(t, []string{"done", "stalled"}, f.emitter.runs)

	_, err := f.backend.Runs.Get(ctx, "abandoned")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.backend.Runs.Get(ctx, "stalled")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// abandoned run stays a tombstone, so a late branch cannot resurrect it
	res := f.send(t, cand("abandoned"))
	assert.Equal(t, coordinator.OutcomeLateEvent, res.Outcome)
}

func TestTickLeavesFreshRunsAlone(t *testing.T) {
	f := newFixture(t)
	f.send(t, job("fresh"))
	f.now = f.now.Add(5 * time.Minute)

	stats := f.reaper.Tick(context.Background())
	assert.Zero(t, stats.Expired)

	st, err := f.backend.Runs.Get(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, st.Status)
}

func TestTickSkipsWhenLockHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.backend.Locks.AcquireLock(ctx, LockName, "pod-b", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	f.send(t, job("abandoned"))
	f.now = f.now.Add(time.Hour)

	stats := f.reaper.Tick(ctx)
	assert.True(t, stats.Skipped)

	st, err := f.backend.Runs.Get(ctx, "abandoned")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, st.Status)
}

func TestTickReleasesLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.reaper.Tick(ctx)

	ok, err := f.backend.Locks.AcquireLock(ctx, LockName, "pod-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.reaper.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.reaper.Stop(ctx)
	f.reaper.Stop(ctx)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	f.reaper.cfg.Schedule = "not a schedule"
	assert.Error(t, f.reaper.Start(context.Background()))
}
