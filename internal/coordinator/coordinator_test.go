package coordinator

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/gatekeeper/internal/model"
	"github.com/dandantas/gatekeeper/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingEmitter struct {
	mu        sync.Mutex
	events    []model.CoverageRatioEvent
	keys      []string
	deadlines []time.Time
	failures  int
	delivered map[string]bool
	block     bool
	onSent    func()
}

func (e *recordingEmitter) Emit(ctx context.Context, ev model.CoverageRatioEvent) (*model.EmissionLog, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.keys = append(e.keys, ev.IdempotencyKey)
	if deadline, ok := ctx.Deadline(); ok {
		e.deadlines = append(e.deadlines, deadline)
	}
	if e.delivered[ev.IdempotencyKey] {
		return &model.EmissionLog{IdempotencyKey: ev.IdempotencyKey, RunID: ev.RunID, FinalStatus: model.EmissionDelivered}, false, nil
	}
	if e.block {
		<-ctx.Done()
		return nil, false, ctx.Err()
	}
	if e.failures > 0 {
		e.failures--
		return nil, false, errors.New("downstream unavailable")
	}
	e.events = append(e.events, ev)
	if e.onSent != nil {
		e.onSent()
	}
	return &model.EmissionLog{IdempotencyKey: ev.IdempotencyKey, RunID: ev.RunID, FinalStatus: model.EmissionDelivered}, true, nil
}

func (e *recordingEmitter) emitted() []model.CoverageRatioEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.CoverageRatioEvent(nil), e.events...)
}

type fixture struct {
	coord   *Coordinator
	runs    *store.MemoryRunStore
	emitter *recordingEmitter
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		runs:    store.NewMemoryRunStore(),
		emitter: &recordingEmitter{},
		clock:   newFakeClock(),
	}
	f.coord = New(f.runs, f.emitter, Options{
		RunTimeout:         10 * time.Minute,
		TombstoneRetention: time.Hour,
		DeliveryLeaseTTL:   time.Minute,
		SkillPolicy:        model.DefaultSkillPolicy(),
		InstanceID:         "pod-test",
		Now:                f.clock.Now,
	})
	return f
}

func jobEvent(runID, name string, hard ...string) model.Event {
	return model.Event{
		RunID: runID,
		Kind:  model.KindJobExtract,
		Job:   &model.JobPayload{Name: name, Industry: "Finance", HardSkills: hard},
	}
}

func candEvent(runID, name string, hard ...string) model.Event {
	return model.Event{
		RunID:     runID,
		Kind:      model.KindCandExtract,
		Candidate: &model.CandidatePayload{Name: name, Industry: "Finance", HardSkills: hard},
	}
}

func errorEvent(runID string, kind model.Kind) model.Event {
	return model.Event{RunID: runID, Kind: kind, Detail: "extraction failed"}
}

func (f *fixture) handle(t *testing.T, ev model.Event) Result {
	t.Helper()
	res, err := f.coord.Handle(context.Background(), ev)
	require.NoError(t, err)
	return res
}

func TestHandle_ScenarioR1(t *testing.T) {
	f := newFixture(t)

	res := f.handle(t, candEvent("R1", "Alice", "SQL"))
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, model.StatusPending, res.Status)
	assert.False(t, res.Emitted)

	res = f.handle(t, jobEvent("R1", "Analyst", "SQL", "Excel"))
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.True(t, res.Emitted)
	assert.Equal(t, IdempotencyKey("R1"), res.IdempotencyKey)

	events := f.emitter.emitted()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "R1", ev.RunID)
	assert.Equal(t, model.EventTypeCoverageRatio, ev.Type)
	assert.Equal(t, IdempotencyKey("R1"), ev.IdempotencyKey)
	assert.Equal(t, "Analyst", ev.Job.Name)
	assert.Equal(t, []string{"SQL", "Excel"}, ev.Job.HardSkills)
	assert.Equal(t, "Alice", ev.Candidate.Name)
	assert.Equal(t, []string{"SQL"}, ev.Candidate.HardSkills)

	_, err := f.runs.Get(context.Background(), "R1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandle_ScenarioR2(t *testing.T) {
	f := newFixture(t)

	f.handle(t, jobEvent("R2", "Analyst", "SQL"))
	res := f.handle(t, errorEvent("R2", model.KindJobError))
	assert.Equal(t, OutcomeShortCircuited, res.Outcome)
	assert.Equal(t, model.StatusErrored, res.Status)

	assert.Empty(t, f.emitter.emitted())
	_, err := f.runs.Get(context.Background(), "R2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandle_Idempotency(t *testing.T) {
	once := newFixture(t)
	twice := newFixture(t)
	ctx := context.Background()

	once.handle(t, jobEvent("R", "Analyst", "SQL"))
	twice.handle(t, jobEvent("R", "Analyst", "SQL"))
	res := twice.handle(t, jobEvent("R", "Other", "Go"))
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	a, err := once.runs.Get(ctx, "R")
	require.NoError(t, err)
	b, err := twice.runs.Get(ctx, "R")
	require.NoError(t, err)

	assert.Equal(t, a.SeenKinds, b.SeenKinds)
	assert.Equal(t, a.JobPayload, b.JobPayload)
	assert.Equal(t, a.CandPayload, b.CandPayload)
	assert.Equal(t, a.Status, b.Status)
	assert.Equal(t, a.CreatedAt, b.CreatedAt)
}

func TestHandle_OrderIndependence(t *testing.T) {
	jobFirst := newFixture(t)
	jobFirst.handle(t, jobEvent("R", "Analyst", "SQL", "Excel"))
	jobFirst.handle(t, candEvent("R", "Alice", "SQL"))

	candFirst := newFixture(t)
	candFirst.handle(t, candEvent("R", "Alice", "SQL"))
	candFirst.handle(t, jobEvent("R", "Analyst", "SQL", "Excel"))

	a := jobFirst.emitter.emitted()
	b := candFirst.emitter.emitted()
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].Job, b[0].Job)
	assert.Equal(t, a[0].Candidate, b[0].Candidate)
	assert.Equal(t, a[0].IdempotencyKey, b[0].IdempotencyKey)
}

func TestHandle_Isolation(t *testing.T) {
	f := newFixture(t)

	f.handle(t, jobEvent("A", "JobA", "SQL"))
	f.handle(t, candEvent("B", "CandB", "Go"))
	f.handle(t, jobEvent("B", "JobB", "Go"))
	f.handle(t, candEvent("A", "CandA", "SQL"))

	events := f.emitter.emitted()
	require.Len(t, events, 2)
	byRun := map[string]model.CoverageRatioEvent{}
	for _, ev := range events {
		byRun[ev.RunID] = ev
	}
	assert.Equal(t, "JobA", byRun["A"].Job.Name)
	assert.Equal(t, "CandA", byRun["A"].Candidate.Name)
	assert.Equal(t, "JobB", byRun["B"].Job.Name)
	assert.Equal(t, "CandB", byRun["B"].Candidate.Name)
	assert.NotEqual(t, byRun["A"].IdempotencyKey, byRun["B"].IdempotencyKey)
}

func TestHandle_ExactlyOnceUnderConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	f.handle(t, jobEvent("R", "Analyst", "SQL"))

	const n = 64
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.coord.Handle(context.Background(), candEvent("R", "Alice", "SQL"))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	emitted := 0
	for _, res := range results {
		if res.Emitted {
			emitted++
		}
		assert.Contains(t, []Outcome{OutcomeCompleted, OutcomePendingDelivery, OutcomeLateEvent}, res.Outcome)
	}
	assert.Equal(t, 1, emitted)
	assert.Len(t, f.emitter.emitted(), 1)
}

func TestHandle_ExactlyOnceWhenBothBranchesRace(t *testing.T) {
	f := newFixture(t)

	const runs = 20
	var wg sync.WaitGroup
	for r := 0; r < runs; r++ {
		runID := fmt.Sprintf("run-%d", r)
		for i := 0; i < 4; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := f.coord.Handle(context.Background(), jobEvent(runID, "Job "+runID, "SQL"))
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				_, err := f.coord.Handle(context.Background(), candEvent(runID, "Cand "+runID, "SQL"))
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	events := f.emitter.emitted()
	require.Len(t, events, runs)
	seen := map[string]bool{}
	for _, ev := range events {
		assert.False(t, seen[ev.RunID], "run %s emitted twice", ev.RunID)
		seen[ev.RunID] = true
		assert.Equal(t, "Job "+ev.RunID, ev.Job.Name)
		assert.Equal(t, "Cand "+ev.RunID, ev.Candidate.Name)
	}
}

func TestHandle_ErrorShortCircuitPreventsResurrection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.handle(t, errorEvent("R", model.KindJobError))
	assert.Equal(t, OutcomeShortCircuited, res.Outcome)

	res = f.handle(t, candEvent("R", "Alice", "SQL"))
	assert.Equal(t, OutcomeLateEvent, res.Outcome)
	assert.Contains(t, res.Reason, string(model.CloseUpstreamFailed))

	res = f.handle(t, jobEvent("R", "Analyst", "SQL"))
	assert.Equal(t, OutcomeLateEvent, res.Outcome)

	assert.Empty(t, f.emitter.emitted())
	_, err := f.runs.Get(ctx, "R")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandle_LazyExpiry(t *testing.T) {
	f := newFixture(t)

	f.handle(t, jobEvent("R", "Analyst", "SQL"))
	f.clock.Advance(11 * time.Minute)

	res := f.handle(t, candEvent("R", "Alice", "SQL"))
	assert.Equal(t, OutcomeExpired, res.Outcome)
	assert.Equal(t, model.StatusErrored, res.Status)
	assert.Empty(t, f.emitter.emitted())

	res = f.handle(t, candEvent("R", "Alice", "SQL"))
	assert.Equal(t, OutcomeLateEvent, res.Outcome)
}

func TestExpire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handle(t, jobEvent("R", "Analyst", "SQL"))

	res, err := f.coord.Expire(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome, "fresh run is kept")

	f.clock.Advance(11 * time.Minute)
	res, err = f.coord.Expire(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, res.Outcome)
	assert.Contains(t, res.Reason, string(model.KindJobExtract))

	_, err = f.runs.Get(ctx, "R")
	assert.ErrorIs(t, err, store.ErrNotFound)

	res, err = f.coord.Expire(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	assert.Equal(t, OutcomeLateEvent, f.handle(t, candEvent("R", "Alice", "SQL")).Outcome)
	assert.Empty(t, f.emitter.emitted())
}

func TestHandle_IncompletePayloadKeepsWaiting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.handle(t, jobEvent("R", "Analyst"))
	assert.Equal(t, OutcomeIncompletePayload, res.Outcome)
	assert.Contains(t, res.Reason, "0 skills extracted")

	st, err := f.runs.Get(ctx, "R")
	require.NoError(t, err)
	assert.False(t, st.HasSeen(model.KindJobExtract))
	assert.Nil(t, st.JobPayload)

	f.handle(t, candEvent("R", "Alice", "SQL"))
	res = f.handle(t, jobEvent("R", "Analyst", "SQL"))
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	require.Len(t, f.emitter.emitted(), 1)
}

func TestHandle_EmissionFailureThenRedelivery(t *testing.T) {
	f := newFixture(t)
	f.emitter.failures = 1
	ctx := context.Background()

	f.handle(t, jobEvent("R", "Analyst", "SQL"))
	res, err := f.coord.Handle(ctx, candEvent("R", "Alice", "SQL"))

	var emitErr *EmissionFailureError
	require.ErrorAs(t, err, &emitErr)
	assert.Equal(t, "R", emitErr.RunID)
	assert.False(t, res.Emitted)

	st, err := f.runs.Get(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, st.Status)
	assert.Nil(t, st.DeliveryLeaseUntil, "lease released for retry")
	assert.NotNil(t, st.JobPayload)

	res = f.handle(t, candEvent("R", "Alice", "SQL"))
	assert.Equal(t, OutcomeRedriven, res.Outcome)
	assert.True(t, res.Emitted)

	require.Len(t, f.emitter.emitted(), 1)
	assert.Equal(t, []string{IdempotencyKey("R"), IdempotencyKey("R")}, f.emitter.keys)

	_, err = f.runs.Get(ctx, "R")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandle_CancelledAfterSendStillCloses(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.emitter.onSent = cancel

	f.handle(t, jobEvent("R", "Analyst", "SQL"))
	res, err := f.coord.Handle(ctx, candEvent("R", "Alice", "SQL"))
	require.NoError(t, err)
	assert.True(t, res.Emitted)

	_, err = f.runs.Get(context.Background(), "R")
	assert.ErrorIs(t, err, store.ErrNotFound, "run closed once the consumer has the event")

	res = f.handle(t, candEvent("R", "Alice", "SQL"))
	assert.Equal(t, OutcomeLateEvent, res.Outcome)
	assert.Len(t, f.emitter.emitted(), 1)
}

func TestHandle_EmissionBoundedByDeliveryLease(t *testing.T) {
	f := newFixture(t)
	f.coord = New(f.runs, f.emitter, Options{
		RunTimeout:         10 * time.Minute,
		TombstoneRetention: time.Hour,
		DeliveryLeaseTTL:   200 * time.Millisecond,
		SkillPolicy:        model.DefaultSkillPolicy(),
		InstanceID:         "pod-test",
		Now:                f.clock.Now,
	})
	f.emitter.block = true
	ctx := context.Background()

	f.handle(t, jobEvent("R", "Analyst", "SQL"))
	start := time.Now()
	_, err := f.coord.Handle(ctx, candEvent("R", "Alice", "SQL"))

	var emitErr *EmissionFailureError
	require.ErrorAs(t, err, &emitErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, f.emitter.deadlines, 1)
	assert.False(t, f.emitter.deadlines[0].After(start.Add(200*time.Millisecond)),
		"emission must give up before its lease runs out")

	f.emitter.mu.Lock()
	f.emitter.block = false
	f.emitter.mu.Unlock()

	f.clock.Advance(time.Second)
	res, err := f.coord.Redrive(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRedriven, res.Outcome)
	assert.True(t, res.Emitted)
	assert.Len(t, f.emitter.emitted(), 1)
}

func TestHandle_AlreadyDeliveredKeyOnlyCloses(t *testing.T) {
	f := newFixture(t)
	f.emitter.delivered = map[string]bool{IdempotencyKey("R"): true}
	ctx := context.Background()

	deliveredBefore := emissionCount(model.EmissionDelivered)
	skippedBefore := emissionCount(emissionAlreadyDelivered)

	f.handle(t, jobEvent("R", "Analyst", "SQL"))
	res := f.handle(t, candEvent("R", "Alice", "SQL"))
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.False(t, res.Emitted)
	assert.Empty(t, f.emitter.emitted())

	_, err := f.runs.Get(ctx, "R")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Equal(t, deliveredBefore, emissionCount(model.EmissionDelivered))
	assert.Equal(t, skippedBefore+1, emissionCount(emissionAlreadyDelivered))
}

func emissionCount(status string) int64 {
	if v, ok := emissionCounts.Get(status).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

func TestHandle_ErrorAfterJoinDoesNotDowngrade(t *testing.T) {
	f := newFixture(t)
	f.emitter.failures = 1
	ctx := context.Background()

	f.handle(t, jobEvent("R", "Analyst", "SQL"))
	_, err := f.coord.Handle(ctx, candEvent("R", "Alice", "SQL"))
	require.Error(t, err)

	res := f.handle(t, errorEvent("R", model.KindCandError))
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, model.StatusCompleted, res.Status)

	res, err = f.coord.Redrive(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRedriven, res.Outcome)
	assert.True(t, res.Emitted)
	assert.Len(t, f.emitter.emitted(), 1)
}

func TestRedrive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Redrive(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	f.handle(t, jobEvent("R", "Analyst", "SQL"))
	res, err := f.coord.Redrive(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.False(t, res.Emitted)

	f.handle(t, candEvent("R", "Alice", "SQL"))
	_, err = f.coord.Redrive(ctx, "R")
	assert.ErrorIs(t, err, store.ErrNotFound, "delivered run is closed")
}

func TestRedrive_RespectsLiveLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st := model.NewRunState("R", f.clock.Now())
	require.NoError(t, st.ApplyJob(&model.JobPayload{Name: "Analyst", HardSkills: []string{"SQL"}}))
	require.NoError(t, st.ApplyCandidate(&model.CandidatePayload{Name: "Alice", HardSkills: []string{"SQL"}}))
	require.NoError(t, st.TransitionTo(model.StatusCompleted))
	st.ClaimDelivery("pod-other", f.clock.Now(), time.Minute)
	require.NoError(t, f.runs.Put(ctx, st))

	res, err := f.coord.Redrive(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingDelivery, res.Outcome)

	res = f.handle(t, candEvent("R", "Alice", "SQL"))
	assert.Equal(t, OutcomePendingDelivery, res.Outcome)
	assert.Empty(t, f.emitter.emitted())

	f.clock.Advance(2 * time.Minute)
	res, err = f.coord.Redrive(ctx, "R")
	require.NoError(t, err)
	assert.True(t, res.Emitted)
	assert.Len(t, f.emitter.emitted(), 1)
}

func TestHandle_UnknownKindIgnored(t *testing.T) {
	f := newFixture(t)

	res := f.handle(t, model.Event{RunID: "R", RawKind: "salary_extract"})
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, 0, f.runs.Len())
}

type unavailableStore struct {
	*store.MemoryRunStore
}

func (unavailableStore) Update(context.Context, string, store.UpdateFunc) (*model.RunState, error) {
	return nil, fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}

func TestHandle_StoreUnavailableIsSurfaced(t *testing.T) {
	emitter := &recordingEmitter{}
	c := New(unavailableStore{store.NewMemoryRunStore()}, emitter, Options{})

	_, err := c.Handle(context.Background(), jobEvent("R", "Analyst", "SQL"))
	assert.ErrorIs(t, err, store.ErrUnavailable)

	_, err = c.Handle(context.Background(), errorEvent("R", model.KindJobError))
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Empty(t, emitter.emitted())
}

func TestIdempotencyKeyIsStable(t *testing.T) {
	assert.Equal(t, IdempotencyKey("R1"), IdempotencyKey("R1"))
	assert.NotEqual(t, IdempotencyKey("R1"), IdempotencyKey("R2"))
	assert.Len(t, IdempotencyKey("R1"), 36)
}
