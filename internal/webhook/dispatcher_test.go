package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/gatekeeper/internal/model"
	"github.com/dandantas/gatekeeper/internal/store"
)

func testEvent() model.CoverageRatioEvent {
	return model.CoverageRatioEvent{
		EventID:        "evt-1",
		IdempotencyKey: "key-1",
		Type:           model.EventTypeCoverageRatio,
		RunID:          "run-1",
		Job: model.JobPayload{
			Name:       "Backend Engineer",
			Industry:   "Software",
			HardSkills: []string{"Go", "PostgreSQL"},
		},
		Candidate: model.CandidatePayload{
			Name:       "Ada",
			HardSkills: []string{"Go"},
			Experience: []string{"5 years at Acme"},
		},
		EmittedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func fastTarget(url string) model.EgressTarget {
	return model.EgressTarget{
		URL:    url,
		Method: http.MethodPost,
		RetryConfig: model.RetryConfig{
			MaxAttempts:    3,
			InitialDelayMs: 1,
			MaxDelayMs:     5,
			Multiplier:     2,
		},
	}
}

func TestDispatcherEmitDelivers(t *testing.T) {
	var (
		mu       sync.Mutex
		received CoverageRatioPayload
		header   http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		header = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	logs := store.NewMemoryEmissionLogStore()
	target := fastTarget(srv.URL)
	target.Headers = map[string]string{"Authorization": "Bearer t"}
	d := NewDispatcher(target, time.Second, logs, nil)

	emissionLog, _, err := d.Emit(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, model.EmissionDelivered, emissionLog.FinalStatus)
	require.Len(t, emissionLog.Attempts, 1)
	assert.Equal(t, http.StatusAccepted, emissionLog.Attempts[0].StatusCode)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "key-1", header.Get(IdempotencyHeader))
	assert.Equal(t, "Bearer t", header.Get("Authorization"))
	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.Equal(t, "run-1", received.RunID)
	assert.Equal(t, "coverage_ratio", received.Type)
	assert.Equal(t, "Backend Engineer", received.JobData.Name)
	assert.Equal(t, []string{"Go", "PostgreSQL"}, received.JobData.HardSkills)
	assert.Equal(t, []string{}, received.JobData.SoftSkills)
	assert.Equal(t, []string{"5 years at Acme"}, received.CandData.Experience)
	assert.Equal(t, "2026-01-02T03:04:05Z", received.EmittedAt)

	saved, err := logs.GetByIdempotencyKey(context.Background(), "key-1")
	require.NoError(t, err)
	assert.True(t, saved.Delivered())
}

func TestDispatcherEmitRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(fastTarget(srv.URL), time.Second, store.NewMemoryEmissionLogStore(), nil)

	emissionLog, _, err := d.Emit(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, emissionLog.Attempts, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{
		emissionLog.Attempts[0].AttemptNumber,
		emissionLog.Attempts[1].AttemptNumber,
		emissionLog.Attempts[2].AttemptNumber,
	})
}

func TestDispatcherEmitDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	logs := store.NewMemoryEmissionLogStore()
	d := NewDispatcher(fastTarget(srv.URL), time.Second, logs, nil)

	emissionLog, _, err := d.Emit(context.Background(), testEvent())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, model.EmissionFailed, emissionLog.FinalStatus)

	saved, err := logs.GetByIdempotencyKey(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, model.EmissionFailed, saved.FinalStatus)
}

func TestDispatcherEmitSkipsDeliveredKey(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(fastTarget(srv.URL), time.Second, store.NewMemoryEmissionLogStore(), nil)

	_, _, err := d.Emit(context.Background(), testEvent())
	require.NoError(t, err)
	second, sent, err := d.Emit(context.Background(), testEvent())
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, second.Delivered())
	assert.False(t, sent)
}

func TestDispatcherEmitContinuesAttemptNumbering(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logs := store.NewMemoryEmissionLogStore()
	d := NewDispatcher(fastTarget(srv.URL), time.Second, logs, nil)

	_, _, err := d.Emit(context.Background(), testEvent())
	require.Error(t, err)

	fail.Store(false)
	emissionLog, _, err := d.Emit(context.Background(), testEvent())
	require.NoError(t, err)
	require.Len(t, emissionLog.Attempts, 4)
	assert.Equal(t, 4, emissionLog.Attempts[3].AttemptNumber)
	assert.Equal(t, model.EmissionDelivered, emissionLog.FinalStatus)
}

func TestDispatcherEmitCircuitOpen(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	breaker := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour})
	d := NewDispatcher(fastTarget(srv.URL), time.Second, store.NewMemoryEmissionLogStore(), breaker)

	_, _, err := d.Emit(context.Background(), testEvent())
	require.Error(t, err)
	assert.Equal(t, "open", d.CircuitState())

	ev := testEvent()
	ev.IdempotencyKey = "key-2"
	_, _, err = d.Emit(context.Background(), ev)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcherEmitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	target := fastTarget(srv.URL)
	target.RetryConfig.MaxDelayMs = 60000
	d := NewDispatcher(target, time.Second, store.NewMemoryEmissionLogStore(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	emissionLog, _, err := d.Emit(ctx, testEvent())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, model.EmissionFailed, emissionLog.FinalStatus)
}

func TestLogEmitterRecordsDelivery(t *testing.T) {
	logs := store.NewMemoryEmissionLogStore()
	e := NewLogEmitter(logs)

	emissionLog, sent, err := e.Emit(context.Background(), testEvent())
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, LogTarget, emissionLog.TargetURL)

	saved, err := logs.GetByIdempotencyKey(context.Background(), "key-1")
	require.NoError(t, err)
	assert.True(t, saved.Delivered())

	_, sent, err = e.Emit(context.Background(), testEvent())
	require.NoError(t, err)
	assert.False(t, sent)
}
