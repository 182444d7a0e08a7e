package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dandantas/gatekeeper/internal/model"
	"github.com/dandantas/gatekeeper/internal/store"
)

// ErrCircuitOpen is returned while the breaker refuses delivery attempts
var ErrCircuitOpen = errors.New("circuit breaker is open")

// IdempotencyHeader carries the run's idempotency key on every delivery attempt
const IdempotencyHeader = "Idempotency-Key"

// Dispatcher delivers coverage_ratio events to the downstream consumer with retry logic
type Dispatcher struct {
	httpClient     *http.Client
	circuitBreaker *CircuitBreaker
	target         model.EgressTarget
	logs           store.EmissionLogStore
}

// NewDispatcher creates a new dispatcher for target. The target must already be validated.
func NewDispatcher(target model.EgressTarget, timeout time.Duration, logs store.EmissionLogStore, breaker *CircuitBreaker) *Dispatcher {
	if breaker == nil {
		breaker = NewCircuitBreaker(CircuitBreakerConfig{})
	}
	target.RetryConfig.SetDefaults()
	return &Dispatcher{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		circuitBreaker: breaker,
		target:         target,
		logs:           logs,
	}
}

// Emit delivers event. An event whose idempotency key is already logged as
// delivered is not sent again and sent is false. Attempts accumulate on the
// same emission log across calls.
func (d *Dispatcher) Emit(ctx context.Context, event model.CoverageRatioEvent) (emissionLog *model.EmissionLog, sent bool, err error) {
	emissionLog, err = d.logs.GetByIdempotencyKey(ctx, event.IdempotencyKey)
	switch {
	case err == nil && emissionLog.Delivered():
		slog.Info("Coverage ratio already delivered, skipping",
			"run_id", event.RunID,
			"idempotency_key", event.IdempotencyKey,
		)
		return emissionLog, false, nil
	case err == nil:
		emissionLog.FinalStatus = model.EmissionRetrying
		emissionLog.CompletedAt = time.Time{}
	case errors.Is(err, store.ErrNotFound):
		emissionLog = &model.EmissionLog{
			IdempotencyKey: event.IdempotencyKey,
			RunID:          event.RunID,
			TargetURL:      d.target.URL,
			Attempts:       make([]model.EmissionAttempt, 0),
			FinalStatus:    model.EmissionRetrying,
			CreatedAt:      time.Now().UTC(),
		}
	default:
		return nil, false, fmt.Errorf("failed to look up emission log: %w", err)
	}

	sendErr := d.send(ctx, event, emissionLog)
	emissionLog.CompletedAt = time.Now().UTC()

	if err := d.logs.Save(context.WithoutCancel(ctx), emissionLog); err != nil {
		slog.Error("Failed to save emission log",
			"run_id", event.RunID,
			"idempotency_key", event.IdempotencyKey,
			"error", err,
		)
		if sendErr == nil {
			// The consumer has the event; losing the log only costs a deduplicated resend
			return emissionLog, true, nil
		}
	}

	return emissionLog, sendErr == nil, sendErr
}

// send runs the retry loop and records every attempt on emissionLog
func (d *Dispatcher) send(ctx context.Context, event model.CoverageRatioEvent, emissionLog *model.EmissionLog) error {
	if !d.circuitBreaker.CanAttempt() {
		slog.Warn("Circuit breaker is open, skipping coverage ratio delivery",
			"run_id", event.RunID,
			"target_url", d.target.URL,
			"circuit_state", d.circuitBreaker.State().String(),
		)
		emissionLog.FinalStatus = model.EmissionFailed
		return ErrCircuitOpen
	}

	body, err := json.Marshal(FormatCoverageRatioPayload(event))
	if err != nil {
		emissionLog.FinalStatus = model.EmissionFailed
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	retryStrategy := NewRetryStrategy(d.target.RetryConfig)
	previous := len(emissionLog.Attempts)

	for attempt := 1; attempt <= retryStrategy.GetMaxAttempts(); attempt++ {
		slog.Info("Attempting coverage ratio delivery",
			"run_id", event.RunID,
			"target_url", d.target.URL,
			"attempt", attempt,
			"max_attempts", retryStrategy.GetMaxAttempts(),
		)

		result, header, err := d.deliver(ctx, event.IdempotencyKey, body)
		result.AttemptNumber = previous + attempt
		emissionLog.Attempts = append(emissionLog.Attempts, result)

		if err == nil {
			slog.Info("Coverage ratio delivered successfully",
				"run_id", event.RunID,
				"target_url", d.target.URL,
				"attempt", attempt,
				"status_code", result.StatusCode,
			)
			emissionLog.FinalStatus = model.EmissionDelivered
			d.circuitBreaker.RecordSuccess()
			return nil
		}

		if !retryStrategy.ShouldRetry(attempt, result.StatusCode, err) {
			slog.Error("Coverage ratio delivery failed",
				"run_id", event.RunID,
				"target_url", d.target.URL,
				"attempt", attempt,
				"status_code", result.StatusCode,
				"error", result.Error,
			)
			emissionLog.FinalStatus = model.EmissionFailed
			d.circuitBreaker.RecordFailure()
			return fmt.Errorf("coverage ratio delivery failed after %d attempts: %w", attempt, err)
		}

		delay := retryStrategy.DelayFor(attempt, header)
		slog.Warn("Coverage ratio delivery failed, retrying",
			"run_id", event.RunID,
			"target_url", d.target.URL,
			"attempt", attempt,
			"next_retry_ms", delay.Milliseconds(),
			"error", result.Error,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			emissionLog.FinalStatus = model.EmissionFailed
			return ctx.Err()
		}
	}

	// Unreachable unless MaxAttempts is zero after defaults
	emissionLog.FinalStatus = model.EmissionFailed
	d.circuitBreaker.RecordFailure()
	return fmt.Errorf("coverage ratio delivery failed after %d attempts", retryStrategy.GetMaxAttempts())
}

// deliver performs a single delivery attempt
func (d *Dispatcher) deliver(ctx context.Context, idempotencyKey string, body []byte) (model.EmissionAttempt, http.Header, error) {
	start := time.Now()
	attempt := model.EmissionAttempt{
		Timestamp: start.UTC(),
	}

	req, err := http.NewRequestWithContext(ctx, d.target.Method, d.target.URL, bytes.NewReader(body))
	if err != nil {
		attempt.Error = fmt.Sprintf("Failed to create request: %v", err)
		attempt.DurationMs = time.Since(start).Milliseconds()
		return attempt, nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range d.target.Headers {
		req.Header.Set(key, value)
	}
	req.Header.Set(IdempotencyHeader, idempotencyKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		attempt.Error = fmt.Sprintf("Request failed: %v", err)
		attempt.DurationMs = time.Since(start).Milliseconds()
		return attempt, nil, err
	}
	defer resp.Body.Close()

	// Read response body (limit to 1KB to prevent memory issues)
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		slog.Warn("Failed to read egress response body", "error", err)
	}

	attempt.StatusCode = resp.StatusCode
	attempt.ResponseBody = string(bodyBytes)
	attempt.DurationMs = time.Since(start).Milliseconds()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		attempt.Error = fmt.Sprintf("Consumer returned status %d", resp.StatusCode)
		return attempt, resp.Header, fmt.Errorf("consumer returned status %d", resp.StatusCode)
	}

	return attempt, resp.Header, nil
}

// CircuitState returns the current circuit breaker state
func (d *Dispatcher) CircuitState() string {
	return d.circuitBreaker.State().String()
}
