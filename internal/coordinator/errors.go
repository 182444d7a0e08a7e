package coordinator

import "fmt"

// EmissionFailureError is returned when a completed run could not be delivered
// downstream after the egress retries were exhausted. The run stays completed
// and is re-driven by a redelivered event, the reaper, or an operator.
type EmissionFailureError struct {
	RunID          string
	IdempotencyKey string
	Err            error
}

func (e *EmissionFailureError) Error() string {
	return fmt.Sprintf("emission of run %s (idempotency key %s) failed: %v", e.RunID, e.IdempotencyKey, e.Err)
}

func (e *EmissionFailureError) Unwrap() error {
	return e.Err
}
