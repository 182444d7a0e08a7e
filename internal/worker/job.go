package worker

import (
	"context"

	"github.com/dandantas/gatekeeper/internal/coordinator"
	"github.com/dandantas/gatekeeper/internal/model"
)

// Job is one normalized notification waiting to be applied to its run
type Job struct {
	Index   int // position in the submitting batch
	Event   model.Event
	Context context.Context
	Async   bool // If true, no result is reported back

	reply chan<- Result
}

// Result is the outcome of a processed job
type Result struct {
	Index  int
	Result coordinator.Result
	Error  error
}
