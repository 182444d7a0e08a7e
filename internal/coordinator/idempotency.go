package coordinator

import (
	"github.com/google/uuid"

	"github.com/dandantas/gatekeeper/internal/model"
)

var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/dandantas/gatekeeper/"+model.EventTypeCoverageRatio))

// IdempotencyKey derives the stable delivery key of a run's coverage_ratio event
func IdempotencyKey(runID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(model.EventTypeCoverageRatio+"/"+runID)).String()
}
