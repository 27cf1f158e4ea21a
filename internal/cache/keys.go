package cache

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
)

func RunStatusKey(runID uuid.UUID) string {
	return fmt.Sprintf("run:%s", runID)
}

// StageStatusKey is scoped by kind so a crawl and a job run that happen to
// share an id never collide.
func StageStatusKey(handle models.JobHandle) string {
	return fmt.Sprintf("stage:%s:%s", handle.Kind, handle.ID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
