// Package jobservice selects the JobService implementation named in config.
package jobservice

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/etlpilot/internal/config"
	"github.com/kiranshivaraju/etlpilot/internal/jobservice/glue"
	"github.com/kiranshivaraju/etlpilot/internal/jobservice/memory"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
)

// New constructs the job service named by cfg.Kind.
// Called once at startup.
func New(ctx context.Context, cfg config.JobServiceConfig) (models.JobService, error) {
	switch cfg.Kind {
	case "glue":
		if cfg.Region == "" {
			return nil, fmt.Errorf("glue job service requires a region")
		}
		svc, err := glue.New(ctx, cfg.Region, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		return svc, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown job service %q: must be one of glue, memory", cfg.Kind)
	}
}
