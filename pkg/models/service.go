package models

import (
	"context"
	"errors"
)

// ErrAlreadyRunning is wrapped by a JobService start call when the target is
// busy with a run the caller did not start. No handle is issued for it.
var ErrAlreadyRunning = errors.New("already running")

// ErrInvalidHandle is wrapped by a JobService status call that rejects the
// handle without contacting the service. Retrying the same handle cannot
// succeed, so it is never a transport failure.
var ErrInvalidHandle = errors.New("invalid handle")

// StartParams names the external resource to start and the arguments to pass.
type StartParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// JobService is the external asynchronous system that runs crawls and
// transform jobs. Implementations return a transport-level error only when
// the service could not be reached or did not answer; a job that ran and
// failed is reported as a JobStatus with StateFailed.
type JobService interface {
	StartCrawl(ctx context.Context, params StartParams) (JobHandle, error)
	GetCrawlStatus(ctx context.Context, handle JobHandle) (JobStatus, error)
	StartJob(ctx context.Context, params StartParams) (JobHandle, error)
	GetJobStatus(ctx context.Context, handle JobHandle) (JobStatus, error)
	// Name returns the service identifier (e.g., "glue", "memory").
	Name() string
}
