// Package stage drives one asynchronous external operation (a crawl or a
// transform job) from start to a terminal state.
//
// Start and Poll are single-shot primitives. DriveToTerminal loops over Poll
// in-process under a Policy; the entry point package exposes the same
// primitives for callers that re-invoke polls from an external timer.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/etlpilot/internal/metrics"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
)

// Driver is safe for concurrent use. It holds no per-run state; poll counts
// live on the stack of each DriveToTerminal call.
type Driver struct {
	svc models.JobService
	now func() time.Time
}

// NewDriver creates a Driver over the given job service.
func NewDriver(svc models.JobService) *Driver {
	return &Driver{svc: svc, now: time.Now}
}

// Service returns the underlying job service.
func (d *Driver) Service() models.JobService {
	return d.svc
}

// Start begins an operation of the given kind. A rejected start is not
// retried.
func (d *Driver) Start(ctx context.Context, kind models.Kind, params models.StartParams) (models.JobHandle, error) {
	var (
		handle models.JobHandle
		err    error
	)
	switch kind {
	case models.KindCrawl:
		handle, err = d.svc.StartCrawl(ctx, params)
	case models.KindTransform:
		handle, err = d.svc.StartJob(ctx, params)
	default:
		return models.JobHandle{}, &StartFailedError{Kind: kind, Cause: fmt.Errorf("unknown stage kind %q", kind)}
	}
	if err != nil {
		slog.Warn("stage start rejected", "kind", kind, "name", params.Name, "error", err)
		return models.JobHandle{}, &StartFailedError{Kind: kind, Cause: err}
	}
	if handle.Kind == "" {
		handle.Kind = kind
	}

	slog.Info("stage started", "kind", kind, "name", params.Name, "handle_id", handle.ID)
	return handle, nil
}

// Poll queries the status of handle once. attempt is recorded on the returned
// status. A NotFound answer gets exactly one immediate re-check; a second
// NotFound is reported as StateFailed with Cause ErrHandleLost. A transport
// failure returns *PollFailedError; a handle the service rejects without
// being contacted returns an error wrapping models.ErrInvalidHandle.
func (d *Driver) Poll(ctx context.Context, handle models.JobHandle, attempt int) (models.JobStatus, error) {
	status, err := d.query(ctx, handle)
	if err != nil {
		return models.JobStatus{}, err
	}

	if status.State == models.StateNotFound {
		// Absorbs read-after-write lag right after a start.
		status, err = d.query(ctx, handle)
		if err != nil {
			return models.JobStatus{}, err
		}
		if status.State == models.StateNotFound {
			status = models.JobStatus{
				State:  models.StateFailed,
				Detail: fmt.Sprintf("%s %s not found after re-check", handle.Kind, handle.ID),
				Cause:  ErrHandleLost,
			}
		}
	}

	status.Attempt = attempt
	return status, nil
}

func (d *Driver) query(ctx context.Context, handle models.JobHandle) (models.JobStatus, error) {
	var (
		status models.JobStatus
		err    error
	)
	switch handle.Kind {
	case models.KindCrawl:
		status, err = d.svc.GetCrawlStatus(ctx, handle)
	case models.KindTransform:
		status, err = d.svc.GetJobStatus(ctx, handle)
	default:
		err = fmt.Errorf("%w: unknown stage kind %q", models.ErrInvalidHandle, handle.Kind)
	}
	if errors.Is(err, models.ErrInvalidHandle) {
		metrics.ObservePoll(string(handle.Kind), "invalid_handle")
		return models.JobStatus{}, fmt.Errorf("poll %s %s: %w", handle.Kind, handle.ID, err)
	}
	if err != nil {
		metrics.ObservePoll(string(handle.Kind), "transport_error")
		return models.JobStatus{}, &PollFailedError{Handle: handle, Cause: err}
	}

	metrics.ObservePoll(string(handle.Kind), string(status.State))
	return status, nil
}

// DriveToTerminal polls handle until it succeeds, fails, or exceeds
// policy.MaxElapsed. Running out of budget yields FinalTimedOut; the external
// operation is not cancelled.
//
// The returned error is non-nil only when ctx is done or policy is invalid.
// Abandoning a drive stops polling and nothing else.
func (d *Driver) DriveToTerminal(ctx context.Context, handle models.JobHandle, policy Policy) (models.StageResult, error) {
	if err := policy.Validate(); err != nil {
		return models.StageResult{}, fmt.Errorf("invalid poll policy: %w", err)
	}

	start := d.now()
	schedule := policy.newBackOff()
	log := slog.With("kind", handle.Kind, "handle_id", handle.ID)

	var (
		polls             int
		transportFailures int
		last              *models.JobStatus
	)

	for {
		if err := ctx.Err(); err != nil {
			log.Info("stage drive abandoned", "poll_count", polls)
			return models.StageResult{}, err
		}

		polls++
		status, err := d.Poll(ctx, handle, polls)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				log.Info("stage drive abandoned", "poll_count", polls)
				return models.StageResult{}, ctx.Err()
			}
			if errors.Is(err, models.ErrInvalidHandle) {
				return d.finish(handle, models.FinalFailed, polls, start, last, err), nil
			}
			transportFailures++
			log.Warn("stage poll failed", "attempt", polls, "consecutive_failures", transportFailures, "error", err)
			if transportFailures > policy.MaxPollRetries {
				return d.finish(handle, models.FinalFailed, polls, start, last, err), nil
			}
		default:
			transportFailures = 0
			last = &status
			switch status.State {
			case models.StateSucceeded:
				return d.finish(handle, models.FinalSucceeded, polls, start, last, nil), nil
			case models.StateFailed:
				cause := status.Cause
				if cause == nil {
					cause = &JobFailedError{Handle: handle, Detail: status.Detail}
				}
				return d.finish(handle, models.FinalFailed, polls, start, last, cause), nil
			}
			log.Debug("stage still running", "attempt", polls, "state", status.State)
		}

		elapsed := d.now().Sub(start)
		remaining := policy.MaxElapsed - elapsed
		if remaining <= 0 {
			return d.finish(handle, models.FinalTimedOut, polls, start, last, ErrTimedOut), nil
		}

		delay := schedule.NextBackOff()
		if delay > remaining {
			delay = remaining
		}
		if err := sleep(ctx, delay); err != nil {
			log.Info("stage drive abandoned", "poll_count", polls)
			return models.StageResult{}, err
		}
	}
}

func (d *Driver) finish(handle models.JobHandle, state models.FinalState, polls int, start time.Time, last *models.JobStatus, err error) models.StageResult {
	elapsed := d.now().Sub(start)
	res := models.StageResult{
		Handle:     handle,
		FinalState: state,
		PollCount:  polls,
		Elapsed:    elapsed,
		LastStatus: last,
	}
	if err != nil {
		res.Err = err
		res.ErrorCode = ErrorCode(err)
		res.Detail = err.Error()
	}

	metrics.ObserveStage(string(handle.Kind), string(state), elapsed)

	attrs := []any{
		"kind", handle.Kind,
		"handle_id", handle.ID,
		"final_state", state,
		"poll_count", polls,
		"elapsed_ms", elapsed.Milliseconds(),
	}
	if err != nil {
		slog.Warn("stage finished", append(attrs, "error", err)...)
	} else {
		slog.Info("stage finished", attrs...)
	}
	return res
}

// StartFailedResult describes a stage whose start was rejected. It has no
// polls because nothing was started.
func StartFailedResult(kind models.Kind, name string, err error) models.StageResult {
	return models.StageResult{
		Handle:     models.JobHandle{Kind: kind, Name: name},
		FinalState: models.FinalFailed,
		Err:        err,
		ErrorCode:  ErrorCode(err),
		Detail:     err.Error(),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
