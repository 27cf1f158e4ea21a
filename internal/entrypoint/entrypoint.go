// Package entrypoint exposes the stage primitives as four single-shot
// operations for an external scheduler that re-invokes them on a timer:
// start-crawl, poll-crawl, start-job and poll-job. None of them loop.
//
// Callers using these instead of the in-process pipeline own the sequencing:
// start-job must be called only after poll-crawl has returned a terminal
// status of succeeded. Nothing here checks that a crawl preceded a job.
package entrypoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/etlpilot/internal/cache"
	"github.com/kiranshivaraju/etlpilot/internal/stage"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
)

// Start outcomes, as reported to the scheduler.
const (
	StatusStarted        = "STARTED"
	StatusAlreadyRunning = "ALREADY_RUNNING"
	StatusError          = "ERROR"
)

// ErrInvalidRequest is returned for requests missing a required field.
var ErrInvalidRequest = errors.New("invalid request")

type StartCrawlRequest struct {
	CrawlerName string `json:"crawler_name"`
}

type StartJobRequest struct {
	JobName   string            `json:"job_name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

type StartResponse struct {
	Status    string            `json:"status"`
	Name      string            `json:"name"`
	Handle    *models.JobHandle `json:"handle,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// PollRequest carries the handle returned by a start call. Attempt is the
// 1-based poll number; the scheduler passes back NextAttempt from the
// previous response.
type PollRequest struct {
	Handle  models.JobHandle `json:"handle"`
	Attempt int              `json:"attempt"`
}

type PollResponse struct {
	Handle      models.JobHandle `json:"handle"`
	Status      models.JobStatus `json:"status"`
	Terminal    bool             `json:"terminal"`
	TimedOut    bool             `json:"timed_out,omitempty"`
	NextAttempt int              `json:"next_attempt,omitempty"`
	RetryAfter  float64          `json:"retry_after_seconds,omitempty"`
	ErrorCode   string           `json:"error_code,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// EntryPoints is stateless apart from the optional status memo.
type EntryPoints struct {
	driver  *stage.Driver
	policy  stage.Policy
	memo    cache.Cache
	memoTTL time.Duration
	now     func() time.Time
}

// Option configures EntryPoints.
type Option func(*EntryPoints)

// WithStatusMemo serves repeat polls of a handle from c once a terminal
// status has been seen for it.
func WithStatusMemo(c cache.Cache, ttl time.Duration) Option {
	return func(e *EntryPoints) {
		e.memo = c
		e.memoTTL = ttl
	}
}

// New creates EntryPoints. policy supplies the retry_after schedule and the
// elapsed budget reported as timed_out.
func New(driver *stage.Driver, policy stage.Policy, opts ...Option) *EntryPoints {
	e := &EntryPoints{driver: driver, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartCrawl starts a crawl and returns its handle without polling.
func (e *EntryPoints) StartCrawl(ctx context.Context, req StartCrawlRequest) (StartResponse, error) {
	if req.CrawlerName == "" {
		return StartResponse{Status: StatusError, Error: "crawler_name is required"},
			fmt.Errorf("%w: crawler_name is required", ErrInvalidRequest)
	}
	return e.start(ctx, models.KindCrawl, models.StartParams{Name: req.CrawlerName})
}

// StartJob starts a transform job and returns its handle without polling.
func (e *EntryPoints) StartJob(ctx context.Context, req StartJobRequest) (StartResponse, error) {
	if req.JobName == "" {
		return StartResponse{Status: StatusError, Error: "job_name is required"},
			fmt.Errorf("%w: job_name is required", ErrInvalidRequest)
	}
	return e.start(ctx, models.KindTransform, models.StartParams{Name: req.JobName, Arguments: req.Arguments})
}

func (e *EntryPoints) start(ctx context.Context, kind models.Kind, params models.StartParams) (StartResponse, error) {
	handle, err := e.driver.Start(ctx, kind, params)
	if err != nil {
		resp := StartResponse{
			Status:    StatusError,
			Name:      params.Name,
			ErrorCode: stage.ErrorCode(err),
			Error:     err.Error(),
		}
		if errors.Is(err, models.ErrAlreadyRunning) {
			resp.Status = StatusAlreadyRunning
		}
		return resp, err
	}
	return StartResponse{Status: StatusStarted, Name: params.Name, Handle: &handle}, nil
}

// PollCrawl checks a crawl handle once.
func (e *EntryPoints) PollCrawl(ctx context.Context, req PollRequest) (PollResponse, error) {
	return e.poll(ctx, models.KindCrawl, req)
}

// PollJob checks a transform handle once.
func (e *EntryPoints) PollJob(ctx context.Context, req PollRequest) (PollResponse, error) {
	return e.poll(ctx, models.KindTransform, req)
}

func (e *EntryPoints) poll(ctx context.Context, kind models.Kind, req PollRequest) (PollResponse, error) {
	handle := req.Handle
	if handle.ID == "" {
		return PollResponse{Handle: handle, Error: "handle.id is required"},
			fmt.Errorf("%w: handle.id is required", ErrInvalidRequest)
	}
	if handle.Kind == "" {
		handle.Kind = kind
	}
	if handle.Kind != kind {
		return PollResponse{Handle: handle, Error: "wrong handle kind"},
			fmt.Errorf("%w: handle %s is a %s, not a %s", ErrInvalidRequest, handle.ID, handle.Kind, kind)
	}

	attempt := req.Attempt
	if attempt < 1 {
		attempt = 1
	}

	if status, ok := e.memoized(ctx, handle); ok {
		status.Attempt = attempt
		return e.respond(handle, status, attempt), nil
	}

	status, err := e.driver.Poll(ctx, handle, attempt)
	if errors.Is(err, models.ErrInvalidHandle) {
		return PollResponse{
			Handle:    handle,
			ErrorCode: stage.ErrorCode(err),
			Error:     err.Error(),
		}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err != nil {
		return PollResponse{
			Handle:      handle,
			NextAttempt: attempt + 1,
			RetryAfter:  e.policy.DelayFor(attempt).Seconds(),
			ErrorCode:   stage.ErrorCode(err),
			Error:       err.Error(),
		}, err
	}

	if status.State.Terminal() && status.Cause == nil && e.memo != nil {
		if err := e.memo.SetStageStatus(ctx, handle, status, e.memoTTL); err != nil {
			slog.Warn("memoizing stage status", "handle_id", handle.ID, "error", err)
		}
	}
	return e.respond(handle, status, attempt), nil
}

func (e *EntryPoints) memoized(ctx context.Context, handle models.JobHandle) (models.JobStatus, bool) {
	if e.memo == nil {
		return models.JobStatus{}, false
	}
	status, ok, err := e.memo.GetStageStatus(ctx, handle)
	if err != nil {
		slog.Warn("reading stage status memo", "handle_id", handle.ID, "error", err)
		return models.JobStatus{}, false
	}
	return status, ok
}

func (e *EntryPoints) respond(handle models.JobHandle, status models.JobStatus, attempt int) PollResponse {
	resp := PollResponse{Handle: handle, Status: status}

	switch status.State {
	case models.StateSucceeded:
		resp.Terminal = true
	case models.StateFailed:
		resp.Terminal = true
		cause := status.Cause
		if cause == nil {
			cause = &stage.JobFailedError{Handle: handle, Detail: status.Detail}
		}
		resp.ErrorCode = stage.ErrorCode(cause)
		resp.Error = cause.Error()
	default:
		if !handle.StartedAt.IsZero() && e.now().Sub(handle.StartedAt) >= e.policy.MaxElapsed {
			resp.Terminal = true
			resp.TimedOut = true
			resp.ErrorCode = stage.CodeTimedOut
			resp.Error = stage.ErrTimedOut.Error()
			return resp
		}
		resp.NextAttempt = attempt + 1
		resp.RetryAfter = e.policy.DelayFor(attempt).Seconds()
	}
	return resp
}
