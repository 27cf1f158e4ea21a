package stage

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/etlpilot/pkg/models"
)

// Stable error codes surfaced in StageResult.ErrorCode and API responses.
const (
	CodeStartFailed = "START_FAILED"
	CodePollFailed  = "POLL_FAILED"
	CodeHandleLost  = "HANDLE_LOST"
	CodeJobFailed   = "JOB_FAILED"
	CodeTimedOut    = "TIMED_OUT"

	CodeInvalidHandle = "INVALID_HANDLE"
)

var (
	// ErrHandleLost means the service answered NotFound twice in a row for a
	// handle it had already issued.
	ErrHandleLost = errors.New("handle lost")

	// ErrTimedOut marks a stage that outlived the policy's MaxElapsed budget.
	// The external operation may still be running.
	ErrTimedOut = errors.New("stage timed out")
)

// StartFailedError is returned when the service rejects a start request.
type StartFailedError struct {
	Kind  models.Kind
	Cause error
}

func (e *StartFailedError) Error() string {
	return fmt.Sprintf("start %s failed: %v", e.Kind, e.Cause)
}

func (e *StartFailedError) Unwrap() error { return e.Cause }

// PollFailedError is a transport-level failure while checking status. It is
// distinct from the service reporting StateFailed.
type PollFailedError struct {
	Handle models.JobHandle
	Cause  error
}

func (e *PollFailedError) Error() string {
	return fmt.Sprintf("poll %s %s failed: %v", e.Handle.Kind, e.Handle.ID, e.Cause)
}

func (e *PollFailedError) Unwrap() error { return e.Cause }

// JobFailedError reports an operation that reached the service's failed state.
type JobFailedError struct {
	Handle models.JobHandle
	Detail string
}

func (e *JobFailedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s failed", e.Handle.Kind, e.Handle.ID)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Handle.Kind, e.Handle.ID, e.Detail)
}

// ErrorCode maps a stage error to its stable code. It returns "" for nil.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var startErr *StartFailedError
	var pollErr *PollFailedError
	var jobErr *JobFailedError
	switch {
	case errors.Is(err, ErrTimedOut):
		return CodeTimedOut
	case errors.Is(err, ErrHandleLost):
		return CodeHandleLost
	case errors.Is(err, models.ErrInvalidHandle):
		return CodeInvalidHandle
	case errors.As(err, &startErr):
		return CodeStartFailed
	case errors.As(err, &pollErr):
		return CodePollFailed
	case errors.As(err, &jobErr):
		return CodeJobFailed
	default:
		return CodeJobFailed
	}
}
