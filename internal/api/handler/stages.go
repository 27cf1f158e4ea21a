package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/etlpilot/internal/api/response"
	"github.com/kiranshivaraju/etlpilot/internal/entrypoint"
	"github.com/kiranshivaraju/etlpilot/internal/stage"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
)

const maxBodyBytes = 1 << 20

// EntryPoints is the single-shot stage API the handlers depend on.
type EntryPoints interface {
	StartCrawl(ctx context.Context, req entrypoint.StartCrawlRequest) (entrypoint.StartResponse, error)
	StartJob(ctx context.Context, req entrypoint.StartJobRequest) (entrypoint.StartResponse, error)
	PollCrawl(ctx context.Context, req entrypoint.PollRequest) (entrypoint.PollResponse, error)
	PollJob(ctx context.Context, req entrypoint.PollRequest) (entrypoint.PollResponse, error)
}

var _ EntryPoints = (*entrypoint.EntryPoints)(nil)

// NewStartCrawlHandler returns an http.HandlerFunc for POST /api/v1/crawls.
func NewStartCrawlHandler(ep EntryPoints) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req entrypoint.StartCrawlRequest
		if !decodeBody(w, r, &req) {
			return
		}
		resp, err := ep.StartCrawl(r.Context(), req)
		writeStart(w, resp, err)
	}
}

// NewStartJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewStartJobHandler(ep EntryPoints) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req entrypoint.StartJobRequest
		if !decodeBody(w, r, &req) {
			return
		}
		resp, err := ep.StartJob(r.Context(), req)
		writeStart(w, resp, err)
	}
}

// NewPollCrawlHandler returns an http.HandlerFunc for
// GET /api/v1/crawls/{handleID}.
func NewPollCrawlHandler(ep EntryPoints) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := pollRequest(w, r, models.KindCrawl)
		if !ok {
			return
		}
		resp, err := ep.PollCrawl(r.Context(), req)
		writePoll(w, resp, err)
	}
}

// NewPollJobHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{handleID}.
func NewPollJobHandler(ep EntryPoints) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := pollRequest(w, r, models.KindTransform)
		if !ok {
			return
		}
		resp, err := ep.PollJob(r.Context(), req)
		writePoll(w, resp, err)
	}
}

func writeStart(w http.ResponseWriter, resp entrypoint.StartResponse, err error) {
	switch {
	case err == nil:
		response.Created(w, resp)
	case errors.Is(err, entrypoint.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", resp.Error, nil)
	case resp.Status == entrypoint.StatusAlreadyRunning:
		response.Error(w, http.StatusConflict, entrypoint.StatusAlreadyRunning,
			"The target is already running a start this API did not issue", resp)
	default:
		response.Error(w, http.StatusBadGateway, stage.CodeStartFailed,
			"The job service rejected the start", resp)
	}
}

func writePoll(w http.ResponseWriter, resp entrypoint.PollResponse, err error) {
	var pollErr *stage.PollFailedError
	switch {
	case err == nil:
		if !resp.Terminal {
			response.RetryAfter(w, secondsToDuration(resp.RetryAfter))
		}
		response.JSON(w, resp)
	case errors.Is(err, entrypoint.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", resp.Error, nil)
	case errors.As(err, &pollErr):
		response.RetryAfter(w, secondsToDuration(resp.RetryAfter))
		response.Error(w, http.StatusBadGateway, stage.CodePollFailed,
			"The job service could not be reached", resp)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// pollRequest rebuilds the handle from the path and query. started_at accepts
// RFC3339 or unix milliseconds, the two forms handles are serialized in.
func pollRequest(w http.ResponseWriter, r *http.Request, kind models.Kind) (entrypoint.PollRequest, bool) {
	q := r.URL.Query()
	handle := models.JobHandle{
		ID:   chi.URLParam(r, "handleID"),
		Kind: kind,
		Name: q.Get("name"),
	}

	if raw := q.Get("started_at"); raw != "" {
		startedAt, err := parseStartedAt(raw)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"started_at must be RFC3339 or unix milliseconds", nil)
			return entrypoint.PollRequest{}, false
		}
		handle.StartedAt = startedAt
	}

	attempt := 1
	if raw := q.Get("attempt"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"attempt must be a positive integer", nil)
			return entrypoint.PollRequest{}, false
		}
		attempt = n
	}

	return entrypoint.PollRequest{Handle: handle, Attempt: attempt}, true
}

func parseStartedAt(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	return true
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
