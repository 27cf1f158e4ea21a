package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/etlpilot/internal/api/middleware"
	"github.com/kiranshivaraju/etlpilot/internal/api/response"
	"github.com/kiranshivaraju/etlpilot/internal/pipeline"
	"github.com/kiranshivaraju/etlpilot/internal/store"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
)

// Pipelines is the async pipeline-run service the handlers depend on.
type Pipelines interface {
	Pipelines() []string
	Trigger(ctx context.Context, req pipeline.TriggerRequest) (*models.PipelineRun, error)
	Get(ctx context.Context, runID uuid.UUID) (*models.PipelineRun, error)
	Status(ctx context.Context, runID uuid.UUID) (models.RunStatus, error)
	List(ctx context.Context, filter store.RunFilter) ([]*models.PipelineRun, int, error)
}

var _ Pipelines = (*pipeline.Service)(nil)

// NewTriggerPipelineHandler returns an http.HandlerFunc for
// POST /api/v1/pipelines. The run continues after the response; clients poll
// GET /api/v1/pipelines/{runID}.
func NewTriggerPipelineHandler(svc Pipelines) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.TriggerRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Pipeline == "" {
			req.Pipeline = defaultPipeline(svc)
		}
		if req.Pipeline == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "pipeline is required", nil)
			return
		}

		run, err := svc.Trigger(r.Context(), req)
		if err != nil {
			switch {
			case errors.Is(err, pipeline.ErrUnknownPipeline):
				response.Error(w, http.StatusBadRequest, "UNKNOWN_PIPELINE",
					"No pipeline is configured with that name",
					map[string]any{"pipelines": svc.Pipelines()})
			case errors.Is(err, pipeline.ErrShuttingDown):
				response.Error(w, http.StatusServiceUnavailable, "SHUTTING_DOWN",
					"The server is shutting down", nil)
			default:
				slog.Error("triggering pipeline", "pipeline", req.Pipeline, "error", err)
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		prefix, _ := mw.GetKeyPrefix(r)
		slog.Info("pipeline triggered", "run_id", run.ID, "pipeline", run.Pipeline, "key_prefix", prefix)
		response.Accepted(w, run)
	}
}

// NewGetRunHandler returns an http.HandlerFunc for
// GET /api/v1/pipelines/{runID}.
func NewGetRunHandler(svc Pipelines) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, ok := parseRunID(w, r)
		if !ok {
			return
		}

		run, err := svc.Get(r.Context(), runID)
		if err != nil {
			writeRunLookupError(w, err)
			return
		}
		response.JSON(w, run)
	}
}

// NewRunStatusHandler returns an http.HandlerFunc for
// GET /api/v1/pipelines/{runID}/status. It is served from the cache when
// possible, so frequent pollers should prefer it over the full record.
func NewRunStatusHandler(svc Pipelines) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, ok := parseRunID(w, r)
		if !ok {
			return
		}

		status, err := svc.Status(r.Context(), runID)
		if err != nil {
			writeRunLookupError(w, err)
			return
		}
		response.JSON(w, runStatusResponse{
			RunID:    runID,
			Status:   status,
			Finished: status == models.RunStatusDone || status == models.RunStatusAbandoned,
		})
	}
}

// NewListRunsHandler returns an http.HandlerFunc for GET /api/v1/pipelines.
func NewListRunsHandler(svc Pipelines) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.RunFilter{
			Pipeline: q.Get("pipeline"),
			Status:   models.RunStatus(q.Get("status")),
		}
		if filter.Status != "" && !validRunStatus(filter.Status) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status filter", nil)
			return
		}
		var err error
		if filter.Page, err = optionalInt(q.Get("page")); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be an integer", nil)
			return
		}
		if filter.Limit, err = optionalInt(q.Get("limit")); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be an integer", nil)
			return
		}
		filter = filter.Normalize()

		runs, total, err := svc.List(r.Context(), filter)
		if err != nil {
			slog.Error("listing pipeline runs", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		if runs == nil {
			runs = []*models.PipelineRun{}
		}
		response.Collection(w, runs, response.NewPaginationMeta(filter.Page, filter.Limit, total))
	}
}

// NewListPipelinesHandler returns an http.HandlerFunc for
// GET /api/v1/pipelines/definitions.
func NewListPipelinesHandler(svc Pipelines) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, map[string][]string{"pipelines": svc.Pipelines()})
	}
}

type runStatusResponse struct {
	RunID    uuid.UUID        `json:"run_id"`
	Status   models.RunStatus `json:"status"`
	Finished bool             `json:"finished"`
}

// defaultPipeline picks the only configured pipeline, if there is exactly one.
func defaultPipeline(svc Pipelines) string {
	names := svc.Pipelines()
	if len(names) == 1 {
		return names[0]
	}
	return ""
}

func parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_RUN_ID", "Invalid run ID format", nil)
		return uuid.Nil, false
	}
	return runID, true
}

func writeRunLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "RUN_NOT_FOUND", "Run not found", nil)
		return
	}
	slog.Error("reading pipeline run", "error", err)
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
		"An unexpected error occurred", nil)
}

func validRunStatus(s models.RunStatus) bool {
	switch s {
	case models.RunStatusPending, models.RunStatusAwaitingCrawl, models.RunStatusAwaitingJob,
		models.RunStatusDone, models.RunStatusAbandoned:
		return true
	}
	return false
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
