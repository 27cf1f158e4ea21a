package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlpilot/internal/cache"
	"github.com/kiranshivaraju/etlpilot/internal/config"
	"github.com/kiranshivaraju/etlpilot/internal/store"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
)

var (
	ErrUnknownPipeline = errors.New("unknown pipeline")
	ErrShuttingDown    = errors.New("pipeline service is shutting down")
)

// TriggerRequest asks for one run of a configured pipeline.
type TriggerRequest struct {
	Pipeline     string            `json:"pipeline"`
	JobArguments map[string]string `json:"job_arguments,omitempty"`
}

// Service runs pipelines in the background and records their progress in
// the store, with run status mirrored to the cache.
type Service struct {
	orch      *Orchestrator
	pipelines map[string]config.PipelineDef
	store     store.Store
	cache     cache.Cache
	statusTTL time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// NewService creates a Service. Runs it starts are bound to an internal
// context cancelled by Shutdown.
func NewService(orch *Orchestrator, pipelines map[string]config.PipelineDef, st store.Store, ca cache.Cache, statusTTL time.Duration) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		orch:      orch,
		pipelines: pipelines,
		store:     st,
		cache:     ca,
		statusTTL: statusTTL,
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Pipelines returns the configured pipeline names, sorted.
func (s *Service) Pipelines() []string {
	names := make([]string, 0, len(s.pipelines))
	for name := range s.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Trigger persists a pending run and starts it in a background goroutine.
// Returns the run immediately without waiting for any stage.
func (s *Service) Trigger(ctx context.Context, req TriggerRequest) (*models.PipelineRun, error) {
	def, ok := s.pipelines[req.Pipeline]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, req.Pipeline)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	now := time.Now().UTC()
	run := &models.PipelineRun{
		ID:          uuid.New(),
		Pipeline:    def.Name,
		Status:      models.RunStatusPending,
		CrawlParams: models.StartParams{Name: def.Crawler},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		s.wg.Done()
		return nil, fmt.Errorf("creating run: %w", err)
	}

	s.cacheStatus(ctx, run.ID, models.RunStatusPending)

	go s.execute(run.ID, run.CrawlParams, DefaultJobParams(def, req.JobArguments))

	slog.Info("pipeline run triggered", "run_id", run.ID, "pipeline", def.Name)
	return run, nil
}

// execute drives one run to completion. It recovers from panics and always
// leaves the run done or abandoned.
func (s *Service) execute(runID uuid.UUID, crawlParams models.StartParams, build JobParamsBuilder) {
	defer s.wg.Done()

	// Store writes outlive the run context so an abandoned run is still recorded.
	writeCtx := context.Background()
	log := slog.With("run_id", runID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in pipeline run", "error", r)
			s.setStatus(writeCtx, runID, models.RunStatusAbandoned,
				store.WithErrorMessage(fmt.Sprintf("panic: %v", r)))
		}
	}()

	hooks := Hooks{
		StageStarted: func(_ context.Context, h models.JobHandle) {
			switch h.Kind {
			case models.KindCrawl:
				s.setStatus(writeCtx, runID, models.RunStatusAwaitingCrawl, store.WithCrawlHandle(h))
			case models.KindTransform:
				s.setStatus(writeCtx, runID, models.RunStatusAwaitingJob, store.WithJobHandle(h))
			}
		},
	}

	res, err := s.orch.WithHooks(hooks).Run(s.baseCtx, crawlParams, build)
	if err != nil {
		log.Warn("pipeline run abandoned", "error", err)
		s.setStatus(writeCtx, runID, models.RunStatusAbandoned,
			store.WithErrorMessage(fmt.Sprintf("abandoned: %v", err)))
		return
	}

	opts := []store.RunUpdateOption{store.WithResult(res)}
	if failed := res.FailedStage(); failed != nil {
		opts = append(opts, store.WithErrorMessage(failed.Detail))
	}
	s.setStatus(writeCtx, runID, models.RunStatusDone, opts...)
}

func (s *Service) setStatus(ctx context.Context, runID uuid.UUID, status models.RunStatus, opts ...store.RunUpdateOption) {
	if err := s.store.UpdateRunStatus(ctx, runID, status, opts...); err != nil {
		slog.Error("recording run status", "run_id", runID, "status", status, "error", err)
		return
	}
	s.cacheStatus(ctx, runID, status)
}

// cacheStatus mirrors status to the cache. The store stays authoritative, so
// a cache failure is only logged.
func (s *Service) cacheStatus(ctx context.Context, runID uuid.UUID, status models.RunStatus) {
	if err := s.cache.SetRunStatus(ctx, runID, status, s.statusTTL); err != nil {
		slog.Warn("caching run status", "run_id", runID, "status", status, "error", err)
	}
}

// Get returns the full run record.
func (s *Service) Get(ctx context.Context, runID uuid.UUID) (*models.PipelineRun, error) {
	return s.store.GetRun(ctx, runID)
}

// Status returns the run's status, from the cache when possible.
func (s *Service) Status(ctx context.Context, runID uuid.UUID) (models.RunStatus, error) {
	status, ok, err := s.cache.GetRunStatus(ctx, runID)
	if err != nil {
		slog.Warn("reading cached run status", "run_id", runID, "error", err)
	} else if ok {
		return status, nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	s.cacheStatus(ctx, runID, run.Status)
	return run.Status, nil
}

// List returns one page of runs and the total matching filter.
func (s *Service) List(ctx context.Context, filter store.RunFilter) ([]*models.PipelineRun, int, error) {
	return s.store.ListRuns(ctx, filter)
}

// RecoverOrphans abandons runs left unfinished by a previous process. Their
// goroutines are gone, so nothing would ever finish them.
func (s *Service) RecoverOrphans(ctx context.Context) (int64, error) {
	n, err := s.store.AbandonUnfinishedRuns(ctx, "abandoned: server restarted while run was in progress")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("abandoned orphaned pipeline runs", "count", n)
	}
	return n, nil
}

// Shutdown stops polling for every in-flight run and waits for their
// goroutines to record the abandonment, or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
