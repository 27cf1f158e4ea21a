// Package memory provides a scripted in-process JobService. Every started
// handle replays its kind's script one step per status query; the last step
// repeats forever, so statuses are stable once terminal.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
)

// Step is one scripted answer to a status query. A non-nil Err is returned as
// a transport failure.
type Step struct {
	State  models.State
	Detail string
	Err    error
}

// Running, Succeeded, Failed and NotFound build common steps.
func Running() Step             { return Step{State: models.StateRunning} }
func Succeeded() Step           { return Step{State: models.StateSucceeded} }
func Failed(detail string) Step { return Step{State: models.StateFailed, Detail: detail} }
func NotFound() Step            { return Step{State: models.StateNotFound} }

// Unreachable returns a step that fails at the transport level.
func Unreachable(err error) Step { return Step{Err: err} }

// Service satisfies models.JobService for tests and local runs.
type Service struct {
	mu       sync.Mutex
	scripts  map[models.Kind][]Step
	startErr map[models.Kind]error
	runs     map[string]*run
	started  []models.JobHandle
	queries  int
}

type run struct {
	handle models.JobHandle
	params models.StartParams
	next   int
}

// Option configures a Service.
type Option func(*Service)

// WithCrawlScript sets the steps replayed for every crawl handle.
func WithCrawlScript(steps ...Step) Option {
	return func(s *Service) { s.scripts[models.KindCrawl] = steps }
}

// WithJobScript sets the steps replayed for every transform handle.
func WithJobScript(steps ...Step) Option {
	return func(s *Service) { s.scripts[models.KindTransform] = steps }
}

// WithStartError makes every start of kind fail with err.
func WithStartError(kind models.Kind, err error) Option {
	return func(s *Service) { s.startErr[kind] = err }
}

// New returns a Service whose default scripts succeed after one running poll.
func New(opts ...Option) *Service {
	s := &Service{
		scripts: map[models.Kind][]Step{
			models.KindCrawl:     {Running(), Succeeded()},
			models.KindTransform: {Running(), Succeeded()},
		},
		startErr: make(map[models.Kind]error),
		runs:     make(map[string]*run),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Name() string { return "memory" }

func (s *Service) StartCrawl(_ context.Context, params models.StartParams) (models.JobHandle, error) {
	return s.start(models.KindCrawl, params)
}

func (s *Service) StartJob(_ context.Context, params models.StartParams) (models.JobHandle, error) {
	return s.start(models.KindTransform, params)
}

func (s *Service) GetCrawlStatus(ctx context.Context, handle models.JobHandle) (models.JobStatus, error) {
	return s.status(ctx, models.KindCrawl, handle)
}

func (s *Service) GetJobStatus(ctx context.Context, handle models.JobHandle) (models.JobStatus, error) {
	return s.status(ctx, models.KindTransform, handle)
}

func (s *Service) start(kind models.Kind, params models.StartParams) (models.JobHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.startErr[kind]; err != nil {
		return models.JobHandle{}, err
	}
	if params.Name == "" {
		return models.JobHandle{}, fmt.Errorf("%s name is required", kind)
	}

	h := models.JobHandle{
		ID:        uuid.NewString(),
		Kind:      kind,
		Name:      params.Name,
		StartedAt: time.Now().UTC(),
	}
	s.runs[h.ID] = &run{handle: h, params: params}
	s.started = append(s.started, h)
	return h, nil
}

func (s *Service) status(ctx context.Context, kind models.Kind, handle models.JobHandle) (models.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return models.JobStatus{}, err
	}
	if handle.ID == "" {
		return models.JobStatus{}, fmt.Errorf("%w: %s handle has no id", models.ErrInvalidHandle, kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++

	r, ok := s.runs[handle.ID]
	if !ok || r.handle.Kind != kind {
		return models.JobStatus{State: models.StateNotFound}, nil
	}

	script := s.scripts[kind]
	if len(script) == 0 {
		return models.JobStatus{State: models.StateRunning}, nil
	}
	idx := r.next
	if idx >= len(script) {
		idx = len(script) - 1
	} else {
		r.next++
	}

	step := script[idx]
	if step.Err != nil {
		return models.JobStatus{}, step.Err
	}
	return models.JobStatus{State: step.State, Detail: step.Detail}, nil
}

// Started returns every handle issued so far, in start order.
func (s *Service) Started() []models.JobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.JobHandle, len(s.started))
	copy(out, s.started)
	return out
}

// Params returns the start parameters recorded for handle.
func (s *Service) Params(handleID string) (models.StartParams, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[handleID]
	if !ok {
		return models.StartParams{}, false
	}
	return r.params, true
}

// Queries returns the number of status queries answered.
func (s *Service) Queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

// Compile-time check that Service implements JobService.
var _ models.JobService = (*Service)(nil)
