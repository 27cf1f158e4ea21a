package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlpilot/internal/config"
	"github.com/kiranshivaraju/etlpilot/internal/jobservice/memory"
	"github.com/kiranshivaraju/etlpilot/internal/store"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockStore struct {
	mu           sync.Mutex
	runs         map[uuid.UUID]*models.PipelineRun
	history      map[uuid.UUID][]models.RunStatus
	createRunErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		runs:    make(map[uuid.UUID]*models.PipelineRun),
		history: make(map[uuid.UUID][]models.RunStatus),
	}
}

func (s *mockStore) Ping(_ context.Context) error { return nil }
func (s *mockStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *mockStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (s *mockStore) CreateAPIKey(_ context.Context, _ *models.APIKey) error    { return nil }

func (s *mockStore) CreateRun(_ context.Context, run *models.PipelineRun) error {
	if s.createRunErr != nil {
		return s.createRunErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	s.history[run.ID] = []models.RunStatus{run.Status}
	return nil
}

func (s *mockStore) GetRun(_ context.Context, id uuid.UUID) (*models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*models.PipelineRun, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PipelineRun
	for _, r := range s.runs {
		if filter.Pipeline != "" && r.Pipeline != filter.Pipeline {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (s *mockStore) UpdateRunStatus(_ context.Context, id uuid.UUID, status models.RunStatus, opts ...store.RunUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.ValidTransition(r.Status, status) {
		return store.ErrInvalidTransition
	}

	upd := store.ApplyRunUpdateOptions(opts...)
	r.Status = status
	if upd.CrawlHandle != nil {
		r.CrawlHandle = upd.CrawlHandle
	}
	if upd.JobHandle != nil {
		r.JobHandle = upd.JobHandle
	}
	if upd.Result != nil {
		r.Result = upd.Result
	}
	if upd.ErrorMessage != nil {
		r.ErrorMessage = upd.ErrorMessage
	}
	s.history[id] = append(s.history[id], status)
	return nil
}

func (s *mockStore) AbandonUnfinishedRuns(_ context.Context, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.runs {
		if !r.Finished() {
			r.Status = models.RunStatusAbandoned
			r.ErrorMessage = &reason
			n++
		}
	}
	return n, nil
}

func (s *mockStore) statusHistory(id uuid.UUID) []models.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RunStatus(nil), s.history[id]...)
}

type mockCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]models.RunStatus
	err      error
}

func newMockCache() *mockCache {
	return &mockCache{statuses: make(map[uuid.UUID]models.RunStatus)}
}

func (c *mockCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *mockCache) Get(_ context.Context, _ string) ([]byte, bool, error)         { return nil, false, nil }
func (c *mockCache) Delete(_ context.Context, _ string) error                      { return nil }
func (c *mockCache) Ping(_ context.Context) error                                  { return nil }
func (c *mockCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 0, nil
}
func (c *mockCache) SetStageStatus(_ context.Context, _ models.JobHandle, _ models.JobStatus, _ time.Duration) error {
	return nil
}
func (c *mockCache) GetStageStatus(_ context.Context, _ models.JobHandle) (models.JobStatus, bool, error) {
	return models.JobStatus{}, false, nil
}

func (c *mockCache) SetRunStatus(_ context.Context, runID uuid.UUID, status models.RunStatus, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.statuses[runID] = status
	return nil
}

func (c *mockCache) GetRunStatus(_ context.Context, runID uuid.UUID) (models.RunStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", false, c.err
	}
	s, ok := c.statuses[runID]
	return s, ok, nil
}

// --- helpers ---

func newTestService(svc *memory.Service, st *mockStore, ca *mockCache) *Service {
	orch := newTestOrchestrator(svc, fastPolicy())
	return NewService(orch, map[string]config.PipelineDef{"gps": gpsPipeline}, st, ca, time.Minute)
}

func waitForStatus(t *testing.T, s *mockStore, id uuid.UUID, want models.RunStatus) *models.PipelineRun {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		run, err := s.GetRun(context.Background(), id)
		require.NoError(t, err)
		if run.Status == want {
			return run
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for run %s to reach %s, last %s", id, want, run.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// --- Trigger tests ---

func TestTrigger_ReturnsPendingRunImmediately(t *testing.T) {
	st, ca := newMockStore(), newMockCache()
	svc := memory.New(memory.WithCrawlScript(memory.Running(), memory.Running(), memory.Succeeded()))
	s := newTestService(svc, st, ca)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	run, err := s.Trigger(context.Background(), TriggerRequest{Pipeline: "gps"})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, run.ID)
	assert.Equal(t, "gps", run.Pipeline)
	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.Equal(t, "S3ResultsCrawler", run.CrawlParams.Name)
}

func TestTrigger_RunReachesDone(t *testing.T) {
	st, ca := newMockStore(), newMockCache()
	s := newTestService(memory.New(), st, ca)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	run, err := s.Trigger(context.Background(), TriggerRequest{Pipeline: "gps"})
	require.NoError(t, err)

	final := waitForStatus(t, st, run.ID, models.RunStatusDone)
	require.NotNil(t, final.Result)
	assert.Equal(t, models.OverallSucceeded, final.Result.OverallState)
	require.NotNil(t, final.CrawlHandle)
	require.NotNil(t, final.JobHandle)
	assert.Nil(t, final.ErrorMessage)

	assert.Equal(t, []models.RunStatus{
		models.RunStatusPending,
		models.RunStatusAwaitingCrawl,
		models.RunStatusAwaitingJob,
		models.RunStatusDone,
	}, st.statusHistory(run.ID))

	require.NoError(t, s.Shutdown(context.Background()))
	status, err := s.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusDone, status)
}

func TestTrigger_CrawlFailureSkipsJob(t *testing.T) {
	st, ca := newMockStore(), newMockCache()
	svc := memory.New(memory.WithCrawlScript(memory.Failed("FAILED: Access denied")))
	s := newTestService(svc, st, ca)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	run, err := s.Trigger(context.Background(), TriggerRequest{Pipeline: "gps"})
	require.NoError(t, err)

	final := waitForStatus(t, st, run.ID, models.RunStatusDone)
	require.NotNil(t, final.Result)
	assert.Equal(t, models.OverallFailedAtCrawl, final.Result.OverallState)
	assert.Nil(t, final.JobHandle)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "Access denied")
	assert.Zero(t, transformsStarted(svc))
}

func TestTrigger_CrawlStartFailureGoesStraightToDone(t *testing.T) {
	st, ca := newMockStore(), newMockCache()
	svc := memory.New(memory.WithStartError(models.KindCrawl, errors.New("crawler already running")))
	s := newTestService(svc, st, ca)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	run, err := s.Trigger(context.Background(), TriggerRequest{Pipeline: "gps"})
	require.NoError(t, err)

	final := waitForStatus(t, st, run.ID, models.RunStatusDone)
	assert.Equal(t, []models.RunStatus{models.RunStatusPending, models.RunStatusDone}, st.statusHistory(run.ID))
	assert.Equal(t, "START_FAILED", final.Result.CrawlResult.ErrorCode)
}

func TestTrigger_ExtraJobArguments(t *testing.T) {
	st, ca := newMockStore(), newMockCache()
	svc := memory.New()
	s := newTestService(svc, st, ca)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	run, err := s.Trigger(context.Background(), TriggerRequest{
		Pipeline:     "gps",
		JobArguments: map[string]string{"--s3_output_path": "s3://override/"},
	})
	require.NoError(t, err)

	final := waitForStatus(t, st, run.ID, models.RunStatusDone)
	require.NotNil(t, final.JobHandle)
	params, ok := svc.Params(final.JobHandle.ID)
	require.True(t, ok)
	assert.Equal(t, "s3://override/", params.Arguments["--s3_output_path"])
}

func TestTrigger_UnknownPipeline(t *testing.T) {
	s := newTestService(memory.New(), newMockStore(), newMockCache())

	_, err := s.Trigger(context.Background(), TriggerRequest{Pipeline: "nope"})
	assert.ErrorIs(t, err, ErrUnknownPipeline)
}

func TestTrigger_StoreError(t *testing.T) {
	st := newMockStore()
	st.createRunErr = errors.New("db down")
	s := newTestService(memory.New(), st, newMockCache())

	_, err := s.Trigger(context.Background(), TriggerRequest{Pipeline: "gps"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating run")

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestTrigger_CachesStatus(t *testing.T) {
	st, ca := newMockStore(), newMockCache()
	s := newTestService(memory.New(memory.WithCrawlScript(memory.Running())), st, ca)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	run, err := s.Trigger(context.Background(), TriggerRequest{Pipeline: "gps"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		status, ok, _ := ca.GetRunStatus(context.Background(), run.ID)
		return ok && status == models.RunStatusAwaitingCrawl
	}, 5*time.Second, 5*time.Millisecond)
}

// --- Shutdown tests ---

func TestShutdown_AbandonsInFlightRuns(t *testing.T) {
	st, ca := newMockStore(), newMockCache()
	s := newTestService(memory.New(memory.WithCrawlScript(memory.Running())), st, ca)

	run, err := s.Trigger(context.Background(), TriggerRequest{Pipeline: "gps"})
	require.NoError(t, err)
	waitForStatus(t, st, run.ID, models.RunStatusAwaitingCrawl)

	require.NoError(t, s.Shutdown(context.Background()))

	final, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAbandoned, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "abandoned")
	assert.Nil(t, final.Result)
}

func TestShutdown_RejectsNewRuns(t *testing.T) {
	s := newTestService(memory.New(), newMockStore(), newMockCache())
	require.NoError(t, s.Shutdown(context.Background()))

	_, err := s.Trigger(context.Background(), TriggerRequest{Pipeline: "gps"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

// --- Read paths ---

func TestStatus_FallsBackToStore(t *testing.T) {
	st, ca := newMockStore(), newMockCache()
	s := newTestService(memory.New(), st, ca)

	run := &models.PipelineRun{ID: uuid.New(), Pipeline: "gps", Status: models.RunStatusAwaitingJob}
	require.NoError(t, st.CreateRun(context.Background(), run))

	status, err := s.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAwaitingJob, status)

	cached, ok, _ := ca.GetRunStatus(context.Background(), run.ID)
	assert.True(t, ok)
	assert.Equal(t, models.RunStatusAwaitingJob, cached)
}

// syncBuffer is a bytes.Buffer safe for a slog handler and a reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStatus_CacheErrorsAreLoggedNotReturned(t *testing.T) {
	var logs syncBuffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	st, ca := newMockStore(), newMockCache()
	ca.err = errors.New("redis: connection refused")
	s := newTestService(memory.New(), st, ca)

	run := &models.PipelineRun{ID: uuid.New(), Pipeline: "gps", Status: models.RunStatusAwaitingCrawl}
	require.NoError(t, st.CreateRun(context.Background(), run))

	status, err := s.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAwaitingCrawl, status)

	out := logs.String()
	assert.Contains(t, out, `"msg":"reading cached run status"`)
	assert.Contains(t, out, `"msg":"caching run status"`)
	assert.Contains(t, out, "redis: connection refused")
	assert.Contains(t, out, `"level":"WARN"`)
}

func TestTrigger_CacheOutageDoesNotStopRun(t *testing.T) {
	st, ca := newMockStore(), newMockCache()
	ca.err = errors.New("redis: connection refused")
	s := newTestService(memory.New(), st, ca)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	run, err := s.Trigger(context.Background(), TriggerRequest{Pipeline: "gps"})
	require.NoError(t, err)

	final := waitForStatus(t, st, run.ID, models.RunStatusDone)
	require.NotNil(t, final.Result)
	assert.Equal(t, models.OverallSucceeded, final.Result.OverallState)
}

func TestGet_NotFound(t *testing.T) {
	s := newTestService(memory.New(), newMockStore(), newMockCache())
	_, err := s.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecoverOrphans(t *testing.T) {
	st := newMockStore()
	s := newTestService(memory.New(), st, newMockCache())

	orphan := &models.PipelineRun{ID: uuid.New(), Pipeline: "gps", Status: models.RunStatusAwaitingCrawl}
	finished := &models.PipelineRun{ID: uuid.New(), Pipeline: "gps", Status: models.RunStatusDone}
	require.NoError(t, st.CreateRun(context.Background(), orphan))
	require.NoError(t, st.CreateRun(context.Background(), finished))

	n, err := s.RecoverOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := st.GetRun(context.Background(), orphan.ID)
	assert.Equal(t, models.RunStatusAbandoned, got.Status)
}

func TestPipelines_Sorted(t *testing.T) {
	s := NewService(nil, map[string]config.PipelineDef{"b": {}, "a": {}, "c": {}}, newMockStore(), newMockCache(), time.Minute)
	assert.Equal(t, []string{"a", "b", "c"}, s.Pipelines())
}

var _ store.Store = (*mockStore)(nil)
