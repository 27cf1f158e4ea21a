package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/etlpilot/internal/jobservice/memory"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastPolicy polls every few milliseconds so tests finish quickly.
func fastPolicy() Policy {
	return Policy{
		InitialDelay:   2 * time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		BackoffFactor:  1.5,
		MaxElapsed:     2 * time.Second,
		MaxPollRetries: 2,
	}
}

func startCrawl(t *testing.T, d *Driver) models.JobHandle {
	t.Helper()
	h, err := d.Start(context.Background(), models.KindCrawl, models.StartParams{Name: "S3ResultsCrawler"})
	require.NoError(t, err)
	return h
}

func startJob(t *testing.T, d *Driver) models.JobHandle {
	t.Helper()
	h, err := d.Start(context.Background(), models.KindTransform, models.StartParams{Name: "etl_GPStoDb"})
	require.NoError(t, err)
	return h
}

// --- Start ---

func TestStart_ReturnsHandleWithKind(t *testing.T) {
	d := NewDriver(memory.New())
	h := startCrawl(t, d)
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, models.KindCrawl, h.Kind)
}

func TestStart_RejectedIsStartFailed(t *testing.T) {
	cause := errors.New("AccessDeniedException")
	d := NewDriver(memory.New(memory.WithStartError(models.KindCrawl, cause)))

	_, err := d.Start(context.Background(), models.KindCrawl, models.StartParams{Name: "c"})
	require.Error(t, err)

	var sf *StartFailedError
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, models.KindCrawl, sf.Kind)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeStartFailed, ErrorCode(err))
}

func TestStart_UnknownKind(t *testing.T) {
	d := NewDriver(memory.New())
	_, err := d.Start(context.Background(), models.Kind("bogus"), models.StartParams{Name: "x"})
	var sf *StartFailedError
	assert.ErrorAs(t, err, &sf)
}

// --- Poll ---

func TestPoll_RecordsAttempt(t *testing.T) {
	d := NewDriver(memory.New(memory.WithCrawlScript(memory.Running())))
	h := startCrawl(t, d)

	st, err := d.Poll(context.Background(), h, 7)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, st.State)
	assert.Equal(t, 7, st.Attempt)
}

func TestPoll_SingleNotFoundIsRechecked(t *testing.T) {
	svc := memory.New(memory.WithCrawlScript(memory.NotFound(), memory.Succeeded()))
	d := NewDriver(svc)
	h := startCrawl(t, d)

	st, err := d.Poll(context.Background(), h, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateSucceeded, st.State)
	assert.Equal(t, 2, svc.Queries(), "one immediate re-check")
}

func TestPoll_TwoNotFoundIsHandleLost(t *testing.T) {
	d := NewDriver(memory.New(memory.WithCrawlScript(memory.NotFound(), memory.NotFound(), memory.Succeeded())))
	h := startCrawl(t, d)

	st, err := d.Poll(context.Background(), h, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, st.State)
	assert.ErrorIs(t, st.Cause, ErrHandleLost)
}

func TestPoll_TransportErrorIsPollFailed(t *testing.T) {
	down := errors.New("dial tcp: connection refused")
	d := NewDriver(memory.New(memory.WithJobScript(memory.Unreachable(down))))
	h := startJob(t, d)

	_, err := d.Poll(context.Background(), h, 1)
	var pf *PollFailedError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, h.ID, pf.Handle.ID)
	assert.ErrorIs(t, err, down)
	assert.Equal(t, CodePollFailed, ErrorCode(err))
}

func TestPoll_StableAfterTerminal(t *testing.T) {
	d := NewDriver(memory.New(memory.WithJobScript(memory.Running(), memory.Failed("OOM"))))
	h := startJob(t, d)
	ctx := context.Background()

	res, err := d.DriveToTerminal(ctx, h, fastPolicy())
	require.NoError(t, err)
	require.Equal(t, models.FinalFailed, res.FinalState)

	for i := 0; i < 5; i++ {
		st, err := d.Poll(ctx, h, res.PollCount+i+1)
		require.NoError(t, err)
		assert.Equal(t, models.StateFailed, st.State)
		assert.Equal(t, "OOM", st.Detail)
	}
}

// --- DriveToTerminal ---

func TestDriveToTerminal_SucceedsAfterRunning(t *testing.T) {
	d := NewDriver(memory.New(memory.WithCrawlScript(memory.Running(), memory.Running(), memory.Succeeded())))
	h := startCrawl(t, d)

	res, err := d.DriveToTerminal(context.Background(), h, fastPolicy())
	require.NoError(t, err)

	assert.Equal(t, models.FinalSucceeded, res.FinalState)
	assert.Equal(t, 3, res.PollCount)
	assert.Equal(t, h, res.Handle)
	assert.Nil(t, res.Err)
	assert.Empty(t, res.ErrorCode)
	require.NotNil(t, res.LastStatus)
	assert.Equal(t, models.StateSucceeded, res.LastStatus.State)
	assert.Equal(t, 3, res.LastStatus.Attempt)
}

func TestDriveToTerminal_JobFailed(t *testing.T) {
	d := NewDriver(memory.New(memory.WithJobScript(memory.Running(), memory.Failed("Command failed with exit code 1"))))
	h := startJob(t, d)

	res, err := d.DriveToTerminal(context.Background(), h, fastPolicy())
	require.NoError(t, err)

	assert.Equal(t, models.FinalFailed, res.FinalState)
	assert.Equal(t, 2, res.PollCount)
	var jf *JobFailedError
	require.ErrorAs(t, res.Err, &jf)
	assert.Equal(t, CodeJobFailed, res.ErrorCode)
	assert.Contains(t, res.Detail, "Command failed with exit code 1")
}

func TestDriveToTerminal_HandleLost(t *testing.T) {
	d := NewDriver(memory.New(memory.WithCrawlScript(memory.NotFound(), memory.NotFound())))
	h := startCrawl(t, d)

	res, err := d.DriveToTerminal(context.Background(), h, fastPolicy())
	require.NoError(t, err)

	assert.Equal(t, models.FinalFailed, res.FinalState)
	assert.ErrorIs(t, res.Err, ErrHandleLost)
	assert.Equal(t, CodeHandleLost, res.ErrorCode)
	assert.Equal(t, 1, res.PollCount)
}

func TestDriveToTerminal_NotFoundThenSucceeded(t *testing.T) {
	d := NewDriver(memory.New(memory.WithCrawlScript(memory.NotFound(), memory.Succeeded())))
	h := startCrawl(t, d)

	res, err := d.DriveToTerminal(context.Background(), h, fastPolicy())
	require.NoError(t, err)
	assert.Equal(t, models.FinalSucceeded, res.FinalState)
}

func TestDriveToTerminal_TimesOutNoEarlierThanBudget(t *testing.T) {
	const interval = 20 * time.Millisecond
	const budget = 100 * time.Millisecond
	policy := Policy{
		InitialDelay:   interval,
		MaxDelay:       interval,
		BackoffFactor:  1,
		MaxElapsed:     budget,
		MaxPollRetries: 1,
	}
	d := NewDriver(memory.New(memory.WithCrawlScript(memory.Running())))
	h := startCrawl(t, d)

	began := time.Now()
	res, err := d.DriveToTerminal(context.Background(), h, policy)
	took := time.Since(began)
	require.NoError(t, err)

	assert.Equal(t, models.FinalTimedOut, res.FinalState)
	assert.ErrorIs(t, res.Err, ErrTimedOut)
	assert.Equal(t, CodeTimedOut, res.ErrorCode)
	assert.GreaterOrEqual(t, took, budget)
	assert.Less(t, took, budget+interval)
	assert.GreaterOrEqual(t, res.PollCount, 2)
	require.NotNil(t, res.LastStatus)
	assert.Equal(t, models.StateRunning, res.LastStatus.State)
}

func TestDriveToTerminal_RetriesTransportErrors(t *testing.T) {
	down := errors.New("i/o timeout")
	d := NewDriver(memory.New(memory.WithJobScript(
		memory.Unreachable(down), memory.Unreachable(down), memory.Succeeded(),
	)))
	h := startJob(t, d)

	res, err := d.DriveToTerminal(context.Background(), h, fastPolicy())
	require.NoError(t, err)
	assert.Equal(t, models.FinalSucceeded, res.FinalState)
	assert.Equal(t, 3, res.PollCount)
}

func TestDriveToTerminal_TransportRetriesAreBounded(t *testing.T) {
	down := errors.New("no route to host")
	d := NewDriver(memory.New(memory.WithJobScript(memory.Unreachable(down))))
	h := startJob(t, d)

	policy := fastPolicy()
	policy.MaxPollRetries = 2

	res, err := d.DriveToTerminal(context.Background(), h, policy)
	require.NoError(t, err)
	assert.Equal(t, models.FinalFailed, res.FinalState)
	assert.Equal(t, 3, res.PollCount, "first attempt plus two retries")
	assert.Equal(t, CodePollFailed, res.ErrorCode)
	assert.Nil(t, res.LastStatus)
}

func TestDriveToTerminal_TransportFailuresResetOnAnswer(t *testing.T) {
	down := errors.New("reset by peer")
	d := NewDriver(memory.New(memory.WithJobScript(
		memory.Unreachable(down), memory.Running(),
		memory.Unreachable(down), memory.Running(),
		memory.Succeeded(),
	)))
	h := startJob(t, d)

	policy := fastPolicy()
	policy.MaxPollRetries = 1

	res, err := d.DriveToTerminal(context.Background(), h, policy)
	require.NoError(t, err)
	assert.Equal(t, models.FinalSucceeded, res.FinalState)
	assert.Equal(t, 5, res.PollCount)
}

func TestDriveToTerminal_CancelledContextAbandons(t *testing.T) {
	svc := memory.New(memory.WithCrawlScript(memory.Running()))
	d := NewDriver(svc)
	h := startCrawl(t, d)

	policy := fastPolicy()
	policy.InitialDelay = 50 * time.Millisecond
	policy.MaxDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res, err := d.DriveToTerminal(ctx, h, policy)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.StageResult{}, res)

	// The external operation keeps its state; a fresh drive can still observe it.
	st, err := d.Poll(context.Background(), h, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, st.State)
}

func TestDriveToTerminal_InvalidPolicy(t *testing.T) {
	d := NewDriver(memory.New())
	h := startCrawl(t, d)
	_, err := d.DriveToTerminal(context.Background(), h, Policy{})
	assert.Error(t, err)
}

func TestDriveToTerminal_SucceededIffLastStatusSucceeded(t *testing.T) {
	down := errors.New("unreachable")
	scripts := map[string][]memory.Step{
		"immediate success": {memory.Succeeded()},
		"immediate failure": {memory.Failed("bad input")},
		"running then fail": {memory.Running(), memory.Running(), memory.Failed("x")},
		"lost handle":       {memory.NotFound(), memory.NotFound()},
		"recovered lookup":  {memory.NotFound(), memory.Running(), memory.Succeeded()},
		"flaky transport":   {memory.Unreachable(down), memory.Succeeded()},
		"dead transport":    {memory.Unreachable(down)},
	}

	for name, script := range scripts {
		t.Run(name, func(t *testing.T) {
			d := NewDriver(memory.New(memory.WithJobScript(script...)))
			h := startJob(t, d)

			res, err := d.DriveToTerminal(context.Background(), h, fastPolicy())
			require.NoError(t, err)

			lastSucceeded := res.LastStatus != nil && res.LastStatus.State == models.StateSucceeded
			assert.Equal(t, lastSucceeded, res.FinalState == models.FinalSucceeded)
			assert.Equal(t, res.FinalState != models.FinalSucceeded, res.Err != nil)
			assert.GreaterOrEqual(t, res.PollCount, 1)
		})
	}
}

func TestDriveToTerminal_ConcurrentDrivesCountIndependently(t *testing.T) {
	d := NewDriver(memory.New(memory.WithCrawlScript(memory.Running(), memory.Running(), memory.Succeeded())))

	const n = 8
	results := make(chan models.StageResult, n)
	for i := 0; i < n; i++ {
		h := startCrawl(t, d)
		go func() {
			res, _ := d.DriveToTerminal(context.Background(), h, fastPolicy())
			results <- res
		}()
	}

	for i := 0; i < n; i++ {
		res := <-results
		assert.Equal(t, models.FinalSucceeded, res.FinalState)
		assert.Equal(t, 3, res.PollCount)
	}
}

// --- StartFailedResult / ErrorCode ---

func TestStartFailedResult(t *testing.T) {
	err := &StartFailedError{Kind: models.KindTransform, Cause: errors.New("ConcurrentRunsExceededException")}
	res := StartFailedResult(models.KindTransform, "etl_GPStoDb", err)

	assert.Equal(t, models.FinalFailed, res.FinalState)
	assert.Equal(t, 0, res.PollCount)
	assert.Equal(t, CodeStartFailed, res.ErrorCode)
	assert.Equal(t, "etl_GPStoDb", res.Handle.Name)
	assert.True(t, res.Handle.IsZero())
}

func TestErrorCode_Nil(t *testing.T) {
	assert.Equal(t, "", ErrorCode(nil))
}

func TestPoll_InvalidHandleIsNotPollFailed(t *testing.T) {
	d := NewDriver(memory.New())

	_, err := d.Poll(context.Background(), models.JobHandle{Kind: models.KindTransform}, 1)
	require.ErrorIs(t, err, models.ErrInvalidHandle)
	var pf *PollFailedError
	assert.False(t, errors.As(err, &pf))
	assert.Equal(t, CodeInvalidHandle, ErrorCode(err))
}

func TestPoll_UnknownKindIsInvalidHandle(t *testing.T) {
	d := NewDriver(memory.New())

	_, err := d.Poll(context.Background(), models.JobHandle{ID: "x", Kind: models.Kind("bogus")}, 1)
	assert.ErrorIs(t, err, models.ErrInvalidHandle)
}

func TestDriveToTerminal_InvalidHandleFailsWithoutRetries(t *testing.T) {
	svc := memory.New()
	d := NewDriver(svc)

	policy := fastPolicy()
	policy.MaxPollRetries = 3

	res, err := d.DriveToTerminal(context.Background(), models.JobHandle{Kind: models.KindTransform}, policy)
	require.NoError(t, err)
	assert.Equal(t, models.FinalFailed, res.FinalState)
	assert.Equal(t, 1, res.PollCount)
	assert.Equal(t, CodeInvalidHandle, res.ErrorCode)
	assert.ErrorIs(t, res.Err, models.ErrInvalidHandle)
	assert.Zero(t, svc.Queries())
}
