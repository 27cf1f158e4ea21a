// Package pipeline sequences the crawl stage and the transform stage.
//
// The transform stage is started only after the crawl stage has been
// observed to succeed. A failed or timed-out crawl ends the run with no job
// result; the crawl is never retried here. Callers that want a retry re-run
// the whole pipeline, which always starts a fresh crawl.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/etlpilot/internal/metrics"
	"github.com/kiranshivaraju/etlpilot/internal/stage"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
)

// ErrNoJobParams is returned by Run when no JobParamsBuilder is given.
var ErrNoJobParams = errors.New("no job params builder")

// JobParamsBuilder derives the transform stage's parameters from a
// successful crawl.
type JobParamsBuilder func(crawl models.StageResult) models.StartParams

// Hooks observe stage progress. Nil fields are skipped. Hooks run on the
// caller's goroutine between stages and must not block for long.
type Hooks struct {
	StageStarted  func(ctx context.Context, handle models.JobHandle)
	StageFinished func(ctx context.Context, result models.StageResult)
}

// Orchestrator runs one pipeline at a time per Run call; concurrent Run
// calls share nothing but the driver.
type Orchestrator struct {
	driver *stage.Driver
	policy stage.Policy
	hooks  Hooks
}

// NewOrchestrator creates an Orchestrator that polls both stages under policy.
func NewOrchestrator(driver *stage.Driver, policy stage.Policy) *Orchestrator {
	return &Orchestrator{driver: driver, policy: policy}
}

// WithHooks returns a copy of o that reports progress to h.
func (o *Orchestrator) WithHooks(h Hooks) *Orchestrator {
	cp := *o
	cp.hooks = h
	return &cp
}

// Run drives the crawl, then the job. Stage failures are reported in the
// returned PipelineResult. The error is non-nil when ctx is done, in which
// case the run was abandoned and external operations keep running, or when
// the policy or buildJobParams is unusable, in which case nothing was started.
func (o *Orchestrator) Run(ctx context.Context, crawlParams models.StartParams, buildJobParams JobParamsBuilder) (models.PipelineResult, error) {
	if buildJobParams == nil {
		return models.PipelineResult{}, ErrNoJobParams
	}
	if err := o.policy.Validate(); err != nil {
		return models.PipelineResult{}, fmt.Errorf("invalid poll policy: %w", err)
	}

	crawl, err := o.runStage(ctx, models.KindCrawl, crawlParams)
	if err != nil {
		return models.PipelineResult{}, err
	}

	if !crawl.Succeeded() {
		res := models.PipelineResult{CrawlResult: crawl, OverallState: models.OverallFailedAtCrawl}
		if crawl.FinalState == models.FinalTimedOut {
			res.OverallState = models.OverallTimedOut
		}
		return o.done(res), nil
	}

	job, err := o.runStage(ctx, models.KindTransform, buildJobParams(crawl))
	if err != nil {
		return models.PipelineResult{}, err
	}

	res := models.PipelineResult{CrawlResult: crawl, JobResult: &job}
	switch job.FinalState {
	case models.FinalSucceeded:
		res.OverallState = models.OverallSucceeded
	case models.FinalTimedOut:
		res.OverallState = models.OverallTimedOut
	default:
		res.OverallState = models.OverallFailedAtJob
	}
	return o.done(res), nil
}

func (o *Orchestrator) runStage(ctx context.Context, kind models.Kind, params models.StartParams) (models.StageResult, error) {
	handle, err := o.driver.Start(ctx, kind, params)
	if err != nil {
		res := stage.StartFailedResult(kind, params.Name, err)
		o.stageFinished(ctx, res)
		return res, nil
	}

	if o.hooks.StageStarted != nil {
		o.hooks.StageStarted(ctx, handle)
	}

	res, err := o.driver.DriveToTerminal(ctx, handle, o.policy)
	if err != nil {
		return models.StageResult{}, err
	}
	o.stageFinished(ctx, res)
	return res, nil
}

func (o *Orchestrator) stageFinished(ctx context.Context, res models.StageResult) {
	if o.hooks.StageFinished != nil {
		o.hooks.StageFinished(ctx, res)
	}
}

func (o *Orchestrator) done(res models.PipelineResult) models.PipelineResult {
	metrics.ObservePipeline(string(res.OverallState))

	attrs := []any{"overall_state", res.OverallState, "crawl_polls", res.CrawlResult.PollCount}
	if res.JobResult != nil {
		attrs = append(attrs, "job_polls", res.JobResult.PollCount)
	}
	if failed := res.FailedStage(); failed != nil {
		slog.Warn("pipeline finished", append(attrs, "error_code", failed.ErrorCode, "detail", failed.Detail)...)
	} else {
		slog.Info("pipeline finished", attrs...)
	}
	return res
}
