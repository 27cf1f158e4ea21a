package models

import "time"

// FinalState is the terminal outcome of one stage.
type FinalState string

const (
	FinalSucceeded FinalState = "succeeded"
	FinalFailed    FinalState = "failed"
	FinalTimedOut  FinalState = "timed_out"
)

// StageResult is the outcome of driving one stage to a terminal state.
// Err is set iff FinalState is not FinalSucceeded; ErrorCode and Detail are its
// serializable form.
type StageResult struct {
	Handle     JobHandle     `json:"handle"`
	FinalState FinalState    `json:"final_state"`
	PollCount  int           `json:"poll_count"`
	Elapsed    time.Duration `json:"elapsed"`
	LastStatus *JobStatus    `json:"last_status,omitempty"`
	ErrorCode  string        `json:"error_code,omitempty"`
	Detail     string        `json:"detail,omitempty"`

	Err error `json:"-"`
}

// Succeeded reports whether the stage finished successfully.
func (r StageResult) Succeeded() bool {
	return r.FinalState == FinalSucceeded
}

// OverallState is the pipeline-level outcome reported to callers.
type OverallState string

const (
	OverallSucceeded     OverallState = "succeeded"
	OverallFailedAtCrawl OverallState = "failed_at_crawl"
	OverallFailedAtJob   OverallState = "failed_at_job"
	OverallTimedOut      OverallState = "timed_out"
)

// PipelineResult is the terminal artifact of one pipeline run.
// JobResult is nil unless CrawlResult succeeded.
type PipelineResult struct {
	CrawlResult  StageResult  `json:"crawl_result"`
	JobResult    *StageResult `json:"job_result,omitempty"`
	OverallState OverallState `json:"overall_state"`
}

// FailedStage returns the stage result that explains a non-successful run,
// or nil when the pipeline succeeded.
func (p PipelineResult) FailedStage() *StageResult {
	if p.OverallState == OverallSucceeded {
		return nil
	}
	if p.JobResult != nil && !p.JobResult.Succeeded() {
		return p.JobResult
	}
	if !p.CrawlResult.Succeeded() {
		return &p.CrawlResult
	}
	return nil
}
