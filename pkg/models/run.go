package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a PipelineRun.
type RunStatus string

const (
	RunStatusPending       RunStatus = "pending"
	RunStatusAwaitingCrawl RunStatus = "awaiting_crawl"
	RunStatusAwaitingJob   RunStatus = "awaiting_job"
	RunStatusDone          RunStatus = "done"
	RunStatusAbandoned     RunStatus = "abandoned"
)

// PipelineRun tracks one asynchronous pipeline run. The API returns the run on
// POST /api/v1/pipelines; the client polls GET /api/v1/pipelines/{run_id}
// until status is done or abandoned.
type PipelineRun struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	Pipeline     string          `db:"pipeline"      json:"pipeline"`
	Status       RunStatus       `db:"status"        json:"status"`
	CrawlParams  StartParams     `db:"crawl_params"  json:"crawl_params"`
	CrawlHandle  *JobHandle      `db:"crawl_handle"  json:"crawl_handle,omitempty"`
	JobHandle    *JobHandle      `db:"job_handle"    json:"job_handle,omitempty"`
	Result       *PipelineResult `db:"result"        json:"result,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time      `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time      `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
}

// Finished reports whether the run will not change any more.
func (r *PipelineRun) Finished() bool {
	return r.Status == RunStatusDone || r.Status == RunStatusAbandoned
}
