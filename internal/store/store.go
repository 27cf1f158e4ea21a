package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid run status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	CreateRun(ctx context.Context, run *models.PipelineRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.PipelineRun, int, error)
	UpdateRunStatus(ctx context.Context, id uuid.UUID, status models.RunStatus, opts ...RunUpdateOption) error
	AbandonUnfinishedRuns(ctx context.Context, reason string) (int64, error)
}

type RunFilter struct {
	Pipeline string
	Status   models.RunStatus
	Page     int
	Limit    int
}

// Normalize clamps pagination to 1..100 rows per page, 20 by default.
func (f RunFilter) Normalize() RunFilter {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	return f
}

// RunUpdate carries the optional columns written alongside a status change.
type RunUpdate struct {
	CrawlHandle  *models.JobHandle
	JobHandle    *models.JobHandle
	Result       *models.PipelineResult
	ErrorMessage *string
}

type RunUpdateOption func(*RunUpdate)

func WithCrawlHandle(h models.JobHandle) RunUpdateOption {
	return func(u *RunUpdate) {
		u.CrawlHandle = &h
	}
}

func WithJobHandle(h models.JobHandle) RunUpdateOption {
	return func(u *RunUpdate) {
		u.JobHandle = &h
	}
}

func WithResult(res models.PipelineResult) RunUpdateOption {
	return func(u *RunUpdate) {
		u.Result = &res
	}
}

func WithErrorMessage(msg string) RunUpdateOption {
	return func(u *RunUpdate) {
		u.ErrorMessage = &msg
	}
}

// ApplyRunUpdateOptions folds opts into a RunUpdate.
func ApplyRunUpdateOptions(opts ...RunUpdateOption) RunUpdate {
	var u RunUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

var validTransitions = map[models.RunStatus][]models.RunStatus{
	models.RunStatusPending:       {models.RunStatusAwaitingCrawl, models.RunStatusDone, models.RunStatusAbandoned},
	models.RunStatusAwaitingCrawl: {models.RunStatusAwaitingJob, models.RunStatusDone, models.RunStatusAbandoned},
	models.RunStatusAwaitingJob:   {models.RunStatusDone, models.RunStatusAbandoned},
}

// ValidTransition reports whether a run may move from one status to another.
func ValidTransition(from, to models.RunStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesFor lists the statuses from which a run may move to status.
func sourcesFor(status models.RunStatus) []string {
	var out []string
	for from, targets := range validTransitions {
		for _, t := range targets {
			if t == status {
				out = append(out, string(from))
			}
		}
	}
	return out
}
