// Package glue runs crawls and transform jobs on AWS Glue.
package glue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/aws/smithy-go"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
)

// clockSkew tolerates drift between the local clock and Glue's when matching
// a crawler's last run to the handle that started it.
const clockSkew = 2 * time.Second

// API is the subset of the Glue client used by Service.
type API interface {
	StartCrawler(ctx context.Context, in *glue.StartCrawlerInput, optFns ...func(*glue.Options)) (*glue.StartCrawlerOutput, error)
	GetCrawler(ctx context.Context, in *glue.GetCrawlerInput, optFns ...func(*glue.Options)) (*glue.GetCrawlerOutput, error)
	StartJobRun(ctx context.Context, in *glue.StartJobRunInput, optFns ...func(*glue.Options)) (*glue.StartJobRunOutput, error)
	GetJobRun(ctx context.Context, in *glue.GetJobRunInput, optFns ...func(*glue.Options)) (*glue.GetJobRunOutput, error)
}

// Service implements models.JobService on top of Glue.
type Service struct {
	api API
	now func() time.Time
}

// New loads the default AWS credential chain for region. A non-empty
// endpoint overrides the Glue endpoint, for local emulators.
func New(ctx context.Context, region, endpoint string) (*Service, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := glue.NewFromConfig(cfg, func(o *glue.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewWithAPI(client), nil
}

// NewWithAPI wraps an existing Glue client.
func NewWithAPI(api API) *Service {
	return &Service{api: api, now: time.Now}
}

func (s *Service) Name() string { return "glue" }

// StartCrawl starts the named crawler. Glue has no crawl run id, so the
// handle id is "<crawler>@<start unix ms>".
func (s *Service) StartCrawl(ctx context.Context, params models.StartParams) (models.JobHandle, error) {
	if params.Name == "" {
		return models.JobHandle{}, fmt.Errorf("crawler name is required")
	}

	startedAt := s.now().UTC().Truncate(time.Millisecond)
	_, err := s.api.StartCrawler(ctx, &glue.StartCrawlerInput{Name: aws.String(params.Name)})
	if err != nil {
		if errorCode(err) == "CrawlerRunningException" {
			return models.JobHandle{}, fmt.Errorf("crawler %s: %w", params.Name, models.ErrAlreadyRunning)
		}
		return models.JobHandle{}, fmt.Errorf("starting crawler %s: %w", params.Name, err)
	}

	return models.JobHandle{
		ID:        CrawlHandleID(params.Name, startedAt),
		Kind:      models.KindCrawl,
		Name:      params.Name,
		StartedAt: startedAt,
	}, nil
}

// GetCrawlStatus reads the crawler and reports on the run the handle started.
func (s *Service) GetCrawlStatus(ctx context.Context, handle models.JobHandle) (models.JobStatus, error) {
	name, startedAt, err := crawlTarget(handle)
	if err != nil {
		return models.JobStatus{}, err
	}

	out, err := s.api.GetCrawler(ctx, &glue.GetCrawlerInput{Name: aws.String(name)})
	if err != nil {
		if errorCode(err) == "EntityNotFoundException" {
			return models.JobStatus{State: models.StateNotFound}, nil
		}
		return models.JobStatus{}, fmt.Errorf("getting crawler %s: %w", name, err)
	}
	if out.Crawler == nil {
		return models.JobStatus{State: models.StateNotFound}, nil
	}
	return crawlStatus(out.Crawler, startedAt), nil
}

// StartJob starts a run of the named job, passing Arguments through.
func (s *Service) StartJob(ctx context.Context, params models.StartParams) (models.JobHandle, error) {
	if params.Name == "" {
		return models.JobHandle{}, fmt.Errorf("job name is required")
	}

	in := &glue.StartJobRunInput{JobName: aws.String(params.Name)}
	if len(params.Arguments) > 0 {
		in.Arguments = params.Arguments
	}

	startedAt := s.now().UTC()
	out, err := s.api.StartJobRun(ctx, in)
	if err != nil {
		return models.JobHandle{}, fmt.Errorf("starting job %s: %w", params.Name, err)
	}
	runID := aws.ToString(out.JobRunId)
	if runID == "" {
		return models.JobHandle{}, fmt.Errorf("starting job %s: empty job run id", params.Name)
	}

	return models.JobHandle{
		ID:        runID,
		Kind:      models.KindTransform,
		Name:      params.Name,
		StartedAt: startedAt,
	}, nil
}

// GetJobStatus reads one job run.
func (s *Service) GetJobStatus(ctx context.Context, handle models.JobHandle) (models.JobStatus, error) {
	if handle.Name == "" {
		return models.JobStatus{}, fmt.Errorf("%w: job name is required to poll run %s", models.ErrInvalidHandle, handle.ID)
	}

	out, err := s.api.GetJobRun(ctx, &glue.GetJobRunInput{
		JobName: aws.String(handle.Name),
		RunId:   aws.String(handle.ID),
	})
	if err != nil {
		if errorCode(err) == "EntityNotFoundException" {
			return models.JobStatus{State: models.StateNotFound}, nil
		}
		return models.JobStatus{}, fmt.Errorf("getting job run %s/%s: %w", handle.Name, handle.ID, err)
	}
	if out.JobRun == nil {
		return models.JobStatus{State: models.StateNotFound}, nil
	}
	return jobStatus(out.JobRun), nil
}

func crawlStatus(c *types.Crawler, startedAt time.Time) models.JobStatus {
	switch c.State {
	case types.CrawlerStateRunning, types.CrawlerStateStopping:
		return models.JobStatus{State: models.StateRunning, Detail: string(c.State)}
	}

	last := c.LastCrawl
	if last == nil || last.StartTime == nil || last.StartTime.Before(startedAt.Add(-clockSkew)) {
		// READY but our run is not visible yet.
		return models.JobStatus{State: models.StateRunning, Detail: string(c.State)}
	}

	switch last.Status {
	case types.LastCrawlStatusSucceeded:
		return models.JobStatus{State: models.StateSucceeded, Detail: string(last.Status)}
	case types.LastCrawlStatusFailed, types.LastCrawlStatusCancelled:
		return models.JobStatus{State: models.StateFailed, Detail: failureDetail(string(last.Status), last.ErrorMessage)}
	default:
		return models.JobStatus{State: models.StateRunning, Detail: string(last.Status)}
	}
}

func jobStatus(run *types.JobRun) models.JobStatus {
	state := string(run.JobRunState)
	switch run.JobRunState {
	case types.JobRunStateSucceeded:
		return models.JobStatus{State: models.StateSucceeded, Detail: state}
	case types.JobRunStateFailed, types.JobRunStateTimeout, types.JobRunStateError,
		types.JobRunStateStopped, types.JobRunStateExpired:
		return models.JobStatus{State: models.StateFailed, Detail: failureDetail(state, run.ErrorMessage)}
	default:
		// STARTING, RUNNING, STOPPING, WAITING
		return models.JobStatus{State: models.StateRunning, Detail: state}
	}
}

func failureDetail(state string, msg *string) string {
	if m := aws.ToString(msg); m != "" {
		return state + ": " + m
	}
	return state
}

// CrawlHandleID builds the handle id for a crawl of name started at t.
func CrawlHandleID(name string, t time.Time) string {
	return name + "@" + strconv.FormatInt(t.UnixMilli(), 10)
}

// crawlTarget recovers the crawler name and start time from a handle. Name
// and StartedAt win when set; otherwise they are parsed from the id.
func crawlTarget(h models.JobHandle) (string, time.Time, error) {
	name, startedAt := h.Name, h.StartedAt

	if name == "" || startedAt.IsZero() {
		at := strings.LastIndex(h.ID, "@")
		if at <= 0 {
			return "", time.Time{}, fmt.Errorf("%w: malformed crawl handle %q", models.ErrInvalidHandle, h.ID)
		}
		ms, err := strconv.ParseInt(h.ID[at+1:], 10, 64)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("%w: malformed crawl handle %q: %v", models.ErrInvalidHandle, h.ID, err)
		}
		if name == "" {
			name = h.ID[:at]
		}
		if startedAt.IsZero() {
			startedAt = time.UnixMilli(ms).UTC()
		}
	}
	return name, startedAt, nil
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// Compile-time check that Service implements JobService.
var _ models.JobService = (*Service)(nil)
