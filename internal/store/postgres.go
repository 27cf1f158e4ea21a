package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Pipeline Runs ---

const runColumns = `id, pipeline, status, crawl_params, crawl_handle, job_handle, result,
	error_message, started_at, completed_at, created_at, updated_at`

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.PipelineRun) error {
	params, err := json.Marshal(run.CrawlParams)
	if err != nil {
		return fmt.Errorf("encode crawl params: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, pipeline, status, crawl_params, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.Pipeline, string(run.Status), params, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*models.PipelineRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.PipelineRun, int, error) {
	filter = filter.Normalize()

	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.Pipeline != "" {
		conditions = append(conditions, fmt.Sprintf("pipeline = $%d", argIdx))
		args = append(args, filter.Pipeline)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM pipeline_runs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	offset := (filter.Page - 1) * filter.Limit
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM pipeline_runs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		runColumns, where, argIdx, argIdx+1)
	args = append(args, filter.Limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// UpdateRunStatus moves a run to status. The transition is checked in the
// UPDATE itself so two writers racing on one run cannot both succeed.
func (s *PostgresStore) UpdateRunStatus(ctx context.Context, id uuid.UUID, status models.RunStatus, opts ...RunUpdateOption) error {
	upd := ApplyRunUpdateOptions(opts...)
	from := sourcesFor(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing moves to %s", ErrInvalidTransition, status)
	}

	now := time.Now().UTC()
	query := `UPDATE pipeline_runs SET status = $2, updated_at = $3`
	args := []any{id, string(status), now}
	argIdx := 4

	if status == models.RunStatusAwaitingCrawl {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if status == models.RunStatusDone || status == models.RunStatusAbandoned {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if upd.CrawlHandle != nil {
		data, err := json.Marshal(upd.CrawlHandle)
		if err != nil {
			return fmt.Errorf("encode crawl handle: %w", err)
		}
		query += fmt.Sprintf(", crawl_handle = $%d", argIdx)
		args = append(args, data)
		argIdx++
	}
	if upd.JobHandle != nil {
		data, err := json.Marshal(upd.JobHandle)
		if err != nil {
			return fmt.Errorf("encode job handle: %w", err)
		}
		query += fmt.Sprintf(", job_handle = $%d", argIdx)
		args = append(args, data)
		argIdx++
	}
	if upd.Result != nil {
		data, err := json.Marshal(upd.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		query += fmt.Sprintf(", result = $%d, overall_state = $%d", argIdx, argIdx+1)
		args = append(args, data, string(upd.Result.OverallState))
		argIdx += 2
	}
	if upd.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *upd.ErrorMessage)
		argIdx++
	}

	query += fmt.Sprintf(" WHERE id = $1 AND status = ANY($%d)", argIdx)
	args = append(args, from)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM pipeline_runs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

// AbandonUnfinishedRuns marks every run that is not done or abandoned as
// abandoned. Used at startup for runs orphaned by a previous process.
func (s *PostgresStore) AbandonUnfinishedRuns(ctx context.Context, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = 'abandoned', error_message = $1, completed_at = NOW(), updated_at = NOW()
		 WHERE status NOT IN ('done', 'abandoned')`, reason)
	if err != nil {
		return 0, fmt.Errorf("abandon unfinished runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRun(row pgx.Row) (*models.PipelineRun, error) {
	var (
		r                              models.PipelineRun
		status                         string
		params                         []byte
		crawlHandle, jobHandle, result []byte
	)
	if err := row.Scan(&r.ID, &r.Pipeline, &status, &params, &crawlHandle, &jobHandle, &result,
		&r.ErrorMessage, &r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = models.RunStatus(status)

	if err := json.Unmarshal(params, &r.CrawlParams); err != nil {
		return nil, fmt.Errorf("decode crawl params: %w", err)
	}
	if crawlHandle != nil {
		r.CrawlHandle = &models.JobHandle{}
		if err := json.Unmarshal(crawlHandle, r.CrawlHandle); err != nil {
			return nil, fmt.Errorf("decode crawl handle: %w", err)
		}
	}
	if jobHandle != nil {
		r.JobHandle = &models.JobHandle{}
		if err := json.Unmarshal(jobHandle, r.JobHandle); err != nil {
			return nil, fmt.Errorf("decode job handle: %w", err)
		}
	}
	if result != nil {
		r.Result = &models.PipelineResult{}
		if err := json.Unmarshal(result, r.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return &r, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
