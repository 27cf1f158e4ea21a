package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetRunStatus(ctx context.Context, runID uuid.UUID, status models.RunStatus, ttl time.Duration) error
	GetRunStatus(ctx context.Context, runID uuid.UUID) (models.RunStatus, bool, error)
	SetStageStatus(ctx context.Context, handle models.JobHandle, status models.JobStatus, ttl time.Duration) error
	GetStageStatus(ctx context.Context, handle models.JobHandle) (models.JobStatus, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) SetRunStatus(ctx context.Context, runID uuid.UUID, status models.RunStatus, ttl time.Duration) error {
	return c.client.Set(ctx, RunStatusKey(runID), string(status), ttl).Err()
}

func (c *RedisCache) GetRunStatus(ctx context.Context, runID uuid.UUID) (models.RunStatus, bool, error) {
	val, err := c.client.Get(ctx, RunStatusKey(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return models.RunStatus(val), true, nil
}

// SetStageStatus memoizes a status for handle. Only terminal statuses are
// stored; anything else is ignored so a later poll still reaches the service.
func (c *RedisCache) SetStageStatus(ctx context.Context, handle models.JobHandle, status models.JobStatus, ttl time.Duration) error {
	if !status.State.Terminal() {
		return nil
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding stage status: %w", err)
	}
	return c.client.Set(ctx, StageStatusKey(handle), data, ttl).Err()
}

func (c *RedisCache) GetStageStatus(ctx context.Context, handle models.JobHandle) (models.JobStatus, bool, error) {
	data, err := c.client.Get(ctx, StageStatusKey(handle)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.JobStatus{}, false, nil
	}
	if err != nil {
		return models.JobStatus{}, false, err
	}

	var status models.JobStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return models.JobStatus{}, false, fmt.Errorf("decoding stage status: %w", err)
	}
	return status, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

var _ Cache = (*RedisCache)(nil)
