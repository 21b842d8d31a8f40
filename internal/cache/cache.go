// Package cache holds the agent's short-lived Redis state: rate-limit counters and
// the job state mirror.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiranshivaraju/strift/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetJobState(ctx context.Context, entry JobEntry, ttl time.Duration) error
	GetJobState(ctx context.Context, jobID string) (*JobEntry, bool, error)
	DeleteJobState(ctx context.Context, jobID string) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// JobEntry is the mirrored view of one tracked job. It lets agent replicas that do
// not own the tracker answer status reads; it never drives transitions.
type JobEntry struct {
	Handle models.JobHandle `json:"handle"`
	State  models.JobState  `json:"state"`
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

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) SetJobState(ctx context.Context, entry JobEntry, ttl time.Duration) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding job state: %w", err)
	}
	return c.client.Set(ctx, JobStateKey(entry.Handle.ID), b, ttl).Err()
}

func (c *RedisCache) GetJobState(ctx context.Context, jobID string) (*JobEntry, bool, error) {
	val, err := c.client.Get(ctx, JobStateKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry JobEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, false, fmt.Errorf("decoding job state: %w", err)
	}
	return &entry, true, nil
}

func (c *RedisCache) DeleteJobState(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, JobStateKey(jobID)).Err()
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
