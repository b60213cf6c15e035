package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// newRedisClient is swapped in tests to observe the client's lifecycle.
var newRedisClient = redis.NewClient

// RedisStore keeps incident history in Redis so it survives restarts and is
// shared by replicas.
//
// Redis data structure:
//   - "{prefix}:index": sorted set of incident IDs scored by start time
//   - "{prefix}:data": hash of incident ID to JSON
//
// Example:
//
//	store, err := NewRedisStore(ctx, "redis://localhost:6379/0", "incident", 30*24*time.Hour)
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore connects to redisURL. A ttl of zero keeps history forever;
// otherwise both keys expire ttl after the last save.
func NewRedisStore(ctx context.Context, redisURL, keyPrefix string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	client := newRedisClient(opts)
	store, err := NewRedisStoreWithClient(ctx, client, keyPrefix, ttl)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

// NewRedisStoreWithClient is NewRedisStore for an existing client.
func NewRedisStoreWithClient(ctx context.Context, client *redis.Client, keyPrefix string, ttl time.Duration) (*RedisStore, error) {
	if keyPrefix == "" {
		keyPrefix = "incident"
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}, nil
}

func (r *RedisStore) indexKey() string {
	return r.keyPrefix + ":index"
}

func (r *RedisStore) dataKey() string {
	return r.keyPrefix + ":data"
}

// Save writes the incident and its index entry in one transaction.
func (r *RedisStore) Save(ctx context.Context, inc Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to serialize incident: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.dataKey(), inc.ID, data)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{
			Score:  float64(inc.StartTime.UnixNano()) / 1e9,
			Member: inc.ID,
		})
		if r.ttl > 0 {
			pipe.Expire(ctx, r.dataKey(), r.ttl)
			pipe.Expire(ctx, r.indexKey(), r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store incident: %w", err)
	}
	return nil
}

// List reads the newest limit IDs from the index and loads them.
func (r *RedisStore) List(ctx context.Context, limit int) ([]Incident, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	ids, err := r.client.ZRange(ctx, r.indexKey(), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read incident index: %w", err)
	}
	if len(ids) == 0 {
		return []Incident{}, nil
	}

	values, err := r.client.HMGet(ctx, r.dataKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read incidents: %w", err)
	}

	out := make([]Incident, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Index entry without data; the hash expired first.
			continue
		}
		var inc Incident
		if err := json.Unmarshal([]byte(s), &inc); err != nil {
			return nil, fmt.Errorf("failed to deserialize incident %s: %w", ids[i], err)
		}
		out = append(out, inc)
	}
	return out, nil
}

// Get loads one incident.
func (r *RedisStore) Get(ctx context.Context, id string) (Incident, error) {
	s, err := r.client.HGet(ctx, r.dataKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return Incident{}, ErrNotFound
	}
	if err != nil {
		return Incident{}, fmt.Errorf("failed to read incident: %w", err)
	}
	var inc Incident
	if err := json.Unmarshal([]byte(s), &inc); err != nil {
		return Incident{}, fmt.Errorf("failed to deserialize incident %s: %w", id, err)
	}
	return inc, nil
}

// Clear deletes all stored history.
func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.indexKey(), r.dataKey()).Err(); err != nil {
		return fmt.Errorf("failed to clear incidents: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
