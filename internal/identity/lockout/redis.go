package lockout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bissquit/sheetdash/internal/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "sheetdash:lockout:"

// RedisStore keeps lockout state in Redis so every replica sees the same
// counters.
type RedisStore struct {
	client *redis.Client
	cfg    Config
}

// NewRedisStore creates a Redis backed lockout store.
func NewRedisStore(client *redis.Client, cfg Config) *RedisStore {
	return &RedisStore{client: client, cfg: cfg.withDefaults()}
}

// IsLocked reports whether key is locked and for how long.
func (s *RedisStore) IsLocked(ctx context.Context, key string) (bool, time.Duration, error) {
	if s.cfg.MaxAttempts <= 0 {
		return false, 0, nil
	}

	ttl, err := s.client.PTTL(ctx, s.lockKey(key)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("read lock: %w", err)
	}
	// PTTL returns a negative duration for missing keys.
	if ttl <= 0 {
		return false, 0, nil
	}
	return true, ttl, nil
}

// RecordFailure counts a failed attempt and locks key once the limit is reached.
func (s *RedisStore) RecordFailure(ctx context.Context, key string) error {
	if s.cfg.MaxAttempts <= 0 {
		return nil
	}

	failKey := s.failKey(key)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, failKey)
	pipe.ExpireNX(ctx, failKey, s.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}

	if incr.Val() < int64(s.cfg.MaxAttempts) {
		return nil
	}

	pipe = s.client.TxPipeline()
	pipe.Set(ctx, s.lockKey(key), 1, s.cfg.Cooldown)
	pipe.Del(ctx, failKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set lock: %w", err)
	}
	metrics.LockoutsTotal.Inc()
	return nil
}

// Reset clears the failure history of key.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.failKey(key), s.lockKey(key)).Err(); err != nil {
		return fmt.Errorf("reset lockout: %w", err)
	}
	return nil
}

// Keys are hashed so raw addresses never land in Redis.
func (s *RedisStore) failKey(key string) string {
	return keyPrefix + "fail:" + hashKey(key)
}

func (s *RedisStore) lockKey(key string) string {
	return keyPrefix + "lock:" + hashKey(key)
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
