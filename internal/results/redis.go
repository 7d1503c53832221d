package results

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sqllab/internal/domain"
)

var _ domain.ResultsBackend = (*RedisBackend)(nil)

// RedisBackend stores result blobs in Redis with a server-side TTL. Redis
// serializes operations per key, which gives the store its idempotency
// semantics across workers.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisBackend creates a RedisBackend. ttl <= 0 means no expiry.
func NewRedisBackend(client *redis.Client, ttl time.Duration) *RedisBackend {
	return &RedisBackend{client: client, ttl: ttl, prefix: "sqllab:results:"}
}

func (b *RedisBackend) key(k string) string   { return b.prefix + k }
func (b *RedisBackend) tsKey(k string) string { return b.prefix + k + ":ts" }

// Store writes the payload under key if absent. Re-storing byte-equal
// content returns the original store time; different content fails with
// *ResultsConflictError and leaves the existing blob untouched.
func (b *RedisBackend) Store(ctx context.Context, key string, payload []byte) (time.Time, error) {
	now := time.Now()

	set, err := b.client.SetNX(ctx, b.key(key), payload, b.ttl).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("results store: %w", err)
	}
	if set {
		_ = b.client.SetNX(ctx, b.tsKey(key), strconv.FormatInt(now.UnixMilli(), 10), b.ttl).Err()
		return now, nil
	}

	existing, err := b.client.Get(ctx, b.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Expired between SetNX and Get; try once more.
			return b.Store(ctx, key, payload)
		}
		return time.Time{}, fmt.Errorf("results store readback: %w", err)
	}
	if !bytes.Equal(existing, payload) {
		conflict := &domain.ResultsConflictError{Key: key}
		if ms, tsErr := b.client.Get(ctx, b.tsKey(key)).Int64(); tsErr == nil {
			conflict.StoredAt = time.UnixMilli(ms)
		}
		return time.Time{}, conflict
	}

	if ms, err := b.client.Get(ctx, b.tsKey(key)).Int64(); err == nil {
		return time.UnixMilli(ms), nil
	}
	return now, nil
}

// Load returns the payload or *NotFoundError when missing or expired.
func (b *RedisBackend) Load(ctx context.Context, key string) ([]byte, error) {
	payload, err := b.client.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound("results for key %s not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("results load: %w", err)
	}
	return payload, nil
}

// Delete removes the blob; deleting a missing key is not an error.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.key(key), b.tsKey(key)).Err(); err != nil {
		return fmt.Errorf("results delete: %w", err)
	}
	return nil
}
