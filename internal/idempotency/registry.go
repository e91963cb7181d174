// Package idempotency de-duplicates submissions that carry a client key,
// using Redis keys with a TTL.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "genpipe:idem:"
	pendingValue = "pending"
)

// ErrEmptyKey is returned for a blank idempotency key.
var ErrEmptyKey = errors.New("idempotency key cannot be empty")

// Claim is the outcome of claiming a key.
type Claim struct {
	// Claimed is true when the caller now owns the key.
	Claimed bool
	// Pending is true when another caller owns the key and has not
	// recorded a result yet.
	Pending bool
	// Result is the value recorded by the previous owner.
	Result string
}

// RedisRegistry stores keys in Redis with a TTL.
type RedisRegistry struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisRegistry creates a registry. Keys expire after ttl.
func NewRedisRegistry(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisRegistry{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "idempotency"),
	}
}

// Key scopes a client key to its user.
func Key(userID uuid.UUID, clientKey string) string {
	return keyPrefix + userID.String() + ":" + clientKey
}

// Claim takes key if nobody holds it, or reports what the holder recorded.
func (r *RedisRegistry) Claim(ctx context.Context, key string) (Claim, error) {
	if key == "" {
		return Claim{}, ErrEmptyKey
	}

	ok, err := r.client.SetNX(ctx, key, pendingValue, r.ttl).Result()
	if err != nil {
		return Claim{}, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if ok {
		return Claim{Claimed: true}, nil
	}

	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		ok, err = r.client.SetNX(ctx, key, pendingValue, r.ttl).Result()
		if err != nil {
			return Claim{}, fmt.Errorf("failed to claim idempotency key: %w", err)
		}
		return Claim{Claimed: ok, Pending: !ok}, nil
	}
	if err != nil {
		return Claim{}, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if val == pendingValue {
		return Claim{Pending: true}, nil
	}
	return Claim{Result: val}, nil
}

// Complete records the result of the submission owning key.
func (r *RedisRegistry) Complete(ctx context.Context, key, result string) error {
	if err := r.client.Set(ctx, key, result, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record idempotency result: %w", err)
	}
	return nil
}

// Release frees key so the client may retry, after a rejected submission.
func (r *RedisRegistry) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.logger.WarnContext(ctx, "failed to release idempotency key", "error", err)
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
