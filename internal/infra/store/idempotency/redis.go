// Package idempotency maps caller-supplied Idempotency-Key headers to
// the task they already produced.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisIndex struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisIndex(rdb redis.Cmdable, ttl time.Duration) *redisIndex {
	return &redisIndex{rdb: rdb, ttl: ttl}
}

// Get returns the task ID recorded for the key, if any.
func (i *redisIndex) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}

	id, err := i.rdb.Get(ctx, idempKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get idempotency: %w", err)
	}

	return id, id != "", nil
}

func (i *redisIndex) Set(ctx context.Context, key, taskID string) error {
	if key == "" {
		return nil
	}

	if err := i.rdb.Set(ctx, idempKey(key), taskID, i.ttl).Err(); err != nil {
		return fmt.Errorf("redis set idempotency: %w", err)
	}

	return nil
}

func idempKey(k string) string {
	return "dispatch:idemp:" + k
}
