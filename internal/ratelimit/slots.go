package ratelimit

import (
	"context"
	"errors"
	"time"

	"callagent/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// ActiveCalls caps in-flight calls per user with a Redis counter.
// The TTL reclaims slots whose release was lost.
type ActiveCalls struct {
	rdb   redis.Scripter
	limit int
	ttl   time.Duration
}

func NewActiveCalls(rdb redis.Scripter, limit int, ttl time.Duration) (*ActiveCalls, error) {
	if rdb == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	if limit <= 0 || ttl <= 0 {
		return nil, errors.New("ratelimit: limit and ttl must be positive")
	}
	return &ActiveCalls{rdb: rdb, limit: limit, ttl: ttl}, nil
}

func activeKey(userID string) string { return "calls:active:" + userID }

func (a *ActiveCalls) Acquire(ctx context.Context, userID string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, a.rdb, activeKey(userID), a.limit, a.ttl)
}

func (a *ActiveCalls) Release(ctx context.Context, userID string) error {
	return utils.ReleaseConcurrencyCap(ctx, a.rdb, activeKey(userID))
}
