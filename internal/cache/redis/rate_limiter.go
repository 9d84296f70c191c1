package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowSrc string

var slidingWindow = redis.NewScript(slidingWindowSrc)

// RateLimiter is a sliding-window limiter over a sorted set per key. The
// script reads the Redis clock, so instances with skewed clocks still share
// one window.
type RateLimiter struct {
	c *Client
}

func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{c: c}
}

func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	res, err := slidingWindow.Run(ctx, rl.c.rdb,
		[]string{rl.c.key("ratelimit", key)},
		window.Microseconds(), limit,
	).Int64Slice()
	switch {
	case err != nil:
		return false, fmt.Errorf("redis: rate limit %s: %w", key, err)
	case len(res) != 2:
		return false, fmt.Errorf("redis: rate limit %s: malformed reply %v", key, res)
	}
	return res[0] == 1, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
