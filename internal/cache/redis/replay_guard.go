package redis

import (
	"context"
	"fmt"
	"time"
)

// ReplayGuard implements domain.ReplayGuard with SET NX. The first caller
// for a key wins until the key expires.
type ReplayGuard struct {
	c *Client
}

func NewReplayGuard(c *Client) *ReplayGuard {
	return &ReplayGuard{c: c}
}

func (g *ReplayGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.c.rdb.SetNX(ctx, g.c.key("replay", key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: replay claim: %w", err)
	}
	return ok, nil
}
