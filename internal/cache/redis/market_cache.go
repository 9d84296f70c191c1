package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

//go:embed scripts/cache_set.lua
var cacheSetSrc string

var cacheSet = redis.NewScript(cacheSetSrc)

// MarketCache keeps the public market view in a hash per market:
//
//	{ns}:market:{id}  v = JSON market, at = updated_at in unix nanoseconds
//
// Writes carrying an older updated_at than the cached copy are ignored, so
// relays racing on different instances cannot roll a market back. Entries
// expire after a jittered TTL to spread refills.
type MarketCache struct {
	c      *Client
	ttl    time.Duration
	jitter time.Duration
}

func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{c: c, ttl: 5 * time.Minute, jitter: 30 * time.Second}
}

func (mc *MarketCache) expiry() time.Duration {
	if mc.jitter <= 0 {
		return mc.ttl
	}
	return mc.ttl + rand.N(mc.jitter)
}

func (mc *MarketCache) Set(ctx context.Context, m domain.Market) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("redis: encode market %s: %w", m.ID, err)
	}
	err = cacheSet.Run(ctx, mc.c.rdb,
		[]string{mc.c.key("market", m.ID)},
		raw, m.UpdatedAt.UnixNano(), mc.expiry().Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: cache market %s: %w", m.ID, err)
	}
	return nil
}

func (mc *MarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	var m domain.Market
	raw, err := mc.c.rdb.HGet(ctx, mc.c.key("market", id), "v").Bytes()
	if errors.Is(err, redis.Nil) {
		return m, domain.ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("redis: read market %s: %w", id, err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("redis: decode market %s: %w", id, err)
	}
	return m, nil
}

func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	if err := mc.c.rdb.Unlink(ctx, mc.c.key("market", id)).Err(); err != nil {
		return fmt.Errorf("redis: drop market %s: %w", id, err)
	}
	return nil
}

var _ domain.MarketCache = (*MarketCache)(nil)
