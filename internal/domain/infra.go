package domain

import (
	"context"
	"io"
	"time"
)

// MarketCache holds the public market view for read-heavy endpoints. It is
// never consulted by commit paths; the ledger stays authoritative.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	// Get returns ErrNotFound on a miss.
	Get(ctx context.Context, id string) (Market, error)
	Invalidate(ctx context.Context, id string) error
}

// RateLimiter counts requests per key over a sliding window shared by every
// API instance.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager hands out expiring exclusive locks. Acquire returns
// ErrLockHeld when another holder has key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// ReplayGuard remembers keys for a while. Claim reports false when key was
// already claimed and has not yet expired.
type ReplayGuard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// StreamMessage is one durable stream entry.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries fire-and-forget events over pub/sub and cluster jobs
// and results over durable streams. Subscribe accepts glob patterns.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	// StreamRead returns entries after lastID, waiting up to block for
	// new ones. A timeout yields no entries and no error.
	StreamRead(ctx context.Context, stream string, lastID string, count int, block time.Duration) ([]StreamMessage, error)
	// StreamGroupRead reads stream as consumer within group. lastID ">"
	// returns entries not yet delivered to the group; any other id returns
	// the consumer's unacknowledged entries after it. A missing group is
	// created at the start of the stream, so entries appended while no
	// consumer ran are still delivered.
	StreamGroupRead(ctx context.Context, stream, group, consumer, lastID string, count int, block time.Duration) ([]StreamMessage, error)
	StreamAck(ctx context.Context, stream, group string, ids ...string) error
}

// BlobWriter uploads archive objects.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobChecker confirms an upload landed before its source is pruned.
type BlobChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}
