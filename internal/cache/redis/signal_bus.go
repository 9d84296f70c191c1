package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

const (
	// Streams are trimmed to about this many entries on append.
	streamCap = 10_000
	// Buffered pub/sub messages per subscriber before go-redis drops.
	subscriberBuffer = 256
	payloadField     = "payload"
)

// SignalBus carries market events over pub/sub and cluster traffic over
// streams. Names are namespaced on the wire; callers use bare names.
type SignalBus struct {
	c *Client
	// groups caches stream/group pairs known to exist.
	groups sync.Map
}

func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{c: c}
}

func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.c.rdb.Publish(ctx, sb.c.key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on channel, which may be a glob pattern. The returned
// channel closes once ctx is done or the connection is lost.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	name := sb.c.key(channel)
	sub := sb.c.rdb.Subscribe
	if strings.ContainsAny(channel, "*?[") {
		sub = sb.c.rdb.PSubscribe
	}
	ps := sub(ctx, name)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	msgs := ps.Channel(redis.WithChannelSize(subscriberBuffer))
	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			var m *redis.Message
			var ok bool
			select {
			case <-ctx.Done():
				return
			case m, ok = <-msgs:
			}
			if !ok {
				return
			}
			select {
			case out <- []byte(m.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: sb.c.key(stream),
		MaxLen: streamCap,
		Approx: true,
		Values: []any{payloadField, payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: xadd %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID. With block > 0 it
// waits that long for the first entry; a timeout is not an error.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int, block time.Duration) ([]domain.StreamMessage, error) {
	if block <= 0 {
		// go-redis omits BLOCK for negative values.
		block = -1
	}
	res, err := sb.c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{sb.c.key(stream), lastID},
		Count:   int64(count),
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: xread %s: %w", stream, err)
	}

	var out []domain.StreamMessage
	for _, s := range res {
		out = append(out, decodeEntries(s.Messages)...)
	}
	return out, nil
}

// StreamGroupRead reads through a consumer group with XREADGROUP. The group
// is created on first use at id 0 so the backlog is delivered.
func (sb *SignalBus) StreamGroupRead(ctx context.Context, stream, group, consumer, lastID string, count int, block time.Duration) ([]domain.StreamMessage, error) {
	key := sb.c.key(stream)
	if err := sb.ensureGroup(ctx, key, group); err != nil {
		return nil, fmt.Errorf("redis: xgroup create %s/%s: %w", stream, group, err)
	}
	if block <= 0 {
		block = -1
	}
	res, err := sb.c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, lastID},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			// Deleted behind our back; recreate on the next read.
			sb.groups.Delete(key + "/" + group)
		}
		return nil, fmt.Errorf("redis: xreadgroup %s/%s: %w", stream, group, err)
	}

	var out []domain.StreamMessage
	for _, s := range res {
		out = append(out, decodeEntries(s.Messages)...)
	}
	return out, nil
}

func (sb *SignalBus) StreamAck(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := sb.c.rdb.XAck(ctx, sb.c.key(stream), group, ids...).Err(); err != nil {
		return fmt.Errorf("redis: xack %s/%s: %w", stream, group, err)
	}
	return nil
}

func (sb *SignalBus) ensureGroup(ctx context.Context, key, group string) error {
	if _, ok := sb.groups.Load(key + "/" + group); ok {
		return nil
	}
	err := sb.c.rdb.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	sb.groups.Store(key+"/"+group, struct{}{})
	return nil
}

// decodeEntries keeps entries that carry a payload field. Entries written
// by other tools are skipped.
func decodeEntries(entries []redis.XMessage) []domain.StreamMessage {
	out := make([]domain.StreamMessage, 0, len(entries))
	for _, e := range entries {
		var data []byte
		switch v := e.Values[payloadField].(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		default:
			continue
		}
		out = append(out, domain.StreamMessage{ID: e.ID, Payload: data})
	}
	return out
}

var _ domain.SignalBus = (*SignalBus)(nil)
