package mxe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

// memBus is an in-memory SignalBus with Redis-like stream ids and
// consumer groups.
type memBus struct {
	mu      sync.Mutex
	seq     int64
	streams map[string][]domain.StreamMessage
	groups  map[string]*memGroup
}

type memGroup struct {
	next    int
	pending map[string][]domain.StreamMessage
}

func newMemBus() *memBus {
	return &memBus{
		streams: make(map[string][]domain.StreamMessage),
		groups:  make(map[string]*memGroup),
	}
}

func (b *memBus) Publish(context.Context, string, []byte) error { return nil }

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), b.seq)
	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{ID: id, Payload: payload})
	return nil
}

func parseID(id string) (int64, int64) {
	ms, seq, _ := strings.Cut(id, "-")
	a, _ := strconv.ParseInt(ms, 10, 64)
	c, _ := strconv.ParseInt(seq, 10, 64)
	return a, c
}

func after(id, last string) bool {
	a1, s1 := parseID(id)
	a2, s2 := parseID(last)
	return a1 > a2 || (a1 == a2 && s1 > s2)
}

func (b *memBus) StreamRead(ctx context.Context, stream, lastID string, count int, block time.Duration) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		if after(m.ID, lastID) && len(out) < count {
			out = append(out, m)
		}
	}
	b.mu.Unlock()
	if len(out) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return out, nil
}

func (b *memBus) StreamGroupRead(ctx context.Context, stream, group, consumer, lastID string, count int, block time.Duration) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	g, ok := b.groups[stream+"/"+group]
	if !ok {
		g = &memGroup{pending: make(map[string][]domain.StreamMessage)}
		b.groups[stream+"/"+group] = g
	}
	var out []domain.StreamMessage
	if lastID == ">" {
		entries := b.streams[stream]
		for g.next < len(entries) && len(out) < count {
			out = append(out, entries[g.next])
			g.next++
		}
		g.pending[consumer] = append(g.pending[consumer], out...)
	} else {
		for _, m := range g.pending[consumer] {
			if after(m.ID, lastID) && len(out) < count {
				out = append(out, m)
			}
		}
	}
	b.mu.Unlock()
	if len(out) == 0 && block > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return out, nil
}

func (b *memBus) StreamAck(_ context.Context, stream, group string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[stream+"/"+group]
	if !ok {
		return nil
	}
	acked := make(map[string]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
	}
	for consumer, msgs := range g.pending {
		kept := msgs[:0]
		for _, m := range msgs {
			if !acked[m.ID] {
				kept = append(kept, m)
			}
		}
		g.pending[consumer] = kept
	}
	return nil
}

func (b *memBus) unacked(stream, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	if g, ok := b.groups[stream+"/"+group]; ok {
		for _, msgs := range g.pending {
			n += len(msgs)
		}
	}
	return n
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

func TestStreamClusterRoundTrip(t *testing.T) {
	exec := newTestExecutor(t)
	bus := newMemBus()
	locks := &memLocks{held: make(map[string]bool)}
	cfg := StreamConfig{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &collectSink{results: make(chan Result, 8)}
	cluster := NewStreamCluster(bus, cfg, discardLogger())
	go func() { _ = cluster.Run(ctx, sink) }()
	// Two nodes share the group; each job is delivered to one of them.
	for i := 0; i < 2; i++ {
		node := NewNode(exec, bus, locks, cfg, discardLogger())
		go func() { _ = node.Run(ctx) }()
	}
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, cluster.Submit(ctx, Job{RequestID: "p1", Kind: domain.KindInitUserPosition, PositionRef: positionRef}))

	select {
	case res := <-sink.results:
		assert.Equal(t, "p1", res.RequestID)
		assert.Equal(t, StatusSuccess, res.Status)
		require.NotNil(t, res.InitPosition)
	case <-time.After(5 * time.Second):
		t.Fatal("no result delivered")
	}

	select {
	case res := <-sink.results:
		t.Fatalf("job executed twice: %+v", res)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNodePicksUpJobsSubmittedWhileStopped(t *testing.T) {
	exec := newTestExecutor(t)
	bus := newMemBus()
	locks := &memLocks{held: make(map[string]bool)}
	cfg := StreamConfig{NodeName: "n1"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &collectSink{results: make(chan Result, 8)}
	cluster := NewStreamCluster(bus, cfg, discardLogger())
	go func() { _ = cluster.Run(ctx, sink) }()
	time.Sleep(20 * time.Millisecond)

	// No node is running yet.
	require.NoError(t, cluster.Submit(ctx, Job{RequestID: "p1", Kind: domain.KindInitUserPosition, PositionRef: positionRef}))

	node := NewNode(exec, bus, locks, cfg, discardLogger())
	go func() { _ = node.Run(ctx) }()

	select {
	case res := <-sink.results:
		assert.Equal(t, "p1", res.RequestID)
		assert.Equal(t, StatusSuccess, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("backlogged job never ran")
	}
	assert.Eventually(t, func() bool {
		return bus.unacked(DefaultJobStream, DefaultNodeGroup) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestNodeReplaysUnackedJobsAfterRestart(t *testing.T) {
	exec := newTestExecutor(t)
	bus := newMemBus()
	locks := &memLocks{held: make(map[string]bool)}
	cfg := StreamConfig{NodeName: "n1"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &collectSink{results: make(chan Result, 8)}
	cluster := NewStreamCluster(bus, cfg, discardLogger())
	go func() { _ = cluster.Run(ctx, sink) }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, cluster.Submit(ctx, Job{RequestID: "p1", Kind: domain.KindInitUserPosition, PositionRef: positionRef}))
	// n1 read the job and died before acknowledging it.
	read, err := bus.StreamGroupRead(ctx, DefaultJobStream, DefaultNodeGroup, "n1", ">", 10, 0)
	require.NoError(t, err)
	require.Len(t, read, 1)

	// Another member of the group does not see it again.
	other, err := bus.StreamGroupRead(ctx, DefaultJobStream, DefaultNodeGroup, "n2", ">", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, other)

	node := NewNode(exec, bus, locks, cfg, discardLogger())
	go func() { _ = node.Run(ctx) }()

	select {
	case res := <-sink.results:
		assert.Equal(t, "p1", res.RequestID)
	case <-time.After(5 * time.Second):
		t.Fatal("unacked job was not replayed")
	}
	assert.Eventually(t, func() bool {
		return bus.unacked(DefaultJobStream, DefaultNodeGroup) == 0
	}, time.Second, 10*time.Millisecond)
}
