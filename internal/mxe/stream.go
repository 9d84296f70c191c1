package mxe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

// Default stream and group names.
const (
	DefaultJobStream    = "mxe:jobs"
	DefaultResultStream = "mxe:results"
	DefaultNodeGroup    = "mxe-nodes"
)

const (
	streamBatch = 64
	streamBlock = 2 * time.Second
	// claimTTL bounds how long a job claim is held. Claims are not released
	// after execution so nodes that read the job later skip it.
	claimTTL = 10 * time.Minute
)

// StreamConfig names the streams shared by coordinators and nodes.
type StreamConfig struct {
	JobStream    string
	ResultStream string
	// NodeGroup is the consumer group nodes read jobs through.
	NodeGroup string
	// NodeName identifies a node within the group. A node restarted under
	// the same name first finishes the jobs it had read but not acked.
	// Defaults to the host name.
	NodeName string
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.JobStream == "" {
		c.JobStream = DefaultJobStream
	}
	if c.ResultStream == "" {
		c.ResultStream = DefaultResultStream
	}
	if c.NodeGroup == "" {
		c.NodeGroup = DefaultNodeGroup
	}
	if c.NodeName == "" {
		c.NodeName, _ = os.Hostname()
		if c.NodeName == "" {
			c.NodeName = "node"
		}
	}
	return c
}

// StreamCluster is the coordinator-side view of a cluster reached over
// durable streams. Jobs are appended to the job stream and results are read
// back from the result stream.
type StreamCluster struct {
	bus    domain.SignalBus
	cfg    StreamConfig
	logger *slog.Logger
}

// NewStreamCluster creates a StreamCluster on bus.
func NewStreamCluster(bus domain.SignalBus, cfg StreamConfig, logger *slog.Logger) *StreamCluster {
	return &StreamCluster{
		bus:    bus,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "mxe_stream")),
	}
}

// Submit appends job to the job stream.
func (c *StreamCluster) Submit(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("mxe: marshal job %s: %w", job.RequestID, err)
	}
	if err := c.bus.StreamAppend(ctx, c.cfg.JobStream, payload); err != nil {
		return fmt.Errorf("mxe: submit %s: %w", job.RequestID, err)
	}
	return nil
}

// Run reads results and delivers them to sink until ctx is cancelled. Only
// results appended after Run starts are read; results for computations
// still pending after a restart are produced again when the coordinator
// redispatches them.
func (c *StreamCluster) Run(ctx context.Context, sink Sink) error {
	c.logger.InfoContext(ctx, "result reader started", slog.String("stream", c.cfg.ResultStream))
	return consume(ctx, c.bus, c.cfg.ResultStream, c.logger, func(ctx context.Context, payload []byte) {
		var res Result
		if err := json.Unmarshal(payload, &res); err != nil {
			c.logger.WarnContext(ctx, "skipping malformed result", slog.String("error", err.Error()))
			return
		}
		if err := sink.Callback(ctx, res); err != nil {
			c.logger.ErrorContext(ctx, "result callback failed",
				slog.String("request_id", res.RequestID),
				slog.String("error", err.Error()),
			)
		}
	})
}

// Node is a cluster member. It reads jobs from the job stream through a
// consumer group, so jobs submitted while no node runs wait for the first
// one to start. Each job is claimed with a distributed lock so a
// redispatched copy is not executed twice, and the result is appended to
// the result stream.
type Node struct {
	exec   *Executor
	bus    domain.SignalBus
	locks  domain.LockManager
	cfg    StreamConfig
	logger *slog.Logger
}

// NewNode creates a Node.
func NewNode(exec *Executor, bus domain.SignalBus, locks domain.LockManager, cfg StreamConfig, logger *slog.Logger) *Node {
	return &Node{
		exec:   exec,
		bus:    bus,
		locks:  locks,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "mxe_node")),
	}
}

// Run processes jobs until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	n.logger.InfoContext(ctx, "cluster node started",
		slog.String("stream", n.cfg.JobStream),
		slog.String("group", n.cfg.NodeGroup),
		slog.String("node", n.cfg.NodeName),
	)
	return consumeGroup(ctx, n.bus, n.cfg.JobStream, n.cfg.NodeGroup, n.cfg.NodeName, n.logger, n.handle)
}

// handle runs one job. It returns an error only when the job should stay
// unacknowledged and be read again after a restart.
func (n *Node) handle(ctx context.Context, payload []byte) error {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		n.logger.WarnContext(ctx, "skipping malformed job", slog.String("error", err.Error()))
		return nil
	}

	// Redispatched jobs reuse the request id but read newer inputs, so the
	// claim covers the exact input version.
	key := "mxe:job:" + job.RequestID
	if job.Market != nil {
		key += ":" + job.Market.Nonce.String()
	}
	if job.Position != nil {
		key += ":" + job.Position.Nonce.String()
	}
	if _, err := n.locks.Acquire(ctx, key, claimTTL); err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			n.logger.DebugContext(ctx, "job claimed by another node", slog.String("request_id", job.RequestID))
			return nil
		}
		n.logger.ErrorContext(ctx, "claim job failed",
			slog.String("request_id", job.RequestID),
			slog.String("error", err.Error()),
		)
		return err
	}

	res := n.exec.Execute(ctx, job)
	out, err := json.Marshal(res)
	if err != nil {
		n.logger.ErrorContext(ctx, "marshal result failed",
			slog.String("request_id", job.RequestID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := n.bus.StreamAppend(ctx, n.cfg.ResultStream, out); err != nil {
		n.logger.ErrorContext(ctx, "publish result failed",
			slog.String("request_id", job.RequestID),
			slog.String("error", err.Error()),
		)
	}
	// The claim is kept, so a reread would be skipped anyway.
	return nil
}

// consume tails stream from the moment it is called, calling fn for each
// payload in order.
func consume(ctx context.Context, bus domain.SignalBus, stream string, logger *slog.Logger, fn func(context.Context, []byte)) error {
	lastID := fmt.Sprintf("%d-0", time.Now().UnixMilli())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := bus.StreamRead(ctx, stream, lastID, streamBatch, streamBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WarnContext(ctx, "stream read failed",
				slog.String("stream", stream),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			lastID = msg.ID
			fn(ctx, msg.Payload)
		}
	}
}

// consumeGroup reads stream as consumer in group, calling fn for each
// payload and acknowledging it unless fn fails. Entries this consumer read
// but never acknowledged before a restart are replayed first.
func consumeGroup(ctx context.Context, bus domain.SignalBus, stream, group, consumer string, logger *slog.Logger, fn func(context.Context, []byte) error) error {
	lastID := "0"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		block := streamBlock
		if lastID != ">" {
			block = 0
		}
		msgs, err := bus.StreamGroupRead(ctx, stream, group, consumer, lastID, streamBatch, block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WarnContext(ctx, "stream group read failed",
				slog.String("stream", stream),
				slog.String("group", group),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if lastID != ">" && len(msgs) == 0 {
			lastID = ">"
			continue
		}
		for _, msg := range msgs {
			if lastID != ">" {
				lastID = msg.ID
			}
			if err := fn(ctx, msg.Payload); err != nil {
				continue
			}
			if err := bus.StreamAck(ctx, stream, group, msg.ID); err != nil {
				logger.WarnContext(ctx, "stream ack failed",
					slog.String("stream", stream),
					slog.String("id", msg.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

var _ Cluster = (*StreamCluster)(nil)
