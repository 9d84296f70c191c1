package mxe

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// LocalCluster executes jobs in-process on a fixed pool of workers. It is
// used in full mode and in tests.
type LocalCluster struct {
	exec    *Executor
	workers int
	jobs    chan Job
	logger  *slog.Logger
}

// NewLocalCluster creates a LocalCluster with the given worker count.
func NewLocalCluster(exec *Executor, workers int, logger *slog.Logger) *LocalCluster {
	if workers < 1 {
		workers = 1
	}
	return &LocalCluster{
		exec:    exec,
		workers: workers,
		jobs:    make(chan Job, 256),
		logger:  logger.With(slog.String("component", "mxe_local")),
	}
}

// Submit queues job for execution.
func (c *LocalCluster) Submit(ctx context.Context, job Job) error {
	select {
	case c.jobs <- job:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mxe: submit %s: %w", job.RequestID, ctx.Err())
	}
}

// Run starts the workers and delivers every result to sink. It blocks until
// ctx is cancelled.
func (c *LocalCluster) Run(ctx context.Context, sink Sink) error {
	c.logger.InfoContext(ctx, "local cluster started", slog.Int("workers", c.workers))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case job := <-c.jobs:
					res := c.exec.Execute(ctx, job)
					if err := sink.Callback(ctx, res); err != nil {
						c.logger.ErrorContext(ctx, "result delivery failed",
							slog.String("request_id", job.RequestID),
							slog.String("error", err.Error()),
						)
					}
				}
			}
		})
	}
	return g.Wait()
}

var _ Cluster = (*LocalCluster)(nil)
