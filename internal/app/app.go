// Package app assembles the prediction market process: it wires storage,
// caches and the computation cluster, then runs the goroutines of the
// configured mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/arxpredict/internal/config"
)

// modeFunc runs one operating mode until ctx is done or its work ends.
type modeFunc func(*App, context.Context, *Dependencies) error

var modes = map[string]modeFunc{
	"full":        (*App).FullMode,
	"coordinator": (*App).CoordinatorMode,
	"cluster":     (*App).ClusterMode,
	"archive":     (*App).ArchiveMode,
}

// App owns the configuration and the resources opened by Wire.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	closeOnce sync.Once
	cleanup   func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies and blocks in the configured mode.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	run, ok := modes[mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.cleanup = cleanup

	a.logger.InfoContext(ctx, "running",
		slog.String("mode", mode),
		slog.String("storage", a.cfg.Storage.Driver),
		slog.Int("health_checks", len(deps.Checks)),
	)
	return run(a, ctx, deps)
}

// Close releases everything Wire opened. Later calls do nothing.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.cleanup != nil {
			a.logger.Info("releasing resources")
			a.cleanup()
		}
	})
}
