package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/arxpredict/internal/blob/s3"
	"github.com/alanyoungcy/arxpredict/internal/coordinator"
	"github.com/alanyoungcy/arxpredict/internal/crypto"
	"github.com/alanyoungcy/arxpredict/internal/mxe"
	"github.com/alanyoungcy/arxpredict/internal/server"
	"github.com/alanyoungcy/arxpredict/internal/server/handler"
	"github.com/alanyoungcy/arxpredict/internal/server/ws"
	"github.com/alanyoungcy/arxpredict/internal/service"
)

// FullMode runs the coordinator, an in-process cluster and the API in one
// process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	exec, err := a.buildExecutor()
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	cluster := mxe.NewLocalCluster(exec, a.cfg.MXE.Workers, a.logger)
	coord := a.buildCoordinator(deps, cluster)
	g.Go(func() error {
		return cluster.Run(ctx, coord)
	})

	if _, err := coord.Recover(ctx); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, coord, exec.PublicKey())
	}

	return g.Wait()
}

// CoordinatorMode runs the coordinator and the API. Jobs reach the cluster
// over the job stream and results come back on the result stream.
func (a *App) CoordinatorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting coordinator mode",
		slog.String("job_stream", a.cfg.Coordinator.JobStream),
		slog.String("result_stream", a.cfg.Coordinator.ResultStream),
	)

	g, ctx := errgroup.WithContext(ctx)

	cluster := mxe.NewStreamCluster(deps.SignalBus, a.streamConfig(), a.logger)
	coord := a.buildCoordinator(deps, cluster)
	g.Go(func() error {
		return cluster.Run(ctx, coord)
	})

	if _, err := coord.Recover(ctx); err != nil {
		return fmt.Errorf("coordinator mode: %w", err)
	}

	if a.cfg.Server.Enabled {
		pub, err := parsePublicKey(a.cfg.MXE.PublicKey)
		if err != nil {
			return fmt.Errorf("coordinator mode: %w", err)
		}
		a.startHTTPServer(ctx, g, deps, coord, pub)
	}

	return g.Wait()
}

// ClusterMode runs a single cluster node against the job stream.
func (a *App) ClusterMode(ctx context.Context, deps *Dependencies) error {
	exec, err := a.buildExecutor()
	if err != nil {
		return fmt.Errorf("cluster mode: %w", err)
	}
	pub := exec.PublicKey()
	a.logger.InfoContext(ctx, "starting cluster mode",
		slog.String("key_id", a.cfg.MXE.KeyID),
		slog.String("public_key", hex.EncodeToString(pub[:])),
	)

	node := mxe.NewNode(exec, deps.SignalBus, deps.LockManager, a.streamConfig(), a.logger)
	return node.Run(ctx)
}

// ArchiveMode moves events older than the retention window to object
// storage and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	archiver := s3blob.NewArchiver(deps.Archive, deps.BlobWriter, deps.BlobChecker, s3blob.ArchiverConfig{
		Prefix:    a.cfg.Archive.Prefix,
		ChunkSize: a.cfg.Archive.ChunkSize,
	}, a.logger)

	before := a.cfg.ArchiveCutoff(time.Now().UTC())
	n, err := archiver.Archive(ctx, before)
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	a.logger.InfoContext(ctx, "archive pass complete",
		slog.Int64("events", n),
		slog.Time("before", before),
	)
	return nil
}

func (a *App) buildExecutor() (*mxe.Executor, error) {
	master, err := crypto.LoadKey(crypto.KeyConfig{
		RawKey:           a.cfg.MXE.MasterKey,
		EncryptedKeyPath: a.cfg.MXE.EncryptedKeyPath,
		KeyPassword:      a.cfg.MXE.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("load mxe key: %w", err)
	}
	return mxe.NewExecutor(a.cfg.MXE.KeyID, master, a.logger)
}

func (a *App) streamConfig() mxe.StreamConfig {
	return mxe.StreamConfig{
		JobStream:    a.cfg.Coordinator.JobStream,
		ResultStream: a.cfg.Coordinator.ResultStream,
		NodeGroup:    a.cfg.Coordinator.NodeGroup,
		NodeName:     a.cfg.Coordinator.NodeName,
	}
}

// serviceConfig captures the market rules handed to every service.
func (a *App) serviceConfig() service.Config {
	m := a.cfg.Market
	return service.Config{
		MinLiquidity:      m.MinLiquidity,
		ShareUnit:         m.ShareUnit,
		PayoutPerShare:    m.PayoutPerShare,
		TokenDecimals:     uint8(m.TokenDecimals),
		RevealInterval:    m.RevealInterval.Duration,
		MaxQuestionLength: m.MaxQuestionLength,
		MaxOptionLength:   m.MaxOptionLength,
	}
}

func (a *App) buildCoordinator(deps *Dependencies, cluster mxe.Cluster) *coordinator.Coordinator {
	coord := coordinator.New(deps.Ledger, cluster, a.logger,
		coordinator.WithPublisher(deps.Relay),
		coordinator.WithMetrics(deps.Metrics),
	)
	service.RegisterHandlers(coord, a.serviceConfig(), deps.Metrics)
	return coord
}

func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	coord *coordinator.Coordinator,
	publicKey [32]byte,
) {
	markets := service.NewMarketService(deps.Ledger, coord, deps.MarketCache, deps.Relay, a.serviceConfig(), deps.Metrics, a.logger)
	trades := service.NewTradeService(deps.Ledger, coord, deps.Relay, deps.Metrics, a.logger)

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
		StartedAt:      time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:              a.cfg.Server.Port,
		CORSOrigins:       a.cfg.Server.CORSOrigins,
		APIKey:            a.cfg.Server.APIKey,
		RequireSignatures: a.cfg.Server.RequireSignatures,
		SignatureMaxAge:   a.cfg.Server.SignatureMaxAge.Duration,
		RateLimit:         a.cfg.Server.RateLimit,
		RateWindow:        a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, publicKey, a.logger),
		Markets: handler.NewMarketHandler(markets, a.logger),
		Trades:  handler.NewTradeHandler(trades, a.logger),
	}, hub, deps.RateLimiter, deps.ReplayGuard, deps.Metrics, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// parsePublicKey decodes the hex cluster public key served to clients.
func parsePublicKey(s string) ([32]byte, error) {
	var pub [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return pub, fmt.Errorf("mxe public key: %w", err)
	}
	if len(raw) != len(pub) {
		return pub, fmt.Errorf("mxe public key: want %d bytes, got %d", len(pub), len(raw))
	}
	copy(pub[:], raw)
	return pub, nil
}
