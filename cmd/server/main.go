package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/example/workspace-sync/internal/api"
	"github.com/example/workspace-sync/internal/auth"
	"github.com/example/workspace-sync/internal/broadcast"
	"github.com/example/workspace-sync/internal/config"
	"github.com/example/workspace-sync/internal/observability"
	"github.com/example/workspace-sync/internal/playback"
	"github.com/example/workspace-sync/internal/session"
	"github.com/example/workspace-sync/internal/snapshot"
	"github.com/example/workspace-sync/internal/storage"
	"github.com/example/workspace-sync/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	store, err := openStore(ctx, cfg, resources)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}

	origin := ulid.Make().String()
	coordOpts := []session.Option{session.WithOrigin(origin)}
	var relay *broadcast.RedisRelay
	if resources.Redis != nil {
		relay = broadcast.NewRedisRelay(resources.Redis, nil, origin, logger.With().Str("component", "relay").Logger())
		coordOpts = append(coordOpts, session.WithPublisher(relay))
	}
	coord := session.New(store, logger.With().Str("component", "session").Logger(), coordOpts...)
	if relay != nil {
		relay.Attach(coord)
		relay.Start(ctx)
	}

	identity := auth.NewResolver(cfg.JWTSecret)
	registry := ws.NewConnectionRegistry()
	gateway, err := ws.NewGateway(identity, coord, registry, logger.With().Str("component", "gateway").Logger(), ws.GatewayConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SendBuffer:        cfg.SendBuffer,
		RateLimit:         cfg.RateLimit,
		RateBurst:         cfg.RateBurst,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build gateway")
	}

	apiOpts := []api.Option{api.WithSync(gateway)}
	if resources.Object != nil {
		worker := snapshot.NewWorker(store, resources.Object, cfg.ObjectBucket, coord, logger.With().Str("component", "archive").Logger(),
			snapshot.WithInterval(cfg.ArchiveInterval),
			snapshot.WithOpThreshold(cfg.ArchiveOpThreshold),
		)
		worker.Start(ctx)

		playbackSvc := playback.NewService(store, cfg.ObjectBucket, playback.NewObjectLoader(resources.Object), logger, playback.ServiceConfig{})
		apiOpts = append(apiOpts,
			api.WithArchiver(worker),
			api.WithPlayback(playback.NewHTTPHandler(playbackSvc, logger)),
		)
	} else {
		logger.Info().Msg("object storage not configured; archive and playback disabled")
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           api.NewServer(store, identity, logger.With().Str("component", "api").Logger(), apiOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Str("store", cfg.StoreDriver).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(telemetry.Serve)
	g.Go(func() error {
		healthLoop(gctx, resources, cfg.HealthcheckProbe, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		closed := gateway.Shutdown()
		logger.Info().Int("connections", closed).Msg("sync connections closed")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown failed")
		}
		return telemetry.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return
	}
	logger.Info().Msg("shutdown complete")
}

func openStore(ctx context.Context, cfg config.Config, resources *config.Resources) (storage.Store, error) {
	if cfg.StoreDriver != config.DriverPostgres {
		return storage.NewMemory(), nil
	}
	pg := storage.NewPostgres(resources.Postgres)
	if err := pg.Migrate(ctx); err != nil {
		return nil, err
	}
	return pg, nil
}

func healthLoop(ctx context.Context, resources *config.Resources, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := resources.HealthCheck(ctx); err != nil {
				logger.Error().Err(err).Msg("dependency healthcheck failed")
			} else {
				logger.Debug().Msg("dependency healthcheck ok")
			}
		case <-ctx.Done():
			return
		}
	}
}
