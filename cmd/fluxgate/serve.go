package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxbase-eu/fluxgate/internal/api"
	"github.com/fluxbase-eu/fluxgate/internal/config"
	"github.com/fluxbase-eu/fluxgate/internal/database"
	"github.com/fluxbase-eu/fluxgate/internal/observability"
	"github.com/fluxbase-eu/fluxgate/internal/plugin"
	"github.com/fluxbase-eu/fluxgate/internal/pubsub"
	"github.com/fluxbase-eu/fluxgate/internal/scaling"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting Fluxgate")

	metrics := observability.NewMetrics()

	tracerCfg := observability.TracerConfig{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceName:    cfg.Tracing.ServiceName,
		Environment:    cfg.Tracing.Environment,
		SampleRate:     cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
		ServiceVersion: Version,
	}
	tracer, err := observability.NewTracer(context.Background(), tracerCfg)
	if err != nil {
		// Tracing is optional; the server runs without it
		log.Warn().Err(err).Msg("Failed to initialize OpenTelemetry tracer")
		tracer = nil
	}

	var db *database.Connection
	var pool *pgxpool.Pool
	if cfg.Database.Enabled {
		db, err = database.NewConnection(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		db.SetMetrics(metrics)
		pool = db.Pool()

		if cfg.Database.MigrateOnStart {
			if err := db.Migrate(); err != nil {
				return err
			}
		}
	}

	ps, err := pubsub.NewPubSub(&cfg.Scaling, pool)
	if err != nil {
		return err
	}
	defer func() { _ = ps.Close() }()

	leader, stopLeader := newLeader(cfg, pool)
	defer stopLeader()

	server, err := api.NewServer(cfg, api.Options{
		DB:      db,
		PubSub:  ps,
		Metrics: metrics,
		Tracer:  tracer,
		Leader:  leader,
	})
	if err != nil {
		return err
	}

	if err := config.Watch(cfgFile, func(next *config.Config) { applyReload(server, next) }); err != nil {
		log.Warn().Err(err).Msg("Configuration changes will need a restart")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(context.Background())
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case <-quit:
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("Server stopped unexpectedly")
	}

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		serveErr = errors.Join(serveErr, err)
	}

	log.Info().Msg("Server exited")
	return serveErr
}

// applyReload carries the settings that can change at runtime over to the
// running server. Everything else takes effect on restart.
func applyReload(server *api.Server, cfg *config.Config) {
	rl := server.RateLimit()
	if rl == nil || rl.Cleanup() == nil || !cfg.RateLimit.CleanupEnabled {
		return
	}
	if cfg.RateLimit.CleanupInterval == rl.Cleanup().Interval() {
		return
	}
	if err := rl.Cleanup().SetInterval(cfg.RateLimit.CleanupInterval); err != nil {
		log.Warn().Err(err).Msg("Failed to apply rate limit cleanup interval")
	}
}

// newLeader elects a cleanup leader over PostgreSQL when enabled. Without
// election every instance sweeps.
func newLeader(cfg *config.Config, pool *pgxpool.Pool) (plugin.LeaderChecker, func()) {
	if !cfg.Scaling.EnableLeaderElection {
		return scaling.AlwaysLeader{}, func() {}
	}
	if pool == nil {
		log.Warn().Msg("Leader election requires a database, every instance will run cleanup")
		return scaling.AlwaysLeader{}, func() {}
	}

	elector := scaling.NewLeaderElector(pool, scaling.RateLimitCleanupLockID, "ratelimit-cleanup")
	elector.Start(nil, nil)
	return elector, elector.Stop
}
