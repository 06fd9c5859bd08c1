package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fluxbase-eu/fluxgate/internal/config"
	"github.com/fluxbase-eu/fluxgate/internal/database"
	"github.com/fluxbase-eu/fluxgate/internal/ratelimit"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := connect(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Migrate(); err != nil {
			return err
		}
		log.Info().Msg("Migrations applied")
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired rate limit records once",
	Long: `Run a single sweep of expired rate limit records against the configured
store and exit. Useful from an external scheduler when the built-in
cleanup job is disabled.`,
	RunE: runCleanup,
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.RateLimit.Store != "postgres" {
		return errors.New("cleanup only applies to the postgres store, the memory store sweeps itself")
	}

	db, err := connect(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := ratelimit.NewStore(&cfg.RateLimit, db)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	removed, err := ratelimit.NewCleanupJob(store, cfg.RateLimit.CleanupInterval, nil).RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d expired rate limit records\n", removed)
	return nil
}

func connect(cfg *config.Config) (*database.Connection, error) {
	if !cfg.Database.Enabled {
		return nil, errors.New("database is not enabled (set database.enabled or FLUXGATE_DATABASE_ENABLED)")
	}
	return database.NewConnection(cfg.Database)
}
