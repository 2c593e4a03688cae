package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/reliefops/fieldsync/internal/auth"
	"github.com/reliefops/fieldsync/internal/config"
	"github.com/reliefops/fieldsync/internal/conflict"
	"github.com/reliefops/fieldsync/internal/db"
	"github.com/reliefops/fieldsync/internal/engine"
	"github.com/reliefops/fieldsync/internal/events"
	"github.com/reliefops/fieldsync/internal/httpapi"
	"github.com/reliefops/fieldsync/internal/observability"
	"github.com/reliefops/fieldsync/internal/optimistic"
	"github.com/reliefops/fieldsync/internal/queue"
	"github.com/reliefops/fieldsync/internal/remote"
	"github.com/reliefops/fieldsync/internal/rules"
)

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "fieldsyncd").Logger()
	if cfg.Dev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync workers and the coordinator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configDir)
			if err != nil {
				return err
			}
			setupLogging(cfg)

			if !cfg.Dev() && cfg.JWTHS256Secret == "" {
				log.Fatal().Msg("jwt_hs256_secret is required outside dev mode")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, err := db.Open(ctx, cfg.DatabaseURL, cfg.ConcurrentEntitySyncs)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to connect to postgres")
			}
			defer pool.Close()

			if err := db.Migrate(ctx, pool); err != nil {
				log.Fatal().Err(err).Msg("failed to run migrations")
			}

			// Stores and services
			bus := events.NewBus()
			queueStore := queue.NewStore(pool)
			conflictStore := conflict.NewStore(pool)
			ruleRegistry := rules.NewRegistry(pool, queueStore)
			client := remote.NewClient(cfg.UpstreamBaseURL, cfg.RequestTimeout())
			resolver := conflict.NewResolver(conflictStore, queueStore, client)
			coordinator := optimistic.New(queueStore, ruleRegistry, bus,
				cfg.MaxRetriesOptimistic, cfg.ConfirmedGc())

			eng := engine.New(queueStore, conflictStore, client, bus, engine.Options{
				Workers:       cfg.ConcurrentEntitySyncs,
				LeaseTimeout:  cfg.LeaseTimeout(),
				BackoffBase:   cfg.BackoffBase(),
				BackoffMax:    cfg.BackoffMax(),
				EditThreshold: cfg.ConcurrentEditThreshold(),
			})

			go eng.Run(ctx)
			go coordinator.Run(ctx)
			go maintenanceLoop(ctx, queueStore, conflictStore, cfg.ConflictArchiveDays)

			srv := &httpapi.Server{
				Queue:           queueStore,
				Conflicts:       conflictStore,
				Resolver:        resolver,
				Rules:           ruleRegistry,
				Coordinator:     coordinator,
				Bus:             bus,
				RateLimitConfig: httpapi.DefaultRateLimitConfig,
			}
			jwtCfg := auth.JWTCfg{HS256Secret: cfg.JWTHS256Secret, DevMode: cfg.Dev()}

			httpServer := &http.Server{
				Addr:         cfg.HTTPAddr,
				Handler:      srv.Routes(jwtCfg),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 0, // SSE streams stay open
				IdleTimeout:  120 * time.Second,
			}

			go func() {
				log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("HTTP server failed")
				}
			}()

			<-ctx.Done()
			log.Info().Msg("shutting down gracefully...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("HTTP server shutdown error")
			}

			log.Info().Msg("server stopped")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configDir)
			if err != nil {
				return err
			}
			setupLogging(cfg)

			ctx := context.Background()
			pool, err := db.Open(ctx, cfg.DatabaseURL, cfg.ConcurrentEntitySyncs)
			if err != nil {
				return err
			}
			defer pool.Close()

			return db.Migrate(ctx, pool)
		},
	}
}

// maintenanceLoop refreshes the aggregate gauges every 15 seconds and archives
// old resolved conflicts every six hours.
func maintenanceLoop(ctx context.Context, q *queue.Store, c *conflict.Store, archiveDays int) {
	gauges := time.NewTicker(15 * time.Second)
	archive := time.NewTicker(6 * time.Hour)
	defer gauges.Stop()
	defer archive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gauges.C:
			if sum, err := q.Summary(ctx); err == nil {
				for label, n := range sum.ByLabel {
					observability.QueueDepth.WithLabelValues(string(label)).Set(float64(n))
				}
			}
			if st, err := c.Stats(ctx); err == nil {
				observability.ConflictsOpen.Set(float64(st.ByStatus[conflict.StatusPending]))
			}
		case <-archive.C:
			if _, err := c.ArchiveResolvedOlderThan(ctx, archiveDays); err != nil {
				log.Warn().Err(err).Msg("conflict archiving failed")
			}
		}
	}
}
