package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Connections beyond the sync workers: API handlers, the maintenance loop,
// and the coordinator's enqueue path.
const apiHeadroom = 6

// Open creates the connection pool backing the queue, rule, and conflict
// stores. The pool is sized off the sync worker count: a worker holds at most
// one connection during claim and attempt bookkeeping, never across an
// upstream call, so workers plus a little API headroom covers the daemon.
func Open(ctx context.Context, url string, workers int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	if workers < 1 {
		workers = 1
	}
	cfg.MaxConns = int32(workers + apiHeadroom)
	cfg.MinConns = int32(workers)
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int("workers", workers).
		Int32("max_conns", cfg.MaxConns).
		Msg("queue store connection pool ready")

	return pool, nil
}
