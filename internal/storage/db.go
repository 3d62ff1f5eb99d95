package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Shugur-Network/outbox/internal/constants"
	"github.com/Shugur-Network/outbox/internal/logger"
)

// DB wraps the Postgres pool backing the durable publish queue and the
// persisted relay stats.
type DB struct {
	Pool *pgxpool.Pool
}

// createPool sizes the connection pool from the expected number of
// concurrent relay tasks; the engine is a client, so the pool stays
// small compared to a server workload.
func createPool(ctx context.Context, dbURI string, expectedConcurrency int) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URI: %w", err)
	}

	var maxConns, minConns int32
	var scaleType string
	switch {
	case expectedConcurrency <= 20:
		maxConns = int32(constants.DBPoolSmallMaxConns)
		minConns = int32(constants.DBPoolSmallMinConns)
		scaleType = "small"
	case expectedConcurrency <= 100:
		maxConns = int32(constants.DBPoolMediumMaxConns)
		minConns = int32(constants.DBPoolMediumMinConns)
		scaleType = "medium"
	default:
		maxConns = int32(constants.DBPoolLargeMaxConns)
		minConns = int32(constants.DBPoolLargeMinConns)
		scaleType = "large"
	}

	config.MaxConns = maxConns
	config.MinConns = minConns
	config.MaxConnLifetime = constants.DBConnMaxLifetime
	config.MaxConnIdleTime = constants.DBConnMaxIdleTime
	config.ConnConfig.ConnectTimeout = constants.DBConnAcquireTimeout
	config.HealthCheckPeriod = 30 * time.Second

	logger.Info("Database connection pool configured",
		zap.String("scale_type", scaleType),
		zap.Int("expected_concurrency", expectedConcurrency),
		zap.Int32("db_max_conns", maxConns),
		zap.Int32("db_min_conns", minConns))

	return pgxpool.NewWithConfig(ctx, config)
}

// InitDB opens the pool with retries and ensures the schema exists.
func InitDB(ctx context.Context, dbURI string, expectedConcurrency int) (*DB, error) {
	var pool *pgxpool.Pool
	var err error
	backoff := 2 * time.Second

	for i := 0; i < 5; i++ {
		pool, err = createPool(ctx, dbURI, expectedConcurrency)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}

		logger.Warn("Database connection failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if err != nil {
		return nil, fmt.Errorf("database unreachable after retries: %w", err)
	}

	db := &DB{Pool: pool}
	if err := db.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	logger.Info("Database connected",
		zap.Int32("max_connections", pool.Stat().MaxConns()))
	return db, nil
}

func (db *DB) ensureSchema(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS publish_queue (
    event_id      TEXT PRIMARY KEY,
    event         JSONB NOT NULL,
    target_relays TEXT[] NOT NULL,
    attempts      INT NOT NULL DEFAULT 0,
    enqueued_at   TIMESTAMPTZ NOT NULL,
    next_retry_at TIMESTAMPTZ NOT NULL,
    last_error    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_publish_queue_next_retry
    ON publish_queue (next_retry_at);

CREATE TABLE IF NOT EXISTS relay_stats (
    url            TEXT PRIMARY KEY,
    success_count  BIGINT NOT NULL DEFAULT 0,
    failure_count  BIGINT NOT NULL DEFAULT 0,
    avg_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_success   TIMESTAMPTZ,
    last_failure   TIMESTAMPTZ,
    circuit_state  TEXT NOT NULL DEFAULT 'closed',
    opened_at      TIMESTAMPTZ,
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Ping checks connectivity for the status endpoint.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close releases the pool.
func (db *DB) Close() {
	db.Pool.Close()
}
