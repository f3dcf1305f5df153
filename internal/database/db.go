package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection pool from a DSN.
func NewDB(databaseURL string, maxConns, minConns int32, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = minConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Msg("connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations creates the schema if it does not exist.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		// Append-only record of every fill across the fleet.
		`CREATE TABLE IF NOT EXISTS journal_entries (
			id BIGSERIAL PRIMARY KEY,
			executed_at TIMESTAMPTZ NOT NULL,
			account VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			action VARCHAR(4) NOT NULL,
			shares DECIMAL(20, 8) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			reason TEXT,
			order_id VARCHAR(64),
			return_pct DECIMAL(12, 6) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_account_symbol ON journal_entries(account, symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_executed_at ON journal_entries(executed_at)`,

		// Per-batch execution reports for post-hoc timing analysis.
		`CREATE TABLE IF NOT EXISTS batch_reports (
			id BIGSERIAL PRIMARY KEY,
			batch_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			action VARCHAR(4) NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			total_legs INT NOT NULL,
			completed_legs INT NOT NULL,
			success BOOLEAN NOT NULL,
			timing_spread DECIMAL(12, 6) NOT NULL DEFAULT 0,
			window_sec DECIMAL(10, 2) NOT NULL,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batch_reports_batch_id ON batch_reports(batch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_batch_reports_created_at ON batch_reports(created_at)`,

		// Emergency stops survive restarts so operators can audit them.
		`CREATE TABLE IF NOT EXISTS emergency_log (
			id BIGSERIAL PRIMARY KEY,
			triggered_at TIMESTAMPTZ NOT NULL,
			reason TEXT NOT NULL,
			metric VARCHAR(64),
			value DECIMAL(20, 8),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_emergency_log_triggered_at ON emergency_log(triggered_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("database migrations completed")
	return nil
}

// HealthCheck performs a database health check.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
