package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"futures-trading-engine/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
}

// NewDB creates a new database connection pool.
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	poolConfig.MaxConns = int32(maxConns)
	poolConfig.MinConns = 2
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
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logging.WithComponent("database").Info("Connected to PostgreSQL", "database", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		logging.WithComponent("database").Info("Database connection closed")
	}
}

// RunMigrations executes the schema migrations.
func (db *DB) RunMigrations(ctx context.Context) error {
	logging.WithComponent("database").Info("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id VARCHAR(64) PRIMARY KEY,
			balance DECIMAL(30, 10) NOT NULL DEFAULT 0,
			frozen_margin DECIMAL(30, 10) NOT NULL DEFAULT 0,
			realized_pnl_cum DECIMAL(30, 10) NOT NULL DEFAULT 0,
			equity DECIMAL(30, 10) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id VARCHAR(64) PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL REFERENCES accounts(id),
			symbol VARCHAR(32) NOT NULL,
			side VARCHAR(8) NOT NULL,
			status VARCHAR(16) NOT NULL,
			signal_version INTEGER NOT NULL DEFAULT 1,
			entry_score INTEGER NOT NULL DEFAULT 0,
			components_json JSONB NOT NULL DEFAULT '{}',
			batch_plan JSONB NOT NULL DEFAULT '[]',
			batch_filled JSONB NOT NULL DEFAULT '[]',
			entry_price DECIMAL(30, 10) NOT NULL DEFAULT 0,
			avg_entry_price DECIMAL(30, 10) NOT NULL DEFAULT 0,
			quantity DECIMAL(30, 10) NOT NULL DEFAULT 0,
			margin DECIMAL(30, 10) NOT NULL DEFAULT 0,
			leverage INTEGER NOT NULL DEFAULT 1,
			stop_loss_price DECIMAL(30, 10) NOT NULL DEFAULT 0,
			take_profit_price DECIMAL(30, 10) NOT NULL DEFAULT 0,
			entry_signal_time TIMESTAMPTZ NOT NULL,
			planned_close_time TIMESTAMPTZ,
			open_time TIMESTAMPTZ,
			close_time TIMESTAMPTZ,
			close_price DECIMAL(30, 10),
			close_reason VARCHAR(40),
			realized_pnl DECIMAL(30, 10),
			unrealized_pnl DECIMAL(30, 10) NOT NULL DEFAULT 0,
			max_profit_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_account_status ON positions(account_id, status, symbol, side)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_planned_close ON positions(status, planned_close_time)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_close_time ON positions(close_time)`,

		`CREATE TABLE IF NOT EXISTS scoring_weights (
			component_name VARCHAR(40) PRIMARY KEY,
			weight_long INTEGER NOT NULL,
			weight_short INTEGER NOT NULL,
			base_weight INTEGER NOT NULL,
			performance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_adjusted TIMESTAMPTZ,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scoring_weights_active ON scoring_weights(active)`,

		`CREATE TABLE IF NOT EXISTS symbol_risk_params (
			symbol VARCHAR(32) PRIMARY KEY,
			long_tp_pct DOUBLE PRECISION NOT NULL,
			long_sl_pct DOUBLE PRECISION NOT NULL,
			short_tp_pct DOUBLE PRECISION NOT NULL,
			short_sl_pct DOUBLE PRECISION NOT NULL,
			position_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			win_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_trades INTEGER NOT NULL DEFAULT 0,
			total_pnl DECIMAL(30, 10) NOT NULL DEFAULT 0,
			last_optimized TIMESTAMPTZ,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_symbol_risk_params_symbol ON symbol_risk_params(symbol)`,

		`CREATE TABLE IF NOT EXISTS symbol_ratings (
			symbol VARCHAR(32) PRIMARY KEY,
			level INTEGER NOT NULL DEFAULT 0,
			total_pnl DECIMAL(30, 10) NOT NULL DEFAULT 0,
			hard_stop_count INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS trading_blacklist (
			symbol VARCHAR(32) PRIMARY KEY,
			reason TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			added_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS signal_blacklist (
			signal_pattern TEXT NOT NULL,
			side VARCHAR(8) NOT NULL,
			reason TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			added_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (signal_pattern, side)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_blacklist_active ON signal_blacklist(active, side)`,

		`CREATE TABLE IF NOT EXISTS market_regime_snapshots (
			id SERIAL PRIMARY KEY,
			regime VARCHAR(16) NOT NULL,
			strength DOUBLE PRECISION NOT NULL,
			bias VARCHAR(16) NOT NULL,
			position_adjustment_multiplier DOUBLE PRECISION NOT NULL,
			score_threshold_adjustment INTEGER NOT NULL,
			computed_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS optimization_history (
			id BIGSERIAL PRIMARY KEY,
			optimized_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			type VARCHAR(32) NOT NULL,
			target VARCHAR(64) NOT NULL,
			param VARCHAR(64) NOT NULL,
			old_value TEXT NOT NULL,
			new_value TEXT NOT NULL,
			reason TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS trading_control (
			account_id VARCHAR(64) NOT NULL,
			trading_type VARCHAR(16) NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (account_id, trading_type)
		)`,

		`CREATE TABLE IF NOT EXISTS order_log (
			id BIGSERIAL PRIMARY KEY,
			position_id VARCHAR(64) NOT NULL,
			account_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			side VARCHAR(8) NOT NULL,
			order_type VARCHAR(16) NOT NULL,
			purpose VARCHAR(24) NOT NULL,
			quantity DECIMAL(30, 10) NOT NULL,
			price DECIMAL(30, 10) NOT NULL,
			fee DECIMAL(30, 10) NOT NULL DEFAULT 0,
			ok BOOLEAN NOT NULL,
			reason TEXT,
			exchange_id VARCHAR(64),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_log_position ON order_log(position_id)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	logging.WithComponent("database").Info("Migrations complete", "count", len(migrations))
	return nil
}
