package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("database: not found")

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// GetDB returns the underlying DB instance
func (r *Repository) GetDB() *DB {
	return r.db
}

// ============================================================================
// ACCOUNTS
// ============================================================================

// EnsureAccount creates the account row if it does not exist yet.
func (r *Repository) EnsureAccount(ctx context.Context, id string, initialBalance decimal.Decimal) error {
	query := `
		INSERT INTO accounts (id, balance, equity)
		VALUES ($1, $2, $2)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query, id, initialBalance)
	return err
}

// GetAccount retrieves an account by id.
func (r *Repository) GetAccount(ctx context.Context, id string) (*Account, error) {
	query := `
		SELECT id, balance, frozen_margin, realized_pnl_cum, equity, updated_at
		FROM accounts WHERE id = $1
	`
	acct := &Account{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&acct.ID, &acct.Balance, &acct.FrozenMargin, &acct.RealizedPnLCum, &acct.Equity, &acct.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// ApplyClose applies a realized pnl and margin release to the account balance
// inside one statement so concurrent closes cannot lose updates. Equity is
// recomputed as balance plus the unrealized pnl of the remaining open
// positions; the closing row is already status closed with unrealized zeroed.
func (r *Repository) ApplyClose(ctx context.Context, accountID string, realizedPnL, releasedMargin decimal.Decimal) error {
	query := `
		UPDATE accounts
		SET balance = balance + $2,
		    frozen_margin = GREATEST(frozen_margin - $3, 0),
		    realized_pnl_cum = realized_pnl_cum + $2,
		    equity = balance + $2 + COALESCE((
		        SELECT SUM(unrealized_pnl) FROM positions
		        WHERE account_id = $1 AND status = 'open'
		    ), 0),
		    updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, accountID, realizedPnL, releasedMargin)
	return err
}

// FreezeMargin reserves margin for a building position.
func (r *Repository) FreezeMargin(ctx context.Context, accountID string, margin decimal.Decimal) error {
	query := `
		UPDATE accounts
		SET frozen_margin = frozen_margin + $2, updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, accountID, margin)
	return err
}

// ReleaseMargin returns reserved margin after an aborted or failed entry.
func (r *Repository) ReleaseMargin(ctx context.Context, accountID string, margin decimal.Decimal) error {
	query := `
		UPDATE accounts
		SET frozen_margin = GREATEST(frozen_margin - $2, 0), updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, accountID, margin)
	return err
}

// ============================================================================
// TRADING CONTROL
// ============================================================================

// GetTradingControl reads the per-account kill switch row. A missing row means
// trading is enabled.
func (r *Repository) GetTradingControl(ctx context.Context, accountID, tradingType string) (*TradingControl, error) {
	query := `
		SELECT account_id, trading_type, enabled, updated_at
		FROM trading_control
		WHERE account_id = $1 AND trading_type = $2
	`
	tc := &TradingControl{}
	err := r.db.Pool.QueryRow(ctx, query, accountID, tradingType).Scan(
		&tc.AccountID, &tc.TradingType, &tc.Enabled, &tc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return &TradingControl{AccountID: accountID, TradingType: tradingType, Enabled: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return tc, nil
}

// SetTradingControl flips the kill switch; used by the circuit breaker.
func (r *Repository) SetTradingControl(ctx context.Context, accountID, tradingType string, enabled bool) error {
	query := `
		INSERT INTO trading_control (account_id, trading_type, enabled, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (account_id, trading_type)
		DO UPDATE SET enabled = $3, updated_at = NOW()
	`
	_, err := r.db.Pool.Exec(ctx, query, accountID, tradingType, enabled)
	return err
}

// ============================================================================
// ORDER LOG
// ============================================================================

// CreateOrderLog appends one order attempt record.
func (r *Repository) CreateOrderLog(ctx context.Context, e *OrderLogEntry) error {
	query := `
		INSERT INTO order_log (position_id, account_id, symbol, side, order_type, purpose,
			quantity, price, fee, ok, reason, exchange_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		e.PositionID, e.AccountID, e.Symbol, e.Side, e.OrderType, e.Purpose,
		e.Quantity, e.Price, e.Fee, e.Ok, e.Reason, e.ExchangeID,
	).Scan(&e.ID, &e.CreatedAt)
}

// GetOrderLogByPosition retrieves the order history of one position.
func (r *Repository) GetOrderLogByPosition(ctx context.Context, positionID string) ([]*OrderLogEntry, error) {
	query := `
		SELECT id, position_id, account_id, symbol, side, order_type, purpose,
		       quantity, price, fee, ok, reason, exchange_id, created_at
		FROM order_log
		WHERE position_id = $1
		ORDER BY id
	`
	rows, err := r.db.Pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*OrderLogEntry
	for rows.Next() {
		e := &OrderLogEntry{}
		var reason, exchangeID *string
		if err := rows.Scan(&e.ID, &e.PositionID, &e.AccountID, &e.Symbol, &e.Side,
			&e.OrderType, &e.Purpose, &e.Quantity, &e.Price, &e.Fee, &e.Ok,
			&reason, &exchangeID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if reason != nil {
			e.Reason = *reason
		}
		if exchangeID != nil {
			e.ExchangeID = *exchangeID
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ============================================================================
// REGIME SNAPSHOTS
// ============================================================================

// SaveRegimeSnapshot persists a market regime classification.
func (r *Repository) SaveRegimeSnapshot(ctx context.Context, s *RegimeSnapshot) error {
	query := `
		INSERT INTO market_regime_snapshots
			(regime, strength, bias, position_adjustment_multiplier, score_threshold_adjustment, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		s.Regime, s.Strength, s.Bias, s.PositionMultiplier, s.ScoreAdjustment, s.ComputedAt)
	return err
}

// LatestRegimeSnapshot returns the most recent persisted regime, or ErrNotFound.
func (r *Repository) LatestRegimeSnapshot(ctx context.Context) (*RegimeSnapshot, error) {
	query := `
		SELECT regime, strength, bias, position_adjustment_multiplier, score_threshold_adjustment, computed_at
		FROM market_regime_snapshots
		ORDER BY computed_at DESC
		LIMIT 1
	`
	s := &RegimeSnapshot{}
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&s.Regime, &s.Strength, &s.Bias, &s.PositionMultiplier, &s.ScoreAdjustment, &s.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (r *Repository) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// nowUTC is a seam for tests overriding row timestamps.
var nowUTC = func() time.Time { return time.Now().UTC() }
