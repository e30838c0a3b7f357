package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const positionColumns = `
	id, account_id, symbol, side, status, signal_version, entry_score,
	components_json, batch_plan, batch_filled,
	entry_price, avg_entry_price, quantity, margin, leverage,
	stop_loss_price, take_profit_price,
	entry_signal_time, planned_close_time, open_time, close_time,
	close_price, close_reason, realized_pnl, unrealized_pnl, max_profit_pct,
	created_at, updated_at`

// CreatePosition inserts a new position in building state.
func (r *Repository) CreatePosition(ctx context.Context, p *Position) error {
	components, err := json.Marshal(p.Components)
	if err != nil {
		return fmt.Errorf("marshal components: %w", err)
	}
	plan, err := json.Marshal(p.BatchPlan)
	if err != nil {
		return fmt.Errorf("marshal batch plan: %w", err)
	}
	filled, err := json.Marshal(p.BatchFilled)
	if err != nil {
		return fmt.Errorf("marshal batch fills: %w", err)
	}

	query := `
		INSERT INTO positions (id, account_id, symbol, side, status, signal_version, entry_score,
			components_json, batch_plan, batch_filled,
			entry_price, avg_entry_price, quantity, margin, leverage,
			stop_loss_price, take_profit_price, entry_signal_time, planned_close_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING created_at, updated_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		p.ID, p.AccountID, p.Symbol, p.Side, p.Status, p.SignalVersion, p.EntryScore,
		components, plan, filled,
		p.EntryPrice, p.AvgEntryPrice, p.Quantity, p.Margin, p.Leverage,
		p.StopLossPrice, p.TakeProfitPrice, p.EntrySignalTime, p.PlannedCloseTime,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

// UpdatePositionFill persists the state after one entry batch fill.
func (r *Repository) UpdatePositionFill(ctx context.Context, p *Position) error {
	filled, err := json.Marshal(p.BatchFilled)
	if err != nil {
		return fmt.Errorf("marshal batch fills: %w", err)
	}
	query := `
		UPDATE positions
		SET status = $2, batch_filled = $3, entry_price = $4, avg_entry_price = $5,
		    quantity = $6, margin = $7, stop_loss_price = $8, take_profit_price = $9,
		    planned_close_time = $10, open_time = $11, updated_at = NOW()
		WHERE id = $1
	`
	_, err = r.db.Pool.Exec(ctx, query,
		p.ID, p.Status, filled, p.EntryPrice, p.AvgEntryPrice,
		p.Quantity, p.Margin, p.StopLossPrice, p.TakeProfitPrice,
		p.PlannedCloseTime, p.OpenTime)
	return err
}

// UpdatePositionMark persists unrealized pnl and peak profit for an open
// position, then refreshes the account equity so it tracks
// balance + sum of open unrealized pnl.
func (r *Repository) UpdatePositionMark(ctx context.Context, id string, unrealized decimal.Decimal, maxProfitPct float64) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE positions
			SET unrealized_pnl = $2, max_profit_pct = GREATEST(max_profit_pct, $3), updated_at = NOW()
			WHERE id = $1 AND status = 'open'
		`, id, unrealized, maxProfitPct)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE accounts a
			SET equity = a.balance + COALESCE((
			        SELECT SUM(unrealized_pnl) FROM positions
			        WHERE account_id = a.id AND status = 'open'
			    ), 0),
			    updated_at = NOW()
			WHERE a.id = (SELECT account_id FROM positions WHERE id = $1)
		`, id)
		return err
	})
}

// ExtendPlannedClose pushes planned_close_time forward for the one-shot extension.
func (r *Repository) ExtendPlannedClose(ctx context.Context, id string, until time.Time) error {
	query := `UPDATE positions SET planned_close_time = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, id, until)
	return err
}

// ClosePosition transitions a position to closed exactly once. It returns
// ErrNotFound when the row is already closed, which makes the close path
// idempotent under racing monitors.
func (r *Repository) ClosePosition(ctx context.Context, id string, closeTime time.Time,
	closePrice, realizedPnL decimal.Decimal, reason string) error {

	query := `
		UPDATE positions
		SET status = 'closed', close_time = $2, close_price = $3,
		    realized_pnl = $4, close_reason = $5, unrealized_pnl = 0, updated_at = NOW()
		WHERE id = $1 AND status <> 'closed'
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, closeTime, closePrice, realizedPnL, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPosition retrieves one position by id.
func (r *Repository) GetPosition(ctx context.Context, id string) (*Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`
	row := r.db.Pool.QueryRow(ctx, query, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// GetLivePositions retrieves building and open positions for an account.
func (r *Repository) GetLivePositions(ctx context.Context, accountID string) ([]*Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE account_id = $1 AND status IN ('building', 'open')
		ORDER BY created_at
	`
	return r.queryPositions(ctx, query, accountID)
}

// GetOpenPositions retrieves only fully open positions for an account.
func (r *Repository) GetOpenPositions(ctx context.Context, accountID string) ([]*Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE account_id = $1 AND status = 'open'
		ORDER BY created_at
	`
	return r.queryPositions(ctx, query, accountID)
}

// CountLivePositions counts building/open positions, optionally per (symbol, side).
func (r *Repository) CountLivePositions(ctx context.Context, accountID, symbol, side string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM positions
		WHERE account_id = $1 AND status IN ('building', 'open')
		  AND ($2 = '' OR symbol = $2)
		  AND ($3 = '' OR side = $3)
	`
	var n int
	err := r.db.Pool.QueryRow(ctx, query, accountID, symbol, side).Scan(&n)
	return n, err
}

// CountLiveSameVersion counts building/open positions for a (symbol, side)
// opened from the same signal version.
func (r *Repository) CountLiveSameVersion(ctx context.Context, accountID, symbol, side string, signalVersion int) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM positions
		WHERE account_id = $1 AND status IN ('building', 'open')
		  AND symbol = $2 AND side = $3 AND signal_version = $4
	`
	var n int
	err := r.db.Pool.QueryRow(ctx, query, accountID, symbol, side, signalVersion).Scan(&n)
	return n, err
}

// LastCloseTime returns the most recent close_time for (symbol, side), or nil.
func (r *Repository) LastCloseTime(ctx context.Context, accountID, symbol, side string) (*time.Time, error) {
	query := `
		SELECT close_time
		FROM positions
		WHERE account_id = $1 AND symbol = $2 AND side = $3 AND status = 'closed' AND close_time IS NOT NULL
		ORDER BY close_time DESC
		LIMIT 1
	`
	var t time.Time
	err := r.db.Pool.QueryRow(ctx, query, accountID, symbol, side).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTimedOutPositions returns live positions whose planned close plus the
// extension grace has already passed; the supervisor treats these as drift.
func (r *Repository) GetTimedOutPositions(ctx context.Context, accountID string, now time.Time, extension time.Duration) ([]*Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE account_id = $1 AND status IN ('building', 'open')
		  AND planned_close_time IS NOT NULL
		  AND planned_close_time + $3::interval < $2
	`
	return r.queryPositions(ctx, query, accountID, now, extension)
}

// GetClosedSince retrieves positions closed at or after the cutoff, for the optimizer.
func (r *Repository) GetClosedSince(ctx context.Context, cutoff time.Time) ([]*Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE status = 'closed' AND close_time >= $1
		ORDER BY close_time
	`
	return r.queryPositions(ctx, query, cutoff)
}

// GetRecentClosed retrieves the latest closed positions for an account.
func (r *Repository) GetRecentClosed(ctx context.Context, accountID string, limit int) ([]*Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE account_id = $1 AND status = 'closed'
		ORDER BY close_time DESC
		LIMIT $2
	`
	return r.queryPositions(ctx, query, accountID, limit)
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*Position, error) {
	p := &Position{}
	var componentsJSON, planJSON, filledJSON []byte
	var closePrice, realizedPnL decimal.NullDecimal

	err := row.Scan(
		&p.ID, &p.AccountID, &p.Symbol, &p.Side, &p.Status, &p.SignalVersion, &p.EntryScore,
		&componentsJSON, &planJSON, &filledJSON,
		&p.EntryPrice, &p.AvgEntryPrice, &p.Quantity, &p.Margin, &p.Leverage,
		&p.StopLossPrice, &p.TakeProfitPrice,
		&p.EntrySignalTime, &p.PlannedCloseTime, &p.OpenTime, &p.CloseTime,
		&closePrice, &p.CloseReason, &realizedPnL, &p.UnrealizedPnL, &p.MaxProfitPct,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if closePrice.Valid {
		p.ClosePrice = &closePrice.Decimal
	}
	if realizedPnL.Valid {
		p.RealizedPnL = &realizedPnL.Decimal
	}
	if err := json.Unmarshal(componentsJSON, &p.Components); err != nil {
		return nil, fmt.Errorf("unmarshal components for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(planJSON, &p.BatchPlan); err != nil {
		return nil, fmt.Errorf("unmarshal batch plan for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(filledJSON, &p.BatchFilled); err != nil {
		return nil, fmt.Errorf("unmarshal batch fills for %s: %w", p.ID, err)
	}
	return p, nil
}
