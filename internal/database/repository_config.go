package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// advisoryLockOptimizer serializes optimizer runs against config-table writers.
const advisoryLockOptimizer = 7719002

// ============================================================================
// SCORING WEIGHTS
// ============================================================================

// GetActiveScoringWeights returns every active component weight row.
func (r *Repository) GetActiveScoringWeights(ctx context.Context) ([]*ScoringWeight, error) {
	query := `
		SELECT component_name, weight_long, weight_short, base_weight,
		       performance_score, last_adjusted, active
		FROM scoring_weights
		WHERE active = TRUE
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var weights []*ScoringWeight
	for rows.Next() {
		w := &ScoringWeight{}
		if err := rows.Scan(&w.ComponentName, &w.WeightLong, &w.WeightShort,
			&w.BaseWeight, &w.PerformanceScore, &w.LastAdjusted, &w.Active); err != nil {
			return nil, err
		}
		weights = append(weights, w)
	}
	return weights, rows.Err()
}

// SeedScoringWeights inserts default rows for any catalog component that has
// no weight row yet.
func (r *Repository) SeedScoringWeights(ctx context.Context, components []string, defaultWeight int) error {
	query := `
		INSERT INTO scoring_weights (component_name, weight_long, weight_short, base_weight)
		VALUES ($1, $2, $2, $2)
		ON CONFLICT (component_name) DO NOTHING
	`
	for _, name := range components {
		if _, err := r.db.Pool.Exec(ctx, query, name, defaultWeight); err != nil {
			return fmt.Errorf("seed weight %s: %w", name, err)
		}
	}
	return nil
}

// UpdateWeightTx writes adjusted weights within an optimization transaction.
func (r *Repository) UpdateWeightTx(ctx context.Context, tx pgx.Tx, w *ScoringWeight) error {
	query := `
		UPDATE scoring_weights
		SET weight_long = $2, weight_short = $3, performance_score = $4, last_adjusted = NOW()
		WHERE component_name = $1
	`
	_, err := tx.Exec(ctx, query, w.ComponentName, w.WeightLong, w.WeightShort, w.PerformanceScore)
	return err
}

// ============================================================================
// SYMBOL RISK PARAMS
// ============================================================================

// GetActiveSymbolRiskParams returns every active per-symbol risk row.
func (r *Repository) GetActiveSymbolRiskParams(ctx context.Context) ([]*SymbolRiskParams, error) {
	query := `
		SELECT symbol, long_tp_pct, long_sl_pct, short_tp_pct, short_sl_pct,
		       position_multiplier, win_rate, total_trades, total_pnl, last_optimized, active
		FROM symbol_risk_params
		WHERE active = TRUE
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var params []*SymbolRiskParams
	for rows.Next() {
		p := &SymbolRiskParams{}
		if err := rows.Scan(&p.Symbol, &p.LongTPPct, &p.LongSLPct, &p.ShortTPPct, &p.ShortSLPct,
			&p.PositionMultiplier, &p.WinRate, &p.TotalTrades, &p.TotalPnL,
			&p.LastOptimized, &p.Active); err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, rows.Err()
}

// UpsertRiskParamsTx writes learned per-symbol risk parameters.
func (r *Repository) UpsertRiskParamsTx(ctx context.Context, tx pgx.Tx, p *SymbolRiskParams) error {
	query := `
		INSERT INTO symbol_risk_params (symbol, long_tp_pct, long_sl_pct, short_tp_pct, short_sl_pct,
			position_multiplier, win_rate, total_trades, total_pnl, last_optimized, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), TRUE)
		ON CONFLICT (symbol) DO UPDATE SET
			long_tp_pct = $2, long_sl_pct = $3, short_tp_pct = $4, short_sl_pct = $5,
			position_multiplier = $6, win_rate = $7, total_trades = $8, total_pnl = $9,
			last_optimized = NOW(), active = TRUE
	`
	_, err := tx.Exec(ctx, query, p.Symbol, p.LongTPPct, p.LongSLPct, p.ShortTPPct, p.ShortSLPct,
		p.PositionMultiplier, p.WinRate, p.TotalTrades, p.TotalPnL)
	return err
}

// ============================================================================
// SYMBOL RATINGS
// ============================================================================

// GetSymbolRatings returns every rating row.
func (r *Repository) GetSymbolRatings(ctx context.Context) ([]*SymbolRating, error) {
	query := `SELECT symbol, level, total_pnl, hard_stop_count, updated_at FROM symbol_ratings`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ratings []*SymbolRating
	for rows.Next() {
		rt := &SymbolRating{}
		if err := rows.Scan(&rt.Symbol, &rt.Level, &rt.TotalPnL, &rt.HardStopCount, &rt.UpdatedAt); err != nil {
			return nil, err
		}
		ratings = append(ratings, rt)
	}
	return ratings, rows.Err()
}

// UpsertRatingTx writes a symbol rating.
func (r *Repository) UpsertRatingTx(ctx context.Context, tx pgx.Tx, rt *SymbolRating) error {
	query := `
		INSERT INTO symbol_ratings (symbol, level, total_pnl, hard_stop_count, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (symbol) DO UPDATE SET
			level = $2, total_pnl = $3, hard_stop_count = $4, updated_at = NOW()
	`
	_, err := tx.Exec(ctx, query, rt.Symbol, rt.Level, rt.TotalPnL, rt.HardStopCount)
	return err
}

// ============================================================================
// BLACKLISTS
// ============================================================================

// GetTradingBlacklist returns active trading blacklist entries.
func (r *Repository) GetTradingBlacklist(ctx context.Context) ([]*TradingBlacklistEntry, error) {
	query := `SELECT symbol, reason, active, added_at FROM trading_blacklist WHERE active = TRUE`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*TradingBlacklistEntry
	for rows.Next() {
		e := &TradingBlacklistEntry{}
		if err := rows.Scan(&e.Symbol, &e.Reason, &e.Active, &e.AddedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddTradingBlacklistTx inserts a symbol exclusion.
func (r *Repository) AddTradingBlacklistTx(ctx context.Context, tx pgx.Tx, symbol, reason string) error {
	query := `
		INSERT INTO trading_blacklist (symbol, reason, active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (symbol) DO UPDATE SET reason = $2, active = TRUE
	`
	_, err := tx.Exec(ctx, query, symbol, reason)
	return err
}

// GetSignalBlacklist returns active signal blacklist entries.
func (r *Repository) GetSignalBlacklist(ctx context.Context) ([]*SignalBlacklistEntry, error) {
	query := `SELECT signal_pattern, side, reason, active, added_at FROM signal_blacklist WHERE active = TRUE`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*SignalBlacklistEntry
	for rows.Next() {
		e := &SignalBlacklistEntry{}
		if err := rows.Scan(&e.Pattern, &e.Side, &e.Reason, &e.Active, &e.AddedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddSignalBlacklistTx inserts a (pattern, side) exclusion.
func (r *Repository) AddSignalBlacklistTx(ctx context.Context, tx pgx.Tx, pattern, side, reason string) error {
	query := `
		INSERT INTO signal_blacklist (signal_pattern, side, reason, active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (signal_pattern, side) DO UPDATE SET reason = $3, active = TRUE
	`
	_, err := tx.Exec(ctx, query, pattern, side, reason)
	return err
}

// ============================================================================
// OPTIMIZATION HISTORY
// ============================================================================

// AppendHistoryTx appends an optimization_history row in the same transaction
// as the mutation it records.
func (r *Repository) AppendHistoryTx(ctx context.Context, tx pgx.Tx, rec *OptimizationRecord) error {
	query := `
		INSERT INTO optimization_history (type, target, param, old_value, new_value, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, optimized_at
	`
	return tx.QueryRow(ctx, query, rec.Type, rec.Target, rec.Param,
		rec.OldValue, rec.NewValue, rec.Reason).Scan(&rec.ID, &rec.OptimizedAt)
}

// GetOptimizationHistory returns the most recent history rows.
func (r *Repository) GetOptimizationHistory(ctx context.Context, limit int) ([]*OptimizationRecord, error) {
	query := `
		SELECT id, optimized_at, type, target, param, old_value, new_value, reason
		FROM optimization_history
		ORDER BY id DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*OptimizationRecord
	for rows.Next() {
		rec := &OptimizationRecord{}
		if err := rows.Scan(&rec.ID, &rec.OptimizedAt, &rec.Type, &rec.Target,
			&rec.Param, &rec.OldValue, &rec.NewValue, &rec.Reason); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// WithOptimizationLock runs fn inside a transaction holding the optimizer
// advisory lock, so a scheduled run and a manual run cannot interleave.
func (r *Repository) WithOptimizationLock(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockOptimizer); err != nil {
			return fmt.Errorf("acquire optimizer lock: %w", err)
		}
		return fn(tx)
	})
}

// ErrOptimizerBusy reports a concurrent optimization run.
var ErrOptimizerBusy = errors.New("database: optimizer already running")
