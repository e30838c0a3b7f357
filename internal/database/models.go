package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position status values
const (
	PositionBuilding = "building"
	PositionOpen     = "open"
	PositionClosed   = "closed"
)

// Position side values
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Close reasons written by the exit monitor and entry executor.
const (
	CloseReasonTakeProfit         = "take_profit"
	CloseReasonStopLoss           = "stop_loss"
	CloseReasonHighProfitTrailing = "high_profit_trailing"
	CloseReasonMidProfitTrailing  = "mid_profit_trailing"
	CloseReasonQuickClose         = "quick_close"
	CloseReasonStagedTimeout1h    = "staged_timeout_1h"
	CloseReasonStagedTimeout2h    = "staged_timeout_2h"
	CloseReasonStagedTimeout3h    = "staged_timeout_3h"
	CloseReasonStagedTimeout4h    = "staged_timeout_4h"
	CloseReasonBreakEven          = "break_even"
	CloseReasonPlannedTimeout     = "planned_close_timeout"
	CloseReasonEntryFailed        = "entry_failed"
	CloseReasonManual             = "manual"
)

// BatchFill records one executed entry batch.
type BatchFill struct {
	Batch    int             `json:"batch"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Fee      decimal.Decimal `json:"fee"`
	Forced   bool            `json:"forced"`
	FilledAt time.Time       `json:"filled_at"`
}

// Position is the central stateful entity, one row per logical position.
type Position struct {
	ID               string           `json:"id"`
	AccountID        string           `json:"account_id"`
	Symbol           string           `json:"symbol"`
	Side             string           `json:"side"`
	Status           string           `json:"status"`
	SignalVersion    int              `json:"signal_version"`
	EntryScore       int              `json:"entry_score"`
	Components       map[string]int   `json:"components"`
	BatchPlan        []float64        `json:"batch_plan"`
	BatchFilled      []BatchFill      `json:"batch_filled"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	AvgEntryPrice    decimal.Decimal  `json:"avg_entry_price"`
	Quantity         decimal.Decimal  `json:"quantity"`
	Margin           decimal.Decimal  `json:"margin"`
	Leverage         int              `json:"leverage"`
	StopLossPrice    decimal.Decimal  `json:"stop_loss_price"`
	TakeProfitPrice  decimal.Decimal  `json:"take_profit_price"`
	EntrySignalTime  time.Time        `json:"entry_signal_time"`
	PlannedCloseTime *time.Time       `json:"planned_close_time,omitempty"`
	OpenTime         *time.Time       `json:"open_time,omitempty"`
	CloseTime        *time.Time       `json:"close_time,omitempty"`
	ClosePrice       *decimal.Decimal `json:"close_price,omitempty"`
	CloseReason      *string          `json:"close_reason,omitempty"`
	RealizedPnL      *decimal.Decimal `json:"realized_pnl,omitempty"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl"`
	MaxProfitPct     float64          `json:"max_profit_pct"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// IsLive reports whether the position still needs a monitor.
func (p *Position) IsLive() bool {
	return p.Status == PositionBuilding || p.Status == PositionOpen
}

// Account aggregates balance and margin per engine instance.
type Account struct {
	ID             string          `json:"id"`
	Balance        decimal.Decimal `json:"balance"`
	FrozenMargin   decimal.Decimal `json:"frozen_margin"`
	RealizedPnLCum decimal.Decimal `json:"realized_pnl_cum"`
	Equity         decimal.Decimal `json:"equity"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ScoringWeight is one row of the component weight table, edited only by the
// optimizer and read by the scorer through the config store snapshot.
type ScoringWeight struct {
	ComponentName    string     `json:"component_name"`
	WeightLong       int        `json:"weight_long"`
	WeightShort      int        `json:"weight_short"`
	BaseWeight       int        `json:"base_weight"`
	PerformanceScore float64    `json:"performance_score"`
	LastAdjusted     *time.Time `json:"last_adjusted,omitempty"`
	Active           bool       `json:"active"`
}

// SymbolRiskParams holds per-symbol learned risk parameters.
type SymbolRiskParams struct {
	Symbol             string          `json:"symbol"`
	LongTPPct          float64         `json:"long_tp_pct"`
	LongSLPct          float64         `json:"long_sl_pct"`
	ShortTPPct         float64         `json:"short_tp_pct"`
	ShortSLPct         float64         `json:"short_sl_pct"`
	PositionMultiplier float64         `json:"position_multiplier"`
	WinRate            float64         `json:"win_rate"`
	TotalTrades        int             `json:"total_trades"`
	TotalPnL           decimal.Decimal `json:"total_pnl"`
	LastOptimized      *time.Time      `json:"last_optimized,omitempty"`
	Active             bool            `json:"active"`
}

// SymbolRating levels gate position sizing: 1.0 / 0.25 / 0.125 / 0.0.
type SymbolRating struct {
	Symbol        string          `json:"symbol"`
	Level         int             `json:"level"` // 0..3; level 3 forbids opening
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	HardStopCount int             `json:"hard_stop_count"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SizeMultiplier maps rating level to the allowed position-size multiplier.
func (r *SymbolRating) SizeMultiplier() float64 {
	switch r.Level {
	case 0:
		return 1.0
	case 1:
		return 0.25
	case 2:
		return 0.125
	default:
		return 0.0
	}
}

// TradingBlacklistEntry excludes a symbol outright.
type TradingBlacklistEntry struct {
	Symbol  string `json:"symbol"`
	Reason  string `json:"reason"`
	Active  bool   `json:"active"`
	AddedAt time.Time
}

// SignalBlacklistEntry excludes one exact component set for one side.
// Pattern is the sorted component names joined by "+".
type SignalBlacklistEntry struct {
	Pattern string `json:"signal_pattern"`
	Side    string `json:"side"`
	Reason  string `json:"reason"`
	Active  bool   `json:"active"`
	AddedAt time.Time
}

// RegimeSnapshot is the persisted market regime classification.
type RegimeSnapshot struct {
	Regime             string    `json:"regime"` // bull, bear, neutral
	Strength           float64   `json:"strength"`
	Bias               string    `json:"bias"` // long, short, balanced
	PositionMultiplier float64   `json:"position_adjustment_multiplier"`
	ScoreAdjustment    int       `json:"score_threshold_adjustment"`
	ComputedAt         time.Time `json:"computed_at"`
}

// OptimizationRecord is one append-only optimization_history row.
type OptimizationRecord struct {
	ID          int64     `json:"id"`
	OptimizedAt time.Time `json:"optimized_at"`
	Type        string    `json:"type"`   // weight, risk_param, rating, blacklist, signal_blacklist
	Target      string    `json:"target"` // component name, symbol, or pattern
	Param       string    `json:"param"`
	OldValue    string    `json:"old_value"`
	NewValue    string    `json:"new_value"`
	Reason      string    `json:"reason"`
}

// TradingControl is the per-account kill switch row; read-only for the engine.
type TradingControl struct {
	AccountID   string    `json:"account_id"`
	TradingType string    `json:"trading_type"`
	Enabled     bool      `json:"enabled"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OrderLogEntry records every exchange order attempt for the lifecycle tracker.
type OrderLogEntry struct {
	ID         int64           `json:"id"`
	PositionID string          `json:"position_id"`
	AccountID  string          `json:"account_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	OrderType  string          `json:"order_type"`
	Purpose    string          `json:"purpose"` // entry_batch_1..3, close
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Fee        decimal.Decimal `json:"fee"`
	Ok         bool            `json:"ok"`
	Reason     string          `json:"reason"`
	ExchangeID string          `json:"exchange_id"`
	CreatedAt  time.Time       `json:"created_at"`
}
