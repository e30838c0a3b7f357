// Package monitor watches open positions and closes them by the exit rule
// chain, with a supervisor reconciling monitors against the database.
package monitor

import (
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/database"
)

// Action is the outcome of one exit evaluation.
type Action int

const (
	ActionHold Action = iota
	ActionClose
	ActionExtend
)

// Decision carries the action and, for closes, the close reason.
type Decision struct {
	Action Action
	Reason string
}

var hold = Decision{Action: ActionHold}

// stagedTimeouts loosen the acceptable loss as the position ages. Longest
// stage first so an old position matches its own stage, not an earlier one.
var stagedTimeouts = []struct {
	age     time.Duration
	lossPct float64
	reason  string
}{
	{4 * time.Hour, -1.0, database.CloseReasonStagedTimeout4h},
	{3 * time.Hour, -1.5, database.CloseReasonStagedTimeout3h},
	{2 * time.Hour, -2.0, database.CloseReasonStagedTimeout2h},
	{1 * time.Hour, -2.5, database.CloseReasonStagedTimeout1h},
}

// evaluateExit runs the rule chain in priority order against one price
// observation. profitPct is the current unleveraged move, peakPct the
// monotonic maximum since open, extended whether the one-shot planned-close
// extension was already granted.
func evaluateExit(p *database.Position, price decimal.Decimal, profitPct, peakPct float64,
	now time.Time, extended bool, minHolding time.Duration, cfg config.SmartExitConfig) Decision {

	long := p.Side == database.SideLong

	// 1. take profit, checked before stop loss so a tick gapping across
	// both bands resolves in the position's favor
	if !p.TakeProfitPrice.IsZero() {
		if (long && price.GreaterThanOrEqual(p.TakeProfitPrice)) ||
			(!long && price.LessThanOrEqual(p.TakeProfitPrice)) {
			return Decision{ActionClose, database.CloseReasonTakeProfit}
		}
	}

	var age time.Duration
	if p.OpenTime != nil {
		age = now.Sub(*p.OpenTime)
	}

	// 2. stop loss, suppressed inside the minimum holding period
	if !p.StopLossPrice.IsZero() && age >= minHolding {
		if (long && price.LessThanOrEqual(p.StopLossPrice)) ||
			(!long && price.GreaterThanOrEqual(p.StopLossPrice)) {
			return Decision{ActionClose, database.CloseReasonStopLoss}
		}
	}

	// 3. / 4. trailing on retrace from the peak
	retrace := peakPct - profitPct
	if peakPct >= cfg.HighProfitTriggerPct && retrace >= cfg.HighProfitRetracePct {
		return Decision{ActionClose, database.CloseReasonHighProfitTrailing}
	}
	if peakPct >= cfg.MidProfitTriggerPct && peakPct < cfg.HighProfitTriggerPct &&
		retrace >= cfg.MidProfitRetracePct {
		return Decision{ActionClose, database.CloseReasonMidProfitTrailing}
	}

	// 5. quick close: decent profit late in the planned life
	if p.PlannedCloseTime != nil && p.OpenTime != nil {
		planned := p.PlannedCloseTime.Sub(*p.OpenTime)
		if planned > 0 && profitPct >= cfg.QuickCloseProfitPct &&
			age >= time.Duration(float64(planned)*cfg.QuickCloseAgeFraction) {
			return Decision{ActionClose, database.CloseReasonQuickClose}
		}
	}

	// 6. staged loss timeout
	for _, stage := range stagedTimeouts {
		if age >= stage.age && profitPct <= stage.lossPct {
			return Decision{ActionClose, stage.reason}
		}
	}

	// 7. / 8. at planned close: break even if the trade saw profit and sits
	// near flat, otherwise extend once and finally time out
	if p.PlannedCloseTime != nil && !now.Before(*p.PlannedCloseTime) {
		if peakPct > cfg.BreakEvenPeakPct &&
			profitPct >= cfg.BreakEvenBandLowPct && profitPct <= cfg.BreakEvenBandHighPct {
			return Decision{ActionClose, database.CloseReasonBreakEven}
		}
		if !extended {
			return Decision{Action: ActionExtend}
		}
		return Decision{ActionClose, database.CloseReasonPlannedTimeout}
	}

	return hold
}
