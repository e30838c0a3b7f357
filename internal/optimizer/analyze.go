// Package optimizer adjusts scoring weights, per-symbol risk parameters,
// ratings, and blacklists from realized trade outcomes, once per day.
package optimizer

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/scoring"
)

const (
	minTradesForWeight    = 5
	minTradesForBlacklist = 5
	minTradesForSignal    = 5

	slWidenStep   = 1.0
	slMaxPct      = 5.0
	minMultiplier = 0.5

	// adjustGuard skips targets already touched within the window, making a
	// same-day rerun a no-op
	adjustGuard = 20 * time.Hour
)

// Inputs is everything BuildPlan needs, loaded up front so the analysis
// itself is pure.
type Inputs struct {
	Closed         []*database.Position
	Weights        []*database.ScoringWeight
	Risk           []*database.SymbolRiskParams
	Ratings        []*database.SymbolRating
	TradingBlocked map[string]bool
	SignalBlocked  map[string]bool // key pattern+"|"+side
	Defaults       config.AdaptiveConfig
	Now            time.Time
}

// Plan is the set of mutations one optimization run proposes, with one
// history record per mutation.
type Plan struct {
	Weights          []*database.ScoringWeight
	Risk             []*database.SymbolRiskParams
	Ratings          []*database.SymbolRating
	TradingBlacklist []*database.TradingBlacklistEntry
	SignalBlacklist  []*database.SignalBlacklistEntry
	History          []*database.OptimizationRecord
}

// Empty reports whether the run proposes no mutation at all.
func (p *Plan) Empty() bool {
	return len(p.History) == 0
}

type symbolStats struct {
	trades int
	wins   int
	pnl    decimal.Decimal
}

type patternStats struct {
	side   string
	trades int
	wins   int
	pnl    decimal.Decimal
}

type componentStats struct {
	trades int
	perf   float64
}

// BuildPlan derives every proposed mutation from the closed trades of the
// lookback window.
func BuildPlan(in Inputs) *Plan {
	plan := &Plan{}

	symbols := make(map[string]*symbolStats)
	patterns := make(map[string]*patternStats)
	components := make(map[string]*componentStats)

	for _, p := range in.Closed {
		if p.RealizedPnL == nil || len(p.BatchFilled) == 0 {
			continue // failed entries carry no outcome signal
		}
		if p.CloseReason != nil && *p.CloseReason == database.CloseReasonEntryFailed {
			continue
		}
		pnl := *p.RealizedPnL
		win := pnl.IsPositive()

		ss, ok := symbols[p.Symbol]
		if !ok {
			ss = &symbolStats{pnl: decimal.Zero}
			symbols[p.Symbol] = ss
		}
		ss.trades++
		if win {
			ss.wins++
		}
		ss.pnl = ss.pnl.Add(pnl)

		pattern := scoring.Pattern(p.Components)
		if pattern != "" {
			key := pattern + "|" + p.Side
			ps, ok := patterns[key]
			if !ok {
				ps = &patternStats{side: p.Side, pnl: decimal.Zero}
				patterns[key] = ps
			}
			ps.trades++
			if win {
				ps.wins++
			}
			ps.pnl = ps.pnl.Add(pnl)
		}

		// pnl attribution proportional to the component's share of the
		// entry score
		total := 0
		for _, w := range p.Components {
			total += w
		}
		if total > 0 {
			pnlF, _ := pnl.Float64()
			for name, w := range p.Components {
				cs, ok := components[name]
				if !ok {
					cs = &componentStats{}
					components[name] = cs
				}
				cs.trades++
				cs.perf += pnlF * float64(w) / float64(total)
			}
		}
	}

	planWeights(plan, in, components)
	planSymbols(plan, in, symbols)
	planSignalBlacklist(plan, in, patterns)
	return plan
}

func weightDelta(perf float64) int {
	switch {
	case perf > 10:
		return 3
	case perf > 5:
		return 2
	case perf < -10:
		return -3
	case perf < -5:
		return -2
	default:
		return 0
	}
}

func planWeights(plan *Plan, in Inputs, components map[string]*componentStats) {
	for _, w := range in.Weights {
		cs, ok := components[w.ComponentName]
		if !ok || cs.trades < minTradesForWeight {
			continue
		}
		if w.LastAdjusted != nil && in.Now.Sub(*w.LastAdjusted) < adjustGuard {
			continue
		}
		delta := weightDelta(cs.perf)
		if delta == 0 {
			continue
		}
		newLong := scoring.ClampWeight(w.WeightLong + delta)
		newShort := scoring.ClampWeight(w.WeightShort + delta)
		if newLong == w.WeightLong && newShort == w.WeightShort {
			continue
		}

		updated := *w
		updated.WeightLong = newLong
		updated.WeightShort = newShort
		updated.PerformanceScore = cs.perf
		plan.Weights = append(plan.Weights, &updated)
		plan.History = append(plan.History, &database.OptimizationRecord{
			Type:     "weight",
			Target:   w.ComponentName,
			Param:    "weight",
			OldValue: fmt.Sprintf("%d/%d", w.WeightLong, w.WeightShort),
			NewValue: fmt.Sprintf("%d/%d", newLong, newShort),
			Reason:   fmt.Sprintf("perf %.2f over %d trades", cs.perf, cs.trades),
		})
	}
}

func planSymbols(plan *Plan, in Inputs, symbols map[string]*symbolStats) {
	riskBySymbol := make(map[string]*database.SymbolRiskParams, len(in.Risk))
	for _, r := range in.Risk {
		riskBySymbol[r.Symbol] = r
	}
	ratingBySymbol := make(map[string]*database.SymbolRating, len(in.Ratings))
	for _, r := range in.Ratings {
		ratingBySymbol[r.Symbol] = r
	}

	for symbol, ss := range symbols {
		winRate := float64(ss.wins) / float64(ss.trades) * 100
		pnlF, _ := ss.pnl.Float64()

		// consistent heavy losers leave the universe entirely
		if pnlF < -500 && ss.trades >= minTradesForBlacklist {
			if !in.TradingBlocked[symbol] {
				reason := fmt.Sprintf("pnl %.2f over %d trades", pnlF, ss.trades)
				plan.TradingBlacklist = append(plan.TradingBlacklist, &database.TradingBlacklistEntry{
					Symbol: symbol, Reason: reason, Active: true,
				})
				plan.History = append(plan.History, &database.OptimizationRecord{
					Type: "blacklist", Target: symbol, Param: "trading",
					OldValue: "allowed", NewValue: "blocked", Reason: reason,
				})
			}
			continue
		}

		if winRate < 15 && pnlF < 0 {
			planWidenRisk(plan, in, riskBySymbol[symbol], symbol, ss, winRate)
		}

		if winRate >= 60 && pnlF > 50 {
			planRatingUp(plan, in, ratingBySymbol[symbol], symbol, ss, winRate)
		}
	}
}

// planWidenRisk loosens the stop and halves sizing for a symbol that keeps
// getting stopped out.
func planWidenRisk(plan *Plan, in Inputs, cur *database.SymbolRiskParams, symbol string, ss *symbolStats, winRate float64) {
	var updated database.SymbolRiskParams
	if cur != nil {
		if cur.LastOptimized != nil && in.Now.Sub(*cur.LastOptimized) < adjustGuard {
			return
		}
		updated = *cur
	} else {
		updated = database.SymbolRiskParams{
			Symbol:             symbol,
			LongTPPct:          in.Defaults.Long.TakeProfitPct,
			LongSLPct:          in.Defaults.Long.StopLossPct,
			ShortTPPct:         in.Defaults.Short.TakeProfitPct,
			ShortSLPct:         in.Defaults.Short.StopLossPct,
			PositionMultiplier: 1.0,
			Active:             true,
		}
	}

	newLongSL := minF(slMaxPct, updated.LongSLPct+slWidenStep)
	newShortSL := minF(slMaxPct, updated.ShortSLPct+slWidenStep)
	newMult := maxF(minMultiplier, updated.PositionMultiplier/2)
	if newLongSL == updated.LongSLPct && newShortSL == updated.ShortSLPct && newMult == updated.PositionMultiplier {
		return
	}

	old := fmt.Sprintf("sl %.2f/%.2f mult %.2f", updated.LongSLPct, updated.ShortSLPct, updated.PositionMultiplier)
	updated.LongSLPct = newLongSL
	updated.ShortSLPct = newShortSL
	updated.PositionMultiplier = newMult
	updated.WinRate = winRate
	updated.TotalTrades = ss.trades
	updated.TotalPnL = ss.pnl

	plan.Risk = append(plan.Risk, &updated)
	plan.History = append(plan.History, &database.OptimizationRecord{
		Type: "risk_param", Target: symbol, Param: "sl_and_multiplier",
		OldValue: old,
		NewValue: fmt.Sprintf("sl %.2f/%.2f mult %.2f", newLongSL, newShortSL, newMult),
		Reason:   fmt.Sprintf("win rate %.1f%% pnl %s over %d trades", winRate, ss.pnl.StringFixed(2), ss.trades),
	})
}

// planRatingUp improves a restricted symbol by one level after a strong
// window.
func planRatingUp(plan *Plan, in Inputs, cur *database.SymbolRating, symbol string, ss *symbolStats, winRate float64) {
	if cur == nil || cur.Level <= 0 {
		return
	}
	if in.Now.Sub(cur.UpdatedAt) < adjustGuard {
		return
	}

	updated := *cur
	updated.Level = cur.Level - 1
	updated.TotalPnL = cur.TotalPnL.Add(ss.pnl)

	plan.Ratings = append(plan.Ratings, &updated)
	plan.History = append(plan.History, &database.OptimizationRecord{
		Type: "rating", Target: symbol, Param: "level",
		OldValue: fmt.Sprintf("%d", cur.Level),
		NewValue: fmt.Sprintf("%d", updated.Level),
		Reason:   fmt.Sprintf("win rate %.1f%% pnl %s over %d trades", winRate, ss.pnl.StringFixed(2), ss.trades),
	})
}

func planSignalBlacklist(plan *Plan, in Inputs, patterns map[string]*patternStats) {
	for key, ps := range patterns {
		if ps.trades < minTradesForSignal {
			continue
		}
		winRate := float64(ps.wins) / float64(ps.trades) * 100
		pnlF, _ := ps.pnl.Float64()
		if winRate >= 25 && pnlF > -100 {
			continue
		}
		if in.SignalBlocked[key] {
			continue
		}
		pattern := key[:len(key)-len(ps.side)-1]
		reason := fmt.Sprintf("win rate %.1f%% pnl %.2f over %d trades", winRate, pnlF, ps.trades)
		plan.SignalBlacklist = append(plan.SignalBlacklist, &database.SignalBlacklistEntry{
			Pattern: pattern, Side: ps.side, Reason: reason, Active: true,
		})
		plan.History = append(plan.History, &database.OptimizationRecord{
			Type: "signal_blacklist", Target: pattern, Param: ps.side,
			OldValue: "allowed", NewValue: "blocked", Reason: reason,
		})
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
