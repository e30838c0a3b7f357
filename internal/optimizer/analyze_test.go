package optimizer

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/scoring"
)

func defaults() config.AdaptiveConfig {
	return config.AdaptiveConfig{
		Long:  config.AdaptiveSideConfig{StopLossPct: 2.0, TakeProfitPct: 3.0},
		Short: config.AdaptiveSideConfig{StopLossPct: 2.0, TakeProfitPct: 4.0},
	}
}

func closedTrade(symbol, side string, pnl float64, comps map[string]int) *database.Position {
	realized := decimal.NewFromFloat(pnl)
	reason := database.CloseReasonStopLoss
	if pnl > 0 {
		reason = database.CloseReasonTakeProfit
	}
	return &database.Position{
		Symbol:      symbol,
		Side:        side,
		Status:      database.PositionClosed,
		Components:  comps,
		BatchFilled: []database.BatchFill{{Batch: 1, Quantity: decimal.NewFromInt(1)}},
		RealizedPnL: &realized,
		CloseReason: &reason,
	}
}

func repeat(n int, mk func() *database.Position) []*database.Position {
	out := make([]*database.Position, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, mk())
	}
	return out
}

func fixtureInputs(now time.Time) Inputs {
	var closed []*database.Position

	// strong component: five wins push its performance over +10
	closed = append(closed, repeat(5, func() *database.Position {
		return closedTrade("WINUSDT", database.SideLong, 6,
			map[string]int{scoring.CompTrend1hBull: 10})
	})...)

	// weak component: five losses push it under -10
	closed = append(closed, repeat(5, func() *database.Position {
		return closedTrade("LOSUSDT", database.SideLong, -3,
			map[string]int{scoring.CompVolatilityHigh: 10})
	})...)

	// heavy loser: deep drawdown over enough trades to exclude the symbol
	closed = append(closed, repeat(6, func() *database.Position {
		return closedTrade("AAAUSDT", database.SideShort, -100, nil)
	})...)

	// chronic stop-outs: all losses but shallow, so risk widens instead
	closed = append(closed, repeat(7, func() *database.Position {
		return closedTrade("BBBUSDT", database.SideShort, -20,
			map[string]int{scoring.CompMomentumDown3pct: 10, scoring.CompPositionHigh: 10})
	})...)

	// restricted symbol earning its way back up
	closed = append(closed, repeat(5, func() *database.Position {
		p := closedTrade("CCCUSDT", database.SideLong, 25, nil)
		return p
	})...)
	closed = append(closed, closedTrade("CCCUSDT", database.SideLong, -25, nil))

	return Inputs{
		Closed: closed,
		Weights: []*database.ScoringWeight{
			{ComponentName: scoring.CompTrend1hBull, WeightLong: 10, WeightShort: 10, Active: true},
			{ComponentName: scoring.CompVolatilityHigh, WeightLong: 10, WeightShort: 10, Active: true},
		},
		Ratings: []*database.SymbolRating{
			{Symbol: "CCCUSDT", Level: 2, UpdatedAt: now.Add(-48 * time.Hour)},
		},
		TradingBlocked: map[string]bool{},
		SignalBlocked:  map[string]bool{},
		Defaults:       defaults(),
		Now:            now,
	}
}

func findWeight(plan *Plan, name string) *database.ScoringWeight {
	for _, w := range plan.Weights {
		if w.ComponentName == name {
			return w
		}
	}
	return nil
}

func TestBuildPlanWeightAdjustments(t *testing.T) {
	now := time.Now()
	plan := BuildPlan(fixtureInputs(now))

	up := findWeight(plan, scoring.CompTrend1hBull)
	require.NotNil(t, up, "profitable component must gain weight")
	assert.Equal(t, 13, up.WeightLong)
	assert.Equal(t, 13, up.WeightShort)
	assert.InDelta(t, 30.0, up.PerformanceScore, 1e-9)

	down := findWeight(plan, scoring.CompVolatilityHigh)
	require.NotNil(t, down, "losing component must lose weight")
	assert.Equal(t, 7, down.WeightLong)
	assert.InDelta(t, -15.0, down.PerformanceScore, 1e-9)
}

func TestBuildPlanWeightClamp(t *testing.T) {
	now := time.Now()
	in := fixtureInputs(now)
	in.Weights = []*database.ScoringWeight{
		{ComponentName: scoring.CompVolatilityHigh, WeightLong: 6, WeightShort: 6, Active: true},
	}
	plan := BuildPlan(in)

	w := findWeight(plan, scoring.CompVolatilityHigh)
	require.NotNil(t, w)
	assert.Equal(t, scoring.MinWeight, w.WeightLong, "weights clamp at the floor")
}

func TestBuildPlanWeightGuards(t *testing.T) {
	now := time.Now()

	// fewer than five trades: untouched
	in := fixtureInputs(now)
	in.Closed = in.Closed[:4]
	plan := BuildPlan(in)
	assert.Nil(t, findWeight(plan, scoring.CompTrend1hBull))

	// adjusted earlier today: untouched
	in = fixtureInputs(now)
	recent := now.Add(-time.Hour)
	in.Weights[0].LastAdjusted = &recent
	plan = BuildPlan(in)
	assert.Nil(t, findWeight(plan, scoring.CompTrend1hBull))
}

func TestBuildPlanTradingBlacklist(t *testing.T) {
	now := time.Now()
	plan := BuildPlan(fixtureInputs(now))

	require.Len(t, plan.TradingBlacklist, 1)
	assert.Equal(t, "AAAUSDT", plan.TradingBlacklist[0].Symbol)

	// already blocked symbols are not proposed again
	in := fixtureInputs(now)
	in.TradingBlocked["AAAUSDT"] = true
	plan = BuildPlan(in)
	assert.Empty(t, plan.TradingBlacklist)
}

func TestBuildPlanRiskWidening(t *testing.T) {
	now := time.Now()
	plan := BuildPlan(fixtureInputs(now))

	var widened *database.SymbolRiskParams
	for _, r := range plan.Risk {
		if r.Symbol == "BBBUSDT" {
			widened = r
		}
	}
	require.NotNil(t, widened)
	assert.InDelta(t, 3.0, widened.LongSLPct, 1e-9)
	assert.InDelta(t, 3.0, widened.ShortSLPct, 1e-9)
	assert.InDelta(t, 0.5, widened.PositionMultiplier, 1e-9)
	assert.Equal(t, 7, widened.TotalTrades)
}

func TestBuildPlanRiskWideningCaps(t *testing.T) {
	now := time.Now()
	in := fixtureInputs(now)
	old := now.Add(-48 * time.Hour)
	in.Risk = []*database.SymbolRiskParams{{
		Symbol: "BBBUSDT", LongSLPct: 5.0, ShortSLPct: 5.0,
		LongTPPct: 3.0, ShortTPPct: 4.0,
		PositionMultiplier: 0.5, LastOptimized: &old, Active: true,
	}}
	plan := BuildPlan(in)

	for _, r := range plan.Risk {
		assert.NotEqual(t, "BBBUSDT", r.Symbol, "fully widened params must not change again")
	}
}

func TestBuildPlanRatingUp(t *testing.T) {
	now := time.Now()
	plan := BuildPlan(fixtureInputs(now))

	require.Len(t, plan.Ratings, 1)
	assert.Equal(t, "CCCUSDT", plan.Ratings[0].Symbol)
	assert.Equal(t, 1, plan.Ratings[0].Level)

	// a level 0 symbol has nowhere to go
	in := fixtureInputs(now)
	in.Ratings[0].Level = 0
	plan = BuildPlan(in)
	assert.Empty(t, plan.Ratings)
}

func TestBuildPlanSignalBlacklist(t *testing.T) {
	now := time.Now()
	plan := BuildPlan(fixtureInputs(now))

	pattern := scoring.Pattern(map[string]int{
		scoring.CompMomentumDown3pct: 10,
		scoring.CompPositionHigh:     10,
	})
	var found *database.SignalBlacklistEntry
	for _, e := range plan.SignalBlacklist {
		if e.Pattern == pattern && e.Side == database.SideShort {
			found = e
		}
	}
	require.NotNil(t, found, "all-loss pattern must be blocked")

	in := fixtureInputs(now)
	in.SignalBlocked[pattern+"|"+database.SideShort] = true
	plan = BuildPlan(in)
	for _, e := range plan.SignalBlacklist {
		assert.False(t, e.Pattern == pattern && e.Side == database.SideShort)
	}
}

func TestBuildPlanIgnoresFailedEntries(t *testing.T) {
	now := time.Now()
	reason := database.CloseReasonEntryFailed
	zero := decimal.Zero
	failed := &database.Position{
		Symbol: "AAAUSDT", Side: database.SideShort, Status: database.PositionClosed,
		RealizedPnL: &zero, CloseReason: &reason,
	}
	in := Inputs{
		Closed:         []*database.Position{failed, failed, failed, failed, failed, failed},
		TradingBlocked: map[string]bool{},
		SignalBlocked:  map[string]bool{},
		Defaults:       defaults(),
		Now:            now,
	}
	plan := BuildPlan(in)
	assert.True(t, plan.Empty())
}

func TestBuildPlanHistoryPerMutation(t *testing.T) {
	now := time.Now()
	plan := BuildPlan(fixtureInputs(now))

	mutations := len(plan.Weights) + len(plan.Risk) + len(plan.Ratings) +
		len(plan.TradingBlacklist) + len(plan.SignalBlacklist)
	assert.Equal(t, mutations, len(plan.History))
	assert.False(t, plan.Empty())
}
