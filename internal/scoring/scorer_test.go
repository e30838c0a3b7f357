package scoring

import (
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trading-engine/internal/configstore"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/market"
)

func defaultConfig() *configstore.Snapshot {
	return &configstore.Snapshot{
		Weights:         map[string]*database.ScoringWeight{},
		RiskParams:      map[string]*database.SymbolRiskParams{},
		Ratings:         map[string]*database.SymbolRating{},
		TradingBlocked:  map[string]bool{},
		SignalBlocked:   map[string]string{},
		TradingDisabled: map[string]bool{},
	}
}

func configWithWeights(weight int) *configstore.Snapshot {
	cfg := defaultConfig()
	for _, name := range Catalog() {
		cfg.Weights[name] = &database.ScoringWeight{
			ComponentName: name,
			WeightLong:    weight,
			WeightShort:   weight,
			Active:        true,
		}
	}
	return cfg
}

func flatKlines(n int, price float64, interval time.Duration) []exchange.Kline {
	start := time.Now().Add(-time.Duration(n) * interval)
	klines := make([]exchange.Kline, n)
	for i := range klines {
		klines[i] = exchange.Kline{
			OpenTime:  start.Add(time.Duration(i) * interval),
			CloseTime: start.Add(time.Duration(i+1) * interval),
			Open:      price, High: price, Low: price, Close: price,
			Closed: true,
		}
	}
	return klines
}

// bullMarketSnapshot builds a snapshot matching the clean-long fixture:
// position percentile 0.22, 1h bullish 32/48, daily bullish 17/30, 24h
// change around -4.5%.
func bullMarketSnapshot(t *testing.T) *market.Snapshot {
	t.Helper()

	hourly := make([]exchange.Kline, 80)
	start := time.Now().Add(-80 * time.Hour)
	for i := range hourly {
		var open, close float64
		switch {
		case i < 32:
			open, close = 129.0, 129.5
		default:
			// descend from ~129 to 122 over the last 48, two thirds bullish
			close = 129.0 - 7.0*float64(i-32)/47.0
			if i%3 != 2 {
				open = close - 0.3 // bullish
			} else {
				open = close + 0.9 // bearish
			}
		}
		low, high := open, open
		if close < low {
			low = close
		}
		if close > high {
			high = close
		}
		hourly[i] = exchange.Kline{
			OpenTime:  start.Add(time.Duration(i) * time.Hour),
			CloseTime: start.Add(time.Duration(i+1) * time.Hour),
			Open:      open, Close: close, Low: low - 0.5, High: high + 0.5,
			Closed: true,
		}
	}
	// anchor the 72h range to [100, 200] so pos = (122-100)/100 = 0.22
	hourly[8].Low = 100
	hourly[8].High = 200
	hourly[len(hourly)-1].Close = 122

	daily := make([]exchange.Kline, 30)
	dstart := time.Now().Add(-30 * 24 * time.Hour)
	for i := range daily {
		open := 125.0
		close := open - 1
		if i%30 < 17 {
			close = open + 1
		}
		daily[i] = exchange.Kline{
			OpenTime: dstart.Add(time.Duration(i) * 24 * time.Hour),
			Open:     open, Close: close, Low: open - 2, High: open + 2,
			Closed: true,
		}
	}

	return &market.Snapshot{
		Symbol:    "BTCUSDT",
		Price:     decimal.NewFromInt(122),
		Candles5m: flatKlines(60, 122, 5*time.Minute),
		Candles15: flatKlines(40, 122, 15*time.Minute),
		Candles1h: hourly,
		Candles1d: daily,
		FetchedAt: time.Now(),
	}
}

func TestEvaluateCleanLongEntry(t *testing.T) {
	scorer := NewScorer()
	snap := bullMarketSnapshot(t)

	opp := scorer.Evaluate(snap, defaultConfig(), nil)
	require.NotNil(t, opp, "expected an opportunity")

	assert.Equal(t, database.SideLong, opp.Side)
	assert.GreaterOrEqual(t, opp.Score, 40)
	for _, want := range []string{CompPositionLow, CompTrend1hBull, CompTrend1dBull, CompMomentumDown3pct} {
		assert.Contains(t, opp.Components, want)
	}
	for name := range opp.Components {
		assert.NotEqual(t, Bearish, BiasOf(name), "bearish component %s leaked into a LONG opportunity", name)
	}
}

func TestEvaluateIsPure(t *testing.T) {
	scorer := NewScorer()
	snap := bullMarketSnapshot(t)
	cfg := defaultConfig()

	first := scorer.Evaluate(snap, cfg, nil)
	second := scorer.Evaluate(snap, cfg, nil)
	require.NotNil(t, first)
	require.NotNil(t, second)

	assert.Equal(t, first.Side, second.Side)
	assert.Equal(t, first.Score, second.Score)
	assert.True(t, reflect.DeepEqual(first.Components, second.Components))
}

func TestEvaluateBelowThreshold(t *testing.T) {
	scorer := NewScorer()
	snap := bullMarketSnapshot(t)

	// weight 5 per component cannot reach the 35 threshold with 5 components
	opp := scorer.Evaluate(snap, configWithWeights(5), nil)
	assert.Nil(t, opp)
}

func TestEvaluateRegimeAdjustsThreshold(t *testing.T) {
	scorer := NewScorer()
	snap := bullMarketSnapshot(t)
	cfg := configWithWeights(7) // 5 components x 7 = 35, right at the base threshold

	// opposite-bias regime raises the long threshold past the score
	bearRegime := &market.Regime{Regime: market.RegimeBear, Bias: market.BiasShort, ScoreAdjustment: -5, PositionMultiplier: 1}
	assert.Nil(t, scorer.Evaluate(snap, cfg, bearRegime))

	longRegime := &market.Regime{Regime: market.RegimeBull, Bias: market.BiasLong, ScoreAdjustment: -5, PositionMultiplier: 1}
	assert.NotNil(t, scorer.Evaluate(snap, cfg, longRegime))
}

func TestCleanComponentsDirectionConflict(t *testing.T) {
	// raw components settle SHORT: neutrals stay, no bullish survives
	raw := map[string]int{
		CompPositionMid:    5,
		CompVolatilityHigh: 10,
		CompBreakdownShort: 25,
	}
	cleaned := CleanComponents(raw, database.SideShort)

	assert.Equal(t, map[string]int{
		CompPositionMid:    5,
		CompVolatilityHigh: 10,
		CompBreakdownShort: 25,
	}, cleaned)
}

func TestCleanComponentsStripsOpposingBias(t *testing.T) {
	raw := map[string]int{
		CompPositionLow:    10,
		CompTrend1hBull:    10,
		CompBreakdownShort: 25,
		CompVolatilityHigh: 10,
	}
	cleaned := CleanComponents(raw, database.SideShort)

	assert.NotContains(t, cleaned, CompPositionLow)
	assert.NotContains(t, cleaned, CompTrend1hBull)
	assert.Contains(t, cleaned, CompBreakdownShort)
	assert.Contains(t, cleaned, CompVolatilityHigh)
}

func TestPattern(t *testing.T) {
	pattern := Pattern(map[string]int{
		CompVolatilityHigh: 10,
		CompBreakdownShort: 25,
	})
	assert.Equal(t, "breakdown_short+volatility_high", pattern)

	assert.Equal(t, "", Pattern(nil))
}

func TestClampWeight(t *testing.T) {
	assert.Equal(t, MinWeight, ClampWeight(1))
	assert.Equal(t, MaxWeight, ClampWeight(99))
	assert.Equal(t, 17, ClampWeight(17))
}

// minimum component rule: a single strong component is never enough, and
// position_mid raises the floor to three.
func TestEvaluateMinComponentRule(t *testing.T) {
	scorer := NewScorer()

	// hourly candles arranged so only momentum_down fires: deep 24h drop,
	// mid-range position comes with it, so position_mid + momentum = 2 < 3
	hourly := make([]exchange.Kline, 80)
	start := time.Now().Add(-80 * time.Hour)
	for i := range hourly {
		// alternate direction so no trend component fires
		close := 150.0 - 10.0*float64(i)/79.0
		open := close + 0.2
		if i%2 == 0 {
			open = close - 0.2
		}
		hourly[i] = exchange.Kline{
			OpenTime: start.Add(time.Duration(i) * time.Hour),
			Open:     open, Close: close, Low: close - 1, High: close + 1,
			Closed: true,
		}
	}
	hourly[8].Low = 100
	hourly[8].High = 200
	hourly[len(hourly)-1].Close = 138 // pos = 0.38 -> position_mid, 24h drop > 3%

	snap := &market.Snapshot{
		Symbol:    "ETHUSDT",
		Price:     decimal.NewFromInt(138),
		Candles5m: flatKlines(60, 138, 5*time.Minute),
		Candles15: flatKlines(40, 138, 15*time.Minute),
		Candles1h: hourly,
		Candles1d: flatKlines(35, 138, 24*time.Hour),
		FetchedAt: time.Now(),
	}

	// weight 30 each: position_mid + momentum_down = 60 clears the score
	// threshold but fails the three-component floor
	opp := scorer.Evaluate(snap, configWithWeights(30), nil)
	assert.Nil(t, opp)
}
