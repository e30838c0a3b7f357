package admission

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trading-engine/internal/clock"
	"futures-trading-engine/internal/configstore"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/scoring"
)

type fakeQueries struct {
	lastClose   *time.Time
	sameVersion int
	totalLive   int
	perDirLive  int
}

func (f *fakeQueries) LastCloseTime(context.Context, string, string, string) (*time.Time, error) {
	return f.lastClose, nil
}

func (f *fakeQueries) CountLiveSameVersion(context.Context, string, string, string, int) (int, error) {
	return f.sameVersion, nil
}

func (f *fakeQueries) CountLivePositions(_ context.Context, _ string, symbol, _ string) (int, error) {
	if symbol == "" {
		return f.totalLive, nil
	}
	return f.perDirLive, nil
}

func emptyConfig() *configstore.Snapshot {
	return &configstore.Snapshot{
		Weights:         map[string]*database.ScoringWeight{},
		RiskParams:      map[string]*database.SymbolRiskParams{},
		Ratings:         map[string]*database.SymbolRating{},
		TradingBlocked:  map[string]bool{},
		SignalBlocked:   map[string]string{},
		TradingDisabled: map[string]bool{},
	}
}

func freshSnapshot(now time.Time) *market.Snapshot {
	mk := func(interval time.Duration, n int) []exchange.Kline {
		klines := make([]exchange.Kline, n)
		for i := range klines {
			klines[i] = exchange.Kline{
				OpenTime: now.Add(-time.Duration(n-i) * interval),
				Open:     100, High: 101, Low: 99, Close: 100,
			}
		}
		return klines
	}
	return &market.Snapshot{
		Symbol:    "ETHUSDT",
		Price:     decimal.NewFromInt(100),
		Candles5m: mk(5*time.Minute, 12),
		Candles15: mk(15*time.Minute, 8),
		Candles1h: mk(time.Hour, 8),
		Candles1d: mk(24*time.Hour, 8),
		FetchedAt: now,
	}
}

func testOpportunity(now time.Time) *scoring.Opportunity {
	return &scoring.Opportunity{
		Symbol: "ETHUSDT",
		Side:   database.SideShort,
		Score:  50,
		Components: map[string]int{
			scoring.CompBreakdownShort: 25,
			scoring.CompTrend1hBear:    15,
			scoring.CompPositionHigh:   10,
		},
		Price:      decimal.NewFromInt(100),
		Snapshot:   freshSnapshot(now),
		SignalTime: now,
	}
}

func testLimits() Limits {
	return Limits{
		AccountID:        "linear-main",
		TradingType:      "linear",
		MaxOpenPositions: 10,
		MaxPerDirection:  3,
		SignalVersion:    1,
	}
}

func newTestFilter(q *fakeQueries, now time.Time) *Filter {
	fc := clock.NewFake(now)
	return NewFilter(q, fc)
}

func TestCheckAccepts(t *testing.T) {
	now := time.Now()
	f := newTestFilter(&fakeQueries{}, now)

	res, err := f.Check(context.Background(), testOpportunity(now), emptyConfig(), testLimits())
	require.NoError(t, err)
	assert.True(t, res.Accepted, "rejected: %s %s", res.Reason, res.Detail)
}

func TestCheckTradingDisabled(t *testing.T) {
	now := time.Now()
	f := newTestFilter(&fakeQueries{}, now)
	cfg := emptyConfig()
	cfg.TradingDisabled["linear-main|linear"] = true

	res, err := f.Check(context.Background(), testOpportunity(now), cfg, testLimits())
	require.NoError(t, err)
	assert.Equal(t, ReasonTradingDisabled, res.Reason)
}

type fakeHalter struct{ reason string }

func (f *fakeHalter) CanTrade() (bool, string) {
	return f.reason == "", f.reason
}

func TestCheckCircuitHalt(t *testing.T) {
	now := time.Now()
	f := newTestFilter(&fakeQueries{}, now).WithHalter(&fakeHalter{reason: "consecutive losses: 5"})

	res, err := f.Check(context.Background(), testOpportunity(now), emptyConfig(), testLimits())
	require.NoError(t, err)
	assert.Equal(t, ReasonCircuitOpen, res.Reason)

	f = newTestFilter(&fakeQueries{}, now).WithHalter(&fakeHalter{})
	res, err = f.Check(context.Background(), testOpportunity(now), emptyConfig(), testLimits())
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestCheckSymbolRatingLevel3(t *testing.T) {
	now := time.Now()
	f := newTestFilter(&fakeQueries{}, now)
	cfg := emptyConfig()
	cfg.Ratings["ETHUSDT"] = &database.SymbolRating{Symbol: "ETHUSDT", Level: 3}

	res, err := f.Check(context.Background(), testOpportunity(now), cfg, testLimits())
	require.NoError(t, err)
	assert.Equal(t, ReasonSymbolRating, res.Reason)
}

func TestCheckStaleData(t *testing.T) {
	now := time.Now()
	f := newTestFilter(&fakeQueries{}, now)

	opp := testOpportunity(now)
	// latest 5m candle opened 10 minutes ago
	last := len(opp.Snapshot.Candles5m) - 1
	opp.Snapshot.Candles5m[last].OpenTime = now.Add(-10 * time.Minute)

	res, err := f.Check(context.Background(), opp, emptyConfig(), testLimits())
	require.NoError(t, err)
	assert.Equal(t, ReasonStaleData, res.Reason)
}

func TestCheckCooldownBoundary(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name     string
		closedAt time.Duration
		accepted bool
	}{
		{"inside window", -14*time.Minute - 59*time.Second, false},
		{"outside window", -15*time.Minute - time.Second, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			closed := now.Add(tc.closedAt)
			f := newTestFilter(&fakeQueries{lastClose: &closed}, now)

			res, err := f.Check(context.Background(), testOpportunity(now), emptyConfig(), testLimits())
			require.NoError(t, err)
			assert.Equal(t, tc.accepted, res.Accepted)
			if !tc.accepted {
				assert.Equal(t, ReasonCooldown, res.Reason)
			}
		})
	}
}

func TestCheckSignalBlacklistSetEquality(t *testing.T) {
	now := time.Now()
	f := newTestFilter(&fakeQueries{}, now)

	cfg := emptyConfig()
	cfg.SignalBlocked["breakdown_short+volatility_high|SHORT"] = "historical loser"

	// superset of the blacklisted pattern must NOT match
	opp := testOpportunity(now)
	opp.Components = map[string]int{
		scoring.CompBreakdownShort:  25,
		scoring.CompVolatilityHigh:  10,
		scoring.CompVolumePowerBear: 10,
	}
	res, err := f.Check(context.Background(), opp, cfg, testLimits())
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	// the exact set matches
	opp.Components = map[string]int{
		scoring.CompBreakdownShort: 25,
		scoring.CompVolatilityHigh: 10,
	}
	res, err = f.Check(context.Background(), opp, cfg, testLimits())
	require.NoError(t, err)
	assert.Equal(t, ReasonSignalBlacklist, res.Reason)
}

func TestCheckDirectionConflict(t *testing.T) {
	now := time.Now()
	f := newTestFilter(&fakeQueries{}, now)

	opp := testOpportunity(now)
	opp.Components[scoring.CompTrend1hBull] = 10

	res, err := f.Check(context.Background(), opp, emptyConfig(), testLimits())
	require.NoError(t, err)
	assert.Equal(t, ReasonDirection, res.Reason)
}

func TestCheckDirectionExceptions(t *testing.T) {
	now := time.Now()
	f := newTestFilter(&fakeQueries{}, now)

	// oversold bounce: momentum_up allowed with position_low in LONG
	opp := testOpportunity(now)
	opp.Side = database.SideLong
	opp.Components = map[string]int{
		scoring.CompMomentumUp3pct: 10,
		scoring.CompPositionLow:    10,
		scoring.CompTrend1hBull:    10,
	}
	res, err := f.Check(context.Background(), opp, emptyConfig(), testLimits())
	require.NoError(t, err)
	assert.True(t, res.Accepted, "rejected: %s %s", res.Reason, res.Detail)

	// same bearish component without position_low rejects
	delete(opp.Components, scoring.CompPositionLow)
	res, err = f.Check(context.Background(), opp, emptyConfig(), testLimits())
	require.NoError(t, err)
	assert.Equal(t, ReasonDirection, res.Reason)
}

func TestCheckDuplicateVersion(t *testing.T) {
	now := time.Now()
	f := newTestFilter(&fakeQueries{sameVersion: 1}, now)

	res, err := f.Check(context.Background(), testOpportunity(now), emptyConfig(), testLimits())
	require.NoError(t, err)
	assert.Equal(t, ReasonDuplicate, res.Reason)
}

func TestCheckPositionCaps(t *testing.T) {
	now := time.Now()

	f := newTestFilter(&fakeQueries{totalLive: 10}, now)
	res, err := f.Check(context.Background(), testOpportunity(now), emptyConfig(), testLimits())
	require.NoError(t, err)
	assert.Equal(t, ReasonPositionCap, res.Reason)

	f = newTestFilter(&fakeQueries{perDirLive: 3}, now)
	res, err = f.Check(context.Background(), testOpportunity(now), emptyConfig(), testLimits())
	require.NoError(t, err)
	assert.Equal(t, ReasonPositionCap, res.Reason)
}
