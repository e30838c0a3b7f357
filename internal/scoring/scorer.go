package scoring

import (
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/configstore"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/market"
)

// BaseThreshold is the minimum score before regime adjustment.
const BaseThreshold = 35

// SignalVersion tags positions with the scoring algorithm generation, so one
// algorithm never stacks positions on the same (symbol, side).
const SignalVersion = 3

// Opportunity is the scorer's verdict for one symbol at one instant. It is
// ephemeral and never persisted; accepted opportunities become positions.
type Opportunity struct {
	Symbol     string
	Side       string
	Score      int
	Components map[string]int
	Price      decimal.Decimal
	Snapshot   *market.Snapshot
	SignalTime time.Time
}

// Scorer is a pure evaluator: identical inputs produce identical outputs.
type Scorer struct{}

// NewScorer creates a scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

type activation struct {
	name string
	// side the weight counts toward; neutrals get assigned at activation
	side   string
	weight int
}

// Evaluate scores one snapshot. Returns nil when no side reaches the
// acceptance threshold or the minimum component rule fails.
func (s *Scorer) Evaluate(snap *market.Snapshot, cfg *configstore.Snapshot, regime *market.Regime) *Opportunity {
	if snap == nil || cfg == nil {
		return nil
	}
	price := snap.PriceFloat()
	if price <= 0 {
		return nil
	}

	var acts []activation
	scoreLong, scoreShort := 0, 0
	bullishCount, bearishCount := 0, 0

	activate := func(name, side string) {
		weight := cfg.WeightFor(name, side, DefaultWeight)
		acts = append(acts, activation{name: name, side: side, weight: weight})
		if side == database.SideLong {
			scoreLong += weight
		} else {
			scoreShort += weight
		}
		switch BiasOf(name) {
		case Bullish:
			bullishCount++
		case Bearish:
			bearishCount++
		}
	}

	// 1. position percentile over 72h of 1h candles
	pos, posOK := positionPercentile(snap.Candles1h, price, 72)
	if posOK {
		switch {
		case pos < 0.30:
			activate(CompPositionLow, database.SideLong)
		case pos > 0.70:
			activate(CompPositionHigh, database.SideShort)
		default:
			// neutral; assigned to the leading side, long on a tie
			side := database.SideLong
			if scoreShort > scoreLong {
				side = database.SideShort
			}
			activate(CompPositionMid, side)
		}
	}

	// 2. 24h momentum, mean-reversion bias
	change24h, changeOK := pctChange(snap.Candles1h, 24)
	if changeOK {
		if change24h <= -3.0 {
			activate(CompMomentumDown3pct, database.SideLong)
		} else if change24h >= 3.0 {
			activate(CompMomentumUp3pct, database.SideShort)
		}
	}

	// 3. 1h trend over 48 candles
	if ratio, ok := bullishRatio(snap.Candles1h, 48); ok {
		if ratio > 0.625 {
			activate(CompTrend1hBull, database.SideLong)
		} else if ratio < 0.375 {
			activate(CompTrend1hBear, database.SideShort)
		}
	}

	// 4. 1d trend, symmetric 50% rule
	bull1d, bear1d, ok1d := directionCounts(snap.Candles1d, 30)
	if ok1d {
		if bull1d >= 15 {
			activate(CompTrend1dBull, database.SideLong)
		}
		if bear1d >= 15 {
			activate(CompTrend1dBear, database.SideShort)
		}
	}

	// 5. consecutive 1h candles with a moderate cumulative move
	if dir, ok := consecutiveTrend(snap.Candles1h); ok {
		if dir == database.SideLong {
			activate(CompConsecutiveBull, database.SideLong)
		} else {
			activate(CompConsecutiveBear, database.SideShort)
		}
	}

	// 6. volume power on 1h
	vp1h := volumePower(snap.Candles1h, 3)
	if vp1h == database.SideLong {
		activate(CompVolumePower1hBull, database.SideLong)
	} else if vp1h == database.SideShort {
		activate(CompVolumePower1hBear, database.SideShort)
	}

	// 7. dual-timeframe volume power: 15m and 1h agreeing
	vp15 := volumePower(snap.Candles15, 3)
	if vp15 != "" && vp15 == vp1h {
		if vp15 == database.SideLong {
			activate(CompVolumePowerBull, database.SideLong)
		} else {
			activate(CompVolumePowerBear, database.SideShort)
		}
	}

	// 9. breakout / breakdown with anti-FOMO confluence
	if posOK && s.breakoutLong(snap, pos, bull1d) {
		activate(CompBreakoutLong, database.SideLong)
	}
	if posOK && s.breakdownShort(snap, pos, bear1d) {
		activate(CompBreakdownShort, database.SideShort)
	}

	// 8. volatility, only when the race is close
	if vol, ok := rangeVolatility(snap.Candles1h, 24); ok && vol > 5.0 {
		gap := scoreLong - scoreShort
		if gap < 0 {
			gap = -gap
		}
		if gap <= 10 && scoreLong != scoreShort {
			side := database.SideLong
			if scoreShort > scoreLong {
				side = database.SideShort
			}
			activate(CompVolatilityHigh, side)
		}
	}

	// choose side; tie breaks to the heavier bias count
	side := database.SideLong
	score := scoreLong
	switch {
	case scoreShort > scoreLong:
		side = database.SideShort
		score = scoreShort
	case scoreShort == scoreLong && bearishCount > bullishCount:
		side = database.SideShort
		score = scoreShort
	}
	if score <= 0 {
		return nil
	}

	raw := make(map[string]int, len(acts))
	for _, a := range acts {
		raw[a.name] = a.weight
	}
	components := CleanComponents(raw, side)
	if len(components) == 0 {
		return nil
	}

	// minimum component rule
	minComponents := 2
	if _, ok := components[CompPositionMid]; ok {
		minComponents = 3
	}
	if len(components) < minComponents {
		return nil
	}

	threshold := BaseThreshold + regime.ThresholdAdjustment(side)
	if score < threshold {
		return nil
	}

	return &Opportunity{
		Symbol:     snap.Symbol,
		Side:       side,
		Score:      score,
		Components: components,
		Price:      snap.Price,
		Snapshot:   snap,
		SignalTime: snap.FetchedAt,
	}
}

// breakoutLong requires confluence of a high position percentile, positive
// 1h net volume, and a 15m close above the recent swing high, gated by three
// anti-FOMO filters.
func (s *Scorer) breakoutLong(snap *market.Snapshot, pos float64, bull1d int) bool {
	if pos <= 0.70 {
		return false
	}
	if netDirectionalVolume(snap.Candles1h, 3) <= 0 {
		return false
	}
	if !closesAboveSwingHigh(snap.Candles15) {
		return false
	}
	// filter i: no recent 1h upper shadow above 1.5%
	if maxUpperShadow(snap.Candles1h, 3) > 1.5 {
		return false
	}
	// filter ii: fewer than 4 of the last 5 daily candles bullish
	recentBull, _, ok := directionCounts(snap.Candles1d, 5)
	if !ok || recentBull >= 4 {
		return false
	}
	// filter iii: sustained daily uptrend behind the breakout
	return bull1d >= 18
}

func (s *Scorer) breakdownShort(snap *market.Snapshot, pos float64, bear1d int) bool {
	if pos >= 0.30 {
		return false
	}
	if netDirectionalVolume(snap.Candles1h, 3) >= 0 {
		return false
	}
	if !closesBelowSwingLow(snap.Candles15) {
		return false
	}
	if maxLowerShadow(snap.Candles1h, 3) > 1.5 {
		return false
	}
	_, recentBear, ok := directionCounts(snap.Candles1d, 5)
	if !ok || recentBear >= 4 {
		return false
	}
	return bear1d >= 18
}

// tail returns the last n elements, or nil when fewer exist.
func tail(klines []exchange.Kline, n int) []exchange.Kline {
	if len(klines) < n {
		return nil
	}
	return klines[len(klines)-n:]
}
