// Package admission runs accepted-opportunity gating: an ordered chain of
// checks between the scorer and the entry executor.
package admission

import (
	"context"
	"fmt"
	"time"

	"futures-trading-engine/internal/clock"
	"futures-trading-engine/internal/configstore"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/scoring"
)

// Reject reason codes, stable for logs and statistics.
const (
	ReasonTradingDisabled = "trading_disabled"
	ReasonCircuitOpen     = "circuit_open"
	ReasonSymbolRating    = "symbol_rating"
	ReasonBlacklist       = "trading_blacklist"
	ReasonSignalBlacklist = "signal_blacklist"
	ReasonDirection       = "direction_conflict"
	ReasonStaleData       = "stale_data"
	ReasonCooldown        = "cooldown"
	ReasonDuplicate       = "duplicate_position"
	ReasonPositionCap     = "position_cap"
)

// DefaultCooldown between a close and the next entry on the same
// (symbol, side).
const DefaultCooldown = 15 * time.Minute

// Result is the outcome of the admission chain for one opportunity.
type Result struct {
	Accepted bool
	Reason   string
	Detail   string
}

func reject(reason, detail string) Result {
	return Result{Reason: reason, Detail: detail}
}

// Limits are the per-account admission caps.
type Limits struct {
	AccountID        string
	TradingType      string
	MaxOpenPositions int
	MaxPerDirection  int
	Cooldown         time.Duration
	SignalVersion    int
}

// PositionQueries is the slice of the repository the filter needs.
type PositionQueries interface {
	LastCloseTime(ctx context.Context, accountID, symbol, side string) (*time.Time, error)
	CountLiveSameVersion(ctx context.Context, accountID, symbol, side string, signalVersion int) (int, error)
	CountLivePositions(ctx context.Context, accountID, symbol, side string) (int, error)
}

// Halter is an optional account-level halt, the circuit breaker in practice.
type Halter interface {
	CanTrade() (bool, string)
}

// Filter applies the admission chain in fixed order.
type Filter struct {
	repo   PositionQueries
	clock  clock.Clock
	halter Halter
	log    *logging.Logger
}

// NewFilter builds an admission filter.
func NewFilter(repo PositionQueries, clk clock.Clock) *Filter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Filter{
		repo:  repo,
		clock: clk,
		log:   logging.WithComponent("admission"),
	}
}

// WithHalter attaches a halt gate consulted right after the kill switch.
func (f *Filter) WithHalter(h Halter) *Filter {
	f.halter = h
	return f
}

// Check runs every gate against one opportunity. The first failing gate
// rejects with its reason; order is load-bearing.
func (f *Filter) Check(ctx context.Context, opp *scoring.Opportunity, cfg *configstore.Snapshot, limits Limits) (Result, error) {
	// 1. global kill switch
	if !cfg.TradingEnabled(limits.AccountID, limits.TradingType) {
		return reject(ReasonTradingDisabled, "trading disabled for account"), nil
	}

	// 2. circuit breaker halt
	if f.halter != nil {
		if ok, reason := f.halter.CanTrade(); !ok {
			return reject(ReasonCircuitOpen, reason), nil
		}
	}

	// 3. symbol rating level 3 forbids opening
	if rating := cfg.Rating(opp.Symbol); rating != nil && rating.Level >= 3 {
		return reject(ReasonSymbolRating, fmt.Sprintf("rating level %d", rating.Level)), nil
	}

	// 4. trading blacklist
	if cfg.TradingBlocked[opp.Symbol] {
		return reject(ReasonBlacklist, "symbol blacklisted"), nil
	}

	// 5. signal blacklist, exact set equality via the canonical pattern
	pattern := scoring.Pattern(opp.Components)
	if reason, blocked := cfg.SignalBlacklisted(pattern, opp.Side); blocked {
		return reject(ReasonSignalBlacklist, fmt.Sprintf("pattern %s: %s", pattern, reason)), nil
	}

	// 6. direction consistency
	if detail, ok := f.directionConsistent(opp); !ok {
		return reject(ReasonDirection, detail), nil
	}

	// 7. data freshness across required timeframes
	if detail, ok := f.fresh(opp.Snapshot); !ok {
		return reject(ReasonStaleData, detail), nil
	}

	// 8. cooldown after the last close on the same (symbol, side)
	cooldown := limits.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	lastClose, err := f.repo.LastCloseTime(ctx, limits.AccountID, opp.Symbol, opp.Side)
	if err != nil {
		return Result{}, err
	}
	if lastClose != nil {
		elapsed := f.clock.Now().Sub(*lastClose)
		if elapsed < cooldown {
			remaining := (cooldown - elapsed).Round(time.Second)
			return reject(ReasonCooldown, fmt.Sprintf("remaining %s", remaining)), nil
		}
	}

	// 9. same signal version must not stack on the same (symbol, side)
	dup, err := f.repo.CountLiveSameVersion(ctx, limits.AccountID, opp.Symbol, opp.Side, limits.SignalVersion)
	if err != nil {
		return Result{}, err
	}
	if dup > 0 {
		return reject(ReasonDuplicate, fmt.Sprintf("signal version %d already live", limits.SignalVersion)), nil
	}

	// 10. position count caps
	total, err := f.repo.CountLivePositions(ctx, limits.AccountID, "", "")
	if err != nil {
		return Result{}, err
	}
	if limits.MaxOpenPositions > 0 && total >= limits.MaxOpenPositions {
		return reject(ReasonPositionCap, fmt.Sprintf("account cap %d reached", limits.MaxOpenPositions)), nil
	}
	perDir, err := f.repo.CountLivePositions(ctx, limits.AccountID, opp.Symbol, opp.Side)
	if err != nil {
		return Result{}, err
	}
	maxPerDir := limits.MaxPerDirection
	if maxPerDir <= 0 {
		maxPerDir = 3
	}
	if perDir >= maxPerDir {
		return reject(ReasonPositionCap, fmt.Sprintf("%s %s cap %d reached", opp.Symbol, opp.Side, maxPerDir)), nil
	}

	return Result{Accepted: true}, nil
}

// directionConsistent re-verifies that no opposing-bias component leaked
// through cleaning. Two mean-reversion pairings are explicitly allowed:
// momentum_up with position_low in LONG, momentum_down with position_high
// in SHORT.
func (f *Filter) directionConsistent(opp *scoring.Opportunity) (string, bool) {
	for name := range opp.Components {
		bias := scoring.BiasOf(name)
		if bias == scoring.Neutral {
			continue
		}
		if opp.Side == database.SideLong && bias == scoring.Bearish {
			if name == scoring.CompMomentumUp3pct {
				if _, ok := opp.Components[scoring.CompPositionLow]; ok {
					continue // oversold bounce
				}
			}
			return fmt.Sprintf("bearish component %s in LONG", name), false
		}
		if opp.Side == database.SideShort && bias == scoring.Bullish {
			if name == scoring.CompMomentumDown3pct {
				if _, ok := opp.Components[scoring.CompPositionHigh]; ok {
					continue // overbought pullback
				}
			}
			return fmt.Sprintf("bullish component %s in SHORT", name), false
		}
	}
	return "", true
}

// fresh re-checks candle ages at admission time; a slow scan cycle can make
// the snapshot stale after fetch.
func (f *Filter) fresh(snap *market.Snapshot) (string, bool) {
	if snap == nil {
		return "no market snapshot", false
	}
	now := f.clock.Now()
	checks := []struct {
		interval string
		candles  []exchange.Kline
	}{
		{exchange.Interval5m, snap.Candles5m},
		{exchange.Interval15m, snap.Candles15},
		{exchange.Interval1h, snap.Candles1h},
		{exchange.Interval1d, snap.Candles1d},
	}
	for _, c := range checks {
		if len(c.candles) == 0 {
			return fmt.Sprintf("no %s candles", c.interval), false
		}
		latest := c.candles[len(c.candles)-1]
		age := now.Sub(latest.OpenTime)
		if age > market.FreshnessBound(c.interval) {
			return fmt.Sprintf("%s candle age %s", c.interval, age.Round(time.Second)), false
		}
	}
	return "", true
}
