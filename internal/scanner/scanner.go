// Package scanner drives the periodic market scan for one account: fetch
// snapshots, score them, gate accepted opportunities, and hand them to the
// entry executor.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/admission"
	"futures-trading-engine/internal/clock"
	"futures-trading-engine/internal/configstore"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/entry"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/scoring"
)

// ErrScanFailed reports too many consecutive whole-cycle failures; the
// engine treats it as fatal.
var ErrScanFailed = errors.New("scanner: consecutive scan cycles failed")

const maxConsecutiveFailures = 3

// SnapshotProvider fetches market data for one symbol.
type SnapshotProvider interface {
	GetSnapshot(ctx context.Context, symbol string) (*market.Snapshot, error)
}

// Evaluator scores one snapshot, nil when nothing qualifies.
type Evaluator interface {
	Evaluate(snap *market.Snapshot, cfg *configstore.Snapshot, regime *market.Regime) *scoring.Opportunity
}

// Admitter gates accepted opportunities.
type Admitter interface {
	Check(ctx context.Context, opp *scoring.Opportunity, cfg *configstore.Snapshot, limits admission.Limits) (admission.Result, error)
}

// EntryRunner executes the staged entry for one admitted opportunity.
type EntryRunner interface {
	Execute(ctx context.Context, req entry.Request) (*database.Position, error)
}

// ConfigSource provides the current config snapshot.
type ConfigSource interface {
	Snapshot() *configstore.Snapshot
}

// RegimeSource provides the current market regime, possibly nil.
type RegimeSource interface {
	Current() *market.Regime
}

// Scanner runs the scan loop for one account.
type Scanner struct {
	account  config.AccountConfig
	cfg      config.ScannerConfig
	adaptive config.AdaptiveConfig
	reader   SnapshotProvider
	scorer   Evaluator
	filter   Admitter
	executor EntryRunner
	configs  ConfigSource
	regimes  RegimeSource
	clock    clock.Clock
	bus      *events.Bus
	log      *logging.Logger

	mu                  sync.Mutex
	inFlight            map[string]bool // symbol|side with an entry executing
	consecutiveFailures int
	lastScan            time.Time
	lastOpportunities   int

	entries sync.WaitGroup
}

// New builds a scanner for one account.
func New(account config.AccountConfig, cfg config.ScannerConfig, adaptive config.AdaptiveConfig,
	reader SnapshotProvider, scorer Evaluator, filter Admitter, executor EntryRunner,
	configs ConfigSource, regimes RegimeSource, clk clock.Clock, bus *events.Bus) *Scanner {

	if clk == nil {
		clk = clock.Real{}
	}
	return &Scanner{
		account:  account,
		cfg:      cfg,
		adaptive: adaptive,
		reader:   reader,
		scorer:   scorer,
		filter:   filter,
		executor: executor,
		configs:  configs,
		regimes:  regimes,
		clock:    clk,
		bus:      bus,
		log:      logging.WithComponent("scanner").WithField("account", account.ID),
		inFlight: make(map[string]bool),
	}
}

// Run blocks scanning until the context ends. It returns ErrScanFailed
// after too many consecutive cycle failures.
func (s *Scanner) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.ScanIntervalSecond) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}

	if err := s.cycle(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.entries.Wait()
			return ctx.Err()
		case <-ticker.C:
			if err := s.cycle(ctx); err != nil {
				s.entries.Wait()
				return err
			}
		}
	}
}

// cycle wraps one scan with failure accounting.
func (s *Scanner) cycle(ctx context.Context) error {
	if err := s.scanOnce(ctx); err != nil {
		s.consecutiveFailures++
		s.log.Error("Scan cycle failed",
			"consecutive", s.consecutiveFailures, "error", err.Error())
		if s.consecutiveFailures >= maxConsecutiveFailures {
			return fmt.Errorf("%w: %v", ErrScanFailed, err)
		}
		return nil
	}
	s.consecutiveFailures = 0
	return nil
}

func (s *Scanner) scanOnce(ctx context.Context) error {
	cfg := s.configs.Snapshot()
	if cfg == nil {
		return errors.New("config snapshot unavailable")
	}
	var regime *market.Regime
	if s.regimes != nil {
		regime = s.regimes.Current()
	}

	maxConcurrent := s.cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	sem := make(chan struct{}, maxConcurrent)

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		opps       []*scoring.Opportunity
		fetchFails int
	)
	for _, symbol := range s.account.Symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			snap, err := s.reader.GetSnapshot(ctx, sym)
			if err != nil {
				mu.Lock()
				fetchFails++
				mu.Unlock()
				s.log.Debug("Snapshot fetch failed", "symbol", sym, "error", err.Error())
				return
			}
			if opp := s.scorer.Evaluate(snap, cfg, regime); opp != nil {
				opp.SignalTime = s.clock.Now()
				mu.Lock()
				opps = append(opps, opp)
				mu.Unlock()
			}
		}(symbol)
	}
	wg.Wait()

	if len(s.account.Symbols) > 0 && fetchFails == len(s.account.Symbols) {
		return fmt.Errorf("all %d snapshot fetches failed", fetchFails)
	}

	sort.Slice(opps, func(i, j int) bool { return opps[i].Score > opps[j].Score })

	admitted := 0
	for _, opp := range opps {
		if s.entering(opp.Symbol, opp.Side) {
			continue
		}
		res, err := s.filter.Check(ctx, opp, cfg, s.limits())
		if err != nil {
			s.log.Warn("Admission check failed",
				"symbol", opp.Symbol, "side", opp.Side, "error", err.Error())
			continue
		}
		if !res.Accepted {
			s.log.Debug("Opportunity rejected",
				"symbol", opp.Symbol, "side", opp.Side, "score", opp.Score,
				"reason", res.Reason, "detail", res.Detail)
			if s.bus != nil {
				s.bus.Publish(events.Event{
					Type: events.EventOpportunityReject, Account: s.account.ID,
					Data: map[string]interface{}{
						"symbol": opp.Symbol, "side": opp.Side, "reason": res.Reason,
					},
				})
			}
			continue
		}
		admitted++
		s.launch(ctx, opp, cfg, regime)
	}

	s.mu.Lock()
	s.lastScan = s.clock.Now()
	s.lastOpportunities = len(opps)
	s.mu.Unlock()

	s.log.Info("Scan cycle complete",
		"symbols", len(s.account.Symbols), "fetch_failures", fetchFails,
		"opportunities", len(opps), "admitted", admitted)
	return nil
}

// launch starts the staged entry for one admitted opportunity on its own
// goroutine; the (symbol, side) stays reserved until the entry resolves.
func (s *Scanner) launch(ctx context.Context, opp *scoring.Opportunity, cfg *configstore.Snapshot, regime *market.Regime) {
	key := opp.Symbol + "|" + opp.Side
	s.mu.Lock()
	s.inFlight[key] = true
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type: events.EventOpportunityFound, Account: s.account.ID,
			Data: map[string]interface{}{
				"symbol": opp.Symbol, "side": opp.Side, "score": opp.Score,
			},
		})
	}

	req := entry.Request{
		Opportunity:   opp,
		AccountID:     s.account.ID,
		SignalVersion: scoring.SignalVersion,
		Notional:      s.notionalFor(opp, cfg, regime),
		Leverage:      s.account.Leverage,
		Risk:          cfg.RiskFor(opp.Symbol),
	}

	s.entries.Add(1)
	go func() {
		defer s.entries.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, key)
			s.mu.Unlock()
		}()
		if _, err := s.executor.Execute(ctx, req); err != nil {
			s.log.Info("Entry did not complete",
				"symbol", opp.Symbol, "side", opp.Side, "error", err.Error())
		}
	}()
}

// notionalFor scales the configured position size by every sizing input:
// symbol rating, learned per-symbol multiplier, regime, and side defaults.
func (s *Scanner) notionalFor(opp *scoring.Opportunity, cfg *configstore.Snapshot, regime *market.Regime) decimal.Decimal {
	size := s.account.PositionSize
	if rating := cfg.Rating(opp.Symbol); rating != nil {
		size *= rating.SizeMultiplier()
	}
	if risk := cfg.RiskFor(opp.Symbol); risk != nil && risk.PositionMultiplier > 0 {
		size *= risk.PositionMultiplier
	}
	if regime != nil && regime.PositionMultiplier > 0 {
		size *= regime.PositionMultiplier
	}
	sideMult := s.adaptive.Long.PositionSizeMultiplier
	if opp.Side == database.SideShort {
		sideMult = s.adaptive.Short.PositionSizeMultiplier
	}
	if sideMult > 0 {
		size *= sideMult
	}
	return decimal.NewFromFloat(size)
}

func (s *Scanner) limits() admission.Limits {
	return admission.Limits{
		AccountID:        s.account.ID,
		TradingType:      string(s.account.TradingType),
		MaxOpenPositions: s.account.MaxOpenPositions,
		MaxPerDirection:  s.account.MaxPerDirection,
		Cooldown:         time.Duration(s.account.CooldownMinutes) * time.Minute,
		SignalVersion:    scoring.SignalVersion,
	}
}

func (s *Scanner) entering(symbol, side string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[symbol+"|"+side]
}

// Status reports the last cycle for the status API.
func (s *Scanner) Status() (lastScan time.Time, opportunities int, inFlight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScan, s.lastOpportunities, len(s.inFlight)
}
