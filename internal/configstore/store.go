// Package configstore caches DB-backed trading configuration behind an
// atomically swapped snapshot. Scanners take one snapshot per cycle; the
// optimizer calls Reload after committing mutations.
package configstore

import (
	"context"
	"sync/atomic"
	"time"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/logging"
)

// Snapshot is an immutable view of every config table. Readers must not
// mutate it; a new snapshot replaces it wholesale on reload.
type Snapshot struct {
	Weights         map[string]*database.ScoringWeight
	RiskParams      map[string]*database.SymbolRiskParams
	Ratings         map[string]*database.SymbolRating
	TradingBlocked  map[string]bool            // symbol -> blocked
	SignalBlocked   map[string]string          // pattern+"|"+side -> reason
	TradingDisabled map[string]bool            // accountID+"|"+tradingType -> disabled
	LoadedAt        time.Time
}

// WeightFor returns the side-specific weight for a component, or the
// fallback when the component has no active row.
func (s *Snapshot) WeightFor(component, side string, fallback int) int {
	w, ok := s.Weights[component]
	if !ok || !w.Active {
		return fallback
	}
	if side == database.SideShort {
		return w.WeightShort
	}
	return w.WeightLong
}

// Rating returns the rating row for a symbol, or nil for unrated symbols.
func (s *Snapshot) Rating(symbol string) *database.SymbolRating {
	return s.Ratings[symbol]
}

// RiskFor returns per-symbol risk params, or nil when the symbol has none.
func (s *Snapshot) RiskFor(symbol string) *database.SymbolRiskParams {
	return s.RiskParams[symbol]
}

// SignalBlacklisted reports whether a (pattern, side) pair is blocked.
func (s *Snapshot) SignalBlacklisted(pattern, side string) (string, bool) {
	reason, ok := s.SignalBlocked[pattern+"|"+side]
	return reason, ok
}

// TradingEnabled reports the DB kill switch state for one account instance.
func (s *Snapshot) TradingEnabled(accountID, tradingType string) bool {
	return !s.TradingDisabled[accountID+"|"+tradingType]
}

// accountKey identifies one engine instance for the kill-switch lookup.
type accountKey struct {
	AccountID   string
	TradingType string
}

// Store loads snapshots from the repository and publishes them atomically.
type Store struct {
	repo     *database.Repository
	accounts []accountKey
	current  atomic.Pointer[Snapshot]
	log      *logging.Logger
}

// New builds a store tracking the kill switch for the given accounts.
func New(repo *database.Repository) *Store {
	return &Store{
		repo: repo,
		log:  logging.WithComponent("configstore"),
	}
}

// Track registers an (accountID, tradingType) pair whose trading_control row
// is included in each snapshot. Call before the first Reload.
func (s *Store) Track(accountID, tradingType string) {
	s.accounts = append(s.accounts, accountKey{accountID, tradingType})
}

// Snapshot returns the current snapshot. Callers keep the returned pointer
// for a whole scan cycle; it is never mutated after publication.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Reload fetches every config table and atomically publishes a new snapshot.
func (s *Store) Reload(ctx context.Context) error {
	snap := &Snapshot{
		Weights:         make(map[string]*database.ScoringWeight),
		RiskParams:      make(map[string]*database.SymbolRiskParams),
		Ratings:         make(map[string]*database.SymbolRating),
		TradingBlocked:  make(map[string]bool),
		SignalBlocked:   make(map[string]string),
		TradingDisabled: make(map[string]bool),
		LoadedAt:        time.Now().UTC(),
	}

	weights, err := s.repo.GetActiveScoringWeights(ctx)
	if err != nil {
		return err
	}
	for _, w := range weights {
		snap.Weights[w.ComponentName] = w
	}

	params, err := s.repo.GetActiveSymbolRiskParams(ctx)
	if err != nil {
		return err
	}
	for _, p := range params {
		snap.RiskParams[p.Symbol] = p
	}

	ratings, err := s.repo.GetSymbolRatings(ctx)
	if err != nil {
		return err
	}
	for _, r := range ratings {
		snap.Ratings[r.Symbol] = r
	}

	blacklist, err := s.repo.GetTradingBlacklist(ctx)
	if err != nil {
		return err
	}
	for _, e := range blacklist {
		snap.TradingBlocked[e.Symbol] = true
	}

	signals, err := s.repo.GetSignalBlacklist(ctx)
	if err != nil {
		return err
	}
	for _, e := range signals {
		snap.SignalBlocked[e.Pattern+"|"+e.Side] = e.Reason
	}

	for _, key := range s.accounts {
		tc, err := s.repo.GetTradingControl(ctx, key.AccountID, key.TradingType)
		if err != nil {
			return err
		}
		if !tc.Enabled {
			snap.TradingDisabled[key.AccountID+"|"+key.TradingType] = true
		}
	}

	s.current.Store(snap)
	s.log.Debug("Config snapshot reloaded",
		"weights", len(snap.Weights),
		"risk_params", len(snap.RiskParams),
		"trading_blacklist", len(snap.TradingBlocked),
		"signal_blacklist", len(snap.SignalBlocked))
	return nil
}

// Run refreshes the snapshot every interval until the context ends.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				s.log.Error("Config snapshot reload failed", "error", err.Error())
			}
		}
	}
}
