package optimizer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/clock"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/scoring"
)

// fakeRepo keeps the optimizer's tables in memory and stamps adjustment
// times the way the SQL layer does.
type fakeRepo struct {
	now      func() time.Time
	closed   []*database.Position
	weights  map[string]*database.ScoringWeight
	risk     map[string]*database.SymbolRiskParams
	ratings  map[string]*database.SymbolRating
	trading  map[string]string
	signals  map[string]string
	history  []*database.OptimizationRecord
	reloads  int
	commits  int
}

func newFakeRepo(now func() time.Time) *fakeRepo {
	return &fakeRepo{
		now:     now,
		weights: make(map[string]*database.ScoringWeight),
		risk:    make(map[string]*database.SymbolRiskParams),
		ratings: make(map[string]*database.SymbolRating),
		trading: make(map[string]string),
		signals: make(map[string]string),
	}
}

func (f *fakeRepo) GetClosedSince(context.Context, time.Time) ([]*database.Position, error) {
	return f.closed, nil
}

func (f *fakeRepo) GetActiveScoringWeights(context.Context) ([]*database.ScoringWeight, error) {
	var out []*database.ScoringWeight
	for _, w := range f.weights {
		out = append(out, w)
	}
	return out, nil
}

func (f *fakeRepo) GetActiveSymbolRiskParams(context.Context) ([]*database.SymbolRiskParams, error) {
	var out []*database.SymbolRiskParams
	for _, r := range f.risk {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRepo) GetSymbolRatings(context.Context) ([]*database.SymbolRating, error) {
	var out []*database.SymbolRating
	for _, r := range f.ratings {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRepo) GetTradingBlacklist(context.Context) ([]*database.TradingBlacklistEntry, error) {
	var out []*database.TradingBlacklistEntry
	for symbol, reason := range f.trading {
		out = append(out, &database.TradingBlacklistEntry{Symbol: symbol, Reason: reason, Active: true})
	}
	return out, nil
}

func (f *fakeRepo) GetSignalBlacklist(context.Context) ([]*database.SignalBlacklistEntry, error) {
	var out []*database.SignalBlacklistEntry
	for key, reason := range f.signals {
		for i := 0; i < len(key); i++ {
			if key[i] == '|' {
				out = append(out, &database.SignalBlacklistEntry{
					Pattern: key[:i], Side: key[i+1:], Reason: reason, Active: true,
				})
				break
			}
		}
	}
	return out, nil
}

func (f *fakeRepo) WithOptimizationLock(_ context.Context, fn func(tx pgx.Tx) error) error {
	if err := fn(nil); err != nil {
		return err
	}
	f.commits++
	return nil
}

func (f *fakeRepo) UpdateWeightTx(_ context.Context, _ pgx.Tx, w *database.ScoringWeight) error {
	stamped := *w
	now := f.now()
	stamped.LastAdjusted = &now
	f.weights[w.ComponentName] = &stamped
	return nil
}

func (f *fakeRepo) UpsertRiskParamsTx(_ context.Context, _ pgx.Tx, p *database.SymbolRiskParams) error {
	stamped := *p
	now := f.now()
	stamped.LastOptimized = &now
	f.risk[p.Symbol] = &stamped
	return nil
}

func (f *fakeRepo) UpsertRatingTx(_ context.Context, _ pgx.Tx, rt *database.SymbolRating) error {
	stamped := *rt
	stamped.UpdatedAt = f.now()
	f.ratings[rt.Symbol] = &stamped
	return nil
}

func (f *fakeRepo) AddTradingBlacklistTx(_ context.Context, _ pgx.Tx, symbol, reason string) error {
	f.trading[symbol] = reason
	return nil
}

func (f *fakeRepo) AddSignalBlacklistTx(_ context.Context, _ pgx.Tx, pattern, side, reason string) error {
	f.signals[pattern+"|"+side] = reason
	return nil
}

func (f *fakeRepo) AppendHistoryTx(_ context.Context, _ pgx.Tx, rec *database.OptimizationRecord) error {
	rec.ID = int64(len(f.history) + 1)
	rec.OptimizedAt = f.now()
	f.history = append(f.history, rec)
	return nil
}

func (f *fakeRepo) Reload(context.Context) error {
	f.reloads++
	return nil
}

func seedFixture(f *fakeRepo, now time.Time) {
	in := fixtureInputs(now)
	f.closed = in.Closed
	for _, w := range in.Weights {
		f.weights[w.ComponentName] = w
	}
	for _, r := range in.Ratings {
		f.ratings[r.Symbol] = r
	}
}

func newOptimizer(f *fakeRepo, clk *clock.Fake, cfg config.OptimizerConfig, diffDir string) *Optimizer {
	return New(f, f, nil, nil, clk, cfg, defaults(), diffDir)
}

func TestRunOnceAppliesAndIsIdempotent(t *testing.T) {
	start := time.Now()
	clk := clock.NewFake(start)
	f := newFakeRepo(clk.Now)
	seedFixture(f, start)

	o := newOptimizer(f, clk, config.OptimizerConfig{Enabled: true, RunAt: "04:00", LookbackDays: 7}, t.TempDir())

	plan, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, plan.Empty())
	assert.Equal(t, 1, f.commits)
	assert.Equal(t, 1, f.reloads, "config snapshot reloads after commit")
	assert.Equal(t, len(plan.History), len(f.history))

	// the committed state reflects the plan
	assert.Equal(t, 13, f.weights[scoring.CompTrend1hBull].WeightLong)
	assert.Contains(t, f.trading, "AAAUSDT")
	assert.Equal(t, 1, f.ratings["CCCUSDT"].Level)
	require.Contains(t, f.risk, "BBBUSDT")
	assert.InDelta(t, 0.5, f.risk["BBBUSDT"].PositionMultiplier, 1e-9)

	// an immediate rerun on the same window proposes nothing new
	clk.Advance(time.Hour)
	plan, err = o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, plan.Empty(), "same-day rerun must be a no-op")
	assert.Equal(t, 1, f.commits)
}

func TestRunOnceDryRunWritesDiffOnly(t *testing.T) {
	start := time.Now()
	clk := clock.NewFake(start)
	f := newFakeRepo(clk.Now)
	seedFixture(f, start)

	dir := t.TempDir()
	o := newOptimizer(f, clk, config.OptimizerConfig{Enabled: true, RunAt: "04:00", DryRun: true}, dir)

	plan, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, plan.Empty())

	assert.Equal(t, 0, f.commits, "dry run must not touch the database")
	assert.Equal(t, 0, f.reloads)
	assert.Empty(t, f.history)

	name := "optimizer-diff-" + clk.Now().UTC().Format("2006-01-02") + ".json"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Contains(t, string(data), "AAAUSDT")
}

func TestRunOnceNoChangesSkipsCommit(t *testing.T) {
	start := time.Now()
	clk := clock.NewFake(start)
	f := newFakeRepo(clk.Now)

	o := newOptimizer(f, clk, config.OptimizerConfig{Enabled: true, RunAt: "04:00"}, t.TempDir())
	plan, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, plan.Empty())
	assert.Equal(t, 0, f.commits)
	assert.Equal(t, 0, f.reloads)
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 8, 26, 3, 0, 0, 0, time.UTC)

	next := nextRunTime(base, "04:00")
	assert.Equal(t, time.Date(2026, 8, 26, 4, 0, 0, 0, time.UTC), next)

	next = nextRunTime(base.Add(2*time.Hour), "04:00")
	assert.Equal(t, time.Date(2026, 8, 27, 4, 0, 0, 0, time.UTC), next)

	// exact boundary schedules tomorrow
	next = nextRunTime(time.Date(2026, 8, 26, 4, 0, 0, 0, time.UTC), "04:00")
	assert.Equal(t, time.Date(2026, 8, 27, 4, 0, 0, 0, time.UTC), next)

	// malformed schedules fall back to 04:00
	next = nextRunTime(base, "not-a-time")
	assert.Equal(t, time.Date(2026, 8, 26, 4, 0, 0, 0, time.UTC), next)
}
