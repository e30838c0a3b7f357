package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/admission"
	"futures-trading-engine/internal/clock"
	"futures-trading-engine/internal/configstore"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/entry"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/scoring"
)

type fakeReader struct {
	mu    sync.Mutex
	snaps map[string]*market.Snapshot
	errs  map[string]error
}

func (f *fakeReader) GetSnapshot(_ context.Context, symbol string) (*market.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[symbol]; ok {
		return nil, err
	}
	if snap, ok := f.snaps[symbol]; ok {
		return snap, nil
	}
	return nil, errors.New("no snapshot scripted")
}

type fakeEvaluator struct {
	mu   sync.Mutex
	opps map[string]*scoring.Opportunity
}

func (f *fakeEvaluator) Evaluate(snap *market.Snapshot, _ *configstore.Snapshot, _ *market.Regime) *scoring.Opportunity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opps[snap.Symbol]
}

type fakeFilter struct {
	mu     sync.Mutex
	result admission.Result
	calls  int
	limits admission.Limits
}

func (f *fakeFilter) Check(_ context.Context, _ *scoring.Opportunity, _ *configstore.Snapshot, limits admission.Limits) (admission.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.limits = limits
	return f.result, nil
}

type fakeExecutor struct {
	mu      sync.Mutex
	reqs    []entry.Request
	done    chan struct{}
	release chan struct{} // nil means return immediately
}

func (f *fakeExecutor) Execute(_ context.Context, req entry.Request) (*database.Position, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	if f.done != nil {
		f.done <- struct{}{}
	}
	return nil, nil
}

func (f *fakeExecutor) requests() []entry.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entry.Request(nil), f.reqs...)
}

type fakeConfigs struct{ snap *configstore.Snapshot }

func (f *fakeConfigs) Snapshot() *configstore.Snapshot { return f.snap }

type fakeRegimes struct{ r *market.Regime }

func (f *fakeRegimes) Current() *market.Regime { return f.r }

func testAccount() config.AccountConfig {
	return config.AccountConfig{
		ID:               "linear-main",
		TradingType:      config.TradingLinear,
		Symbols:          []string{"BTCUSDT"},
		PositionSize:     1000,
		Leverage:         10,
		MaxOpenPositions: 10,
		MaxPerDirection:  3,
		CooldownMinutes:  15,
	}
}

func emptyConfigSnapshot() *configstore.Snapshot {
	return &configstore.Snapshot{
		Weights:         map[string]*database.ScoringWeight{},
		RiskParams:      map[string]*database.SymbolRiskParams{},
		Ratings:         map[string]*database.SymbolRating{},
		TradingBlocked:  map[string]bool{},
		SignalBlocked:   map[string]string{},
		TradingDisabled: map[string]bool{},
	}
}

func btcOpportunity() *scoring.Opportunity {
	return &scoring.Opportunity{
		Symbol: "BTCUSDT",
		Side:   database.SideLong,
		Score:  48,
		Components: map[string]int{
			scoring.CompPositionLow: 10,
			scoring.CompTrend1hBull: 15,
		},
		Price: decimal.NewFromInt(100),
	}
}

type scanEnv struct {
	scanner  *Scanner
	reader   *fakeReader
	eval     *fakeEvaluator
	filter   *fakeFilter
	executor *fakeExecutor
	configs  *fakeConfigs
	regimes  *fakeRegimes
}

func newScanEnv(t *testing.T) *scanEnv {
	t.Helper()
	env := &scanEnv{
		reader: &fakeReader{snaps: map[string]*market.Snapshot{
			"BTCUSDT": {Symbol: "BTCUSDT", Price: decimal.NewFromInt(100)},
		}},
		eval:     &fakeEvaluator{opps: map[string]*scoring.Opportunity{"BTCUSDT": btcOpportunity()}},
		filter:   &fakeFilter{result: admission.Result{Accepted: true}},
		executor: &fakeExecutor{done: make(chan struct{}, 4)},
		configs:  &fakeConfigs{snap: emptyConfigSnapshot()},
		regimes:  &fakeRegimes{},
	}
	env.scanner = New(testAccount(), config.ScannerConfig{Enabled: true, ScanIntervalSecond: 300, MaxConcurrent: 8},
		config.AdaptiveConfig{},
		env.reader, env.eval, env.filter, env.executor, env.configs, env.regimes,
		clock.NewFake(time.Now()), nil)
	return env
}

func waitDone(t *testing.T, env *scanEnv) {
	t.Helper()
	select {
	case <-env.executor.done:
	case <-time.After(time.Second):
		t.Fatal("entry executor was not invoked")
	}
}

func TestScanAdmitsAndLaunchesEntry(t *testing.T) {
	env := newScanEnv(t)

	require.NoError(t, env.scanner.scanOnce(context.Background()))
	waitDone(t, env)

	reqs := env.executor.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "BTCUSDT", req.Opportunity.Symbol)
	assert.Equal(t, "linear-main", req.AccountID)
	assert.Equal(t, scoring.SignalVersion, req.SignalVersion)
	assert.Equal(t, 10, req.Leverage)
	assert.True(t, req.Notional.Equal(decimal.NewFromInt(1000)))
	assert.False(t, req.Opportunity.SignalTime.IsZero(), "signal time stamped at scan")

	assert.Equal(t, "linear", env.filter.limits.TradingType)
	assert.Equal(t, 15*time.Minute, env.filter.limits.Cooldown)
}

func TestScanRejectedOpportunityNotLaunched(t *testing.T) {
	env := newScanEnv(t)
	env.filter.result = admission.Result{Reason: admission.ReasonCooldown}

	require.NoError(t, env.scanner.scanOnce(context.Background()))
	assert.Empty(t, env.executor.requests())
	assert.Equal(t, 1, env.filter.calls)
}

func TestScanSkipsSymbolSideAlreadyEntering(t *testing.T) {
	env := newScanEnv(t)
	env.executor.release = make(chan struct{})

	require.NoError(t, env.scanner.scanOnce(context.Background()))
	// entry still executing: the same (symbol, side) must not stack
	require.NoError(t, env.scanner.scanOnce(context.Background()))
	assert.Equal(t, 1, env.filter.calls, "in-flight entries skip admission entirely")

	close(env.executor.release)
	waitDone(t, env)
	require.Len(t, env.executor.requests(), 1)

	// after the entry resolves the pair is eligible again
	require.NoError(t, env.scanner.scanOnce(context.Background()))
	waitDone(t, env)
	assert.Len(t, env.executor.requests(), 2)
}

func TestCycleFatalAfterConsecutiveFailures(t *testing.T) {
	env := newScanEnv(t)
	env.reader.errs = map[string]error{"BTCUSDT": errors.New("exchange down")}

	ctx := context.Background()
	require.NoError(t, env.scanner.cycle(ctx))
	require.NoError(t, env.scanner.cycle(ctx))
	err := env.scanner.cycle(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScanFailed))
}

func TestCycleFailureCounterResets(t *testing.T) {
	env := newScanEnv(t)
	ctx := context.Background()

	env.reader.errs = map[string]error{"BTCUSDT": errors.New("exchange down")}
	require.NoError(t, env.scanner.cycle(ctx))
	require.NoError(t, env.scanner.cycle(ctx))

	env.reader.mu.Lock()
	env.reader.errs = nil
	env.reader.mu.Unlock()
	require.NoError(t, env.scanner.cycle(ctx))
	waitDone(t, env)

	env.reader.mu.Lock()
	env.reader.errs = map[string]error{"BTCUSDT": errors.New("exchange down")}
	env.reader.mu.Unlock()
	require.NoError(t, env.scanner.cycle(ctx), "a good cycle resets the failure budget")
}

func TestNotionalScaling(t *testing.T) {
	env := newScanEnv(t)
	cfg := emptyConfigSnapshot()
	cfg.Ratings["BTCUSDT"] = &database.SymbolRating{Symbol: "BTCUSDT", Level: 1}
	cfg.RiskParams["BTCUSDT"] = &database.SymbolRiskParams{Symbol: "BTCUSDT", PositionMultiplier: 0.5}
	regime := &market.Regime{PositionMultiplier: 1.2}

	got := env.scanner.notionalFor(btcOpportunity(), cfg, regime)
	// 1000 x 0.25 (rating) x 0.5 (learned) x 1.2 (regime)
	assert.True(t, got.Equal(decimal.NewFromInt(150)), "got %s", got)
}
