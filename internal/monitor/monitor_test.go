package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/clock"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/position"
)

// memRepo mirrors the repository's account bookkeeping: closes land on the
// balance, and equity tracks balance plus the unrealized pnl of open rows.
type memRepo struct {
	mu        sync.Mutex
	positions map[string]*database.Position
	timedOut  []*database.Position
	balance   decimal.Decimal
	equity    decimal.Decimal
}

func newMemRepo() *memRepo {
	return &memRepo{positions: make(map[string]*database.Position)}
}

func (m *memRepo) refreshEquityLocked() {
	unrealized := decimal.Zero
	for _, p := range m.positions {
		if p.Status == database.PositionOpen {
			unrealized = unrealized.Add(p.UnrealizedPnL)
		}
	}
	m.equity = m.balance.Add(unrealized)
}

func (m *memRepo) CreatePosition(_ context.Context, p *database.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = p
	return nil
}

func (m *memRepo) UpdatePositionFill(_ context.Context, p *database.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = p
	return nil
}

func (m *memRepo) UpdatePositionMark(_ context.Context, id string, unrealized decimal.Decimal, maxProfitPct float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[id]; ok && p.Status == database.PositionOpen {
		p.UnrealizedPnL = unrealized
		p.MaxProfitPct = maxProfitPct
	}
	m.refreshEquityLocked()
	return nil
}

func (m *memRepo) ExtendPlannedClose(_ context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[id]; ok {
		p.PlannedCloseTime = &until
	}
	return nil
}

func (m *memRepo) GetPosition(_ context.Context, id string) (*database.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return p, nil
}

func (m *memRepo) ClosePosition(_ context.Context, id string, closeTime time.Time, closePrice, realizedPnL decimal.Decimal, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok || p.Status == database.PositionClosed {
		return database.ErrNotFound
	}
	p.Status = database.PositionClosed
	p.CloseTime = &closeTime
	p.ClosePrice = &closePrice
	p.RealizedPnL = &realizedPnL
	p.CloseReason = &reason
	p.UnrealizedPnL = decimal.Zero
	return nil
}

func (m *memRepo) FreezeMargin(context.Context, string, decimal.Decimal) error { return nil }

func (m *memRepo) ApplyClose(_ context.Context, _ string, realizedPnL, _ decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = m.balance.Add(realizedPnL)
	m.refreshEquityLocked()
	return nil
}

func (m *memRepo) GetLivePositions(_ context.Context, _ string) ([]*database.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var live []*database.Position
	for _, p := range m.positions {
		if p.IsLive() {
			live = append(live, p)
		}
	}
	return live, nil
}

func (m *memRepo) GetTimedOutPositions(context.Context, string, time.Time, time.Duration) ([]*database.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timedOut, nil
}

func (m *memRepo) get(id string) *database.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[id]
}

func adaptive() config.AdaptiveConfig {
	return config.AdaptiveConfig{
		Long:  config.AdaptiveSideConfig{MinHoldingMinutes: 30, MaxHoldingMinutes: 240},
		Short: config.AdaptiveSideConfig{MinHoldingMinutes: 30, MaxHoldingMinutes: 180},
	}
}

type managerEnv struct {
	manager *Manager
	repo    *memRepo
	client  *exchange.MockClient
	clk     *clock.Fake
	price   *float64
}

func newManagerEnv(t *testing.T, start time.Time) *managerEnv {
	t.Helper()
	price := 100.0
	env := &managerEnv{price: &price, repo: newMemRepo(), clk: clock.NewFake(start)}
	env.client = exchange.NewMockClient(decimal.NewFromInt(10000), func(string) (decimal.Decimal, error) {
		return decimal.NewFromFloat(*env.price), nil
	})
	store := position.NewStore(env.repo, &position.LinearPricer{}, env.clk, nil)
	env.manager = NewManager("linear-main", store, env.client, nil, nil, nil,
		env.clk, exitConfig(), adaptive())
	return env
}

func seedOpen(env *managerEnv, openedAt time.Time) *database.Position {
	p := longPosition(openedAt)
	_ = env.repo.CreatePosition(context.Background(), p)
	return p
}

func TestTickClosesOnTakeProfit(t *testing.T) {
	start := time.Now()
	env := newManagerEnv(t, start)
	p := seedOpen(env, start)
	pm := &positionMonitor{pos: p, cancel: func() {}}

	*env.price = 103.5
	env.manager.tick(context.Background(), pm, decimal.NewFromFloat(103.5))

	stored := env.repo.get(p.ID)
	assert.Equal(t, database.PositionClosed, stored.Status)
	require.NotNil(t, stored.CloseReason)
	assert.Equal(t, database.CloseReasonTakeProfit, *stored.CloseReason)

	orders := env.client.Orders()
	require.Len(t, orders, 1)
	assert.True(t, orders[0].ReduceOnly)
	assert.Equal(t, exchange.OrderSell, orders[0].Side)
}

func TestCloseMaintainsAccountEquity(t *testing.T) {
	start := time.Now()
	env := newManagerEnv(t, start)
	env.repo.balance = decimal.NewFromInt(10000)
	env.repo.equity = decimal.NewFromInt(10000)

	stays := longPosition(start)
	stays.ID = "pos-stays"
	require.NoError(t, env.repo.CreatePosition(context.Background(), stays))
	closing := seedOpen(env, start)

	store := position.NewStore(env.repo, &position.LinearPricer{}, env.clk, nil)

	// a mark flush on the open position lifts equity above balance
	require.NoError(t, store.UpdateMark(context.Background(), stays.ID, decimal.NewFromInt(50), 0.5))
	assert.True(t, env.repo.equity.Equal(env.repo.balance.Add(decimal.NewFromInt(50))))

	// closing the other position realizes pnl into the balance; the open
	// position's unrealized pnl must stay reflected in equity
	_, err := store.Close(context.Background(), closing.ID, decimal.NewFromInt(101), database.CloseReasonTakeProfit)
	require.NoError(t, err)

	assert.True(t, env.repo.balance.GreaterThan(decimal.NewFromInt(10000)))
	assert.True(t, env.repo.equity.Equal(env.repo.balance.Add(decimal.NewFromInt(50))),
		"equity = balance + unrealized pnl of open positions")
}

func TestTickPeakIsMonotonic(t *testing.T) {
	start := time.Now()
	env := newManagerEnv(t, start)
	p := seedOpen(env, start)
	pm := &positionMonitor{pos: p, cancel: func() {}}

	env.manager.tick(context.Background(), pm, decimal.NewFromFloat(100.5))
	assert.InDelta(t, 0.5, pm.peak, 1e-9)

	env.manager.tick(context.Background(), pm, decimal.NewFromFloat(100.2))
	assert.InDelta(t, 0.5, pm.peak, 1e-9, "peak never decreases")
	assert.Equal(t, database.PositionOpen, pm.pos.Status)
}

func TestTickExtendsOnceThenTimesOut(t *testing.T) {
	start := time.Now()
	env := newManagerEnv(t, start)
	p := seedOpen(env, start)
	pm := &positionMonitor{pos: p, cancel: func() {}}
	originalClose := *p.PlannedCloseTime

	env.clk.Set(originalClose)
	env.manager.tick(context.Background(), pm, decimal.NewFromInt(100))
	assert.True(t, pm.extended)
	assert.Equal(t, database.PositionOpen, pm.pos.Status)
	assert.Equal(t, originalClose.Add(30*time.Minute).UTC(), pm.pos.PlannedCloseTime.UTC())

	env.clk.Set(originalClose.Add(31 * time.Minute))
	env.manager.tick(context.Background(), pm, decimal.NewFromInt(100))

	stored := env.repo.get(p.ID)
	assert.Equal(t, database.PositionClosed, stored.Status)
	assert.Equal(t, database.CloseReasonPlannedTimeout, *stored.CloseReason)
}

func TestTickKeepsMonitoringWhenCloseOrderFails(t *testing.T) {
	start := time.Now()
	env := newManagerEnv(t, start)
	p := seedOpen(env, start)
	pm := &positionMonitor{pos: p, cancel: func() {}}

	env.client.FailNextOrders = 3
	*env.price = 103.5
	env.manager.tick(context.Background(), pm, decimal.NewFromFloat(103.5))
	assert.Equal(t, database.PositionOpen, env.repo.get(p.ID).Status)

	env.manager.tick(context.Background(), pm, decimal.NewFromFloat(103.5))
	assert.Equal(t, database.PositionClosed, env.repo.get(p.ID).Status)
}

func newTestSupervisor(env *managerEnv) *Supervisor {
	store := position.NewStore(env.repo, &position.LinearPricer{}, env.clk, nil)
	return NewSupervisor("linear-main", env.repo, env.manager, store, nil, nil,
		env.clk, 30*time.Minute, 30*time.Minute)
}

func TestReconcileRestartsOnDrift(t *testing.T) {
	start := time.Now()
	env := newManagerEnv(t, start)
	p := seedOpen(env, start)
	s := newTestSupervisor(env)

	require.Empty(t, env.manager.Active())
	s.Reconcile(context.Background())
	assert.Equal(t, 1, s.Restarts())
	assert.Equal(t, []string{p.ID}, env.manager.Active())

	// a steady state does not restart again
	s.Reconcile(context.Background())
	assert.Equal(t, 1, s.Restarts())

	env.manager.StopAll()
}

func TestReconcileForceClosesTimedOut(t *testing.T) {
	start := time.Now()
	env := newManagerEnv(t, start)
	p := seedOpen(env, start)
	env.repo.timedOut = []*database.Position{p}
	s := newTestSupervisor(env)

	s.Reconcile(context.Background())

	stored := env.repo.get(p.ID)
	assert.Equal(t, database.PositionClosed, stored.Status)
	assert.Equal(t, database.CloseReasonPlannedTimeout, *stored.CloseReason)

	env.manager.StopAll()
}

func TestReconcileResolvesAbandonedBuilding(t *testing.T) {
	start := time.Now()
	env := newManagerEnv(t, start)
	s := newTestSupervisor(env)
	ctx := context.Background()

	// stranded with no fills: closed as a failed entry
	empty := longPosition(start.Add(-2 * time.Hour))
	empty.ID = "pos-empty"
	empty.Status = database.PositionBuilding
	empty.EntrySignalTime = start.Add(-2 * time.Hour)
	require.NoError(t, env.repo.CreatePosition(ctx, empty))

	// stranded with one fill: adopted as an open position
	partial := longPosition(start.Add(-2 * time.Hour))
	partial.ID = "pos-partial"
	partial.Status = database.PositionBuilding
	partial.EntrySignalTime = start.Add(-2 * time.Hour)
	partial.BatchFilled = []database.BatchFill{{Batch: 1, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}}
	require.NoError(t, env.repo.CreatePosition(ctx, partial))

	s.Reconcile(ctx)

	closed := env.repo.get("pos-empty")
	assert.Equal(t, database.PositionClosed, closed.Status)
	assert.Equal(t, database.CloseReasonEntryFailed, *closed.CloseReason)

	adopted := env.repo.get("pos-partial")
	assert.Equal(t, database.PositionOpen, adopted.Status)
	assert.Contains(t, env.manager.Active(), "pos-partial")

	env.manager.StopAll()
}
