package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/clock"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/notification"
	"futures-trading-engine/internal/position"
	"futures-trading-engine/internal/tracker"
)

const closeRetries = 2
const closeRetryDelay = 500 * time.Millisecond

// Manager runs one monitor goroutine per open position.
type Manager struct {
	accountID string
	store     *position.Store
	client    exchange.Client
	stream    exchange.Streamer
	tracker   *tracker.OrderTracker
	notifier  *notification.Manager
	clock     clock.Clock
	cfg       config.SmartExitConfig
	adaptive  config.AdaptiveConfig
	log       *logging.Logger

	mu       sync.Mutex
	monitors map[string]*positionMonitor
	wg       sync.WaitGroup
}

type positionMonitor struct {
	pos       *database.Position
	cancel    context.CancelFunc
	extended  bool
	peak      float64
	lastFlush time.Time
}

// NewManager builds a monitor manager for one account.
func NewManager(accountID string, store *position.Store, client exchange.Client, stream exchange.Streamer,
	trk *tracker.OrderTracker, notifier *notification.Manager, clk clock.Clock,
	cfg config.SmartExitConfig, adaptive config.AdaptiveConfig) *Manager {

	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		accountID: accountID,
		store:     store,
		client:    client,
		stream:    stream,
		tracker:   trk,
		notifier:  notifier,
		clock:     clk,
		cfg:       cfg,
		adaptive:  adaptive,
		log:       logging.WithComponent("monitor").WithField("account", accountID),
	}
}

// Watch starts monitoring one open position. Idempotent per position id.
func (m *Manager) Watch(ctx context.Context, p *database.Position) {
	if p.Status != database.PositionOpen {
		return
	}
	m.mu.Lock()
	if m.monitors == nil {
		m.monitors = make(map[string]*positionMonitor)
	}
	if _, exists := m.monitors[p.ID]; exists {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	pm := &positionMonitor{pos: p, cancel: cancel, peak: p.MaxProfitPct}
	m.monitors[p.ID] = pm
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info("Monitoring position",
		"position_id", p.ID, "symbol", p.Symbol, "side", p.Side)
	go m.run(runCtx, pm)
}

// Active returns the sorted ids of positions currently monitored.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.monitors))
	for id := range m.monitors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopAll cancels every monitor and waits for the goroutines to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	for _, pm := range m.monitors {
		pm.cancel()
	}
	m.monitors = make(map[string]*positionMonitor)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	if pm, ok := m.monitors[id]; ok {
		pm.cancel()
		delete(m.monitors, id)
	}
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, pm *positionMonitor) {
	defer m.wg.Done()

	var prices <-chan exchange.MarkPrice
	if m.stream != nil {
		prices = m.stream.Subscribe(pm.pos.Symbol)
		defer m.stream.Unsubscribe(pm.pos.Symbol, prices)
	}

	interval := time.Duration(m.cfg.WatchdogIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	watchdog := time.NewTicker(interval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case mp, ok := <-prices:
			if !ok {
				prices = nil
				continue
			}
			m.tick(ctx, pm, mp.Price)
		case <-watchdog.C:
			// the watchdog guarantees an evaluation even with a dead stream
			price, err := m.currentPrice(ctx, pm.pos.Symbol)
			if err != nil {
				m.log.Warn("Watchdog price fetch failed",
					"position_id", pm.pos.ID, "symbol", pm.pos.Symbol, "error", err.Error())
				continue
			}
			m.tick(ctx, pm, price)
		}
		if pm.pos.Status == database.PositionClosed {
			m.remove(pm.pos.ID)
			return
		}
	}
}

// tick evaluates the exit chain for one price observation.
func (m *Manager) tick(ctx context.Context, pm *positionMonitor, price decimal.Decimal) {
	p := pm.pos
	pricer := m.store.Pricer()
	now := m.clock.Now()

	pct := pricer.ProfitPct(p.AvgEntryPrice, price, p.Side)
	if pct > pm.peak {
		pm.peak = pct
	}

	flushEvery := time.Duration(m.cfg.UnrealizedFlushSeconds) * time.Second
	if flushEvery <= 0 {
		flushEvery = 15 * time.Second
	}
	if now.Sub(pm.lastFlush) >= flushEvery {
		unrealized := pricer.PnL(p.Quantity, p.AvgEntryPrice, price, p.Side)
		if err := m.store.UpdateMark(ctx, p.ID, unrealized, pm.peak); err != nil {
			m.log.Warn("Mark flush failed", "position_id", p.ID, "error", err.Error())
		} else {
			pm.lastFlush = now
			p.UnrealizedPnL = unrealized
			p.MaxProfitPct = pm.peak
		}
	}

	d := evaluateExit(p, price, pct, pm.peak, now, pm.extended, m.minHolding(p.Side), m.cfg)
	switch d.Action {
	case ActionExtend:
		m.extend(ctx, pm)
	case ActionClose:
		m.close(ctx, pm, d.Reason)
	}
}

func (m *Manager) extend(ctx context.Context, pm *positionMonitor) {
	p := pm.pos
	minutes := m.cfg.ExtensionMinutes
	if minutes <= 0 {
		minutes = 30
	}
	until := p.PlannedCloseTime.Add(time.Duration(minutes) * time.Minute)
	if err := m.store.ExtendPlannedClose(ctx, p.ID, until); err != nil {
		m.log.Error("Planned close extension failed", "position_id", p.ID, "error", err.Error())
		return
	}
	p.PlannedCloseTime = &until
	pm.extended = true
	m.log.Info("Planned close extended",
		"position_id", p.ID, "symbol", p.Symbol, "until", until.Format(time.RFC3339))
}

// close flattens the position with a reduce-only market order and persists
// the close. Order failure leaves the monitor running for the next tick.
func (m *Manager) close(ctx context.Context, pm *positionMonitor, reason string) {
	p := pm.pos
	side := exchange.OrderSell
	if p.Side == database.SideShort {
		side = exchange.OrderBuy
	}

	req := exchange.OrderRequest{
		Symbol:     p.Symbol,
		Side:       side,
		Type:       exchange.OrderMarket,
		Quantity:   p.Quantity,
		ReduceOnly: true,
		ClientID:   fmt.Sprintf("%s-close", p.ID[:8]),
	}

	var result *exchange.OrderResult
	var err error
	for attempt := 0; attempt <= closeRetries; attempt++ {
		result, err = m.client.PlaceOrder(ctx, req)
		if err == nil {
			break
		}
		if m.tracker != nil {
			m.tracker.RecordFailure(ctx, p.ID, p.Symbol, string(side),
				tracker.PurposeClose, exchange.OrderMarket, p.Quantity, decimal.Zero, err.Error())
		}
		if attempt < closeRetries {
			select {
			case <-ctx.Done():
				return
			case <-time.After(closeRetryDelay):
			}
		}
	}
	if err != nil {
		m.log.Error("Close order failed, will retry on next tick",
			"position_id", p.ID, "symbol", p.Symbol, "reason", reason, "error", err.Error())
		return
	}

	closed, err := m.store.Close(ctx, p.ID, result.FillPrice, reason)
	if err != nil {
		if err == position.ErrAlreadyClosed {
			pm.pos.Status = database.PositionClosed
			return
		}
		m.log.Error("Close persistence failed", "position_id", p.ID, "error", err.Error())
		return
	}
	*pm.pos = *closed

	if m.tracker != nil {
		fee := m.store.Pricer().Fee(result.FillQty, result.FillPrice)
		m.tracker.RecordFill(ctx, p.ID, p.Symbol, tracker.PurposeClose, result, exchange.OrderMarket, fee)
	}
	if m.notifier != nil && closed.RealizedPnL != nil {
		pnl, _ := closed.RealizedPnL.Float64()
		pnlPct := m.store.Pricer().ProfitPct(closed.AvgEntryPrice, result.FillPrice, closed.Side)
		m.notifier.SendPositionClosed(m.accountID, p.Symbol, p.Side, reason, pnl, pnlPct)
	}
}

// CloseNow force-closes a position outside the normal tick path; the
// supervisor uses it for timed-out stragglers.
func (m *Manager) CloseNow(ctx context.Context, p *database.Position, reason string) {
	m.mu.Lock()
	pm, ok := m.monitors[p.ID]
	m.mu.Unlock()
	if !ok {
		pm = &positionMonitor{pos: p, cancel: func() {}}
	}
	m.close(ctx, pm, reason)
	if pm.pos.Status == database.PositionClosed {
		m.remove(p.ID)
	}
}

func (m *Manager) minHolding(side string) time.Duration {
	minutes := m.adaptive.Long.MinHoldingMinutes
	if side == database.SideShort {
		minutes = m.adaptive.Short.MinHoldingMinutes
	}
	return time.Duration(minutes) * time.Minute
}

func (m *Manager) currentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if m.stream != nil {
		if price, ok := m.stream.Latest(symbol); ok {
			return price, nil
		}
	}
	mp, err := m.client.GetMarkPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return mp.Price, nil
}
