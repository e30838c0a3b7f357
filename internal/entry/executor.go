package entry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/clock"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/notification"
	"futures-trading-engine/internal/position"
	"futures-trading-engine/internal/scoring"
	"futures-trading-engine/internal/tracker"
)

// ErrAborted reports an entry abandoned by the adverse-move guard before
// any fill.
var ErrAborted = errors.New("entry: aborted before first fill")

// ErrEntryFailed reports an entry whose first batch could not be filled.
var ErrEntryFailed = errors.New("entry: first batch failed")

const orderRetries = 2
const orderRetryDelay = 500 * time.Millisecond

// Request carries one accepted opportunity into the executor with sizing
// already resolved by the scanner.
type Request struct {
	Opportunity   *scoring.Opportunity
	AccountID     string
	SignalVersion int
	Notional      decimal.Decimal // target position value, all batches
	Leverage      int
	Risk          *database.SymbolRiskParams // nil -> adaptive defaults
}

// Executor drives building positions through the three-batch protocol.
type Executor struct {
	client   exchange.Client
	stream   exchange.Streamer
	store    *position.Store
	tracker  *tracker.OrderTracker
	clock    clock.Clock
	bus      *events.Bus
	notifier *notification.Manager
	cfg      config.BatchEntryConfig
	adaptive config.AdaptiveConfig
	log      *logging.Logger
}

// NewExecutor builds an entry executor. stream, bus, and notifier may be nil.
func NewExecutor(client exchange.Client, stream exchange.Streamer, store *position.Store,
	trk *tracker.OrderTracker, clk clock.Clock, bus *events.Bus, notifier *notification.Manager,
	cfg config.BatchEntryConfig, adaptive config.AdaptiveConfig) *Executor {

	if clk == nil {
		clk = clock.Real{}
	}
	return &Executor{
		client:   client,
		stream:   stream,
		store:    store,
		tracker:  trk,
		clock:    clk,
		bus:      bus,
		notifier: notifier,
		cfg:      cfg,
		adaptive: adaptive,
		log:      logging.WithComponent("entry"),
	}
}

// run-state for one entry in flight
type entryState struct {
	req         Request
	pos         *database.Position
	sampler     *Sampler
	signalPrice float64
	batchDone   int
	lastFillAt  time.Time
	totalQty    decimal.Decimal
	totalCost   decimal.Decimal // qty x price accumulated for the average
}

// Execute runs the protocol to completion. It blocks for up to the entry
// window and returns the open position, or an error when the entry aborted
// or failed entirely.
func (e *Executor) Execute(ctx context.Context, req Request) (*database.Position, error) {
	opp := req.Opportunity
	log := e.log.WithField("symbol", opp.Symbol).WithField("side", opp.Side)

	signalPrice, _ := opp.Price.Float64()
	if signalPrice <= 0 {
		return nil, fmt.Errorf("entry: invalid signal price for %s", opp.Symbol)
	}

	st := &entryState{
		req:         req,
		sampler:     NewSampler(time.Duration(e.cfg.SamplingWindowSeconds) * time.Second),
		signalPrice: signalPrice,
	}
	st.sampler.Add(opp.SignalTime, signalPrice)

	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type: events.EventEntryStarted, Account: req.AccountID, Timestamp: e.clock.Now(),
			Data: map[string]interface{}{"symbol": opp.Symbol, "side": opp.Side, "score": opp.Score},
		})
	}

	interval := time.Duration(e.cfg.SamplingIntervalSecond) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	windowEnd := opp.SignalTime.Add(time.Duration(e.cfg.TimeWindowMinutes) * time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.finishEarly(st, ctx.Err())
		case <-ticker.C:
		}

		now := e.clock.Now()
		price, err := e.currentPrice(ctx, opp.Symbol)
		if err != nil {
			log.Warn("Price sample failed", "error", err.Error())
			continue
		}
		st.sampler.Add(now, price)

		// guard only protects the not-yet-committed entry
		if st.batchDone == 0 && e.adverseMove(opp.Side, st.signalPrice, price) {
			log.Info("Entry aborted by adverse move guard",
				"signal_price", st.signalPrice, "price", price)
			e.publishAborted(req, "adverse_move")
			return nil, ErrAborted
		}

		filled, err := e.step(ctx, st, now, price)
		if err != nil {
			return nil, err
		}
		if filled && st.batchDone == len(e.ratios()) {
			return e.complete(ctx, st)
		}

		if now.After(windowEnd) {
			// hard end of window: whatever filled is the position
			if st.batchDone == 0 {
				e.publishAborted(req, "window_expired")
				return nil, ErrAborted
			}
			return e.complete(ctx, st)
		}
	}
}

// step advances the state machine by at most one batch fill.
func (e *Executor) step(ctx context.Context, st *entryState, now time.Time, price float64) (bool, error) {
	batch := st.batchDone + 1
	if batch > len(e.ratios()) {
		return false, nil
	}
	opp := st.req.Opportunity
	deadline := opp.SignalTime.Add(time.Duration(e.batchDeadlineMinutes(batch)) * time.Minute)
	force := now.After(deadline)

	// inter-batch spacing, skipped when forcing
	if batch > 1 && !force {
		gap := time.Duration(e.cfg.InterBatchGapMinutes) * time.Minute
		if now.Sub(st.lastFillAt) < gap {
			return false, nil
		}
	}

	if !force && !e.batchConditionMet(ctx, st, batch, price) {
		return false, nil
	}

	return true, e.fillBatch(ctx, st, batch, force)
}

func (e *Executor) batchConditionMet(ctx context.Context, st *entryState, batch int, price float64) bool {
	opp := st.req.Opportunity
	long := opp.Side == database.SideLong

	switch batch {
	case 1:
		if st.sampler.Count() < e.minSamples() {
			return false
		}
		var favorable bool
		if long {
			favorable = price <= st.sampler.Percentile(0.30)
		} else {
			favorable = price >= st.sampler.Percentile(0.70)
		}
		return favorable && e.pullbackConfirmed(ctx, opp.Symbol, opp.Side)
	case 2:
		avg, _ := st.pos.AvgEntryPrice.Float64()
		if long {
			return price >= avg*0.997 && price <= st.sampler.Percentile(0.40)
		}
		return price <= avg*1.003 && price >= st.sampler.Percentile(0.60)
	default:
		if long {
			return price >= st.sampler.Percentile(0.30) && price <= st.sampler.Percentile(0.50)
		}
		return price <= st.sampler.Percentile(0.70) && price >= st.sampler.Percentile(0.50)
	}
}

// pullbackConfirmed requires a recent candle closing against the entry
// direction on the short timeframes, so the fill is not chasing a spike.
func (e *Executor) pullbackConfirmed(ctx context.Context, symbol, side string) bool {
	for _, interval := range []string{exchange.Interval5m, exchange.Interval15m} {
		klines, err := e.client.GetKlines(ctx, symbol, interval, 3)
		if err != nil {
			continue
		}
		for _, k := range klines {
			if side == database.SideLong && k.Close < k.Open {
				return true
			}
			if side == database.SideShort && k.Close > k.Open {
				return true
			}
		}
	}
	return false
}

func (e *Executor) fillBatch(ctx context.Context, st *entryState, batch int, forced bool) error {
	opp := st.req.Opportunity
	pricer := e.store.Pricer()

	ratio := decimal.NewFromFloat(e.ratios()[batch-1])
	batchNotional := st.req.Notional.Mul(ratio)

	// first fill creates the row so a failed batch 1 can close it cleanly
	if st.pos == nil {
		if err := e.createPosition(ctx, st); err != nil {
			return err
		}
	}

	refPrice := st.pos.AvgEntryPrice
	if refPrice.IsZero() {
		refPrice = opp.Price
	}
	qty := pricer.Quantity(batchNotional, refPrice)
	if !qty.IsPositive() {
		return fmt.Errorf("entry: zero quantity for %s batch %d", opp.Symbol, batch)
	}

	side := exchange.OrderBuy
	if opp.Side == database.SideShort {
		side = exchange.OrderSell
	}

	result, err := e.placeWithRetry(ctx, exchange.OrderRequest{
		Symbol:   opp.Symbol,
		Side:     side,
		Type:     exchange.OrderMarket,
		Quantity: qty,
		ClientID: fmt.Sprintf("%s-b%d", st.pos.ID[:8], batch),
	}, st, batch)
	if err != nil {
		if batch == 1 {
			// no fills at all: close the shell row as entry_failed
			if _, abortErr := e.store.Abort(ctx, st.pos.ID, opp.Price); abortErr != nil {
				e.log.Error("Failed to abort position after batch 1 failure",
					"position_id", st.pos.ID, "error", abortErr.Error())
			}
			e.publishAborted(st.req, "order_failed")
			return fmt.Errorf("%w: %v", ErrEntryFailed, err)
		}
		// later batches: keep what is filled, stop adding
		e.log.Warn("Batch fill failed, keeping partial position",
			"position_id", st.pos.ID, "batch", batch, "error", err.Error())
		st.batchDone = len(e.ratios())
		return nil
	}

	fee := pricer.Fee(result.FillQty, result.FillPrice)
	now := e.clock.Now()
	fill := database.BatchFill{
		Batch:    batch,
		Price:    result.FillPrice,
		Quantity: result.FillQty,
		Fee:      fee,
		Forced:   forced,
		FilledAt: now,
	}

	st.totalQty = st.totalQty.Add(result.FillQty)
	st.totalCost = st.totalCost.Add(result.FillPrice.Mul(result.FillQty))
	st.batchDone = batch
	st.lastFillAt = now

	p := st.pos
	p.BatchFilled = append(p.BatchFilled, fill)
	p.Quantity = st.totalQty
	p.AvgEntryPrice = st.totalCost.DivRound(st.totalQty, 10)
	if batch == 1 {
		p.EntryPrice = result.FillPrice
		openTime := now
		p.OpenTime = &openTime
		plannedClose := opp.SignalTime.Add(time.Duration(e.maxHoldingMinutes(opp.Side)) * time.Minute)
		p.PlannedCloseTime = &plannedClose
	}
	e.applyRiskPrices(st)

	addedMargin := e.marginFor(result.FillQty, result.FillPrice, st.req.Leverage)
	p.Margin = p.Margin.Add(addedMargin)

	if err := e.store.RecordFill(ctx, p, addedMargin); err != nil {
		return fmt.Errorf("persist batch %d fill: %w", batch, err)
	}

	if e.tracker != nil {
		e.tracker.RecordFill(ctx, p.ID, p.Symbol, tracker.EntryPurpose(batch), result, exchange.OrderMarket, fee)
	}
	e.log.Info("Entry batch filled",
		"position_id", p.ID, "symbol", p.Symbol, "side", p.Side,
		"batch", batch, "forced", forced,
		"price", result.FillPrice.String(), "qty", result.FillQty.String(),
		"avg_entry", p.AvgEntryPrice.String())
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type: events.EventEntryBatchFilled, Account: p.AccountID, Timestamp: now,
			Data: map[string]interface{}{"position_id": p.ID, "batch": batch, "forced": forced},
		})
	}
	return nil
}

func (e *Executor) createPosition(ctx context.Context, st *entryState) error {
	opp := st.req.Opportunity
	p := &database.Position{
		ID:              clock.NewPositionID(),
		AccountID:       st.req.AccountID,
		Symbol:          opp.Symbol,
		Side:            opp.Side,
		Status:          database.PositionBuilding,
		SignalVersion:   st.req.SignalVersion,
		EntryScore:      opp.Score,
		Components:      opp.Components,
		BatchPlan:       e.ratios(),
		BatchFilled:     []database.BatchFill{},
		Leverage:        st.req.Leverage,
		EntrySignalTime: opp.SignalTime,
		AvgEntryPrice:   decimal.Zero,
	}
	if err := e.store.Create(ctx, p); err != nil {
		return fmt.Errorf("create position: %w", err)
	}
	st.pos = p
	return nil
}

// placeWithRetry places the batch order. An ambiguous failure is resolved by
// client id first: the order is only re-placed once the exchange confirms it
// never arrived, or after a resting remnant has been cancelled.
func (e *Executor) placeWithRetry(ctx context.Context, req exchange.OrderRequest, st *entryState, batch int) (*exchange.OrderResult, error) {
	var lastErr error
	for attempt := 0; attempt <= orderRetries; attempt++ {
		result, err := e.client.PlaceOrder(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if e.tracker != nil && st.pos != nil {
			e.tracker.RecordFailure(ctx, st.pos.ID, req.Symbol, string(req.Side),
				tracker.EntryPurpose(batch), req.Type, req.Quantity, req.Price, err.Error())
		}
		if !errors.Is(err, exchange.ErrOrderRejected) {
			found, qerr := e.client.GetOrder(ctx, req.Symbol, req.ClientID)
			switch {
			case qerr == nil && found.FillQty.IsPositive():
				return found, nil
			case qerr == nil:
				if cerr := e.client.CancelOrder(ctx, req.Symbol, req.ClientID); cerr != nil &&
					!errors.Is(cerr, exchange.ErrOrderNotFound) {
					return nil, lastErr
				}
			case errors.Is(qerr, exchange.ErrOrderNotFound),
				errors.Is(qerr, exchange.ErrOrderRejected):
				// never arrived or died on the exchange, safe to repeat
			default:
				return nil, lastErr
			}
		}
		if attempt < orderRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(orderRetryDelay):
			}
		}
	}
	return nil, lastErr
}

// complete transitions the position to open with whatever batches filled.
func (e *Executor) complete(ctx context.Context, st *entryState) (*database.Position, error) {
	p := st.pos
	p.Status = database.PositionOpen
	if err := e.store.RecordFill(ctx, p, decimal.Zero); err != nil {
		return nil, fmt.Errorf("persist open transition: %w", err)
	}

	e.log.Info("Entry completed",
		"position_id", p.ID, "symbol", p.Symbol, "side", p.Side,
		"batches", len(p.BatchFilled), "avg_entry", p.AvgEntryPrice.String(),
		"quantity", p.Quantity.String())
	avgEntry, _ := p.AvgEntryPrice.Float64()
	if e.bus != nil {
		e.bus.PublishEntryCompleted(p.AccountID, p.ID, p.Symbol, p.Side, avgEntry, len(p.BatchFilled))
	}
	if e.notifier != nil {
		e.notifier.SendEntryCompleted(p.AccountID, p.Symbol, p.Side, avgEntry, len(p.BatchFilled))
	}
	return p, nil
}

func (e *Executor) finishEarly(st *entryState, cause error) (*database.Position, error) {
	if st.pos == nil || st.batchDone == 0 {
		return nil, cause
	}
	// shutdown mid-entry: leave the building row for the supervisor
	return st.pos, cause
}

// applyRiskPrices recomputes SL/TP from the current average entry using
// per-symbol learned params when present, adaptive defaults otherwise,
// widened for volatile symbols.
func (e *Executor) applyRiskPrices(st *entryState) {
	p := st.pos
	long := p.Side == database.SideLong

	slPct, tpPct := e.adaptive.Long.StopLossPct, e.adaptive.Long.TakeProfitPct
	if !long {
		slPct, tpPct = e.adaptive.Short.StopLossPct, e.adaptive.Short.TakeProfitPct
	}
	if r := st.req.Risk; r != nil {
		if long {
			slPct, tpPct = r.LongSLPct, r.LongTPPct
		} else {
			slPct, tpPct = r.ShortSLPct, r.ShortTPPct
		}
	}

	factor := volatilityFactor(st.req.Opportunity)
	slPct *= factor
	tpPct *= factor

	one := decimal.NewFromInt(1)
	sl := decimal.NewFromFloat(slPct).Div(decimal.NewFromInt(100))
	tp := decimal.NewFromFloat(tpPct).Div(decimal.NewFromInt(100))
	if long {
		p.StopLossPrice = p.AvgEntryPrice.Mul(one.Sub(sl))
		p.TakeProfitPrice = p.AvgEntryPrice.Mul(one.Add(tp))
	} else {
		p.StopLossPrice = p.AvgEntryPrice.Mul(one.Add(sl))
		p.TakeProfitPrice = p.AvgEntryPrice.Mul(one.Sub(tp))
	}
}

// volatilityFactor widens risk bands for symbols in a wide 24h range.
func volatilityFactor(opp *scoring.Opportunity) float64 {
	if opp == nil || opp.Snapshot == nil || len(opp.Snapshot.Candles1h) < 24 {
		return 1.0
	}
	window := opp.Snapshot.Candles1h[len(opp.Snapshot.Candles1h)-24:]
	low, high, sum := window[0].Low, window[0].High, 0.0
	for _, k := range window {
		if k.Low < low {
			low = k.Low
		}
		if k.High > high {
			high = k.High
		}
		sum += k.Close
	}
	mean := sum / 24
	if mean <= 0 {
		return 1.0
	}
	switch vol := (high - low) / mean * 100; {
	case vol > 10:
		return 1.3
	case vol > 6:
		return 1.15
	default:
		return 1.0
	}
}

func (e *Executor) adverseMove(side string, signalPrice, price float64) bool {
	threshold := e.cfg.AdverseMovePercent
	if threshold <= 0 {
		threshold = 2.0
	}
	movePct := (price - signalPrice) / signalPrice * 100
	if side == database.SideLong {
		return movePct <= -threshold
	}
	return movePct >= threshold
}

func (e *Executor) marginFor(qty, price decimal.Decimal, leverage int) decimal.Decimal {
	if leverage <= 0 {
		leverage = 1
	}
	return e.store.Pricer().Notional(qty, price).DivRound(decimal.NewFromInt(int64(leverage)), 10)
}

func (e *Executor) currentPrice(ctx context.Context, symbol string) (float64, error) {
	if e.stream != nil {
		if price, ok := e.stream.Latest(symbol); ok {
			f, _ := price.Float64()
			return f, nil
		}
	}
	mp, err := e.client.GetMarkPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	f, _ := mp.Price.Float64()
	return f, nil
}

func (e *Executor) publishAborted(req Request, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type: events.EventEntryAborted, Account: req.AccountID, Timestamp: e.clock.Now(),
		Data: map[string]interface{}{
			"symbol": req.Opportunity.Symbol,
			"side":   req.Opportunity.Side,
			"reason": reason,
		},
	})
}

func (e *Executor) ratios() []float64 {
	if len(e.cfg.BatchRatios) > 0 {
		return e.cfg.BatchRatios
	}
	return []float64{0.3, 0.3, 0.4}
}

func (e *Executor) batchDeadlineMinutes(batch int) int {
	if len(e.cfg.BatchDeadlinesMinutes) >= batch {
		return e.cfg.BatchDeadlinesMinutes[batch-1]
	}
	switch batch {
	case 1:
		return 15
	case 2:
		return 20
	default:
		return 28
	}
}

func (e *Executor) minSamples() int {
	if e.cfg.MinSamples > 0 {
		return e.cfg.MinSamples
	}
	return 10
}

func (e *Executor) maxHoldingMinutes(side string) int {
	m := e.adaptive.Long.MaxHoldingMinutes
	if side == database.SideShort {
		m = e.adaptive.Short.MaxHoldingMinutes
	}
	if m <= 0 {
		if side == database.SideShort {
			return 180
		}
		return 240
	}
	return m
}
