package market

import (
	"context"
	"sync"
	"time"

	"futures-trading-engine/internal/cache"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/logging"
)

// Reference symbols whose aggregate move classifies the macro regime.
var regimeSymbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "DOGEUSDT"}

// Regime classification values.
const (
	RegimeBull    = "bull"
	RegimeBear    = "bear"
	RegimeNeutral = "neutral"

	BiasLong     = "long"
	BiasShort    = "short"
	BiasBalanced = "balanced"
)

// Regime is the current macro classification used to bias score thresholds
// and position sizing before admission.
type Regime struct {
	Regime             string
	Strength           float64 // 0..100
	Bias               string
	PositionMultiplier float64
	ScoreAdjustment    int // applied to the aligned side's threshold
	ComputedAt         time.Time
}

// ThresholdAdjustment returns the score-threshold delta for a side. The side
// aligned with the regime gets the (negative) adjustment; the opposite side
// is made harder by the same amount.
func (r *Regime) ThresholdAdjustment(side string) int {
	if r == nil {
		return 0
	}
	switch {
	case r.Bias == BiasLong && side == database.SideLong:
		return r.ScoreAdjustment
	case r.Bias == BiasShort && side == database.SideShort:
		return r.ScoreAdjustment
	case r.Bias == BiasBalanced:
		return 0
	default:
		return -r.ScoreAdjustment
	}
}

// Classifier recomputes the regime every 5 minutes and persists it hourly.
type Classifier struct {
	client exchange.Client
	repo   *database.Repository
	cache  *cache.Cache
	bus    *events.Bus
	log    *logging.Logger

	mu          sync.RWMutex
	current     *Regime
	lastPersist time.Time
}

// NewClassifier builds a regime classifier. cache and bus may be nil.
func NewClassifier(client exchange.Client, repo *database.Repository, c *cache.Cache, bus *events.Bus) *Classifier {
	return &Classifier{
		client: client,
		repo:   repo,
		cache:  c,
		bus:    bus,
		log:    logging.WithComponent("regime"),
	}
}

// Current returns the latest computed regime, or nil before the first pass.
func (c *Classifier) Current() *Regime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Run recomputes on a 5 minute cadence until the context ends.
func (c *Classifier) Run(ctx context.Context) {
	c.compute(ctx)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.compute(ctx)
		}
	}
}

func (c *Classifier) compute(ctx context.Context) {
	var sum float64
	var counted int
	for _, symbol := range regimeSymbols {
		klines, err := c.client.GetKlines(ctx, symbol, exchange.Interval1h, 25)
		if err != nil || len(klines) < 25 {
			continue
		}
		first := klines[len(klines)-25].Close
		last := klines[len(klines)-1].Close
		if first <= 0 {
			continue
		}
		sum += (last - first) / first * 100
		counted++
	}
	if counted == 0 {
		c.log.Warn("Regime computation skipped, no reference data")
		return
	}

	avg := sum / float64(counted)
	regime := c.classify(avg)

	c.mu.Lock()
	prev := c.current
	c.current = regime
	persistDue := time.Since(c.lastPersist) >= time.Hour
	if persistDue {
		c.lastPersist = time.Now()
	}
	c.mu.Unlock()

	if prev != nil && prev.Regime != regime.Regime {
		c.log.Info("Market regime changed", "from", prev.Regime, "to", regime.Regime, "strength", regime.Strength)
		if c.bus != nil {
			c.bus.Publish(events.Event{
				Type:      events.EventRegimeChanged,
				Timestamp: time.Now(),
				Data:      map[string]interface{}{"from": prev.Regime, "to": regime.Regime, "strength": regime.Strength},
			})
		}
	}

	if c.cache != nil {
		c.cache.SetRegime(ctx, regime)
	}
	if persistDue {
		snap := &database.RegimeSnapshot{
			Regime:             regime.Regime,
			Strength:           regime.Strength,
			Bias:               regime.Bias,
			PositionMultiplier: regime.PositionMultiplier,
			ScoreAdjustment:    regime.ScoreAdjustment,
			ComputedAt:         regime.ComputedAt,
		}
		if err := c.repo.SaveRegimeSnapshot(ctx, snap); err != nil {
			c.log.Error("Failed to persist regime snapshot", "error", err.Error())
		}
	}
}

// classify maps the average 24h move of the reference basket to a regime.
func (c *Classifier) classify(avgChangePct float64) *Regime {
	r := &Regime{
		Regime:             RegimeNeutral,
		Bias:               BiasBalanced,
		PositionMultiplier: 1.0,
		ComputedAt:         time.Now().UTC(),
	}

	strength := avgChangePct * 20
	if strength < 0 {
		strength = -strength
	}
	if strength > 100 {
		strength = 100
	}
	r.Strength = strength

	switch {
	case avgChangePct >= 1.5:
		r.Regime = RegimeBull
		r.Bias = BiasLong
		r.ScoreAdjustment = -5
		if strength >= 60 {
			r.PositionMultiplier = 1.2
		}
	case avgChangePct <= -1.5:
		r.Regime = RegimeBear
		r.Bias = BiasShort
		r.ScoreAdjustment = -5
		if strength >= 60 {
			r.PositionMultiplier = 0.8
		}
	}
	return r
}
