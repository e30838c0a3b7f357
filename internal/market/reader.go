// Package market provides read-only access to candles and prices with
// per-timeframe freshness enforcement, plus the macro regime classifier.
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/cache"
	"futures-trading-engine/internal/exchange"
)

// Candle counts fetched per timeframe. Sized for the deepest lookback each
// timeframe serves: 72h of 1h candles, 30 daily candles.
const (
	limit5m  = 60
	limit15m = 40
	limit1h  = 80
	limit1d  = 35
)

// FreshnessBound returns how old the latest candle's open may be before the
// symbol is skipped as stale: one bucket plus a small grace.
func FreshnessBound(interval string) time.Duration {
	switch interval {
	case exchange.Interval5m:
		return 5*time.Minute + 30*time.Second
	case exchange.Interval15m:
		return 15*time.Minute + time.Minute
	case exchange.Interval1h:
		return time.Hour + 2*time.Minute
	case exchange.Interval1d:
		return 24*time.Hour + 10*time.Minute
	default:
		return time.Hour
	}
}

// Snapshot is everything the scorer needs for one symbol at one instant.
type Snapshot struct {
	Symbol    string
	Price     decimal.Decimal
	Candles5m []exchange.Kline
	Candles15 []exchange.Kline
	Candles1h []exchange.Kline
	Candles1d []exchange.Kline
	FetchedAt time.Time
}

// PriceFloat returns the current price as float64 for indicator math.
func (s *Snapshot) PriceFloat() float64 {
	f, _ := s.Price.Float64()
	return f
}

// Reader fetches snapshots through the cache, falling back to the exchange.
type Reader struct {
	client exchange.Client
	cache  *cache.Cache
}

// NewReader builds a reader. cache may be nil.
func NewReader(client exchange.Client, c *cache.Cache) *Reader {
	return &Reader{client: client, cache: c}
}

// GetSnapshot fetches all four timeframes plus the mark price for a symbol.
// Returns exchange.ErrStale when any timeframe misses its freshness bound.
func (r *Reader) GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	now := time.Now()
	snap := &Snapshot{Symbol: symbol, FetchedAt: now}

	fetches := []struct {
		interval string
		limit    int
		dest     *[]exchange.Kline
	}{
		{exchange.Interval5m, limit5m, &snap.Candles5m},
		{exchange.Interval15m, limit15m, &snap.Candles15},
		{exchange.Interval1h, limit1h, &snap.Candles1h},
		{exchange.Interval1d, limit1d, &snap.Candles1d},
	}

	for _, f := range fetches {
		klines, err := r.getKlines(ctx, symbol, f.interval, f.limit)
		if err != nil {
			return nil, fmt.Errorf("fetch %s klines for %s: %w", f.interval, symbol, err)
		}
		if len(klines) == 0 {
			return nil, fmt.Errorf("%w: no %s candles for %s", exchange.ErrStale, f.interval, symbol)
		}
		latest := klines[len(klines)-1]
		if now.Sub(latest.OpenTime) > FreshnessBound(f.interval) {
			return nil, fmt.Errorf("%w: latest %s candle for %s opened %s ago",
				exchange.ErrStale, f.interval, symbol, now.Sub(latest.OpenTime).Round(time.Second))
		}
		*f.dest = klines
	}

	mp, err := r.client.GetMarkPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch mark price for %s: %w", symbol, err)
	}
	snap.Price = mp.Price

	if r.cache != nil {
		r.cache.SetMarkPrice(ctx, symbol, mp)
	}
	return snap, nil
}

func (r *Reader) getKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error) {
	if r.cache != nil && interval != exchange.Interval5m {
		var cached []exchange.Kline
		if err := r.cache.GetKlines(ctx, symbol, interval, &cached); err == nil && len(cached) >= limit/2 {
			return cached, nil
		}
	}
	klines, err := r.client.GetKlines(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	if r.cache != nil && interval != exchange.Interval5m {
		r.cache.SetKlines(ctx, symbol, interval, klines)
	}
	return klines, nil
}
