package exchange

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"futures-trading-engine/internal/logging"
)

// Endpoint weights for the futures REST API. Weight budget is per minute.
var endpointWeights = map[string]int{
	"/fapi/v1/klines":       5,
	"/fapi/v1/premiumIndex": 1,
	"/fapi/v1/ticker/24hr":  40, // without symbol
	"/fapi/v1/order":        1,
	"/fapi/v1/leverage":     1,
	"/fapi/v2/balance":      5,
	"/dapi/v1/klines":       5,
	"/dapi/v1/premiumIndex": 10,
	"/dapi/v1/ticker/24hr":  40,
	"/dapi/v1/order":        1,
	"/dapi/v1/leverage":     1,
	"/dapi/v1/balance":      1,
}

const defaultEndpointWeight = 1

// RateLimiter combines weight-budget tracking fed back from response headers
// with a token bucket smoothing request bursts. Order placement bypasses the
// bucket but still honors the weight circuit.
type RateLimiter struct {
	mu sync.Mutex

	currentWeight int
	weightResetAt time.Time
	maxWeight     int

	circuitOpen bool
	banUntil    time.Time

	bucket *rate.Limiter
}

// NewRateLimiter builds a limiter for one API host. maxWeight is the
// exchange's per-minute weight budget (2400 for USDT futures).
func NewRateLimiter(maxWeight int) *RateLimiter {
	if maxWeight <= 0 {
		maxWeight = 2400
	}
	return &RateLimiter{
		maxWeight:     maxWeight,
		weightResetAt: time.Now().Add(time.Minute),
		// ~20 requests/sec sustained, bursts of 40
		bucket: rate.NewLimiter(rate.Limit(20), 40),
	}
}

// Acquire blocks until the request may proceed. critical requests (orders,
// closes) skip the token bucket and tolerate up to 95% of the weight budget;
// background requests are throttled at 60%.
func (rl *RateLimiter) Acquire(ctx context.Context, endpoint string, critical bool) error {
	if !critical {
		if err := rl.bucket.Wait(ctx); err != nil {
			return err
		}
	}

	weight := endpointWeights[endpoint]
	if weight == 0 {
		weight = defaultEndpointWeight
	}

	threshold := 0.60
	if critical {
		threshold = 0.95
	}

	for {
		rl.mu.Lock()
		now := time.Now()

		if now.After(rl.weightResetAt) {
			rl.currentWeight = 0
			rl.weightResetAt = now.Add(time.Minute)
			rl.circuitOpen = false
		}

		if rl.circuitOpen && now.Before(rl.banUntil) {
			wait := time.Until(rl.banUntil)
			rl.mu.Unlock()
			if critical {
				return ErrCircuitOpen
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}
		rl.circuitOpen = rl.circuitOpen && now.Before(rl.banUntil)

		budget := float64(rl.currentWeight+weight) / float64(rl.maxWeight)
		if budget <= threshold {
			rl.currentWeight += weight
			rl.mu.Unlock()
			return nil
		}

		wait := time.Until(rl.weightResetAt)
		rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// UpdateFromHeaders syncs local weight accounting with the value the
// exchange reports, which is authoritative.
func (rl *RateLimiter) UpdateFromHeaders(usedWeight int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if usedWeight > rl.currentWeight {
		rl.currentWeight = usedWeight
	}
}

// RecordRateLimitError opens the circuit after a 429/418 or a -1003 body.
func (rl *RateLimiter) RecordRateLimitError(banUntil time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.circuitOpen = true
	if banUntil.IsZero() {
		banUntil = time.Now().Add(time.Minute)
	}
	if banUntil.After(rl.banUntil) {
		rl.banUntil = banUntil
	}
	logging.WithComponent("exchange").Warn("Rate limit circuit open",
		"ban_until", rl.banUntil.Format(time.RFC3339))
}

// CircuitOpen reports whether requests are currently blocked.
func (rl *RateLimiter) CircuitOpen() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.circuitOpen && time.Now().Before(rl.banUntil)
}

var banUntilRe = regexp.MustCompile(`banned until (\d{13})`)

// parseBanUntil extracts the ban deadline from a -1003 error body, if present.
func parseBanUntil(body string) time.Time {
	m := banUntilRe.FindStringSubmatch(body)
	if len(m) != 2 {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
