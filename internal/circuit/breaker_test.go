package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/clock"
)

func testConfig() config.CircuitConfig {
	return config.CircuitConfig{
		Enabled:              true,
		MaxConsecutiveLosses: 3,
		MaxDailyLoss:         100,
		CooldownMinutes:      30,
	}
}

func newTestBreaker(clk *clock.Fake) *Breaker {
	return New("linear-main", testConfig(), clk, nil, nil)
}

func TestBreakerTripsOnConsecutiveLosses(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := newTestBreaker(clk)

	b.RecordClose(-5)
	b.RecordClose(-5)
	ok, _ := b.CanTrade()
	assert.True(t, ok)

	b.RecordClose(-5)
	ok, reason := b.CanTrade()
	assert.False(t, ok)
	assert.Contains(t, reason, "consecutive losses")
	assert.Equal(t, StateOpen, b.CurrentState())
}

func TestBreakerWinResetsLossStreak(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := newTestBreaker(clk)

	b.RecordClose(-5)
	b.RecordClose(-5)
	b.RecordClose(10)
	b.RecordClose(-5)
	b.RecordClose(-5)

	ok, _ := b.CanTrade()
	assert.True(t, ok, "streak broken by the win must not trip")
}

func TestBreakerTripsOnDailyLoss(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := newTestBreaker(clk)

	b.RecordClose(-60)
	b.RecordClose(20)
	b.RecordClose(-50)

	ok, reason := b.CanTrade()
	assert.False(t, ok)
	assert.Contains(t, reason, "daily loss")
}

func TestBreakerDailyLossResetsAtDayBoundary(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := newTestBreaker(clk)

	b.RecordClose(-60)
	clk.Advance(25 * time.Hour)
	b.RecordClose(-50)

	ok, _ := b.CanTrade()
	assert.True(t, ok, "losses must not accumulate across the UTC day boundary")
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := newTestBreaker(clk)

	b.RecordClose(-5)
	b.RecordClose(-5)
	b.RecordClose(-5)
	ok, _ := b.CanTrade()
	assert.False(t, ok)

	// cooldown still running
	clk.Advance(29 * time.Minute)
	ok, _ = b.CanTrade()
	assert.False(t, ok)

	// cooldown elapsed: half-open allows a probe
	clk.Advance(2 * time.Minute)
	ok, _ = b.CanTrade()
	assert.True(t, ok)
	assert.Equal(t, StateHalfOpen, b.CurrentState())

	// a winning close closes the breaker and clears the drawdown
	b.RecordClose(8)
	assert.Equal(t, StateClosed, b.CurrentState())
	assert.EqualValues(t, 0, b.Stats()["daily_loss"])
}

func TestBreakerHalfOpenRetrips(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := newTestBreaker(clk)

	b.RecordClose(-5)
	b.RecordClose(-5)
	b.RecordClose(-5)
	clk.Advance(31 * time.Minute)
	ok, _ := b.CanTrade()
	assert.True(t, ok)

	b.RecordClose(-5)
	ok, _ = b.CanTrade()
	assert.False(t, ok, "a losing probe must re-trip")
}

func TestBreakerDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	b := New("linear-main", cfg, clock.NewFake(time.Now()), nil, nil)

	for i := 0; i < 10; i++ {
		b.RecordClose(-100)
	}
	ok, _ := b.CanTrade()
	assert.True(t, ok)
}

func TestBreakerReset(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := newTestBreaker(clk)

	b.RecordClose(-60)
	b.RecordClose(-60)
	ok, _ := b.CanTrade()
	assert.False(t, ok)

	b.Reset()
	ok, _ = b.CanTrade()
	assert.True(t, ok)
	assert.Equal(t, StateClosed, b.CurrentState())
}

func TestBreakerIgnoresInvalidPnL(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := newTestBreaker(clk)

	nan := 0.0
	b.RecordClose(nan / nan)
	b.RecordClose(-5)
	b.RecordClose(-5)

	ok, _ := b.CanTrade()
	assert.True(t, ok, "NaN must not count toward the streak")
}
