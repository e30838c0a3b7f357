// Package circuit halts new entries for one account after a losing streak
// or a deep daily drawdown. Open positions keep their exit monitors; only
// admission consults the breaker.
package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/clock"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/notification"
)

// State of the breaker.
type State string

const (
	StateClosed   State = "closed"    // normal operation
	StateOpen     State = "open"      // entries halted
	StateHalfOpen State = "half_open" // cooldown passed, probing recovery
)

// Breaker tracks realized results for one account and gates new entries.
type Breaker struct {
	account  string
	cfg      config.CircuitConfig
	clock    clock.Clock
	bus      *events.Bus
	notifier *notification.Manager
	log      *logging.Logger

	mu                sync.Mutex
	state             State
	consecutiveLosses int
	dailyLoss         float64 // accumulated realized losses, positive
	day               time.Time
	trippedAt         time.Time
	tripReason        string
}

// New builds a breaker for one account.
func New(account string, cfg config.CircuitConfig, clk clock.Clock, bus *events.Bus, notifier *notification.Manager) *Breaker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Breaker{
		account:  account,
		cfg:      cfg,
		clock:    clk,
		bus:      bus,
		notifier: notifier,
		log:      logging.WithComponent("circuit").WithField("account", account),
		state:    StateClosed,
		day:      clk.Now().UTC().Truncate(24 * time.Hour),
	}
}

// Bind subscribes the breaker to position-closed events for its account.
func (b *Breaker) Bind(bus *events.Bus) {
	bus.Subscribe(events.EventPositionClosed, func(e events.Event) {
		if e.Account != b.account {
			return
		}
		pnl, ok := e.Data["realized_pnl"].(float64)
		if !ok {
			return
		}
		b.RecordClose(pnl)
	})
}

// CanTrade reports whether new entries are allowed, with the halt reason
// when they are not. An open breaker flips to half-open once the cooldown
// elapses; one winning close then closes it.
func (b *Breaker) CanTrade() (bool, string) {
	if !b.cfg.Enabled {
		return true, ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay()

	if b.state == StateOpen {
		elapsed := b.clock.Now().Sub(b.trippedAt)
		cooldown := time.Duration(b.cfg.CooldownMinutes) * time.Minute
		if elapsed < cooldown {
			return false, fmt.Sprintf("halted (%s), cooldown remaining %s",
				b.tripReason, (cooldown - elapsed).Round(time.Second))
		}
		b.state = StateHalfOpen
		b.log.Info("Circuit breaker half-open", "reason", b.tripReason)
	}

	return true, ""
}

// RecordClose feeds one realized close into the breaker.
func (b *Breaker) RecordClose(realizedPnL float64) {
	if !b.cfg.Enabled {
		return
	}
	if math.IsNaN(realizedPnL) || math.IsInf(realizedPnL, 0) {
		return
	}

	b.mu.Lock()
	b.rollDay()

	if realizedPnL < 0 {
		b.consecutiveLosses++
		b.dailyLoss += -realizedPnL
	} else {
		b.consecutiveLosses = 0
		if b.state == StateHalfOpen {
			b.recoverLocked()
		}
	}

	reason := ""
	if b.state != StateOpen {
		switch {
		case b.cfg.MaxConsecutiveLosses > 0 && b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses:
			reason = fmt.Sprintf("consecutive losses: %d", b.consecutiveLosses)
		case b.cfg.MaxDailyLoss > 0 && b.dailyLoss >= b.cfg.MaxDailyLoss:
			reason = fmt.Sprintf("daily loss: %.2f", b.dailyLoss)
		}
	}
	if reason != "" {
		b.tripLocked(reason)
	}
	b.mu.Unlock()
}

// Reset closes the breaker and clears the loss counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	wasOpen := b.state != StateClosed
	b.state = StateClosed
	b.consecutiveLosses = 0
	b.dailyLoss = 0
	b.tripReason = ""
	b.mu.Unlock()

	if wasOpen {
		b.announce(true, "manual reset")
	}
}

// CurrentState returns the breaker state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats reports the breaker internals for the status API.
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"state":              string(b.state),
		"consecutive_losses": b.consecutiveLosses,
		"daily_loss":         b.dailyLoss,
		"trip_reason":        b.tripReason,
	}
}

func (b *Breaker) tripLocked(reason string) {
	b.state = StateOpen
	b.trippedAt = b.clock.Now()
	b.tripReason = reason
	b.log.Warn("Circuit breaker tripped", "reason", reason,
		"consecutive_losses", b.consecutiveLosses, "daily_loss", b.dailyLoss)
	go b.announce(false, reason)
}

func (b *Breaker) recoverLocked() {
	b.state = StateClosed
	b.dailyLoss = 0
	b.tripReason = ""
	b.log.Info("Circuit breaker recovered")
	go b.announce(true, "winning close after cooldown")
}

func (b *Breaker) announce(enabled bool, reason string) {
	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type: events.EventTradingToggled, Account: b.account,
			Data: map[string]interface{}{"enabled": enabled, "reason": reason},
		})
	}
	if b.notifier != nil {
		b.notifier.SendTradingToggled(b.account, enabled, reason)
	}
}

// rollDay clears the daily loss at the UTC day boundary. Callers hold b.mu.
func (b *Breaker) rollDay() {
	today := b.clock.Now().UTC().Truncate(24 * time.Hour)
	if today.After(b.day) {
		b.day = today
		b.dailyLoss = 0
	}
}
