// Package clock provides the engine's time source and id generation.
// Components take a Clock so tests can drive time deterministically.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the engine's monotonic UTC time source.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Real is the wall-clock implementation.
type Real struct{}

func NewReal() Real { return Real{} }

func (Real) Now() time.Time                  { return time.Now().UTC() }
func (Real) Since(t time.Time) time.Duration { return time.Now().UTC().Sub(t) }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// NewPositionID returns a new unique position id.
func NewPositionID() string {
	return uuid.NewString()
}

// NewTradeID returns a new unique trade record id.
func NewTradeID() string {
	return uuid.NewString()
}
