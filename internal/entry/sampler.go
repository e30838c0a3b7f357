// Package entry drives the staged three-batch entry protocol for one
// accepted opportunity.
package entry

import (
	"sort"
	"sync"
	"time"
)

type sample struct {
	at    time.Time
	price float64
}

// Sampler keeps a rolling window of price samples and answers percentile
// queries over the window.
type Sampler struct {
	mu      sync.Mutex
	window  time.Duration
	samples []sample
}

// NewSampler creates a sampler with the given rolling window.
func NewSampler(window time.Duration) *Sampler {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Sampler{window: window}
}

// Add records one sample and prunes expired ones.
func (s *Sampler) Add(at time.Time, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample{at: at, price: price})
	s.prune(at)
}

func (s *Sampler) prune(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.samples) && s.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = append(s.samples[:0], s.samples[i:]...)
	}
}

// Count returns the number of samples in the window.
func (s *Sampler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// Percentile returns the p-th percentile (0..1) by nearest-rank over the
// window, or 0 when empty.
func (s *Sampler) Percentile(p float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.samples)
	if n == 0 {
		return 0
	}
	prices := make([]float64, n)
	for i, smp := range s.samples {
		prices[i] = smp.price
	}
	sort.Float64s(prices)

	if p <= 0 {
		return prices[0]
	}
	if p >= 1 {
		return prices[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	return prices[idx]
}
