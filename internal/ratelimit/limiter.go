// Package ratelimit paces how fast new virtual users are started.
package ratelimit

import (
	"context"
	"math"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Limiter hands out permits at a steady rate with no bursts: the first permit
// is immediate, every later one waits a full interval.
type Limiter struct {
	lim *rate.Limiter

	rateX1000 atomic.Int64 // rate * 1000 for lock-free reads
}

// New creates a Limiter issuing ratePerSec permits per second. Rates <= 0
// fall back to 1/s; +Inf disables limiting.
func New(ratePerSec float64) *Limiter {
	ratePerSec = sanitize(ratePerSec)
	l := &Limiter{lim: rate.NewLimiter(limit(ratePerSec), 1)}
	l.store(ratePerSec)
	return l
}

// Wait blocks until a permit is available or the context is cancelled.
// A Wait that cannot be satisfied before the context deadline returns at once
// without consuming a permit.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.lim.Wait(ctx)
}

// SetRate changes the rate for subsequent permits.
func (l *Limiter) SetRate(ratePerSec float64) {
	ratePerSec = sanitize(ratePerSec)
	l.lim.SetLimit(limit(ratePerSec))
	l.store(ratePerSec)
}

// Rate returns the current rate in permits per second.
func (l *Limiter) Rate() float64 {
	v := l.rateX1000.Load()
	if v == math.MaxInt64 {
		return math.Inf(1)
	}
	return float64(v) / 1000
}

func (l *Limiter) store(ratePerSec float64) {
	if math.IsInf(ratePerSec, 1) {
		l.rateX1000.Store(math.MaxInt64)
		return
	}
	l.rateX1000.Store(int64(ratePerSec * 1000))
}

func sanitize(ratePerSec float64) float64 {
	if ratePerSec <= 0 || math.IsNaN(ratePerSec) {
		return 1
	}
	return ratePerSec
}

func limit(ratePerSec float64) rate.Limit {
	if math.IsInf(ratePerSec, 1) {
		return rate.Inf
	}
	return rate.Limit(ratePerSec)
}
