package orchestrator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/gateway-fm/evmloadtest/internal/vuser"
	"github.com/gateway-fm/evmloadtest/pkg/types"
)

// Default pause between iterations of one user.
const (
	DefaultWaitMin = 1 * time.Second
	DefaultWaitMax = 5 * time.Second
)

// Between pauses a uniformly random duration in [lo, hi] after each iteration.
func Between(lo, hi time.Duration) vuser.Pacer {
	return between{lo: lo, hi: hi}
}

type between struct {
	lo, hi time.Duration
}

func (b between) Wait(ctx context.Context, _ time.Time) error {
	d := b.lo
	if b.hi > b.lo {
		d += rand.N(b.hi - b.lo + 1)
	}
	return sleep(ctx, d)
}

// Constant pauses d after each iteration.
func Constant(d time.Duration) vuser.Pacer {
	return constant(d)
}

type constant time.Duration

func (c constant) Wait(ctx context.Context, _ time.Time) error {
	return sleep(ctx, time.Duration(c))
}

// ConstantPacing starts iterations every period. An iteration that overruns
// the period is followed immediately by the next one.
func ConstantPacing(period time.Duration) vuser.Pacer {
	return pacing{period: period, now: time.Now}
}

type pacing struct {
	period time.Duration
	now    func() time.Time
}

func (p pacing) Wait(ctx context.Context, iterationStart time.Time) error {
	return sleep(ctx, p.period-p.now().Sub(iterationStart))
}

// NewPacer builds the pacer for a wait strategy. The constant strategies only
// use lo.
func NewPacer(strategy types.WaitStrategy, lo, hi time.Duration) (vuser.Pacer, error) {
	switch strategy {
	case "", types.WaitBetween:
		if lo < 0 || hi < lo {
			return nil, fmt.Errorf("wait bounds must satisfy 0 <= min <= max, got %s..%s", lo, hi)
		}
		return Between(lo, hi), nil
	case types.WaitConstant:
		if lo < 0 {
			return nil, fmt.Errorf("wait must not be negative, got %s", lo)
		}
		return Constant(lo), nil
	case types.WaitConstantPacing:
		if lo <= 0 {
			return nil, fmt.Errorf("pacing period must be positive, got %s", lo)
		}
		return ConstantPacing(lo), nil
	default:
		return nil, fmt.Errorf("unknown wait strategy: %s", strategy)
	}
}

// sleep waits d or until ctx is done. Non-positive d only checks ctx.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
