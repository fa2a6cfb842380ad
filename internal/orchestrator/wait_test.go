package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/evmloadtest/internal/ledger"
	"github.com/gateway-fm/evmloadtest/internal/metrics"
	"github.com/gateway-fm/evmloadtest/pkg/types"
)

func TestNewPacer(t *testing.T) {
	tests := []struct {
		name     string
		strategy types.WaitStrategy
		lo, hi   time.Duration
		wantErr  bool
	}{
		{"default is between", "", time.Millisecond, 2 * time.Millisecond, false},
		{"between", types.WaitBetween, 0, 0, false},
		{"between inverted", types.WaitBetween, 2 * time.Second, time.Second, true},
		{"between negative", types.WaitBetween, -time.Second, time.Second, true},
		{"constant", types.WaitConstant, time.Second, 0, false},
		{"constant zero", types.WaitConstant, 0, 0, false},
		{"constant negative", types.WaitConstant, -1, 0, true},
		{"pacing", types.WaitConstantPacing, time.Second, 0, false},
		{"pacing zero period", types.WaitConstantPacing, 0, 0, true},
		{"unknown", "poisson", time.Second, time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPacer(tt.strategy, tt.lo, tt.hi)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, p)
		})
	}
}

func TestBetween_StaysInBounds(t *testing.T) {
	p := Between(5*time.Millisecond, 15*time.Millisecond)
	for range 5 {
		start := time.Now()
		require.NoError(t, p.Wait(context.Background(), start))
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
		assert.Less(t, elapsed, 500*time.Millisecond)
	}
}

func TestConstant_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Constant(time.Hour).Wait(ctx, start)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConstantPacing_SubtractsIterationTime(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name    string
		elapsed time.Duration
		maxWait time.Duration
	}{
		{"remaining part of the period", 990 * time.Millisecond, 500 * time.Millisecond},
		{"overrun continues at once", 3 * time.Second, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := pacing{period: time.Second, now: func() time.Time { return base.Add(tt.elapsed) }}
			start := time.Now()
			require.NoError(t, p.Wait(context.Background(), base))
			assert.Less(t, time.Since(start), tt.maxWait)
		})
	}

	// A cancelled context stops an overrun user too.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := pacing{period: time.Second, now: func() time.Time { return base.Add(2 * time.Second) }}
	assert.Error(t, p.Wait(ctx, base))
}

func TestEventLog(t *testing.T) {
	l := newEventLog(2)
	l.reset("run-1")

	hash := common.HexToHash("0xabc")
	now := time.Unix(1_700_000_000, 0)
	l.Fire(metrics.Event{Category: "Blockchain", Name: "Simple ETH Transfer", User: 3, Time: now,
		ResponseTime: 1500 * time.Microsecond, ResponseSize: 128, TxHash: hash})
	l.Fire(metrics.Event{Name: "Swap USDC for WETH", Time: now, Err: &ledger.RejectedError{Reason: "nonce too low"}})
	l.Fire(metrics.Event{Name: "dropped", Time: now})
	l.Skip("Swap USDC for WETH", "pool not found")

	events, dropped := l.drain()
	assert.EqualValues(t, 1, dropped)
	require.Len(t, events, 2)

	assert.Equal(t, types.EventRecord{
		RunID:          "run-1",
		Timestamp:      now,
		User:           3,
		Category:       "Blockchain",
		Name:           "Simple ETH Transfer",
		ResponseTimeMs: 1.5,
		ResponseSize:   128,
		TxHash:         hash.Hex(),
	}, events[0])
	assert.Equal(t, ledger.ClassRejected, events[1].ErrorClass)
	assert.Contains(t, events[1].Error, "nonce too low")
	assert.Empty(t, events[1].TxHash)

	events, dropped = l.drain()
	assert.Empty(t, events)
	assert.Zero(t, dropped)
}

func TestPopulation(t *testing.T) {
	p := newPopulation(metrics.NewCollector())
	assert.NoError(t, p.initError(), "no users spawned yet")

	assert.Equal(t, 0, p.nextID())
	assert.Equal(t, 1, p.nextID())
	p.exited(nil)
	assert.NoError(t, p.initError())

	p.exited(errors.New("user 0 init nonce: connection refused"))
	assert.NoError(t, p.initError(), "one user may still be initializing")

	p.exited(errors.New("user 1 init nonce: connection refused"))
	err := p.initError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 users failed to initialize")
	assert.Contains(t, err.Error(), "user 0")
}

func TestPopulation_SinkClosesWithRun(t *testing.T) {
	c := metrics.NewCollector()
	p := newPopulation(c)
	assert.False(t, p.stopped())

	p.sink.Fire(metrics.Event{Name: "Simple ETH Transfer", Time: time.Now()})
	p.sink.close()
	p.sink.Fire(metrics.Event{Name: "Simple ETH Transfer", Time: time.Now()})
	p.sink.Skip("Simple ETH Transfer", "no recipient")
	p.sink.Submitted(common.HexToHash("0x1"), "Simple ETH Transfer")

	snap := c.Snapshot()
	assert.EqualValues(t, 1, snap.Total.Requests)
	assert.Empty(t, snap.Skips)
	assert.Zero(t, snap.InFlight)

	close(p.done)
	assert.True(t, p.stopped())
}
