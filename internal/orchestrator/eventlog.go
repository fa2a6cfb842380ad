package orchestrator

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/evmloadtest/internal/ledger"
	"github.com/gateway-fm/evmloadtest/internal/metrics"
	"github.com/gateway-fm/evmloadtest/pkg/types"
)

// DefaultMaxEvents bounds the per-run event log kept for persistence.
const DefaultMaxEvents = 100000

// eventLog records task outcomes for persistence once the run completes.
// Events past the bound are counted but not kept.
type eventLog struct {
	mu      sync.Mutex
	runID   string
	max     int
	events  []types.EventRecord
	dropped uint64
}

func newEventLog(max int) *eventLog {
	if max <= 0 {
		max = DefaultMaxEvents
	}
	return &eventLog{max: max}
}

func (l *eventLog) reset(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runID = runID
	l.events = nil
	l.dropped = 0
}

func (l *eventLog) Fire(e metrics.Event) {
	rec := types.EventRecord{
		Timestamp:      e.Time,
		User:           e.User,
		Category:       e.Category,
		Name:           e.Name,
		ResponseTimeMs: float64(e.ResponseTime.Microseconds()) / 1000,
		ResponseSize:   e.ResponseSize,
	}
	if e.TxHash != (common.Hash{}) {
		rec.TxHash = e.TxHash.Hex()
	}
	if e.Err != nil {
		rec.ErrorClass = ledger.Classify(e.Err)
		rec.Error = e.Err.Error()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) >= l.max {
		l.dropped++
		return
	}
	rec.RunID = l.runID
	l.events = append(l.events, rec)
}

func (l *eventLog) Skip(string, string) {}

func (l *eventLog) Submitted(common.Hash, string) {}

// drain returns the recorded events and how many were dropped, and empties the log.
func (l *eventLog) drain() ([]types.EventRecord, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	events, dropped := l.events, l.dropped
	l.events, l.dropped = nil, 0
	return events, dropped
}
