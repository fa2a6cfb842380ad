package pattern

import (
	"time"

	"github.com/gateway-fm/evmloadtest/pkg/types"
)

// Spike runs a baseline user count with periodic bursts.
type Spike struct {
	baseline      int
	spike         int
	spikeDuration time.Duration
	spikeInterval time.Duration
}

// NewSpike creates a spike pattern.
// Spikes occupy the last spikeDuration of every spikeInterval.
func NewSpike(baseline, spike int, spikeDuration, spikeInterval time.Duration) *Spike {
	return &Spike{
		baseline:      baseline,
		spike:         spike,
		spikeDuration: spikeDuration,
		spikeInterval: spikeInterval,
	}
}

// Name returns the pattern identifier.
func (s *Spike) Name() types.LoadPattern {
	return types.PatternSpike
}

// Users returns the spike count inside a spike window, the baseline otherwise.
func (s *Spike) Users(elapsed time.Duration) int {
	positionInInterval := elapsed % s.spikeInterval
	if positionInInterval >= s.spikeInterval-s.spikeDuration {
		return s.spike
	}
	return s.baseline
}

// Peak returns the larger of baseline and spike counts.
func (s *Spike) Peak() int {
	return max(s.baseline, s.spike)
}
