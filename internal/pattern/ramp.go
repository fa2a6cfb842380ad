package pattern

import (
	"time"

	"github.com/gateway-fm/evmloadtest/pkg/types"
)

// Ramp moves the user count from start to end over duration, either linearly
// or in equal steps.
type Ramp struct {
	start    int
	end      int
	steps    int
	duration time.Duration
}

// NewRamp creates a ramp pattern. steps <= 0 interpolates linearly.
func NewRamp(start, end, steps int, duration time.Duration) *Ramp {
	return &Ramp{
		start:    start,
		end:      end,
		steps:    steps,
		duration: duration,
	}
}

// Name returns the pattern identifier.
func (r *Ramp) Name() types.LoadPattern {
	return types.PatternRamp
}

// Users returns the count for elapsed, clamped to the ramp bounds.
func (r *Ramp) Users(elapsed time.Duration) int {
	if elapsed <= 0 {
		return r.start
	}
	if elapsed >= r.duration {
		return r.end
	}

	progress := float64(elapsed) / float64(r.duration)
	if r.steps > 0 {
		// The last step lands exactly on end at duration.
		step := int(progress * float64(r.steps))
		return r.start + (r.end-r.start)*step/r.steps
	}
	return r.start + int(progress*float64(r.end-r.start))
}

// Peak returns the larger of the two bounds.
func (r *Ramp) Peak() int {
	return max(r.start, r.end)
}
