// Package pattern provides user-count shapes for a run.
package pattern

import (
	"errors"
	"fmt"
	"time"

	"github.com/gateway-fm/evmloadtest/pkg/types"
)

// Pattern calculates the target number of active users based on elapsed time.
type Pattern interface {
	// Name returns the pattern identifier.
	Name() types.LoadPattern

	// Users returns the target user count for the given elapsed time.
	Users(elapsed time.Duration) int

	// Peak returns the largest count Users can return.
	Peak() int
}

// Config holds pattern-specific configuration.
type Config struct {
	Duration time.Duration

	// Constant pattern
	Users int

	// Ramp pattern
	RampStart int
	RampEnd   int
	RampSteps int // 0 ramps linearly

	// Spike pattern
	BaselineUsers int
	SpikeUsers    int
	SpikeDuration time.Duration
	SpikeInterval time.Duration
}

// Registry manages pattern lookup by name.
type Registry struct {
	patterns map[types.LoadPattern]func(Config) (Pattern, error)
}

// NewRegistry creates a new pattern registry with all built-in patterns.
func NewRegistry() *Registry {
	r := &Registry{
		patterns: make(map[types.LoadPattern]func(Config) (Pattern, error)),
	}

	r.Register(types.PatternConstant, func(cfg Config) (Pattern, error) {
		if cfg.Users <= 0 {
			return nil, errors.New("constant pattern needs users > 0")
		}
		return NewConstant(cfg.Users), nil
	})
	r.Register(types.PatternRamp, func(cfg Config) (Pattern, error) {
		if cfg.Duration <= 0 {
			return nil, errors.New("ramp pattern needs a duration")
		}
		if cfg.RampStart < 0 || cfg.RampEnd < 0 || max(cfg.RampStart, cfg.RampEnd) == 0 {
			return nil, errors.New("ramp pattern needs non-negative bounds and at least one user")
		}
		if cfg.RampSteps < 0 {
			return nil, errors.New("ramp steps must not be negative")
		}
		return NewRamp(cfg.RampStart, cfg.RampEnd, cfg.RampSteps, cfg.Duration), nil
	})
	r.Register(types.PatternSpike, func(cfg Config) (Pattern, error) {
		if cfg.SpikeInterval <= 0 || cfg.SpikeDuration <= 0 || cfg.SpikeDuration > cfg.SpikeInterval {
			return nil, errors.New("spike pattern needs 0 < spike duration <= spike interval")
		}
		if cfg.BaselineUsers < 0 || cfg.SpikeUsers <= 0 {
			return nil, errors.New("spike pattern needs baseline >= 0 and spike users > 0")
		}
		return NewSpike(cfg.BaselineUsers, cfg.SpikeUsers, cfg.SpikeDuration, cfg.SpikeInterval), nil
	})

	return r
}

// Register adds a pattern factory to the registry.
func (r *Registry) Register(name types.LoadPattern, factory func(Config) (Pattern, error)) {
	r.patterns[name] = factory
}

// Get returns a pattern instance for the given name and config.
func (r *Registry) Get(name types.LoadPattern, cfg Config) (Pattern, error) {
	factory, ok := r.patterns[name]
	if !ok {
		return nil, fmt.Errorf("unknown pattern: %s", name)
	}
	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return p, nil
}
