// Package metrics aggregates task outcomes reported by load users into
// per-task statistics and Prometheus series.
package metrics

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/gateway-fm/evmloadtest/pkg/types"
)

const (
	// DefaultReservoirSize is the number of samples kept for percentile estimation.
	// 10000 keeps the p99 error under 1%.
	DefaultReservoirSize = 10000
)

// ResponseTimeBounds are the histogram bucket upper bounds in milliseconds.
// Chain confirmations are measured in seconds, so the buckets are wide.
var ResponseTimeBounds = []float64{500, 1000, 2000, 5000, 10000, 30000}

// StreamingLatencyStats tracks response times with O(1) running aggregates and
// a fixed-size reservoir for percentiles. Safe for concurrent use.
type StreamingLatencyStats struct {
	mu sync.RWMutex

	count int64
	sum   float64
	min   float64
	max   float64

	// Algorithm R (Vitter)
	reservoir []float64
	size      int
	rng       *rand.Rand

	bounds  []float64
	labels  []string
	buckets []int64
}

// NewStreamingLatencyStats creates a tracker with the default reservoir and bounds.
func NewStreamingLatencyStats() *StreamingLatencyStats {
	return NewStreamingLatencyStatsWith(DefaultReservoirSize, ResponseTimeBounds)
}

// NewStreamingLatencyStatsWith creates a tracker with a custom reservoir size and
// ascending bucket bounds in milliseconds.
func NewStreamingLatencyStatsWith(size int, bounds []float64) *StreamingLatencyStats {
	if size <= 0 {
		size = DefaultReservoirSize
	}
	return &StreamingLatencyStats{
		min:       math.MaxFloat64,
		reservoir: make([]float64, 0, min(size, 1024)),
		size:      size,
		rng:       rand.New(rand.NewPCG(0x9e3779b97f4a7c15, uint64(size))),
		bounds:    bounds,
		labels:    bucketLabels(bounds),
		buckets:   make([]int64, len(bounds)+1),
	}
}

// Add records one response time in milliseconds.
func (s *StreamingLatencyStats) Add(ms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += ms
	s.min = min(s.min, ms)
	s.max = max(s.max, ms)

	i, _ := slices.BinarySearch(s.bounds, ms)
	if i < len(s.bounds) && s.bounds[i] == ms {
		i++ // bounds are exclusive upper limits
	}
	s.buckets[i]++

	if len(s.reservoir) < s.size {
		s.reservoir = append(s.reservoir, ms)
		return
	}
	if j := s.rng.Int64N(s.count); j < int64(s.size) {
		s.reservoir[j] = ms
	}
}

// GetStats returns the current statistics, or nil when nothing was recorded.
func (s *StreamingLatencyStats) GetStats() *types.LatencyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return nil
	}

	sorted := slices.Clone(s.reservoir)
	slices.Sort(sorted)

	buckets := make([]types.LatencyBucket, len(s.buckets))
	for i, n := range s.buckets {
		buckets[i] = types.LatencyBucket{Label: s.labels[i], Count: int(n)}
	}

	return &types.LatencyStats{
		Count:   int(s.count),
		Min:     s.min,
		Max:     s.max,
		Avg:     s.sum / float64(s.count),
		P50:     percentile(sorted, 0.50),
		P75:     percentile(sorted, 0.75),
		P90:     percentile(sorted, 0.90),
		P95:     percentile(sorted, 0.95),
		P99:     percentile(sorted, 0.99),
		Buckets: buckets,
	}
}

// Count returns the number of samples recorded.
func (s *StreamingLatencyStats) Count() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Reset clears all samples.
func (s *StreamingLatencyStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count = 0
	s.sum = 0
	s.min = math.MaxFloat64
	s.max = 0
	s.reservoir = s.reservoir[:0]
	clear(s.buckets)
}

// percentile interpolates linearly between the closest ranks of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}

func bucketLabels(bounds []float64) []string {
	labels := make([]string, 0, len(bounds)+1)
	lower := "0"
	for _, b := range bounds {
		upper := formatMs(b)
		labels = append(labels, lower+"-"+upper)
		lower = upper
	}
	return append(labels, lower+"+")
}

func formatMs(ms float64) string {
	if ms >= 1000 && math.Mod(ms, 1000) == 0 {
		return fmt.Sprintf("%gs", ms/1000)
	}
	return fmt.Sprintf("%gms", ms)
}
