// Package types contains public API types for the load test harness.
// These types form the external interface and must remain backwards-compatible.
package types

import "time"

// LoadPattern selects how the number of active users changes over a run.
type LoadPattern string

const (
	PatternConstant LoadPattern = "constant"
	PatternRamp     LoadPattern = "ramp"
	PatternSpike    LoadPattern = "spike"
)

// WaitStrategy selects the pause between task iterations of one user.
type WaitStrategy string

const (
	WaitBetween        WaitStrategy = "between"         // uniform random in [min, max]
	WaitConstant       WaitStrategy = "constant"        // fixed pause after each task
	WaitConstantPacing WaitStrategy = "constant-pacing" // fixed period from task start to task start
)

// RunStatus represents the current run state.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusStarting  RunStatus = "starting" // users are being spawned
	StatusRunning   RunStatus = "running"
	StatusStopping  RunStatus = "stopping" // waiting for in-flight iterations
	StatusCompleted RunStatus = "completed"
	StatusError     RunStatus = "error"
)

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`     // ms
	Max     float64         `json:"max"`     // ms
	Avg     float64         `json:"avg"`     // ms
	P50     float64         `json:"p50"`     // ms
	P75     float64         `json:"p75"`     // ms
	P90     float64         `json:"p90"`     // ms
	P95     float64         `json:"p95"`     // ms
	P99     float64         `json:"p99"`     // ms
	Buckets []LatencyBucket `json:"buckets"` // histogram
}

// TaskStats aggregates the events reported under one task name.
type TaskStats struct {
	Category        string        `json:"category"`
	Name            string        `json:"name"`
	Requests        uint64        `json:"requests"`
	Failures        uint64        `json:"failures"`
	FailureRatio    float64       `json:"failureRatio"`
	AvgResponseSize float64       `json:"avgResponseSize"` // bytes
	CurrentRPS      float64       `json:"currentRps"`
	Latency         *LatencyStats `json:"latency,omitempty"`
}

// ErrorStat counts identical failures of one task.
type ErrorStat struct {
	Name    string `json:"name"`
	Class   string `json:"class"` // connectivity, rejected, timeout, other
	Message string `json:"message"`
	Count   uint64 `json:"count"`
}

// SkipStat counts task iterations skipped for an expected reason.
type SkipStat struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
	Count  uint64 `json:"count"`
}

// RunMetrics is the live view of a run.
type RunMetrics struct {
	Status           RunStatus      `json:"status"`
	RunID            string         `json:"runId,omitempty"`
	Error            string         `json:"error,omitempty"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	ElapsedMs        int64          `json:"elapsedMs"`
	DurationMs       int64          `json:"durationMs"`
	Pattern          LoadPattern    `json:"pattern,omitempty"`
	TargetUsers      int            `json:"targetUsers"`
	ActiveUsers      int            `json:"activeUsers"`
	UserStates       map[string]int `json:"userStates,omitempty"`
	InFlight         int            `json:"inFlight"`
	InFlightByTask   map[string]int `json:"inFlightByTask,omitempty"`
	OldestInFlightMs int64          `json:"oldestInFlightMs,omitempty"`
	Total            TaskStats      `json:"total"`
	Tasks            []TaskStats    `json:"tasks"`
	Errors           []ErrorStat    `json:"errors,omitempty"`
	Skips            []SkipStat     `json:"skips,omitempty"`
}

// RunResult stores the final results of a completed run.
type RunResult struct {
	ID          string          `json:"id"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt"`
	Status      RunStatus       `json:"status"`
	Error       string          `json:"error,omitempty"`
	DurationMs  int64           `json:"durationMs"`
	Requests    uint64          `json:"requests"`
	Failures    uint64          `json:"failures"`
	AverageRPS  float64         `json:"averageRps"`
	PeakUsers   int             `json:"peakUsers"`
	Latency     *LatencyStats   `json:"latency,omitempty"`
	Tasks       []TaskStats     `json:"tasks,omitempty"`
	Errors      []ErrorStat     `json:"errors,omitempty"`
	Config      StartRunRequest `json:"config"`
}

// StartRunRequest is the API request to start a run.
type StartRunRequest struct {
	Pattern     LoadPattern `json:"pattern"`
	DurationSec int         `json:"durationSec"` // 0 runs until stopped
	SpawnRate   float64     `json:"spawnRate,omitempty"`

	// Constant pattern
	Users int `json:"users,omitempty"`

	// Ramp pattern
	RampStart int `json:"rampStart,omitempty"`
	RampEnd   int `json:"rampEnd,omitempty"`
	RampSteps int `json:"rampSteps,omitempty"`

	// Spike pattern
	BaselineUsers int `json:"baselineUsers,omitempty"`
	SpikeUsers    int `json:"spikeUsers,omitempty"`
	SpikeDuration int `json:"spikeDuration,omitempty"` // seconds
	SpikeInterval int `json:"spikeInterval,omitempty"` // seconds

	// Pacing
	WaitStrategy WaitStrategy `json:"waitStrategy,omitempty"`
	WaitMinMs    int          `json:"waitMinMs,omitempty"`
	WaitMaxMs    int          `json:"waitMaxMs,omitempty"`

	// Task mix
	TransferWeight *int `json:"transferWeight,omitempty"`
	SwapWeight     *int `json:"swapWeight,omitempty"`
}

// EventRecord is one persisted task outcome.
type EventRecord struct {
	RunID          string    `json:"runId"`
	Timestamp      time.Time `json:"timestamp"`
	User           int       `json:"user"`
	Category       string    `json:"category"`
	Name           string    `json:"name"`
	ResponseTimeMs float64   `json:"responseTimeMs"`
	ResponseSize   int       `json:"responseSize"`
	TxHash         string    `json:"txHash,omitempty"`
	ErrorClass     string    `json:"errorClass,omitempty"`
	Error          string    `json:"error,omitempty"`
}
