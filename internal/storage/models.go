// Package storage persists run history in SQLite.
package storage

import (
	"time"

	"github.com/gateway-fm/evmloadtest/pkg/types"
)

// Run is one load test run as stored.
type Run struct {
	ID           string                 `json:"id"`
	StartedAt    time.Time              `json:"startedAt"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
	Pattern      types.LoadPattern      `json:"pattern"`
	DurationMs   int64                  `json:"durationMs"`
	Requests     uint64                 `json:"requests"`
	Failures     uint64                 `json:"failures"`
	Skips        uint64                 `json:"skips"`
	AverageRPS   float64                `json:"averageRps"`
	PeakUsers    int                    `json:"peakUsers"`
	Latency      *types.LatencyStats    `json:"latency,omitempty"`
	Errors       []types.ErrorStat      `json:"errors,omitempty"`
	Config       *types.StartRunRequest `json:"config,omitempty"`
	Status       types.RunStatus        `json:"status"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	ChainID      int64                  `json:"chainId"`
	Target       string                 `json:"target,omitempty"` // RPC endpoint under test
	CustomName   *string                `json:"customName,omitempty"`
	IsFavorite   bool                   `json:"isFavorite"`
}

// RunMetadataUpdate changes user-facing labels of a stored run.
type RunMetadataUpdate struct {
	CustomName *string `json:"customName,omitempty"`
	IsFavorite *bool   `json:"isFavorite,omitempty"`
}

// TaskStatsRow is the final statistics of one task in a run.
type TaskStatsRow struct {
	Category        string              `json:"category"`
	Name            string              `json:"name"`
	Requests        uint64              `json:"requests"`
	Failures        uint64              `json:"failures"`
	AvgResponseSize float64             `json:"avgResponseSize"`
	Latency         *types.LatencyStats `json:"latency,omitempty"`
}

// EventRow is one persisted task outcome.
type EventRow = types.EventRecord

// RunDetail is a run with its per-task breakdown.
type RunDetail struct {
	Run   *Run           `json:"run"`
	Tasks []TaskStatsRow `json:"tasks"`
}

// PaginatedRuns is a page of run history.
type PaginatedRuns struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// PaginatedEvents is a page of a run's event log.
type PaginatedEvents struct {
	Events []EventRow `json:"events"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}
