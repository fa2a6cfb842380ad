package storage

import "context"

// Storage defines the persistence interface for load test runs.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error

	// Per-task statistics (written once when the run completes)
	SaveTaskStats(ctx context.Context, runID string, tasks []TaskStatsRow) error
	GetTaskStats(ctx context.Context, runID string) ([]TaskStatsRow, error)

	// Event log bulk operations (called after the run completes)
	BulkInsertEvents(ctx context.Context, runID string, events []EventRow) error
	GetEvents(ctx context.Context, runID string, limit, offset int) (*PaginatedEvents, error)

	// Lifecycle
	Close() error
}
