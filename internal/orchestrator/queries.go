package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gateway-fm/evmloadtest/internal/storage"
	"github.com/gateway-fm/evmloadtest/pkg/types"
)

// Status returns the live view of the current or last run.
func (r *Runner) Status() types.RunMetrics {
	r.statusMu.RLock()
	m := types.RunMetrics{
		Status: r.status,
		RunID:  r.runID,
		Error:  r.runErr,
	}
	pop, req := r.pop, r.req
	if !r.startedAt.IsZero() {
		started := r.startedAt
		m.StartedAt = &started
		end := r.endedAt
		if end.IsZero() {
			end = time.Now()
		}
		m.ElapsedMs = end.Sub(started).Milliseconds()
	}
	r.statusMu.RUnlock()

	if m.Status == types.StatusIdle {
		return m
	}

	m.Pattern = req.Pattern
	m.DurationMs = int64(req.DurationSec) * 1000
	m.TargetUsers = int(r.target.Load())
	if pop != nil {
		m.ActiveUsers, m.UserStates = pop.census()
	}

	snap := r.collector.Snapshot()
	m.InFlight = snap.InFlight
	m.InFlightByTask = snap.InFlightByTask
	m.OldestInFlightMs = snap.OldestInFlight.Milliseconds()
	m.Total = snap.Total
	m.Tasks = snap.Tasks
	m.Errors = snap.Errors
	m.Skips = snap.Skips
	return m
}

// History returns finished runs held in memory, newest first.
func (r *Runner) History() []types.RunResult {
	r.historyMu.RLock()
	defer r.historyMu.RUnlock()
	out := slices.Clone(r.history)
	slices.Reverse(out)
	return out
}

// ListRuns returns a page of run history, from storage when it is enabled.
func (r *Runner) ListRuns(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	if r.cfg.Storage != nil {
		return r.cfg.Storage.ListRuns(ctx, limit, offset)
	}

	history := r.History()
	page := &storage.PaginatedRuns{Runs: []storage.Run{}, Total: len(history), Limit: limit, Offset: offset}
	for _, res := range history[min(offset, len(history)):min(offset+limit, len(history))] {
		page.Runs = append(page.Runs, runFromResult(res))
	}
	return page, nil
}

// GetRun returns one run with its task breakdown.
func (r *Runner) GetRun(ctx context.Context, id string) (*storage.RunDetail, error) {
	if r.cfg.Storage == nil {
		for _, res := range r.History() {
			if res.ID != id {
				continue
			}
			run := runFromResult(res)
			detail := &storage.RunDetail{Run: &run}
			for _, t := range res.Tasks {
				detail.Tasks = append(detail.Tasks, storage.TaskStatsRow{
					Category:        t.Category,
					Name:            t.Name,
					Requests:        t.Requests,
					Failures:        t.Failures,
					AvgResponseSize: t.AvgResponseSize,
					Latency:         t.Latency,
				})
			}
			return detail, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	run, err := r.cfg.Storage.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	tasks, err := r.cfg.Storage.GetTaskStats(ctx, id)
	if err != nil {
		return nil, err
	}
	return &storage.RunDetail{Run: run, Tasks: tasks}, nil
}

// GetRunEvents returns a page of a run's persisted event log.
func (r *Runner) GetRunEvents(ctx context.Context, id string, limit, offset int) (*storage.PaginatedEvents, error) {
	if r.cfg.Storage == nil {
		return nil, ErrStorageDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	return r.cfg.Storage.GetEvents(ctx, id, limit, max(offset, 0))
}

// DeleteRun removes a finished run from history.
func (r *Runner) DeleteRun(ctx context.Context, id string) error {
	r.statusMu.RLock()
	running := r.active() && r.runID == id
	r.statusMu.RUnlock()
	if running {
		return ErrRunActive
	}

	r.historyMu.Lock()
	before := len(r.history)
	r.history = slices.DeleteFunc(r.history, func(res types.RunResult) bool { return res.ID == id })
	removed := len(r.history) < before
	r.historyMu.Unlock()

	if r.cfg.Storage == nil {
		if !removed {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil
	}
	return r.cfg.Storage.DeleteRun(ctx, id)
}

// UpdateRunMetadata renames or (un)favorites a stored run.
func (r *Runner) UpdateRunMetadata(ctx context.Context, id string, update *storage.RunMetadataUpdate) error {
	if r.cfg.Storage == nil {
		return ErrStorageDisabled
	}
	return r.cfg.Storage.UpdateRunMetadata(ctx, id, update)
}

// Ready reports whether the node under test is reachable.
func (r *Runner) Ready(ctx context.Context) error {
	if r.cfg.Probe == nil {
		return nil
	}
	if err := r.cfg.Probe(ctx); err != nil {
		return errors.Join(errors.New("node is not reachable"), err)
	}
	return nil
}

func runFromResult(res types.RunResult) storage.Run {
	completed := res.CompletedAt
	cfg := res.Config
	return storage.Run{
		ID:           res.ID,
		StartedAt:    res.StartedAt,
		CompletedAt:  &completed,
		Pattern:      cfg.Pattern,
		DurationMs:   res.DurationMs,
		Requests:     res.Requests,
		Failures:     res.Failures,
		AverageRPS:   res.AverageRPS,
		PeakUsers:    res.PeakUsers,
		Latency:      res.Latency,
		Errors:       res.Errors,
		Config:       &cfg,
		Status:       res.Status,
		ErrorMessage: res.Error,
	}
}
