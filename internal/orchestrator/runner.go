// Package orchestrator runs load tests. It spawns and retires load users to
// follow a user-count pattern, feeds their events to the metrics collector and
// keeps a history of finished runs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/evmloadtest/internal/exchange"
	"github.com/gateway-fm/evmloadtest/internal/ledger"
	"github.com/gateway-fm/evmloadtest/internal/metrics"
	"github.com/gateway-fm/evmloadtest/internal/pattern"
	"github.com/gateway-fm/evmloadtest/internal/ratelimit"
	"github.com/gateway-fm/evmloadtest/internal/storage"
	"github.com/gateway-fm/evmloadtest/internal/vuser"
	"github.com/gateway-fm/evmloadtest/internal/wallet"
	"github.com/gateway-fm/evmloadtest/pkg/types"
)

const (
	// DefaultStopTimeout bounds how long a stop waits for users to finish
	// their current iteration. A run never waits less than its iteration
	// bound, see drainTimeout.
	DefaultStopTimeout = 30 * time.Second
	// DefaultSpawnRate is the number of users started per second.
	DefaultSpawnRate = 1.0

	historyLimit  = 100
	scaleInterval = 250 * time.Millisecond
	// stopMargin covers the reads around an iteration's confirmations.
	stopMargin = 5 * time.Second
)

var (
	// ErrRunActive is returned by Start while another run is in progress.
	ErrRunActive = errors.New("a run is already in progress")
	// ErrNoActiveRun is returned by Stop when nothing is running.
	ErrNoActiveRun = errors.New("no run in progress")
	// ErrInvalidRequest wraps start request validation failures.
	ErrInvalidRequest = errors.New("invalid run request")
	// ErrStorageDisabled is returned by queries that need persistence.
	ErrStorageDisabled = errors.New("storage is disabled")
	// ErrRunNotFound is returned for unknown run IDs.
	ErrRunNotFound = storage.ErrRunNotFound
)

// Config configures a Runner.
type Config struct {
	// User is the task configuration shared by every user. Its Weights are
	// the defaults that start requests may override.
	User vuser.Config

	Ledger   ledger.Ledger
	Exchange exchange.Directory
	Wallets  wallet.Picker

	Storage    storage.Storage             // optional
	Prometheus *metrics.PrometheusMetrics // optional
	Logger     *slog.Logger

	// Defaults fill unset fields of start requests.
	Defaults types.StartRunRequest

	// Recorded with each run.
	ChainID int64
	Target  string

	MaxEvents   int
	StopTimeout time.Duration
	Seed        uint64

	// Probe checks the node is reachable; used for readiness.
	Probe func(ctx context.Context) error
}

// Runner owns at most one active run at a time.
type Runner struct {
	cfg       Config
	logger    *slog.Logger
	collector *metrics.Collector
	events    *eventLog
	sink      metrics.Sink
	patterns  *pattern.Registry

	statusMu  sync.RWMutex
	status    types.RunStatus
	runErr    string
	runID     string
	req       types.StartRunRequest
	startedAt time.Time
	endedAt   time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	pop       *population
	result    *types.RunResult

	target atomic.Int64
	peak   atomic.Int64

	historyMu sync.RWMutex
	history   []types.RunResult
}

// plan is a validated start request.
type plan struct {
	req      types.StartRunRequest
	pattern  pattern.Pattern
	pacer    vuser.Pacer
	user     vuser.Config
	duration time.Duration
}

// New creates a Runner in the idle state.
func New(cfg Config) (*Runner, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if cfg.Wallets == nil {
		return nil, errors.New("wallet pool is required")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts []metrics.CollectorOption
	if cfg.Prometheus != nil {
		opts = append(opts, metrics.WithPrometheus(cfg.Prometheus))
	}
	collector := metrics.NewCollector(opts...)
	events := newEventLog(cfg.MaxEvents)

	r := &Runner{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		events:    events,
		sink:      metrics.Tee(collector, events),
		patterns:  pattern.NewRegistry(),
		status:    types.StatusIdle,
	}
	if cfg.Prometheus != nil {
		cfg.Prometheus.SetRunStatus(string(types.StatusIdle))
	}
	return r, nil
}

// Collector exposes the live statistics of the current or last run.
func (r *Runner) Collector() *metrics.Collector {
	return r.collector
}

// Start validates req and starts a run in the background. It returns
// ErrRunActive if a run is in progress.
func (r *Runner) Start(req types.StartRunRequest) (string, error) {
	p, err := r.plan(r.normalize(req))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	r.statusMu.Lock()
	if r.active() {
		r.statusMu.Unlock()
		return "", ErrRunActive
	}
	if r.pop != nil && !r.pop.stopped() {
		prev := r.runID
		r.statusMu.Unlock()
		return "", fmt.Errorf("%w: users of run %s are still finishing", ErrRunActive, prev)
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if p.duration > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), p.duration)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	id := uuid.NewString()
	r.status = types.StatusStarting
	r.runErr = ""
	r.runID = id
	r.req = p.req
	r.startedAt = time.Now()
	r.endedAt = time.Time{}
	r.cancel = cancel
	r.done = make(chan struct{})
	r.pop = newPopulation(r.sink)
	r.result = nil
	pop, done, startedAt := r.pop, r.done, r.startedAt
	r.statusMu.Unlock()

	r.target.Store(0)
	r.peak.Store(0)
	r.collector.Reset()
	r.events.reset(id)
	r.setPromStatus(types.StatusStarting)

	if r.cfg.Storage != nil {
		run := &storage.Run{
			ID:         id,
			StartedAt:  startedAt,
			Pattern:    p.req.Pattern,
			DurationMs: p.duration.Milliseconds(),
			Config:     &p.req,
			Status:     types.StatusStarting,
			ChainID:    r.cfg.ChainID,
			Target:     r.cfg.Target,
		}
		if err := r.cfg.Storage.CreateRun(context.Background(), run); err != nil {
			r.logger.Warn("failed to persist run start", slog.String("runId", id), slog.String("error", err.Error()))
		}
	}

	r.logger.Info("run starting",
		slog.String("runId", id),
		slog.String("pattern", string(p.req.Pattern)),
		slog.Int("peakUsers", p.pattern.Peak()),
		slog.Float64("spawnRate", p.req.SpawnRate),
		slog.Duration("duration", p.duration),
		slog.String("wait", string(p.req.WaitStrategy)),
	)

	go r.run(ctx, cancel, p, pop, done)
	return id, nil
}

// Stop ends the active run and waits until its result is recorded.
func (r *Runner) Stop() error {
	r.statusMu.Lock()
	if !r.active() {
		r.statusMu.Unlock()
		return ErrNoActiveRun
	}
	if r.status != types.StatusStopping {
		r.status = types.StatusStopping
		r.setPromStatus(types.StatusStopping)
	}
	cancel, done := r.cancel, r.done
	r.statusMu.Unlock()

	r.logger.Info("stopping run")
	cancel()
	<-done
	return nil
}

// Wait blocks until the current run finishes or ctx is done and returns the
// result of the last finished run.
func (r *Runner) Wait(ctx context.Context) (*types.RunResult, error) {
	r.statusMu.RLock()
	done := r.done
	r.statusMu.RUnlock()
	if done == nil {
		return nil, ErrNoActiveRun
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.result, nil
}

// active reports whether a run is in progress. Callers hold statusMu.
func (r *Runner) active() bool {
	switch r.status {
	case types.StatusStarting, types.StatusRunning, types.StatusStopping:
		return true
	}
	return false
}

// normalize fills unset request fields from the configured defaults.
func (r *Runner) normalize(req types.StartRunRequest) types.StartRunRequest {
	d := r.cfg.Defaults
	if req.Pattern == "" {
		req.Pattern = d.Pattern
	}
	if req.Pattern == "" {
		req.Pattern = types.PatternConstant
	}
	if req.DurationSec == 0 {
		req.DurationSec = d.DurationSec
	}
	if req.SpawnRate <= 0 {
		req.SpawnRate = d.SpawnRate
	}
	if req.SpawnRate <= 0 {
		req.SpawnRate = DefaultSpawnRate
	}
	if req.Users == 0 && req.Pattern == types.PatternConstant {
		req.Users = d.Users
	}
	if req.WaitStrategy == "" {
		req.WaitStrategy = d.WaitStrategy
	}
	if req.WaitStrategy == "" {
		req.WaitStrategy = types.WaitBetween
	}
	if req.WaitMinMs == 0 && req.WaitMaxMs == 0 {
		req.WaitMinMs, req.WaitMaxMs = d.WaitMinMs, d.WaitMaxMs
		if req.WaitMinMs == 0 && req.WaitMaxMs == 0 && req.WaitStrategy == types.WaitBetween {
			req.WaitMinMs = int(DefaultWaitMin / time.Millisecond)
			req.WaitMaxMs = int(DefaultWaitMax / time.Millisecond)
		}
	}
	if req.TransferWeight == nil {
		req.TransferWeight = d.TransferWeight
	}
	if req.SwapWeight == nil {
		req.SwapWeight = d.SwapWeight
	}
	return req
}

// plan validates a normalized request against the runner's configuration.
func (r *Runner) plan(req types.StartRunRequest) (*plan, error) {
	if req.DurationSec < 0 {
		return nil, fmt.Errorf("duration must not be negative, got %ds", req.DurationSec)
	}
	duration := time.Duration(req.DurationSec) * time.Second

	pat, err := r.patterns.Get(req.Pattern, pattern.Config{
		Duration:      duration,
		Users:         req.Users,
		RampStart:     req.RampStart,
		RampEnd:       req.RampEnd,
		RampSteps:     req.RampSteps,
		BaselineUsers: req.BaselineUsers,
		SpikeUsers:    req.SpikeUsers,
		SpikeDuration: time.Duration(req.SpikeDuration) * time.Second,
		SpikeInterval: time.Duration(req.SpikeInterval) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	pacer, err := NewPacer(req.WaitStrategy,
		time.Duration(req.WaitMinMs)*time.Millisecond,
		time.Duration(req.WaitMaxMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}

	userCfg := r.cfg.User
	if userCfg.Weights == (vuser.Weights{}) {
		userCfg.Weights = vuser.Weights{Transfer: vuser.DefaultTransferWeight, Swap: vuser.DefaultSwapWeight}
	}
	if req.TransferWeight != nil {
		userCfg.Weights.Transfer = *req.TransferWeight
	}
	if req.SwapWeight != nil {
		userCfg.Weights.Swap = *req.SwapWeight
	}
	if userCfg.Weights.Swap > 0 && r.cfg.Exchange == nil {
		return nil, errors.New("swap task needs an exchange directory")
	}
	if err := userCfg.WithDefaults().Validate(); err != nil {
		return nil, err
	}
	req.TransferWeight = &userCfg.Weights.Transfer
	req.SwapWeight = &userCfg.Weights.Swap

	return &plan{
		req:      req,
		pattern:  pat,
		pacer:    pacer,
		user:     userCfg,
		duration: duration,
	}, nil
}

// run drives one run from spawn to result. It owns pop.
func (r *Runner) run(ctx context.Context, cancel context.CancelFunc, p *plan, pop *population, done chan struct{}) {
	defer close(done)
	defer cancel()

	var runErr error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				runErr = fmt.Errorf("run panicked: %v", rec)
			}
		}()
		runErr = r.drive(ctx, p, pop)
	}()

	r.statusMu.Lock()
	r.status = types.StatusStopping
	r.statusMu.Unlock()
	r.setPromStatus(types.StatusStopping)

	cancel()
	r.drain(pop, r.drainTimeout(p))
	// Users still running past the drain report nothing more; their
	// events would otherwise land in the next run.
	pop.sink.close()
	if runErr == nil {
		runErr = pop.initError()
	}
	r.finish(p, runErr)
}

// drive keeps the population at the pattern's target until ctx is done.
func (r *Runner) drive(ctx context.Context, p *plan, pop *population) error {
	limiter := ratelimit.New(p.req.SpawnRate)
	ticker := time.NewTicker(scaleInterval)
	defer ticker.Stop()

	for {
		if err := r.scale(ctx, p, pop, limiter); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.markRunning(pop)
		if err := pop.initError(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// scale spawns users at the spawn rate until the population reaches the
// current target, or retires the newest users above it.
func (r *Runner) scale(ctx context.Context, p *plan, pop *population, limiter *ratelimit.Limiter) error {
	for {
		target := p.pattern.Users(r.elapsed())
		r.target.Store(int64(target))
		size := pop.size()
		r.observeUsers(pop)

		switch {
		case size > target:
			pop.retire(size - target)
			return nil
		case size == target:
			return nil
		}

		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := r.spawn(ctx, p, pop); err != nil {
			return err
		}
		if n := int64(pop.size()); n > r.peak.Load() {
			r.peak.Store(n)
		}
	}
}

func (r *Runner) spawn(ctx context.Context, p *plan, pop *population) error {
	id := pop.nextID()
	u, err := vuser.New(id, p.user, vuser.Deps{
		Ledger:   r.cfg.Ledger,
		Exchange: r.cfg.Exchange,
		Wallets:  r.cfg.Wallets,
		Sink:     pop.sink,
		Logger:   r.logger,
		Seed:     r.cfg.Seed,
	})
	if err != nil {
		return err
	}

	uctx, cancel := context.WithCancel(ctx)
	pop.add(u, cancel)
	pop.group.Go(func() error {
		defer cancel()
		err := u.Run(uctx, p.pacer)
		pop.exited(err)
		if err != nil {
			r.logger.Error("user stopped at init", slog.Int("user", id), slog.String("error", err.Error()))
		}
		return err
	})
	return nil
}

// drainTimeout is how long a stop waits for users. An iteration can wait on
// two confirmations, an approval and its swap, so the wait is never shorter
// than that.
func (r *Runner) drainTimeout(p *plan) time.Duration {
	confirm := p.user.WithDefaults().ConfirmTimeout
	return max(r.cfg.StopTimeout, 2*confirm+stopMargin)
}

// drain waits up to timeout for users to finish their current iteration.
func (r *Runner) drain(pop *population, timeout time.Duration) {
	go func() {
		_ = pop.group.Wait()
		close(pop.done)
	}()

	select {
	case <-pop.done:
		r.logger.Info("all users stopped")
	case <-time.After(timeout):
		r.logger.Warn("stop timeout, some users are still finishing an iteration",
			slog.Duration("timeout", timeout))
	}
}

func (r *Runner) markRunning(pop *population) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if r.status == types.StatusStarting && pop.size() > 0 {
		r.status = types.StatusRunning
		r.setPromStatus(types.StatusRunning)
		r.logger.Info("run is running", slog.String("runId", r.runID), slog.Int("users", pop.size()))
	}
}

func (r *Runner) elapsed() time.Duration {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	if !r.endedAt.IsZero() {
		return r.endedAt.Sub(r.startedAt)
	}
	return time.Since(r.startedAt)
}

func (r *Runner) observeUsers(pop *population) {
	if r.cfg.Prometheus == nil {
		return
	}
	active, _ := pop.census()
	r.cfg.Prometheus.SetUsers(active, int(r.target.Load()))
}

func (r *Runner) setPromStatus(status types.RunStatus) {
	if r.cfg.Prometheus != nil {
		r.cfg.Prometheus.SetRunStatus(string(status))
	}
}

// finish records the result of the run in history and storage.
func (r *Runner) finish(p *plan, runErr error) {
	snap := r.collector.Snapshot()
	completedAt := time.Now()

	r.statusMu.Lock()
	r.endedAt = completedAt
	startedAt, id := r.startedAt, r.runID
	r.statusMu.Unlock()

	status := types.StatusCompleted
	var errMsg string
	if runErr != nil {
		status = types.StatusError
		errMsg = runErr.Error()
	}

	elapsed := completedAt.Sub(startedAt)
	var avgRPS float64
	if elapsed > 0 {
		avgRPS = float64(snap.Total.Requests) / elapsed.Seconds()
	}

	result := types.RunResult{
		ID:          id,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Status:      status,
		Error:       errMsg,
		DurationMs:  elapsed.Milliseconds(),
		Requests:    snap.Total.Requests,
		Failures:    snap.Total.Failures,
		AverageRPS:  avgRPS,
		PeakUsers:   int(r.peak.Load()),
		Latency:     snap.Total.Latency,
		Tasks:       snap.Tasks,
		Errors:      snap.Errors,
		Config:      p.req,
	}

	r.historyMu.Lock()
	r.history = append(r.history, result)
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
	r.historyMu.Unlock()

	if r.cfg.Storage != nil {
		r.persist(result, snap)
	}

	r.statusMu.Lock()
	r.status = status
	r.runErr = errMsg
	r.result = &result
	r.statusMu.Unlock()
	r.setPromStatus(status)
	if r.cfg.Prometheus != nil {
		r.cfg.Prometheus.SetUsers(0, 0)
	}

	attrs := []any{
		slog.String("runId", id),
		slog.String("status", string(status)),
		slog.Duration("elapsed", elapsed),
		slog.Uint64("requests", result.Requests),
		slog.Uint64("failures", result.Failures),
		slog.Float64("avgRps", avgRPS),
	}
	if runErr != nil {
		r.logger.Error("run failed", append(attrs, slog.String("error", errMsg))...)
		return
	}
	r.logger.Info("run completed", attrs...)
}

// persist writes the final run, its task stats and its event log.
func (r *Runner) persist(result types.RunResult, snap metrics.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var skips uint64
	for _, s := range snap.Skips {
		skips += s.Count
	}
	completedAt := result.CompletedAt
	cfg := result.Config
	run := &storage.Run{
		ID:           result.ID,
		StartedAt:    result.StartedAt,
		CompletedAt:  &completedAt,
		Pattern:      cfg.Pattern,
		DurationMs:   result.DurationMs,
		Requests:     result.Requests,
		Failures:     result.Failures,
		Skips:        skips,
		AverageRPS:   result.AverageRPS,
		PeakUsers:    result.PeakUsers,
		Latency:      result.Latency,
		Errors:       result.Errors,
		Config:       &cfg,
		Status:       result.Status,
		ErrorMessage: result.Error,
		ChainID:      r.cfg.ChainID,
		Target:       r.cfg.Target,
	}
	logErr := func(what string, err error) {
		r.logger.Warn("failed to persist "+what, slog.String("runId", result.ID), slog.String("error", err.Error()))
	}

	if err := r.cfg.Storage.CompleteRun(ctx, run); err != nil {
		logErr("run", err)
		return
	}

	rows := make([]storage.TaskStatsRow, len(snap.Tasks))
	for i, t := range snap.Tasks {
		rows[i] = storage.TaskStatsRow{
			Category:        t.Category,
			Name:            t.Name,
			Requests:        t.Requests,
			Failures:        t.Failures,
			AvgResponseSize: t.AvgResponseSize,
			Latency:         t.Latency,
		}
	}
	if err := r.cfg.Storage.SaveTaskStats(ctx, result.ID, rows); err != nil {
		logErr("task stats", err)
	}

	events, dropped := r.events.drain()
	if dropped > 0 {
		r.logger.Warn("event log was full; oldest events kept",
			slog.String("runId", result.ID), slog.Uint64("dropped", dropped))
	}
	if err := r.cfg.Storage.BulkInsertEvents(ctx, result.ID, events); err != nil {
		logErr("events", err)
	}
}
