package metrics

import (
	"cmp"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/evmloadtest/internal/ledger"
	"github.com/gateway-fm/evmloadtest/pkg/types"
)

// CategoryBlockchain is the category of every chain transaction event.
const CategoryBlockchain = "Blockchain"

// TotalName is the name of the aggregated row in snapshots.
const TotalName = "Aggregated"

// Event is one task outcome.
type Event struct {
	Category     string
	Name         string
	User         int
	Time         time.Time     // when the task finished
	ResponseTime time.Duration // task start to confirmation or failure point
	ResponseSize int           // receipt length, 0 on failure
	TxHash       common.Hash   // zero when nothing was broadcast
	Err          error
}

// Sink receives task outcomes from load users. Implementations must be safe
// for concurrent use.
type Sink interface {
	// Fire reports a finished task.
	Fire(e Event)
	// Skip reports an iteration that ended before anything was submitted.
	Skip(name, reason string)
	// Submitted reports a broadcast transaction now awaiting its receipt.
	Submitted(hash common.Hash, name string)
}

// Tee fans every call out to each sink in order.
func Tee(sinks ...Sink) Sink {
	return tee(slices.DeleteFunc(slices.Clone(sinks), func(s Sink) bool { return s == nil }))
}

type tee []Sink

func (t tee) Fire(e Event) {
	for _, s := range t {
		s.Fire(e)
	}
}

func (t tee) Skip(name, reason string) {
	for _, s := range t {
		s.Skip(name, reason)
	}
}

func (t tee) Submitted(hash common.Hash, name string) {
	for _, s := range t {
		s.Submitted(hash, name)
	}
}

// Snapshot is a point-in-time copy of the collector's statistics.
type Snapshot struct {
	Total    types.TaskStats
	Tasks    []types.TaskStats
	Errors   []types.ErrorStat
	Skips    []types.SkipStat
	InFlight int
	// InFlightByTask counts outstanding transactions per task name.
	InFlightByTask map[string]int
	// OldestInFlight is how long the oldest outstanding transaction has waited.
	OldestInFlight time.Duration
}

type taskKey struct {
	category string
	name     string
}

type errorKey struct {
	name    string
	class   string
	message string
}

type skipKey struct {
	name   string
	reason string
}

type taskStats struct {
	requests uint64
	failures uint64
	sizeSum  uint64
	latency  *StreamingLatencyStats
	rate     rateWindow
}

func newTaskStats() *taskStats {
	return &taskStats{latency: NewStreamingLatencyStats()}
}

func (s *taskStats) add(e Event) {
	s.requests++
	if e.Err != nil {
		s.failures++
	}
	s.sizeSum += uint64(max(e.ResponseSize, 0))
	s.latency.Add(float64(e.ResponseTime.Microseconds()) / 1000)
	s.rate.add(e.Time)
}

func (s *taskStats) view(k taskKey, now time.Time) types.TaskStats {
	out := types.TaskStats{
		Category:   k.category,
		Name:       k.name,
		Requests:   s.requests,
		Failures:   s.failures,
		CurrentRPS: s.rate.perSecond(now),
		Latency:    s.latency.GetStats(),
	}
	if s.requests > 0 {
		out.FailureRatio = float64(s.failures) / float64(s.requests)
		out.AvgResponseSize = float64(s.sizeSum) / float64(s.requests)
	}
	return out
}

// Collector aggregates events per task, in the style of a load framework's
// statistics table. It implements Sink.
type Collector struct {
	mu     sync.Mutex
	tasks  map[taskKey]*taskStats
	total  *taskStats
	errors map[errorKey]uint64
	skips  map[skipKey]uint64

	inflight *InFlight
	prom     *PrometheusMetrics
	now      func() time.Time
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithPrometheus mirrors every event into m.
func WithPrometheus(m *PrometheusMetrics) CollectorOption {
	return func(c *Collector) { c.prom = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = now }
}

// NewCollector creates an empty collector.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		tasks:    make(map[taskKey]*taskStats),
		total:    newTaskStats(),
		errors:   make(map[errorKey]uint64),
		skips:    make(map[skipKey]uint64),
		inflight: NewInFlight(DefaultMaxInFlight),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fire implements Sink.
func (c *Collector) Fire(e Event) {
	if e.Time.IsZero() {
		e.Time = c.now()
	}
	if e.Category == "" {
		e.Category = CategoryBlockchain
	}
	if e.TxHash != (common.Hash{}) {
		c.inflight.Done(e.TxHash, e.Time)
	}
	class := ledger.Classify(e.Err)

	c.mu.Lock()
	k := taskKey{e.Category, e.Name}
	s, ok := c.tasks[k]
	if !ok {
		s = newTaskStats()
		c.tasks[k] = s
	}
	s.add(e)
	c.total.add(e)
	if e.Err != nil {
		c.errors[errorKey{e.Name, class, normalizeError(e.Err)}]++
	}
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.observeEvent(e, class)
		c.prom.InFlightTxs.Set(float64(c.inflight.Len()))
	}
}

// Skip implements Sink.
func (c *Collector) Skip(name, reason string) {
	c.mu.Lock()
	c.skips[skipKey{name, reason}]++
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.SkipsTotal.WithLabelValues(name, reason).Inc()
	}
}

// Submitted implements Sink.
func (c *Collector) Submitted(hash common.Hash, name string) {
	c.inflight.Add(hash, name, c.now())
	if c.prom != nil {
		c.prom.InFlightTxs.Set(float64(c.inflight.Len()))
	}
}

// Snapshot returns the current statistics with tasks sorted by category and name.
func (c *Collector) Snapshot() Snapshot {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Total:    c.total.view(taskKey{"", TotalName}, now),
		Tasks:    make([]types.TaskStats, 0, len(c.tasks)),
		InFlight: c.inflight.Len(),
	}
	if snap.InFlight > 0 {
		snap.InFlightByTask = c.inflight.ByName()
		snap.OldestInFlight = c.inflight.OldestAge(now)
	}
	for k, s := range c.tasks {
		snap.Tasks = append(snap.Tasks, s.view(k, now))
	}
	slices.SortFunc(snap.Tasks, func(a, b types.TaskStats) int {
		return cmp.Or(cmp.Compare(a.Category, b.Category), cmp.Compare(a.Name, b.Name))
	})

	for k, n := range c.errors {
		snap.Errors = append(snap.Errors, types.ErrorStat{Name: k.name, Class: k.class, Message: k.message, Count: n})
	}
	slices.SortFunc(snap.Errors, func(a, b types.ErrorStat) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.Name, b.Name), cmp.Compare(a.Message, b.Message))
	})

	for k, n := range c.skips {
		snap.Skips = append(snap.Skips, types.SkipStat{Name: k.name, Reason: k.reason, Count: n})
	}
	slices.SortFunc(snap.Skips, func(a, b types.SkipStat) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.Reason, b.Reason))
	})
	return snap
}

// Reset clears all statistics for a new run.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.tasks = make(map[taskKey]*taskStats)
	c.total = newTaskStats()
	c.errors = make(map[errorKey]uint64)
	c.skips = make(map[skipKey]uint64)
	c.mu.Unlock()

	c.inflight.Reset()
	if c.prom != nil {
		c.prom.Reset()
	}
}

var hexRun = regexp.MustCompile(`0x[0-9a-fA-F]{8,}`)

const maxErrorMessage = 200

// normalizeError strips hashes and addresses so identical failures group together.
func normalizeError(err error) string {
	msg := hexRun.ReplaceAllString(err.Error(), "0x?")
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	return msg
}

// rateWindowSeconds is the span over which CurrentRPS is averaged.
const rateWindowSeconds = 10

// rateWindow counts events per wall-clock second over a short sliding window.
type rateWindow struct {
	secs   [rateWindowSeconds]int64
	counts [rateWindowSeconds]uint64
	first  int64
}

func (w *rateWindow) add(t time.Time) {
	sec := t.Unix()
	if w.first == 0 || sec < w.first {
		w.first = sec
	}
	i := sec % rateWindowSeconds
	if w.secs[i] != sec {
		w.secs[i] = sec
		w.counts[i] = 0
	}
	w.counts[i]++
}

func (w *rateWindow) perSecond(now time.Time) float64 {
	if w.first == 0 {
		return 0
	}
	sec := now.Unix()
	var n uint64
	for i, s := range w.secs {
		if s > sec-rateWindowSeconds && s <= sec {
			n += w.counts[i]
		}
	}
	span := min(rateWindowSeconds, sec-w.first+1)
	if span <= 0 {
		return 0
	}
	return float64(n) / float64(span)
}
