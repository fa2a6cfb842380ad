package metrics

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultMaxInFlight bounds how many broadcast transactions are tracked at once.
// Users wait for their own receipts, so more than one entry per user only
// appears when confirmations time out and are never resolved.
const DefaultMaxInFlight = 100000

type inFlightEntry struct {
	name string
	sent time.Time
}

// InFlight tracks broadcast transactions that have not reached a final state.
// Memory is bounded by a ring of insertion order; when full, the oldest entry
// is dropped.
type InFlight struct {
	mu      sync.Mutex
	entries map[common.Hash]inFlightEntry
	ring    []common.Hash
	head    int
}

// NewInFlight creates a tracker holding at most size entries.
func NewInFlight(size int) *InFlight {
	if size <= 0 {
		size = DefaultMaxInFlight
	}
	return &InFlight{
		entries: make(map[common.Hash]inFlightEntry),
		ring:    make([]common.Hash, size),
	}
}

// Add starts tracking hash, broadcast at sent by the task called name.
func (f *InFlight) Add(hash common.Hash, name string, sent time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if old := f.ring[f.head]; old != (common.Hash{}) {
		delete(f.entries, old)
	}
	f.entries[hash] = inFlightEntry{name: name, sent: sent}
	f.ring[f.head] = hash
	f.head = (f.head + 1) % len(f.ring)
}

// Done stops tracking hash and returns how long it was in flight.
func (f *InFlight) Done(hash common.Hash, at time.Time) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[hash]
	if !ok {
		return 0, false
	}
	// The ring slot is reclaimed lazily on wrap.
	delete(f.entries, hash)
	return at.Sub(e.sent), true
}

// Len returns the number of transactions in flight.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// ByName returns in-flight counts per task name.
func (f *InFlight) ByName() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]int)
	for _, e := range f.entries {
		out[e.name]++
	}
	return out
}

// OldestAge returns the age of the longest outstanding transaction at now.
func (f *InFlight) OldestAge(now time.Time) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	var oldest time.Duration
	for _, e := range f.entries {
		oldest = max(oldest, now.Sub(e.sent))
	}
	return oldest
}

// Reset drops all entries.
func (f *InFlight) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	clear(f.entries)
	clear(f.ring)
	f.head = 0
}
