package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/evmloadtest/internal/metrics"
	"github.com/gateway-fm/evmloadtest/internal/vuser"
)

type member struct {
	user   *vuser.User
	cancel context.CancelFunc
}

// population tracks the users of one run. Members count toward the target
// until retired; a user that failed to initialize stays a member so it is not
// respawned.
type population struct {
	group errgroup.Group
	sink  *runSink
	// done is closed once every user has returned.
	done chan struct{}

	mu           sync.Mutex
	members      []*member
	retired      []*member
	next         int
	initFailures int
	firstErr     error
}

func newPopulation(sink metrics.Sink) *population {
	return &population{sink: &runSink{next: sink}, done: make(chan struct{})}
}

// stopped reports whether every user of the population has returned.
func (p *population) stopped() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *population) nextID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.next
	p.next++
	return id
}

func (p *population) add(u *vuser.User, cancel context.CancelFunc) {
	p.mu.Lock()
	p.members = append(p.members, &member{user: u, cancel: cancel})
	p.mu.Unlock()
}

// retire stops the n most recently spawned members.
func (p *population) retire(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n = min(n, len(p.members))
	cut := len(p.members) - n
	for _, m := range p.members[cut:] {
		m.cancel()
	}
	p.retired = append(p.retired, p.members[cut:]...)
	p.members = p.members[:cut:cut]
}

// exited records the return value of a user's Run.
func (p *population) exited(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initFailures++
	if p.firstErr == nil {
		p.firstErr = err
	}
}

func (p *population) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// initError is non-nil once every spawned user has failed to initialize.
func (p *population) initError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next == 0 || p.initFailures < p.next {
		return nil
	}
	return fmt.Errorf("all %d users failed to initialize: %w", p.next, p.firstErr)
}

// census returns the number of running members and a count of every spawned
// user by state.
func (p *population) census() (int, map[string]int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	states := make(map[string]int)
	active := 0
	for _, m := range p.members {
		s := m.user.State()
		states[s.String()]++
		if s != vuser.StateStopped && s != vuser.StateUninitialized {
			active++
		}
	}
	for _, m := range p.retired {
		states[m.user.State().String()]++
	}
	return active, states
}

// runSink forwards the events of one run until it is closed.
type runSink struct {
	next   metrics.Sink
	closed atomic.Bool
}

func (s *runSink) close() { s.closed.Store(true) }

func (s *runSink) Fire(e metrics.Event) {
	if !s.closed.Load() {
		s.next.Fire(e)
	}
}

func (s *runSink) Skip(name, reason string) {
	if !s.closed.Load() {
		s.next.Skip(name, reason)
	}
}

func (s *runSink) Submitted(hash common.Hash, name string) {
	if !s.closed.Load() {
		s.next.Submitted(hash, name)
	}
}
