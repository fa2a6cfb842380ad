package wallet

import (
	"sync"
	"sync/atomic"
)

// NonceSequence hands out consecutive nonces for one sender.
type NonceSequence struct {
	mu   sync.Mutex
	next uint64
}

// NewNonceSequence starts a sequence at next, usually the pending nonce from the node.
func NewNonceSequence(next uint64) *NonceSequence {
	return &NonceSequence{next: next}
}

// Nonce represents a reserved nonce that must be committed or rolled back.
// Use defer n.Rollback() immediately after reserving to ensure cleanup.
type Nonce struct {
	value     uint64
	seq       *NonceSequence
	committed atomic.Bool
}

// Value returns the nonce value.
func (n *Nonce) Value() uint64 {
	return n.value
}

// Commit marks the nonce as used. Idempotent.
func (n *Nonce) Commit() {
	n.committed.Store(true)
}

// Rollback returns the nonce to the sequence if it was not committed. Idempotent.
func (n *Nonce) Rollback() {
	if n.committed.Swap(true) {
		return
	}
	n.seq.rollback(n.value)
}

// Reserve reserves the next nonce. The returned Nonce must be committed or rolled back.
func (s *NonceSequence) Reserve() *Nonce {
	s.mu.Lock()
	nonce := s.next
	s.next++
	s.mu.Unlock()

	return &Nonce{value: nonce, seq: s}
}

// Peek returns the next nonce without reserving it.
func (s *NonceSequence) Peek() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Resync moves the sequence forward to nonce if the chain is ahead. Never goes backwards.
func (s *NonceSequence) Resync(nonce uint64) {
	s.mu.Lock()
	if nonce > s.next {
		s.next = nonce
	}
	s.mu.Unlock()
}

// rollback only undoes the most recent reservation.
func (s *NonceSequence) rollback(nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == nonce+1 {
		s.next = nonce
	}
}
