// Package sequencer makes the operations of one transaction run in the order
// they were submitted, even though every operation runs on its own goroutine.
//
// Each transaction owns a barrier: a mutex, a condition variable and a
// counter of the next expected sequence number. Sequence numbers count down:
// a transaction with N operations submits them as N, N-1, ..., 1. An
// operation waits until the counter equals its number, runs holding the
// barrier mutex, and Done decrements the counter and wakes the others.
// Barriers of different transactions never order each other.
package sequencer

import (
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	ErrNoBarrier     = errors.New("no sequencing barrier for transaction")
	ErrBarrierBusy   = errors.New("sequencing barrier still has pending operations")
	ErrStaleSequence = errors.New("sequence number already passed")
)

type barrier struct {
	mu   sync.Mutex
	cond *sync.Cond
	next int64
}

// Sequencer owns the barriers of all transactions with pending operations.
type Sequencer struct {
	mu       sync.Mutex
	barriers map[uint64]*barrier
}

// New creates a sequencer with no barriers.
func New() *Sequencer {
	return &Sequencer{barriers: make(map[uint64]*barrier)}
}

// Prepare creates the barrier for tid expecting count operations. The
// barrier disappears by itself once all count operations are done.
func (s *Sequencer) Prepare(tid uint64, count int64) error {
	if count <= 0 {
		return errors.Newf("tid:%d needs a positive operation count, got %d", tid, count)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.barriers[tid]; ok {
		return errors.Wrapf(ErrBarrierBusy, "tid:%d expects seq %d", tid, b.next)
	}
	b := &barrier{next: count}
	b.cond = sync.NewCond(&b.mu)
	s.barriers[tid] = b
	return nil
}

// Pending returns the next sequence number tid expects, or 0 when tid has
// no barrier.
func (s *Sequencer) Pending(tid uint64) int64 {
	s.mu.Lock()
	b, ok := s.barriers[tid]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Turn is held by the operation currently running for a transaction.
type Turn struct {
	s   *Sequencer
	tid uint64
	b   *barrier
}

// Enter blocks until it is seq's turn for tid and returns with the
// transaction's barrier held. The caller must call Done exactly once.
func (s *Sequencer) Enter(tid uint64, seq int64) (*Turn, error) {
	s.mu.Lock()
	b, ok := s.barriers[tid]
	s.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrNoBarrier, "tid:%d seq:%d", tid, seq)
	}

	b.mu.Lock()
	for b.next != seq {
		if seq > b.next || seq <= 0 {
			next := b.next
			b.mu.Unlock()
			return nil, errors.Wrapf(ErrStaleSequence, "tid:%d seq:%d next:%d", tid, seq, next)
		}
		b.cond.Wait()
	}
	return &Turn{s: s, tid: tid, b: b}, nil
}

// Done lets the next operation of the transaction run.
func (t *Turn) Done() {
	b := t.b
	b.next--
	if b.next == 0 {
		t.s.mu.Lock()
		if t.s.barriers[t.tid] == b {
			delete(t.s.barriers, t.tid)
		}
		t.s.mu.Unlock()
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}
