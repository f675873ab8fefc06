// Package changelog maintains the node-local change feed
// that peers pull from. Every replicated write is stamped
// by the Sequencer and indexed under (timestamp, id).
package changelog

import (
	"sync"

	"github.com/i5heu/ouroboros-relay/pkg/auth"
)

// Sequencer issues strictly increasing change timestamps
// (Unix nanoseconds) and tracks writes that have been
// stamped but not yet committed. Readers only see entries
// below Horizon, so a cursor handed to a peer can never be
// overtaken by a slower commit with a smaller timestamp.
type Sequencer struct { // A
	mu       sync.Mutex
	clock    auth.Clock
	last     int64
	inflight map[int64]struct{}
}

// NewSequencer creates a Sequencer that never issues a
// timestamp at or below floor.
func NewSequencer(clock auth.Clock, floor int64) *Sequencer { // A
	if clock == nil {
		clock = auth.SystemClock()
	}
	return &Sequencer{
		clock:    clock,
		last:     floor,
		inflight: make(map[int64]struct{}),
	}
}

// Begin stamps a new write. The caller must call Done
// with the returned value once the write committed or
// failed.
func (s *Sequencer) Begin() int64 { // A
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.clock.Now().UnixNano()
	if ts <= s.last {
		ts = s.last + 1
	}
	s.last = ts
	s.inflight[ts] = struct{}{}
	return ts
}

// Done releases a stamp obtained from Begin.
func (s *Sequencer) Done(ts int64) { // A
	s.mu.Lock()
	delete(s.inflight, ts)
	s.mu.Unlock()
}

// Horizon returns the smallest timestamp that may still
// commit. Every entry strictly below it is final.
func (s *Sequencer) Horizon() int64 { // A
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.last + 1
	for ts := range s.inflight {
		if ts < h {
			h = ts
		}
	}
	return h
}

// Last returns the most recently issued timestamp.
func (s *Sequencer) Last() int64 { // A
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
