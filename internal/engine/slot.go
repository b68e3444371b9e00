package engine

import (
	"context"
	"sync"
)

// ticket is one in-flight dispatch's place in the reduce-phase order.
//
// Tickets are taken at dispatch entry and ordered by ancestor path: the
// sequence of entry indices from the dispatch's top-level root down to
// itself, compared lexicographically. Independent dispatches therefore
// reduce in issue order, while a dispatch's own subtree (nested dispatches)
// sorts immediately after it and ahead of anything issued later - which is
// what lets a handler's awaited nested dispatch reduce before its parent
// without deadlocking against unrelated dispatches in between.
type ticket struct {
	parent *ticket
	path   []int64       // entry indices, root first
	done   chan struct{} // closed when the dispatch settles
	held   bool          // true while this dispatch holds the reduce phase
	once   sync.Once
}

// before reports whether t sorts ahead of e in reduce-phase order.
func (t *ticket) before(e *ticket) bool {
	return comparePaths(t.path, e.path) < 0
}

// ancestorOf reports whether t is an ancestor of e (t's path is a proper
// prefix of e's).
func (t *ticket) ancestorOf(e *ticket) bool {
	if len(t.path) >= len(e.path) {
		return false
	}
	for i, idx := range t.path {
		if e.path[i] != idx {
			return false
		}
	}
	return true
}

func comparePaths(a, b []int64) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// reducingSlot is the single shared in-flight-reduction marker: the async
// mutex the whole engine depends on.
//
// Discipline:
//   - Enter (dispatch start): cooperatively await any active reduce phase,
//     then take a ticket. Handlers start immediately after, so handler
//     execution across dispatches overlaps freely.
//   - Acquire (reduce start): wait until every unsettled dispatch ordered
//     ahead of this one (ancestors exempt - they are waiting on us) has
//     settled, then claim exclusivity.
//   - Complete (dispatch settle): release exclusivity if held, close the
//     ticket, wake every waiter.
//
// INVARIANT: at most one dispatch is in its reduce phase at any time, and
// reduce phases of independent dispatches run in dispatch issue order.
type reducingSlot struct {
	mu       sync.Mutex
	next     int64
	inflight []*ticket
	current  chan struct{} // nil when no reduce phase is active
}

func newReducingSlot() *reducingSlot {
	return &reducingSlot{}
}

// Enter awaits any currently active reduce phase, then registers a ticket
// for the new dispatch. parent is the issuing dispatch's ticket for nested
// dispatches, nil for top-level ones.
func (s *reducingSlot) Enter(ctx context.Context, parent *ticket) (*ticket, error) {
	for {
		s.mu.Lock()
		cur := s.current
		if cur == nil {
			s.next++
			var path []int64
			if parent != nil {
				path = append(path, parent.path...)
			}
			path = append(path, s.next)

			t := &ticket{parent: parent, path: path, done: make(chan struct{})}
			s.inflight = append(s.inflight, t)
			s.mu.Unlock()
			return t, nil
		}
		s.mu.Unlock()

		select {
		case <-cur:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Acquire claims the slot for t's reduce phase. It blocks until every
// unsettled non-ancestor dispatch ordered ahead of t has settled and no
// other reduce phase is active.
func (s *reducingSlot) Acquire(ctx context.Context, t *ticket) error {
	for {
		s.mu.Lock()
		blocker := s.blockerFor(t)
		if blocker == nil && s.current == nil {
			s.current = make(chan struct{})
			t.held = true
			s.mu.Unlock()
			return nil
		}
		if blocker == nil {
			blocker = s.current
		}
		s.mu.Unlock()

		select {
		case <-blocker:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// blockerFor returns the done channel of an unsettled dispatch that must
// settle before t may reduce, or nil when t is clear. Ancestors are exempt:
// their reduce phases are themselves waiting on t's subtree.
// Caller holds the slot lock.
func (s *reducingSlot) blockerFor(t *ticket) chan struct{} {
	for _, e := range s.inflight {
		if e == t || e.ancestorOf(t) {
			continue
		}
		if e.before(t) {
			return e.done
		}
	}
	return nil
}

// Complete settles t: releases reduce-phase exclusivity when t holds it,
// removes the ticket, and wakes every waiter. Safe to call more than once,
// and required even on dispatches that never reached their reduce phase.
func (s *reducingSlot) Complete(t *ticket) {
	t.once.Do(func() {
		s.mu.Lock()
		if t.held && s.current != nil {
			close(s.current)
			s.current = nil
			t.held = false
		}
		for i, e := range s.inflight {
			if e == t {
				s.inflight = append(s.inflight[:i:i], s.inflight[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(t.done)
	})
}

// Held reports whether a reduce phase is currently active.
// Used for testing and diagnostics.
func (s *reducingSlot) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}
