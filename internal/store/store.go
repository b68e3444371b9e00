package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/flux/internal/state"
)

// Dispatcher re-enters the engine's dispatch routine from inside a handler.
// Nested dispatches issued through it share the outer dispatch's trace tree
// and reducing-slot discipline. It returns once the nested dispatch has
// fully settled, including its reduce phase; a non-nil error is the nested
// dispatch's failure, which the handler may propagate or absorb.
type Dispatcher func(ctx context.Context, event string, payload ...any) error

// Handler runs the side effects for one dispatched event. It may perform
// asynchronous work, issue nested dispatches through dispatch, and
// optionally produce a reducer via its Result.
type Handler func(ctx context.Context, dispatch Dispatcher, payload ...any) (Result, error)

// Selector derives a value from a store's current state.
type Selector func(st map[string]any, args ...any) any

// registration is one slot in a store's ordered handler collection.
// Unregistration empties the slot in place so indices are never reused.
type registration struct {
	handler Handler
	removed bool
}

// Store owns one namespace's state, selectors, and handler registrations.
//
// Thread-safety: all methods are safe for concurrent use. State itself lives
// in the shared state table; the store only adds namespace scoping on top.
type Store struct {
	namespace string
	states    *state.Manager

	mu        sync.Mutex
	selectors map[string]Selector
	handlers  map[string][]*registration
}

// New creates a store for namespace and writes initialState into the shared
// state table under the namespace key. The namespace must contain neither
// "." nor "/".
func New(states *state.Manager, namespace string, initialState map[string]any) (*Store, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	s := &Store{
		namespace: namespace,
		states:    states,
		selectors: make(map[string]Selector),
		handlers:  make(map[string][]*registration),
	}

	if initialState == nil {
		initialState = map[string]any{}
	}
	states.Set(namespace, initialState)

	return s, nil
}

// Namespace returns the store's unique string identifier.
func (s *Store) Namespace() string {
	return s.namespace
}

// AddSelector registers (or overwrites) a named accessor for the store's
// state. The property must contain no ".".
func (s *Store) AddSelector(property string, fn Selector) error {
	if err := ValidateProperty(property); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectors[property] = fn
	return nil
}

// Register appends handler to the ordered collection for event and returns a
// capability that removes exactly this registration. Calling the capability
// twice is a no-op. The event must be namespace/event shaped.
func (s *Store) Register(event string, handler Handler) (func(), error) {
	if _, _, err := ParseEvent(event); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, NewConfigurationError("handler must not be nil", event)
	}

	s.mu.Lock()
	reg := &registration{handler: handler}
	s.handlers[event] = append(s.handlers[event], reg)
	s.mu.Unlock()

	var once sync.Once
	unregister := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			reg.removed = true
			reg.handler = nil
		})
	}
	return unregister, nil
}

// Pending is one in-flight handler invocation paired with its owning store.
// The engine collects pendings from every store, awaits them all, and then
// applies the reducers they produced in store-registration order.
type Pending struct {
	Store *Store

	done   chan struct{}
	result Result
	err    error
}

// Wait blocks until the handler settles and returns its result.
func (p *Pending) Wait() (Result, error) {
	<-p.done
	return p.result, p.err
}

// StartHandlers invokes every handler currently registered for event,
// each on its own goroutine, and returns one Pending per started handler.
//
// The handler collection is snapshotted at call time: handlers registered
// mid-dispatch do not run for this call. Handler panics are recovered into
// errors so one panicking handler cannot take down the dispatch loop.
func (s *Store) StartHandlers(ctx context.Context, dispatch Dispatcher, event string, payload ...any) []*Pending {
	// Snapshot the handler funcs while still holding the lock: removed and
	// handler are guarded by mu and unregister nils the handler out.
	s.mu.Lock()
	snapshot := make([]Handler, 0, len(s.handlers[event]))
	for _, reg := range s.handlers[event] {
		if !reg.removed {
			snapshot = append(snapshot, reg.handler)
		}
	}
	s.mu.Unlock()

	var pendings []*Pending
	for _, handler := range snapshot {
		handler := handler
		p := &Pending{Store: s, done: make(chan struct{})}
		pendings = append(pendings, p)

		go func() {
			defer close(p.done)
			defer func() {
				if r := recover(); r != nil {
					p.err = fmt.Errorf("handler panic for %s: %v", event, r)
				}
			}()
			p.result, p.err = handler(ctx, dispatch, payload...)
		}()
	}

	return pendings
}

// Reduce reads the store's current state, applies fn, and writes the result
// back through the shared state table's equality gate. Reports whether the
// state actually changed, alongside the old and new snapshots.
//
// The read-modify-write does not suspend; system-wide serialization of
// reductions is the engine's reducing-slot responsibility, not the store's.
func (s *Store) Reduce(fn Reducer) (changed bool, oldState, newState map[string]any, err error) {
	oldState = s.currentState()

	newState, err = fn(oldState)
	if err != nil {
		return false, oldState, nil, fmt.Errorf("reduce %s: %w", s.namespace, err)
	}

	changed = s.states.Set(s.namespace, newState)
	return changed, oldState, newState, nil
}

// SelectState reads from the store's state. If property names a registered
// selector, the selector is applied to the current state with args. Otherwise
// a non-empty property reads that key from state (nil when absent), and an
// empty property returns the whole state.
func (s *Store) SelectState(property string, args ...any) any {
	return s.selectValue(s.currentState(), property, args...)
}

// WatchState behaves like SelectState and additionally re-invokes fn with the
// freshly selected value on every subsequent state change, until the returned
// capability is called.
func (s *Store) WatchState(fn func(value any), property string, args ...any) (any, func()) {
	_, unsubscribe := s.states.SubscribeAndGet(s.namespace, func(v any) {
		st, _ := v.(map[string]any)
		fn(s.selectValue(st, property, args...))
	})
	return s.selectValue(s.currentState(), property, args...), unsubscribe
}

func (s *Store) currentState() map[string]any {
	st, _ := s.states.Get(s.namespace).(map[string]any)
	return st
}

func (s *Store) selectValue(st map[string]any, property string, args ...any) any {
	s.mu.Lock()
	selector, ok := s.selectors[property]
	s.mu.Unlock()

	if ok {
		return selector(st, args...)
	}
	if property != "" {
		return st[property]
	}
	return st
}
