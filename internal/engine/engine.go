package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/roach88/flux/internal/journal"
	"github.com/roach88/flux/internal/state"
	"github.com/roach88/flux/internal/store"
	"github.com/roach88/flux/internal/trace"
)

// ErrorEvent is the reserved event rebroadcast on every uncaught handler or
// reducer failure. Its payload is (failedEventName, error, ...originalPayload).
const ErrorEvent = "flux/error"

// Status is the per-event dispatch status record, keyed by fully-qualified
// event name in the shared state table.
type Status struct {
	// Dispatching is true from dispatch start until all handlers have
	// settled and all yielded reducers have been applied (or an error
	// aborted the dispatch).
	Dispatching bool

	// Dispatched is the transient companion flag: true only while the
	// dispatch that most recently wrote the status is still in flight.
	Dispatched bool

	// Err is reset at the start of every dispatch of the event and set only
	// when that specific dispatch fails.
	Err error

	// Payload holds the arguments of the most recent dispatch call for the
	// event, regardless of completion order of earlier dispatches.
	Payload []any

	// Count increases once per dispatch call. Never reset.
	Count int
}

// storeEntry pins a store to its registration slot. Re-adding a namespace
// replaces the store in place, keeping its position in iteration order.
type storeEntry struct {
	namespace string
	store     *store.Store
}

// Engine is the dispatch orchestrator. It owns the runtime's context object:
// the shared state table, the store table, options, the reducing slot, the
// trace logger, and the optional journal. Construct one engine per process
// (or per test, for isolation).
type Engine struct {
	states   *state.Manager
	logger   *trace.Logger
	slot     *reducingSlot
	clock    *Clock
	tokens   TokenGenerator
	journal  *journal.Journal
	traceOut io.Writer
	traceNow func() time.Time

	mu       sync.Mutex
	stores   []*storeEntry
	opts     Options
	statusMu sync.Mutex
}

// New creates an engine with the given options.
func New(opts ...EngineOption) *Engine {
	e := &Engine{
		states:   state.NewManager(),
		slot:     newReducingSlot(),
		clock:    NewClock(),
		tokens:   UUIDv7Generator{},
		traceOut: os.Stderr,
		traceNow: time.Now,
		opts:     defaultOptions(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = trace.New(e.traceOut, trace.WithNow(e.traceNow))
	return e
}

// States exposes the shared state table, the hook for reactive bindings
// built outside the engine.
func (e *Engine) States() *state.Manager {
	return e.states
}

// AddStore creates a store for namespace with initialState and registers it
// with the engine. Re-adding an existing namespace replaces the previous
// instance and rebinds the namespace's state entry; in-flight handler
// registrations on the stale instance become orphaned. This supports
// live-reload re-registration.
func (e *Engine) AddStore(namespace string, initialState map[string]any) (*store.Store, error) {
	s, err := store.New(e.states, namespace, initialState)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, entry := range e.stores {
		if entry.namespace == namespace {
			entry.store = s
			return s, nil
		}
	}
	e.stores = append(e.stores, &storeEntry{namespace: namespace, store: s})
	return s, nil
}

// Store returns the registered store for namespace.
func (e *Engine) Store(namespace string) (*store.Store, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.stores {
		if entry.namespace == namespace {
			return entry.store, true
		}
	}
	return nil, false
}

// Dispatch runs the full dispatch protocol for event and resolves with the
// event's final status snapshot.
//
// The returned error is reserved for synchronous validation failures (a
// malformed event name) and context cancellation while queued. Handler and
// reducer failures never surface there: the dispatch still resolves, the
// failure lands in Status.Err, and the reserved "flux/error" event
// rebroadcasts it. Callers inspect Status.Err, exactly like UI bindings do.
func (e *Engine) Dispatch(ctx context.Context, event string, payload ...any) (Status, error) {
	return e.dispatch(ctx, nil, nil, "", event, payload...)
}

// dispatch is the re-entrant entry point shared by external callers and the
// handler-facing dispatch callbacks. parent carries the enclosing trace node
// and reduce ticket for nested dispatches.
func (e *Engine) dispatch(ctx context.Context, parentNode *trace.Node, parentTicket *ticket, parentToken, event string, payload ...any) (Status, error) {
	eventNS, _, err := store.ParseEvent(event)
	if err != nil {
		return Status{}, err
	}

	// Cooperative queueing: piggyback on any active reduce phase before
	// starting handlers, then take this dispatch's place in reduce order.
	tick, err := e.slot.Enter(ctx, parentTicket)
	if err != nil {
		return Status{}, err
	}
	defer e.slot.Complete(tick)

	token := e.tokens.Generate()

	st := e.updateStatus(event, func(s *Status) {
		s.Dispatching = true
		s.Dispatched = true
		s.Err = nil
		s.Payload = payload
		s.Count++
	})
	e.record(token, parentToken, event, payload, journal.PhaseDispatching, nil)

	slog.Debug("dispatch started",
		"event", event,
		"token", token,
		"count", st.Count,
	)

	var node *trace.Node
	opts := e.Option()
	if opts.DisplayLogs {
		node = e.logger.Open(parentNode, event, opts.LongDispatchTimeout, payload...)
	}

	// Unlike external Dispatch, the handler-facing callback surfaces the
	// nested dispatch's settle failure: a handler that awaits a nested
	// dispatch sees its error and decides whether to propagate it.
	dispatchFn := func(ctx context.Context, nested string, nestedPayload ...any) error {
		st, derr := e.dispatch(ctx, node, tick, token, nested, nestedPayload...)
		if derr != nil {
			return derr
		}
		return st.Err
	}

	// Fan out to every store's matching handlers. Pendings start eagerly and
	// run concurrently; iteration order is store-registration order.
	e.mu.Lock()
	entries := make([]*storeEntry, len(e.stores))
	copy(entries, e.stores)
	e.mu.Unlock()

	var pendings []*store.Pending
	for _, entry := range entries {
		pendings = append(pendings, entry.store.StartHandlers(ctx, dispatchFn, event, payload...)...)
	}

	// Await every pending. A failure cancels nothing - later handlers run to
	// completion - but the first failure wins and blocks the reduce phase.
	type settled struct {
		result store.Result
		owner  *store.Store
	}
	results := make([]settled, 0, len(pendings))
	var handlerErr error
	var failedNS string
	for _, p := range pendings {
		result, herr := p.Wait()
		if herr != nil && handlerErr == nil {
			handlerErr = herr
			failedNS = p.Store.Namespace()
		}
		results = append(results, settled{result: result, owner: p.Store})
	}

	if handlerErr != nil {
		if node != nil {
			e.logger.LogErrorRunningSideEffects(node, failedNS, handlerErr)
		}
		return e.settle(node, tick, token, parentToken, event, eventNS, payload, handlerErr), nil
	}

	// Reduce phase: strictly serialized system-wide, reducers applied in
	// store-registration order.
	if err := e.slot.Acquire(ctx, tick); err != nil {
		return e.settle(node, tick, token, parentToken, event, eventNS, payload, err), nil
	}

	reduced := 0
	var reduceErr error
	var reduceNS string
	for _, r := range results {
		if r.result.IsNoOp() {
			continue
		}
		ns := r.owner.Namespace()

		reducer, terr := r.result.Reducer(ns)
		if terr != nil {
			reduceErr, reduceNS = terr, ns
			break
		}

		_, oldState, newState, rerr := r.owner.Reduce(reducer)
		if rerr != nil {
			reduceErr, reduceNS = rerr, ns
			break
		}
		reduced++

		if node != nil {
			e.logger.LogDiff(node, ns, oldState, newState)
		}
	}

	if reduceErr != nil {
		if node != nil {
			e.logger.LogErrorReducing(node, reduceNS, reduceErr)
		}
		return e.settle(node, tick, token, parentToken, event, eventNS, payload, reduceErr), nil
	}

	if reduced == 0 && node != nil {
		if _, ok := e.Store(eventNS); ok {
			e.logger.LogNoReducers(node, event, eventNS)
		} else {
			e.logger.LogNoReducers(node, event, "")
		}
	}

	return e.settle(node, tick, token, parentToken, event, eventNS, payload, nil), nil
}

// settle finishes a dispatch: records the failure (if any) on the event's
// status, rebroadcasts it through the reserved error event, resolves the
// trace node, and flips the dispatching flags back off.
func (e *Engine) settle(node *trace.Node, tick *ticket, token, parentToken, event, eventNS string, payload []any, dispatchErr error) Status {
	if dispatchErr != nil {
		e.updateStatus(event, func(s *Status) {
			s.Err = dispatchErr
		})

		slog.Error("dispatch failed",
			"event", event,
			"token", token,
			"error", dispatchErr,
		)

		// Rebroadcast on a fresh goroutine so the failing dispatch resolves
		// without waiting on the error dispatch. The error event itself is
		// exempt, or a failing error handler would recurse forever.
		if event != ErrorEvent {
			errPayload := append([]any{event, dispatchErr}, payload...)
			go func() {
				_, _ = e.Dispatch(context.WithoutCancel(context.Background()), ErrorEvent, errPayload...)
			}()
		}
	}

	// Free the reduce order before resolving so the trace flush and status
	// subscribers never hold up the next dispatch's reduce phase.
	e.slot.Complete(tick)

	if node != nil {
		e.logger.Resolve(node)
	}

	final := e.updateStatus(event, func(s *Status) {
		s.Dispatching = false
		s.Dispatched = false
	})
	e.record(token, parentToken, event, payload, journal.PhaseSettled, dispatchErr)

	slog.Debug("dispatch settled",
		"event", event,
		"token", token,
		"error", dispatchErr,
	)

	return final
}

// SelectStatus returns the event's current status record. Events never
// dispatched report the zero status.
func (e *Engine) SelectStatus(event string) Status {
	st, _ := e.states.Get(event).(Status)
	return st
}

// WatchStatus behaves like SelectStatus and additionally invokes fn with the
// fresh status on every subsequent status change, until the returned
// capability is called.
//
// Subscribers run synchronously inside status writes. A subscriber that
// wants to dispatch must do so on a new goroutine.
func (e *Engine) WatchStatus(event string, fn func(Status)) (Status, func()) {
	_, unsubscribe := e.states.SubscribeAndGet(event, func(v any) {
		st, _ := v.(Status)
		fn(st)
	})
	return e.SelectStatus(event), unsubscribe
}

// updateStatus applies a read-modify-write against the event's status record
// and returns the written snapshot.
func (e *Engine) updateStatus(event string, mutate func(*Status)) Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	st, _ := e.states.Get(event).(Status)
	mutate(&st)
	e.states.Set(event, st)
	return st
}

// record appends a lifecycle row to the journal when one is attached.
func (e *Engine) record(token, parentToken, event string, payload []any, phase string, dispatchErr error) {
	if e.journal == nil {
		return
	}

	rec := journal.Record{
		Seq:     e.clock.Next(),
		Token:   token,
		Parent:  parentToken,
		Event:   event,
		Payload: formatPayload(payload),
		Phase:   phase,
		At:      time.Now().UTC(),
	}
	if dispatchErr != nil {
		rec.Error = dispatchErr.Error()
	}

	if err := e.journal.Append(context.Background(), rec); err != nil {
		slog.Error("journal append failed",
			"event", event,
			"token", token,
			"error", err,
		)
	}
}

func formatPayload(payload []any) string {
	if len(payload) == 0 {
		return "[]"
	}
	b, err := trace.MarshalCanonical(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(b)
}
