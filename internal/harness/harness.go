package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roach88/flux/internal/engine"
	"github.com/roach88/flux/internal/state"
	"github.com/roach88/flux/internal/store"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass indicates overall scenario success: every step's status matched
	// its expectation and every assertion held.
	Pass bool

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string

	// FinalState holds each store's state after the last step settled.
	FinalState map[string]map[string]any

	// Statuses holds the settled status of each dispatched event.
	Statuses map[string]engine.Status

	// Trace is the rendered trace output captured during the run.
	// Deterministic: the harness injects a fixed trace clock and
	// sequential tokens.
	Trace string
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// Binding registers a Go handler on a scenario store, for logic the
// declarative handler shapes can't express.
type Binding struct {
	Store   string
	Event   string
	Handler store.Handler
}

// RunOption configures a scenario run.
type RunOption func(*runConfig)

type runConfig struct {
	bindings []Binding
	now      func() time.Time
}

// WithBinding registers an extra handler for the run.
func WithBinding(storeNS, event string, h store.Handler) RunOption {
	return func(c *runConfig) {
		c.bindings = append(c.bindings, Binding{Store: storeNS, Event: event, Handler: h})
	}
}

// WithTraceClock overrides the fixed trace clock.
func WithTraceClock(now func() time.Time) RunOption {
	return func(c *runConfig) {
		c.now = now
	}
}

// fixedEpoch is the default trace clock instant for scenario runs.
var fixedEpoch = time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)

// syncWriter serializes trace writes. The error rebroadcast dispatch runs on
// its own goroutine and may still be flushing its trace tree when the
// harness reads the buffer back.
type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// Run executes a scenario against a fresh engine and returns the result.
//
// Each scenario runs in isolation: its own engine, stores, and captured
// trace buffer. Steps are dispatched sequentially, each awaited before the
// next is issued, so trace sequence numbers are reproducible.
func Run(scenario *Scenario, opts ...RunOption) (*Result, error) {
	cfg := runConfig{now: func() time.Time { return fixedEpoch }}
	for _, opt := range opts {
		opt(&cfg)
	}

	traceBuf := &syncWriter{}
	eng := engine.New(
		engine.WithTraceWriter(traceBuf),
		engine.WithTraceClock(cfg.now),
		engine.WithTokens(engine.NewSequenceGenerator("run")),
	)

	stores := make(map[string]*store.Store, len(scenario.Stores))
	for _, def := range scenario.Stores {
		s, err := eng.AddStore(def.Namespace, def.Initial)
		if err != nil {
			return nil, fmt.Errorf("add store %q: %w", def.Namespace, err)
		}
		stores[def.Namespace] = s
	}

	for i, def := range scenario.Handlers {
		ns := def.Store
		if ns == "" {
			ns, _, _ = store.ParseEvent(def.On)
		}
		s, ok := stores[ns]
		if !ok {
			return nil, fmt.Errorf("handlers[%d]: no store for namespace %q", i, ns)
		}
		if _, err := s.Register(def.On, declarativeHandler(def)); err != nil {
			return nil, fmt.Errorf("handlers[%d]: %w", i, err)
		}
	}

	for i, b := range cfg.bindings {
		s, ok := stores[b.Store]
		if !ok {
			return nil, fmt.Errorf("bindings[%d]: no store for namespace %q", i, b.Store)
		}
		if _, err := s.Register(b.Event, b.Handler); err != nil {
			return nil, fmt.Errorf("bindings[%d]: %w", i, err)
		}
	}

	result := &Result{
		Pass:       true,
		FinalState: make(map[string]map[string]any),
		Statuses:   make(map[string]engine.Status),
	}

	ctx := context.Background()
	failures := 0
	for i, step := range scenario.Steps {
		st, err := eng.Dispatch(ctx, step.Dispatch, step.Payload...)
		if err != nil {
			return nil, fmt.Errorf("steps[%d] dispatch %s: %w", i, step.Dispatch, err)
		}
		result.Statuses[step.Dispatch] = st
		if st.Err != nil {
			failures++
		}

		switch {
		case step.ExpectError == "" && st.Err != nil:
			result.AddError("steps[%d] %s: unexpected error: %v", i, step.Dispatch, st.Err)
		case step.ExpectError != "" && st.Err == nil:
			result.AddError("steps[%d] %s: expected error containing %q, got none", i, step.Dispatch, step.ExpectError)
		case step.ExpectError != "" && !strings.Contains(st.Err.Error(), step.ExpectError):
			result.AddError("steps[%d] %s: error %q does not contain %q", i, step.Dispatch, st.Err, step.ExpectError)
		}
	}

	if failures > 0 {
		drainErrorDispatches(eng, failures)
	}

	for ns, s := range stores {
		st, _ := s.SelectState("").(map[string]any)
		result.FinalState[ns] = st
	}

	for i, assertion := range scenario.Assertions {
		evaluateAssertion(i, &assertion, eng, result)
	}

	result.Trace = traceBuf.String()
	return result, nil
}

// drainErrorDispatches waits for the asynchronous error-event rebroadcasts
// of failed steps to settle, so the captured trace and statuses are complete
// when the run returns. atLeast is a lower bound - nested dispatch failures add
// rebroadcasts of their own - so after reaching it we additionally wait for
// the count to go quiet.
func drainErrorDispatches(eng *engine.Engine, atLeast int) {
	deadline := time.Now().Add(2 * time.Second)
	lastCount := -1
	stableSince := time.Now()

	for time.Now().Before(deadline) {
		st := eng.SelectStatus(engine.ErrorEvent)
		switch {
		case st.Count != lastCount:
			lastCount = st.Count
			stableSince = time.Now()
		case st.Count >= atLeast && !st.Dispatching && time.Since(stableSince) > 50*time.Millisecond:
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// evaluateAssertion checks one assertion against the run outcome.
func evaluateAssertion(index int, a *Assertion, eng *engine.Engine, result *Result) {
	switch a.Type {
	case AssertFinalState:
		got := result.FinalState[a.Namespace]
		for key, want := range a.Expect {
			if !state.Equal(got[key], want) {
				result.AddError("assertions[%d] final_state %s.%s: got %v, want %v",
					index, a.Namespace, key, got[key], want)
			}
		}

	case AssertStatus:
		st := eng.SelectStatus(a.Event)
		if a.Count != 0 && st.Count != a.Count {
			result.AddError("assertions[%d] status %s: count %d, want %d",
				index, a.Event, st.Count, a.Count)
		}
		switch {
		case a.Error == "" && st.Err != nil:
			result.AddError("assertions[%d] status %s: unexpected error: %v", index, a.Event, st.Err)
		case a.Error != "" && st.Err == nil:
			result.AddError("assertions[%d] status %s: expected error containing %q, got none",
				index, a.Event, a.Error)
		case a.Error != "" && !strings.Contains(st.Err.Error(), a.Error):
			result.AddError("assertions[%d] status %s: error %q does not contain %q",
				index, a.Event, st.Err, a.Error)
		}
	}
}

// declarativeHandler builds a store.Handler from a HandlerDef.
func declarativeHandler(def HandlerDef) store.Handler {
	return func(ctx context.Context, dispatch store.Dispatcher, payload ...any) (store.Result, error) {
		if def.Dispatch != "" {
			if err := dispatch(ctx, def.Dispatch, def.With...); err != nil {
				return store.Result{}, err
			}
		}

		if def.Fail != "" {
			return store.Result{}, errors.New(def.Fail)
		}

		if len(def.Merge) == 0 && len(def.Append) == 0 && len(def.Sum) == 0 {
			return store.NoOp(), nil
		}

		return store.Reduce(func(st map[string]any) (map[string]any, error) {
			next := make(map[string]any, len(st))
			for k, v := range st {
				next[k] = v
			}
			for k, v := range def.Merge {
				next[k] = v
			}
			for key, idx := range def.Append {
				arg, err := payloadArg(payload, idx)
				if err != nil {
					return nil, fmt.Errorf("append %s: %w", key, err)
				}
				list, _ := next[key].([]any)
				next[key] = append(append([]any{}, list...), arg)
			}
			for key, idx := range def.Sum {
				arg, err := payloadArg(payload, idx)
				if err != nil {
					return nil, fmt.Errorf("sum %s: %w", key, err)
				}
				summed, err := sumValues(next[key], arg)
				if err != nil {
					return nil, fmt.Errorf("sum %s: %w", key, err)
				}
				next[key] = summed
			}
			return next, nil
		}), nil
	}
}

func payloadArg(payload []any, idx int) (any, error) {
	if idx < 0 || idx >= len(payload) {
		return nil, fmt.Errorf("payload index %d out of range (%d args)", idx, len(payload))
	}
	return payload[idx], nil
}

// sumValues adds two numeric values, keeping integer arithmetic unless
// either side is a float. A nil current value counts as zero.
func sumValues(current, delta any) (any, error) {
	ci, cf, cIsFloat, err := numeric(current)
	if err != nil {
		return nil, fmt.Errorf("current value: %w", err)
	}
	di, df, dIsFloat, err := numeric(delta)
	if err != nil {
		return nil, fmt.Errorf("payload value: %w", err)
	}

	if cIsFloat || dIsFloat {
		return cf + df, nil
	}
	return ci + di, nil
}

func numeric(v any) (i int, f float64, isFloat bool, err error) {
	switch n := v.(type) {
	case nil:
		return 0, 0, false, nil
	case int:
		return n, float64(n), false, nil
	case int64:
		return int(n), float64(n), false, nil
	case float64:
		return 0, n, true, nil
	default:
		return 0, 0, false, fmt.Errorf("not numeric: %T", v)
	}
}
