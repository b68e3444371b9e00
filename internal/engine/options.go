package engine

import (
	"fmt"
	"io"
	"time"

	"github.com/roach88/flux/internal/journal"
	"github.com/roach88/flux/internal/store"
)

// DefaultLongDispatchTimeout is how long a dispatch may stay unresolved
// before the trace logger prints a "taking a while" warning. Observational
// only - nothing is aborted.
const DefaultLongDispatchTimeout = 5 * time.Second

// Options holds the engine's runtime options.
type Options struct {
	// DisplayLogs enables trace logger output. Default true.
	DisplayLogs bool

	// LongDispatchTimeout is the warning threshold for slow dispatches.
	// Default 5s.
	LongDispatchTimeout time.Duration
}

func defaultOptions() Options {
	return Options{
		DisplayLogs:         true,
		LongDispatchTimeout: DefaultLongDispatchTimeout,
	}
}

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine)

// WithDisplayLogs enables or disables trace output.
func WithDisplayLogs(enabled bool) EngineOption {
	return func(e *Engine) {
		e.opts.DisplayLogs = enabled
	}
}

// WithLongDispatchTimeout sets the slow-dispatch warning threshold.
func WithLongDispatchTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.opts.LongDispatchTimeout = d
	}
}

// WithTraceWriter directs flushed trace trees to w instead of stderr.
func WithTraceWriter(w io.Writer) EngineOption {
	return func(e *Engine) {
		e.traceOut = w
	}
}

// WithTraceClock injects the trace logger's clock for deterministic stamps.
func WithTraceClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.traceNow = now
	}
}

// WithTokens sets the dispatch token generator. Tests pass a FixedGenerator
// for reproducible journals and traces.
func WithTokens(gen TokenGenerator) EngineOption {
	return func(e *Engine) {
		e.tokens = gen
	}
}

// WithJournal attaches a dispatch journal recording every dispatch's
// lifecycle for later inspection. Diagnostics only - the journal is never
// read back to restore state.
func WithJournal(j *journal.Journal) EngineOption {
	return func(e *Engine) {
		e.journal = j
	}
}

// SetOption updates a runtime option by name, the string surface external
// callers use. Recognized options:
//
//	displayLogs         bool
//	longDispatchTimeout integer milliseconds or a time.Duration
//
// Unrecognized names and mistyped values fail with a configuration error.
func (e *Engine) SetOption(name string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch name {
	case "displayLogs":
		b, ok := value.(bool)
		if !ok {
			return store.NewConfigurationError(
				fmt.Sprintf("displayLogs expects bool, got %T", value), name)
		}
		e.opts.DisplayLogs = b
		return nil

	case "longDispatchTimeout":
		switch v := value.(type) {
		case time.Duration:
			e.opts.LongDispatchTimeout = v
		case int:
			e.opts.LongDispatchTimeout = time.Duration(v) * time.Millisecond
		case int64:
			e.opts.LongDispatchTimeout = time.Duration(v) * time.Millisecond
		default:
			return store.NewConfigurationError(
				fmt.Sprintf("longDispatchTimeout expects milliseconds or duration, got %T", value), name)
		}
		return nil

	default:
		return store.NewConfigurationError("unrecognized option", name)
	}
}

// Option returns a snapshot of the current options.
func (e *Engine) Option() Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts
}
