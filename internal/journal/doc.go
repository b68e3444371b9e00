// Package journal provides durable dispatch-lifecycle recording.
//
// The journal is a diagnostics surface, not a source of truth: application
// state lives in the in-memory keyed state manager, and nothing in the
// dispatch path reads the journal back. Each dispatch writes two rows - one
// at issue ("dispatching") and one at settle ("settled") - stamped with a
// monotonic logical sequence so row order is stable regardless of wall-clock
// resolution.
//
// Uses SQLite with WAL mode so the trace CLI can read a live journal while
// an engine is still appending to it.
package journal
