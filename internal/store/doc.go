// Package store implements namespace stores: the unit of state ownership in
// the flux runtime.
//
// A store owns one named slice of state inside the shared state table, a set
// of named selectors for reading it, and the ordered collection of
// side-effect handlers registered for each event. The dispatch engine asks
// every store to start its matching handlers for an event, then applies the
// reducers those handlers produce through Reduce.
//
// INVARIANTS:
//   - Handler order is insertion order and never changes; unregistering a
//     handler empties its slot without reindexing the others.
//   - StartHandlers snapshots the handler collection at call time: handlers
//     registered mid-dispatch do not run for that dispatch.
//   - Reduce is a non-suspending read-modify-write; callers (the engine's
//     reduce phase) are responsible for serializing reductions.
package store
