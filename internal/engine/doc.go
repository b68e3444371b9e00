// Package engine implements the flux dispatch engine.
//
// The engine is the heart of the runtime - it serializes dispatch requests,
// fans each dispatched event out to every registered store's matching
// side-effect handlers, awaits the results, and applies the reducers those
// handlers produce against per-namespace state in store-registration order.
//
// ARCHITECTURE:
//
// Side effects run concurrently; reduction is globally serialized.
// Handlers for one dispatch start eagerly across all stores and may overlap
// in wall-clock time with another dispatch's handlers. Reduction is guarded
// by a single shared reducing slot: at most one dispatch is in its reduce
// phase at any time, across the entire engine.
//
// Dispatch lifecycle:
//  1. Validate the event name (synchronous failure), await the reducing slot
//  2. Mark the event status dispatching, reset its error, bump its count
//  3. Open a trace node (child of the caller's node for nested dispatches)
//  4. Start handlers on every store, collect one pending per handler
//  5. Await all pendings; first failure wins but cancels nothing
//  6. Acquire the reducing slot, apply reducers in store-registration order
//  7. Release the slot, resolve the trace node, settle the status
//
// Failures thrown by handlers or reducers never reject the dispatch: the
// status's Err field carries them and the reserved "flux/error" event
// rebroadcasts them on a fresh goroutine.
//
// INVARIANTS:
//   - Store iteration order is registration order and reducers apply in that
//     order, never concurrently with each other
//   - A nested dispatch awaited by its handler fully completes (through its
//     own reduce phase) before the outer dispatch's reduce phase begins
//   - Status.Count is monotonic per event; Status.Payload always reflects
//     the most recent dispatch call's arguments
package engine
