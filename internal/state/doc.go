// Package state implements the keyed state table backing the flux runtime.
//
// Every piece of shared state lives in one table keyed by string: store
// namespaces hold state snapshots, fully-qualified event names
// ("namespace/event") hold dispatch status records.
//
// Writes are equality-gated: Set only replaces the stored value and notifies
// subscribers when the new value differs structurally from the old one.
// Structural comparison treats composite values (maps, slices) as equal when
// their contents match, regardless of identity.
//
// Entries are created lazily on first write and never deleted; absence is
// represented by nil.
package state
