// Package harness provides a scenario-driven test framework for the dispatch
// engine.
//
// Scenarios are YAML files describing stores, declarative handlers, a
// sequence of dispatches, and assertions over the final state and dispatch
// statuses. Each scenario runs against a fresh engine configured for
// determinism: sequential tokens, a fixed trace clock, and trace output
// captured to a buffer - so the rendered trace can be compared against a
// golden file byte for byte.
//
// Declarative handlers cover the common shapes (merge static keys, append a
// payload argument to a list, sum a payload argument into a counter, fail,
// chain a nested dispatch). Anything richer is registered from Go test code
// with WithBinding.
package harness
