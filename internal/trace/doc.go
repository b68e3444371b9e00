// Package trace builds the hierarchical diagnostic log for dispatch
// operations.
//
// Every top-level dispatch opens a root node; nested dispatches issued while
// the parent is unresolved attach as children. Nodes accumulate console-like
// entries (group start, line, group end) as the dispatch progresses. The tree
// is flushed to output only once the root and every descendant are resolved,
// rendered depth-first with children before the node's own entries -
// mirroring nested-dispatch-before-reduction ordering.
//
// Determinism: the logger's clock and the global group sequence counter are
// injectable, which is what makes golden-file trace comparison possible.
package trace
