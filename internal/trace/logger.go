package trace

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// EntryKind distinguishes console-like entry operations on a node.
type EntryKind int

const (
	// EntryGroupStart opens a nested display group. Group starts carry a
	// global sequence number and a wall-clock stamp for display ordering.
	EntryGroupStart EntryKind = iota + 1
	// EntryLine is a single detail line inside the current group.
	EntryLine
	// EntryGroupEnd closes the innermost open group.
	EntryGroupEnd
)

// Entry is one display record owned by a node.
type Entry struct {
	Kind  EntryKind
	Seq   int64  // group starts only
	Stamp string // group starts only
	Text  string
}

// Node is one dispatch in the trace tree. The parent exclusively owns its
// children: a child is attached when a nested dispatch starts while the
// parent is still unresolved.
type Node struct {
	Event   string
	Payload []any
	Seq     int64
	Stamp   string

	parent    *Node
	children  []*Node
	entries   []Entry
	resolved  bool
	warnTimer *time.Timer
}

// Logger builds and flushes trace trees.
//
// Thread-safety: all methods are safe for concurrent use; one logger-wide
// mutex guards every tree it has opened.
type Logger struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
	seq int64
}

// Option configures a Logger.
type Option func(*Logger)

// WithNow injects the logger's clock. Tests inject a fixed clock so stamps
// are reproducible in golden files.
func WithNow(now func() time.Time) Option {
	return func(l *Logger) {
		l.now = now
	}
}

// New creates a logger that flushes resolved trees to out.
func New(out io.Writer, opts ...Option) *Logger {
	l := &Logger{out: out, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open creates a node for event. A node with a nil (or already resolved)
// parent becomes a root and arms a one-shot warning timer: if the tree has
// not resolved within warnAfter, a "taking a while" diagnostic is emitted.
// The timer is observational only, it never aborts anything.
func (l *Logger) Open(parent *Node, event string, warnAfter time.Duration, payload ...any) *Node {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	n := &Node{
		Event:   event,
		Payload: payload,
		Seq:     l.seq,
		Stamp:   l.now().Format("15:04:05.000"),
	}

	if parent != nil && !parent.resolved {
		n.parent = parent
		parent.children = append(parent.children, n)
		return n
	}

	n.warnTimer = time.AfterFunc(warnAfter, func() {
		l.mu.Lock()
		resolved := n.resolved
		l.mu.Unlock()
		if !resolved {
			slog.Warn("dispatch taking a while", "event", event, "after", warnAfter)
		}
	})
	return n
}

// GroupStart opens a display group on n, stamped with the next global
// sequence number and the current wall-clock time.
func (l *Logger) GroupStart(n *Node, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	n.entries = append(n.entries, Entry{
		Kind:  EntryGroupStart,
		Seq:   l.seq,
		Stamp: l.now().Format("15:04:05.000"),
		Text:  fmt.Sprintf(format, args...),
	})
}

// Line appends a detail line to n's innermost open group.
func (l *Logger) Line(n *Node, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n.entries = append(n.entries, Entry{Kind: EntryLine, Text: fmt.Sprintf(format, args...)})
}

// GroupEnd closes n's innermost open group.
func (l *Logger) GroupEnd(n *Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n.entries = append(n.entries, Entry{Kind: EntryGroupEnd})
}

// LogDiff records the structural difference a reduction produced for
// namespace, as a group with old/new state detail lines. When the reduction
// changed nothing, a "No changes" group is recorded instead.
func (l *Logger) LogDiff(n *Node, namespace string, oldState, newState any) {
	d, changed := Diff(oldState, newState)
	if !changed {
		l.GroupStart(n, "No changes in %s", namespace)
		l.GroupEnd(n)
		return
	}

	l.GroupStart(n, "Reduced %s", namespace)
	l.Line(n, "Old State: %s", formatValue(oldState))
	l.Line(n, "New State: %s", formatValue(newState))
	l.Line(n, "Diff: %s", formatValue(d))
	l.GroupEnd(n)
}

// LogNoReducers records that a dispatch produced no reducers. The namespace
// is the event's own store when one exists; pass "" for the namespace-less
// variant.
func (l *Logger) LogNoReducers(n *Node, event, namespace string) {
	if namespace == "" {
		l.GroupStart(n, "No reducers ran for %s", event)
	} else {
		l.GroupStart(n, "No reducers ran for %s in %s", event, namespace)
	}
	l.GroupEnd(n)
}

// LogErrorReducing records a reduce-phase failure against namespace.
func (l *Logger) LogErrorReducing(n *Node, namespace string, err error) {
	l.GroupStart(n, "Error reducing %s", namespace)
	l.Line(n, "%v", err)
	l.GroupEnd(n)
}

// LogErrorRunningSideEffects records a handler-phase failure. The namespace
// is the last store touched; pass "" when no store was involved.
func (l *Logger) LogErrorRunningSideEffects(n *Node, namespace string, err error) {
	if namespace == "" {
		l.GroupStart(n, "Error running side effects")
	} else {
		l.GroupStart(n, "Error running side effects in %s", namespace)
	}
	l.Line(n, "%v", err)
	l.GroupEnd(n)
}

// Resolve marks n's own work finished. When this completes the whole tree
// (root and every descendant resolved), the root's warning timer is cancelled
// and the tree is flushed to output.
func (l *Logger) Resolve(n *Node) {
	l.mu.Lock()

	n.resolved = true

	root := n
	for root.parent != nil {
		root = root.parent
	}

	if !allResolved(root) {
		l.mu.Unlock()
		return
	}

	if root.warnTimer != nil {
		root.warnTimer.Stop()
		root.warnTimer = nil
	}

	out := l.out
	l.mu.Unlock()

	if out != nil {
		var sb strings.Builder
		renderNode(&sb, root, 0)
		_, _ = io.WriteString(out, sb.String())
	}
}

// allResolved reports whether node and every descendant are resolved.
// Caller holds the logger lock.
func allResolved(n *Node) bool {
	if !n.resolved {
		return false
	}
	for _, child := range n.children {
		if !allResolved(child) {
			return false
		}
	}
	return true
}

// renderNode writes the tree depth-first: the node's group header, each
// child's subtree, then the node's own entries. Children come before own
// entries: nested dispatches happen before the outer reduction.
func renderNode(w io.Writer, n *Node, depth int) {
	fmt.Fprintf(w, "%s▼ [%d %s] dispatch %s %s\n",
		indent(depth), n.Seq, n.Stamp, n.Event, formatValue(payloadValue(n.Payload)))

	for _, child := range n.children {
		renderNode(w, child, depth+1)
	}

	level := depth + 1
	for _, e := range n.entries {
		switch e.Kind {
		case EntryGroupStart:
			fmt.Fprintf(w, "%s▼ [%d %s] %s\n", indent(level), e.Seq, e.Stamp, e.Text)
			level++
		case EntryLine:
			fmt.Fprintf(w, "%s%s\n", indent(level), e.Text)
		case EntryGroupEnd:
			if level > depth+1 {
				level--
			}
		}
	}
}

// Snapshot converts a trace tree into a canonical-JSON-friendly value for
// golden comparison. Stamps are omitted; sequence numbers stay because they
// are deterministic under an injected clock.
func (l *Logger) Snapshot(root *Node) map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return snapshotNode(root)
}

func snapshotNode(n *Node) map[string]any {
	entries := make([]any, 0, len(n.entries))
	for _, e := range n.entries {
		switch e.Kind {
		case EntryGroupStart:
			entries = append(entries, map[string]any{"group": e.Text, "seq": e.Seq})
		case EntryLine:
			entries = append(entries, e.Text)
		}
	}

	children := make([]any, 0, len(n.children))
	for _, child := range n.children {
		children = append(children, snapshotNode(child))
	}

	snap := map[string]any{
		"event": n.Event,
		"seq":   n.Seq,
	}
	if len(n.Payload) > 0 {
		snap["payload"] = payloadValue(n.Payload)
	}
	if len(entries) > 0 {
		snap["entries"] = entries
	}
	if len(children) > 0 {
		snap["children"] = children
	}
	return snap
}

func payloadValue(payload []any) []any {
	if payload == nil {
		return []any{}
	}
	return payload
}

// formatValue renders a value as canonical JSON, falling back to %v for
// values canonical JSON cannot express (error values, arbitrary structs).
func formatValue(v any) string {
	b, err := MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func indent(depth int) string {
	return strings.Repeat("  ", depth)
}
