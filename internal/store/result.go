package store

// Reducer maps a store's current state to its next state. Reducers must be
// pure: no dispatching, no subscriptions, no I/O.
type Reducer func(state map[string]any) (map[string]any, error)

// resultKind tags the handler outcome.
type resultKind int

const (
	kindNoOp resultKind = iota + 1
	kindReduce
)

// Result is the tagged outcome of a side-effect handler: either a no-op or a
// reducer to apply against the handler's store.
//
// The zero Result is deliberately invalid. Handlers that forget to return
// NoOp() or Reduce(fn) surface as a reducer-type error at reduce time rather
// than being silently skipped.
type Result struct {
	kind    resultKind
	reducer Reducer
}

// NoOp returns the result of a handler that produced no reducer.
func NoOp() Result {
	return Result{kind: kindNoOp}
}

// Reduce returns the result wrapping a reducer to apply.
func Reduce(fn Reducer) Result {
	return Result{kind: kindReduce, reducer: fn}
}

// IsNoOp reports whether the result carries no reducer.
func (r Result) IsNoOp() bool {
	return r.kind == kindNoOp
}

// Reducer unwraps the reducer carried by the result. Returns a reducer-type
// error for a no-op result, a nil reducer, or an uninitialized zero Result.
func (r Result) Reducer(namespace string) (Reducer, error) {
	if r.kind != kindReduce || r.reducer == nil {
		return nil, NewReducerTypeError(namespace)
	}
	return r.reducer, nil
}
