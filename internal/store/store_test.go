package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flux/internal/state"
)

func newTestStore(t *testing.T, namespace string, initial map[string]any) *Store {
	t.Helper()
	s, err := New(state.NewManager(), namespace, initial)
	require.NoError(t, err)
	return s
}

func noDispatch(context.Context, string, ...any) error { return nil }

func TestNew_ValidNamespace(t *testing.T) {
	mgr := state.NewManager()
	s, err := New(mgr, "cart", map[string]any{"total": 0})
	require.NoError(t, err)
	assert.Equal(t, "cart", s.Namespace())
	assert.Equal(t, map[string]any{"total": 0}, mgr.Get("cart"))
}

func TestNew_InvalidNamespace(t *testing.T) {
	mgr := state.NewManager()

	for _, ns := range []string{"bad.ns", "bad/ns", ""} {
		_, err := New(mgr, ns, nil)
		require.Error(t, err, "namespace %q should be rejected", ns)
		assert.True(t, IsConfigurationError(err))
	}
}

func TestNew_NilInitialStateBecomesEmpty(t *testing.T) {
	mgr := state.NewManager()
	_, err := New(mgr, "cart", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, mgr.Get("cart"))
}

func TestAddSelector_InvalidProperty(t *testing.T) {
	s := newTestStore(t, "cart", nil)
	err := s.AddSelector("a.b", func(map[string]any, ...any) any { return nil })
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestRegister_InvalidEvent(t *testing.T) {
	s := newTestStore(t, "cart", nil)

	for _, event := range []string{"noSeparator", "/leading", "trailing/", ""} {
		_, err := s.Register(event, func(context.Context, Dispatcher, ...any) (Result, error) {
			return NoOp(), nil
		})
		require.Error(t, err, "event %q should be rejected", event)
		assert.True(t, IsFormatError(err))
	}
}

func TestRegister_NilHandler(t *testing.T) {
	s := newTestStore(t, "cart", nil)
	_, err := s.Register("cart/addItem", nil)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestStartHandlers_RunsRegisteredHandlers(t *testing.T) {
	s := newTestStore(t, "cart", nil)

	ran := make(chan []any, 1)
	_, err := s.Register("cart/addItem", func(_ context.Context, _ Dispatcher, payload ...any) (Result, error) {
		ran <- payload
		return NoOp(), nil
	})
	require.NoError(t, err)

	pendings := s.StartHandlers(context.Background(), noDispatch, "cart/addItem", "apple", 3)
	require.Len(t, pendings, 1)

	result, herr := pendings[0].Wait()
	require.NoError(t, herr)
	assert.True(t, result.IsNoOp())
	assert.Equal(t, []any{"apple", 3}, <-ran)
}

func TestStartHandlers_SnapshotsCollection(t *testing.T) {
	s := newTestStore(t, "cart", nil)

	release := make(chan struct{})
	_, err := s.Register("cart/addItem", func(context.Context, Dispatcher, ...any) (Result, error) {
		<-release
		return NoOp(), nil
	})
	require.NoError(t, err)

	pendings := s.StartHandlers(context.Background(), noDispatch, "cart/addItem")
	require.Len(t, pendings, 1)

	// Registered after the snapshot: must not run for this call.
	late := make(chan struct{}, 1)
	_, err = s.Register("cart/addItem", func(context.Context, Dispatcher, ...any) (Result, error) {
		late <- struct{}{}
		return NoOp(), nil
	})
	require.NoError(t, err)

	close(release)
	_, _ = pendings[0].Wait()

	select {
	case <-late:
		t.Fatal("handler registered mid-dispatch ran for the in-flight call")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnregister_RemovesExactlyOneHandler(t *testing.T) {
	s := newTestStore(t, "cart", nil)

	var order []string
	first := func(context.Context, Dispatcher, ...any) (Result, error) {
		order = append(order, "first")
		return NoOp(), nil
	}
	second := func(context.Context, Dispatcher, ...any) (Result, error) {
		order = append(order, "second")
		return NoOp(), nil
	}

	unregister, err := s.Register("cart/addItem", first)
	require.NoError(t, err)
	_, err = s.Register("cart/addItem", second)
	require.NoError(t, err)

	unregister()
	unregister() // second call is a no-op

	pendings := s.StartHandlers(context.Background(), noDispatch, "cart/addItem")
	require.Len(t, pendings, 1)
	_, _ = pendings[0].Wait()
	assert.Equal(t, []string{"second"}, order)
}

func TestStartHandlers_RecoversPanics(t *testing.T) {
	s := newTestStore(t, "cart", nil)

	_, err := s.Register("cart/boom", func(context.Context, Dispatcher, ...any) (Result, error) {
		panic("kaboom")
	})
	require.NoError(t, err)

	pendings := s.StartHandlers(context.Background(), noDispatch, "cart/boom")
	require.Len(t, pendings, 1)

	_, herr := pendings[0].Wait()
	require.Error(t, herr)
	assert.Contains(t, herr.Error(), "kaboom")
}

func TestStartHandlers_ConcurrentUnregister(t *testing.T) {
	s := newTestStore(t, "cart", nil)

	handler := func(context.Context, Dispatcher, ...any) (Result, error) {
		return NoOp(), nil
	}

	unregisters := make([]func(), 50)
	for i := range unregisters {
		u, err := s.Register("cart/addItem", handler)
		require.NoError(t, err)
		unregisters[i] = u
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, u := range unregisters {
			u()
		}
	}()

	// Handlers that made the snapshot must run to completion without error,
	// no matter when their unregistration lands.
	for i := 0; i < 50; i++ {
		for _, p := range s.StartHandlers(context.Background(), noDispatch, "cart/addItem") {
			_, herr := p.Wait()
			require.NoError(t, herr)
		}
	}
	<-done
}

func TestReduce_ReportsChange(t *testing.T) {
	s := newTestStore(t, "cart", map[string]any{"total": 0})

	changed, oldState, newState, err := s.Reduce(func(st map[string]any) (map[string]any, error) {
		return map[string]any{"total": 5}, nil
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, map[string]any{"total": 0}, oldState)
	assert.Equal(t, map[string]any{"total": 5}, newState)
}

func TestReduce_NoChangeForEqualState(t *testing.T) {
	s := newTestStore(t, "cart", map[string]any{"total": 0})

	changed, _, _, err := s.Reduce(func(st map[string]any) (map[string]any, error) {
		return map[string]any{"total": 0}, nil
	})
	require.NoError(t, err)
	assert.False(t, changed, "structurally equal result must not report a change")
}

func TestReduce_PropagatesReducerError(t *testing.T) {
	s := newTestStore(t, "cart", map[string]any{"total": 0})

	_, _, _, err := s.Reduce(func(map[string]any) (map[string]any, error) {
		return nil, assert.AnError
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestSelectState(t *testing.T) {
	s := newTestStore(t, "cart", map[string]any{"items": []any{"apple"}, "total": 3})

	// Whole state.
	assert.Equal(t, map[string]any{"items": []any{"apple"}, "total": 3}, s.SelectState(""))

	// Raw key read.
	assert.Equal(t, 3, s.SelectState("total"))
	assert.Nil(t, s.SelectState("missing"))

	// Selector takes precedence over the raw key.
	require.NoError(t, s.AddSelector("total", func(st map[string]any, args ...any) any {
		return st["total"].(int) * 100
	}))
	assert.Equal(t, 300, s.SelectState("total"))
}

func TestSelector_ReceivesArgs(t *testing.T) {
	s := newTestStore(t, "cart", map[string]any{"items": []any{"apple", "bread"}})

	require.NoError(t, s.AddSelector("item", func(st map[string]any, args ...any) any {
		idx := args[0].(int)
		return st["items"].([]any)[idx]
	}))

	assert.Equal(t, "bread", s.SelectState("item", 1))
}

func TestWatchState_ReinvokesOnChange(t *testing.T) {
	s := newTestStore(t, "cart", map[string]any{"total": 0})

	var seen []any
	current, unsubscribe := s.WatchState(func(v any) { seen = append(seen, v) }, "total")
	defer unsubscribe()
	assert.Equal(t, 0, current)

	_, _, _, err := s.Reduce(func(map[string]any) (map[string]any, error) {
		return map[string]any{"total": 7}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, []any{7}, seen)
}

func TestResult_ZeroValueIsInvalid(t *testing.T) {
	var zero Result
	assert.False(t, zero.IsNoOp())
	_, err := zero.Reducer("cart")
	require.Error(t, err)
	assert.True(t, IsReducerTypeError(err))
}

func TestParseEvent(t *testing.T) {
	ns, name, err := ParseEvent("cart/addItem")
	require.NoError(t, err)
	assert.Equal(t, "cart", ns)
	assert.Equal(t, "addItem", name)

	// Namespace is everything before the first separator.
	ns, name, err = ParseEvent("cart/add/item")
	require.NoError(t, err)
	assert.Equal(t, "cart", ns)
	assert.Equal(t, "add/item", name)
}
