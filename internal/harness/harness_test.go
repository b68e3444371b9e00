package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flux/internal/store"
)

func cartScenario() *Scenario {
	return &Scenario{
		Name:        "cart_add_items",
		Description: "Two addItem dispatches accumulate items and total.",
		Stores: []StoreDef{
			{Namespace: "cart", Initial: map[string]any{"items": []any{}, "total": 0}},
		},
		Handlers: []HandlerDef{
			{On: "cart/addItem", Append: map[string]int{"items": 0}, Sum: map[string]int{"total": 1}},
		},
		Steps: []Step{
			{Dispatch: "cart/addItem", Payload: []any{"apple", 3}},
			{Dispatch: "cart/addItem", Payload: []any{"bread", 2}},
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Namespace: "cart", Expect: map[string]any{
				"items": []any{"apple", "bread"},
				"total": 5,
			}},
			{Type: AssertStatus, Event: "cart/addItem", Count: 2},
		},
	}
}

func TestRun_DeclarativeCart(t *testing.T) {
	result, err := Run(cartScenario())
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []any{"apple", "bread"}, result.FinalState["cart"]["items"])
	assert.Equal(t, 5, result.FinalState["cart"]["total"])

	st := result.Statuses["cart/addItem"]
	assert.Equal(t, 2, st.Count)
	assert.False(t, st.Dispatching)
	assert.NoError(t, st.Err)

	assert.Contains(t, result.Trace, "Reduced cart")
	assert.Contains(t, result.Trace, `dispatch cart/addItem ["apple",3]`)
}

func TestRun_FailingHandler(t *testing.T) {
	scenario := &Scenario{
		Name:        "inventory_take_fails",
		Description: "A failing handler leaves state untouched and lands in Status.Err.",
		Stores: []StoreDef{
			{Namespace: "inventory", Initial: map[string]any{"stock": 5}},
		},
		Handlers: []HandlerDef{
			{On: "inventory/take", Fail: "out of stock"},
		},
		Steps: []Step{
			{Dispatch: "inventory/take", Payload: []any{"widget"}, ExpectError: "out of stock"},
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Namespace: "inventory", Expect: map[string]any{"stock": 5}},
			{Type: AssertStatus, Event: "inventory/take", Count: 1, Error: "out of stock"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Contains(t, result.Trace, "Error running side effects")
}

func TestRun_ExpectedErrorMissing(t *testing.T) {
	scenario := &Scenario{
		Name:        "expected_error_missing",
		Description: "A step expecting an error fails the run when none occurs.",
		Stores: []StoreDef{
			{Namespace: "cart", Initial: map[string]any{}},
		},
		Steps: []Step{
			{Dispatch: "cart/noop", ExpectError: "boom"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `expected error containing "boom"`)
}

func TestRun_FinalStateAssertionMismatch(t *testing.T) {
	scenario := cartScenario()
	scenario.Assertions = []Assertion{
		{Type: AssertFinalState, Namespace: "cart", Expect: map[string]any{"total": 99}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "cart.total")
}

func TestRun_WithBinding(t *testing.T) {
	doubler := func(ctx context.Context, dispatch store.Dispatcher, payload ...any) (store.Result, error) {
		n, ok := payload[0].(int)
		if !ok {
			return store.Result{}, fmt.Errorf("payload[0] is %T, want int", payload[0])
		}
		return store.Reduce(func(st map[string]any) (map[string]any, error) {
			return map[string]any{"value": n * 2}, nil
		}), nil
	}

	scenario := &Scenario{
		Name:        "binding_doubles",
		Description: "A Go-registered handler covers logic YAML cannot express.",
		Stores: []StoreDef{
			{Namespace: "calc", Initial: map[string]any{"value": 0}},
		},
		Steps: []Step{
			{Dispatch: "calc/double", Payload: []any{21}},
		},
	}

	result, err := Run(scenario, WithBinding("calc", "calc/double", doubler))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, 42, result.FinalState["calc"]["value"])
}

func TestRun_UnknownHandlerStore(t *testing.T) {
	scenario := &Scenario{
		Name:        "unknown_handler_store",
		Description: "A handler bound to a missing namespace aborts the run.",
		Stores: []StoreDef{
			{Namespace: "cart", Initial: map[string]any{}},
		},
		Handlers: []HandlerDef{
			{On: "warehouse/restock", Merge: map[string]any{"x": 1}},
		},
		Steps: []Step{
			{Dispatch: "cart/noop"},
		},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no store for namespace "warehouse"`)
}

func TestRun_NestedDispatchHandler(t *testing.T) {
	scenario := &Scenario{
		Name:        "checkout_nested",
		Description: "Checkout chains a payment charge before reducing the order.",
		Stores: []StoreDef{
			{Namespace: "order", Initial: map[string]any{"status": "open"}},
			{Namespace: "payment", Initial: map[string]any{"amount": 0, "charged": false}},
		},
		Handlers: []HandlerDef{
			{On: "order/checkout", Dispatch: "payment/charge", With: []any{42}, Merge: map[string]any{"status": "placed"}},
			{On: "payment/charge", Store: "payment", Merge: map[string]any{"charged": true}, Sum: map[string]int{"amount": 0}},
		},
		Steps: []Step{
			{Dispatch: "order/checkout"},
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Namespace: "order", Expect: map[string]any{"status": "placed"}},
			{Type: AssertFinalState, Namespace: "payment", Expect: map[string]any{"amount": 42, "charged": true}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	// the nested charge reduces before the outer checkout
	charge := strings.Index(result.Trace, "Reduced payment")
	checkout := strings.Index(result.Trace, "Reduced order")
	require.GreaterOrEqual(t, charge, 0)
	require.GreaterOrEqual(t, checkout, 0)
	assert.Less(t, charge, checkout)
}
