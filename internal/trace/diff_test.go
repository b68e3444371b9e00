package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// diffOf asserts the values differ and returns the diff value.
func diffOf(t *testing.T, oldV, newV any) any {
	t.Helper()
	d, changed := Diff(oldV, newV)
	assert.True(t, changed, "expected %v -> %v to be a change", oldV, newV)
	return d
}

func TestDiff_IdenticalValues(t *testing.T) {
	tests := []struct {
		name string
		v    any
	}{
		{"scalar", 42},
		{"string", "hello"},
		{"map", map[string]any{"a": 1, "b": []any{"x"}}},
		{"slice", []any{1, 2, 3}},
		{"empty map", map[string]any{}},
		{"nil", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, changed := Diff(tt.v, tt.v)
			assert.False(t, changed, "deep-equal values must produce no diff")
			assert.Nil(t, d)
		})
	}
}

func TestDiff_ScalarChange(t *testing.T) {
	assert.Equal(t, 2, diffOf(t, 1, 2))
	assert.Equal(t, "new", diffOf(t, "old", "new"))
}

func TestDiff_ChangeToNilIsAChange(t *testing.T) {
	d, changed := Diff("x", nil)
	assert.True(t, changed)
	assert.Nil(t, d)

	d, changed = Diff(nil, "x")
	assert.True(t, changed)
	assert.Equal(t, "x", d)
}

func TestDiff_KeyChangedToNilSurvives(t *testing.T) {
	old := map[string]any{"coupon": "SAVE10"}
	next := map[string]any{"coupon": nil}

	assert.Equal(t, map[string]any{
		"changes": map[string]any{"coupon": nil},
	}, diffOf(t, old, next))
}

func TestDiff_SingleKeyChange(t *testing.T) {
	old := map[string]any{"total": 0, "items": []any{}}
	next := map[string]any{"total": 3, "items": []any{}}

	assert.Equal(t, map[string]any{
		"changes": map[string]any{"total": 3},
	}, diffOf(t, old, next))
}

func TestDiff_AdditionsAndSubtractions(t *testing.T) {
	old := map[string]any{"a": 1, "b": 2}
	next := map[string]any{"a": 1, "c": 3}

	assert.Equal(t, map[string]any{
		"additions":    map[string]any{"c": 3},
		"subtractions": map[string]any{"b": 2},
	}, diffOf(t, old, next))
}

func TestDiff_NestedChange(t *testing.T) {
	old := map[string]any{"cart": map[string]any{"total": 0}}
	next := map[string]any{"cart": map[string]any{"total": 5}}

	assert.Equal(t, map[string]any{
		"changes": map[string]any{
			"cart": map[string]any{
				"changes": map[string]any{"total": 5},
			},
		},
	}, diffOf(t, old, next))
}

func TestDiff_ThreePartShapeNeverCollapses(t *testing.T) {
	// Only changes present: the wrapper shape is kept, not collapsed to the
	// bare changes map.
	d := diffOf(t, map[string]any{"k": 1}, map[string]any{"k": 2})

	m, ok := d.(map[string]any)
	assert.True(t, ok)
	_, hasChanges := m["changes"]
	assert.True(t, hasChanges)
	assert.Len(t, m, 1)
}

func TestDiff_Slices_Positional(t *testing.T) {
	old := []any{"apple"}
	next := []any{"apple", "bread"}

	assert.Equal(t, map[string]any{
		"additions": []any{"bread"},
	}, diffOf(t, old, next))
}

func TestDiff_Slices_ChangedIndex(t *testing.T) {
	old := []any{"apple", "bread"}
	next := []any{"apple", "milk"}

	assert.Equal(t, map[string]any{
		"additions":    []any{"milk"},
		"subtractions": []any{"bread"},
	}, diffOf(t, old, next))
}

func TestDiff_Slices_Shrink(t *testing.T) {
	old := []any{"apple", "bread"}
	next := []any{"apple"}

	assert.Equal(t, map[string]any{
		"subtractions": []any{"bread"},
	}, diffOf(t, old, next))
}

func TestDiff_TypeMismatchReturnsNewValue(t *testing.T) {
	assert.Equal(t, []any{"x"}, diffOf(t, map[string]any{"a": 1}, []any{"x"}))
	assert.Equal(t, "now a string", diffOf(t, 7, "now a string"))
}
