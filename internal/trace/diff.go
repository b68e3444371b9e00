package trace

import "github.com/roach88/flux/internal/state"

// Diff computes the structural difference between two state snapshots. The
// second return value reports whether the values differ at all; the diff
// value alone cannot carry that, because a change TO nil is a real change
// whose diff value is nil.
//
// Shapes:
//   - Two maps: map with "changes" (recursive diff per shared key that
//     differs), "additions" (keys only in new), "subtractions" (keys only in
//     old). Empty parts are omitted. The three-part wrapper is ALWAYS used,
//     never collapsed to a bare changes map.
//   - Two slices: positional comparison; differing new-side values collect
//     under "additions", old-side values under "subtractions". No alignment
//     beyond the index.
//   - Anything else: the new value entirely when the values differ.
func Diff(oldV, newV any) (diff any, changed bool) {
	oldMap, oldIsMap := oldV.(map[string]any)
	newMap, newIsMap := newV.(map[string]any)
	if oldIsMap && newIsMap {
		return diffMaps(oldMap, newMap)
	}

	oldArr, oldIsArr := oldV.([]any)
	newArr, newIsArr := newV.([]any)
	if oldIsArr && newIsArr {
		return diffSlices(oldArr, newArr)
	}

	if state.Equal(oldV, newV) {
		return nil, false
	}
	return newV, true
}

func diffMaps(oldMap, newMap map[string]any) (any, bool) {
	changes := map[string]any{}
	additions := map[string]any{}
	subtractions := map[string]any{}

	for k, oldVal := range oldMap {
		newVal, inNew := newMap[k]
		if !inNew {
			subtractions[k] = oldVal
			continue
		}
		if d, ch := Diff(oldVal, newVal); ch {
			changes[k] = d
		}
	}
	for k, newVal := range newMap {
		if _, inOld := oldMap[k]; !inOld {
			additions[k] = newVal
		}
	}

	result := map[string]any{}
	if len(changes) > 0 {
		result["changes"] = changes
	}
	if len(additions) > 0 {
		result["additions"] = additions
	}
	if len(subtractions) > 0 {
		result["subtractions"] = subtractions
	}
	if len(result) == 0 {
		return nil, false
	}
	return result, true
}

func diffSlices(oldArr, newArr []any) (any, bool) {
	additions := []any{}
	subtractions := []any{}

	longest := len(oldArr)
	if len(newArr) > longest {
		longest = len(newArr)
	}

	for i := 0; i < longest; i++ {
		switch {
		case i >= len(oldArr):
			additions = append(additions, newArr[i])
		case i >= len(newArr):
			subtractions = append(subtractions, oldArr[i])
		case !state.Equal(oldArr[i], newArr[i]):
			additions = append(additions, newArr[i])
			subtractions = append(subtractions, oldArr[i])
		}
	}

	result := map[string]any{}
	if len(additions) > 0 {
		result["additions"] = additions
	}
	if len(subtractions) > 0 {
		result["subtractions"] = subtractions
	}
	if len(result) == 0 {
		return nil, false
	}
	return result, true
}
