package wire

import "reflect"

// UpdateAndDiff merges source into target and returns the subset of source
// whose effective value changed, additions included. Assigning a key its
// current value contributes nothing, which is what keeps redundant
// metadata writes from producing broadcast traffic.
func UpdateAndDiff(target, source map[string]any) map[string]any {
	diff := make(map[string]any)
	for key, value := range source {
		current, exists := target[key]
		if exists && reflect.DeepEqual(current, value) {
			continue
		}
		target[key] = value
		diff[key] = value
	}
	return diff
}
