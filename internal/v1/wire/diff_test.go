package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateAndDiffAdditions(t *testing.T) {
	target := map[string]any{}
	diff := UpdateAndDiff(target, map[string]any{"user_name": "ada"})

	assert.Equal(t, map[string]any{"user_name": "ada"}, diff)
	assert.Equal(t, "ada", target["user_name"])
}

func TestUpdateAndDiffUnchangedAssignmentIsSilent(t *testing.T) {
	target := map[string]any{"user_name": "ada"}
	diff := UpdateAndDiff(target, map[string]any{"user_name": "ada"})

	assert.Empty(t, diff)
}

func TestUpdateAndDiffMixed(t *testing.T) {
	target := map[string]any{"user_name": "ada", "color": "red"}
	diff := UpdateAndDiff(target, map[string]any{
		"user_name": "ada",   // unchanged
		"color":     "blue",  // changed
		"cursor":    "3,4,5", // added
	})

	assert.Equal(t, map[string]any{"color": "blue", "cursor": "3,4,5"}, diff)
	assert.Equal(t, "blue", target["color"])
	assert.Equal(t, "3,4,5", target["cursor"])
}

func TestUpdateAndDiffNestedValues(t *testing.T) {
	target := map[string]any{"view": map[string]any{"zoom": 1.0}}

	diff := UpdateAndDiff(target, map[string]any{"view": map[string]any{"zoom": 1.0}})
	assert.Empty(t, diff)

	diff = UpdateAndDiff(target, map[string]any{"view": map[string]any{"zoom": 2.0}})
	assert.Len(t, diff, 1)
}

func TestUpdateAndDiffNilValue(t *testing.T) {
	target := map[string]any{"room": "r"}
	diff := UpdateAndDiff(target, map[string]any{"room": nil})

	assert.Equal(t, map[string]any{"room": nil}, diff)

	// nil to nil is unchanged
	diff = UpdateAndDiff(target, map[string]any{"room": nil})
	assert.Empty(t, diff)
}
