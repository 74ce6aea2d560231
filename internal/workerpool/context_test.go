package workerpool

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noetl/noetl/internal/queuemgr"
)

func TestRenderTask_InterpolatesStringsAgainstContext(t *testing.T) {
	action := queuemgr.JSONMap{
		"kind": "http",
		"config": map[string]interface{}{
			"url": "https://api.example.com/users/{{ user_id }}",
		},
	}
	execContext := map[string]interface{}{"user_id": "42"}

	rendered := renderTask(action, execContext)
	cfg := rendered["config"].(map[string]interface{})
	assert.Equal(t, "https://api.example.com/users/42", cfg["url"])
}

func TestRenderValue_RecursesIntoNestedArraysAndMaps(t *testing.T) {
	execContext := map[string]interface{}{"name": "alice"}
	input := map[string]interface{}{
		"tags": []interface{}{"{{ name }}", "static"},
	}
	out := renderValue(input, execContext).(map[string]interface{})
	tags := out["tags"].([]interface{})
	assert.Equal(t, "alice", tags[0])
	assert.Equal(t, "static", tags[1])
}

func TestMergeItem_OverlaysElementWithoutMutatingBase(t *testing.T) {
	base := map[string]interface{}{"execution_id": int64(1)}
	merged := mergeItem(base, "item", "x")

	assert.Equal(t, "x", merged["item"])
	_, present := base["item"]
	assert.False(t, present)
}
