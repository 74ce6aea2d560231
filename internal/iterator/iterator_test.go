package iterator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noetl/noetl/internal/events"
)

func completedEvent(index int, data interface{}) events.Event {
	idx := index
	return events.Event{
		IterationIndex: &idx,
		Status:         events.StatusCompleted,
		Result:         events.JSONMap{"data": data},
	}
}

func TestAggregate_AppendPreservesOrder(t *testing.T) {
	completed := []events.Event{
		completedEvent(0, "a"),
		completedEvent(1, "b"),
	}
	results := aggregate(completed, "append", false)
	assert.Len(t, results, 2)
	assert.Equal(t, []interface{}{events.JSONMap{"data": "a"}, events.JSONMap{"data": "b"}}, results)
}

func TestAggregate_ReplaceKeepsLastOnly(t *testing.T) {
	completed := []events.Event{completedEvent(0, "a"), completedEvent(1, "b")}
	results := aggregate(completed, "replace", false)
	assert.Len(t, results, 1)
	assert.Equal(t, events.JSONMap{"data": "b"}, results[0])
}

func TestAggregate_ExtendFlattensNestedArrays(t *testing.T) {
	completed := []events.Event{
		completedEvent(0, []interface{}{"x", "y"}),
		completedEvent(1, []interface{}{"z"}),
	}
	// the nested arrays live under Result["data"], which extend flattens
	completed[0].Result = events.JSONMap{"data": []interface{}{"x", "y"}}
	completed[1].Result = events.JSONMap{"data": []interface{}{"z"}}
	results := aggregate(completed, "extend", false)
	assert.Equal(t, []interface{}{"x", "y", "z"}, results)
}

func TestAggregate_CollectWrapsEnvelope(t *testing.T) {
	completed := []events.Event{completedEvent(0, "a")}
	results := aggregate(completed, "append", true)
	envelope := results[0].(map[string]interface{})
	assert.Contains(t, envelope, "index")
	assert.Contains(t, envelope, "status")
	assert.Contains(t, envelope, "data")
}

func TestApplyLimit_TruncatesWhenPositive(t *testing.T) {
	items := []interface{}{1, 2, 3, 4}
	assert.Equal(t, []interface{}{1, 2}, applyLimit(items, 2))
	assert.Equal(t, items, applyLimit(items, 0))
	assert.Equal(t, items, applyLimit(items, 10))
}

func TestMergeItem_AddsElementKeyWithoutMutatingBase(t *testing.T) {
	base := map[string]interface{}{"workload": "x"}
	merged := mergeItem(base, "item", "value")
	assert.Equal(t, "value", merged["item"])
	assert.Equal(t, "x", merged["workload"])
	_, baseHasItem := base["item"]
	assert.False(t, baseHasItem)
}
