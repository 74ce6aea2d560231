// Package workerpool implements the worker pool (C8): leases queue
// jobs, renders the job's task against the accumulated execution
// context, dispatches to a registered task plugin, and emits the
// resulting lifecycle events.
package workerpool

import (
	"context"
	"fmt"

	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/executor/actions"
	"github.com/noetl/noetl/internal/queuemgr"
)

// renderContext builds the template context a job's task is rendered
// against: the job's base context (captured by the planner/broker at
// enqueue time), accumulated step results keyed by node_name (each
// unwrapped to its envelope's `data`, with the envelope's status and meta
// under `<step>.status`/`<step>.meta`), and the job's
// meta (`queue_meta`). Invoked exactly once per job execution.
func (p *Pool) renderContext(ctx context.Context, entry *queuemgr.Entry) (map[string]interface{}, error) {
	execContext := make(map[string]interface{}, len(entry.Context)+4)
	for k, v := range entry.Context {
		execContext[k] = v
	}
	execContext["execution_id"] = entry.ExecutionID
	execContext["catalog_id"] = entry.CatalogID
	execContext["queue_meta"] = map[string]interface{}(entry.Meta)

	completed, err := p.events.Query(ctx, entry.ExecutionID, events.QueryFilters{EventTypes: []events.EventType{events.TypeActionCompleted}})
	if err != nil {
		return nil, fmt.Errorf("workerpool: render context: query step results: %w", err)
	}
	for _, ev := range completed {
		if ev.NodeName == "" {
			continue
		}
		envelope := map[string]interface{}(ev.Result)
		execContext[ev.NodeName] = envelope["data"]
		execContext[ev.NodeName+".status"] = envelope["status"]
		execContext[ev.NodeName+".meta"] = envelope["meta"]
	}
	return execContext, nil
}

// renderTask interpolates the job's action config against execContext,
// producing the authoritative, fully-rendered task to dispatch.
func renderTask(action queuemgr.JSONMap, execContext map[string]interface{}) map[string]interface{} {
	rendered := make(map[string]interface{}, len(action))
	for k, v := range action {
		rendered[k] = renderValue(v, execContext)
	}
	return rendered
}

func renderValue(v interface{}, execContext map[string]interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return actions.InterpolateString(val, execContext)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, nested := range val {
			out[k] = renderValue(nested, execContext)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, nested := range val {
			out[i] = renderValue(nested, execContext)
		}
		return out
	default:
		return v
	}
}
