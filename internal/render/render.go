// Package render implements the context-render service (§6.4): given a
// worker's own copy of a task and an optional context overlay, it
// returns the task with every `{{ }}` expression evaluated against the
// server-side view of an execution — workload, accumulated vars, and
// every completed step's result keyed by node_name. Workers call this
// once per job and then treat the result as opaque; they never
// re-evaluate a template themselves (spec.md §9's re-architecture
// note on runtime reflection in template rendering).
package render

import (
	"context"
	"fmt"

	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/executor/actions"
)

// Service is the C5-adjacent context-render endpoint's implementation.
// It duplicates internal/broker's buildEvalContext/renderValue pair
// rather than importing them, matching the established per-package
// small-helper-duplication idiom already used between
// internal/broker and internal/workerpool/context.go — this package
// has no dependency on internal/broker and deliberately stays that way.
type Service struct {
	events *events.Store
}

// New constructs a Service.
func New(eventStore *events.Store) *Service {
	return &Service{events: eventStore}
}

// RenderTask builds the evaluation context for executionID, overlays
// overlay on top of it (the request body's own `context` field — a
// caller-supplied set of values that take precedence over the
// server-assembled ones, e.g. a worker re-rendering with a refined
// loop item), and returns task with every string value's `{{ }}`
// expressions interpolated against the result.
func (s *Service) RenderTask(ctx context.Context, executionID int64, task map[string]interface{}, overlay map[string]interface{}) (map[string]interface{}, error) {
	evalCtx, err := s.buildContext(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("render: build context: %w", err)
	}
	for k, v := range overlay {
		evalCtx[k] = v
	}

	rendered, _ := renderValue(task, evalCtx).(map[string]interface{})
	return rendered, nil
}

// buildContext assembles workload, vars, and every completed step's
// envelope data/status, mirroring internal/broker.buildEvalContext.
func (s *Service) buildContext(ctx context.Context, executionID int64) (map[string]interface{}, error) {
	started, err := s.events.Query(ctx, executionID, events.QueryFilters{EventTypes: []events.EventType{events.TypeExecutionStarted}})
	if err != nil {
		return nil, fmt.Errorf("query execution_started: %w", err)
	}

	workload := map[string]interface{}{}
	if len(started) > 0 {
		workload = map[string]interface{}(started[0].Context)
	}

	evalCtx := map[string]interface{}{
		"execution_id": executionID,
		"workload":     workload,
	}
	if vars, ok := workload["vars"].(map[string]interface{}); ok {
		evalCtx["vars"] = vars
	} else {
		evalCtx["vars"] = map[string]interface{}{}
	}
	for k, v := range workload {
		if _, exists := evalCtx[k]; !exists {
			evalCtx[k] = v
		}
	}

	completed, err := s.events.Query(ctx, executionID, events.QueryFilters{EventTypes: []events.EventType{events.TypeActionCompleted}})
	if err != nil {
		return nil, fmt.Errorf("query action_completed: %w", err)
	}
	for _, ev := range completed {
		if ev.NodeName == "" || ev.IterationIndex != nil {
			continue
		}
		envelope := map[string]interface{}(ev.Result)
		evalCtx[ev.NodeName] = envelope["data"]
		evalCtx[ev.NodeName+".status"] = envelope["status"]
	}
	return evalCtx, nil
}

func renderValue(v interface{}, evalCtx map[string]interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return actions.InterpolateString(val, evalCtx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, nested := range val {
			out[k] = renderValue(nested, evalCtx)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, nested := range val {
			out[i] = renderValue(nested, evalCtx)
		}
		return out
	default:
		return v
	}
}
