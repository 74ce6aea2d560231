// Package iterator implements the iterator controller (C7): expands a
// step annotated with `loop:` into per-item work, in one of two modes,
// and aggregates results back into a single synthetic step result.
package iterator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/evalctx"
	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/internal/planner"
	"github.com/noetl/noetl/internal/queuemgr"
)

// Controller is the C7 component.
type Controller struct {
	events    *events.Store
	queue     *queuemgr.Manager
	planner   *planner.Planner
	evaluator *evalctx.Evaluator
	gen       *ids.Generator
	logger    *slog.Logger
}

// New constructs a Controller.
func New(eventStore *events.Store, queueMgr *queuemgr.Manager, pl *planner.Planner, evaluator *evalctx.Evaluator, gen *ids.Generator, logger *slog.Logger) *Controller {
	return &Controller{events: eventStore, queue: queueMgr, planner: pl, evaluator: evaluator, gen: gen, logger: logger}
}

// Expand dispatches a loop step in the mode its task.kind calls for
// (spec.md §4.7): worker-side (mode A) for self-contained tasks, or
// child-playbook (mode B) when the loop's task is itself a playbook.
func (c *Controller) Expand(ctx context.Context, executionID, catalogID int64, step catalog.Step, parentEventID int64, evalContext map[string]interface{}) error {
	loop := step.Loop
	if loop == nil {
		return fmt.Errorf("iterator: step %q has no loop config", step.Step)
	}

	items, err := c.resolveCollection(loop, evalContext)
	if err != nil {
		return fmt.Errorf("iterator: resolve collection: %w", err)
	}

	stepStartedEvent := &events.Event{
		ExecutionID:   executionID,
		ParentEventID: &parentEventID,
		CatalogID:     catalogID,
		EventType:     events.TypeStepStarted,
		NodeID:        fmt.Sprintf("%d:%s", executionID, step.Step),
		NodeName:      step.Step,
		NodeType:      step.Type,
		Status:        events.StatusStarted,
		Timestamp:     time.Now().UnixMilli(),
	}
	stepStartedID, err := c.events.Append(ctx, stepStartedEvent)
	if err != nil {
		return fmt.Errorf("iterator: emit step_started: %w", err)
	}

	if loop.Task != nil && loop.Task.Kind == "playbook" {
		return c.expandChildPlaybook(ctx, executionID, catalogID, step, stepStartedID, items, evalContext)
	}
	return c.expandWorkerSide(ctx, executionID, catalogID, step, stepStartedID, stepStartedEvent.NodeID, loop, items, evalContext)
}

// expandWorkerSide (mode A) emits a single queue entry carrying the
// full loop config; the worker iterates in-process and reports a
// single action_completed when done. No per-item enqueue happens here.
func (c *Controller) expandWorkerSide(ctx context.Context, executionID, catalogID int64, step catalog.Step, stepStartedID int64, nodeID string, loop *catalog.LoopConfig, items []interface{}, evalContext map[string]interface{}) error {
	action := events.JSONMap{
		"loop": map[string]interface{}{
			"element": loop.Element,
			"mode":    loop.Mode,
			"items":   items,
			"chunk":   loop.Chunk,
		},
	}
	if loop.Task != nil {
		action["kind"] = loop.Task.Kind
		action["name"] = loop.Task.Name
		action["config"] = loop.Task.Config
	} else if step.Tool != nil {
		action["kind"] = step.Tool.Kind
		action["name"] = step.Tool.Name
		action["config"] = step.Tool.Config
	}

	_, err := c.queue.Enqueue(ctx, queuemgr.EnqueueInput{
		ExecutionID: executionID,
		CatalogID:   catalogID,
		NodeID:      nodeID,
		NodeName:    step.Step,
		Action:      queuemgr.JSONMap(action),
		Context:     queuemgr.JSONMap(evalContext),
		Meta:        queuemgr.JSONMap{"parent_event_id": stepStartedID},
		MaxAttempts: 1,
	})
	if err != nil {
		return fmt.Errorf("iterator: enqueue worker-side loop job: %w", err)
	}
	return nil
}

// expandChildPlaybook (mode B) emits iteration_started per item and
// plans one nested execution per item, carrying ChildLink lineage so
// CheckChildCompletion can find them again. An empty resolved collection
// has no children to wait on, so it completes the step immediately
// instead of enqueueing nothing and leaving CheckChildCompletion with no
// trigger to ever re-run (boundary case B1, mirroring mode A's
// zero-iteration loop in internal/workerpool/loop.go).
func (c *Controller) expandChildPlaybook(ctx context.Context, executionID, catalogID int64, step catalog.Step, stepStartedID int64, items []interface{}, evalContext map[string]interface{}) error {
	count := len(items)
	if count == 0 {
		return c.completeLoopStep(ctx, executionID, catalogID, step, stepStartedID, []interface{}{})
	}
	for i, item := range items {
		idx := i
		meta := events.JSONMap{
			"iteration_index": idx,
			"iteration_count": count,
			"iteration_item":  item,
		}
		iterEvent := &events.Event{
			ExecutionID:    executionID,
			ParentEventID:  &stepStartedID,
			CatalogID:      catalogID,
			EventType:      events.TypeIterationStarted,
			NodeID:         fmt.Sprintf("%d:%s:%d", executionID, step.Step, idx),
			NodeName:       step.Step,
			Status:         events.StatusStarted,
			Timestamp:      time.Now().UnixMilli(),
			Meta:           meta,
			IterationIndex: &idx,
		}
		iterID, err := c.events.Append(ctx, iterEvent)
		if err != nil {
			return fmt.Errorf("iterator: emit iteration_started[%d]: %w", idx, err)
		}

		childWorkload := mergeItem(evalContext, step.Loop.Element, item)
		childCatalogID := resolveChildCatalogID(step)
		_, err = c.planner.PlanChild(ctx, childCatalogID, childWorkload, planner.ChildLink{
			ParentExecutionID: executionID,
			ParentEventID:     iterID,
			IterationIndex:    &idx,
		})
		if err != nil {
			return fmt.Errorf("iterator: plan child[%d]: %w", idx, err)
		}
	}
	return nil
}

// CheckChildCompletion re-evaluates whether every mode-B child of a
// loop step has reached execution_completed; when all have, it
// aggregates their results and emits the parent's synthetic
// action_completed and iterator_completed (spec.md §4.7 mode B).
func (c *Controller) CheckChildCompletion(ctx context.Context, parentExecutionID, catalogID int64, step catalog.Step, parentEventID int64) (bool, error) {
	started, err := c.events.Query(ctx, parentExecutionID, events.QueryFilters{
		EventTypes: []events.EventType{events.TypeIterationStarted},
		NodeName:   step.Step,
	})
	if err != nil {
		return false, fmt.Errorf("iterator: query iteration_started: %w", err)
	}
	if len(started) == 0 {
		return false, nil
	}

	completed, err := c.events.QueryByParentExecution(ctx, parentExecutionID, events.TypeExecutionCompleted)
	if err != nil {
		return false, fmt.Errorf("iterator: query child completions: %w", err)
	}
	if len(completed) < len(started) {
		return false, nil
	}

	collect := step.Loop.Task != nil // Collect carries aggregation strategy; default append
	strategy := "append"
	results := aggregate(completed, strategy, collect)

	if err := c.completeLoopStep(ctx, parentExecutionID, catalogID, step, parentEventID, results); err != nil {
		return false, err
	}
	return true, nil
}

// completeLoopStep emits the parent step's synthetic action_completed
// and iterator_completed pair once every mode-B child (if any) has
// settled, aggregating their results into `{ results, stats }` (spec.md
// §4.7). results may be empty, covering boundary case B1's immediate
// `stats = {0, 0, 0}` completion for an empty iterator collection.
func (c *Controller) completeLoopStep(ctx context.Context, executionID, catalogID int64, step catalog.Step, parentEventID int64, results []interface{}) error {
	if results == nil {
		results = []interface{}{}
	}
	actionCompleted := &events.Event{
		ExecutionID:   executionID,
		ParentEventID: &parentEventID,
		CatalogID:     catalogID,
		EventType:     events.TypeActionCompleted,
		NodeID:        fmt.Sprintf("%d:%s", executionID, step.Step),
		NodeName:      step.Step,
		Status:        events.StatusCompleted,
		Timestamp:     time.Now().UnixMilli(),
		Result: events.JSONMap{
			"results": results,
			"stats": map[string]interface{}{
				"total":   len(results),
				"success": len(results),
				"failed":  0,
			},
		},
	}
	actionID, err := c.events.Append(ctx, actionCompleted)
	if err != nil {
		return fmt.Errorf("iterator: emit action_completed: %w", err)
	}

	iterCompleted := &events.Event{
		ExecutionID:   executionID,
		ParentEventID: &actionID,
		CatalogID:     catalogID,
		EventType:     events.TypeIteratorCompleted,
		NodeID:        fmt.Sprintf("%d:%s", executionID, step.Step),
		NodeName:      step.Step,
		Status:        events.StatusCompleted,
		Timestamp:     time.Now().UnixMilli(),
	}
	if _, err := c.events.Append(ctx, iterCompleted); err != nil {
		return fmt.Errorf("iterator: emit iterator_completed: %w", err)
	}
	return nil
}

// resolveCollection evaluates a loop's `collection` source (a literal
// slice used as-is, or a string treated as a context lookup key),
// applies the optional `where:` filter item-by-item, then the optional
// `limit:` cap (spec.md §4.7's loop config).
func (c *Controller) resolveCollection(loop *catalog.LoopConfig, evalContext map[string]interface{}) ([]interface{}, error) {
	var items []interface{}
	switch v := loop.Collection.(type) {
	case []interface{}:
		items = v
	case string:
		resolved, ok := evalContext[v].([]interface{})
		if !ok {
			return nil, fmt.Errorf("collection expression %q did not resolve to an array", v)
		}
		items = resolved
	default:
		return nil, fmt.Errorf("unsupported collection type %T", v)
	}

	if loop.Where != "" {
		filtered := items[:0:0]
		for _, item := range items {
			itemCtx := mergeItem(evalContext, loop.Element, item)
			ok, err := c.evaluator.EvaluateGuard(loop.Where, itemCtx)
			if err != nil {
				return nil, fmt.Errorf("iterator: evaluate where clause: %w", err)
			}
			if ok {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}

	return applyLimit(items, loop.Limit), nil
}

func applyLimit(items []interface{}, limit int) []interface{} {
	if limit > 0 && limit < len(items) {
		return items[:limit]
	}
	return items
}

func mergeItem(base map[string]interface{}, elementName string, item interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+1)
	for k, v := range base {
		merged[k] = v
	}
	if elementName != "" {
		merged[elementName] = item
	}
	return merged
}

// resolveChildCatalogID resolves the sub-playbook's catalog_id for a
// loop task.kind == playbook; the concrete resolution (path → catalog_id
// via the catalog repository) is the caller's responsibility in the
// full wiring — here it reads the already-resolved id the broker must
// stamp onto step.Loop.Task.Config before calling Expand.
func resolveChildCatalogID(step catalog.Step) int64 {
	if step.Loop == nil || step.Loop.Task == nil {
		return 0
	}
	if v, ok := step.Loop.Task.Config["catalog_id"]; ok {
		switch n := v.(type) {
		case float64:
			return int64(n)
		case int64:
			return n
		case int:
			return int64(n)
		}
	}
	return 0
}

// aggregate applies the append/extend/replace/collect strategies of
// spec.md §4.7 over the ordered (by execution_id, a Snowflake ID and
// therefore time-ordered) completed child events.
func aggregate(completed []events.Event, strategy string, collectEnvelopes bool) []interface{} {
	var results []interface{}
	switch strategy {
	case "replace":
		if len(completed) > 0 {
			return []interface{}{envelopeOrData(completed[len(completed)-1], collectEnvelopes)}
		}
		return nil
	case "extend":
		for _, e := range completed {
			if arr, ok := e.Result["data"].([]interface{}); ok {
				results = append(results, arr...)
				continue
			}
			results = append(results, envelopeOrData(e, collectEnvelopes))
		}
		return results
	default: // append, collect
		for _, e := range completed {
			results = append(results, envelopeOrData(e, collectEnvelopes))
		}
		return results
	}
}

func envelopeOrData(e events.Event, collectEnvelopes bool) interface{} {
	if collectEnvelopes {
		return map[string]interface{}{
			"index":  e.IterationIndex,
			"status": e.Status,
			"data":   e.Result,
		}
	}
	return e.Result
}
