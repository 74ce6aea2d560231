package workerpool

import (
	"context"
	"fmt"
	"time"

	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/queuemgr"
	"github.com/noetl/noetl/internal/workerpool/plugins"
)

// runLoopJob executes a mode-A (worker-side) loop in-process: one
// iteration_started + dispatch per item, then a single synthetic
// action_completed for the step carrying `{ results, stats }` (spec.md
// §4.7's worker-side aggregation contract), followed by queue.Complete.
func (p *Pool) runLoopJob(ctx context.Context, entry *queuemgr.Entry, parentEventID *int64, loopCfg interface{}, execContext map[string]interface{}) {
	loop, ok := loopCfg.(map[string]interface{})
	if !ok {
		p.fail(ctx, entry, parentEventID, fmt.Errorf("workerpool: malformed loop config on queue_id=%d", entry.QueueID))
		return
	}
	element, _ := loop["element"].(string)
	items, _ := loop["items"].([]interface{})

	taskAction := queuemgr.JSONMap{
		"kind":   entry.Action["kind"],
		"name":   entry.Action["name"],
		"config": entry.Action["config"],
	}

	results := make([]interface{}, 0, len(items))
	success, failed := 0, 0

	for i, item := range items {
		idx := i
		itemContext := mergeItem(execContext, element, item)

		iterStarted := &events.Event{
			ExecutionID: entry.ExecutionID, ParentEventID: parentEventID, CatalogID: entry.CatalogID,
			EventType: events.TypeIterationStarted, NodeID: entry.NodeID, NodeName: entry.NodeName,
			Status: events.StatusStarted, Timestamp: time.Now().UnixMilli(), IterationIndex: &idx,
			Meta: events.JSONMap{"iteration_index": idx, "iteration_count": len(items), "iteration_item": item},
		}
		iterID, err := p.events.Append(ctx, iterStarted)
		if err != nil {
			p.logger.Error("emit iteration_started failed", "queue_id", entry.QueueID, "error", err)
		}

		envelope := p.dispatchAndSettle(ctx, entry, &iterID, taskAction, itemContext, &idx)
		if envelope.Status == "error" {
			failed++
		} else {
			success++
		}
		results = append(results, map[string]interface{}{
			"index": i, "status": envelope.Status, "data": envelope.Data, "error": envelope.Error,
		})
	}

	final := plugins.Success(map[string]interface{}{
		"results": results,
		"stats":   map[string]interface{}{"total": len(items), "success": success, "failed": failed},
	}, nil)

	p.emitActionCompleted(ctx, entry, parentEventID, final, nil)
	if err := p.queue.Complete(ctx, entry.QueueID, p.workerID); err != nil {
		p.logger.Error("queue.Complete failed for loop job", "queue_id", entry.QueueID, "error", err)
	}
}

// mergeItem overlays a loop iteration's element onto a copy of the
// base context, leaving base untouched for the next iteration.
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
