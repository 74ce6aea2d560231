package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/executor/actions"
	"github.com/noetl/noetl/internal/planner"
	"github.com/noetl/noetl/internal/queuemgr"
)

// dispatchFirstStep handles the deferred-transition edge case of
// spec.md §4.4 step 6: the planner leaves an execution in the
// `initial` state when its start step is itself not actionable and
// every one of its `next:` transitions is guarded (none fires
// unconditionally, so the planner cannot pick a target up front). The
// broker resolves it here once the workload carried on
// execution_started is visible.
//
// When the start step is actionable, or has an unconditional `next:`
// target, the planner already dispatched it directly; this returns a
// no-op so the two code paths never race to enqueue the same step
// (the idempotency guards would absorb it harmlessly either way, but
// there is no reason to do the redundant work).
func (b *Broker) dispatchFirstStep(ctx context.Context, executionID, catalogID int64) error {
	pb, err := b.catalog.Playbook(ctx, catalogID)
	if err != nil {
		return permanentErr(executionID, "load playbook", err)
	}
	start, ok := pb.StartStep()
	if !ok {
		return permanentErr(executionID, "missing start step", fmt.Errorf("invalid playbook"))
	}
	if start.IsActionable() {
		return nil
	}
	for _, t := range start.Next {
		if t.When == "" {
			return nil // planner already dispatched this target directly
		}
	}

	initEvents, err := b.events.Query(ctx, executionID, events.QueryFilters{EventTypes: []events.EventType{events.TypeWorkflowInitialize}})
	if err != nil {
		return transientErr(executionID, "query workflow_initialized", err)
	}
	if len(initEvents) == 0 {
		return transientErr(executionID, "dispatch first step", fmt.Errorf("workflow_initialized not yet visible"))
	}
	parentEventID := initEvents[0].EventID

	evalCtx, err := b.buildEvalContext(ctx, executionID, catalogID)
	if err != nil {
		return transientErr(executionID, "build eval context", err)
	}
	evalCtx["_meta"] = map[string]interface{}{
		"parent_event_id":     parentEventID,
		"parent_execution_id": executionID,
	}

	return b.fireTransitions(ctx, executionID, catalogID, pb, start.Next, evalCtx, parentEventID)
}

// processCompletedSteps implements spec.md §4.5's algorithm: find every
// step with an action_completed (or synthetic iterator_completed) that
// has no step_completed yet, close it out, and fan out its transitions.
func (b *Broker) processCompletedSteps(ctx context.Context, executionID, catalogID int64) error {
	completed, err := b.events.Query(ctx, executionID, events.QueryFilters{EventTypes: []events.EventType{events.TypeActionCompleted}})
	if err != nil {
		return transientErr(executionID, "query action_completed", err)
	}
	stepDone, err := b.events.Query(ctx, executionID, events.QueryFilters{EventTypes: []events.EventType{events.TypeStepCompleted}})
	if err != nil {
		return transientErr(executionID, "query step_completed", err)
	}
	done := make(map[string]bool, len(stepDone))
	for _, e := range stepDone {
		done[e.NodeName] = true
	}

	pb, err := b.catalog.Playbook(ctx, catalogID)
	if err != nil {
		return permanentErr(executionID, "load playbook", err)
	}

	seen := make(map[string]bool)
	for _, completedEvent := range completed {
		name := completedEvent.NodeName
		if name == "" || completedEvent.IterationIndex != nil || done[name] || seen[name] {
			continue
		}
		seen[name] = true
		if err := b.completeStep(ctx, executionID, catalogID, pb, completedEvent); err != nil {
			return err
		}
	}
	return nil
}

// completeStep emits step_completed for one finished step and fans out
// its transitions (spec.md §4.5 steps 2a-2e).
func (b *Broker) completeStep(ctx context.Context, executionID, catalogID int64, pb *catalog.Playbook, completedEvent events.Event) error {
	step, ok := pb.StepByName(completedEvent.NodeName)
	if !ok {
		return permanentErr(executionID, fmt.Sprintf("step %q not found in catalog_id=%d", completedEvent.NodeName, catalogID), fmt.Errorf("unknown step"))
	}

	stepCompleted := &events.Event{
		ExecutionID:   executionID,
		ParentEventID: &completedEvent.EventID,
		CatalogID:     catalogID,
		EventType:     events.TypeStepCompleted,
		NodeID:        completedEvent.NodeID,
		NodeName:      step.Step,
		NodeType:      step.Type,
		Status:        events.StatusCompleted,
		Timestamp:     time.Now().UnixMilli(),
	}
	stepCompletedID, err := b.events.Append(ctx, stepCompleted)
	if err != nil {
		return transientErr(executionID, "emit step_completed", err)
	}

	evalCtx, err := b.buildEvalContext(ctx, executionID, catalogID)
	if err != nil {
		return transientErr(executionID, "build eval context", err)
	}
	evalCtx["_meta"] = map[string]interface{}{
		"parent_event_id":     stepCompletedID,
		"parent_execution_id": executionID,
	}

	return b.fireTransitions(ctx, executionID, catalogID, pb, step.Next, evalCtx, stepCompletedID)
}

// buildEvalContext assembles the evaluation context spec.md §4.5 step
// 2c describes: workload, accumulated vars, every completed step's
// result keyed by node_name (unwrapped to its envelope's data, mirroring
// workerpool.renderContext), and execution/catalog identifiers.
//
// TODO: this context grows for the lifetime of a long-running
// execution with no eviction of older step results; spec.md does not
// call for a cap and none is introduced here (see DESIGN.md Open
// Question 4) — revisit only if a playbook with very large step counts
// shows measurable memory pressure.
func (b *Broker) buildEvalContext(ctx context.Context, executionID, catalogID int64) (map[string]interface{}, error) {
	started, err := b.events.Query(ctx, executionID, events.QueryFilters{EventTypes: []events.EventType{events.TypeExecutionStarted}})
	if err != nil {
		return nil, fmt.Errorf("query execution_started: %w", err)
	}

	workload := map[string]interface{}{}
	if len(started) > 0 {
		workload = map[string]interface{}(started[0].Context)
	}

	evalCtx := map[string]interface{}{
		"execution_id": executionID,
		"catalog_id":   catalogID,
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

	completed, err := b.events.Query(ctx, executionID, events.QueryFilters{EventTypes: []events.EventType{events.TypeActionCompleted}})
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

// fireTransitions evaluates next in declaration order and fires every
// truthy transition (all-match, spec.md §4.5 step 2d — never
// first-match; that semantics belongs only to retry policies, §4.6).
func (b *Broker) fireTransitions(ctx context.Context, executionID, catalogID int64, pb *catalog.Playbook, next []catalog.Transition, evalCtx map[string]interface{}, parentEventID int64) error {
	matched, err := b.evaluator.EvaluateTransitions(next, evalCtx)
	if err != nil {
		return permanentErr(executionID, "evaluate transitions", err)
	}
	for _, t := range matched {
		if err := b.fireTransition(ctx, executionID, catalogID, pb, t, evalCtx, parentEventID); err != nil {
			return err
		}
	}
	return nil
}

// fireTransition implements spec.md §4.5 step 2e's three outcomes for
// one firing transition.
func (b *Broker) fireTransition(ctx context.Context, executionID, catalogID int64, pb *catalog.Playbook, t catalog.Transition, evalCtx map[string]interface{}, parentEventID int64) error {
	target, found := pb.StepByName(t.Step)
	if t.Step == "end" {
		return b.completeExecution(ctx, executionID, catalogID, target, t, evalCtx, parentEventID)
	}
	if !found {
		return permanentErr(executionID, fmt.Sprintf("transition target %q not found", t.Step), fmt.Errorf("unknown step"))
	}

	renderedCtx := renderTransitionContext(t, evalCtx)

	if target.Loop != nil {
		return b.iterator.Expand(ctx, executionID, catalogID, target, parentEventID, renderedCtx)
	}
	if target.Tool != nil && target.Tool.Kind == "playbook" {
		return b.invokeSubPlaybook(ctx, executionID, catalogID, target, parentEventID, renderedCtx)
	}
	return b.enqueueStep(ctx, executionID, catalogID, target, parentEventID, renderedCtx)
}

// completeExecution emits execution_completed carrying the rendered
// result mapping: the target `end` step's own `result:` block when one
// is declared in the catalog, otherwise the firing transition's `data`.
func (b *Broker) completeExecution(ctx context.Context, executionID, catalogID int64, target catalog.Step, t catalog.Transition, evalCtx map[string]interface{}, parentEventID int64) error {
	resultMapping := target.Result
	if resultMapping == nil {
		resultMapping = t.Data
	}
	rendered := renderValue(resultMapping, evalCtx)

	execCompleted := &events.Event{
		ExecutionID:   executionID,
		ParentEventID: &parentEventID,
		CatalogID:     catalogID,
		EventType:     events.TypeExecutionCompleted,
		Status:        events.StatusCompleted,
		Timestamp:     time.Now().UnixMilli(),
		Result:        events.JSONMap{"status": "success", "data": rendered},
	}
	if _, err := b.events.Append(ctx, execCompleted); err != nil {
		return transientErr(executionID, "emit execution_completed", err)
	}
	return nil
}

// enqueueStep emits step_started and enqueues the rendered job for the
// ordinary (non-loop, non-sub-playbook) case.
func (b *Broker) enqueueStep(ctx context.Context, executionID, catalogID int64, target catalog.Step, parentEventID int64, renderedCtx map[string]interface{}) error {
	nodeID := fmt.Sprintf("%d:%s", executionID, target.Step)
	stepStarted := &events.Event{
		ExecutionID:   executionID,
		ParentEventID: &parentEventID,
		CatalogID:     catalogID,
		EventType:     events.TypeStepStarted,
		NodeID:        nodeID,
		NodeName:      target.Step,
		NodeType:      target.Type,
		Status:        events.StatusStarted,
		Timestamp:     time.Now().UnixMilli(),
	}
	stepStartedID, err := b.events.Append(ctx, stepStarted)
	if err != nil {
		return transientErr(executionID, "emit step_started", err)
	}

	action := queuemgr.JSONMap{}
	if target.Tool != nil {
		action["kind"] = target.Tool.Kind
		action["name"] = target.Tool.Name
		action["config"] = target.Tool.Config
	}

	if _, err := b.queue.Enqueue(ctx, queuemgr.EnqueueInput{
		ExecutionID: executionID,
		CatalogID:   catalogID,
		NodeID:      nodeID,
		NodeName:    target.Step,
		Action:      action,
		Context:     queuemgr.JSONMap(renderedCtx),
		Meta:        queuemgr.JSONMap{"parent_event_id": stepStartedID},
		MaxAttempts: maxAttemptsOf(target),
	}); err != nil {
		return transientErr(executionID, "enqueue step", err)
	}
	return nil
}

// maxAttemptsOf seeds the queue row's max_attempts from the step's
// first retry policy so queuemgr's own bookkeeping columns stay
// consistent with it; the actual retry decision is always
// internal/retry.Handler re-evaluating the full ordered policy list
// against the live error, never this column.
func maxAttemptsOf(step catalog.Step) int {
	if len(step.Retry) == 0 || step.Retry[0].Then.MaxAttempts <= 0 {
		return 1
	}
	return step.Retry[0].Then.MaxAttempts
}

// invokeSubPlaybook handles a plain (non-loop) `tool.kind == playbook`
// transition target. Workers talk to the server only through the queue
// and event APIs (spec.md §5), so there is no path for a queued job to
// call back into the planner itself; the broker plans the child
// execution directly instead, the same way the iterator controller
// already does for mode-B loop iterations. See DESIGN.md for the full
// reasoning.
func (b *Broker) invokeSubPlaybook(ctx context.Context, executionID, catalogID int64, target catalog.Step, parentEventID int64, renderedCtx map[string]interface{}) error {
	nodeID := fmt.Sprintf("%d:%s", executionID, target.Step)
	stepStarted := &events.Event{
		ExecutionID:   executionID,
		ParentEventID: &parentEventID,
		CatalogID:     catalogID,
		EventType:     events.TypeStepStarted,
		NodeID:        nodeID,
		NodeName:      target.Step,
		NodeType:      target.Type,
		Status:        events.StatusStarted,
		Timestamp:     time.Now().UnixMilli(),
	}
	stepStartedID, err := b.events.Append(ctx, stepStarted)
	if err != nil {
		return transientErr(executionID, "emit step_started for sub-playbook", err)
	}

	childCatalogID := toolCatalogID(target.Tool)
	if childCatalogID == 0 {
		return permanentErr(executionID, fmt.Sprintf("step %q: tool.kind=playbook has no resolved catalog_id", target.Step), fmt.Errorf("unresolved sub-playbook target"))
	}

	if _, err := b.planner.PlanChild(ctx, childCatalogID, renderedCtx, planner.ChildLink{
		ParentExecutionID: executionID,
		ParentEventID:     stepStartedID,
	}); err != nil {
		return transientErr(executionID, "plan sub-playbook child", err)
	}
	return nil
}

func toolCatalogID(tool *catalog.ToolRef) int64 {
	if tool == nil {
		return 0
	}
	switch v := tool.Config["catalog_id"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// onExecutionCompleted handles a child execution's own completion: it
// loads the child's execution_started event to learn whether it was
// spawned from a parent at all, and if so resolves that lineage via
// checkChildCompletion. Top-level executions (no parent) are a no-op.
func (b *Broker) onExecutionCompleted(ctx context.Context, childCompleted *events.Event) error {
	started, err := b.events.Query(ctx, childCompleted.ExecutionID, events.QueryFilters{EventTypes: []events.EventType{events.TypeExecutionStarted}})
	if err != nil {
		return transientErr(childCompleted.ExecutionID, "query execution_started for completion lineage", err)
	}
	if len(started) == 0 || started[0].ParentExecutionID == nil {
		return nil
	}
	return b.checkChildCompletion(ctx, *started[0].ParentExecutionID, &started[0], childCompleted)
}

// checkChildCompletion disambiguates the two shapes a completed child
// execution can have (spec.md §4.5 "Sub-playbook invocation" and §4.7
// mode B), both of which stamp `parent_event_id` (and, for loop
// iterations, `iteration_index`) onto the child's execution_started
// event via planner.ChildLink:
//
//   - mode-B loop iteration: childStarted.ParentEventID points at the
//     step's own iteration_started event, which in turn carries the
//     loop step's step_started event as ITS parent. Delegate to the
//     iterator controller, which knows how to wait for every sibling
//     iteration and aggregate.
//   - plain sub-playbook invocation: childStarted.ParentEventID points
//     directly at the parent step's step_started event. Pass the
//     child's result through as that step's own action_completed and
//     let normal transition processing continue.
func (b *Broker) checkChildCompletion(ctx context.Context, parentExecutionID int64, childStarted, childCompleted *events.Event) error {
	if childStarted.ParentEventID == nil {
		return nil
	}
	linkEvent, err := b.events.Get(ctx, *childStarted.ParentEventID)
	if err != nil {
		return transientErr(parentExecutionID, "load child lineage event", err)
	}

	if _, isIteration := childStarted.MetaInt("iteration_index"); isIteration {
		return b.checkLoopChildCompletion(ctx, parentExecutionID, linkEvent)
	}
	return b.completeSubPlaybookStep(ctx, parentExecutionID, linkEvent, childCompleted)
}

// checkLoopChildCompletion resolves the loop step and its step_started
// event id from the iteration_started event (linkEvent), then defers
// to the iterator controller, which owns the "are all siblings done"
// check and aggregation (spec.md §4.7 mode B).
func (b *Broker) checkLoopChildCompletion(ctx context.Context, parentExecutionID int64, iterationStarted *events.Event) error {
	if iterationStarted.ParentEventID == nil {
		return permanentErr(parentExecutionID, "iteration_started missing parent_event_id", fmt.Errorf("malformed lineage"))
	}
	loopStepStarted, err := b.events.Get(ctx, *iterationStarted.ParentEventID)
	if err != nil {
		return transientErr(parentExecutionID, "load loop step_started", err)
	}

	pb, err := b.catalog.Playbook(ctx, loopStepStarted.CatalogID)
	if err != nil {
		return permanentErr(parentExecutionID, "load parent playbook", err)
	}
	step, ok := pb.StepByName(loopStepStarted.NodeName)
	if !ok {
		return permanentErr(parentExecutionID, fmt.Sprintf("loop step %q not found", loopStepStarted.NodeName), fmt.Errorf("unknown step"))
	}

	done, err := b.iterator.CheckChildCompletion(ctx, parentExecutionID, loopStepStarted.CatalogID, step, loopStepStarted.EventID)
	if err != nil {
		return transientErr(parentExecutionID, "check loop child completion", err)
	}
	if !done {
		return nil
	}
	return b.processCompletedSteps(ctx, parentExecutionID, loopStepStarted.CatalogID)
}

// completeSubPlaybookStep passes a plain sub-playbook child's result
// through as its parent step's action_completed, then lets
// processCompletedSteps close the step out and fan out transitions
// exactly as it would for a worker-dispatched step.
func (b *Broker) completeSubPlaybookStep(ctx context.Context, parentExecutionID int64, parentStepStarted, childCompleted *events.Event) error {
	actionCompleted := &events.Event{
		ExecutionID:   parentExecutionID,
		ParentEventID: &childCompleted.EventID,
		CatalogID:     parentStepStarted.CatalogID,
		EventType:     events.TypeActionCompleted,
		NodeID:        parentStepStarted.NodeID,
		NodeName:      parentStepStarted.NodeName,
		Status:        events.StatusCompleted,
		Timestamp:     time.Now().UnixMilli(),
		Result:        childCompleted.Result,
	}
	if _, err := b.events.Append(ctx, actionCompleted); err != nil {
		return transientErr(parentExecutionID, "emit action_completed for sub-playbook step", err)
	}
	return b.processCompletedSteps(ctx, parentExecutionID, parentStepStarted.CatalogID)
}

// renderTransitionContext implements spec.md §4.5's payload precedence
// rule: within a transition's own overlay, `with` is lowest priority,
// then `payload`, then `args` (the rule's "input"); the transition's
// `data` is applied last, overlaying everything else. The merged map
// is then rendered (template interpolation) against evalCtx so the job
// context the server stores is fully resolved; workers consume it
// as-is and never re-merge (spec.md §4.5).
func renderTransitionContext(t catalog.Transition, evalCtx map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(t.With)+len(t.Payload)+len(t.Args)+len(t.Data))
	for k, v := range t.With {
		merged[k] = v
	}
	for k, v := range t.Payload {
		merged[k] = v
	}
	for k, v := range t.Args {
		merged[k] = v
	}
	for k, v := range t.Data {
		merged[k] = v
	}
	rendered, _ := renderValue(merged, evalCtx).(map[string]interface{})
	return rendered
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
