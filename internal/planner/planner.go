// Package planner implements the one-shot translator (C4) from a
// playbook plus initial inputs into the events and queue entries that
// start an execution moving, generalized from the teacher's
// workflow.Repository persistence idiom to the broker core's
// event/queue split.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/internal/queuemgr"
)

// Result is everything a single Plan call produced, returned for the
// caller (typically the HTTP execute endpoint) to report back.
type Result struct {
	ExecutionID       int64
	InitialEvents     []*events.Event
	InitialQueueEntry *queuemgr.Entry // nil if the first step was not enqueued
	WorkflowRows      []WorkflowRow
	WorkbookRows      []WorkbookRow
	TransitionRows    []TransitionRow
}

// Planner is the C4 component.
type Planner struct {
	catalog *catalog.Repository
	events  *events.Store
	queue   *queuemgr.Manager
	rows    *Repository
	gen     *ids.Generator
	logger  *slog.Logger
}

// New constructs a Planner.
func New(catalogRepo *catalog.Repository, eventStore *events.Store, queueMgr *queuemgr.Manager, rows *Repository, gen *ids.Generator, logger *slog.Logger) *Planner {
	return &Planner{catalog: catalogRepo, events: eventStore, queue: queueMgr, rows: rows, gen: gen, logger: logger}
}

// ChildLink carries the sub-playbook lineage for a nested execution
// (spec.md §4.5 "Sub-playbook invocation" and §4.7 mode B): the child's
// execution_started event records where it was spawned from so the
// iterator controller can later match it back to its parent step.
type ChildLink struct {
	ParentExecutionID int64
	ParentEventID     int64
	IterationIndex    *int
}

// Plan executes spec.md §4.4's algorithm: validate, emit
// execution_started, persist introspection rows, emit
// workflow_initialized, and dispatch the first actionable step.
func (p *Planner) Plan(ctx context.Context, catalogID int64, mergedWorkload map[string]interface{}) (*Result, error) {
	return p.plan(ctx, catalogID, mergedWorkload, nil)
}

// PlanChild is Plan for a nested execution spawned by a sub-playbook
// step or a mode-B loop iteration; it stamps the child's
// execution_started event with the parent lineage in link.
func (p *Planner) PlanChild(ctx context.Context, catalogID int64, mergedWorkload map[string]interface{}, link ChildLink) (*Result, error) {
	return p.plan(ctx, catalogID, mergedWorkload, &link)
}

func (p *Planner) plan(ctx context.Context, catalogID int64, mergedWorkload map[string]interface{}, link *ChildLink) (*Result, error) {
	pb, err := p.catalog.Playbook(ctx, catalogID)
	if err != nil {
		return nil, fmt.Errorf("planner: load playbook: %w", err)
	}
	if problems := pb.Validate(); len(problems) > 0 {
		return nil, &InvalidPlaybookError{Reasons: problems}
	}

	executionID := p.gen.Next()
	now := time.Now()

	startedEvent := &events.Event{
		ExecutionID: executionID,
		CatalogID:   catalogID,
		EventType:   events.TypeExecutionStarted,
		Status:      events.StatusCompleted,
		Timestamp:   now.UnixMilli(),
		Context:     events.JSONMap(mergedWorkload),
	}
	if link != nil {
		startedEvent.ParentExecutionID = &link.ParentExecutionID
		startedEvent.ParentEventID = &link.ParentEventID
		meta := events.JSONMap{"parent_event_id": link.ParentEventID}
		if link.IterationIndex != nil {
			meta["iteration_index"] = *link.IterationIndex
		}
		startedEvent.Meta = meta
	}
	startedID, err := p.events.Append(ctx, startedEvent)
	if err != nil {
		return nil, fmt.Errorf("planner: emit execution_started: %w", err)
	}
	startedEvent.EventID = startedID

	workflowRows, workbookRows, transitionRows := deriveRows(catalogID, pb, p.gen, now)
	if err := p.rows.SaveWorkflowRows(ctx, workflowRows); err != nil {
		return nil, fmt.Errorf("planner: persist workflow rows: %w", err)
	}
	if err := p.rows.SaveWorkbookRows(ctx, workbookRows); err != nil {
		return nil, fmt.Errorf("planner: persist workbook rows: %w", err)
	}
	if err := p.rows.SaveTransitionRows(ctx, transitionRows); err != nil {
		return nil, fmt.Errorf("planner: persist transition rows: %w", err)
	}

	initEvent := &events.Event{
		ExecutionID:   executionID,
		ParentEventID: &startedID,
		CatalogID:     catalogID,
		EventType:     events.TypeWorkflowInitialize,
		Status:        events.StatusCompleted,
		Timestamp:     time.Now().UnixMilli(),
	}
	initID, err := p.events.Append(ctx, initEvent)
	if err != nil {
		return nil, fmt.Errorf("planner: emit workflow_initialized: %w", err)
	}
	initEvent.EventID = initID

	result := &Result{
		ExecutionID:    executionID,
		InitialEvents:  []*events.Event{startedEvent, initEvent},
		WorkflowRows:   workflowRows,
		WorkbookRows:   workbookRows,
		TransitionRows: transitionRows,
	}

	actionable, ok := firstActionableStep(pb)
	if !ok {
		// workflow_initialized-only marker: the broker resolves
		// transitions on the next event (spec.md §4.4 step 6).
		return result, nil
	}

	stepStartedEvent := &events.Event{
		ExecutionID:   executionID,
		ParentEventID: &initID,
		CatalogID:     catalogID,
		EventType:     events.TypeStepStarted,
		NodeID:        fmt.Sprintf("%d:%s", executionID, actionable.Step),
		NodeName:      actionable.Step,
		NodeType:      actionable.Type,
		Status:        events.StatusStarted,
		Timestamp:     time.Now().UnixMilli(),
	}
	stepStartedID, err := p.events.Append(ctx, stepStartedEvent)
	if err != nil {
		return nil, fmt.Errorf("planner: emit step_started: %w", err)
	}
	stepStartedEvent.EventID = stepStartedID
	result.InitialEvents = append(result.InitialEvents, stepStartedEvent)

	action := events.JSONMap{}
	if actionable.Tool != nil {
		action["kind"] = actionable.Tool.Kind
		action["name"] = actionable.Tool.Name
		action["config"] = actionable.Tool.Config
	}

	queueID, err := p.queue.Enqueue(ctx, queuemgr.EnqueueInput{
		ExecutionID: executionID,
		CatalogID:   catalogID,
		NodeID:      stepStartedEvent.NodeID,
		NodeName:    actionable.Step,
		Action:      queuemgr.JSONMap(action),
		Context:     queuemgr.JSONMap(mergedWorkload),
		Meta:        queuemgr.JSONMap{"parent_event_id": initID},
		MaxAttempts: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("planner: enqueue first step: %w", err)
	}

	entry, err := p.queue.Get(ctx, executionID, stepStartedEvent.NodeID)
	if err != nil {
		p.logger.Warn("planner: could not re-read enqueued entry", "queue_id", queueID, "error", err)
	} else {
		result.InitialQueueEntry = entry
	}

	return result, nil
}

// firstActionableStep implements spec.md §4.4 step 5: the start step
// itself if it has a tool, otherwise the target of its first
// unconditional transition.
func firstActionableStep(pb *catalog.Playbook) (catalog.Step, bool) {
	start, ok := pb.StartStep()
	if !ok {
		return catalog.Step{}, false
	}
	if start.IsActionable() {
		return start, true
	}
	for _, t := range start.Next {
		if t.When == "" {
			if target, ok := pb.StepByName(t.Step); ok {
				return target, true
			}
		}
	}
	return catalog.Step{}, false
}
