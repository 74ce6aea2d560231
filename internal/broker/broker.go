// Package broker implements the broker/orchestrator core (C5): the
// single reentrant dispatcher that reacts to every appended event,
// classifies the execution it belongs to, and drives the workflow
// graph forward by emitting further events and queue entries.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/evalctx"
	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/iterator"
	"github.com/noetl/noetl/internal/planner"
	"github.com/noetl/noetl/internal/queuemgr"
	"github.com/noetl/noetl/internal/retry"
	"github.com/noetl/noetl/internal/tracing"
)

// executionState is the three-state classification of spec.md §4.5.
type executionState int

const (
	stateInitial executionState = iota
	stateInProgress
	stateCompleted
)

// Broker is the C5 component. It owns no database connection of its
// own; every read and write is delegated to the components that
// already own that table.
type Broker struct {
	events    *events.Store
	queue     *queuemgr.Manager
	catalog   *catalog.Repository
	planner   *planner.Planner
	retry     *retry.Handler
	iterator  *iterator.Controller
	evaluator *evalctx.Evaluator
	logger    *slog.Logger
}

// New constructs a Broker.
func New(eventStore *events.Store, queueMgr *queuemgr.Manager, catalogRepo *catalog.Repository, pl *planner.Planner, retryHandler *retry.Handler, iteratorCtl *iterator.Controller, evaluator *evalctx.Evaluator, logger *slog.Logger) *Broker {
	return &Broker{
		events:    eventStore,
		queue:     queueMgr,
		catalog:   catalogRepo,
		planner:   pl,
		retry:     retryHandler,
		iterator:  iteratorCtl,
		evaluator: evaluator,
		logger:    logger,
	}
}

// RouteEvent is the broker's sole entry point (spec.md §4.1): register
// it with events.Store.OnAppend at wiring time. It re-fetches the
// event by id rather than trusting a passed-in value, since the
// listener may run arbitrarily later than the append that triggered
// it (events.Store.notify is synchronous today, but RouteEvent does
// not depend on that).
func (b *Broker) RouteEvent(ctx context.Context, eventID int64) {
	defer func() {
		if r := recover(); r != nil {
			err := tracing.RecoverAndReport(r)
			b.logger.Error("broker: route_event panicked", "event_id", eventID, "error", err)
		}
	}()

	ev, err := b.events.Get(ctx, eventID)
	if err != nil {
		b.logger.Error("broker: load routed event failed", "event_id", eventID, "error", err)
		return
	}
	if err := b.route(ctx, ev); err != nil {
		b.logger.Error("broker: route_event failed",
			"event_id", eventID, "execution_id", ev.ExecutionID, "event_type", ev.EventType, "error", err)

		var execErr *ExecutionError
		if !errors.As(err, &execErr) || !execErr.Transient {
			tracing.CaptureError(err)
		}
	}
}

// route is spec.md §4.1's dispatch switch. Every branch is safe to run
// concurrently with itself for the same execution: idempotency guards
// in the event store and queue absorb the duplicate work a reentrant
// caller can produce (spec.md §5).
func (b *Broker) route(ctx context.Context, ev *events.Event) error {
	state, err := b.classify(ctx, ev.ExecutionID)
	if err != nil {
		return transientErr(ev.ExecutionID, "classify execution", err)
	}
	if state == stateCompleted {
		return nil
	}
	if state == stateInitial {
		return b.dispatchFirstStep(ctx, ev.ExecutionID, ev.CatalogID)
	}

	switch ev.EventType {
	case events.TypeActionCompleted, events.TypeIteratorCompleted:
		return b.processCompletedSteps(ctx, ev.ExecutionID, ev.CatalogID)
	case events.TypeActionError, events.TypeActionFailed:
		_, err := b.retry.Handle(ctx, ev)
		return err
	case events.TypeExecutionCompleted:
		return b.onExecutionCompleted(ctx, ev)
	case events.TypeActionStarted, events.TypeIterationStarted, events.TypeStepStarted, events.TypeStepCompleted,
		events.TypeStepRetry, events.TypeStepRetryExhausted, events.TypeStepFailedTerminal,
		events.TypeExecutionStarted, events.TypeWorkflowInitialize, events.TypeExecutionFailed,
		events.TypeStepResult:
		return nil
	default:
		return fmt.Errorf("broker: unhandled event_type %q", ev.EventType)
	}
}

// classify implements spec.md §4.5's three-state model: an execution
// is completed once it has an execution_completed or execution_failed
// event, in_progress once its first step_started has been observed,
// and initial otherwise.
func (b *Broker) classify(ctx context.Context, executionID int64) (executionState, error) {
	for _, t := range []events.EventType{events.TypeExecutionCompleted, events.TypeExecutionFailed} {
		has, err := b.events.HasEventType(ctx, executionID, t)
		if err != nil {
			return 0, err
		}
		if has {
			return stateCompleted, nil
		}
	}
	has, err := b.events.HasEventType(ctx, executionID, events.TypeStepStarted)
	if err != nil {
		return 0, err
	}
	if has {
		return stateInProgress, nil
	}
	return stateInitial, nil
}
