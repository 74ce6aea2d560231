// Package retry implements the retry evaluator (C6): inspects a failed
// action event against its step's ordered retry policies, computes
// backoff, and either re-enqueues the job or declares it (and possibly
// the whole execution) terminally failed.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/evalctx"
	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/queuemgr"
)

// Outcome reports what Handle did, for the broker's logging/metrics.
type Outcome struct {
	Requeued         bool
	Delay            time.Duration
	TerminalFail     bool
	ExecutionFailed  bool
}

// Handler is the C6 component.
type Handler struct {
	queue     *queuemgr.Manager
	catalog   *catalog.Repository
	events    *events.Store
	evaluator *evalctx.Evaluator
	logger    *slog.Logger
	randFloat func() float64
}

// New constructs a Handler.
func New(queueMgr *queuemgr.Manager, catalogRepo *catalog.Repository, eventStore *events.Store, evaluator *evalctx.Evaluator, logger *slog.Logger) *Handler {
	return &Handler{
		queue:     queueMgr,
		catalog:   catalogRepo,
		events:    eventStore,
		evaluator: evaluator,
		logger:    logger,
		randFloat: defaultRandFloat,
	}
}

// Handle processes an action_error/action_failed event per spec.md
// §4.6. It does not check whether the entry was already handled: each
// call requeues the entry or fails it terminally and emits the matching
// events again, and any error from the Manager is returned.
func (h *Handler) Handle(ctx context.Context, errEvent *events.Event) (*Outcome, error) {
	entry, err := h.queue.Get(ctx, errEvent.ExecutionID, errEvent.NodeID)
	if err != nil {
		return nil, fmt.Errorf("retry: load queue entry: %w", err)
	}

	pb, err := h.catalog.Playbook(ctx, errEvent.CatalogID)
	if err != nil {
		return nil, fmt.Errorf("retry: load playbook: %w", err)
	}
	step, ok := pb.StepByName(errEvent.NodeName)
	if !ok {
		return nil, fmt.Errorf("retry: step %q not found in catalog_id=%d", errEvent.NodeName, errEvent.CatalogID)
	}

	evalContext := buildErrorContext(errEvent, entry.Attempts)

	var policy *catalog.RetryPolicy
	if len(step.Retry) > 0 {
		policy, err = h.evaluator.EvaluateRetryPolicies(step.Retry, evalContext)
		if err != nil {
			return nil, fmt.Errorf("retry: evaluate policies: %w", err)
		}
	}

	if policy == nil || entry.Attempts >= policy.Then.MaxAttempts {
		return h.terminalFail(ctx, errEvent, entry)
	}

	delay := calculateBackoff(
		policy.Then.InitialDelay,
		orDefault(policy.Then.BackoffMultiplier, 2.0),
		orDefault(policy.Then.MaxDelay, policy.Then.InitialDelay),
		entry.Attempts,
		policy.Then.Jitter,
		h.randFloat,
	)
	availableAt := time.Now().Add(delay)

	if err := h.queue.Requeue(ctx, entry.QueueID, availableAt); err != nil {
		return nil, fmt.Errorf("retry: requeue: %w", err)
	}

	retryEvent := &events.Event{
		ExecutionID:   errEvent.ExecutionID,
		ParentEventID: &errEvent.EventID,
		CatalogID:     errEvent.CatalogID,
		EventType:     events.TypeStepRetry,
		NodeID:        errEvent.NodeID,
		NodeName:      errEvent.NodeName,
		Status:        events.StatusRetry,
		Timestamp:     time.Now().UnixMilli(),
		Meta: events.JSONMap{
			"attempt":      entry.Attempts,
			"delay":        delay.Seconds(),
			"available_at": availableAt.Unix(),
		},
	}
	if _, err := h.events.Append(ctx, retryEvent); err != nil {
		return nil, fmt.Errorf("retry: emit step_retry: %w", err)
	}

	return &Outcome{Requeued: true, Delay: delay}, nil
}

// terminalFail emits step_retry_exhausted then step_failed_terminal and
// marks the queue entry dead. Retries for this step are exhausted
// either way (spec.md §4.6 step 4); whether that also ends the
// execution depends on whether any other queue entry for it is still
// queued or leased — if nothing else can still reach
// execution_completed, terminalFail additionally emits execution_failed
// so the execution does not hang in_progress forever (P7).
func (h *Handler) terminalFail(ctx context.Context, errEvent *events.Event, entry *queuemgr.Entry) (*Outcome, error) {
	exhausted := &events.Event{
		ExecutionID:   errEvent.ExecutionID,
		ParentEventID: &errEvent.EventID,
		CatalogID:     errEvent.CatalogID,
		EventType:     events.TypeStepRetryExhausted,
		NodeID:        errEvent.NodeID,
		NodeName:      errEvent.NodeName,
		Status:        events.StatusFailed,
		Timestamp:     time.Now().UnixMilli(),
	}
	exhaustedID, err := h.events.Append(ctx, exhausted)
	if err != nil {
		return nil, fmt.Errorf("retry: emit step_retry_exhausted: %w", err)
	}

	terminal := &events.Event{
		ExecutionID:   errEvent.ExecutionID,
		ParentEventID: &exhaustedID,
		CatalogID:     errEvent.CatalogID,
		EventType:     events.TypeStepFailedTerminal,
		NodeID:        errEvent.NodeID,
		NodeName:      errEvent.NodeName,
		Status:        events.StatusFailed,
		Timestamp:     time.Now().UnixMilli(),
	}
	terminalID, err := h.events.Append(ctx, terminal)
	if err != nil {
		return nil, fmt.Errorf("retry: emit step_failed_terminal: %w", err)
	}

	if err := h.queue.MarkDead(ctx, entry.QueueID); err != nil {
		return nil, fmt.Errorf("retry: mark dead: %w", err)
	}

	outcome := &Outcome{TerminalFail: true}

	active, err := h.queue.ActiveCount(ctx, errEvent.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("retry: count active entries: %w", err)
	}
	if active > 0 {
		return outcome, nil
	}

	execFailed := &events.Event{
		ExecutionID:   errEvent.ExecutionID,
		ParentEventID: &terminalID,
		CatalogID:     errEvent.CatalogID,
		EventType:     events.TypeExecutionFailed,
		Status:        events.StatusFailed,
		Timestamp:     time.Now().UnixMilli(),
	}
	if _, err := h.events.Append(ctx, execFailed); err != nil {
		return nil, fmt.Errorf("retry: emit execution_failed: %w", err)
	}
	outcome.ExecutionFailed = true
	return outcome, nil
}

// buildErrorContext assembles the evaluation context retry policy
// guards run against (spec.md §4.6 step 2).
func buildErrorContext(errEvent *events.Event, attempt int) map[string]interface{} {
	ctx := map[string]interface{}{
		"attempt": attempt,
		"error":   errEvent.Result["error"],
	}
	if errEvent.Result != nil {
		ctx["result"] = errEvent.Result
		ctx["response"] = errEvent.Result["response"]
		ctx["status_code"] = errEvent.Result["status_code"]
	}
	return ctx
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
