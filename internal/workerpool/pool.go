package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/queuemgr"
	"github.com/noetl/noetl/internal/workerpool/plugins"
)

// Config tunes a Pool's lease/heartbeat/poll cadence (spec.md §4.8).
type Config struct {
	Concurrency   int
	LeaseDuration time.Duration
	PollInterval  time.Duration
}

// Pool is the worker pool (C8): one goroutine per concurrency slot,
// each running the per-worker lease loop of spec.md §4.8.
type Pool struct {
	queue   *queuemgr.Manager
	events  *events.Store
	plugins *plugins.Registry
	cfg     Config
	logger  *slog.Logger
	workerID string

	wg sync.WaitGroup
}

// New constructs a Pool. Each Pool instance mints its own worker_id
// token (spec.md §3.2 invariant 6's lease exclusivity relies on this
// being unique per process), generalized from the teacher's
// worker.Worker concurrency-goroutine design.
func New(queue *queuemgr.Manager, eventStore *events.Store, registry *plugins.Registry, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Pool{
		queue:    queue,
		events:   eventStore,
		plugins:  registry,
		cfg:      cfg,
		logger:   logger,
		workerID: uuid.NewString(),
	}
}

// Run starts cfg.Concurrency lease-loop goroutines and blocks until ctx
// is canceled.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool starting", "worker_id", p.workerID, "concurrency", p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	<-ctx.Done()
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, slot int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entry, err := p.queue.Lease(ctx, p.workerID, p.cfg.LeaseDuration)
		if err != nil {
			if !errors.Is(err, queuemgr.ErrNoWork) {
				p.logger.Error("lease failed", "slot", slot, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		p.runJob(ctx, entry)
	}
}

// runJob executes exactly the pseudocode of spec.md §4.8: render once,
// dispatch, emit, settle. A heartbeat goroutine renews the lease at
// T/3 until the job terminates.
func (p *Pool) runJob(ctx context.Context, entry *queuemgr.Entry) {
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeat(heartbeatCtx, entry.QueueID)

	var parentEventID *int64
	if v, ok := entry.MetaInt64("parent_event_id"); ok {
		parentEventID = &v
	}

	execContext, err := p.renderContext(ctx, entry)
	if err != nil {
		p.fail(ctx, entry, parentEventID, err)
		return
	}

	if loopCfg, ok := entry.Action["loop"]; ok {
		p.runLoopJob(ctx, entry, parentEventID, loopCfg, execContext)
		return
	}

	p.dispatchAndSettle(ctx, entry, parentEventID, entry.Action, execContext, nil)
}

func (p *Pool) heartbeat(ctx context.Context, queueID int64) {
	interval := p.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, queueID, p.workerID, p.cfg.LeaseDuration); err != nil {
				if errors.Is(err, queuemgr.ErrLeaseStolen) {
					p.logger.Warn("lease stolen, abandoning job", "queue_id", queueID)
					return
				}
				p.logger.Error("heartbeat failed", "queue_id", queueID, "error", err)
			}
		}
	}
}

// dispatchAndSettle runs a single task dispatch (one iteration, or the
// whole job when there's no loop) and emits its lifecycle events. When
// iterationIndex is non-nil this is one iteration of a mode-A loop and
// no queue.Complete/Fail call is made — the caller settles the job
// once after all iterations finish.
func (p *Pool) dispatchAndSettle(ctx context.Context, entry *queuemgr.Entry, parentEventID *int64, action queuemgr.JSONMap, execContext map[string]interface{}, iterationIndex *int) *plugins.Envelope {
	rendered := renderTask(action, execContext)
	kind, _ := rendered["kind"].(string)

	startedMeta := events.JSONMap{"queue_meta": map[string]interface{}(entry.Meta)}
	started := &events.Event{
		ExecutionID: entry.ExecutionID, ParentEventID: parentEventID, CatalogID: entry.CatalogID,
		EventType: events.TypeActionStarted, NodeID: entry.NodeID, NodeName: entry.NodeName,
		Status: events.StatusStarted, Timestamp: time.Now().UnixMilli(), Meta: startedMeta,
		IterationIndex: iterationIndex,
	}
	startedID, err := p.events.Append(ctx, started)
	if err != nil {
		p.logger.Error("emit action_started failed", "queue_id", entry.QueueID, "error", err)
	}

	envelope, dispatchErr := p.plugins.Dispatch(ctx, kind, configOf(rendered), execContext)
	if dispatchErr != nil {
		p.emitActionError(ctx, entry, &startedID, dispatchErr, iterationIndex)
		if iterationIndex == nil {
			p.fail(ctx, entry, parentEventID, dispatchErr)
		}
		return plugins.Failure(dispatchErr)
	}

	p.emitActionCompleted(ctx, entry, &startedID, envelope, iterationIndex)
	if iterationIndex == nil {
		if envelope.Status == "error" {
			p.fail(ctx, entry, parentEventID, fmt.Errorf("%s", envelopeErrorMessage(envelope)))
			return envelope
		}
		if err := p.queue.Complete(ctx, entry.QueueID, p.workerID); err != nil {
			p.logger.Error("queue.Complete failed", "queue_id", entry.QueueID, "error", err)
		}
	}
	return envelope
}

func (p *Pool) emitActionCompleted(ctx context.Context, entry *queuemgr.Entry, parentEventID *int64, envelope *plugins.Envelope, iterationIndex *int) {
	ev := &events.Event{
		ExecutionID: entry.ExecutionID, ParentEventID: parentEventID, CatalogID: entry.CatalogID,
		EventType: events.TypeActionCompleted, NodeID: entry.NodeID, NodeName: entry.NodeName,
		Status: statusFromEnvelope(envelope), Timestamp: time.Now().UnixMilli(),
		Result: envelopeToJSONMap(envelope), IterationIndex: iterationIndex,
	}
	if _, err := p.events.Append(ctx, ev); err != nil {
		p.logger.Error("emit action_completed failed", "queue_id", entry.QueueID, "error", err)
	}
}

func (p *Pool) emitActionError(ctx context.Context, entry *queuemgr.Entry, parentEventID *int64, dispatchErr error, iterationIndex *int) {
	ev := &events.Event{
		ExecutionID: entry.ExecutionID, ParentEventID: parentEventID, CatalogID: entry.CatalogID,
		EventType: events.TypeActionError, NodeID: entry.NodeID, NodeName: entry.NodeName,
		Status: events.StatusFailed, Timestamp: time.Now().UnixMilli(),
		Result:         events.JSONMap{"error": dispatchErr.Error()},
		IterationIndex: iterationIndex,
	}
	if _, err := p.events.Append(ctx, ev); err != nil {
		p.logger.Error("emit action_error failed", "queue_id", entry.QueueID, "error", err)
	}
}

// fail hands the job to the queue's fail path with retry allowed and
// available_at set to now: Manager.Fail puts the entry straight back to
// queued while attempts remain and marks it dead otherwise. The broker's
// retry evaluator (internal/retry) acts on action_error events separately.
func (p *Pool) fail(ctx context.Context, entry *queuemgr.Entry, parentEventID *int64, cause error) {
	if err := p.queue.Fail(ctx, entry.QueueID, p.workerID, true, time.Now()); err != nil {
		p.logger.Error("queue.Fail failed", "queue_id", entry.QueueID, "error", err, "cause", cause)
	}
}

func configOf(rendered map[string]interface{}) map[string]interface{} {
	if cfg, ok := rendered["config"].(map[string]interface{}); ok {
		return cfg
	}
	return rendered
}

func statusFromEnvelope(e *plugins.Envelope) events.Status {
	if e.Status == "error" {
		return events.StatusFailed
	}
	return events.StatusCompleted
}

func envelopeToJSONMap(e *plugins.Envelope) events.JSONMap {
	m := events.JSONMap{"status": e.Status, "data": e.Data}
	if e.Meta != nil {
		m["meta"] = e.Meta
	}
	if e.Error != nil {
		m["error"] = map[string]interface{}{"message": e.Error.Message, "code": e.Error.Code, "status_code": e.Error.StatusCode}
	}
	return m
}

func envelopeErrorMessage(e *plugins.Envelope) string {
	if e.Error != nil {
		return e.Error.Message
	}
	return "task reported status: error"
}
