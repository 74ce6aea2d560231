package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noetl/noetl/internal/ids"
)

// Listener is invoked after a successful append. Per spec.md §4.1 this
// is how the store notifies the broker's route_event; listener failures
// are logged and never abort the append.
type Listener func(ctx context.Context, eventID int64)

// Store is the event store (C1).
type Store struct {
	db            *sqlx.DB
	gen           *ids.Generator
	logger        *slog.Logger
	appendRetries int

	mu        chan struct{} // cheap mutex via buffered chan, avoids importing sync just for this
	listeners []Listener
}

// NewStore constructs a Store. appendRetries is the single bounded retry
// on transient DB errors required by spec.md §7 (pass 1 for "retried at
// most once").
func NewStore(db *sqlx.DB, gen *ids.Generator, logger *slog.Logger, appendRetries int) *Store {
	return &Store{
		db:            db,
		gen:           gen,
		logger:        logger,
		appendRetries: appendRetries,
		mu:            make(chan struct{}, 1),
	}
}

// OnAppend registers a listener invoked after every successful append.
// The broker registers its route_event dispatcher here at wiring time.
func (s *Store) OnAppend(l Listener) {
	s.mu <- struct{}{}
	s.listeners = append(s.listeners, l)
	<-s.mu
}

// Append persists ev, resolving catalog_id and enforcing the marker
// idempotency guard, then best-effort notifies listeners.
func (s *Store) Append(ctx context.Context, ev *Event) (int64, error) {
	if ev.ExecutionID == 0 {
		return 0, ErrMissingExecutionID
	}
	if !IsValidEventType(ev.EventType) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidEventType, ev.EventType)
	}
	if !IsValidStatus(ev.Status) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidStatus, ev.Status)
	}

	if err := s.resolveCatalogID(ctx, ev); err != nil {
		return 0, err
	}

	if IsMarkerType(ev.EventType) {
		if existing, found, err := s.findMarker(ctx, ev); err != nil {
			return 0, err
		} else if found {
			return existing, nil
		}
	}

	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	ev.EventID = s.gen.Next()

	if err := s.insertWithRetry(ctx, ev); err != nil {
		return 0, err
	}

	s.notify(ctx, ev.EventID)
	return ev.EventID, nil
}

// resolveCatalogID implements the fallback chain of spec.md §4.1: (a)
// already set on the payload; (b) left to the caller's context (callers
// populate ev.CatalogID from request context before calling Append — the
// store only performs the final DB fallback); (c) the execution's first
// event.
func (s *Store) resolveCatalogID(ctx context.Context, ev *Event) error {
	if ev.CatalogID != 0 {
		return nil
	}
	if ev.EventType == TypeExecutionStarted {
		return ErrMissingCatalogID
	}

	var catalogID int64
	err := s.db.GetContext(ctx, &catalogID,
		`SELECT catalog_id FROM event WHERE execution_id = $1 ORDER BY event_id ASC LIMIT 1`,
		ev.ExecutionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMissingCatalogID
		}
		return err
	}
	ev.CatalogID = catalogID
	return nil
}

// findMarker looks up an existing row for the idempotency key described
// in spec.md §3.2 invariant 3.
func (s *Store) findMarker(ctx context.Context, ev *Event) (int64, bool, error) {
	query := `
		SELECT event_id FROM event
		WHERE execution_id = $1 AND node_name = $2 AND event_type = $3
	`
	args := []interface{}{ev.ExecutionID, ev.NodeName, ev.EventType}

	if ev.EventType == TypeIterationStarted {
		query += ` AND iteration_index = $4`
		var idx int
		if ev.IterationIndex != nil {
			idx = *ev.IterationIndex
		}
		args = append(args, idx)
	}
	query += ` LIMIT 1`

	var existing int64
	err := s.db.GetContext(ctx, &existing, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return existing, true, nil
}

func (s *Store) insertWithRetry(ctx context.Context, ev *Event) error {
	query := `
		INSERT INTO event (
			event_id, parent_event_id, execution_id, parent_execution_id,
			catalog_id, event_type, node_id, node_name, node_type, status,
			timestamp, duration, context, result, meta, iteration_index
		) VALUES (
			:event_id, :parent_event_id, :execution_id, :parent_execution_id,
			:catalog_id, :event_type, :node_id, :node_name, :node_type, :status,
			:timestamp, :duration, :context, :result, :meta, :iteration_index
		)
	`

	var lastErr error
	for attempt := 0; attempt <= s.appendRetries; attempt++ {
		_, err := s.db.NamedExecContext(ctx, query, ev)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return err
		}
		s.logger.Warn("event append transient failure, retrying",
			"execution_id", ev.ExecutionID, "event_type", ev.EventType, "attempt", attempt, "error", err)
	}
	return fmt.Errorf("events: append failed after %d retries: %w", s.appendRetries, lastErr)
}

// isTransient classifies errors eligible for the single bounded retry
// (spec.md §7): connection resets and serialization/deadlock conflicts,
// never constraint violations (those are programmer/data errors).
func isTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57": // connection, transaction rollback, insufficient resources, operator intervention
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection") || strings.Contains(msg, "timeout")
}

func (s *Store) notify(ctx context.Context, eventID int64) {
	for _, l := range s.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("event listener panicked", "event_id", eventID, "panic", r)
				}
			}()
			l(ctx, eventID)
		}()
	}
}

// Get fetches a single event by id.
func (s *Store) Get(ctx context.Context, eventID int64) (*Event, error) {
	var ev Event
	err := s.db.GetContext(ctx, &ev, `SELECT * FROM event WHERE event_id = $1`, eventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("events: event %d not found", eventID)
		}
		return nil, err
	}
	return &ev, nil
}

// QueryFilters narrows Query's result set.
type QueryFilters struct {
	EventTypes []EventType
	NodeName   string
	Since      int64 // event_id exclusive lower bound, for cursoring
}

// Query returns ordered events for an execution, optionally filtered.
func (s *Store) Query(ctx context.Context, executionID int64, filters QueryFilters) ([]Event, error) {
	query := `SELECT * FROM event WHERE execution_id = $1`
	args := []interface{}{executionID}

	if filters.Since > 0 {
		query += fmt.Sprintf(" AND event_id > $%d", len(args)+1)
		args = append(args, filters.Since)
	}
	if filters.NodeName != "" {
		query += fmt.Sprintf(" AND node_name = $%d", len(args)+1)
		args = append(args, filters.NodeName)
	}
	if len(filters.EventTypes) > 0 {
		placeholders := make([]string, len(filters.EventTypes))
		for i, t := range filters.EventTypes {
			placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
			args = append(args, t)
		}
		query += " AND event_type IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY event_id ASC"

	var evs []Event
	if err := s.db.SelectContext(ctx, &evs, query, args...); err != nil {
		return nil, err
	}
	return evs, nil
}

// QueryByParentExecution returns events across all child executions
// whose parent_execution_id is parentExecutionID, optionally filtered
// by event type, ordered by event_id. Used by the iterator controller
// to find mode-B loop children without needing to know their
// execution_ids up front (spec.md §4.7 mode B).
func (s *Store) QueryByParentExecution(ctx context.Context, parentExecutionID int64, eventTypes ...EventType) ([]Event, error) {
	query := `SELECT * FROM event WHERE parent_execution_id = $1`
	args := []interface{}{parentExecutionID}

	if len(eventTypes) > 0 {
		placeholders := make([]string, len(eventTypes))
		for i, t := range eventTypes {
			placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
			args = append(args, t)
		}
		query += " AND event_type IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY event_id ASC"

	var evs []Event
	if err := s.db.SelectContext(ctx, &evs, query, args...); err != nil {
		return nil, err
	}
	return evs, nil
}

// ListExecutionsFilters narrows ListExecutions.
type ListExecutionsFilters struct {
	CatalogID int64 // 0 means unfiltered
	Before    int64 // cursor: only execution_started events with event_id < Before; 0 means unbounded
	Limit     int
}

// ListExecutions returns the most recent execution_started events,
// newest first, for GET /executions' cursor-paginated listing (§7,
// SPEC_FULL.md supplemented feature 2). The returned events' EventID
// is the next call's Before cursor.
func (s *Store) ListExecutions(ctx context.Context, filters ListExecutionsFilters) ([]Event, error) {
	query := `SELECT * FROM event WHERE event_type = $1`
	args := []interface{}{TypeExecutionStarted}

	if filters.CatalogID != 0 {
		query += fmt.Sprintf(" AND catalog_id = $%d", len(args)+1)
		args = append(args, filters.CatalogID)
	}
	if filters.Before > 0 {
		query += fmt.Sprintf(" AND event_id < $%d", len(args)+1)
		args = append(args, filters.Before)
	}
	query += " ORDER BY event_id DESC"

	limit := filters.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	var evs []Event
	if err := s.db.SelectContext(ctx, &evs, query, args...); err != nil {
		return nil, err
	}
	return evs, nil
}

// HasEventType reports whether an execution has at least one event of
// the given type, used by the broker's state classifier.
func (s *Store) HasEventType(ctx context.Context, executionID int64, t EventType) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM event WHERE execution_id = $1 AND event_type = $2`, executionID, t)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
