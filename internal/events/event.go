// Package events implements the event store (C1): the append-only log
// of every state transition the broker core drives, with idempotent
// guards for marker event types and a best-effort broker notification
// hook invoked after every successful append.
package events

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// EventType is a closed vocabulary (spec.md §3.1); invalid values are
// rejected at the HTTP boundary, never stored.
type EventType string

const (
	TypeExecutionStarted   EventType = "execution_started"
	TypeWorkflowInitialize EventType = "workflow_initialized"
	TypeStepStarted        EventType = "step_started"
	TypeActionStarted      EventType = "action_started"
	TypeActionCompleted    EventType = "action_completed"
	TypeActionError        EventType = "action_error"
	TypeActionFailed       EventType = "action_failed"
	TypeStepResult         EventType = "step_result"
	TypeStepCompleted      EventType = "step_completed"
	TypeStepRetry          EventType = "step_retry"
	TypeStepRetryExhausted EventType = "step_retry_exhausted"
	TypeStepFailedTerminal EventType = "step_failed_terminal"
	TypeIterationStarted   EventType = "iteration_started"
	TypeIteratorCompleted  EventType = "iterator_completed"
	TypeExecutionCompleted EventType = "execution_completed"
	TypeExecutionFailed    EventType = "execution_failed"
)

var validEventTypes = map[EventType]bool{
	TypeExecutionStarted: true, TypeWorkflowInitialize: true, TypeStepStarted: true,
	TypeActionStarted: true, TypeActionCompleted: true, TypeActionError: true,
	TypeActionFailed: true, TypeStepResult: true, TypeStepCompleted: true,
	TypeStepRetry: true, TypeStepRetryExhausted: true, TypeStepFailedTerminal: true,
	TypeIterationStarted: true, TypeIteratorCompleted: true,
	TypeExecutionCompleted: true, TypeExecutionFailed: true,
}

// IsValidEventType reports whether t is in the closed vocabulary.
func IsValidEventType(t EventType) bool { return validEventTypes[t] }

// markerTypes are the event types subject to the idempotency guard of
// spec.md §3.2 invariant 3: at most one exists per (execution_id,
// node_name, event_type[, iteration_index]).
var markerTypes = map[EventType]bool{
	TypeStepStarted:      true,
	TypeStepCompleted:    true,
	TypeIteratorCompleted: true,
	TypeIterationStarted: true,
}

// IsMarkerType reports whether t is subject to the idempotency guard.
func IsMarkerType(t EventType) bool { return markerTypes[t] }

// Status is the small status enum of spec.md §3.1.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusStarted   Status = "STARTED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRetry     Status = "RETRY"
)

var validStatuses = map[Status]bool{
	StatusPending: true, StatusStarted: true, StatusRunning: true,
	StatusCompleted: true, StatusFailed: true, StatusRetry: true,
}

// IsValidStatus reports whether s is one of the allowed enum values.
func IsValidStatus(s Status) bool { return validStatuses[s] }

// JSONMap stores an open JSON object in a Postgres jsonb column.
// Mirrors the teacher's jsonb Valuer/Scanner pair idiom.
type JSONMap map[string]interface{}

func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("events: unsupported type for JSONMap")
	}
	if len(data) == 0 {
		*j = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, j)
}

// Event is the append-only record of spec.md §3.1.
type Event struct {
	EventID            int64     `db:"event_id" json:"event_id"`
	ParentEventID      *int64    `db:"parent_event_id" json:"parent_event_id,omitempty"`
	ExecutionID        int64     `db:"execution_id" json:"execution_id"`
	ParentExecutionID  *int64    `db:"parent_execution_id" json:"parent_execution_id,omitempty"`
	CatalogID          int64     `db:"catalog_id" json:"catalog_id"`
	EventType          EventType `db:"event_type" json:"event_type"`
	NodeID             string    `db:"node_id" json:"node_id,omitempty"`
	NodeName           string    `db:"node_name" json:"node_name,omitempty"`
	NodeType           string    `db:"node_type" json:"node_type,omitempty"`
	Status             Status    `db:"status" json:"status"`
	Timestamp          int64     `db:"timestamp" json:"timestamp"`
	Duration           int64     `db:"duration" json:"duration,omitempty"`
	Context            JSONMap   `db:"context" json:"context,omitempty"`
	Result             JSONMap   `db:"result" json:"result,omitempty"`
	Meta               JSONMap   `db:"meta" json:"meta,omitempty"`
	IterationIndex     *int      `db:"iteration_index" json:"iteration_index,omitempty"`
}

// MetaInt reads an int64-ish value out of Meta, tolerating json's
// float64 decoding of numbers.
func (e *Event) MetaInt(key string) (int64, bool) {
	if e.Meta == nil {
		return 0, false
	}
	v, ok := e.Meta[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}
