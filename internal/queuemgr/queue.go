// Package queuemgr implements the persistent work queue (C2): enqueue
// with conflict-safe dedup, skip-locked lease claims, heartbeat/steal
// detection, completion/failure, and lease-expiry redelivery.
package queuemgr

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Status is the queue entry lifecycle state (spec.md §3.1).
type Status string

const (
	StatusQueued Status = "queued"
	StatusLeased Status = "leased"
	StatusDone   Status = "done"
	StatusDead   Status = "dead"
)

// JSONMap stores an open JSON object in a jsonb column.
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
		return errors.New("queuemgr: unsupported type for JSONMap")
	}
	if len(data) == 0 {
		*j = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, j)
}

// Entry is a queue row (spec.md §3.1).
type Entry struct {
	QueueID       int64     `db:"queue_id"`
	ExecutionID   int64     `db:"execution_id"`
	CatalogID     int64     `db:"catalog_id"`
	NodeID        string    `db:"node_id"`
	NodeName      string    `db:"node_name"`
	Action        JSONMap   `db:"action"` // rendered task.kind + config, opaque to queuemgr
	Context       JSONMap   `db:"context"`
	Meta          JSONMap   `db:"meta"`
	Priority      int       `db:"priority"`
	Status        Status    `db:"status"`
	Attempts      int       `db:"attempts"`
	MaxAttempts   int       `db:"max_attempts"`
	AvailableAt   time.Time `db:"available_at"`
	LeaseUntil    *time.Time `db:"lease_until"`
	LastHeartbeat *time.Time `db:"last_heartbeat"`
	WorkerID      *string   `db:"worker_id"`
	CreatedAt     time.Time `db:"created_at"`
}

// MetaInt64 reads an int64-ish value out of Meta.
func (e *Entry) MetaInt64(key string) (int64, bool) {
	if e.Meta == nil {
		return 0, false
	}
	switch v := e.Meta[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}
