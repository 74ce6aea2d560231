package queuemgr

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noetl/noetl/internal/ids"
)

// SettleListener is invoked after Complete/Fail, best-effort, so the
// broker can re-evaluate the job's execution (and its parent execution,
// if the job belongs to a sub-playbook child) per spec.md §4.2.
type SettleListener func(ctx context.Context, executionID int64, parentExecutionID *int64)

// Manager is the queue manager (C2).
type Manager struct {
	db     *sqlx.DB
	gen    *ids.Generator
	logger *slog.Logger

	listeners []SettleListener
}

// NewManager constructs a Manager.
func NewManager(db *sqlx.DB, gen *ids.Generator, logger *slog.Logger) *Manager {
	return &Manager{db: db, gen: gen, logger: logger}
}

// OnSettle registers a listener invoked after Complete or Fail.
func (m *Manager) OnSettle(l SettleListener) {
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notify(ctx context.Context, executionID int64, parentExecutionID *int64) {
	for _, l := range m.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("queue settle listener panicked", "execution_id", executionID, "panic", r)
				}
			}()
			l(ctx, executionID, parentExecutionID)
		}()
	}
}

// Enqueue inserts a new queue entry, deduplicating on (execution_id,
// node_id) per spec.md §4.2 and §3.2 invariant 4. On conflict, the
// existing queue_id is returned rather than erroring.
func (m *Manager) Enqueue(ctx context.Context, in EnqueueInput) (int64, error) {
	queueID := m.gen.Next()
	availableAt := in.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var existing int64
	err := m.db.GetContext(ctx, &existing,
		`SELECT queue_id FROM queue WHERE execution_id = $1 AND node_id = $2`,
		in.ExecutionID, in.NodeID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	query := `
		INSERT INTO queue (
			queue_id, execution_id, catalog_id, node_id, node_name, action,
			context, meta, priority, status, attempts, max_attempts,
			available_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12, $13
		)
		ON CONFLICT (execution_id, node_id) DO NOTHING
		RETURNING queue_id
	`
	now := time.Now()
	var returnedID int64
	err = m.db.QueryRowxContext(ctx, query,
		queueID, in.ExecutionID, in.CatalogID, in.NodeID, in.NodeName, in.Action,
		in.Context, in.Meta, in.Priority, StatusQueued, maxAttempts, availableAt, now,
	).Scan(&returnedID)
	if errors.Is(err, sql.ErrNoRows) {
		// ON CONFLICT DO NOTHING produced no row; a concurrent enqueue won the race.
		if err := m.db.GetContext(ctx, &existing,
			`SELECT queue_id FROM queue WHERE execution_id = $1 AND node_id = $2`,
			in.ExecutionID, in.NodeID); err != nil {
			return 0, err
		}
		return existing, nil
	}
	if err != nil {
		return 0, err
	}
	return returnedID, nil
}

// EnqueueInput is the Enqueue contract's argument set.
type EnqueueInput struct {
	ExecutionID int64
	CatalogID   int64
	NodeID      string
	NodeName    string
	Action      JSONMap
	Context     JSONMap
	Meta        JSONMap
	Priority    int
	AvailableAt time.Time
	MaxAttempts int
}

// Lease atomically claims the oldest available queued entry using
// FOR UPDATE SKIP LOCKED, grounded on the teacher's
// worker.claimPendingExecution pattern, generalized from "claim an
// execution row" to "claim a queue entry".
func (m *Manager) Lease(ctx context.Context, workerID string, leaseDuration time.Duration) (*Entry, error) {
	query := `
		UPDATE queue
		SET status = $1, worker_id = $2, attempts = attempts + 1,
		    lease_until = $3, last_heartbeat = $3
		WHERE queue_id = (
			SELECT queue_id FROM queue
			WHERE status = $4 AND available_at <= $5
			ORDER BY priority DESC, queue_id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *
	`
	now := time.Now()
	leaseUntil := now.Add(leaseDuration)

	var entry Entry
	err := m.db.QueryRowxContext(ctx, query, StatusLeased, workerID, leaseUntil, StatusQueued, now).StructScan(&entry)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoWork
		}
		return nil, err
	}
	return &entry, nil
}

// Heartbeat extends a lease. Returns ErrLeaseStolen if worker_id no
// longer matches the current lessee.
func (m *Manager) Heartbeat(ctx context.Context, queueID int64, workerID string, extend time.Duration) error {
	now := time.Now()
	res, err := m.db.ExecContext(ctx,
		`UPDATE queue SET last_heartbeat = $1, lease_until = $2
		 WHERE queue_id = $3 AND worker_id = $4 AND status = $5`,
		now, now.Add(extend), queueID, workerID, StatusLeased)
	if err != nil {
		return err
	}
	return m.requireAffected(res)
}

// Complete marks a queue entry done and best-effort notifies listeners
// for both the job's execution and its parent execution.
func (m *Manager) Complete(ctx context.Context, queueID int64, workerID string) error {
	var entry Entry
	err := m.db.QueryRowxContext(ctx,
		`UPDATE queue SET status = $1 WHERE queue_id = $2 AND worker_id = $3 AND status = $4 RETURNING *`,
		StatusDone, queueID, workerID, StatusLeased,
	).StructScan(&entry)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLeaseStolen
		}
		return err
	}

	var parentExecID *int64
	if v, ok := entry.MetaInt64("parent_execution_id"); ok {
		parentExecID = &v
	}
	m.notify(ctx, entry.ExecutionID, parentExecID)
	return nil
}

// Fail records a failed attempt. If retryAllowed and attempts have not
// exhausted max_attempts, the entry is reset to queued with the given
// available_at; otherwise it is marked dead.
func (m *Manager) Fail(ctx context.Context, queueID int64, workerID string, retryAllowed bool, availableAt time.Time) error {
	var entry Entry
	err := m.db.GetContext(ctx, &entry,
		`SELECT * FROM queue WHERE queue_id = $1 AND worker_id = $2 AND status = $3`,
		queueID, workerID, StatusLeased)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLeaseStolen
		}
		return err
	}

	if retryAllowed && entry.Attempts < entry.MaxAttempts {
		_, err = m.db.ExecContext(ctx,
			`UPDATE queue SET status = $1, available_at = $2, worker_id = NULL, lease_until = NULL
			 WHERE queue_id = $3 AND worker_id = $4`,
			StatusQueued, availableAt, queueID, workerID)
	} else {
		_, err = m.db.ExecContext(ctx,
			`UPDATE queue SET status = $1 WHERE queue_id = $2 AND worker_id = $3`,
			StatusDead, queueID, workerID)
	}
	if err != nil {
		return err
	}

	var parentExecID *int64
	if v, ok := entry.MetaInt64("parent_execution_id"); ok {
		parentExecID = &v
	}
	m.notify(ctx, entry.ExecutionID, parentExecID)
	return nil
}

func (m *Manager) requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseStolen
	}
	return nil
}

// Get fetches a queue entry by (execution_id, node_id), used by the
// retry evaluator to read attempts/max_attempts (spec.md §4.6 step 1).
func (m *Manager) Get(ctx context.Context, executionID int64, nodeID string) (*Entry, error) {
	var e Entry
	err := m.db.GetContext(ctx, &e,
		`SELECT * FROM queue WHERE execution_id = $1 AND node_id = $2`, executionID, nodeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Requeue resets a dead-or-queued entry's availability for retry,
// incrementing nothing (Lease owns attempt counting); used by the retry
// evaluator after computing backoff.
func (m *Manager) Requeue(ctx context.Context, queueID int64, availableAt time.Time) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE queue SET status = $1, available_at = $2, worker_id = NULL, lease_until = NULL WHERE queue_id = $3`,
		StatusQueued, availableAt, queueID)
	return err
}

// MarkDead terminally fails a queue entry (used by the retry evaluator
// when policies are exhausted).
func (m *Manager) MarkDead(ctx context.Context, queueID int64) error {
	_, err := m.db.ExecContext(ctx, `UPDATE queue SET status = $1 WHERE queue_id = $2`, StatusDead, queueID)
	return err
}

// ActiveCount returns the number of queue entries belonging to
// executionID that are still queued or leased. The retry evaluator uses
// this after marking a step dead to decide whether any other path
// through the workflow graph could still bring the execution to
// execution_completed (spec.md §4.6 step 4).
func (m *Manager) ActiveCount(ctx context.Context, executionID int64) (int, error) {
	var n int
	err := m.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM queue WHERE execution_id = $1 AND status IN ($2, $3)`,
		executionID, StatusQueued, StatusLeased)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DepthByStatus returns the queue depth per status, feeding
// internal/metrics' gauge.
func (m *Manager) DepthByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := m.db.QueryxContext(ctx, `SELECT status, COUNT(*) AS n FROM queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	depths := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		depths[status] = n
	}
	return depths, rows.Err()
}
