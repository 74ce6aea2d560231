package queuemgr

import "errors"

var (
	// ErrNotFound is returned by Get when no entry matches (execution_id, node_id).
	ErrNotFound = errors.New("queuemgr: queue entry not found")
	// ErrLeaseStolen is returned by Heartbeat/Complete/Fail when the
	// caller's worker_id no longer matches the current lessee — the
	// lease expired and was reclaimed by redelivery or another worker
	// already completed it.
	ErrLeaseStolen = errors.New("queuemgr: lease stolen or expired")
	// ErrNoWork is returned by Lease when no queued entry is available.
	ErrNoWork = errors.New("queuemgr: no work available")
)
