package broker

import "fmt"

// ExecutionError wraps a broker-level failure with a transient/permanent
// classification, per spec.md §4.5's "Failure semantics": broker
// evaluation errors are logged and never crash the execution, but a
// permanent error (bad playbook, malformed guard) is worth surfacing
// distinctly from a transient one (DB hiccup) in logs and metrics.
type ExecutionError struct {
	ExecutionID int64
	Op          string
	Transient   bool
	Err         error
}

func (e *ExecutionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("broker: %s (%s, execution_id=%d): %v", e.Op, kind, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func transientErr(executionID int64, op string, err error) *ExecutionError {
	return &ExecutionError{ExecutionID: executionID, Op: op, Transient: true, Err: err}
}

func permanentErr(executionID int64, op string, err error) *ExecutionError {
	return &ExecutionError{ExecutionID: executionID, Op: op, Transient: false, Err: err}
}
