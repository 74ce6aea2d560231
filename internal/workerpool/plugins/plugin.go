// Package plugins implements the worker pool's task plugin registry
// (spec.md §4.8): each plugin is keyed by a task.kind string and
// produces a result envelope, generalized from the teacher's
// executor/actions.Registry map<type, factory> idiom.
package plugins

import "context"

// Envelope is the result contract of spec.md §4.8: every task dispatch
// produces one, whether it succeeded or failed at the plugin level.
type Envelope struct {
	Status string                 `json:"status"` // "success" | "error"
	Data   interface{}            `json:"data,omitempty"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
	Error  *EnvelopeError         `json:"error,omitempty"`
}

// EnvelopeError carries the failure detail a retry policy's error
// context is built from.
type EnvelopeError struct {
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// Success builds a success envelope.
func Success(data interface{}, meta map[string]interface{}) *Envelope {
	return &Envelope{Status: "success", Data: data, Meta: meta}
}

// Failure builds an error envelope; this is NOT a Go error — a failed
// task still completes its job, carrying the failure into the result
// the broker's retry evaluator inspects.
func Failure(err error) *Envelope {
	return &Envelope{Status: "error", Error: &EnvelopeError{Message: err.Error()}}
}

// Plugin dispatches one task.kind to an external system or sandbox,
// returning the envelope it produced. A non-nil error return means the
// dispatch itself failed at the infrastructure level (unknown kind,
// panic recovered, context canceled) — distinct from a task that ran
// and reported status: "error" in its own envelope.
type Plugin interface {
	Execute(ctx context.Context, config map[string]interface{}, execContext map[string]interface{}) (*Envelope, error)
}

// Factory constructs a Plugin instance; plugins are stateless or
// pooled internally, matching the teacher's actions.ActionFactory idiom.
type Factory func() Plugin
