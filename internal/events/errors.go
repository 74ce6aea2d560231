package events

import "errors"

// Sentinel errors surfaced by the event store, following the teacher's
// package-level error-var convention (credential.ErrUnauthorized etc.)
// rather than ad-hoc fmt.Errorf strings at call sites.
var (
	// ErrMissingCatalogID is returned by Append when catalog_id cannot be
	// resolved from the payload, the supplied context, or a prior event
	// for the execution (spec.md §4.1).
	ErrMissingCatalogID = errors.New("events: catalog_id could not be resolved and no prior event exists")
	// ErrInvalidEventType is returned when event_type is outside the
	// closed vocabulary.
	ErrInvalidEventType = errors.New("events: event_type not in the closed vocabulary")
	// ErrInvalidStatus is returned when status is outside the enum.
	ErrInvalidStatus = errors.New("events: status not in the allowed enum")
	// ErrMissingExecutionID is returned when execution_id is zero.
	ErrMissingExecutionID = errors.New("events: execution_id is required")
)
