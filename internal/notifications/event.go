package notifications

import (
	"time"
)

// EventType represents the type of rotation lifecycle event.
type EventType string

const (
	// EventTypeStaged indicates a rotation was staged.
	EventTypeStaged EventType = "staged"

	// EventTypeCancelled indicates a pending rotation was cancelled.
	EventTypeCancelled EventType = "cancelled"

	// EventTypeFinalized indicates staged tokens became active.
	EventTypeFinalized EventType = "finalized"

	// EventTypeReloadFailed indicates a service reload failed after a token change.
	EventTypeReloadFailed EventType = "reload_failed"

	// EventTypeWriteFailed indicates a finalize write failed and the
	// coordinator is blocked.
	EventTypeWriteFailed EventType = "write_failed"
)

// Event is a rotation lifecycle event. It never carries token values.
type Event struct {
	// Type is the type of event.
	Type EventType

	// RotationID identifies the rotation the event belongs to.
	RotationID string

	// Role is "server" or "client".
	Role string

	// Services lists the service ids affected.
	Services []string

	// FinalizeAt is the scheduled finalize time for staged events.
	FinalizeAt time.Time

	// Actor is who or what triggered the event.
	Actor string

	// Error contains the failure for reload_failed and write_failed.
	Error error

	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// AllEventTypes returns all valid event types.
func AllEventTypes() []EventType {
	return []EventType{
		EventTypeStaged,
		EventTypeCancelled,
		EventTypeFinalized,
		EventTypeReloadFailed,
		EventTypeWriteFailed,
	}
}
