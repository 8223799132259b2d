// Package notifications delivers best-effort alerts about rotation
// lifecycle events.
package notifications

import (
	"context"
)

// Provider sends rotation notifications to one destination.
type Provider interface {
	// Name returns the provider name (e.g. "webhook:ops").
	Name() string

	// Send sends a notification for the given event.
	Send(ctx context.Context, event Event) error

	// SupportsEvent returns true if this provider handles the given event type.
	SupportsEvent(eventType EventType) bool

	// Validate checks if the provider configuration is valid.
	Validate(ctx context.Context) error
}

// Notifier accepts events without blocking the caller.
type Notifier interface {
	Notify(event Event)
}

// Nop discards every event.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(Event) {}
