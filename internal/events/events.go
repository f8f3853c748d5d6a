package events

import (
	"context"
	"time"
)

// Type defines the kind of source lifecycle event.
type Type string

const (
	TypeStarted Type = "started"
	TypeCrashed Type = "crashed"
	TypeStopped Type = "stopped"
)

// Event records one source lifecycle transition for export to external
// systems. Events describe the child process, never its output lines.
type Event struct {
	SourceID   string    `json:"source_id"`
	Type       Type      `json:"type"`
	PID        int       `json:"pid"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for lifecycle events (audit/analytics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
