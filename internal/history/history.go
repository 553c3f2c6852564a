// Package history defines the supervision audit trail: every update,
// backup, and restart outcome is exported as an Event to configured sinks.
// Sinks are best-effort; a failing sink never disturbs supervision.
package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventUpdateSuccess  EventType = "update_success"
	EventUpdateFailure  EventType = "update_failure"
	EventBackupSuccess  EventType = "backup_success"
	EventBackupFailure  EventType = "backup_failure"
	EventRestart        EventType = "restart"
	EventLivenessStart  EventType = "liveness_start"
	EventSupervisorStop EventType = "supervisor_stop"
)

// Event is one supervision outcome for one managed server.
type Event struct {
	Type       EventType `json:"type"`
	Server     string    `json:"server"`
	OccurredAt time.Time `json:"occurred_at"`
	BuildID    string    `json:"build_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for supervision events (audit/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to several sinks, logging and swallowing
// individual failures.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi { return &Multi{sinks: sinks} }

func (m *Multi) Send(ctx context.Context, e Event) error {
	for _, s := range m.sinks {
		if err := s.Send(ctx, e); err != nil {
			slog.Warn("history sink failed", "type", e.Type, "server", e.Server, "err", err)
		}
	}
	return nil
}
