// Package audit records workflow execution events in an append-only log.
package audit

import (
	"context"
	"time"
)

// EventType classifies an audit entry.
type EventType string

const (
	EventExecutionPaused    = EventType("execution_paused")
	EventExecutionResumed   = EventType("execution_resumed")
	EventExecutionFailed    = EventType("execution_failed")
	EventExecutionCancelled = EventType("execution_cancelled")
	EventStateEntered       = EventType("state_entered")
	EventStateTransition    = EventType("state_transition")
)

func (e EventType) String() string {
	return string(e)
}

// Entry is a single audit event. IDs are ULIDs, so entries sort by creation
// order.
type Entry struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	EventType   EventType      `json:"event_type"`
	FromState   string         `json:"from_state,omitempty"`
	ToState     string         `json:"to_state,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Log is an append-only record of execution events.
type Log interface {
	// Append adds an entry to the log, assigning ID and CreatedAt when unset.
	Append(ctx context.Context, e Entry) error

	// Entries returns the entries recorded for an execution, in append order.
	Entries(ctx context.Context, executionID string) ([]Entry, error)
}
