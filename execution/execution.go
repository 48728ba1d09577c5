// Package execution runs tasks through configurable multi-state workflows:
// a workflow template declares states and guarded transitions, and an
// execution tracks one task's progress through it, with every state change
// recorded in an audit log.
package execution

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// Status is the lifecycle status of a workflow execution.
type Status string

const (
	StatusPending   = Status("pending")
	StatusRunning   = Status("running")
	StatusPaused    = Status("paused")
	StatusCompleted = Status("completed")
	StatusFailed    = Status("failed")
	StatusCancelled = Status("cancelled")
)

func (s Status) String() string {
	return string(s)
}

// Active reports whether the execution can still change state.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning || s == StatusPaused
}

var (
	ErrExecutionNotFound     = errors.New("workflow execution not found")
	ErrActiveExecutionExists = errors.New("task already has an active workflow execution")
)

// Error reports a rejected execution operation: a guard violation (wrong
// status for the operation) or a denied transition. The operation causes no
// state change.
type Error struct {
	ExecutionID string
	Status      Status
	Op          string
	Reason      string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("execution %s: cannot %s: %s", e.ExecutionID, e.Op, e.Reason)
	}

	return fmt.Sprintf("execution %s: cannot %s in status %q", e.ExecutionID, e.Op, e.Status)
}

// Execution tracks one task's progress through a workflow.
type Execution struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	TaskID     string `json:"task_id"`

	// CurrentState is the name of the state the execution is in. Empty until
	// the execution starts.
	CurrentState string `json:"current_state,omitempty"`

	Status Status `json:"status"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	StartedBy   string     `json:"started_by,omitempty"`

	// Context accumulates the transition contexts merged in along the way.
	Context map[string]any `json:"context,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a copy of the execution.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}

	c := *e

	if e.StartedAt != nil {
		started := *e.StartedAt
		c.StartedAt = &started
	}

	if e.CompletedAt != nil {
		completed := *e.CompletedAt
		c.CompletedAt = &completed
	}

	c.Context = maps.Clone(e.Context)

	return &c
}
