package core

import (
	"database/sql"
	"fmt"
)

// Status is the lifecycle status of a task.
type Status string

var _ sql.Scanner = (*Status)(nil)

const (
	StatusTodo       = Status("todo")
	StatusInProgress = Status("in_progress")
	StatusBlocked    = Status("blocked")
	StatusDone       = Status("done")
	StatusCancelled  = Status("cancelled")
)

// Statuses lists all known statuses in a stable order.
var Statuses = []Status{StatusTodo, StatusInProgress, StatusBlocked, StatusDone, StatusCancelled}

func (s Status) String() string {
	return string(s)
}

func (s Status) Value() (string, error) {
	return string(s), nil
}

func (s *Status) Scan(value interface{}) error {
	*s = Status(value.(string))
	return nil
}

// Known reports whether s is one of the defined statuses.
func (s Status) Known() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusBlocked, StatusDone, StatusCancelled:
		return true
	}

	return false
}

// Terminal reports whether s is a terminal status. Terminal tasks do not count
// towards a user's active workload.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// ParseStatus converts a raw string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Known() {
		return "", fmt.Errorf("unknown status %q", s)
	}

	return st, nil
}
