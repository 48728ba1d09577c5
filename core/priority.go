package core

import (
	"database/sql"
	"fmt"
)

// Priority is the business priority of a task.
type Priority string

var _ sql.Scanner = (*Priority)(nil)

const (
	PriorityLow      = Priority("low")
	PriorityMedium   = Priority("medium")
	PriorityHigh     = Priority("high")
	PriorityCritical = Priority("critical")
)

// Priorities lists all known priorities ordered from lowest to highest.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

func (p Priority) String() string {
	return string(p)
}

func (p Priority) Value() (string, error) {
	return string(p), nil
}

func (p *Priority) Scan(value interface{}) error {
	*p = Priority(value.(string))
	return nil
}

// Known reports whether p is one of the defined priorities.
func (p Priority) Known() bool {
	return p.Weight() > 0
}

// Weight returns the ordinal weight of the priority, 1 (low) to 4 (critical).
// Unknown priorities weigh 0.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether p ranks at or above min.
func (p Priority) AtLeast(min Priority) bool {
	return p.Weight() >= min.Weight()
}

// ParsePriority converts a raw string into a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.Known() {
		return "", fmt.Errorf("unknown priority %q", s)
	}

	return p, nil
}
