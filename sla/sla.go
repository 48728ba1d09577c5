// Package sla computes deadlines from priority-based response budgets and
// escalates tasks that breached them or sat blocked for too long.
package sla

import (
	"time"

	"github.com/flowsmith/taskflow/core"
)

// Config maps task priorities to response-time budgets in hours.
type Config struct {
	Hours map[core.Priority]float64 `json:"hours" yaml:"hours"`

	// BusinessHoursOnly accrues the budget inside calendar windows instead of
	// wall-clock time.
	BusinessHoursOnly bool `json:"business_hours_only" yaml:"business_hours_only"`
}

// DefaultConfig returns the stock budgets: 24h for high, 72h for medium and
// 168h for low priority. Critical shares the high budget.
func DefaultConfig() Config {
	return Config{
		Hours: map[core.Priority]float64{
			core.PriorityHigh:   24,
			core.PriorityMedium: 72,
			core.PriorityLow:    168,
		},
	}
}

// budget returns the hour budget for a priority. Critical tasks without an
// explicit budget fall back to the high bucket.
func (c Config) budget(p core.Priority) (float64, bool) {
	if hours, ok := c.Hours[p]; ok {
		return hours, true
	}

	if p == core.PriorityCritical {
		hours, ok := c.Hours[core.PriorityHigh]
		return hours, ok
	}

	return 0, false
}

// CalculateDeadline returns the SLA deadline for a task, counted from its
// creation time. The second return is false when the task's priority carries
// no budget.
func CalculateDeadline(task *core.Task, cfg Config, cal Calendar) (time.Time, bool) {
	hours, ok := cfg.budget(task.Priority)
	if !ok {
		return time.Time{}, false
	}

	if cfg.BusinessHoursOnly {
		return cal.AddBusinessHours(task.CreatedAt, hours), true
	}

	return task.CreatedAt.Add(time.Duration(hours * float64(time.Hour))), true
}

// CheckViolation reports whether a task has breached its SLA as of now. A
// task past its own due date is always in violation; otherwise the deadline
// derived from the priority budget decides. Terminal tasks never violate.
func CheckViolation(task *core.Task, cfg Config, cal Calendar, now time.Time) bool {
	if task.Status.Terminal() {
		return false
	}

	if task.IsOverdue(now) {
		return true
	}

	deadline, ok := CalculateDeadline(task, cfg, cal)
	if !ok {
		return false
	}

	return now.After(deadline)
}
