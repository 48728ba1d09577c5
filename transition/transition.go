// Package transition validates task status changes against the allowed
// lifecycle graph.
package transition

import (
	"fmt"
	"slices"

	"github.com/flowsmith/taskflow/core"
)

// ValidationError reports an attempted status change the lifecycle graph does
// not allow.
type ValidationError struct {
	TaskID string
	From   core.Status
	To     core.Status
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("task %s: invalid status transition from %q to %q", e.TaskID, e.From, e.To)
}

// targets maps each status to the statuses it may move to. Re-opening is
// modeled as terminal -> todo.
var targets = map[core.Status][]core.Status{
	core.StatusTodo:       {core.StatusInProgress, core.StatusCancelled},
	core.StatusInProgress: {core.StatusDone, core.StatusBlocked, core.StatusTodo},
	core.StatusBlocked:    {core.StatusInProgress, core.StatusCancelled},
	core.StatusDone:       {core.StatusTodo},
	core.StatusCancelled:  {core.StatusTodo},
}

// IsValid reports whether the lifecycle graph allows moving between the given
// statuses. Unknown statuses are never valid endpoints, and a status cannot
// move to itself.
func IsValid(from, to core.Status) bool {
	return slices.Contains(targets[from], to)
}

// Targets returns the statuses a task in the given status may move to, in a
// stable order.
func Targets(from core.Status) []core.Status {
	return slices.Clone(targets[from])
}

// Validate checks that the task may move to the given status. It returns a
// *ValidationError when it may not, and nil otherwise.
func Validate(task *core.Task, to core.Status) error {
	if !IsValid(task.Status, to) {
		return &ValidationError{TaskID: task.ID, From: task.Status, To: to}
	}

	return nil
}
