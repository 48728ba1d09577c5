// Package graph analyzes the task dependency tree: cycle validation,
// dependency gating, and critical path calculation.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowsmith/taskflow/backend"
	"github.com/flowsmith/taskflow/core"
)

type DependencyKind string

const (
	KindCycle       DependencyKind = "cycle"
	KindUnsatisfied DependencyKind = "unsatisfied"
)

// DependencyError reports a violated dependency constraint.
type DependencyError struct {
	Kind   DependencyKind
	TaskID string
}

func (e *DependencyError) Error() string {
	switch e.Kind {
	case KindCycle:
		return fmt.Sprintf("task %s: circular dependency detected in task hierarchy", e.TaskID)
	case KindUnsatisfied:
		return fmt.Sprintf("task %s: dependency not satisfied", e.TaskID)
	default:
		return fmt.Sprintf("task %s: dependency violation", e.TaskID)
	}
}

// Analyzer validates dependency constraints against the task store.
type Analyzer struct {
	store backend.TaskStore
}

func NewAnalyzer(store backend.TaskStore) *Analyzer {
	return &Analyzer{store: store}
}

// ValidateNoCycle walks the parent chain of the given task and fails with a
// *DependencyError when the chain revisits a task. A parent reference to a
// missing task ends the walk.
func (a *Analyzer) ValidateNoCycle(ctx context.Context, task *core.Task) error {
	visited := map[string]bool{task.ID: true}

	current := task.ParentID
	for current != nil {
		if visited[*current] {
			return &DependencyError{Kind: KindCycle, TaskID: task.ID}
		}
		visited[*current] = true

		parent, err := a.store.GetTask(ctx, *current)
		if err != nil {
			if errors.Is(err, backend.ErrTaskNotFound) {
				return nil
			}

			return fmt.Errorf("walking parent chain of task %s: %w", task.ID, err)
		}

		current = parent.ParentID
	}

	return nil
}

// ValidateDependenciesSatisfied checks that the task may enter the target
// status. Starting or finishing a task requires its parent, if any, to be
// done; a violation is a *DependencyError. A missing parent fails closed.
func (a *Analyzer) ValidateDependenciesSatisfied(ctx context.Context, task *core.Task, target core.Status) error {
	if target != core.StatusInProgress && target != core.StatusDone {
		return nil
	}

	if task.ParentID == nil {
		return nil
	}

	parent, err := a.store.GetTask(ctx, *task.ParentID)
	if err != nil {
		if errors.Is(err, backend.ErrTaskNotFound) {
			return &DependencyError{Kind: KindUnsatisfied, TaskID: task.ID}
		}

		return fmt.Errorf("loading parent of task %s: %w", task.ID, err)
	}

	if parent.Status != core.StatusDone {
		return &DependencyError{Kind: KindUnsatisfied, TaskID: task.ID}
	}

	return nil
}
