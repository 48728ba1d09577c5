package rules

import (
	"context"
	"fmt"
	"slices"

	"github.com/flowsmith/taskflow/core"
)

// Comparison operators accepted by the leaf conditions. Each leaf documents
// which subset it understands; an unsupported operator is rejected when the
// rule is parsed from configuration and fails closed when constructed
// directly.
const (
	OpEq  = "eq"
	OpNe  = "ne"
	OpGte = "gte"
	OpLte = "lte"
	OpLt  = "lt"

	OpContainsAny = "contains_any"
	OpContainsAll = "contains_all"
	OpExact       = "exact"
)

// StatusCondition matches on the task's status. Op eq matches membership in
// Statuses, ne matches non-membership.
type StatusCondition struct {
	Op       string
	Statuses []core.Status
}

func (c *StatusCondition) Evaluate(ctx context.Context, env *Env, rc *core.RuleContext) (bool, error) {
	contains := slices.Contains(c.Statuses, rc.Task.Status)

	switch c.Op {
	case OpEq, "":
		return contains, nil
	case OpNe:
		return !contains, nil
	}

	return false, nil
}

// PriorityCondition matches on the task's priority. Op eq/ne match set
// membership; gte matches when the task's priority weighs at least as much
// as the lightest listed priority.
type PriorityCondition struct {
	Op         string
	Priorities []core.Priority
}

func (c *PriorityCondition) Evaluate(ctx context.Context, env *Env, rc *core.RuleContext) (bool, error) {
	contains := slices.Contains(c.Priorities, rc.Task.Priority)

	switch c.Op {
	case OpEq, "":
		return contains, nil
	case OpNe:
		return !contains, nil
	case OpGte:
		min := 0
		for _, p := range c.Priorities {
			if w := p.Weight(); min == 0 || w < min {
				min = w
			}
		}

		return rc.Task.Priority.Weight() >= min, nil
	}

	return false, nil
}

// DueWithinCondition matches on how many hours remain until the task's due
// date. Op lte matches when the remaining time is at most Hours, gte when it
// is at least Hours, eq when it is within one hour of Hours. A task without
// a due date never matches.
type DueWithinCondition struct {
	Op    string
	Hours float64
}

func (c *DueWithinCondition) Evaluate(ctx context.Context, env *Env, rc *core.RuleContext) (bool, error) {
	if rc.Task.DueDate == nil {
		return false, nil
	}

	hoursUntilDue := rc.Task.DueDate.Sub(env.Clock.Now()).Hours()

	switch c.Op {
	case OpLte, "":
		return hoursUntilDue <= c.Hours, nil
	case OpGte:
		return hoursUntilDue >= c.Hours, nil
	case OpEq:
		diff := hoursUntilDue - c.Hours
		return diff > -1 && diff < 1, nil
	}

	return false, nil
}

// WorkloadCondition matches on the active-task count of the task's current
// assignees: op lt requires every assignee to carry fewer than
// MaxActiveTasks, lte at most that many, eq exactly that many. An unassigned
// task matches only eq 0.
type WorkloadCondition struct {
	Op             string
	MaxActiveTasks int
}

func (c *WorkloadCondition) Evaluate(ctx context.Context, env *Env, rc *core.RuleContext) (bool, error) {
	if !rc.Task.Assigned() {
		return c.Op == OpEq && c.MaxActiveTasks == 0, nil
	}

	for _, userID := range rc.Task.Assignees {
		m, err := env.Balancer.GetMetrics(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("reading workload of %s: %w", userID, err)
		}

		switch c.Op {
		case OpLt, "":
			if m.ActiveTaskCount >= c.MaxActiveTasks {
				return false, nil
			}
		case OpLte:
			if m.ActiveTaskCount > c.MaxActiveTasks {
				return false, nil
			}
		case OpEq:
			if m.ActiveTaskCount != c.MaxActiveTasks {
				return false, nil
			}
		default:
			return false, nil
		}
	}

	return true, nil
}

// TagCondition matches on the task's tags: contains_any for a non-empty
// intersection, contains_all when every listed tag is present, exact when
// the tag sets are equal.
type TagCondition struct {
	Op   string
	Tags []string
}

func (c *TagCondition) Evaluate(ctx context.Context, env *Env, rc *core.RuleContext) (bool, error) {
	taskTags := map[string]bool{}
	for _, tag := range rc.Task.Tags {
		taskTags[tag] = true
	}

	switch c.Op {
	case OpContainsAny, "":
		for _, tag := range c.Tags {
			if taskTags[tag] {
				return true, nil
			}
		}

		return false, nil

	case OpContainsAll:
		for _, tag := range c.Tags {
			if !taskTags[tag] {
				return false, nil
			}
		}

		return true, nil

	case OpExact:
		if len(taskTags) != len(c.Tags) {
			return false, nil
		}

		for _, tag := range c.Tags {
			if !taskTags[tag] {
				return false, nil
			}
		}

		return true, nil
	}

	return false, nil
}

// TriggerEventCondition matches when the event that started evaluation is
// one of the listed events.
type TriggerEventCondition struct {
	Events []core.TriggerEvent
}

func (c *TriggerEventCondition) Evaluate(ctx context.Context, env *Env, rc *core.RuleContext) (bool, error) {
	return slices.Contains(c.Events, rc.TriggerEvent), nil
}

// UnassignedCondition matches tasks without assignees.
type UnassignedCondition struct{}

func (c *UnassignedCondition) Evaluate(ctx context.Context, env *Env, rc *core.RuleContext) (bool, error) {
	return !rc.Task.Assigned(), nil
}

// AllSubtasksDoneCondition matches when the task has a parent and every
// child of that parent, including the task itself, is done. The task's own
// status is taken from the evaluation context, so it reflects changes made
// earlier in the same pass.
type AllSubtasksDoneCondition struct{}

func (c *AllSubtasksDoneCondition) Evaluate(ctx context.Context, env *Env, rc *core.RuleContext) (bool, error) {
	if rc.Task.ParentID == nil {
		return false, nil
	}

	siblings, err := env.Store.ChildTasks(ctx, *rc.Task.ParentID)
	if err != nil {
		return false, fmt.Errorf("loading subtasks of %s: %w", *rc.Task.ParentID, err)
	}

	if len(siblings) == 0 {
		return false, nil
	}

	for _, sibling := range siblings {
		status := sibling.Status
		if sibling.ID == rc.Task.ID {
			status = rc.Task.Status
		}

		if status != core.StatusDone {
			return false, nil
		}
	}

	return true, nil
}
