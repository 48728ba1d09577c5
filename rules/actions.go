package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/flowsmith/taskflow/core"
	"github.com/flowsmith/taskflow/notify"
	"github.com/flowsmith/taskflow/transition"
	"github.com/flowsmith/taskflow/workload"
)

// Assignment strategies for AssignAction.
const (
	StrategyLeastLoaded = "least_loaded"
	StrategyRoundRobin  = "round_robin"
	StrategyRandom      = "random"
)

// AssignAction assigns the task to a user picked from the candidate set.
// Finding no eligible candidate is an action failure; the owning rule rolls
// back.
type AssignAction struct {
	// Strategy picks among eligible candidates. round_robin falls back to
	// least-loaded selection; random picks uniformly from the active
	// candidates.
	Strategy string

	Criteria workload.Criteria
}

func (a *AssignAction) Execute(ctx context.Context, txn *Txn) error {
	env := txn.Env()
	task := txn.Task()

	candidates, err := env.Store.Candidates(ctx, a.Criteria)
	if err != nil {
		return &workload.AssignmentError{TaskID: task.ID, Reason: "loading candidates", Err: err}
	}

	var selected *core.User

	switch a.Strategy {
	case StrategyRandom:
		var active []*core.User
		for _, candidate := range candidates {
			if candidate.IsActive {
				active = append(active, candidate)
			}
		}

		if len(active) > 0 {
			selected = active[env.Rand.Intn(len(active))]
		}

	case StrategyLeastLoaded, StrategyRoundRobin, "":
		selected, err = env.Balancer.SelectLeastLoaded(ctx, candidates, a.Criteria)
		if err != nil {
			return &workload.AssignmentError{TaskID: task.ID, Reason: "selecting candidate", Err: err}
		}

	default:
		return &workload.AssignmentError{TaskID: task.ID, Reason: fmt.Sprintf("unknown strategy %q", a.Strategy)}
	}

	if selected == nil {
		return &workload.AssignmentError{TaskID: task.ID, Reason: "no eligible candidate"}
	}

	task.AddAssignee(selected.ID)
	env.Balancer.Invalidate(selected.ID)

	return nil
}

// ChangeStatusAction moves the task to a new status, validated against the
// transition graph and the dependency gate.
type ChangeStatusAction struct {
	Status core.Status
}

func (a *ChangeStatusAction) Execute(ctx context.Context, txn *Txn) error {
	task := txn.Task()

	if err := transition.Validate(task, a.Status); err != nil {
		return err
	}

	if err := txn.Env().Analyzer.ValidateDependenciesSatisfied(ctx, task, a.Status); err != nil {
		return err
	}

	task.Status = a.Status

	return nil
}

// ChangePriorityAction sets the task's priority.
type ChangePriorityAction struct {
	Priority core.Priority
}

func (a *ChangePriorityAction) Execute(ctx context.Context, txn *Txn) error {
	if !a.Priority.Known() {
		return fmt.Errorf("unknown priority %q", a.Priority)
	}

	txn.Task().Priority = a.Priority

	return nil
}

// Recipient selectors for NotifyAction.
const (
	RecipientsAssignees = "assignees"
	RecipientsCreator   = "creator"
	RecipientsCustom    = "custom"
)

// NotifyAction buffers a notification about the task. Resolving no
// recipients is an action failure.
type NotifyAction struct {
	// Type is the notification type delivered to the notifier, e.g.
	// "task_assigned".
	Type string

	// Recipients selects who is notified: assignees, creator, or custom.
	Recipients string

	// CustomRecipients lists user ids for the custom selector.
	CustomRecipients []string

	// Message is an optional free-text payload entry.
	Message string
}

func (a *NotifyAction) Execute(ctx context.Context, txn *Txn) error {
	task := txn.Task()

	var recipients []string

	switch a.Recipients {
	case RecipientsAssignees, "":
		recipients = task.Assignees
	case RecipientsCreator:
		if task.CreatorID != "" {
			recipients = []string{task.CreatorID}
		}
	case RecipientsCustom:
		recipients = a.CustomRecipients
	default:
		return fmt.Errorf("unknown recipient selector %q", a.Recipients)
	}

	if len(recipients) == 0 {
		return errors.New("no notification recipients resolved")
	}

	payload := map[string]any{
		"title":    task.Title,
		"status":   task.Status.String(),
		"priority": task.Priority.String(),
	}
	if a.Message != "" {
		payload["message"] = a.Message
	}

	txn.Notify(notify.Notification{
		Recipients: recipients,
		Type:       a.Type,
		TaskID:     task.ID,
		Payload:    payload,
	})

	return nil
}

// Escalation modes for EscalateAction.
const (
	EscalatePriority   = "priority"
	EscalateAssignment = "assignment"
	EscalateBoth       = "both"
)

// EscalateAction bumps the task's priority, adds escalation assignees, or
// both.
type EscalateAction struct {
	Mode string

	// Priority is the escalation target for the priority and both modes.
	Priority core.Priority

	// UserIDs are appended to the assignees for the assignment and both
	// modes.
	UserIDs []string
}

func (a *EscalateAction) Execute(ctx context.Context, txn *Txn) error {
	task := txn.Task()

	switch a.Mode {
	case EscalatePriority, EscalateAssignment, EscalateBoth, "":
	default:
		return fmt.Errorf("unknown escalation mode %q", a.Mode)
	}

	if a.Mode == EscalatePriority || a.Mode == EscalateBoth || a.Mode == "" {
		if !a.Priority.Known() {
			return fmt.Errorf("unknown escalation priority %q", a.Priority)
		}

		task.Priority = a.Priority
	}

	if a.Mode == EscalateAssignment || a.Mode == EscalateBoth {
		for _, userID := range a.UserIDs {
			task.AddAssignee(userID)
		}
	}

	return nil
}

// UpdateParentAction recomputes the parent's subtask completion ratio and
// moves the parent to Status once the ratio reaches CompletionThreshold. A
// task without a parent is a successful no-op.
//
// The parent moves directly, bypassing the status transition graph: a
// parent that was never manually started still completes when its subtasks
// do.
type UpdateParentAction struct {
	Status core.Status

	// CompletionThreshold is the completed-subtask ratio that triggers the
	// update. The zero value means all subtasks must be done.
	CompletionThreshold float64
}

func (a *UpdateParentAction) Execute(ctx context.Context, txn *Txn) error {
	task := txn.Task()
	if task.ParentID == nil {
		return nil
	}

	env := txn.Env()

	parent, err := env.Store.GetTask(ctx, *task.ParentID)
	if err != nil {
		return fmt.Errorf("loading parent of task %s: %w", task.ID, err)
	}

	children, err := env.Store.ChildTasks(ctx, parent.ID)
	if err != nil {
		return fmt.Errorf("loading subtasks of %s: %w", parent.ID, err)
	}

	if len(children) == 0 {
		return nil
	}

	done := 0
	for _, child := range children {
		status := child.Status
		if child.ID == task.ID {
			status = task.Status
		}

		if status == core.StatusDone {
			done++
		}
	}

	threshold := a.CompletionThreshold
	if threshold == 0 {
		threshold = 1.0
	}

	if float64(done)/float64(len(children)) < threshold || parent.Status == a.Status {
		return nil
	}

	parent.Status = a.Status
	txn.Stage(parent)

	return nil
}

// Tag operations for TagAction.
const (
	TagAdd    = "add"
	TagRemove = "remove"
)

// TagAction adds or removes tags on the task, with set semantics.
type TagAction struct {
	Op   string
	Tags []string
}

func (a *TagAction) Execute(ctx context.Context, txn *Txn) error {
	task := txn.Task()

	switch a.Op {
	case TagAdd, "":
		for _, tag := range a.Tags {
			if !task.HasTag(tag) {
				task.Tags = append(task.Tags, tag)
			}
		}
	case TagRemove:
		var kept []string
		remove := map[string]bool{}
		for _, tag := range a.Tags {
			remove[tag] = true
		}

		for _, tag := range task.Tags {
			if !remove[tag] {
				kept = append(kept, tag)
			}
		}

		task.Tags = kept
	default:
		return fmt.Errorf("unknown tag operation %q", a.Op)
	}

	return nil
}

// SetFieldAction writes one whitelisted task field: completion_percent,
// estimated_hours, or a metadata.<key> path.
type SetFieldAction struct {
	Field string
	Value any
}

func (a *SetFieldAction) Execute(ctx context.Context, txn *Txn) error {
	task := txn.Task()

	if key, ok := strings.CutPrefix(a.Field, "metadata."); ok {
		if key == "" {
			return errors.New("empty metadata key")
		}

		task.SetMeta(key, a.Value)

		return nil
	}

	switch a.Field {
	case "completion_percent":
		v, err := toFloat(a.Value)
		if err != nil {
			return fmt.Errorf("completion_percent: %w", err)
		}

		task.CompletionPercent = v

	case "estimated_hours":
		v, err := toFloat(a.Value)
		if err != nil {
			return fmt.Errorf("estimated_hours: %w", err)
		}

		task.EstimatedHours = v

	default:
		return fmt.Errorf("field %q is not settable", a.Field)
	}

	return nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}

	return 0, fmt.Errorf("expected a number, got %T", v)
}
