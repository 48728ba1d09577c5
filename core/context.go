package core

// RuleContext is an immutable snapshot of a task lifecycle event. It is built
// once per event and passed unchanged through the whole evaluation pipeline;
// the task it carries is a deep copy taken at construction time.
type RuleContext struct {
	Task *Task

	TriggerEvent TriggerEvent

	// ActingUser is the user who caused the event, if any.
	ActingUser *User

	// OldValues holds pre-change field values captured by the caller, e.g.
	// {"status": "todo"} on a status change.
	OldValues map[string]any

	ExtraData map[string]any
}

// NewRuleContext snapshots the given event. The task and both maps are copied
// so later mutations by the caller cannot leak into rule evaluation.
func NewRuleContext(task *Task, event TriggerEvent, actingUser *User, oldValues, extraData map[string]any) *RuleContext {
	return &RuleContext{
		Task:         task.Clone(),
		TriggerEvent: event,
		ActingUser:   actingUser,
		OldValues:    cloneMap(oldValues),
		ExtraData:    cloneMap(extraData),
	}
}

// TaskID is the id of the task the event concerns.
func (rc *RuleContext) TaskID() string {
	return rc.Task.ID
}

// PreviousStatus returns the pre-change status recorded in OldValues, if the
// caller captured one.
func (rc *RuleContext) PreviousStatus() (Status, bool) {
	v, ok := rc.OldValues["status"]
	if !ok {
		return "", false
	}

	switch s := v.(type) {
	case Status:
		return s, true
	case string:
		return Status(s), true
	}

	return "", false
}
