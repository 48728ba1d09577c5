package rules

import "github.com/flowsmith/taskflow/core"

// DefaultRules returns the stock rule set: auto-assignment of urgent
// unassigned tasks, escalation of overdue urgent tasks, parent completion
// when every subtask is done, and a 24 hour due-date reminder.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			Name:          "auto_assign_high_priority",
			Description:   "Auto-assign high/critical priority tasks to least loaded users",
			Type:          TypeAutoAssignment,
			TriggerEvents: []core.TriggerEvent{core.TriggerTaskCreated, core.TriggerPriorityChanged},
			Priority:      100,
			Enabled:       true,
			Condition: All(
				&PriorityCondition{Priorities: []core.Priority{core.PriorityHigh, core.PriorityCritical}},
				&UnassignedCondition{},
			),
			Actions: []Action{
				&AssignAction{Strategy: StrategyLeastLoaded},
				&NotifyAction{Type: "task_assigned", Recipients: RecipientsAssignees},
			},
		},
		{
			Name:          "escalate_overdue_high_priority",
			Description:   "Escalate overdue high priority tasks to critical",
			Type:          TypeEscalation,
			TriggerEvents: []core.TriggerEvent{core.TriggerTaskOverdue},
			Priority:      90,
			Enabled:       true,
			Condition: All(
				&PriorityCondition{Priorities: []core.Priority{core.PriorityHigh, core.PriorityCritical}},
				&StatusCondition{Statuses: []core.Status{core.StatusTodo, core.StatusInProgress}},
			),
			Actions: []Action{
				&EscalateAction{Mode: EscalatePriority, Priority: core.PriorityCritical},
				&NotifyAction{Type: "task_escalated", Recipients: RecipientsAssignees},
			},
		},
		{
			Name:          "complete_parent_on_subtasks_done",
			Description:   "Complete the parent task when all subtasks are done",
			Type:          TypeDependency,
			TriggerEvents: []core.TriggerEvent{core.TriggerSubtaskCompleted},
			Priority:      80,
			Enabled:       true,
			Condition:     &AllSubtasksDoneCondition{},
			Actions: []Action{
				&UpdateParentAction{Status: core.StatusDone},
				&NotifyAction{Type: "parent_task_completed", Recipients: RecipientsCreator},
			},
		},
		{
			Name:          "due_date_reminder_24h",
			Description:   "Send a reminder 24 hours before the due date",
			Type:          TypeNotification,
			TriggerEvents: []core.TriggerEvent{core.TriggerDueDateApproaching},
			Priority:      50,
			Enabled:       true,
			Condition: All(
				&DueWithinCondition{Op: OpLte, Hours: 24},
				&StatusCondition{Statuses: []core.Status{core.StatusTodo, core.StatusInProgress}},
			),
			Actions: []Action{
				&NotifyAction{Type: "due_date_reminder", Recipients: RecipientsAssignees},
			},
		},
	}
}
