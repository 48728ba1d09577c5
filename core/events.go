package core

// TriggerEvent is the symbolic reason rule evaluation was invoked.
type TriggerEvent string

const (
	TriggerTaskCreated             = TriggerEvent("task_created")
	TriggerTaskUpdated             = TriggerEvent("task_updated")
	TriggerTaskAssigned            = TriggerEvent("task_assigned")
	TriggerStatusChanged           = TriggerEvent("status_changed")
	TriggerPriorityChanged         = TriggerEvent("priority_changed")
	TriggerDueDateApproaching      = TriggerEvent("due_date_approaching")
	TriggerTaskOverdue             = TriggerEvent("task_overdue")
	TriggerSubtaskCompleted        = TriggerEvent("subtask_completed")
	TriggerAllSubtasksCompleted    = TriggerEvent("all_subtasks_completed")
	TriggerCommentAdded            = TriggerEvent("comment_added")
	TriggerUserAvailabilityChanged = TriggerEvent("user_availability_changed")
)

// TriggerEvents lists all known trigger events in a stable order.
var TriggerEvents = []TriggerEvent{
	TriggerTaskCreated,
	TriggerTaskUpdated,
	TriggerTaskAssigned,
	TriggerStatusChanged,
	TriggerPriorityChanged,
	TriggerDueDateApproaching,
	TriggerTaskOverdue,
	TriggerSubtaskCompleted,
	TriggerAllSubtasksCompleted,
	TriggerCommentAdded,
	TriggerUserAvailabilityChanged,
}

func (e TriggerEvent) String() string {
	return string(e)
}
