package log

const (
	NamespaceKey = "taskflow"

	TaskIDKey     = NamespaceKey + ".task.id"
	TaskStatusKey = NamespaceKey + ".task.status"
	ParentIDKey   = NamespaceKey + ".task.parent_id"

	UserIDKey = NamespaceKey + ".user.id"

	RuleNameKey     = NamespaceKey + ".rule.name"
	RuleTypeKey     = NamespaceKey + ".rule.type"
	RulePriorityKey = NamespaceKey + ".rule.priority"
	ActionKey       = NamespaceKey + ".rule.action"

	TriggerEventKey = NamespaceKey + ".trigger_event"

	WorkflowIDKey  = NamespaceKey + ".workflow.id"
	ExecutionIDKey = NamespaceKey + ".execution.id"
	FromStateKey   = NamespaceKey + ".execution.from_state"
	ToStateKey     = NamespaceKey + ".execution.to_state"

	EscalationTargetKey = NamespaceKey + ".escalation.target"
	EscalationReasonKey = NamespaceKey + ".escalation.reason"

	DeadlineKey = NamespaceKey + ".sla.deadline"

	ScoreKey    = NamespaceKey + ".workload.score"
	DurationKey = NamespaceKey + ".duration_ms"
	AttemptKey  = NamespaceKey + ".attempt"
)
