package metrickeys

const (
	Prefix = "taskflow."

	// Rule engine
	EventsProcessed = Prefix + "events.processed"
	EventDuration   = Prefix + "events.duration"

	RulesEvaluated = Prefix + "rules.evaluated"
	RulesMatched   = Prefix + "rules.matched"
	RuleErrors     = Prefix + "rules.errors"
	RuleDuration   = Prefix + "rules.duration"

	// Workload balancer
	WorkloadCacheSize     = Prefix + "workload.cache.size"
	WorkloadCacheEviction = Prefix + "workload.cache.eviction"
	WorkloadCacheHit      = Prefix + "workload.cache.hit"
	WorkloadCacheMiss     = Prefix + "workload.cache.miss"

	// Notifications
	NotificationsEnqueued = Prefix + "notifications.enqueued"
	NotificationsDropped  = Prefix + "notifications.dropped"
	NotificationRetries   = Prefix + "notifications.retries"

	// Escalations
	EscalationsProcessed = Prefix + "escalations.processed"
	EscalationsSkipped   = Prefix + "escalations.skipped"

	// Scheduler
	SchedulerScans    = Prefix + "scheduler.scans"
	SchedulerOverdues = Prefix + "scheduler.overdue_flagged"
)

// Tag names
const (
	// Reason for evicting an entry from the workload metrics cache
	EvictionReason = "reason"

	RuleName     = "rule"
	TriggerEvent = "event"
	Success      = "success"

	EscalationReason = "reason"
)
