package sla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/flowsmith/taskflow/backend"
	"github.com/flowsmith/taskflow/core"
	"github.com/flowsmith/taskflow/internal/metrickeys"
	im "github.com/flowsmith/taskflow/internal/metrics"
	"github.com/flowsmith/taskflow/log"
	"github.com/flowsmith/taskflow/metrics"
	"github.com/flowsmith/taskflow/notify"
)

// EscalationPolicy controls when a task escalates and to whom.
type EscalationPolicy struct {
	// Delay is how long a task may stay overdue or blocked before it
	// escalates.
	Delay time.Duration `json:"delay" yaml:"delay"`

	// TargetUserID names an explicit escalation target. When empty, or when
	// the user is inactive, the target falls back to the first assignee's
	// active manager, then to the first active holder of TargetRole.
	TargetUserID string `json:"target_user_id,omitempty" yaml:"target_user_id,omitempty"`
	TargetRole   string `json:"target_role,omitempty" yaml:"target_role,omitempty"`

	// NotifyTargets sends a task_escalated notification to the target.
	NotifyTargets bool `json:"notify_targets,omitempty" yaml:"notify_targets,omitempty"`
}

// Result is the outcome of escalating a single task.
type Result struct {
	TaskID      string `json:"task_id"`
	Success     bool   `json:"success"`
	Reason      string `json:"reason,omitempty"`
	EscalatedTo string `json:"escalated_to,omitempty"`
	Err         error  `json:"-"`
}

// EscalationError wraps a store failure hit while escalating a task.
type EscalationError struct {
	TaskID string
	Err    error
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("escalating task %s: %v", e.TaskID, e.Err)
}

func (e *EscalationError) Unwrap() error {
	return e.Err
}

// Manager escalates tasks that breached their SLA or sat blocked for too
// long.
type Manager struct {
	store    backend.TaskStore
	notifier notify.Notifier

	clock   clock.Clock
	logger  *slog.Logger
	metrics metrics.Client
}

type ManagerOption func(*Manager)

// WithNotifier sets the notifier escalation notices go out through.
func WithNotifier(n notify.Notifier) ManagerOption {
	return func(m *Manager) {
		m.notifier = n
	}
}

func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithMetrics(client metrics.Client) ManagerOption {
	return func(m *Manager) {
		m.metrics = client
	}
}

func NewManager(store backend.TaskStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		notifier: notify.Discard{},
		clock:    clock.New(),
		logger:   slog.Default(),
		metrics:  im.NewNoopMetricsClient(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// ProcessEscalations runs the policy over the given tasks and returns one
// result per eligible task. Ineligible tasks are skipped silently; a failure
// on one task does not stop processing of the rest.
func (m *Manager) ProcessEscalations(ctx context.Context, tasks []*core.Task, policy EscalationPolicy) []Result {
	now := m.clock.Now()

	var results []Result

	for _, task := range tasks {
		if !m.eligible(task, policy, now) {
			m.metrics.Counter(metrickeys.EscalationsSkipped, metrics.Tags{}, 1)
			continue
		}

		result := m.escalate(ctx, task, policy, now)

		m.metrics.Counter(metrickeys.EscalationsProcessed, metrics.Tags{
			metrickeys.Success: strconv.FormatBool(result.Success),
		}, 1)

		results = append(results, result)
	}

	return results
}

// eligible reports whether the task has been overdue, or blocked, for at
// least the policy delay.
func (m *Manager) eligible(task *core.Task, policy EscalationPolicy, now time.Time) bool {
	if task.IsOverdue(now) {
		return now.Sub(*task.DueDate) >= policy.Delay
	}

	if task.Status == core.StatusBlocked {
		if blockedAt, ok := blockedSince(task); ok {
			return now.Sub(blockedAt) >= policy.Delay
		}
	}

	return false
}

// blockedSince reads the blocked_at metadata timestamp, accepting both
// time.Time values and RFC 3339 strings.
func blockedSince(task *core.Task) (time.Time, bool) {
	if task.Metadata == nil {
		return time.Time{}, false
	}

	switch v := task.Metadata["blocked_at"].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}

		return t, true
	}

	return time.Time{}, false
}

func (m *Manager) escalate(ctx context.Context, task *core.Task, policy EscalationPolicy, now time.Time) Result {
	target, err := m.resolveTarget(ctx, task, policy)
	if err != nil {
		return Result{TaskID: task.ID, Err: &EscalationError{TaskID: task.ID, Err: err}}
	}

	if target == nil {
		m.logger.WarnContext(ctx, "no escalation target found", log.TaskIDKey, task.ID)

		return Result{TaskID: task.ID, Reason: "no target"}
	}

	reason := escalationReason(task, now)

	updated, err := m.store.UpdateTask(ctx, task.ID, func(t *core.Task) error {
		record := map[string]any{
			"escalated_at":       now.UTC().Format(time.RFC3339),
			"escalated_to":       target.ID,
			"escalation_reason":  reason,
			"original_assignees": toAnySlice(t.Assignees),
		}

		history, _ := t.Metadata["escalations"].([]any)
		t.SetMeta("escalations", append(history, record))

		t.AddAssignee(target.ID)

		return nil
	})
	if err != nil {
		return Result{TaskID: task.ID, Reason: reason, Err: &EscalationError{TaskID: task.ID, Err: err}}
	}

	if policy.NotifyTargets {
		notification := notify.Notification{
			Recipients: []string{target.ID},
			Type:       "task_escalated",
			TaskID:     task.ID,
			Payload: map[string]any{
				"title":  updated.Title,
				"reason": reason,
			},
		}

		if err := m.notifier.Notify(ctx, notification); err != nil {
			m.logger.WarnContext(ctx, "could not enqueue escalation notification",
				log.TaskIDKey, task.ID, "error", err)
		}
	}

	m.logger.InfoContext(ctx, "task escalated",
		log.TaskIDKey, task.ID,
		log.EscalationTargetKey, target.ID,
		log.EscalationReasonKey, reason)

	return Result{TaskID: task.ID, Success: true, Reason: reason, EscalatedTo: target.ID}
}

// resolveTarget walks the escalation chain: the explicit target when active,
// then the first assignee with an active manager, then the first active
// holder of the target role.
func (m *Manager) resolveTarget(ctx context.Context, task *core.Task, policy EscalationPolicy) (*core.User, error) {
	if policy.TargetUserID != "" {
		user, err := m.store.GetUser(ctx, policy.TargetUserID)
		if err != nil && !errors.Is(err, backend.ErrUserNotFound) {
			return nil, fmt.Errorf("loading escalation target %s: %w", policy.TargetUserID, err)
		}

		if err == nil && user.IsActive {
			return user, nil
		}
	}

	for _, assigneeID := range task.Assignees {
		assignee, err := m.store.GetUser(ctx, assigneeID)
		if err != nil {
			if errors.Is(err, backend.ErrUserNotFound) {
				continue
			}

			return nil, fmt.Errorf("loading assignee %s: %w", assigneeID, err)
		}

		if assignee.ManagerID == nil {
			continue
		}

		manager, err := m.store.GetUser(ctx, *assignee.ManagerID)
		if err != nil {
			if errors.Is(err, backend.ErrUserNotFound) {
				continue
			}

			return nil, fmt.Errorf("loading manager of %s: %w", assigneeID, err)
		}

		if manager.IsActive {
			return manager, nil
		}
	}

	if policy.TargetRole != "" {
		holders, err := m.store.UsersByRole(ctx, policy.TargetRole)
		if err != nil {
			return nil, fmt.Errorf("loading %s users: %w", policy.TargetRole, err)
		}

		if len(holders) > 0 {
			return holders[0], nil
		}
	}

	return nil, nil
}

func escalationReason(task *core.Task, now time.Time) string {
	if task.DueDate != nil && task.DueDate.Before(now) {
		return "overdue"
	}

	if task.Status == core.StatusBlocked {
		return "blocked_too_long"
	}

	return "unknown"
}

func toAnySlice(values []string) []any {
	result := make([]any, len(values))
	for i, v := range values {
		result[i] = v
	}

	return result
}
