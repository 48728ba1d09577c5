package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/flowsmith/taskflow/backend/memory"
	"github.com/flowsmith/taskflow/core"
	"github.com/flowsmith/taskflow/notify"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notification notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.sent = append(n.sent, notification)

	return nil
}

func (n *recordingNotifier) byType(t string) []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	var result []notify.Notification
	for _, sent := range n.sent {
		if sent.Type == t {
			result = append(result, sent)
		}
	}

	return result
}

func setupEngine(t *testing.T, opts ...EngineOption) (*Engine, *memory.Store, *clock.Mock, *recordingNotifier) {
	t.Helper()

	s := memory.NewStore()
	mc := clock.NewMock()
	mc.Set(time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC))

	n := &recordingNotifier{}

	opts = append([]EngineOption{WithClock(mc), WithNotifier(n), WithRandSeed(1)}, opts...)
	e := NewEngine(s, opts...)

	for _, rule := range DefaultRules() {
		require.NoError(t, e.Register(rule))
	}

	return e, s, mc, n
}

func Test_Register_DuplicateName(t *testing.T) {
	e, _, _, _ := setupEngine(t)

	err := e.Register(&Rule{
		Name:          "auto_assign_high_priority",
		TriggerEvents: []core.TriggerEvent{core.TriggerTaskCreated},
		Enabled:       true,
		Condition:     &UnassignedCondition{},
		Actions:       []Action{&TagAction{Tags: []string{"x"}}},
	})

	require.ErrorIs(t, err, ErrDuplicateRule)

	var rerr *RuleError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, StageConfig, rerr.Stage)
}

func Test_Unregister(t *testing.T) {
	e, _, _, _ := setupEngine(t)

	require.True(t, e.Unregister("due_date_reminder_24h"))
	require.False(t, e.Unregister("due_date_reminder_24h"))

	_, ok := e.Rule("due_date_reminder_24h")
	require.False(t, ok)
}

func Test_Rules_Ordering(t *testing.T) {
	e, _, _, _ := setupEngine(t)

	var names []string
	for _, rule := range e.Rules(ListFilter{}) {
		names = append(names, rule.Name)
	}

	require.Equal(t, []string{
		"auto_assign_high_priority",
		"escalate_overdue_high_priority",
		"complete_parent_on_subtasks_done",
		"due_date_reminder_24h",
	}, names)
}

func Test_Execute_AutoAssign(t *testing.T) {
	e, s, _, n := setupEngine(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUser(ctx, &core.User{ID: "u1", IsActive: true}))
	require.NoError(t, s.SaveUser(ctx, &core.User{ID: "u2", IsActive: true}))
	require.NoError(t, s.SaveTask(ctx, &core.Task{ID: "busy", Status: core.StatusInProgress, Assignees: []string{"u1"}}))

	task := &core.Task{ID: "t1", Status: core.StatusTodo, Priority: core.PriorityHigh}
	require.NoError(t, s.SaveTask(ctx, task))

	results := e.Execute(ctx, core.NewRuleContext(task, core.TriggerTaskCreated, nil, nil, nil))
	require.Equal(t, map[string]bool{"auto_assign_high_priority": true}, results)

	saved, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, saved.Assignees, "least loaded candidate gets the task")

	assigned := n.byType("task_assigned")
	require.Len(t, assigned, 1)
	require.Equal(t, []string{"u2"}, assigned[0].Recipients)
}

func Test_Execute_AutoAssign_SkipsAssignedAndLowPriority(t *testing.T) {
	e, s, _, _ := setupEngine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		task *core.Task
	}{
		{"already assigned", &core.Task{ID: "t1", Status: core.StatusTodo, Priority: core.PriorityHigh, Assignees: []string{"u1"}}},
		{"low priority", &core.Task{ID: "t2", Status: core.StatusTodo, Priority: core.PriorityLow}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, s.SaveTask(ctx, tt.task))

			results := e.Execute(ctx, core.NewRuleContext(tt.task, core.TriggerTaskCreated, nil, nil, nil))
			require.Equal(t, map[string]bool{"auto_assign_high_priority": false}, results)
		})
	}
}

func Test_Execute_AutoAssign_NoCandidateFails(t *testing.T) {
	e, s, _, n := setupEngine(t)
	ctx := context.Background()

	task := &core.Task{ID: "t1", Status: core.StatusTodo, Priority: core.PriorityCritical}
	require.NoError(t, s.SaveTask(ctx, task))

	results := e.Execute(ctx, core.NewRuleContext(task, core.TriggerTaskCreated, nil, nil, nil))
	require.Equal(t, map[string]bool{"auto_assign_high_priority": false}, results)

	// The failed rule's transaction left the task untouched and sent
	// nothing.
	saved, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, saved.Assignees)
	require.Empty(t, n.sent)
}

func Test_Execute_EscalateOverdue(t *testing.T) {
	e, s, mc, n := setupEngine(t)
	ctx := context.Background()

	past := mc.Now().Add(-3 * time.Hour)
	task := &core.Task{ID: "t1", Status: core.StatusInProgress, Priority: core.PriorityHigh, DueDate: &past, Assignees: []string{"u1"}}
	require.NoError(t, s.SaveTask(ctx, task))

	results := e.Execute(ctx, core.NewRuleContext(task, core.TriggerTaskOverdue, nil, nil, nil))
	require.Equal(t, map[string]bool{"escalate_overdue_high_priority": true}, results)

	saved, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, core.PriorityCritical, saved.Priority)

	require.Len(t, n.byType("task_escalated"), 1)
}

func Test_Execute_ParentCompletion(t *testing.T) {
	e, s, _, n := setupEngine(t)
	ctx := context.Background()

	parentID := "parent"
	require.NoError(t, s.SaveTask(ctx, &core.Task{ID: parentID, Status: core.StatusInProgress, CreatorID: "boss"}))
	require.NoError(t, s.SaveTask(ctx, &core.Task{ID: "s1", Status: core.StatusDone, ParentID: &parentID, CreatorID: "boss"}))

	s2 := &core.Task{ID: "s2", Status: core.StatusTodo, ParentID: &parentID, CreatorID: "boss"}
	require.NoError(t, s.SaveTask(ctx, s2))

	// First subtask done, second still open: the rule must not fire.
	results := e.Execute(ctx, core.NewRuleContext(
		mustGet(t, s, "s1"), core.TriggerSubtaskCompleted, nil, nil, nil))
	require.Equal(t, map[string]bool{"complete_parent_on_subtasks_done": false}, results)

	parent, err := s.GetTask(ctx, parentID)
	require.NoError(t, err)
	require.Equal(t, core.StatusInProgress, parent.Status)

	// Second subtask completes: the rule fires exactly once.
	_, err = s.UpdateTask(ctx, "s2", func(task *core.Task) error {
		task.Status = core.StatusDone
		return nil
	})
	require.NoError(t, err)

	results = e.Execute(ctx, core.NewRuleContext(
		mustGet(t, s, "s2"), core.TriggerSubtaskCompleted, nil, nil, nil))
	require.Equal(t, map[string]bool{"complete_parent_on_subtasks_done": true}, results)

	parent, err = s.GetTask(ctx, parentID)
	require.NoError(t, err)
	require.Equal(t, core.StatusDone, parent.Status)

	completed := n.byType("parent_task_completed")
	require.Len(t, completed, 1)
	require.Equal(t, []string{"boss"}, completed[0].Recipients)
}

func Test_Execute_ParentCompletion_UnstartedParent(t *testing.T) {
	e, s, _, n := setupEngine(t)
	ctx := context.Background()

	// The parent is still in todo when its only subtask completes.
	parentID := "parent"
	require.NoError(t, s.SaveTask(ctx, &core.Task{ID: parentID, Status: core.StatusTodo, CreatorID: "boss"}))
	require.NoError(t, s.SaveTask(ctx, &core.Task{ID: "s1", Status: core.StatusDone, ParentID: &parentID, CreatorID: "boss"}))

	results := e.Execute(ctx, core.NewRuleContext(
		mustGet(t, s, "s1"), core.TriggerSubtaskCompleted, nil, nil, nil))
	require.Equal(t, map[string]bool{"complete_parent_on_subtasks_done": true}, results)

	parent, err := s.GetTask(ctx, parentID)
	require.NoError(t, err)
	require.Equal(t, core.StatusDone, parent.Status)

	require.Len(t, n.byType("parent_task_completed"), 1)
}

func Test_Execute_DueDateReminder(t *testing.T) {
	e, s, mc, n := setupEngine(t)
	ctx := context.Background()

	due := mc.Now().Add(12 * time.Hour)
	task := &core.Task{ID: "t1", Status: core.StatusTodo, DueDate: &due, Assignees: []string{"u1"}}
	require.NoError(t, s.SaveTask(ctx, task))

	results := e.Execute(ctx, core.NewRuleContext(task, core.TriggerDueDateApproaching, nil, nil, nil))
	require.Equal(t, map[string]bool{"due_date_reminder_24h": true}, results)
	require.Len(t, n.byType("due_date_reminder"), 1)
}

func Test_Execute_Idempotent(t *testing.T) {
	e, s, mc, _ := setupEngine(t)
	ctx := context.Background()

	due := mc.Now().Add(12 * time.Hour)
	task := &core.Task{ID: "t1", Status: core.StatusTodo, DueDate: &due, Assignees: []string{"u1"}}
	require.NoError(t, s.SaveTask(ctx, task))

	rc := core.NewRuleContext(task, core.TriggerDueDateApproaching, nil, nil, nil)

	first := e.Execute(ctx, rc)
	second := e.Execute(ctx, rc)
	require.Equal(t, first, second)
}

func Test_Execute_FailureIsolation(t *testing.T) {
	e, s, mc, n := setupEngine(t)
	ctx := context.Background()

	// A higher-priority rule that always fails must not stop the reminder.
	require.NoError(t, e.Register(&Rule{
		Name:          "broken",
		TriggerEvents: []core.TriggerEvent{core.TriggerDueDateApproaching},
		Priority:      200,
		Enabled:       true,
		Condition:     &StatusCondition{Statuses: []core.Status{core.StatusTodo}},
		Actions:       []Action{actionFunc(func(context.Context, *Txn) error { return errors.New("boom") })},
	}))

	due := mc.Now().Add(6 * time.Hour)
	task := &core.Task{ID: "t1", Status: core.StatusTodo, DueDate: &due, Assignees: []string{"u1"}}
	require.NoError(t, s.SaveTask(ctx, task))

	results := e.Execute(ctx, core.NewRuleContext(task, core.TriggerDueDateApproaching, nil, nil, nil))
	require.Equal(t, map[string]bool{
		"broken":                false,
		"due_date_reminder_24h": true,
	}, results)
	require.Len(t, n.byType("due_date_reminder"), 1)
}

func Test_Execute_PanicIsRecovered(t *testing.T) {
	e, s, mc, _ := setupEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Register(&Rule{
		Name:          "panicky",
		TriggerEvents: []core.TriggerEvent{core.TriggerDueDateApproaching},
		Priority:      200,
		Enabled:       true,
		Condition:     &StatusCondition{Statuses: []core.Status{core.StatusTodo}},
		Actions:       []Action{actionFunc(func(context.Context, *Txn) error { panic("kaboom") })},
	}))

	due := mc.Now().Add(6 * time.Hour)
	task := &core.Task{ID: "t1", Status: core.StatusTodo, DueDate: &due, Assignees: []string{"u1"}}
	require.NoError(t, s.SaveTask(ctx, task))

	results := e.Execute(ctx, core.NewRuleContext(task, core.TriggerDueDateApproaching, nil, nil, nil))
	require.False(t, results["panicky"])
	require.True(t, results["due_date_reminder_24h"])
}

func Test_Execute_ConditionErrorFailsClosed(t *testing.T) {
	e, s, mc, _ := setupEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Register(&Rule{
		Name:          "bad_condition",
		TriggerEvents: []core.TriggerEvent{core.TriggerDueDateApproaching},
		Priority:      200,
		Enabled:       true,
		Condition: conditionFunc(func(context.Context, *Env, *core.RuleContext) (bool, error) {
			return false, errors.New("malformed")
		}),
		Actions: []Action{&TagAction{Tags: []string{"x"}}},
	}))

	due := mc.Now().Add(6 * time.Hour)
	task := &core.Task{ID: "t1", Status: core.StatusTodo, DueDate: &due, Assignees: []string{"u1"}}
	require.NoError(t, s.SaveTask(ctx, task))

	results := e.Execute(ctx, core.NewRuleContext(task, core.TriggerDueDateApproaching, nil, nil, nil))
	require.False(t, results["bad_condition"])
	require.True(t, results["due_date_reminder_24h"])
}

func Test_Execute_HigherPriorityEffectsVisible(t *testing.T) {
	e, s, _, n := setupEngine(t)
	ctx := context.Background()

	// The high-priority rule bumps the task to critical; the lower-priority
	// rule matches only critical tasks, so it must see the bump.
	require.NoError(t, e.Register(&Rule{
		Name:          "bump_priority",
		TriggerEvents: []core.TriggerEvent{core.TriggerTaskUpdated},
		Priority:      100,
		Enabled:       true,
		Condition:     &PriorityCondition{Priorities: []core.Priority{core.PriorityHigh}},
		Actions:       []Action{&ChangePriorityAction{Priority: core.PriorityCritical}},
	}))
	require.NoError(t, e.Register(&Rule{
		Name:          "notify_critical",
		TriggerEvents: []core.TriggerEvent{core.TriggerTaskUpdated},
		Priority:      10,
		Enabled:       true,
		Condition:     &PriorityCondition{Priorities: []core.Priority{core.PriorityCritical}},
		Actions:       []Action{&NotifyAction{Type: "critical_alert", Recipients: RecipientsAssignees}},
	}))

	task := &core.Task{ID: "t1", Status: core.StatusTodo, Priority: core.PriorityHigh, Assignees: []string{"u1"}}
	require.NoError(t, s.SaveTask(ctx, task))

	results := e.Execute(ctx, core.NewRuleContext(task, core.TriggerTaskUpdated, nil, nil, nil))
	require.True(t, results["bump_priority"])
	require.True(t, results["notify_critical"])
	require.Len(t, n.byType("critical_alert"), 1)
}

func Test_Execute_MaxExecutions(t *testing.T) {
	e, s, mc, _ := setupEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Register(&Rule{
		Name:          "once",
		TriggerEvents: []core.TriggerEvent{core.TriggerTaskUpdated},
		Enabled:       true,
		MaxExecutions: 1,
		Condition:     &StatusCondition{Statuses: []core.Status{core.StatusTodo}},
		Actions:       []Action{&TagAction{Tags: []string{"seen"}}},
	}))

	task := &core.Task{ID: "t1", Status: core.StatusTodo}
	require.NoError(t, s.SaveTask(ctx, task))

	rc := core.NewRuleContext(task, core.TriggerTaskUpdated, nil, nil, nil)

	results := e.Execute(ctx, rc)
	require.True(t, results["once"])

	// Exhausted rules are no longer applicable.
	results = e.Execute(ctx, rc)
	_, present := results["once"]
	require.False(t, present)

	rule, ok := e.Rule("once")
	require.True(t, ok)
	require.Equal(t, 1, rule.Executions())

	at, ok := rule.LastExecutedAt()
	require.True(t, ok)
	require.Equal(t, mc.Now(), at)
}

func Test_Execute_DisabledRuleSkipped(t *testing.T) {
	e, s, mc, _ := setupEngine(t)
	ctx := context.Background()

	rule, ok := e.Rule("due_date_reminder_24h")
	require.True(t, ok)
	rule.Enabled = false

	due := mc.Now().Add(6 * time.Hour)
	task := &core.Task{ID: "t1", Status: core.StatusTodo, DueDate: &due, Assignees: []string{"u1"}}
	require.NoError(t, s.SaveTask(ctx, task))

	results := e.Execute(ctx, core.NewRuleContext(task, core.TriggerDueDateApproaching, nil, nil, nil))
	require.Empty(t, results)
}

type actionFunc func(context.Context, *Txn) error

func (f actionFunc) Execute(ctx context.Context, txn *Txn) error {
	return f(ctx, txn)
}

func mustGet(t *testing.T, s *memory.Store, id string) *core.Task {
	t.Helper()

	task, err := s.GetTask(context.Background(), id)
	require.NoError(t, err)

	return task
}
