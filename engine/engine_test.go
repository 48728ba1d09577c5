package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/flowsmith/taskflow/backend/memory"
	"github.com/flowsmith/taskflow/core"
	"github.com/flowsmith/taskflow/execution"
	"github.com/flowsmith/taskflow/notify"
	"github.com/flowsmith/taskflow/rules"
	"github.com/flowsmith/taskflow/sla"
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

func setup(t *testing.T, opts ...Option) (*Engine, *memory.Store, *clock.Mock, *recordingNotifier) {
	t.Helper()

	s := memory.NewStore()
	mc := clock.NewMock()
	mc.Set(time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC))

	n := &recordingNotifier{}

	opts = append([]Option{WithClock(mc), WithNotifier(n), WithRandSeed(1)}, opts...)

	e, err := New(s, opts...)
	require.NoError(t, err)

	return e, s, mc, n
}

func Test_New_RejectsDuplicateRules(t *testing.T) {
	s := memory.NewStore()

	_, err := New(s, WithRules(rules.DefaultRules()...))
	require.Error(t, err, "extra rules clashing with the default set fail construction")
}

func Test_ProcessEvent_AutoAssignScenario(t *testing.T) {
	e, s, _, n := setup(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUser(ctx, &core.User{ID: "u1", IsActive: true}))
	require.NoError(t, s.SaveUser(ctx, &core.User{ID: "u2", IsActive: true}))
	require.NoError(t, s.SaveTask(ctx, &core.Task{ID: "busy", Status: core.StatusInProgress, Assignees: []string{"u1"}}))

	task := &core.Task{ID: "t1", Status: core.StatusTodo, Priority: core.PriorityHigh}
	require.NoError(t, s.SaveTask(ctx, task))

	results, err := e.ProcessEvent(ctx, task, core.TriggerTaskCreated, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"auto_assign_high_priority": true}, results)

	saved, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, saved.Assignees)
	require.Len(t, n.sent, 1)
	require.Equal(t, "task_assigned", n.sent[0].Type)
}

func Test_ProcessEvent_NilTask(t *testing.T) {
	e, _, _, _ := setup(t)

	_, err := e.ProcessEvent(context.Background(), nil, core.TriggerTaskCreated, nil, nil, nil)
	require.Error(t, err)
}

func Test_ProcessEvent_Idempotent(t *testing.T) {
	e, s, mc, _ := setup(t)
	ctx := context.Background()

	due := mc.Now().Add(12 * time.Hour)
	task := &core.Task{ID: "t1", Status: core.StatusTodo, DueDate: &due, Assignees: []string{"u1"}}
	require.NoError(t, s.SaveTask(ctx, task))

	first, err := e.ProcessEvent(ctx, task, core.TriggerDueDateApproaching, nil, nil, nil)
	require.NoError(t, err)

	second, err := e.ProcessEvent(ctx, task, core.TriggerDueDateApproaching, nil, nil, nil)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func Test_ProcessEvent_Spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	e, s, _, _ := setup(t, WithTracerProvider(tp))
	ctx := context.Background()

	task := &core.Task{ID: "t1", Status: core.StatusTodo, Priority: core.PriorityLow}
	require.NoError(t, s.SaveTask(ctx, task))

	_, err := e.ProcessEvent(ctx, task, core.TriggerTaskCreated, nil, nil, nil)
	require.NoError(t, err)

	spans := exporter.GetSpans()

	var names []string
	for _, span := range spans {
		names = append(names, span.Name)
	}

	require.Contains(t, names, "ProcessEvent: task_created")
	require.Contains(t, names, "ExecuteRules")
	require.Contains(t, names, "Rule: auto_assign_high_priority")
}

func Test_Deadline(t *testing.T) {
	e, _, _, _ := setup(t)

	createdAt := time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)
	task := &core.Task{ID: "t1", Priority: core.PriorityHigh, CreatedAt: createdAt}

	deadline, ok := e.Deadline(task)
	require.True(t, ok)
	require.Equal(t, createdAt.Add(24*time.Hour), deadline)
}

func Test_ProcessEscalations(t *testing.T) {
	e, s, mc, _ := setup(t, WithEscalationPolicy(sla.EscalationPolicy{
		Delay:      2 * time.Hour,
		TargetRole: "manager",
	}))
	ctx := context.Background()

	require.NoError(t, s.SaveUser(ctx, &core.User{ID: "mgr", IsActive: true, Role: "manager"}))

	overdue := mc.Now().Add(-3 * time.Hour)
	task := &core.Task{ID: "t1", Status: core.StatusInProgress, Priority: core.PriorityHigh, DueDate: &overdue, Assignees: []string{"u1"}}
	require.NoError(t, s.SaveTask(ctx, task))

	results := e.ProcessEscalations(ctx, []*core.Task{task})
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Equal(t, "mgr", results[0].EscalatedTo)
}

func Test_Executions_Accessor(t *testing.T) {
	e, _, _, _ := setup(t)
	ctx := context.Background()

	wf := &execution.Workflow{
		ID:   "wf1",
		Name: "review",
		States: []*execution.State{
			{Name: "draft", Initial: true},
			{Name: "published", Final: true},
		},
		Transitions: []*execution.Transition{
			{From: "draft", To: "published"},
		},
	}

	exec, err := e.Executions().Begin(ctx, wf, "t1")
	require.NoError(t, err)
	require.Equal(t, execution.StatusPending, exec.Status)
}
