package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/flowsmith/taskflow/backend/memory"
	"github.com/flowsmith/taskflow/core"
)

type recordingProcessor struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	taskID  string
	trigger core.TriggerEvent
}

func (p *recordingProcessor) ProcessEvent(ctx context.Context, task *core.Task, trigger core.TriggerEvent, actingUser *core.User, oldValues, extraData map[string]any) (map[string]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, recordedEvent{taskID: task.ID, trigger: trigger})

	return map[string]bool{}, nil
}

func (p *recordingProcessor) recorded() []recordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]recordedEvent{}, p.events...)
}

func setup(t *testing.T) (*Scheduler, *memory.Store, *clock.Mock, *recordingProcessor) {
	t.Helper()

	s := memory.NewStore()
	mc := clock.NewMock()
	mc.Set(time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC))

	p := &recordingProcessor{}
	sched := New(s, p, WithClock(mc), WithInterval(time.Minute))

	return sched, s, mc, p
}

func Test_Scan_DueSoon(t *testing.T) {
	sched, s, mc, p := setup(t)
	ctx := context.Background()

	in6h := mc.Now().Add(6 * time.Hour)
	in3d := mc.Now().Add(72 * time.Hour)

	require.NoError(t, s.SaveTask(ctx, &core.Task{ID: "soon", Status: core.StatusTodo, DueDate: &in6h}))
	require.NoError(t, s.SaveTask(ctx, &core.Task{ID: "later", Status: core.StatusTodo, DueDate: &in3d}))
	require.NoError(t, s.SaveTask(ctx, &core.Task{ID: "no-due", Status: core.StatusTodo}))

	sched.Scan(ctx)

	events := p.recorded()
	require.Len(t, events, 1)
	require.Equal(t, recordedEvent{taskID: "soon", trigger: core.TriggerDueDateApproaching}, events[0])
}

func Test_Scan_Overdue_FlagsOnce(t *testing.T) {
	sched, s, mc, p := setup(t)
	ctx := context.Background()

	past := mc.Now().Add(-2 * time.Hour)
	require.NoError(t, s.SaveTask(ctx, &core.Task{ID: "late", Status: core.StatusInProgress, DueDate: &past}))

	sched.Scan(ctx)
	sched.Scan(ctx)

	var overdue []recordedEvent
	for _, event := range p.recorded() {
		if event.trigger == core.TriggerTaskOverdue {
			overdue = append(overdue, event)
		}
	}

	require.Len(t, overdue, 1, "an overdue task is flagged and raised exactly once")

	task, err := s.GetTask(ctx, "late")
	require.NoError(t, err)
	_, flagged := task.Metadata[overdueFlag]
	require.True(t, flagged)
}

func Test_Scan_SkipsTerminalTasks(t *testing.T) {
	sched, s, mc, p := setup(t)
	ctx := context.Background()

	past := mc.Now().Add(-2 * time.Hour)
	require.NoError(t, s.SaveTask(ctx, &core.Task{ID: "done", Status: core.StatusDone, DueDate: &past}))

	sched.Scan(ctx)
	require.Empty(t, p.recorded())
}

func Test_Run_TicksAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	sched, s, mc, p := setup(t)

	past := mc.Now().Add(-time.Hour)
	require.NoError(t, s.SaveTask(context.Background(), &core.Task{ID: "late", Status: core.StatusTodo, DueDate: &past}))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- sched.Run(ctx)
	}()

	// Let the goroutine reach the ticker before advancing time.
	time.Sleep(10 * time.Millisecond)
	mc.Add(time.Minute)

	require.Eventually(t, func() bool {
		return len(p.recorded()) > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
