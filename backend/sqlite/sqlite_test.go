package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowsmith/taskflow/backend"
	"github.com/flowsmith/taskflow/core"
)

func newStoreForTest(t *testing.T) *Store {
	t.Helper()

	s := NewInMemoryStore()
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	return s
}

func newTask(id string, status core.Status) *core.Task {
	return &core.Task{
		ID:        id,
		Title:     "Task " + id,
		Status:    status,
		Priority:  core.PriorityMedium,
		CreatedAt: time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC),
	}
}

func Test_GetTask_NotFound(t *testing.T) {
	s := newStoreForTest(t)

	_, err := s.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, backend.ErrTaskNotFound)
}

func Test_SaveTask_RoundTrip(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	parent := "p1"
	due := time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)

	task := newTask("t1", core.StatusTodo)
	task.Priority = core.PriorityHigh
	task.DueDate = &due
	task.EstimatedHours = 8
	task.ActualHours = 1.5
	task.Assignees = []string{"u1", "u2"}
	task.ParentID = &parent
	task.Tags = []string{"urgent", "payments"}
	task.Metadata = map[string]any{"stakeholder_level": "executive"}
	task.CreatorID = "u9"
	task.CompletionPercent = 25.0

	require.NoError(t, s.SaveTask(ctx, task))
	require.Equal(t, int64(1), task.Version)

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, task, got)
}

func Test_SaveTask_StaleVersion(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	task := newTask("t1", core.StatusTodo)
	require.NoError(t, s.SaveTask(ctx, task))

	stale := task.Clone()
	stale.Version = 0

	err := s.SaveTask(ctx, stale)
	require.ErrorIs(t, err, backend.ErrConcurrentUpdate)
}

func Test_SaveTasks_AllOrNone(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	first := newTask("t1", core.StatusTodo)
	second := newTask("t2", core.StatusTodo)
	require.NoError(t, s.SaveTasks(ctx, first, second))

	update := first.Clone()
	update.Title = "updated"

	stale := second.Clone()
	stale.Version = 0
	stale.Title = "stale"

	err := s.SaveTasks(ctx, update, stale)
	require.ErrorIs(t, err, backend.ErrConcurrentUpdate)

	// The valid task in the failed batch must not have been written.
	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "Task t1", got.Title)
	require.Equal(t, int64(1), got.Version)
}

func Test_UpdateTask(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	task := newTask("t1", core.StatusTodo)
	task.Assignees = []string{"u1"}
	require.NoError(t, s.SaveTask(ctx, task))

	updated, err := s.UpdateTask(ctx, "t1", func(t *core.Task) error {
		t.Status = core.StatusInProgress
		t.Assignees = append(t.Assignees, "u2")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, core.StatusInProgress, updated.Status)
	require.Equal(t, []string{"u1", "u2"}, updated.Assignees)
	require.Equal(t, int64(2), updated.Version)

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, updated, got)

	_, err = s.UpdateTask(ctx, "missing", func(t *core.Task) error { return nil })
	require.ErrorIs(t, err, backend.ErrTaskNotFound)
}

func Test_UpdateTask_ErrorLeavesTaskUnchanged(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	task := newTask("t1", core.StatusTodo)
	require.NoError(t, s.SaveTask(ctx, task))

	wantErr := context.DeadlineExceeded
	_, err := s.UpdateTask(ctx, "t1", func(t *core.Task) error {
		t.Status = core.StatusDone
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, core.StatusTodo, got.Status)
	require.Equal(t, int64(1), got.Version)
}

func Test_ActiveTasksForUser(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	active := newTask("t1", core.StatusInProgress)
	active.Assignees = []string{"u1"}

	blocked := newTask("t2", core.StatusBlocked)
	blocked.Assignees = []string{"u1", "u2"}

	done := newTask("t3", core.StatusDone)
	done.Assignees = []string{"u1"}

	other := newTask("t4", core.StatusTodo)
	other.Assignees = []string{"u2"}

	require.NoError(t, s.SaveTasks(ctx, active, blocked, done, other))

	tasks, err := s.ActiveTasksForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "t1", tasks[0].ID)
	require.Equal(t, "t2", tasks[1].ID)
}

func Test_ChildTasks(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	parent := newTask("p1", core.StatusInProgress)

	childA := newTask("c1", core.StatusTodo)
	childA.ParentID = &parent.ID

	childB := newTask("c2", core.StatusDone)
	childB.ParentID = &parent.ID

	unrelated := newTask("t9", core.StatusTodo)

	require.NoError(t, s.SaveTasks(ctx, parent, childA, childB, unrelated))

	children, err := s.ChildTasks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.Equal(t, "c1", children[0].ID)
	require.Equal(t, "c2", children[1].ID)
}

func Test_TasksDueBetween(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	now := time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC)

	due := func(id string, offset time.Duration, status core.Status) *core.Task {
		task := newTask(id, status)
		d := now.Add(offset)
		task.DueDate = &d
		return task
	}

	require.NoError(t, s.SaveTasks(ctx,
		due("t1", 2*time.Hour, core.StatusTodo),
		due("t2", 30*time.Hour, core.StatusTodo),
		due("t3", 12*time.Hour, core.StatusDone),
		due("t4", 23*time.Hour, core.StatusTodo),
		newTask("t5", core.StatusTodo),
	))

	tasks, err := s.TasksDueBetween(ctx, now, now.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "t1", tasks[0].ID)
	require.Equal(t, "t4", tasks[1].ID)
}

func Test_OverdueTasks(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	now := time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC)

	overdue := newTask("t1", core.StatusInProgress)
	past := now.Add(-2 * time.Hour)
	overdue.DueDate = &past

	finished := newTask("t2", core.StatusDone)
	finished.DueDate = &past

	upcoming := newTask("t3", core.StatusTodo)
	future := now.Add(2 * time.Hour)
	upcoming.DueDate = &future

	require.NoError(t, s.SaveTasks(ctx, overdue, finished, upcoming))

	tasks, err := s.OverdueTasks(ctx, now)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "t1", tasks[0].ID)
}

func Test_Users(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	manager := "u3"

	require.NoError(t, s.SaveUser(ctx, &core.User{ID: "u1", IsActive: true, Role: "developer", Team: "platform", Skills: []string{"go", "sql"}, ManagerID: &manager}))
	require.NoError(t, s.SaveUser(ctx, &core.User{ID: "u2", IsActive: true, Role: "developer", Team: "apps", Skills: []string{"go"}}))
	require.NoError(t, s.SaveUser(ctx, &core.User{ID: "u3", IsActive: true, Role: "manager", Team: "platform"}))
	require.NoError(t, s.SaveUser(ctx, &core.User{ID: "u4", IsActive: false, Role: "developer", Team: "platform"}))

	// SaveUser upserts.
	require.NoError(t, s.SaveUser(ctx, &core.User{ID: "u2", IsActive: true, Role: "developer", Team: "payments", Skills: []string{"go"}}))

	t.Run("GetUser", func(t *testing.T) {
		user, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		require.Equal(t, "platform", user.Team)
		require.Equal(t, &manager, user.ManagerID)

		_, err = s.GetUser(ctx, "missing")
		require.ErrorIs(t, err, backend.ErrUserNotFound)
	})

	t.Run("Candidates", func(t *testing.T) {
		tests := []struct {
			name     string
			criteria backend.Criteria
			want     []string
		}{
			{"all active", backend.Criteria{}, []string{"u1", "u2", "u3"}},
			{"by id", backend.Criteria{CandidateIDs: []string{"u2", "u4"}}, []string{"u2"}},
			{"by team", backend.Criteria{Team: "platform"}, []string{"u1", "u3"}},
			{"by skills", backend.Criteria{RequiredSkills: []string{"go", "sql"}}, []string{"u1"}},
			{"no match", backend.Criteria{Team: "design"}, nil},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				users, err := s.Candidates(ctx, tt.criteria)
				require.NoError(t, err)

				var ids []string
				for _, u := range users {
					ids = append(ids, u.ID)
				}

				require.Equal(t, tt.want, ids)
			})
		}
	})

	t.Run("UsersByRole", func(t *testing.T) {
		users, err := s.UsersByRole(ctx, "developer")
		require.NoError(t, err)
		require.Len(t, users, 2)
		require.Equal(t, "u1", users[0].ID)
		require.Equal(t, "u2", users[1].ID)
	})
}
