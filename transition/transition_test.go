package transition

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowsmith/taskflow/core"
)

func Test_IsValid(t *testing.T) {
	allowed := map[core.Status][]core.Status{
		core.StatusTodo:       {core.StatusInProgress, core.StatusCancelled},
		core.StatusInProgress: {core.StatusDone, core.StatusBlocked, core.StatusTodo},
		core.StatusBlocked:    {core.StatusInProgress, core.StatusCancelled},
		core.StatusDone:       {core.StatusTodo},
		core.StatusCancelled:  {core.StatusTodo},
	}

	for _, from := range core.Statuses {
		for _, to := range core.Statuses {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}

			require.Equal(t, want, IsValid(from, to), "%s -> %s", from, to)
		}
	}
}

func Test_IsValid_UnknownStatus(t *testing.T) {
	require.False(t, IsValid(core.Status("archived"), core.StatusTodo))
	require.False(t, IsValid(core.StatusTodo, core.Status("archived")))
	require.False(t, IsValid(core.StatusTodo, core.StatusTodo))
}

func Test_Targets(t *testing.T) {
	require.Equal(t,
		[]core.Status{core.StatusDone, core.StatusBlocked, core.StatusTodo},
		Targets(core.StatusInProgress))
	require.Empty(t, Targets(core.Status("archived")))

	// Mutating the returned slice must not affect later calls.
	ts := Targets(core.StatusTodo)
	ts[0] = core.StatusDone
	require.Equal(t, []core.Status{core.StatusInProgress, core.StatusCancelled}, Targets(core.StatusTodo))
}

func Test_Validate(t *testing.T) {
	task := &core.Task{ID: "t1", Status: core.StatusBlocked}

	require.NoError(t, Validate(task, core.StatusInProgress))

	err := Validate(task, core.StatusDone)
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "t1", verr.TaskID)
	require.Equal(t, core.StatusBlocked, verr.From)
	require.Equal(t, core.StatusDone, verr.To)
	require.Contains(t, err.Error(), "invalid status transition")
}
