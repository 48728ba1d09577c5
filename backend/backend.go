package backend

import (
	"context"
	"errors"
	"time"

	"github.com/flowsmith/taskflow/core"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrUserNotFound = errors.New("user not found")

	// ErrConcurrentUpdate is returned when a write carries a stale version of
	// a task. Callers should re-read and retry.
	ErrConcurrentUpdate = errors.New("task was updated concurrently")
)

const TracerName = "taskflow"

// Criteria narrows the candidate set for automatic assignment.
type Criteria struct {
	// CandidateIDs restricts candidates to the given user ids. Empty means
	// all active users.
	CandidateIDs []string `json:"candidate_ids,omitempty" yaml:"candidate_ids,omitempty"`

	// Team restricts candidates to members of the given team.
	Team string `json:"team,omitempty" yaml:"team,omitempty"`

	// RequiredSkills restricts candidates to users carrying every listed
	// skill.
	RequiredSkills []string `json:"required_skills,omitempty" yaml:"required_skills,omitempty"`

	// MaxWorkload excludes candidates with at least this many active tasks.
	// Zero means no limit. Applied by the workload balancer, not by stores.
	MaxWorkload int `json:"max_workload,omitempty" yaml:"max_workload,omitempty"`
}

// TaskStore is the persistence boundary of the engine. Implementations must
// serialize concurrent writers for the same task id.
type TaskStore interface {
	// GetTask returns the task with the given id, or ErrTaskNotFound.
	GetTask(ctx context.Context, id string) (*core.Task, error)

	// SaveTask persists the given task. The stored version is bumped; writing
	// a stale version fails with ErrConcurrentUpdate.
	SaveTask(ctx context.Context, task *core.Task) error

	// SaveTasks persists all given tasks in one atomic unit; either every
	// task is written or none is.
	SaveTasks(ctx context.Context, tasks ...*core.Task) error

	// UpdateTask runs fn against the current state of the task and persists
	// the result. Updates for the same task id never interleave.
	UpdateTask(ctx context.Context, id string, fn func(*core.Task) error) (*core.Task, error)

	// ActiveTasksForUser returns the user's tasks in a non-terminal status.
	ActiveTasksForUser(ctx context.Context, userID string) ([]*core.Task, error)

	// ChildTasks returns the tasks whose parent is the given task.
	ChildTasks(ctx context.Context, taskID string) ([]*core.Task, error)

	// TasksDueBetween returns non-terminal tasks with a due date in [from, to).
	TasksDueBetween(ctx context.Context, from, to time.Time) ([]*core.Task, error)

	// OverdueTasks returns non-terminal tasks whose due date is before asOf.
	OverdueTasks(ctx context.Context, asOf time.Time) ([]*core.Task, error)

	// GetUser returns the user with the given id, or ErrUserNotFound.
	GetUser(ctx context.Context, id string) (*core.User, error)

	// Candidates returns active users matching the criteria, in a stable
	// order.
	Candidates(ctx context.Context, criteria Criteria) ([]*core.User, error)

	// UsersByRole returns active users holding the given role, in a stable
	// order.
	UsersByRole(ctx context.Context, role string) ([]*core.User, error)
}
