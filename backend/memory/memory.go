package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/flowsmith/taskflow/backend"
	"github.com/flowsmith/taskflow/core"
)

var _ backend.TaskStore = (*Store)(nil)

// Store is an in-memory TaskStore. Tasks and users are deep-copied on the way
// in and out, so callers never alias store-internal state. All writes for a
// task id are serialized behind the store lock.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*core.Task
	users map[string]*core.User

	options *backend.Options
}

func NewStore(opts ...backend.BackendOption) *Store {
	options := backend.ApplyOptions(opts...)

	return &Store{
		tasks:   map[string]*core.Task{},
		users:   map[string]*core.User{},
		options: &options,
	}
}

func (s *Store) Options() *backend.Options {
	return s.options
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, backend.ErrTaskNotFound
	}

	return task.Clone(), nil
}

func (s *Store) SaveTask(ctx context.Context, task *core.Task) error {
	return s.SaveTasks(ctx, task)
}

func (s *Store) SaveTasks(ctx context.Context, tasks ...*core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every version before touching anything so a stale task in the
	// batch leaves the store unchanged.
	for _, task := range tasks {
		if existing, ok := s.tasks[task.ID]; ok && existing.Version != task.Version {
			return fmt.Errorf("saving task %s: %w", task.ID, backend.ErrConcurrentUpdate)
		}
	}

	for _, task := range tasks {
		task.Version++
		s.tasks[task.ID] = task.Clone()
	}

	return nil
}

func (s *Store) UpdateTask(ctx context.Context, id string, fn func(*core.Task) error) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[id]
	if !ok {
		return nil, backend.ErrTaskNotFound
	}

	updated := existing.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}

	updated.ID = existing.ID
	updated.Version = existing.Version + 1
	s.tasks[id] = updated

	return updated.Clone(), nil
}

func (s *Store) ActiveTasksForUser(ctx context.Context, userID string) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*core.Task
	for _, task := range s.tasks {
		if task.Status.Terminal() {
			continue
		}

		if slices.Contains(task.Assignees, userID) {
			result = append(result, task.Clone())
		}
	}

	sortTasks(result)

	return result, nil
}

func (s *Store) ChildTasks(ctx context.Context, taskID string) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*core.Task
	for _, task := range s.tasks {
		if task.ParentID != nil && *task.ParentID == taskID {
			result = append(result, task.Clone())
		}
	}

	sortTasks(result)

	return result, nil
}

func (s *Store) TasksDueBetween(ctx context.Context, from, to time.Time) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*core.Task
	for _, task := range s.tasks {
		if task.Status.Terminal() || task.DueDate == nil {
			continue
		}

		if !task.DueDate.Before(from) && task.DueDate.Before(to) {
			result = append(result, task.Clone())
		}
	}

	sortByDueDate(result)

	return result, nil
}

func (s *Store) OverdueTasks(ctx context.Context, asOf time.Time) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*core.Task
	for _, task := range s.tasks {
		if task.IsOverdue(asOf) {
			result = append(result, task.Clone())
		}
	}

	sortByDueDate(result)

	return result, nil
}

func (s *Store) SaveUser(ctx context.Context, user *core.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[user.ID] = user.Clone()

	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, backend.ErrUserNotFound
	}

	return user.Clone(), nil
}

func (s *Store) Candidates(ctx context.Context, criteria backend.Criteria) ([]*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids map[string]bool
	if len(criteria.CandidateIDs) > 0 {
		ids = make(map[string]bool, len(criteria.CandidateIDs))
		for _, id := range criteria.CandidateIDs {
			ids[id] = true
		}
	}

	var result []*core.User
	for _, user := range s.users {
		if !user.IsActive {
			continue
		}

		if ids != nil && !ids[user.ID] {
			continue
		}

		if criteria.Team != "" && user.Team != criteria.Team {
			continue
		}

		if !user.HasSkills(criteria.RequiredSkills) {
			continue
		}

		result = append(result, user.Clone())
	}

	sortUsers(result)

	return result, nil
}

func (s *Store) UsersByRole(ctx context.Context, role string) ([]*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*core.User
	for _, user := range s.users {
		if user.IsActive && user.Role == role {
			result = append(result, user.Clone())
		}
	}

	sortUsers(result)

	return result, nil
}

func sortTasks(tasks []*core.Task) {
	slices.SortFunc(tasks, func(a, b *core.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})
}

func sortByDueDate(tasks []*core.Task) {
	slices.SortFunc(tasks, func(a, b *core.Task) int {
		if c := a.DueDate.Compare(*b.DueDate); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})
}

func sortUsers(users []*core.User) {
	slices.SortFunc(users, func(a, b *core.User) int {
		return strings.Compare(a.ID, b.ID)
	})
}
