package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flowsmith/taskflow/backend"
	"github.com/flowsmith/taskflow/core"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

var _ backend.TaskStore = (*Store)(nil)

// NewInMemoryStore creates a store backed by an in-memory sqlite database.
// Intended for tests and samples.
func NewInMemoryStore(opts ...backend.BackendOption) *Store {
	s := newStore("file::memory:", opts...)

	// Shared cache is not enabled, so all access has to go through a single
	// connection.
	s.db.SetMaxOpenConns(1)

	return s
}

// NewSqliteStore creates a store backed by the sqlite database at the given
// path, creating the schema if needed.
func NewSqliteStore(path string, opts ...backend.BackendOption) *Store {
	return newStore(fmt.Sprintf("file:%v", path), opts...)
}

func newStore(dsn string, opts ...backend.BackendOption) *Store {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		panic(err)
	}

	if _, err := db.Exec(schema); err != nil {
		panic(err)
	}

	options := backend.ApplyOptions(opts...)

	return &Store{
		db:      db,
		options: &options,
	}
}

type Store struct {
	db      *sql.DB
	options *backend.Options
}

func (s *Store) Close() error {
	return s.db.Close()
}

const taskColumns = "id, title, status, priority, due_date, created_at, estimated_hours, actual_hours, parent_id, tags, metadata, creator_id, completion_percent, version"

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM `tasks` WHERE id = ?", id)

	task, err := scanTask(row)
	if err != nil {
		return nil, err
	}

	if err := s.loadAssignees(ctx, s.db, task); err != nil {
		return nil, err
	}

	return task, nil
}

func (s *Store) SaveTask(ctx context.Context, task *core.Task) error {
	return s.SaveTasks(ctx, task)
}

func (s *Store) SaveTasks(ctx context.Context, tasks ...*core.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not start transaction: %w", err)
	}
	defer tx.Rollback()

	for _, task := range tasks {
		if err := writeTask(ctx, tx, task); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not save tasks: %w", err)
	}

	// All writes committed, reflect the new versions on the caller's tasks.
	for _, task := range tasks {
		task.Version++
	}

	return nil
}

func (s *Store) UpdateTask(ctx context.Context, id string, fn func(*core.Task) error) (*core.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not start transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM `tasks` WHERE id = ?", id)

	task, err := scanTask(row)
	if err != nil {
		return nil, err
	}

	if err := s.loadAssignees(ctx, tx, task); err != nil {
		return nil, err
	}

	updated := task.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}

	updated.ID = task.ID
	updated.Version = task.Version

	if err := writeTask(ctx, tx, updated); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("could not update task: %w", err)
	}

	updated.Version++

	return updated, nil
}

func (s *Store) ActiveTasksForUser(ctx context.Context, userID string) ([]*core.Task, error) {
	return s.queryTasks(ctx,
		"SELECT t."+strings.ReplaceAll(taskColumns, ", ", ", t.")+
			" FROM `tasks` t JOIN `task_assignees` a ON a.task_id = t.id"+
			" WHERE a.user_id = ? AND t.status NOT IN (?, ?) ORDER BY t.created_at, t.id",
		userID, string(core.StatusDone), string(core.StatusCancelled))
}

func (s *Store) ChildTasks(ctx context.Context, taskID string) ([]*core.Task, error) {
	return s.queryTasks(ctx,
		"SELECT "+taskColumns+" FROM `tasks` WHERE parent_id = ? ORDER BY created_at, id", taskID)
}

func (s *Store) TasksDueBetween(ctx context.Context, from, to time.Time) ([]*core.Task, error) {
	return s.queryTasks(ctx,
		"SELECT "+taskColumns+" FROM `tasks` WHERE due_date IS NOT NULL AND due_date >= ? AND due_date < ?"+
			" AND status NOT IN (?, ?) ORDER BY due_date, id",
		from.UTC(), to.UTC(), string(core.StatusDone), string(core.StatusCancelled))
}

func (s *Store) OverdueTasks(ctx context.Context, asOf time.Time) ([]*core.Task, error) {
	return s.queryTasks(ctx,
		"SELECT "+taskColumns+" FROM `tasks` WHERE due_date IS NOT NULL AND due_date < ?"+
			" AND status NOT IN (?, ?) ORDER BY due_date, id",
		asOf.UTC(), string(core.StatusDone), string(core.StatusCancelled))
}

func (s *Store) SaveUser(ctx context.Context, user *core.User) error {
	skills, err := json.Marshal(user.Skills)
	if err != nil {
		return fmt.Errorf("could not marshal skills: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		"INSERT INTO `users` (id, name, email, is_active, role, team, skills, manager_id, max_concurrent_tasks) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"+
			" ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email, is_active = excluded.is_active,"+
			" role = excluded.role, team = excluded.team, skills = excluded.skills, manager_id = excluded.manager_id,"+
			" max_concurrent_tasks = excluded.max_concurrent_tasks",
		user.ID, user.Name, user.Email, user.IsActive, user.Role, user.Team, string(skills), user.ManagerID, user.MaxConcurrentTasks,
	)
	if err != nil {
		return fmt.Errorf("could not save user: %w", err)
	}

	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*core.User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM `users` WHERE id = ?", id)

	return scanUser(row)
}

func (s *Store) Candidates(ctx context.Context, criteria backend.Criteria) ([]*core.User, error) {
	query := "SELECT " + userColumns + " FROM `users` WHERE is_active = 1"
	args := []any{}

	if len(criteria.CandidateIDs) > 0 {
		query += " AND id IN (?" + strings.Repeat(", ?", len(criteria.CandidateIDs)-1) + ")"
		for _, id := range criteria.CandidateIDs {
			args = append(args, id)
		}
	}

	if criteria.Team != "" {
		query += " AND team = ?"
		args = append(args, criteria.Team)
	}

	query += " ORDER BY id"

	users, err := s.queryUsers(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	// Skill matching happens on the decoded users, skills are stored as a
	// json array.
	if len(criteria.RequiredSkills) > 0 {
		matching := users[:0]
		for _, user := range users {
			if user.HasSkills(criteria.RequiredSkills) {
				matching = append(matching, user)
			}
		}
		users = matching
	}

	return users, nil
}

func (s *Store) UsersByRole(ctx context.Context, role string) ([]*core.User, error) {
	return s.queryUsers(ctx, "SELECT "+userColumns+" FROM `users` WHERE is_active = 1 AND role = ? ORDER BY id", role)
}

// querier is implemented by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*core.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}
	defer rows.Close()

	var result []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}

		result = append(result, task)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, task := range result {
		if err := s.loadAssignees(ctx, s.db, task); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (s *Store) loadAssignees(ctx context.Context, q querier, task *core.Task) error {
	rows, err := q.QueryContext(ctx, "SELECT user_id FROM `task_assignees` WHERE task_id = ? ORDER BY position", task.ID)
	if err != nil {
		return fmt.Errorf("could not query assignees: %w", err)
	}
	defer rows.Close()

	task.Assignees = nil
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return fmt.Errorf("could not scan assignee: %w", err)
		}

		task.Assignees = append(task.Assignees, userID)
	}

	return rows.Err()
}

func writeTask(ctx context.Context, tx *sql.Tx, task *core.Task) error {
	tags, metadata, err := encodeTaskFields(task)
	if err != nil {
		return err
	}

	var dueDate *time.Time
	if task.DueDate != nil {
		utc := task.DueDate.UTC()
		dueDate = &utc
	}

	res, err := tx.ExecContext(
		ctx,
		"UPDATE `tasks` SET title = ?, status = ?, priority = ?, due_date = ?, created_at = ?, estimated_hours = ?,"+
			" actual_hours = ?, parent_id = ?, tags = ?, metadata = ?, creator_id = ?, completion_percent = ?, version = version + 1"+
			" WHERE id = ? AND version = ?",
		task.Title, string(task.Status), string(task.Priority), dueDate, task.CreatedAt.UTC(), task.EstimatedHours,
		task.ActualHours, task.ParentID, tags, metadata, task.CreatorID, task.CompletionPercent,
		task.ID, task.Version,
	)
	if err != nil {
		return fmt.Errorf("could not update task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM `tasks` WHERE id = ?)", task.ID).Scan(&exists); err != nil {
			return fmt.Errorf("could not check task existence: %w", err)
		}

		if exists {
			return fmt.Errorf("saving task %s: %w", task.ID, backend.ErrConcurrentUpdate)
		}

		_, err = tx.ExecContext(
			ctx,
			"INSERT INTO `tasks` ("+taskColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			task.ID, task.Title, string(task.Status), string(task.Priority), dueDate, task.CreatedAt.UTC(),
			task.EstimatedHours, task.ActualHours, task.ParentID, tags, metadata, task.CreatorID,
			task.CompletionPercent, task.Version+1,
		)
		if err != nil {
			return fmt.Errorf("could not insert task: %w", err)
		}
	}

	return writeAssignees(ctx, tx, task)
}

func writeAssignees(ctx context.Context, tx *sql.Tx, task *core.Task) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM `task_assignees` WHERE task_id = ?", task.ID); err != nil {
		return fmt.Errorf("could not clear assignees: %w", err)
	}

	for i, userID := range task.Assignees {
		_, err := tx.ExecContext(
			ctx,
			"INSERT INTO `task_assignees` (task_id, user_id, position) VALUES (?, ?, ?)",
			task.ID, userID, i,
		)
		if err != nil {
			return fmt.Errorf("could not insert assignee: %w", err)
		}
	}

	return nil
}

func encodeTaskFields(task *core.Task) (string, *string, error) {
	tags, err := json.Marshal(task.Tags)
	if err != nil {
		return "", nil, fmt.Errorf("could not marshal tags: %w", err)
	}

	var metadata *string
	if task.Metadata != nil {
		b, err := json.Marshal(task.Metadata)
		if err != nil {
			return "", nil, fmt.Errorf("could not marshal metadata: %w", err)
		}

		m := string(b)
		metadata = &m
	}

	return string(tags), metadata, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*core.Task, error) {
	var (
		task     core.Task
		dueDate  sql.NullTime
		parentID sql.NullString
		tags     string
		metadata sql.NullString
	)

	err := row.Scan(
		&task.ID, &task.Title, &task.Status, &task.Priority, &dueDate, &task.CreatedAt, &task.EstimatedHours,
		&task.ActualHours, &parentID, &tags, &metadata, &task.CreatorID, &task.CompletionPercent, &task.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, backend.ErrTaskNotFound
		}

		return nil, fmt.Errorf("could not scan task: %w", err)
	}

	if dueDate.Valid {
		due := dueDate.Time.UTC()
		task.DueDate = &due
	}

	task.CreatedAt = task.CreatedAt.UTC()

	if parentID.Valid {
		task.ParentID = &parentID.String
	}

	if err := json.Unmarshal([]byte(tags), &task.Tags); err != nil {
		return nil, fmt.Errorf("could not unmarshal tags: %w", err)
	}

	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &task.Metadata); err != nil {
			return nil, fmt.Errorf("could not unmarshal metadata: %w", err)
		}
	}

	return &task, nil
}

const userColumns = "id, name, email, is_active, role, team, skills, manager_id, max_concurrent_tasks"

func (s *Store) queryUsers(ctx context.Context, query string, args ...any) ([]*core.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query users: %w", err)
	}
	defer rows.Close()

	var result []*core.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}

		result = append(result, user)
	}

	return result, rows.Err()
}

func scanUser(row scanner) (*core.User, error) {
	var (
		user      core.User
		skills    string
		managerID sql.NullString
	)

	err := row.Scan(&user.ID, &user.Name, &user.Email, &user.IsActive, &user.Role, &user.Team, &skills, &managerID, &user.MaxConcurrentTasks)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, backend.ErrUserNotFound
		}

		return nil, fmt.Errorf("could not scan user: %w", err)
	}

	if err := json.Unmarshal([]byte(skills), &user.Skills); err != nil {
		return nil, fmt.Errorf("could not unmarshal skills: %w", err)
	}

	if managerID.Valid {
		user.ManagerID = &managerID.String
	}

	return &user, nil
}
