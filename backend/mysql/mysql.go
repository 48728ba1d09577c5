package mysql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/flowsmith/taskflow/backend"
	"github.com/flowsmith/taskflow/core"

	_ "github.com/go-sql-driver/mysql"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ backend.TaskStore = (*Store)(nil)

// NewMysqlStore creates a store backed by the given mysql database, applying
// any pending schema migrations.
func NewMysqlStore(host string, port int, user, password, database string, opts ...backend.BackendOption) *Store {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&interpolateParams=true", user, password, host, port, database)

	migrationDsn := dsn + "&multiStatements=true"
	db, err := sql.Open("mysql", migrationDsn)
	if err != nil {
		panic(err)
	}

	if err := migrateSchema(db, database); err != nil {
		panic(fmt.Errorf("could not initialize database: %w", err))
	}

	if err := db.Close(); err != nil {
		panic(err)
	}

	db, err = sql.Open("mysql", dsn)
	if err != nil {
		panic(err)
	}

	options := backend.ApplyOptions(opts...)

	return &Store{
		db:      db,
		options: &options,
	}
}

func migrateSchema(db *sql.DB, database string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("could not open migrations: %w", err)
	}

	driver, err := migratemysql.WithInstance(db, &migratemysql.Config{DatabaseName: database})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "mysql", driver)
	if err != nil {
		return fmt.Errorf("could not create migrations: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("could not apply migrations: %w", err)
	}

	return nil
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
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
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
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return nil, fmt.Errorf("could not start transaction: %w", err)
	}
	defer tx.Rollback()

	// Lock the row so concurrent updates for the same task id queue up
	// instead of failing the version check.
	row := tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM `tasks` WHERE id = ? FOR UPDATE", id)

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
			" ON DUPLICATE KEY UPDATE name = VALUES(name), email = VALUES(email), is_active = VALUES(is_active),"+
			" role = VALUES(role), team = VALUES(team), skills = VALUES(skills), manager_id = VALUES(manager_id),"+
			" max_concurrent_tasks = VALUES(max_concurrent_tasks)",
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
