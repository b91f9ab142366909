package store

import (
	"database/sql"
	"fmt"
)

// Task statuses.
const (
	TaskActive        = "active"
	TaskAwaitingInput = "awaiting_input"
	TaskIdle          = "idle"
)

// Task is a unit of agent-driven work, optionally bound to a repository.
type Task struct {
	ID        int64
	Title     string // set from the first prompt, may be renamed later
	Status    string // active, awaiting_input, idle
	RepoID    int64  // 0 = no repository bound
	CreatedAt int64  // unix ms
	UpdatedAt int64  // unix ms

	Repo *Repo // populated on reads when repo_id is set
}

// TaskFilter for filtering tasks
type TaskFilter struct {
	Status string
	RepoID int64
	Limit  int
}

const taskColumns = `
	t.id, t.title, t.status, t.repo_id, t.created_at, t.updated_at,
	r.id, r.remote_url, r.display_name, r.default_branch,
	r.locked_by_task_id, r.locked_at, r.last_used_at, r.created_at, r.updated_at
`

// CreateTask inserts a new task. repoID 0 creates a task without a repository.
func (s *Store) CreateTask(title string, repoID int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMillis()
	res, err := s.db.Exec(
		`INSERT INTO tasks (title, status, repo_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		nullString(title), TaskActive, nullInt64(repoID), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get task id: %w", err)
	}

	return s.getTaskLocked(id)
}

// GetTask retrieves a task by ID, with its repository when one is bound.
// Returns (nil, nil) when no such task exists.
func (s *Store) GetTask(id int64) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTaskLocked(id)
}

func (s *Store) getTaskLocked(id int64) (*Task, error) {
	query := `
	SELECT ` + taskColumns + `
	FROM tasks t LEFT JOIN repos r ON r.id = t.repo_id
	WHERE t.id = ?
	`

	t, err := scanTask(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasks retrieves tasks matching the filter, newest first.
func (s *Store) ListTasks(f TaskFilter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT ` + taskColumns + `
	FROM tasks t LEFT JOIN repos r ON r.id = t.repo_id
	`

	args := []interface{}{}
	where := ""
	if f.Status != "" {
		where = ` WHERE t.status = ?`
		args = append(args, f.Status)
	}
	if f.RepoID != 0 {
		if where == "" {
			where = ` WHERE t.repo_id = ?`
		} else {
			where += ` AND t.repo_id = ?`
		}
		args = append(args, f.RepoID)
	}

	query += where + ` ORDER BY t.id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// SetTaskTitle updates a task's title and updated_at
func (s *Store) SetTaskTitle(id int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE tasks SET title = ?, updated_at = ? WHERE id = ?`,
		nullString(title), nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set task title: %w", err)
	}
	return requireTask(res, id)
}

// SetTaskStatus updates a task's status and updated_at
func (s *Store) SetTaskStatus(id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set task status: %w", err)
	}
	return requireTask(res, id)
}

// TouchTask bumps a task's updated_at. Called on session activity.
func (s *Store) TouchTask(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE tasks SET updated_at = ? WHERE id = ?`, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to touch task: %w", err)
	}
	return requireTask(res, id)
}

// DeleteTask removes a task together with its messages and execution
// sessions, and releases any repository lock it still holds.
func (s *Store) DeleteTask(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE repos SET locked_by_task_id = NULL, locked_at = NULL WHERE locked_by_task_id = ?`, id,
	); err != nil {
		return fmt.Errorf("failed to release repo locks: %w", err)
	}

	res, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task not found: %d", id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var title sql.NullString
	var repoID sql.NullInt64
	var rID, rLockedBy, rLockedAt, rLastUsed, rCreated, rUpdated sql.NullInt64
	var rURL, rName, rBranch sql.NullString

	err := row.Scan(
		&t.ID, &title, &t.Status, &repoID, &t.CreatedAt, &t.UpdatedAt,
		&rID, &rURL, &rName, &rBranch,
		&rLockedBy, &rLockedAt, &rLastUsed, &rCreated, &rUpdated,
	)
	if err != nil {
		return nil, err
	}

	if title.Valid {
		t.Title = title.String
	}
	if repoID.Valid {
		t.RepoID = repoID.Int64
	}
	if rID.Valid {
		t.Repo = &Repo{
			ID:             rID.Int64,
			RemoteURL:      rURL.String,
			DisplayName:    rName.String,
			DefaultBranch:  rBranch.String,
			LockedByTaskID: rLockedBy.Int64,
			LockedAt:       rLockedAt.Int64,
			LastUsedAt:     rLastUsed.Int64,
			CreatedAt:      rCreated.Int64,
			UpdatedAt:      rUpdated.Int64,
		}
	}

	return t, nil
}

func requireTask(res sql.Result, id int64) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task not found: %d", id)
	}
	return nil
}
