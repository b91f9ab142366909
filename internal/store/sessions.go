package store

import (
	"database/sql"
	"fmt"
)

// Execution session statuses. A session is terminal in any status other
// than started.
const (
	SessionStarted     = "started"
	SessionCompleted   = "completed"
	SessionFailed      = "failed"
	SessionInterrupted = "interrupted"
)

// ExecutionSession is one contiguous span of agent context on a sandbox.
type ExecutionSession struct {
	ID          int64
	TaskID      int64
	SandboxName string
	Kind        string
	Status      string
	StartedAt   int64 // unix ms
	EndedAt     int64 // unix ms, 0 while started
}

// Terminal reports whether the session has ended.
func (es *ExecutionSession) Terminal() bool {
	return es.Status != SessionStarted
}

const sessionColumns = `id, task_id, sandbox_name, kind, status, started_at, ended_at`

// StartExecutionSession creates a started session for a task. The partial
// unique index on (task_id) WHERE status = 'started' rejects a second
// started session for the same task.
func (s *Store) StartExecutionSession(taskID int64, sandboxName, kind string) (*ExecutionSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kind == "" {
		kind = "agent"
	}

	res, err := s.db.Exec(
		`INSERT INTO execution_sessions (task_id, sandbox_name, kind, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		taskID, sandboxName, kind, SessionStarted, nowMillis(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start execution session: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get session id: %w", err)
	}

	return s.getExecutionSessionLocked(id)
}

// CompleteExecutionSession moves a session out of started, stamping
// ended_at. Completing an already-terminal session is a no-op, so crash
// recovery and regular teardown can race without clobbering each other.
func (s *Store) CompleteExecutionSession(id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch status {
	case SessionCompleted, SessionFailed, SessionInterrupted:
	default:
		return fmt.Errorf("invalid terminal session status: %q", status)
	}

	_, err := s.db.Exec(
		`UPDATE execution_sessions SET status = ?, ended_at = ? WHERE id = ? AND status = ?`,
		status, nowMillis(), id, SessionStarted,
	)
	if err != nil {
		return fmt.Errorf("failed to complete execution session: %w", err)
	}
	return nil
}

// GetExecutionSession retrieves a session by ID.
// Returns (nil, nil) when no such session exists.
func (s *Store) GetExecutionSession(id int64) (*ExecutionSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getExecutionSessionLocked(id)
}

func (s *Store) getExecutionSessionLocked(id int64) (*ExecutionSession, error) {
	es, err := scanSession(s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM execution_sessions WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution session: %w", err)
	}
	return es, nil
}

// StartedExecutionSession returns a task's currently started session,
// or (nil, nil) when the task has none.
func (s *Store) StartedExecutionSession(taskID int64) (*ExecutionSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	es, err := scanSession(s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM execution_sessions WHERE task_id = ? AND status = ?`,
		taskID, SessionStarted,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get started session: %w", err)
	}
	return es, nil
}

// ListExecutionSessions retrieves a task's sessions in start order.
func (s *Store) ListExecutionSessions(taskID int64) ([]*ExecutionSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM execution_sessions WHERE task_id = ? ORDER BY id`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ExecutionSession
	for rows.Next() {
		es, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution session: %w", err)
		}
		sessions = append(sessions, es)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution sessions: %w", err)
	}

	return sessions, nil
}

// InterruptStartedSessions marks every started session interrupted. Called
// once at startup: any session still open then belonged to a process that
// is no longer running.
func (s *Store) InterruptStartedSessions() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE execution_sessions SET status = ?, ended_at = ? WHERE status = ?`,
		SessionInterrupted, nowMillis(), SessionStarted,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to interrupt started sessions: %w", err)
	}
	return res.RowsAffected()
}

func scanSession(row rowScanner) (*ExecutionSession, error) {
	es := &ExecutionSession{}
	var endedAt sql.NullInt64

	err := row.Scan(&es.ID, &es.TaskID, &es.SandboxName, &es.Kind, &es.Status, &es.StartedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	es.EndedAt = endedAt.Int64
	return es, nil
}
