package store

import (
	"database/sql"
	"fmt"
	"strings"

	cerrors "github.com/conductorhq/conductor/internal/errors"
)

// Repo is a registered git repository.
type Repo struct {
	ID             int64
	RemoteURL      string
	DisplayName    string // owner/name for GitHub remotes
	DefaultBranch  string
	LockedByTaskID int64 // 0 = unlocked
	LockedAt       int64 // unix ms, 0 = unlocked
	LastUsedAt     int64 // unix ms, 0 = never used
	CreatedAt      int64 // unix ms
	UpdatedAt      int64 // unix ms
}

// Locked reports whether some task currently holds this repo.
func (r *Repo) Locked() bool {
	return r.LockedByTaskID != 0
}

const repoColumns = `
	id, remote_url, display_name, default_branch,
	locked_by_task_id, locked_at, last_used_at, created_at, updated_at
`

// CreateRepo registers a repository. remote_url and display_name are unique.
func (s *Store) CreateRepo(remoteURL, displayName, defaultBranch string) (*Repo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if defaultBranch == "" {
		defaultBranch = "main"
	}

	now := nowMillis()
	res, err := s.db.Exec(
		`INSERT INTO repos (remote_url, display_name, default_branch, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		remoteURL, displayName, defaultBranch, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create repo: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get repo id: %w", err)
	}

	return s.getRepoLocked(id)
}

// GetRepo retrieves a repo by ID. Returns (nil, nil) when no such repo exists.
func (s *Store) GetRepo(id int64) (*Repo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRepoLocked(id)
}

func (s *Store) getRepoLocked(id int64) (*Repo, error) {
	r, err := scanRepo(s.db.QueryRow(`SELECT `+repoColumns+` FROM repos WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repo: %w", err)
	}
	return r, nil
}

// GetRepoByURL retrieves a repo by its exact remote URL.
// Returns (nil, nil) when no such repo exists.
func (s *Store) GetRepoByURL(remoteURL string) (*Repo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := scanRepo(s.db.QueryRow(`SELECT `+repoColumns+` FROM repos WHERE remote_url = ?`, remoteURL))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repo by url: %w", err)
	}
	return r, nil
}

// ListRepos retrieves all repos ordered by display name.
func (s *Store) ListRepos() ([]*Repo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + repoColumns + ` FROM repos ORDER BY display_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list repos: %w", err)
	}
	defer rows.Close()

	var repos []*Repo
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repo: %w", err)
		}
		repos = append(repos, r)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating repos: %w", err)
	}

	return repos, nil
}

// DeleteRepo removes a repo. Tasks that referenced it keep running
// without a repository.
func (s *Store) DeleteRepo(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM repos WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete repo: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("repo not found: %d", id)
	}
	return nil
}

// TouchRepoUsed records that a repo was just used by an allocation.
func (s *Store) TouchRepoUsed(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMillis()
	if _, err := s.db.Exec(`UPDATE repos SET last_used_at = ?, updated_at = ? WHERE id = ?`, now, now, id); err != nil {
		return fmt.Errorf("failed to touch repo: %w", err)
	}
	return nil
}

// AcquireRepoLock claims exclusive use of a repo for a task. The claim runs
// in a transaction on the store's single connection: read the current
// holder, then write the new one, with no other writer in between.
//
// A task that already holds the lock re-acquires it without error. A repo
// held by another task fails with RepoLockedError carrying the holder.
func (s *Store) AcquireRepoLock(repoID, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin lock claim: %w", err)
	}
	defer tx.Rollback()

	var holder sql.NullInt64
	err = tx.QueryRow(`SELECT locked_by_task_id FROM repos WHERE id = ?`, repoID).Scan(&holder)
	if err == sql.ErrNoRows {
		return fmt.Errorf("repo %d: %w", repoID, cerrors.ErrRepoNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read lock holder: %w", err)
	}

	switch {
	case !holder.Valid:
		now := nowMillis()
		if _, err := tx.Exec(
			`UPDATE repos SET locked_by_task_id = ?, locked_at = ?, updated_at = ? WHERE id = ?`,
			taskID, now, now, repoID,
		); err != nil {
			return fmt.Errorf("failed to claim lock: %w", err)
		}
	case holder.Int64 == taskID:
		// Already ours, nothing to write.
	default:
		return &cerrors.RepoLockedError{RepoID: repoID, HeldBy: holder.Int64}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lock claim: %w", err)
	}
	return nil
}

// ReleaseRepoLock clears a repo lock if the given task holds it. Releasing
// a lock the task does not hold is a no-op.
func (s *Store) ReleaseRepoLock(repoID, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE repos SET locked_by_task_id = NULL, locked_at = NULL, updated_at = ? WHERE id = ? AND locked_by_task_id = ?`,
		nowMillis(), repoID, taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// ReleaseRepoLocksExcept clears every repo lock whose holder is not in the
// live set. Startup recovery calls this with the set of tasks that still
// have a running session, so locks orphaned by a crash get swept.
func (s *Store) ReleaseRepoLocksExcept(liveTaskIDs []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE repos SET locked_by_task_id = NULL, locked_at = NULL, updated_at = ? WHERE locked_by_task_id IS NOT NULL`
	args := []interface{}{nowMillis()}
	if len(liveTaskIDs) > 0 {
		query += ` AND locked_by_task_id NOT IN (?` + strings.Repeat(",?", len(liveTaskIDs)-1) + `)`
		for _, id := range liveTaskIDs {
			args = append(args, id)
		}
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep repo locks: %w", err)
	}
	return res.RowsAffected()
}

// RepoLockHolder returns the task holding a repo lock, 0 when unlocked.
func (s *Store) RepoLockHolder(repoID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var holder sql.NullInt64
	err := s.db.QueryRow(`SELECT locked_by_task_id FROM repos WHERE id = ?`, repoID).Scan(&holder)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("repo %d: %w", repoID, cerrors.ErrRepoNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read lock holder: %w", err)
	}
	return holder.Int64, nil
}

func scanRepo(row rowScanner) (*Repo, error) {
	r := &Repo{}
	var lockedBy, lockedAt, lastUsed sql.NullInt64

	err := row.Scan(
		&r.ID, &r.RemoteURL, &r.DisplayName, &r.DefaultBranch,
		&lockedBy, &lockedAt, &lastUsed, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.LockedByTaskID = lockedBy.Int64
	r.LockedAt = lockedAt.Int64
	r.LastUsedAt = lastUsed.Int64
	return r, nil
}
