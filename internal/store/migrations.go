package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	if err := s.migrateV2(); err != nil {
		return err
	}
	return s.migrateV3()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repos (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_url        TEXT NOT NULL UNIQUE,
		display_name      TEXT NOT NULL UNIQUE,
		default_branch    TEXT NOT NULL DEFAULT 'main',
		locked_by_task_id INTEGER REFERENCES tasks(id) ON DELETE SET NULL,
		locked_at         INTEGER,
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_repos_locked_by ON repos(locked_by_task_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		title      TEXT,
		status     TEXT NOT NULL DEFAULT 'active',
		repo_id    INTEGER REFERENCES repos(id) ON DELETE SET NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_repo ON tasks(repo_id);

	CREATE TABLE IF NOT EXISTS execution_sessions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id      INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		sandbox_name TEXT NOT NULL,
		kind         TEXT NOT NULL DEFAULT 'agent',
		status       TEXT NOT NULL DEFAULT 'started',
		started_at   INTEGER NOT NULL,
		ended_at     INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_exec_sessions_task ON execution_sessions(task_id, started_at);

	CREATE TABLE IF NOT EXISTS messages (
		id                   INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id              INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		execution_session_id INTEGER REFERENCES execution_sessions(id) ON DELETE SET NULL,
		kind                 TEXT NOT NULL,
		content              TEXT NOT NULL DEFAULT '',
		tool_data            TEXT,
		inserted_at          INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_task ON messages(task_id, id);
	CREATE INDEX IF NOT EXISTS idx_messages_tool_use
		ON messages(task_id, json_extract(tool_data, '$.tool_use_id'))
		WHERE tool_data IS NOT NULL;

	CREATE TABLE IF NOT EXISTS oauth_tokens (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id           TEXT,
		access_token      TEXT NOT NULL,
		refresh_token     TEXT NOT NULL DEFAULT '',
		expires_at        INTEGER NOT NULL,
		scopes            TEXT NOT NULL DEFAULT '',
		subscription_tier TEXT NOT NULL DEFAULT '',
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_oauth_user ON oauth_tokens(COALESCE(user_id, ''));

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

func (s *Store) migrateV2() error {
	// Check current version
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil // already at v2+
	}

	// ALTER TABLE repos ADD COLUMN last_used_at (ignore if already exists)
	_, _ = s.db.Exec(`ALTER TABLE repos ADD COLUMN last_used_at INTEGER`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_repos_last_used ON repos(last_used_at)`)

	// Update schema version
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}

func (s *Store) migrateV3() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "3" {
		return nil
	}

	// At most one started execution session per task. Older databases
	// may contain duplicates from crashed processes, so close those
	// before creating the index.
	schema := `
	UPDATE execution_sessions SET status = 'interrupted', ended_at = started_at
	WHERE status = 'started' AND id NOT IN (
		SELECT MAX(id) FROM execution_sessions WHERE status = 'started' GROUP BY task_id
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_exec_sessions_one_started
		ON execution_sessions(task_id) WHERE status = 'started';
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v3: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '3')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}
