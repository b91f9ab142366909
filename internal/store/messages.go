package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Message kinds.
const (
	MessageUser         = "user"
	MessageAssistant    = "assistant"
	MessageSystem       = "system"
	MessageToolCall     = "tool_call"
	MessageError        = "error"
	MessageSessionStart = "session_start"
	MessageSessionEnd   = "session_end"
)

// Message is one persisted conversation entry. Kind, tool_use_id and
// session membership never change after insert; content grows by append
// for streaming assistant text, and tool_data.output / tool_data.is_error
// are back-patched when the matching tool result arrives.
type Message struct {
	ID                 int64
	TaskID             int64
	ExecutionSessionID int64 // 0 = none
	Kind               string
	Content            string
	ToolData           map[string]any // nil when absent
	InsertedAt         int64          // unix ms
}

// ToolUseID returns the tool_use_id from tool_data, if any.
func (m *Message) ToolUseID() string {
	if m.ToolData == nil {
		return ""
	}
	id, _ := m.ToolData["tool_use_id"].(string)
	return id
}

const messageColumns = `id, task_id, execution_session_id, kind, content, tool_data, inserted_at`

// CreateMessage appends a conversation entry. tool_call messages must carry
// tool_data.tool_use_id so the result can be patched back later.
func (s *Store) CreateMessage(taskID, executionSessionID int64, kind, content string, toolData map[string]any) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kind == MessageToolCall {
		id, _ := toolData["tool_use_id"].(string)
		if id == "" {
			return nil, fmt.Errorf("tool_call message requires tool_data.tool_use_id")
		}
	}

	var toolJSON sql.NullString
	if toolData != nil {
		b, err := json.Marshal(toolData)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tool_data: %w", err)
		}
		toolJSON = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.Exec(
		`INSERT INTO messages (task_id, execution_session_id, kind, content, tool_data, inserted_at) VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, nullInt64(executionSessionID), kind, content, toolJSON, nowMillis(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get message id: %w", err)
	}

	return s.getMessageLocked(id)
}

// AppendToMessage extends a streaming assistant message's content.
func (s *Store) AppendToMessage(id int64, chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE messages SET content = COALESCE(content, '') || ? WHERE id = ? AND kind = ?`,
		chunk, id, MessageAssistant,
	)
	if err != nil {
		return fmt.Errorf("failed to append to message: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("assistant message not found: %d", id)
	}
	return nil
}

// UpdateToolResult merges a tool's output into the tool_call message that
// issued it.
func (s *Store) UpdateToolResult(id int64, output string, isError bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tool result update: %w", err)
	}
	defer tx.Rollback()

	var toolJSON sql.NullString
	err = tx.QueryRow(`SELECT tool_data FROM messages WHERE id = ?`, id).Scan(&toolJSON)
	if err == sql.ErrNoRows {
		return fmt.Errorf("message not found: %d", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read tool_data: %w", err)
	}

	toolData := make(map[string]any)
	if toolJSON.Valid && toolJSON.String != "" {
		if err := json.Unmarshal([]byte(toolJSON.String), &toolData); err != nil {
			return fmt.Errorf("failed to decode tool_data: %w", err)
		}
	}
	toolData["output"] = output
	toolData["is_error"] = isError

	b, err := json.Marshal(toolData)
	if err != nil {
		return fmt.Errorf("failed to encode tool_data: %w", err)
	}

	if _, err := tx.Exec(`UPDATE messages SET tool_data = ? WHERE id = ?`, string(b), id); err != nil {
		return fmt.Errorf("failed to update tool result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tool result: %w", err)
	}
	return nil
}

// FindToolMessage locates the tool_call message carrying the given
// tool_use_id, for back-patching its result.
// Returns (nil, nil) when no such message exists.
func (s *Store) FindToolMessage(taskID int64, toolUseID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := scanMessage(s.db.QueryRow(
		`SELECT `+messageColumns+` FROM messages
		 WHERE task_id = ? AND kind = ? AND json_extract(tool_data, '$.tool_use_id') = ?
		 ORDER BY id DESC LIMIT 1`,
		taskID, MessageToolCall, toolUseID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find tool message: %w", err)
	}
	return m, nil
}

// GetMessage retrieves a message by ID.
// Returns (nil, nil) when no such message exists.
func (s *Store) GetMessage(id int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getMessageLocked(id)
}

func (s *Store) getMessageLocked(id int64) (*Message, error) {
	m, err := scanMessage(s.db.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// ListMessages retrieves a task's messages in insertion order. limit 0
// means no bound.
func (s *Store) ListMessages(taskID int64, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + messageColumns + ` FROM messages WHERE task_id = ? ORDER BY id`
	args := []interface{}{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	m := &Message{}
	var sessionID sql.NullInt64
	var content, toolJSON sql.NullString

	err := row.Scan(&m.ID, &m.TaskID, &sessionID, &m.Kind, &content, &toolJSON, &m.InsertedAt)
	if err != nil {
		return nil, err
	}

	m.ExecutionSessionID = sessionID.Int64
	m.Content = content.String
	if toolJSON.Valid && toolJSON.String != "" {
		if err := json.Unmarshal([]byte(toolJSON.String), &m.ToolData); err != nil {
			return nil, fmt.Errorf("corrupt tool_data on message %d: %w", m.ID, err)
		}
	}

	return m, nil
}
