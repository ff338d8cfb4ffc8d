package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// ChatSession is a persisted conversation in the chat database.
type ChatSession struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ChatMessage is one turn within a chat session.
type ChatMessage struct {
	ID               string `json:"id"`
	SessionID        string `json:"session_id"`
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// ChatRepo provides methods for the chat database.
type ChatRepo struct {
	db *sql.DB
}

// NewChatRepo creates a new ChatRepo.
func NewChatRepo(db *sql.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

// CreateSession inserts a chat session.
func (r *ChatRepo) CreateSession(ctx context.Context, title, model string) (*ChatSession, error) {
	id := uuid.New().String()
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO chat_v2_sessions (id, title, model) VALUES (?, ?, ?)", id, title, model)
	if err != nil {
		return nil, fmt.Errorf("failed to insert chat session: %w", err)
	}
	return r.GetSession(ctx, id)
}

// GetSession gets a chat session by id.
func (r *ChatRepo) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	var s ChatSession
	err := r.db.QueryRowContext(ctx,
		"SELECT id, title, model, created_at, updated_at FROM chat_v2_sessions WHERE id = ?", id).
		Scan(&s.ID, &s.Title, &s.Model, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ResourceType: "chat_session", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query chat session: %w", err)
	}
	return &s, nil
}

// ListSessions returns chat sessions newest first.
func (r *ChatRepo) ListSessions(ctx context.Context) ([]*ChatSession, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, title, model, created_at, updated_at FROM chat_v2_sessions ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query chat sessions: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []*ChatSession
	for rows.Next() {
		var s ChatSession
		if err := rows.Scan(&s.ID, &s.Title, &s.Model, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat session: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// AppendMessage appends a message to a session and bumps the session's
// updated_at.
func (r *ChatRepo) AppendMessage(ctx context.Context, m *ChatMessage) (*ChatMessage, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	err := InTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_v2_messages (id, session_id, role, content, reasoning_content)
			 VALUES (?, ?, ?, ?, ?)`,
			m.ID, m.SessionID, m.Role, m.Content, m.ReasoningContent); err != nil {
			return fmt.Errorf("failed to insert chat message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE chat_v2_sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", m.SessionID); err != nil {
			return fmt.Errorf("failed to touch chat session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Messages returns a session's messages oldest first.
func (r *ChatRepo) Messages(ctx context.Context, sessionID string) ([]*ChatMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, reasoning_content, created_at
		 FROM chat_v2_messages WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []*ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.ReasoningContent, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// UpdateSessionTitle renames a session.
func (r *ChatRepo) UpdateSessionTitle(ctx context.Context, id, title string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE chat_v2_sessions SET title = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", title, id)
	if err != nil {
		return fmt.Errorf("failed to rename chat session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ResourceType: "chat_session", ID: id}
	}
	return nil
}

// DeleteSession removes a session; messages cascade.
func (r *ChatRepo) DeleteSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM chat_v2_sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete chat session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ResourceType: "chat_session", ID: id}
	}
	return nil
}

// SaveTempSession upserts an unsaved analysis payload keyed by temp id.
func (r *ChatRepo) SaveTempSession(ctx context.Context, id, payloadJSON string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO temp_sessions (id, payload_json) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET payload_json = excluded.payload_json`, id, payloadJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert temp session: %w", err)
	}
	return nil
}

// GetTempSession reads an unsaved analysis payload.
func (r *ChatRepo) GetTempSession(ctx context.Context, id string) (string, error) {
	var payload string
	err := r.db.QueryRowContext(ctx,
		"SELECT payload_json FROM temp_sessions WHERE id = ?", id).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", &NotFoundError{ResourceType: "temp_session", ID: id}
	}
	if err != nil {
		return "", fmt.Errorf("failed to query temp session: %w", err)
	}
	return payload, nil
}

// DeleteTempSession removes an unsaved analysis payload.
func (r *ChatRepo) DeleteTempSession(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM temp_sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete temp session: %w", err)
	}
	return nil
}
