package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Mistake is one recorded mistake in the mistakes database.
type Mistake struct {
	ID           string   `json:"id"`
	Subject      string   `json:"subject"`
	Question     string   `json:"question"`
	Answer       string   `json:"answer"`
	AnalysisJSON string   `json:"analysis_json"`
	Tags         []string `json:"tags"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

// ReviewSession groups mistakes for a combined review analysis.
type ReviewSession struct {
	ID         string   `json:"id"`
	Subject    string   `json:"subject"`
	MistakeIDs []string `json:"mistake_ids"`
	Summary    string   `json:"summary"`
	CreatedAt  string   `json:"created_at"`
}

// MistakeRepo provides methods for the mistakes database.
type MistakeRepo struct {
	db *sql.DB
}

// NewMistakeRepo creates a new MistakeRepo.
func NewMistakeRepo(db *sql.DB) *MistakeRepo {
	return &MistakeRepo{db: db}
}

// CreateMistake inserts a mistake and returns it with its generated id.
func (r *MistakeRepo) CreateMistake(ctx context.Context, m *Mistake) (*Mistake, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	err = InTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mistakes (id, subject, question, answer, analysis_json, tags_json)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.Subject, m.Question, m.Answer, m.AnalysisJSON, string(tags)); err != nil {
			return fmt.Errorf("failed to insert mistake: %w", err)
		}
		return logChange(ctx, tx, "mistakes", m.ID, "insert")
	})
	if err != nil {
		return nil, err
	}
	return r.GetMistake(ctx, m.ID)
}

const mistakeColumns = "id, subject, question, answer, analysis_json, tags_json, created_at, updated_at"

func scanMistake(row interface{ Scan(...any) error }) (*Mistake, error) {
	var m Mistake
	var tagsJSON string
	if err := row.Scan(&m.ID, &m.Subject, &m.Question, &m.Answer, &m.AnalysisJSON,
		&tagsJSON, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
		m.Tags = nil
	}
	return &m, nil
}

// GetMistake gets a live mistake by id.
func (r *MistakeRepo) GetMistake(ctx context.Context, id string) (*Mistake, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+mistakeColumns+" FROM mistakes WHERE id = ? AND deleted_at IS NULL", id)
	m, err := scanMistake(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ResourceType: "mistake", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query mistake: %w", err)
	}
	return m, nil
}

// ListMistakes returns live mistakes, optionally filtered by subject, newest
// first.
func (r *MistakeRepo) ListMistakes(ctx context.Context, subject string) ([]*Mistake, error) {
	query := "SELECT " + mistakeColumns + " FROM mistakes WHERE deleted_at IS NULL"
	var args []any
	if subject != "" {
		query += " AND subject = ?"
		args = append(args, subject)
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mistakes: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []*Mistake
	for rows.Next() {
		m, err := scanMistake(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mistake: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMistake rewrites the editable fields of a mistake.
func (r *MistakeRepo) UpdateMistake(ctx context.Context, m *Mistake) error {
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	return InTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE mistakes SET subject = ?, question = ?, answer = ?, analysis_json = ?,
			        tags_json = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE id = ? AND deleted_at IS NULL`,
			m.Subject, m.Question, m.Answer, m.AnalysisJSON, string(tags), m.ID)
		if err != nil {
			return fmt.Errorf("failed to update mistake: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &NotFoundError{ResourceType: "mistake", ID: m.ID}
		}
		return logChange(ctx, tx, "mistakes", m.ID, "update")
	})
}

// DeleteMistake soft-deletes a mistake.
func (r *MistakeRepo) DeleteMistake(ctx context.Context, id string) error {
	return InTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE mistakes SET deleted_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted_at IS NULL", id)
		if err != nil {
			return fmt.Errorf("failed to delete mistake: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &NotFoundError{ResourceType: "mistake", ID: id}
		}
		return logChange(ctx, tx, "mistakes", id, "soft_delete")
	})
}

// Statistics returns live mistake counts per subject.
func (r *MistakeRepo) Statistics(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT subject, COUNT(*) FROM mistakes WHERE deleted_at IS NULL GROUP BY subject")
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	stats := make(map[string]int)
	for rows.Next() {
		var subject string
		var count int
		if err := rows.Scan(&subject, &count); err != nil {
			return nil, fmt.Errorf("failed to scan statistics: %w", err)
		}
		stats[subject] = count
	}
	return stats, rows.Err()
}

// CreateReviewSession inserts a review session.
func (r *MistakeRepo) CreateReviewSession(ctx context.Context, s *ReviewSession) (*ReviewSession, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	ids, err := json.Marshal(s.MistakeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mistake ids: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO review_sessions (id, subject, mistake_ids_json, summary) VALUES (?, ?, ?, ?)`,
		s.ID, s.Subject, string(ids), s.Summary)
	if err != nil {
		return nil, fmt.Errorf("failed to insert review session: %w", err)
	}
	return r.GetReviewSession(ctx, s.ID)
}

// GetReviewSession gets a review session by id.
func (r *MistakeRepo) GetReviewSession(ctx context.Context, id string) (*ReviewSession, error) {
	var s ReviewSession
	var idsJSON string
	err := r.db.QueryRowContext(ctx,
		"SELECT id, subject, mistake_ids_json, summary, created_at FROM review_sessions WHERE id = ?", id).
		Scan(&s.ID, &s.Subject, &idsJSON, &s.Summary, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ResourceType: "review_session", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query review session: %w", err)
	}
	if err := json.Unmarshal([]byte(idsJSON), &s.MistakeIDs); err != nil {
		s.MistakeIDs = nil
	}
	return &s, nil
}

// UpdateReviewSummary stores the generated review summary.
func (r *MistakeRepo) UpdateReviewSummary(ctx context.Context, id, summary string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE review_sessions SET summary = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", summary, id)
	if err != nil {
		return fmt.Errorf("failed to update review summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ResourceType: "review_session", ID: id}
	}
	return nil
}

// Subjects returns every configured subject name and config.
func (r *MistakeRepo) Subjects(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT name, config_json FROM subjects ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query subjects: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	subjects := make(map[string]string)
	for rows.Next() {
		var name, config string
		if err := rows.Scan(&name, &config); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		subjects[name] = config
	}
	return subjects, rows.Err()
}

// SetSubject upserts a subject configuration.
func (r *MistakeRepo) SetSubject(ctx context.Context, name, configJSON string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subjects (name, config_json) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET config_json = excluded.config_json`, name, configJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert subject: %w", err)
	}
	return nil
}

// DeleteSubject removes a subject configuration.
func (r *MistakeRepo) DeleteSubject(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM subjects WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete subject: %w", err)
	}
	return nil
}
