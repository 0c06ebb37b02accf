package feedback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var _ Getter = (*SQLiteSink)(nil)

// SQLiteSink keeps the feedback log in a local SQLite file.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens or creates the log at path.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS feedback (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		prompt TEXT NOT NULL,
		response TEXT NOT NULL,
		letter TEXT,
		model TEXT,
		user_rating INTEGER,
		user_feedback TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		rated_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_session ON feedback(session_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// Record inserts rec under a new id.
func (s *SQLiteSink) Record(ctx context.Context, rec Record) (string, error) {
	id := uuid.NewString()
	var letter sql.NullString
	if rec.Letter != nil {
		letter = sql.NullString{String: *rec.Letter, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, session_id, prompt, response, letter, model) VALUES (?, ?, ?, ?, ?, ?)`,
		id, rec.SessionID, rec.Query, rec.Visible, letter, rec.Model)
	if err != nil {
		return "", fmt.Errorf("insert feedback: %w", err)
	}
	return id, nil
}

// Rate stores the rating for id.
func (s *SQLiteSink) Rate(ctx context.Context, id string, rating Rating) error {
	if err := rating.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE feedback SET user_rating = ?, user_feedback = ?, rated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		rating.Stars, rating.Comment, id)
	if err != nil {
		return fmt.Errorf("update feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the stored entry for id.
func (s *SQLiteSink) Get(ctx context.Context, id string) (Entry, error) {
	var (
		e       Entry
		letter  sql.NullString
		stars   sql.NullInt64
		comment sql.NullString
		session sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, prompt, response, letter, user_rating, user_feedback FROM feedback WHERE id = ?`, id).
		Scan(&e.ID, &session, &e.Query, &e.Visible, &letter, &stars, &comment)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("query feedback: %w", err)
	}
	if letter.Valid {
		e.Letter = &letter.String
	}
	e.SessionID = session.String
	e.Stars = int(stars.Int64)
	e.Comment = comment.String
	return e, nil
}
