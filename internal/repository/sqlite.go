package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			messages TEXT NOT NULL DEFAULT '[]',
			active INTEGER NOT NULL DEFAULT 1,
			previous_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS preferences (
			owner_id TEXT PRIMARY KEY,
			data TEXT NOT NULL DEFAULT '{}',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			summary_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			text TEXT NOT NULL,
			topics TEXT,
			message_count INTEGER NOT NULL DEFAULT 0,
			model TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_summaries_session ON summaries(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_owner ON summaries(owner_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetSession retrieves a session by ID. It returns nil, nil when absent.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	var messages string
	var previousID sql.NullString
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, owner_id, title, model, messages, active, previous_id, created_at, updated_at
		 FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&session.ID, &session.OwnerID, &session.Title, &session.Model, &messages,
		&active, &previousID, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(messages), &session.Messages); err != nil {
		return nil, fmt.Errorf("decode messages of %s: %w", sessionID, err)
	}
	session.Active = active != 0
	session.PreviousID = previousID.String
	return &session, nil
}

// UpsertSession writes the full session, replacing any previous row with the
// same id. A row owned by another identity is left untouched and
// ErrOwnerMismatch is returned.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	messages, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	if session.Messages == nil {
		messages = []byte("[]")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, owner_id, title, model, messages, active, previous_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			title = excluded.title,
			model = excluded.model,
			messages = excluded.messages,
			active = excluded.active,
			previous_id = excluded.previous_id,
			updated_at = excluded.updated_at
		 WHERE sessions.owner_id = excluded.owner_id`,
		session.ID, session.OwnerID, session.Title, session.Model, string(messages),
		boolToInt(session.Active), nullString(session.PreviousID), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOwnerMismatch
	}
	return nil
}

// ListSessions returns the owner's sessions, most recently updated first.
// Messages are not loaded.
func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string, limit int) ([]domain.Session, error) {
	query := `SELECT session_id, owner_id, title, model, active, previous_id, created_at, updated_at
		FROM sessions WHERE owner_id = ? ORDER BY updated_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var session domain.Session
		var previousID sql.NullString
		var active int
		if err := rows.Scan(&session.ID, &session.OwnerID, &session.Title, &session.Model,
			&active, &previousID, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, err
		}
		session.Active = active != 0
		session.PreviousID = previousID.String
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// SearchSessions matches query against titles, message bodies and summaries.
func (s *SQLiteStore) SearchSessions(ctx context.Context, ownerID, query string, limit int) ([]domain.SearchResult, error) {
	pattern := "%" + escapeLike(query) + "%"
	q := `SELECT s.session_id, s.title, COALESCE(sm.text, ''), s.updated_at
		FROM sessions s LEFT JOIN summaries sm ON sm.session_id = s.session_id
		WHERE s.owner_id = ?
		  AND (s.title LIKE ? ESCAPE '\' OR s.messages LIKE ? ESCAPE '\' OR sm.text LIKE ? ESCAPE '\')
		ORDER BY s.updated_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, q, ownerID, pattern, pattern, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.SearchResult
	for rows.Next() {
		var r domain.SearchResult
		var updatedAt time.Time
		if err := rows.Scan(&r.SessionID, &r.Title, &r.Snippet, &updatedAt); err != nil {
			return nil, err
		}
		r.UpdatedAt = updatedAt.UnixMilli()
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetPreferences returns the owner's preferences, or nil, nil when none are stored.
func (s *SQLiteStore) GetPreferences(ctx context.Context, ownerID string) (*domain.Preferences, error) {
	var data string
	prefs := domain.Preferences{OwnerID: ownerID}
	err := s.db.QueryRowContext(ctx,
		`SELECT data, updated_at FROM preferences WHERE owner_id = ?`, ownerID).Scan(&data, &prefs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &prefs.Values); err != nil {
		return nil, fmt.Errorf("decode preferences of %s: %w", ownerID, err)
	}
	return &prefs, nil
}

// UpsertPreferences replaces the owner's preferences.
func (s *SQLiteStore) UpsertPreferences(ctx context.Context, prefs *domain.Preferences) error {
	values := prefs.Values
	if values == nil {
		values = map[string]any{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO preferences (owner_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(owner_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		prefs.OwnerID, string(data), prefs.UpdatedAt)
	return err
}

// SaveSummary stores the summary of a session. Saving again for the same
// session replaces the earlier summary.
func (s *SQLiteStore) SaveSummary(ctx context.Context, summary *domain.Summary) error {
	topics, _ := json.Marshal(summary.Topics)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (summary_id, session_id, owner_id, text, topics, message_count, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			text = excluded.text,
			topics = excluded.topics,
			message_count = excluded.message_count,
			model = excluded.model`,
		summary.ID, summary.SessionID, summary.OwnerID, summary.Text, string(topics),
		summary.MessageCount, summary.Model, summary.CreatedAt)
	return err
}

// ListSummaries returns the owner's summaries, newest first.
func (s *SQLiteStore) ListSummaries(ctx context.Context, ownerID string, limit int) ([]domain.Summary, error) {
	query := `SELECT summary_id, session_id, owner_id, text, topics, message_count, model, created_at
		FROM summaries WHERE owner_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []domain.Summary
	for rows.Next() {
		var sm domain.Summary
		var topics, model sql.NullString
		if err := rows.Scan(&sm.ID, &sm.SessionID, &sm.OwnerID, &sm.Text, &topics,
			&sm.MessageCount, &model, &sm.CreatedAt); err != nil {
			return nil, err
		}
		if topics.Valid {
			_ = json.Unmarshal([]byte(topics.String), &sm.Topics)
		}
		sm.Model = model.String
		summaries = append(summaries, sm)
	}
	return summaries, rows.Err()
}

// ErrOwnerMismatch is returned when writing a row that belongs to another owner.
var ErrOwnerMismatch = errors.New("record owned by another identity")

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
