package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"podcast-agent/agent_go/pkg/operations"
)

// SQLiteStore implements the Store interface using SQLite. The same file is
// opened by the API server and every worker process, so the connection runs
// in WAL mode with a busy timeout instead of failing on contention.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the coordination database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := NewMigrationRunner(db).RunMigrations(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for the coordination tables.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// SessionExists checks whether a session row exists.
func (s *SQLiteStore) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM podcast_sessions WHERE session_id = ?`, sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	return true, nil
}

// GetSession retrieves a session row by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var dataJSON string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT session_data, updated_at FROM podcast_sessions WHERE session_id = ?`,
		sessionID).Scan(&dataJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	record := SessionRecord{SessionID: sessionID, UpdatedAt: updatedAt}
	if err := json.Unmarshal([]byte(dataJSON), &record.State); err != nil {
		return nil, fmt.Errorf("failed to parse session state: %w", err)
	}
	if record.State.Stage == "" {
		record.State.Stage = operations.StageWelcome
	}
	return &record, nil
}

// SaveSessionState upserts the session's state document.
func (s *SQLiteStore) SaveSessionState(ctx context.Context, sessionID string, state operations.SessionState) error {
	dataJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO podcast_sessions (session_id, session_data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(session_id) DO UPDATE SET
			session_data = excluded.session_data,
			updated_at = CURRENT_TIMESTAMP
	`, sessionID, string(dataJSON))
	if err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}
	return nil
}

// ListSessions lists saved sessions with pagination, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, page, perPage int) ([]SessionSummary, Pagination, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM podcast_sessions`).Scan(&total); err != nil {
		return nil, Pagination{}, fmt.Errorf("failed to count sessions: %w", err)
	}

	offset := (page - 1) * perPage
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, session_data, updated_at
		FROM podcast_sessions
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`, perPage, offset)
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	summaries := make([]SessionSummary, 0)
	for rows.Next() {
		var sessionID, dataJSON string
		var updatedAt time.Time
		if err := rows.Scan(&sessionID, &dataJSON, &updatedAt); err != nil {
			return nil, Pagination{}, fmt.Errorf("failed to scan session: %w", err)
		}

		var state operations.SessionState
		// A row with an unparsable state document still shows up in the
		// listing, just without topic/stage.
		_ = json.Unmarshal([]byte(dataJSON), &state)

		topic := state.Topic
		if topic == "" {
			topic = "Untitled Podcast"
		}
		stage := string(state.Stage)
		if stage == "" {
			stage = string(operations.StageWelcome)
		}
		summaries = append(summaries, SessionSummary{
			SessionID: sessionID,
			Topic:     topic,
			Stage:     stage,
			UpdatedAt: updatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, Pagination{}, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	pagination := Pagination{
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: (total + perPage - 1) / perPage,
	}
	return summaries, pagination, nil
}

// DeleteSession deletes a session row.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM podcast_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AppendMessages appends conversational turns to the session's history.
func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var memoryJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT memory FROM podcast_sessions WHERE session_id = ?`, sessionID).Scan(&memoryJSON)
	if err == sql.ErrNoRows {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read session memory: %w", err)
	}

	var history []Message
	if memoryJSON != "" {
		if err := json.Unmarshal([]byte(memoryJSON), &history); err != nil {
			// A corrupt memory document loses the old turns rather than
			// blocking new ones.
			history = nil
		}
	}
	history = append(history, messages...)

	updated, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to marshal session memory: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE podcast_sessions SET memory = ? WHERE session_id = ?`,
		string(updated), sessionID); err != nil {
		return fmt.Errorf("failed to update session memory: %w", err)
	}

	return tx.Commit()
}

// GetSessionHistory returns the session's ordered conversation, filtered to
// user/assistant turns with content, deduplicated by role and the first 100
// characters of content.
func (s *SQLiteStore) GetSessionHistory(ctx context.Context, sessionID string) ([]Message, error) {
	var memoryJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT memory FROM podcast_sessions WHERE session_id = ?`, sessionID).Scan(&memoryJSON)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session memory: %w", err)
	}

	var history []Message
	if memoryJSON != "" {
		if err := json.Unmarshal([]byte(memoryJSON), &history); err != nil {
			return nil, fmt.Errorf("failed to parse session memory: %w", err)
		}
	}

	deduplicated := make([]Message, 0, len(history))
	seen := make(map[string]bool)
	for _, msg := range history {
		if msg.Role != "user" && msg.Role != "assistant" {
			continue
		}
		if msg.Content == "" {
			continue
		}
		prefix := msg.Content
		if len(prefix) > 100 {
			prefix = prefix[:100]
		}
		key := msg.Role + ":" + prefix
		if seen[key] {
			continue
		}
		seen[key] = true
		deduplicated = append(deduplicated, msg)
	}
	return deduplicated, nil
}

// Ping tests the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
