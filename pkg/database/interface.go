package database

import (
	"context"
	"database/sql"

	"podcast-agent/agent_go/pkg/operations"
)

// Store is the session-state store shared by the API and worker processes.
// The coordination primitives (lock, queue, registry) run against the same
// underlying database, obtained through DB().
type Store interface {
	// Session state management
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	SaveSessionState(ctx context.Context, sessionID string, state operations.SessionState) error
	ListSessions(ctx context.Context, page, perPage int) ([]SessionSummary, Pagination, error)
	DeleteSession(ctx context.Context, sessionID string) error

	// Conversation history
	AppendMessages(ctx context.Context, sessionID string, messages []Message) error
	GetSessionHistory(ctx context.Context, sessionID string) ([]Message, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error

	// DB exposes the underlying handle for the coordination tables.
	DB() *sql.DB
}
