package database

import (
	"time"

	"podcast-agent/agent_go/pkg/operations"
)

// SessionRecord is a full session row from the session store.
type SessionRecord struct {
	SessionID string                  `json:"session_id"`
	State     operations.SessionState `json:"session_state"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// SessionSummary is the paginated listing shape for saved sessions.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	Topic     string    `json:"topic"`
	Stage     string    `json:"stage"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pagination describes a page of session summaries.
type Pagination struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
}

// Message is one conversational turn in a session's history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
