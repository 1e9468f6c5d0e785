package operations

import (
	"encoding/json"
	"time"
)

// OperationType identifies what kind of work an operation performs.
type OperationType string

const (
	OperationSessionCreate    OperationType = "session_create"
	OperationChat             OperationType = "chat"
	OperationSearch           OperationType = "search"
	OperationScriptGeneration OperationType = "script_generation"
	OperationBannerGeneration OperationType = "banner_generation"
	OperationAudioGeneration  OperationType = "audio_generation"
)

// OperationStatus tracks an operation through its lifecycle.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusRunning   OperationStatus = "running"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// longRunningTypes are the operation types that go through the queue.
// Everything else is executed inline by the dispatcher.
var longRunningTypes = map[OperationType]bool{
	OperationSearch:           true,
	OperationScriptGeneration: true,
	OperationBannerGeneration: true,
	OperationAudioGeneration:  true,
}

// LongRunning reports whether an operation type must be queued rather than
// executed inline.
func LongRunning(t OperationType) bool {
	return longRunningTypes[t]
}

// Stage is the session's position in the podcast-creation sequence.
type Stage string

const (
	StageWelcome         Stage = "welcome"
	StageSearching       Stage = "searching"
	StageSourceSelection Stage = "source_selection"
	StageScript          Stage = "script"
	StageBanner          Stage = "banner"
	StageAudio           Stage = "audio"
	StageComplete        Stage = "complete"
	StageError           Stage = "error"
)

// stageOrder defines the forward-only progression of session stages.
// StageError is reachable from anywhere and has no successor.
var stageOrder = map[Stage]int{
	StageWelcome:         0,
	StageSearching:       1,
	StageSourceSelection: 2,
	StageScript:          3,
	StageBanner:          4,
	StageAudio:           5,
	StageComplete:        6,
}

// ValidTransition reports whether moving from one stage to another respects
// the forward-only sequence. Error is always reachable; staying put is fine.
func ValidTransition(from, to Stage) bool {
	if to == StageError {
		return true
	}
	fromIdx, okFrom := stageOrder[from]
	toIdx, okTo := stageOrder[to]
	if !okFrom || !okTo {
		return false
	}
	return toIdx >= fromIdx
}

// SessionState is the session's accumulated podcast-creation state. The
// original system kept this as an open-ended dict mutated by tool functions;
// here it is a single struct with optional fields per stage.
type SessionState struct {
	Stage            Stage           `json:"stage"`
	Topic            string          `json:"topic,omitempty"`
	Language         string          `json:"language,omitempty"`
	PodcastID        string          `json:"podcast_id,omitempty"`
	SearchResults    json.RawMessage `json:"search_results,omitempty"`
	SelectedSources  []int           `json:"selected_sources,omitempty"`
	Script           string          `json:"script,omitempty"`
	BannerURL        string          `json:"banner_url,omitempty"`
	AudioURL         string          `json:"audio_url,omitempty"`
	PodcastGenerated bool            `json:"podcast_generated,omitempty"`
}

// NewSessionState returns the initial state for a fresh session.
func NewSessionState() SessionState {
	return SessionState{Stage: StageWelcome}
}

// Operation is one unit of work tied to a session.
type Operation struct {
	OperationID   string          `json:"operation_id"`
	SessionID     string          `json:"session_id"`
	OperationType OperationType   `json:"operation_type"`
	Status        OperationStatus `json:"status"`
	Progress      int             `json:"progress"`
	Message       string          `json:"message,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	SessionState  json.RawMessage `json:"session_state,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// ChatPayload is the input payload carried by chat-derived operations.
type ChatPayload struct {
	Message string `json:"message"`
}

// QueueItem is what travels through the operation queue. It carries the
// payload so a worker can run the operation without a registry read.
type QueueItem struct {
	OperationID   string          `json:"operation_id"`
	SessionID     string          `json:"session_id"`
	OperationType OperationType   `json:"operation_type"`
	Data          json.RawMessage `json:"data,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
}
