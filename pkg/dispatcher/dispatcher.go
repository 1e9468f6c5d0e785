// Package dispatcher is the API-facing entry point for chat traffic. It
// classifies each message into an operation type, executes cheap operations
// inline, and hands long-running generation work to the queue behind the
// session lock.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"podcast-agent/agent_go/pkg/collaborator"
	"podcast-agent/agent_go/pkg/coordination"
	"podcast-agent/agent_go/pkg/database"
	"podcast-agent/agent_go/pkg/operations"
)

// ErrTransport is returned when the coordination backing store rejected an
// enqueue; the client should retry rather than assume the work was accepted.
var ErrTransport = errors.New("operation could not be queued, please try again")

// DispatchResult is the outcome of a chat dispatch: either a synchronous
// response, a pending handle for queued work, or a busy/expired rejection.
type DispatchResult struct {
	SessionID      string                   `json:"session_id"`
	OperationID    string                   `json:"operation_id,omitempty"`
	OperationType  operations.OperationType `json:"operation_type,omitempty"`
	Response       string                   `json:"response"`
	Stage          operations.Stage         `json:"stage"`
	SessionState   operations.SessionState  `json:"session_state"`
	IsProcessing   bool                     `json:"is_processing"`
	ProcessType    operations.OperationType `json:"process_type,omitempty"`
	Progress       int                      `json:"progress,omitempty"`
	Message        string                   `json:"message,omitempty"`
	ElapsedSeconds int                      `json:"elapsed_seconds,omitempty"`
	Busy           bool                     `json:"-"`
	SessionExpired bool                     `json:"session_expired,omitempty"`
}

// DeleteResult reports what a session deletion did with generated assets.
type DeleteResult struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	AssetsPreserved bool   `json:"assets_preserved"`
}

// Config carries the dispatcher's tunables.
type Config struct {
	LockTTL   time.Duration
	BannerDir string
	AudioDir  string
}

// Dispatcher coordinates session creation, chat dispatch, and the session
// facade (listing, history, deletion). All collaborators are injected; the
// dispatcher owns no background goroutines.
type Dispatcher struct {
	store    database.Store
	lock     *coordination.SessionLock
	queue    *coordination.Queue
	registry *coordination.Registry
	collab   collaborator.Collaborator
	classify operations.Classifier
	config   Config
	logger   *logrus.Logger
}

// New creates a Dispatcher. A nil classifier falls back to the default rule
// table.
func New(store database.Store, lock *coordination.SessionLock, queue *coordination.Queue,
	registry *coordination.Registry, collab collaborator.Collaborator,
	classify operations.Classifier, config Config, logger *logrus.Logger) *Dispatcher {
	if classify == nil {
		classify = operations.Classify
	}
	return &Dispatcher{
		store:    store,
		lock:     lock,
		queue:    queue,
		registry: registry,
		collab:   collab,
		classify: classify,
		config:   config,
		logger:   logger,
	}
}

// CreateSession reuses an existing session id when it resolves in the
// session store, otherwise mints a new UUID and persists the initial state.
func (d *Dispatcher) CreateSession(ctx context.Context, existingID string) (string, error) {
	if existingID != "" {
		exists, err := d.store.SessionExists(ctx, existingID)
		if err != nil {
			return "", fmt.Errorf("failed to resolve session: %w", err)
		}
		if exists {
			d.logger.WithField("session_id", existingID).Info("resuming session")
			return existingID, nil
		}
		d.logger.WithField("session_id", existingID).Info("session not found, creating a new one")
	}

	sessionID := uuid.New().String()
	if err := d.store.SaveSessionState(ctx, sessionID, operations.NewSessionState()); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	d.logger.WithField("session_id", sessionID).Info("created session")
	return sessionID, nil
}

// DispatchChat accepts a chat message for a session. Long-running
// classifications are locked and queued; everything else executes inline.
func (d *Dispatcher) DispatchChat(ctx context.Context, sessionID, message string) (*DispatchResult, error) {
	// A session with an in-flight operation never admits a second one.
	if current := d.activeOperation(ctx, sessionID); current != nil {
		return d.busyResult(sessionID, current), nil
	}

	record, err := d.store.GetSession(ctx, sessionID)
	if errors.Is(err, database.ErrSessionNotFound) {
		return &DispatchResult{
			SessionID:      sessionID,
			Response:       "Your session has expired. Please start a new session.",
			Stage:          operations.StageError,
			SessionExpired: true,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	opType := d.classify(record.State.Stage, message)
	operationID := uuid.New().String()

	if operations.LongRunning(opType) {
		return d.enqueueOperation(ctx, sessionID, operationID, opType, message, record.State)
	}
	return d.executeInline(ctx, sessionID, operationID, opType, message, record.State)
}

// enqueueOperation claims the session lock, registers the operation, and
// appends it to the durable queue. Every failure path releases the lock so
// the session cannot end up wedged with nothing running.
func (d *Dispatcher) enqueueOperation(ctx context.Context, sessionID, operationID string,
	opType operations.OperationType, message string, state operations.SessionState) (*DispatchResult, error) {

	if !d.lock.TryAcquire(ctx, sessionID, operationID, opType, d.config.LockTTL) {
		// Lost the race with a concurrent dispatch for the same session.
		return d.busyResult(sessionID, d.activeOperation(ctx, sessionID)), nil
	}

	payload, _ := json.Marshal(operations.ChatPayload{Message: message})
	op := &operations.Operation{
		OperationID:   operationID,
		SessionID:     sessionID,
		OperationType: opType,
		Data:          payload,
	}
	if err := d.registry.Register(ctx, op); err != nil {
		d.releaseLock(ctx, sessionID)
		return nil, fmt.Errorf("failed to register operation: %w", err)
	}

	item := operations.QueueItem{
		OperationID:   operationID,
		SessionID:     sessionID,
		OperationType: opType,
		Data:          payload,
		EnqueuedAt:    time.Now(),
	}
	if !d.queue.Enqueue(ctx, item) {
		if err := d.registry.Fail(ctx, operationID, "could not queue operation"); err != nil {
			d.logger.WithError(err).WithField("operation_id", operationID).Error("failed to mark unqueued operation")
		}
		d.releaseLock(ctx, sessionID)
		return nil, ErrTransport
	}

	if err := d.store.AppendMessages(ctx, sessionID, []database.Message{{Role: "user", Content: message}}); err != nil {
		d.logger.WithError(err).WithField("session_id", sessionID).Warn("failed to record user message")
	}

	d.logger.WithFields(logrus.Fields{
		"session_id":     sessionID,
		"operation_id":   operationID,
		"operation_type": opType,
	}).Info("operation queued")

	return &DispatchResult{
		SessionID:     sessionID,
		OperationID:   operationID,
		OperationType: opType,
		Response:      fmt.Sprintf("Your %s request is being processed. Please wait.", opType),
		Stage:         state.Stage,
		SessionState:  state,
		IsProcessing:  true,
		ProcessType:   opType,
	}, nil
}

// executeInline runs cheap operations (plain chat) synchronously. The
// session lock is still taken for the duration of the call: the lock is the
// sole arbiter of session-state writes, inline or queued.
func (d *Dispatcher) executeInline(ctx context.Context, sessionID, operationID string,
	opType operations.OperationType, message string, state operations.SessionState) (*DispatchResult, error) {

	if !d.lock.TryAcquire(ctx, sessionID, operationID, opType, d.config.LockTTL) {
		return d.busyResult(sessionID, d.activeOperation(ctx, sessionID)), nil
	}
	defer d.releaseLock(ctx, sessionID)

	payload, _ := json.Marshal(operations.ChatPayload{Message: message})
	newState, result, err := d.collab.Execute(ctx, opType, state, payload)
	if err != nil {
		return &DispatchResult{
			SessionID:    sessionID,
			Response:     "I encountered an error while processing your request. Please try again.",
			Stage:        operations.StageError,
			SessionState: state,
		}, nil
	}

	if err := d.store.SaveSessionState(ctx, sessionID, newState); err != nil {
		return nil, fmt.Errorf("failed to persist session state: %w", err)
	}

	response := responseText(result)
	messages := []database.Message{{Role: "user", Content: message}}
	if response != "" {
		messages = append(messages, database.Message{Role: "assistant", Content: response})
	}
	if err := d.store.AppendMessages(ctx, sessionID, messages); err != nil {
		d.logger.WithError(err).WithField("session_id", sessionID).Warn("failed to record chat turn")
	}

	return &DispatchResult{
		SessionID:     sessionID,
		OperationID:   operationID,
		OperationType: opType,
		Response:      response,
		Stage:         newState.Stage,
		SessionState:  newState,
	}, nil
}

// ListSessions returns paginated session summaries, newest first.
func (d *Dispatcher) ListSessions(ctx context.Context, page, perPage int) ([]database.SessionSummary, database.Pagination, error) {
	return d.store.ListSessions(ctx, page, perPage)
}

// SessionHistory returns the deduplicated conversation for a session.
func (d *Dispatcher) SessionHistory(ctx context.Context, sessionID string) ([]database.Message, *operations.SessionState, error) {
	record, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := d.store.GetSessionHistory(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return messages, &record.State, nil
}

// DeleteSession removes a session and its coordination rows. Generated
// assets are preserved for completed podcasts and removed otherwise.
func (d *Dispatcher) DeleteSession(ctx context.Context, sessionID string) (*DeleteResult, error) {
	record, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	completed := record.State.Stage == operations.StageComplete || record.State.PodcastGenerated

	if err := d.store.DeleteSession(ctx, sessionID); err != nil {
		return nil, err
	}

	// Drop any coordination leftovers so a half-finished operation cannot
	// resurrect the session.
	d.queue.DeleteBySession(ctx, sessionID)
	d.registry.DeleteBySession(ctx, sessionID)
	d.releaseLock(ctx, sessionID)

	if completed {
		return &DeleteResult{
			Success:         true,
			Message:         fmt.Sprintf("Session %s deleted, assets preserved", sessionID),
			AssetsPreserved: true,
		}, nil
	}

	d.removeAsset(d.config.BannerDir, record.State.BannerURL)
	d.removeAsset(d.config.AudioDir, record.State.AudioURL)

	return &DeleteResult{
		Success: true,
		Message: fmt.Sprintf("Session %s and its associated data deleted", sessionID),
	}, nil
}

func (d *Dispatcher) removeAsset(dir, name string) {
	if dir == "" || name == "" {
		return
	}
	path := filepath.Join(dir, filepath.Base(name))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.logger.WithError(err).WithField("path", path).Warn("failed to remove asset")
	}
}

// activeOperation returns the session's in-flight operation if one exists.
// The lock read runs first so a stale lease is reclaimed before the
// registry is consulted.
func (d *Dispatcher) activeOperation(ctx context.Context, sessionID string) *operations.Operation {
	holder := d.lock.Holder(ctx, sessionID)
	op, err := d.registry.GetBySession(ctx, sessionID)
	if err != nil {
		d.logger.WithError(err).WithField("session_id", sessionID).Warn("registry read failed")
		return nil
	}
	if op != nil {
		return op
	}
	if holder != nil {
		// Lock without a registry record: report the holder so the caller
		// still sees the session as busy.
		return &operations.Operation{
			OperationID:   holder.OperationID,
			SessionID:     sessionID,
			OperationType: holder.OperationType,
			Status:        operations.StatusRunning,
		}
	}
	return nil
}

func (d *Dispatcher) busyResult(sessionID string, current *operations.Operation) *DispatchResult {
	result := &DispatchResult{
		SessionID:    sessionID,
		Response:     "An operation is already in progress. Please wait.",
		IsProcessing: true,
		Busy:         true,
	}
	if current != nil {
		result.OperationID = current.OperationID
		result.OperationType = current.OperationType
		result.ProcessType = current.OperationType
		result.Progress = current.Progress
		result.Message = current.Message
		if !current.CreatedAt.IsZero() {
			result.ElapsedSeconds = int(time.Since(current.CreatedAt).Seconds())
		}
	}
	return result
}

// releaseLock releases with one synchronous retry; a leaked lock means a
// locked-out session until the TTL backstop fires.
func (d *Dispatcher) releaseLock(ctx context.Context, sessionID string) {
	if err := d.lock.Release(ctx, sessionID); err != nil {
		if err := d.lock.Release(ctx, sessionID); err != nil {
			d.logger.WithError(err).WithField("session_id", sessionID).Error("lock release failed twice")
		}
	}
}

// responseText pulls the conversational reply out of a collaborator result
// payload.
func responseText(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var parsed struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return ""
	}
	return parsed.Response
}
