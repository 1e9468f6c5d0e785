// Package poller answers status requests by layering the coordination
// sources: the operation registry first, then a bare session lock, then the
// session store. Each layer only speaks when the one above it is silent.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"podcast-agent/agent_go/pkg/coordination"
	"podcast-agent/agent_go/pkg/database"
	"podcast-agent/agent_go/pkg/operations"
)

// Status is a point-in-time view of a session for polling clients.
type Status struct {
	SessionID      string                   `json:"session_id"`
	IsProcessing   bool                     `json:"is_processing"`
	OperationID    string                   `json:"operation_id,omitempty"`
	ProcessType    operations.OperationType `json:"process_type,omitempty"`
	Progress       int                      `json:"progress"`
	Message        string                   `json:"message,omitempty"`
	Stage          operations.Stage         `json:"stage,omitempty"`
	SessionState   *operations.SessionState `json:"session_state,omitempty"`
	Error          string                   `json:"error,omitempty"`
	ElapsedSeconds int                      `json:"elapsed_seconds,omitempty"`
	SessionExpired bool                     `json:"session_expired,omitempty"`
}

// Poller resolves session status without mutating anything except stale
// locks, which it reclaims as a side effect of reading them.
type Poller struct {
	store    database.Store
	lock     *coordination.SessionLock
	registry *coordination.Registry
	logger   *logrus.Logger
	now      func() time.Time
}

func New(store database.Store, lock *coordination.SessionLock, registry *coordination.Registry, logger *logrus.Logger) *Poller {
	return &Poller{
		store:    store,
		lock:     lock,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// Poll resolves the current status of a session.
func (p *Poller) Poll(ctx context.Context, sessionID string) (*Status, error) {
	// Reading the holder reclaims a stale lease, which in turn fails its
	// registry record, so the layers below see consistent state.
	holder := p.lock.Holder(ctx, sessionID)

	op, err := p.registry.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if op != nil {
		return p.fromOperation(sessionID, op), nil
	}

	if holder != nil {
		// A lock with no registry record: some work is in flight but its
		// bookkeeping is not visible yet. Report busy conservatively.
		return &Status{
			SessionID:    sessionID,
			IsProcessing: true,
			OperationID:  holder.OperationID,
			ProcessType:  holder.OperationType,
			Progress:     50,
			Message:      "Processing...",
		}, nil
	}

	record, err := p.store.GetSession(ctx, sessionID)
	if errors.Is(err, database.ErrSessionNotFound) {
		return &Status{
			SessionID:      sessionID,
			SessionExpired: true,
			Message:        "Session not found or expired",
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Status{
		SessionID:    sessionID,
		Stage:        record.State.Stage,
		SessionState: &record.State,
		Progress:     100,
	}, nil
}

// Operation resolves the status of a specific operation by id.
func (p *Poller) Operation(ctx context.Context, operationID string) (*operations.Operation, error) {
	return p.registry.Get(ctx, operationID)
}

func (p *Poller) fromOperation(sessionID string, op *operations.Operation) *Status {
	status := &Status{
		SessionID:      sessionID,
		IsProcessing:   !op.Status.Terminal(),
		OperationID:    op.OperationID,
		ProcessType:    op.OperationType,
		Progress:       op.Progress,
		Message:        op.Message,
		ElapsedSeconds: int(p.now().Sub(op.CreatedAt).Seconds()),
	}
	if op.Status == operations.StatusFailed {
		status.Error = op.Error
	}
	if len(op.SessionState) > 0 {
		var state operations.SessionState
		if err := json.Unmarshal(op.SessionState, &state); err == nil {
			status.SessionState = &state
			status.Stage = state.Stage
		}
	}
	return status
}
