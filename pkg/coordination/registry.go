package coordination

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"podcast-agent/agent_go/pkg/operations"
)

// Registry stores operation metadata keyed by operation id, plus the
// session -> active-operation secondary index. Rows carry a shared TTL
// (24h by default) and are garbage-collected regardless of terminal state.
type Registry struct {
	db     *sql.DB
	ttl    time.Duration
	logger *logrus.Logger
	now    func() time.Time
}

// NewRegistry creates a registry with the given record TTL.
func NewRegistry(db *sql.DB, ttl time.Duration, logger *logrus.Logger) *Registry {
	return &Registry{db: db, ttl: ttl, logger: logger, now: time.Now}
}

// Register writes initial metadata (status=pending, progress=0) under both
// the operation-id key and the session index.
func (r *Registry) Register(ctx context.Context, op *operations.Operation) error {
	now := r.now()
	expires := now.Add(r.ttl)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO operations
			(operation_id, session_id, operation_type, status, progress, message,
			 data, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, 0, '', ?, ?, ?, ?)
	`, op.OperationID, op.SessionID, string(op.OperationType), string(operations.StatusPending),
		nullableJSON(op.Data), now, now, expires)
	if err != nil {
		return fmt.Errorf("failed to register operation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_operations (session_id, operation_id, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			operation_id = excluded.operation_id,
			expires_at = excluded.expires_at
	`, op.SessionID, op.OperationID, expires)
	if err != nil {
		return fmt.Errorf("failed to index operation by session: %w", err)
	}

	return tx.Commit()
}

// UpdateProgress merges progress, an optional message, and an optional
// in-flight session-state snapshot into the operation record. This is a
// monitoring write: it fails softly (logs, returns false) when the record
// has expired or vanished.
func (r *Registry) UpdateProgress(ctx context.Context, operationID string, progress int, message string, state json.RawMessage) bool {
	query := `
		UPDATE operations SET
			status = ?,
			progress = ?,
			updated_at = ?`
	args := []interface{}{string(operations.StatusRunning), progress, r.now()}
	if message != "" {
		query += `, message = ?`
		args = append(args, message)
	}
	if len(state) > 0 {
		query += `, session_state = ?`
		args = append(args, string(state))
	}
	query += ` WHERE operation_id = ? AND expires_at > ?`
	args = append(args, operationID, r.now())

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithError(err).WithField("operation_id", operationID).Warn("progress update failed")
		return false
	}
	affected, err := result.RowsAffected()
	if err != nil || affected == 0 {
		r.logger.WithField("operation_id", operationID).Warn("progress update hit no record")
		return false
	}
	return true
}

// Complete marks the operation completed with its result and clears the
// session index so status checks fall through to "no active operation".
func (r *Registry) Complete(ctx context.Context, operationID string, result json.RawMessage) error {
	return r.finish(ctx, operationID, func(tx *sql.Tx, now time.Time) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE operations SET
				status = ?, progress = 100, result = ?, completed_at = ?, updated_at = ?
			WHERE operation_id = ?
		`, string(operations.StatusCompleted), nullableJSON(result), now, now, operationID)
		return err
	})
}

// Fail marks the operation failed with an error message and clears the
// session index.
func (r *Registry) Fail(ctx context.Context, operationID string, errMsg string) error {
	return r.finish(ctx, operationID, func(tx *sql.Tx, now time.Time) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE operations SET
				status = ?, error = ?, message = ?, completed_at = ?, updated_at = ?
			WHERE operation_id = ?
		`, string(operations.StatusFailed), errMsg, errMsg, now, now, operationID)
		return err
	})
}

// finish runs a terminal-state update and deletes the session index entry
// in one transaction.
func (r *Registry) finish(ctx context.Context, operationID string, update func(tx *sql.Tx, now time.Time) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := r.now()
	if err := update(tx, now); err != nil {
		return fmt.Errorf("failed to finalize operation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM session_operations
		WHERE operation_id = ?
	`, operationID)
	if err != nil {
		return fmt.Errorf("failed to clear session operation index: %w", err)
	}

	return tx.Commit()
}

// Get returns the operation record, or nil when absent/expired.
func (r *Registry) Get(ctx context.Context, operationID string) (*operations.Operation, error) {
	return r.scanOne(ctx, `
		SELECT operation_id, session_id, operation_type, status, progress, message,
		       data, result, session_state, error, created_at, updated_at, completed_at
		FROM operations WHERE operation_id = ? AND expires_at > ?
	`, operationID, r.now())
}

// GetBySession returns the session's single active operation, or nil when
// nothing is pending or running. This is the primary "is something running
// for this session right now" read path.
func (r *Registry) GetBySession(ctx context.Context, sessionID string) (*operations.Operation, error) {
	now := r.now()
	op, err := r.scanOne(ctx, `
		SELECT o.operation_id, o.session_id, o.operation_type, o.status, o.progress, o.message,
		       o.data, o.result, o.session_state, o.error, o.created_at, o.updated_at, o.completed_at
		FROM session_operations so
		JOIN operations o ON o.operation_id = so.operation_id
		WHERE so.session_id = ? AND so.expires_at > ? AND o.expires_at > ?
	`, sessionID, now, now)
	if err != nil || op == nil {
		return op, err
	}
	// A terminal record still indexed means a crashed finalizer; hide it.
	if op.Status.Terminal() {
		return nil, nil
	}
	return op, nil
}

// PurgeExpired deletes operation and index rows past their TTL. Returns the
// number of operation rows removed.
func (r *Registry) PurgeExpired(ctx context.Context) (int, error) {
	now := r.now()
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM session_operations WHERE expires_at <= ?`, now); err != nil {
		return 0, fmt.Errorf("failed to purge session index: %w", err)
	}
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM operations WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge operations: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// DeleteBySession removes the session's operation rows and index entry.
// Used when a session is deleted.
func (r *Registry) DeleteBySession(ctx context.Context, sessionID string) {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM session_operations WHERE session_id = ?`, sessionID); err != nil {
		r.logger.WithError(err).WithField("session_id", sessionID).Error("session index cleanup failed")
	}
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM operations WHERE session_id = ?`, sessionID); err != nil {
		r.logger.WithError(err).WithField("session_id", sessionID).Error("operation cleanup failed")
	}
}

func (r *Registry) scanOne(ctx context.Context, query string, args ...interface{}) (*operations.Operation, error) {
	var (
		op          operations.Operation
		opType      string
		status      string
		data        sql.NullString
		result      sql.NullString
		state       sql.NullString
		completedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&op.OperationID, &op.SessionID, &opType, &status, &op.Progress, &op.Message,
		&data, &result, &state, &op.Error, &op.CreatedAt, &op.UpdatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read operation: %w", err)
	}

	op.OperationType = operations.OperationType(opType)
	op.Status = operations.OperationStatus(status)
	if data.Valid {
		op.Data = []byte(data.String)
	}
	if result.Valid {
		op.Result = []byte(result.String)
	}
	if state.Valid {
		op.SessionState = []byte(state.String)
	}
	if completedAt.Valid {
		op.CompletedAt = &completedAt.Time
	}
	return &op, nil
}
