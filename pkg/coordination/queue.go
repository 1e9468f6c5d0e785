package coordination

import (
	"context"
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"

	"podcast-agent/agent_go/pkg/operations"
)

// Queue is a durable FIFO of pending operations backed by the coordination
// database. Enqueue and dequeue are best-effort: transport failures log and
// return a sentinel (false/nil) so callers degrade to "busy" responses
// instead of propagating storage errors.
type Queue struct {
	db           *sql.DB
	logger       *logrus.Logger
	pollInterval time.Duration
}

// NewQueue creates a queue with the given dequeue poll interval.
func NewQueue(db *sql.DB, pollInterval time.Duration, logger *logrus.Logger) *Queue {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &Queue{db: db, logger: logger, pollInterval: pollInterval}
}

// Enqueue appends an operation to the tail of the queue. Never blocks;
// returns false on transport failure.
func (q *Queue) Enqueue(ctx context.Context, item operations.QueueItem) bool {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO operation_queue (operation_id, session_id, operation_type, data, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
	`, item.OperationID, item.SessionID, string(item.OperationType), nullableJSON(item.Data), item.EnqueuedAt)
	if err != nil {
		q.logger.WithError(err).WithField("operation_id", item.OperationID).Error("enqueue failed")
		return false
	}
	return true
}

// Dequeue pops the head of the queue, blocking up to timeout. Returns nil
// on timeout, context cancellation, or transport failure. Workers call this
// in a loop so shutdown signals are checked between attempts.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) *operations.QueueItem {
	deadline := time.Now().Add(timeout)
	for {
		item, err := q.pop(ctx)
		if err != nil {
			q.logger.WithError(err).Error("dequeue failed")
			return nil
		}
		if item != nil {
			return item
		}
		if time.Now().After(deadline) {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(q.pollInterval):
		}
	}
}

// Len returns the number of queued operations. Used by tests and health
// reporting; -1 on transport failure.
func (q *Queue) Len(ctx context.Context) int {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operation_queue`).Scan(&n); err != nil {
		q.logger.WithError(err).Error("queue length read failed")
		return -1
	}
	return n
}

// DeleteBySession removes any queued items for a session. Used when a
// session is deleted while work is still pending.
func (q *Queue) DeleteBySession(ctx context.Context, sessionID string) {
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM operation_queue WHERE session_id = ?`, sessionID); err != nil {
		q.logger.WithError(err).WithField("session_id", sessionID).Error("queue session cleanup failed")
	}
}

// pop atomically removes and returns the head item, or nil when empty.
func (q *Queue) pop(ctx context.Context) (*operations.QueueItem, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		id     int64
		item   operations.QueueItem
		opType string
		data   sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, operation_id, session_id, operation_type, data, enqueued_at
		FROM operation_queue ORDER BY id LIMIT 1
	`).Scan(&id, &item.OperationID, &item.SessionID, &opType, &data, &item.EnqueuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	item.OperationType = operations.OperationType(opType)
	if data.Valid {
		item.Data = []byte(data.String)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM operation_queue WHERE id = ?`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &item, nil
}

// nullableJSON maps empty payloads to NULL rather than the empty string.
func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
