package coordination

import (
	"context"
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"

	"podcast-agent/agent_go/pkg/operations"
)

// LockHolder describes who currently owns a session's lock.
type LockHolder struct {
	SessionID     string
	OperationID   string
	OperationType operations.OperationType
	AcquiredAt    time.Time
	ExpiresAt     time.Time
}

// SessionLock is a lease-based mutual exclusion primitive keyed by session
// id. The lease TTL is a backstop, not the primary release mechanism: the
// executor releases explicitly, and any reader that observes an expired
// lease deletes it so a crashed holder cannot wedge a session forever.
type SessionLock struct {
	db     *sql.DB
	ttl    time.Duration
	logger *logrus.Logger
	now    func() time.Time

	// onReclaim is invoked after a stale lock is deleted, with the holder
	// that was evicted. Wired to the registry so the stalled operation is
	// marked failed.
	onReclaim func(ctx context.Context, holder LockHolder)
}

// NewSessionLock creates a lock manager with the given default lease TTL.
func NewSessionLock(db *sql.DB, ttl time.Duration, logger *logrus.Logger) *SessionLock {
	return &SessionLock{
		db:     db,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// SetReclaimHandler registers the callback invoked when a stale lock is
// evicted. Must be called before the lock is shared between goroutines.
func (l *SessionLock) SetReclaimHandler(fn func(ctx context.Context, holder LockHolder)) {
	l.onReclaim = fn
}

// TTL returns the default lease duration.
func (l *SessionLock) TTL() time.Duration {
	return l.ttl
}

// TryAcquire atomically claims the session for an operation. It returns
// false when another operation already holds a live lease. Stale leases are
// reclaimed before the attempt.
func (l *SessionLock) TryAcquire(ctx context.Context, sessionID, operationID string, opType operations.OperationType, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = l.ttl
	}
	l.reclaimIfStale(ctx, sessionID)

	now := l.now()
	result, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO session_locks
			(session_id, operation_id, operation_type, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, operationID, string(opType), now, now.Add(ttl))
	if err != nil {
		l.logger.WithError(err).WithField("session_id", sessionID).Error("lock acquire failed")
		return false
	}

	affected, err := result.RowsAffected()
	if err != nil {
		l.logger.WithError(err).WithField("session_id", sessionID).Error("lock acquire result unreadable")
		return false
	}
	return affected == 1
}

// Release unconditionally deletes the session's lock. Safe to call when no
// lock exists.
func (l *SessionLock) Release(ctx context.Context, sessionID string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM session_locks WHERE session_id = ?`, sessionID)
	if err != nil {
		l.logger.WithError(err).WithField("session_id", sessionID).Error("lock release failed")
	}
	return err
}

// IsHeld reports whether a live lock exists for the session. Absence, an
// expired lease, and a transport failure all read as "not held".
func (l *SessionLock) IsHeld(ctx context.Context, sessionID string) bool {
	holder := l.Holder(ctx, sessionID)
	return holder != nil
}

// Holder returns the current live holder, reclaiming a stale lease first.
// Returns nil when the session is unlocked.
func (l *SessionLock) Holder(ctx context.Context, sessionID string) *LockHolder {
	holder, stale := l.read(ctx, sessionID)
	if holder == nil {
		return nil
	}
	if stale {
		l.reclaim(ctx, *holder)
		return nil
	}
	return holder
}

// reclaimIfStale deletes the session's lock if its lease has lapsed.
func (l *SessionLock) reclaimIfStale(ctx context.Context, sessionID string) {
	holder, stale := l.read(ctx, sessionID)
	if holder != nil && stale {
		l.reclaim(ctx, *holder)
	}
}

// read fetches the lock row and evaluates staleness. The acquisition
// timestamp is checked against the configured TTL independently of the
// stored expiry, so a row written with a bogus expires_at still ages out.
func (l *SessionLock) read(ctx context.Context, sessionID string) (holder *LockHolder, stale bool) {
	var h LockHolder
	var opType string
	err := l.db.QueryRowContext(ctx, `
		SELECT session_id, operation_id, operation_type, acquired_at, expires_at
		FROM session_locks WHERE session_id = ?
	`, sessionID).Scan(&h.SessionID, &h.OperationID, &opType, &h.AcquiredAt, &h.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		l.logger.WithError(err).WithField("session_id", sessionID).Error("lock read failed")
		return nil, false
	}
	h.OperationType = operations.OperationType(opType)

	now := l.now()
	stale = now.After(h.ExpiresAt) || now.Sub(h.AcquiredAt) > l.ttl
	return &h, stale
}

// reclaim deletes a stale lock and notifies the reclaim handler.
func (l *SessionLock) reclaim(ctx context.Context, holder LockHolder) {
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM session_locks WHERE session_id = ? AND operation_id = ?`,
		holder.SessionID, holder.OperationID); err != nil {
		l.logger.WithError(err).WithField("session_id", holder.SessionID).Error("stale lock delete failed")
		return
	}

	l.logger.WithFields(logrus.Fields{
		"session_id":   holder.SessionID,
		"operation_id": holder.OperationID,
		"acquired_at":  holder.AcquiredAt,
	}).Warn("reclaimed stale session lock")

	if l.onReclaim != nil {
		l.onReclaim(ctx, holder)
	}
}
