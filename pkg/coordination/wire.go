package coordination

import "context"

// WireStalledReclaim connects lock reclamation to the registry: when a stale
// lease is reclaimed, the operation it was protecting is marked failed so
// pollers stop reporting a dead operation as in-flight.
func WireStalledReclaim(lock *SessionLock, registry *Registry) {
	lock.SetReclaimHandler(func(ctx context.Context, holder LockHolder) {
		if err := registry.Fail(ctx, holder.OperationID, "operation stalled and its lock was reclaimed"); err != nil {
			lock.logger.WithError(err).WithField("operation_id", holder.OperationID).Warn("failed to mark stalled operation")
		}
	})
}
