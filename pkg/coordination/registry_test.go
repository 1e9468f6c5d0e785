package coordination

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podcast-agent/agent_go/pkg/logger"
	"podcast-agent/agent_go/pkg/operations"
)

func registerOp(t *testing.T, registry *Registry, opID, sessionID string, opType operations.OperationType) {
	t.Helper()
	payload, _ := json.Marshal(operations.ChatPayload{Message: "generate"})
	require.NoError(t, registry.Register(context.Background(), &operations.Operation{
		OperationID:   opID,
		SessionID:     sessionID,
		OperationType: opType,
		Data:          payload,
	}))
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	store := newTestDB(t)
	registry := NewRegistry(store.DB(), 24*time.Hour, logger.Discard())
	ctx := context.Background()

	registerOp(t, registry, "op-1", "session-1", operations.OperationSearch)

	op, err := registry.Get(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, operations.StatusPending, op.Status)
	assert.Equal(t, 0, op.Progress)

	bySession, err := registry.GetBySession(ctx, "session-1")
	require.NoError(t, err)
	require.NotNil(t, bySession)
	assert.Equal(t, "op-1", bySession.OperationID)

	none, err := registry.GetBySession(ctx, "session-2")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRegistryProgressUpdates(t *testing.T) {
	store := newTestDB(t)
	registry := NewRegistry(store.DB(), 24*time.Hour, logger.Discard())
	ctx := context.Background()

	registerOp(t, registry, "op-1", "session-1", operations.OperationScriptGeneration)

	state, _ := json.Marshal(operations.SessionState{Stage: operations.StageScript, Topic: "space"})
	assert.True(t, registry.UpdateProgress(ctx, "op-1", 30, "Processing script_generation", nil))
	assert.True(t, registry.UpdateProgress(ctx, "op-1", 70, "Finalizing script_generation", state))

	op, err := registry.Get(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, 70, op.Progress)
	assert.Equal(t, "Finalizing script_generation", op.Message)
	assert.JSONEq(t, string(state), string(op.SessionState))
	assert.Equal(t, operations.StatusRunning, op.Status)

	// Updates to unknown operations fail softly.
	assert.False(t, registry.UpdateProgress(ctx, "no-such-op", 50, "", nil))
}

func TestRegistryCompleteClearsSessionIndex(t *testing.T) {
	store := newTestDB(t)
	registry := NewRegistry(store.DB(), 24*time.Hour, logger.Discard())
	ctx := context.Background()

	registerOp(t, registry, "op-1", "session-1", operations.OperationBannerGeneration)

	result, _ := json.Marshal(map[string]string{"response": "banner ready"})
	require.NoError(t, registry.Complete(ctx, "op-1", result))

	op, err := registry.Get(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, operations.StatusCompleted, op.Status)
	assert.Equal(t, 100, op.Progress)
	require.NotNil(t, op.CompletedAt)

	// The session is free again.
	active, err := registry.GetBySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestRegistryFail(t *testing.T) {
	store := newTestDB(t)
	registry := NewRegistry(store.DB(), 24*time.Hour, logger.Discard())
	ctx := context.Background()

	registerOp(t, registry, "op-1", "session-1", operations.OperationAudioGeneration)
	require.NoError(t, registry.Fail(ctx, "op-1", "audio synthesis failed"))

	op, err := registry.Get(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, operations.StatusFailed, op.Status)
	assert.Equal(t, "audio synthesis failed", op.Error)

	active, err := registry.GetBySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestRegistryExpiry(t *testing.T) {
	store := newTestDB(t)
	registry := NewRegistry(store.DB(), 24*time.Hour, logger.Discard())
	ctx := context.Background()

	base := time.Now()
	registry.now = func() time.Time { return base }
	registerOp(t, registry, "op-1", "session-1", operations.OperationSearch)

	registry.now = func() time.Time { return base.Add(25 * time.Hour) }

	op, err := registry.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Nil(t, op)

	active, err := registry.GetBySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Nil(t, active)

	purged, err := registry.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestRegistryDeleteBySession(t *testing.T) {
	store := newTestDB(t)
	registry := NewRegistry(store.DB(), 24*time.Hour, logger.Discard())
	ctx := context.Background()

	registerOp(t, registry, "op-1", "session-1", operations.OperationSearch)
	registerOp(t, registry, "op-2", "session-2", operations.OperationSearch)

	registry.DeleteBySession(ctx, "session-1")

	op, err := registry.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Nil(t, op)

	op, err = registry.Get(ctx, "op-2")
	require.NoError(t, err)
	require.NotNil(t, op)
}

func TestStalledLockFailsOperation(t *testing.T) {
	store := newTestDB(t)
	log := logger.Discard()
	lock := NewSessionLock(store.DB(), 10*time.Minute, log)
	registry := NewRegistry(store.DB(), 24*time.Hour, log)
	WireStalledReclaim(lock, registry)
	ctx := context.Background()

	base := time.Now()
	lock.now = func() time.Time { return base }
	registerOp(t, registry, "op-1", "session-1", operations.OperationAudioGeneration)
	require.True(t, lock.TryAcquire(ctx, "session-1", "op-1", operations.OperationAudioGeneration, time.Minute))
	registry.UpdateProgress(ctx, "op-1", 30, "Processing audio_generation", nil)

	// The worker dies. The next status read reclaims the lease and the
	// operation comes back failed instead of hanging at 30% forever.
	lock.now = func() time.Time { return base.Add(20 * time.Minute) }
	assert.Nil(t, lock.Holder(ctx, "session-1"))

	op, err := registry.Get(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, operations.StatusFailed, op.Status)
	assert.Contains(t, op.Error, "stalled")

	active, err := registry.GetBySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.True(t, lock.TryAcquire(ctx, "session-1", "op-2", operations.OperationChat, 0))
}
