package poller

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podcast-agent/agent_go/pkg/coordination"
	"podcast-agent/agent_go/pkg/database"
	"podcast-agent/agent_go/pkg/logger"
	"podcast-agent/agent_go/pkg/operations"
)

type fixture struct {
	store    *database.SQLiteStore
	lock     *coordination.SessionLock
	registry *coordination.Registry
	poller   *Poller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := database.NewSQLiteStore(filepath.Join(t.TempDir(), "poller_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := logger.Discard()
	lock := coordination.NewSessionLock(store.DB(), 10*time.Minute, log)
	registry := coordination.NewRegistry(store.DB(), 24*time.Hour, log)
	coordination.WireStalledReclaim(lock, registry)
	return &fixture{
		store:    store,
		lock:     lock,
		registry: registry,
		poller:   New(store, lock, registry, log),
	}
}

func (f *fixture) startOperation(t *testing.T, sessionID, opID string, opType operations.OperationType) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.registry.Register(ctx, &operations.Operation{
		OperationID:   opID,
		SessionID:     sessionID,
		OperationType: opType,
	}))
	require.True(t, f.lock.TryAcquire(ctx, sessionID, opID, opType, 0))
}

func TestPollActiveOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveSessionState(ctx, "session-1", operations.NewSessionState()))
	f.startOperation(t, "session-1", "op-1", operations.OperationScriptGeneration)

	state, _ := json.Marshal(operations.SessionState{Stage: operations.StageScript, Topic: "jazz"})
	f.registry.UpdateProgress(ctx, "op-1", 70, "Finalizing script_generation", state)

	status, err := f.poller.Poll(ctx, "session-1")
	require.NoError(t, err)
	assert.True(t, status.IsProcessing)
	assert.Equal(t, "op-1", status.OperationID)
	assert.Equal(t, operations.OperationScriptGeneration, status.ProcessType)
	assert.Equal(t, 70, status.Progress)
	assert.Equal(t, "Finalizing script_generation", status.Message)
	require.NotNil(t, status.SessionState)
	assert.Equal(t, "jazz", status.SessionState.Topic)
	assert.Equal(t, operations.StageScript, status.Stage)
}

func TestPollBareLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Lock without a registry record: bookkeeping lag. The poller reports
	// busy rather than guessing the session is idle.
	require.True(t, f.lock.TryAcquire(ctx, "session-1", "op-1", operations.OperationSearch, 0))

	status, err := f.poller.Poll(ctx, "session-1")
	require.NoError(t, err)
	assert.True(t, status.IsProcessing)
	assert.Equal(t, "op-1", status.OperationID)
	assert.Equal(t, 50, status.Progress)
}

func TestPollIdleSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveSessionState(ctx, "session-1", operations.SessionState{
		Stage: operations.StageSourceSelection,
		Topic: "space",
	}))

	status, err := f.poller.Poll(ctx, "session-1")
	require.NoError(t, err)
	assert.False(t, status.IsProcessing)
	assert.Equal(t, operations.StageSourceSelection, status.Stage)
	require.NotNil(t, status.SessionState)
	assert.Equal(t, "space", status.SessionState.Topic)
}

func TestPollUnknownSession(t *testing.T) {
	f := newFixture(t)

	status, err := f.poller.Poll(context.Background(), "gone")
	require.NoError(t, err)
	assert.True(t, status.SessionExpired)
	assert.False(t, status.IsProcessing)
}

func TestPollReclaimsStalledOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveSessionState(ctx, "session-1", operations.SessionState{
		Stage: operations.StageScript,
	}))

	base := time.Now()
	f.startOperation(t, "session-1", "op-1", operations.OperationAudioGeneration)
	f.registry.UpdateProgress(ctx, "op-1", 30, "Processing audio_generation", nil)

	// Age the lease past its expiry directly; the poller's next read must
	// reclaim it and fail the operation instead of reporting it running.
	_, err := f.store.DB().Exec(
		`UPDATE session_locks SET acquired_at = ?, expires_at = ? WHERE session_id = ?`,
		base.Add(-time.Hour), base.Add(-30*time.Minute), "session-1")
	require.NoError(t, err)

	status, err := f.poller.Poll(ctx, "session-1")
	require.NoError(t, err)
	assert.False(t, status.IsProcessing)
	assert.Equal(t, operations.StageScript, status.Stage)

	op, err := f.poller.Operation(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, operations.StatusFailed, op.Status)
	assert.Contains(t, op.Error, "stalled")
}

func TestPollOperationElapsedSeconds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveSessionState(ctx, "session-1", operations.NewSessionState()))
	f.startOperation(t, "session-1", "op-1", operations.OperationSearch)

	f.poller.now = func() time.Time { return time.Now().Add(42 * time.Second) }
	status, err := f.poller.Poll(ctx, "session-1")
	require.NoError(t, err)
	assert.True(t, status.IsProcessing)
	assert.GreaterOrEqual(t, status.ElapsedSeconds, 42)
}
