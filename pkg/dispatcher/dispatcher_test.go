package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podcast-agent/agent_go/pkg/collaborator"
	"podcast-agent/agent_go/pkg/coordination"
	"podcast-agent/agent_go/pkg/database"
	"podcast-agent/agent_go/pkg/logger"
	"podcast-agent/agent_go/pkg/operations"
)

type fixture struct {
	store    *database.SQLiteStore
	lock     *coordination.SessionLock
	queue    *coordination.Queue
	registry *coordination.Registry
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := database.NewSQLiteStore(filepath.Join(dir, "dispatcher_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := logger.Discard()
	lock := coordination.NewSessionLock(store.DB(), 10*time.Minute, log)
	registry := coordination.NewRegistry(store.DB(), 24*time.Hour, log)
	coordination.WireStalledReclaim(lock, registry)
	return &fixture{
		store:    store,
		lock:     lock,
		queue:    coordination.NewQueue(store.DB(), 10*time.Millisecond, log),
		registry: registry,
		dir:      dir,
	}
}

func (f *fixture) newDispatcher(t *testing.T, collab collaborator.Collaborator) *Dispatcher {
	t.Helper()
	if collab == nil {
		collab = collaborator.NewScripted()
	}
	return New(f.store, f.lock, f.queue, f.registry, collab, nil, Config{
		LockTTL:   10 * time.Minute,
		BannerDir: f.dir,
		AudioDir:  f.dir,
	}, logger.Discard())
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)
	d := f.newDispatcher(t, nil)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	record, err := f.store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, operations.StageWelcome, record.State.Stage)

	// An existing id is reused.
	same, err := d.CreateSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, same)

	// An unknown id gets a fresh session instead of an error.
	fresh, err := d.CreateSession(ctx, "no-such-session")
	require.NoError(t, err)
	assert.NotEqual(t, "no-such-session", fresh)
}

func TestDispatchQueuesLongRunning(t *testing.T) {
	f := newFixture(t)
	d := f.newDispatcher(t, nil)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "")
	require.NoError(t, err)

	result, err := d.DispatchChat(ctx, id, "search the web for renewable energy")
	require.NoError(t, err)
	assert.True(t, result.IsProcessing)
	assert.False(t, result.Busy)
	assert.Equal(t, operations.OperationSearch, result.OperationType)
	require.NotEmpty(t, result.OperationID)

	// The operation is queued, registered, and holds the session lock.
	assert.Equal(t, 1, f.queue.Len(ctx))
	op, err := f.registry.GetBySession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, result.OperationID, op.OperationID)
	holder := f.lock.Holder(ctx, id)
	require.NotNil(t, holder)
	assert.Equal(t, result.OperationID, holder.OperationID)
}

func TestDispatchBusySession(t *testing.T) {
	f := newFixture(t)
	d := f.newDispatcher(t, nil)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "")
	require.NoError(t, err)

	first, err := d.DispatchChat(ctx, id, "search the web for coffee history")
	require.NoError(t, err)
	require.False(t, first.Busy)

	f.registry.UpdateProgress(ctx, first.OperationID, 30, "Processing search", nil)

	second, err := d.DispatchChat(ctx, id, "search the web for tea history")
	require.NoError(t, err)
	assert.True(t, second.Busy)
	assert.True(t, second.IsProcessing)
	assert.Equal(t, first.OperationID, second.OperationID)
	assert.Equal(t, 30, second.Progress)

	// The rejected message enqueued nothing.
	assert.Equal(t, 1, f.queue.Len(ctx))
}

func TestDispatchInlineChat(t *testing.T) {
	f := newFixture(t)
	d := f.newDispatcher(t, nil)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "")
	require.NoError(t, err)
	require.NoError(t, f.store.SaveSessionState(ctx, id, operations.SessionState{
		Stage: operations.StageScript,
		Topic: "coffee",
	}))

	result, err := d.DispatchChat(ctx, id, "make the intro shorter")
	require.NoError(t, err)
	assert.False(t, result.IsProcessing)
	assert.Equal(t, operations.OperationChat, result.OperationType)
	assert.NotEmpty(t, result.Response)

	// Inline execution never leaves a lock or queue entry behind.
	assert.False(t, f.lock.IsHeld(ctx, id))
	assert.Equal(t, 0, f.queue.Len(ctx))

	history, err := f.store.GetSessionHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "make the intro shorter", history[0].Content)
}

func TestDispatchExpiredSession(t *testing.T) {
	f := newFixture(t)
	d := f.newDispatcher(t, nil)

	result, err := d.DispatchChat(context.Background(), "gone-session", "hello")
	require.NoError(t, err)
	assert.True(t, result.SessionExpired)
	assert.Equal(t, operations.StageError, result.Stage)
}

func TestDispatchEnqueueFailureReleasesLock(t *testing.T) {
	f := newFixture(t)
	d := f.newDispatcher(t, nil)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "")
	require.NoError(t, err)

	// Drop the queue table so the enqueue fails after lock and registry
	// writes succeeded.
	_, err = f.store.DB().Exec(`DROP TABLE operation_queue`)
	require.NoError(t, err)

	_, err = d.DispatchChat(ctx, id, "search the web for anything")
	require.ErrorIs(t, err, ErrTransport)

	// The session is immediately usable again.
	assert.False(t, f.lock.IsHeld(ctx, id))
	op, err := f.registry.GetBySession(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, op)
}

func TestDispatchInlineCollaboratorError(t *testing.T) {
	f := newFixture(t)
	collab := collaborator.Func(func(_ context.Context, _ operations.OperationType,
		state operations.SessionState, _ json.RawMessage) (operations.SessionState, json.RawMessage, error) {
		return state, nil, collaborator.Errorf("model offline")
	})
	d := f.newDispatcher(t, collab)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "")
	require.NoError(t, err)
	require.NoError(t, f.store.SaveSessionState(ctx, id, operations.SessionState{Stage: operations.StageScript}))

	result, err := d.DispatchChat(ctx, id, "shorten it")
	require.NoError(t, err)
	assert.Equal(t, operations.StageError, result.Stage)
	assert.Contains(t, result.Response, "error")
	assert.False(t, f.lock.IsHeld(ctx, id))

	// The stored state is untouched on an inline failure.
	record, err := f.store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, operations.StageScript, record.State.Stage)
}

func TestListSessions(t *testing.T) {
	f := newFixture(t)
	d := f.newDispatcher(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := d.CreateSession(ctx, "")
		require.NoError(t, err)
	}

	sessions, pagination, err := d.ListSessions(ctx, 1, 2)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
	assert.Equal(t, 3, pagination.Total)
	assert.Equal(t, 2, pagination.TotalPages)

	sessions, _, err = d.ListSessions(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestDeleteSessionRemovesAssets(t *testing.T) {
	f := newFixture(t)
	d := f.newDispatcher(t, nil)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "")
	require.NoError(t, err)

	bannerPath := filepath.Join(f.dir, "banner_abc.png")
	audioPath := filepath.Join(f.dir, "audio_abc.mp3")
	require.NoError(t, os.WriteFile(bannerPath, []byte("png"), 0644))
	require.NoError(t, os.WriteFile(audioPath, []byte("mp3"), 0644))
	require.NoError(t, f.store.SaveSessionState(ctx, id, operations.SessionState{
		Stage:     operations.StageAudio,
		BannerURL: "banner_abc.png",
		AudioURL:  "audio_abc.mp3",
	}))

	result, err := d.DeleteSession(ctx, id)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.AssetsPreserved)

	assert.NoFileExists(t, bannerPath)
	assert.NoFileExists(t, audioPath)
	_, err = f.store.GetSession(ctx, id)
	assert.ErrorIs(t, err, database.ErrSessionNotFound)
}

func TestDeleteCompletedSessionPreservesAssets(t *testing.T) {
	f := newFixture(t)
	d := f.newDispatcher(t, nil)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "")
	require.NoError(t, err)

	bannerPath := filepath.Join(f.dir, "banner_done.png")
	require.NoError(t, os.WriteFile(bannerPath, []byte("png"), 0644))
	require.NoError(t, f.store.SaveSessionState(ctx, id, operations.SessionState{
		Stage:            operations.StageComplete,
		BannerURL:        "banner_done.png",
		PodcastGenerated: true,
	}))

	result, err := d.DeleteSession(ctx, id)
	require.NoError(t, err)
	assert.True(t, result.AssetsPreserved)
	assert.FileExists(t, bannerPath)
}

func TestDeleteSessionClearsCoordinationRows(t *testing.T) {
	f := newFixture(t)
	d := f.newDispatcher(t, nil)
	ctx := context.Background()

	id, err := d.CreateSession(ctx, "")
	require.NoError(t, err)
	queued, err := d.DispatchChat(ctx, id, "search the web for jazz")
	require.NoError(t, err)
	require.True(t, queued.IsProcessing)

	_, err = d.DeleteSession(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, 0, f.queue.Len(ctx))
	assert.False(t, f.lock.IsHeld(ctx, id))
	op, err := f.registry.GetBySession(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, op)
}

func TestDeleteUnknownSession(t *testing.T) {
	f := newFixture(t)
	d := f.newDispatcher(t, nil)

	_, err := d.DeleteSession(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, database.ErrSessionNotFound)
}
