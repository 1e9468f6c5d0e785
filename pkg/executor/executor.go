// Package executor runs queued operations. Each worker dequeues one item at
// a time, re-verifies the session lock, drives progress milestones, and
// invokes the collaborator under a watchdog. Operations are never retried:
// a failure or timeout is final and the client decides whether to resubmit.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"podcast-agent/agent_go/pkg/collaborator"
	"podcast-agent/agent_go/pkg/coordination"
	"podcast-agent/agent_go/pkg/database"
	"podcast-agent/agent_go/pkg/operations"
)

// Config carries the executor's tunables. Soft timeout logs a warning; hard
// timeout abandons the collaborator call and fails the operation.
type Config struct {
	Workers        int
	DequeueTimeout time.Duration
	SoftTimeout    time.Duration
	HardTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = 5 * time.Second
	}
	if c.SoftTimeout <= 0 {
		c.SoftTimeout = 9 * time.Minute
	}
	if c.HardTimeout <= c.SoftTimeout {
		c.HardTimeout = 10 * time.Minute
	}
}

// Executor is the worker pool consuming the operation queue.
type Executor struct {
	store    database.Store
	lock     *coordination.SessionLock
	queue    *coordination.Queue
	registry *coordination.Registry
	collab   collaborator.Collaborator
	config   Config
	logger   *logrus.Logger
}

// New creates an Executor with defaults filled in.
func New(store database.Store, lock *coordination.SessionLock, queue *coordination.Queue,
	registry *coordination.Registry, collab collaborator.Collaborator,
	config Config, logger *logrus.Logger) *Executor {
	config.applyDefaults()
	return &Executor{
		store:    store,
		lock:     lock,
		queue:    queue,
		registry: registry,
		collab:   collab,
		config:   config,
		logger:   logger,
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// workers have drained their current operation.
func (e *Executor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.config.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			e.runWorker(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (e *Executor) runWorker(ctx context.Context, worker int) {
	log := e.logger.WithField("worker", worker)
	log.Info("worker started")
	for {
		item := e.queue.Dequeue(ctx, e.config.DequeueTimeout)
		if ctx.Err() != nil {
			log.Info("worker stopping")
			return
		}
		if item == nil {
			continue
		}
		e.Process(ctx, item)
	}
}

// Process runs a single dequeued operation through its full lifecycle.
// Exported so tests and single-shot tooling can drive items directly.
func (e *Executor) Process(ctx context.Context, item *operations.QueueItem) {
	log := e.logger.WithFields(logrus.Fields{
		"session_id":     item.SessionID,
		"operation_id":   item.OperationID,
		"operation_type": item.OperationType,
	})

	if !e.verifyLock(ctx, item, log) {
		return
	}

	e.registry.UpdateProgress(ctx, item.OperationID, 10, fmt.Sprintf("Starting %s", item.OperationType), nil)

	record, err := e.store.GetSession(ctx, item.SessionID)
	if err != nil {
		log.WithError(err).Error("session unavailable for queued operation")
		e.fail(ctx, item, fmt.Sprintf("session unavailable: %v", err), log)
		return
	}

	e.registry.UpdateProgress(ctx, item.OperationID, 30, fmt.Sprintf("Processing %s", item.OperationType), nil)

	newState, result, err := e.invoke(ctx, item, record.State, log)
	if err != nil {
		e.failWithErrorStage(ctx, item, record.State, err, log)
		return
	}

	stateJSON, _ := json.Marshal(newState)
	e.registry.UpdateProgress(ctx, item.OperationID, 70, fmt.Sprintf("Finalizing %s", item.OperationType), stateJSON)

	if err := retryOnce(func() error {
		return e.store.SaveSessionState(ctx, item.SessionID, newState)
	}); err != nil {
		log.WithError(err).Error("failed to persist session state")
		e.fail(ctx, item, fmt.Sprintf("failed to persist result: %v", err), log)
		return
	}

	e.recordTurn(ctx, item, result, log)

	if err := retryOnce(func() error {
		return e.registry.Complete(ctx, item.OperationID, result)
	}); err != nil {
		log.WithError(err).Error("failed to mark operation completed")
	}
	e.releaseLock(ctx, item.SessionID, log)
	log.Info("operation completed")
}

// verifyLock checks that this operation still owns its session before any
// work starts. Another holder means the lease was reclaimed and reissued;
// the operation is busy-rejected rather than silently dropped. An absent
// lock (expired while queued) is reacquired.
func (e *Executor) verifyLock(ctx context.Context, item *operations.QueueItem, log *logrus.Entry) bool {
	holder := e.lock.Holder(ctx, item.SessionID)
	if holder != nil && holder.OperationID == item.OperationID {
		return true
	}
	if holder != nil {
		log.WithField("holder_operation_id", holder.OperationID).Warn("session lock held by another operation, rejecting")
		if err := retryOnce(func() error {
			return e.registry.Fail(ctx, item.OperationID, "rejected: session busy with another operation")
		}); err != nil {
			log.WithError(err).Error("failed to mark rejected operation")
		}
		return false
	}
	if !e.lock.TryAcquire(ctx, item.SessionID, item.OperationID, item.OperationType, e.lock.TTL()) {
		log.Warn("could not reacquire session lock, rejecting")
		if err := retryOnce(func() error {
			return e.registry.Fail(ctx, item.OperationID, "rejected: could not reacquire session lock")
		}); err != nil {
			log.WithError(err).Error("failed to mark rejected operation")
		}
		return false
	}
	log.Info("reacquired expired session lock")
	return true
}

type outcome struct {
	state  operations.SessionState
	result json.RawMessage
	err    error
}

// invoke calls the collaborator with a watchdog. Past the hard timeout the
// call is abandoned: the goroutine may still be running, but its outcome is
// discarded and the operation fails as timed out.
func (e *Executor) invoke(ctx context.Context, item *operations.QueueItem,
	state operations.SessionState, log *logrus.Entry) (operations.SessionState, json.RawMessage, error) {

	done := make(chan outcome, 1)
	go func() {
		newState, result, err := e.collab.Execute(ctx, item.OperationType, state, item.Data)
		done <- outcome{state: newState, result: result, err: err}
	}()

	soft := time.NewTimer(e.config.SoftTimeout)
	defer soft.Stop()
	hard := time.NewTimer(e.config.HardTimeout)
	defer hard.Stop()

	for {
		select {
		case out := <-done:
			return out.state, out.result, out.err
		case <-soft.C:
			log.WithField("timeout", e.config.SoftTimeout).Warn("operation exceeded soft time limit")
		case <-hard.C:
			log.WithField("timeout", e.config.HardTimeout).Error("operation exceeded hard time limit, abandoning")
			return state, nil, fmt.Errorf("operation timed out after %s", e.config.HardTimeout)
		}
	}
}

// recordTurn appends the queued user message and the collaborator's reply to
// the session memory.
func (e *Executor) recordTurn(ctx context.Context, item *operations.QueueItem, result json.RawMessage, log *logrus.Entry) {
	var messages []database.Message
	var payload operations.ChatPayload
	if err := json.Unmarshal(item.Data, &payload); err == nil && payload.Message != "" {
		messages = append(messages, database.Message{Role: "user", Content: payload.Message})
	}
	var parsed struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(result, &parsed); err == nil && parsed.Response != "" {
		messages = append(messages, database.Message{Role: "assistant", Content: parsed.Response})
	}
	if len(messages) == 0 {
		return
	}
	if err := e.store.AppendMessages(ctx, item.SessionID, messages); err != nil {
		log.WithError(err).Warn("failed to record conversation turn")
	}
}

// fail finalizes an operation as failed and releases the session lock.
func (e *Executor) fail(ctx context.Context, item *operations.QueueItem, message string, log *logrus.Entry) {
	if err := retryOnce(func() error {
		return e.registry.Fail(ctx, item.OperationID, message)
	}); err != nil {
		log.WithError(err).Error("failed to mark operation failed")
	}
	e.releaseLock(ctx, item.SessionID, log)
}

// failWithErrorStage additionally moves the session to the error stage so
// clients polling the session see the failure even after the operation
// record expires.
func (e *Executor) failWithErrorStage(ctx context.Context, item *operations.QueueItem,
	state operations.SessionState, cause error, log *logrus.Entry) {

	log.WithError(cause).Error("operation failed")
	state.Stage = operations.StageError
	if err := e.store.SaveSessionState(ctx, item.SessionID, state); err != nil {
		log.WithError(err).Warn("failed to record error stage")
	}
	e.fail(ctx, item, cause.Error(), log)
}

func (e *Executor) releaseLock(ctx context.Context, sessionID string, log *logrus.Entry) {
	if err := retryOnce(func() error {
		return e.lock.Release(ctx, sessionID)
	}); err != nil {
		log.WithError(err).Error("lock release failed, waiting on TTL expiry")
	}
}

// retryOnce runs fn and retries a single time on error. Finalization writes
// get one second chance; beyond that the TTL backstops take over.
func retryOnce(fn func() error) error {
	if err := fn(); err != nil {
		return fn()
	}
	return nil
}
