// Package collaborator defines the boundary to the content-generation
// system (conversational agent, web search, script writer, banner and audio
// synthesis). The coordination core treats it as a single opaque call: it
// does not know how long a collaborator takes or how it isolates itself,
// only that it returns a new session state plus a result payload, or fails.
package collaborator

import (
	"context"
	"encoding/json"
	"fmt"

	"podcast-agent/agent_go/pkg/operations"
)

// Collaborator executes one operation against the current session state and
// returns the mutated state and a result payload. Implementations must not
// return an error for expected "no results" conditions; those are normal
// results. Implementations must also tolerate fire-and-abandon: a timed-out
// invocation keeps running but its result is discarded.
type Collaborator interface {
	Execute(ctx context.Context, opType operations.OperationType, state operations.SessionState, payload json.RawMessage) (operations.SessionState, json.RawMessage, error)
}

// Func adapts a plain function to the Collaborator interface.
type Func func(ctx context.Context, opType operations.OperationType, state operations.SessionState, payload json.RawMessage) (operations.SessionState, json.RawMessage, error)

func (f Func) Execute(ctx context.Context, opType operations.OperationType, state operations.SessionState, payload json.RawMessage) (operations.SessionState, json.RawMessage, error) {
	return f(ctx, opType, state, payload)
}

// Error marks a failure inside the content-generation step itself, as
// opposed to a coordination/transport failure.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Errorf builds a collaborator error.
func Errorf(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}
