package tactile

import (
	"context"
)

// Executor is the interface for command execution.
type Executor interface {
	// Execute runs a command, feeding output lines to handlers as they arrive.
	// The returned error is reserved for infrastructure failures (the tool could
	// not be started); tool failures are reported through ExecutionResult.Success.
	// Cancelling ctx kills the child process.
	Execute(ctx context.Context, cmd Command, handlers Handlers) (*ExecutionResult, error)
}
