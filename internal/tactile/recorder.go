package tactile

import (
	"context"
	"sync"
	"time"
)

// Recorder is an Executor that records every command instead of running it.
// Respond, when set, scripts the outcome of each call; it may feed lines to the
// handlers to simulate tool output. Used by the pipeline tests.
type Recorder struct {
	mu      sync.Mutex
	calls   []Command
	Respond func(ctx context.Context, cmd Command, handlers Handlers) (*ExecutionResult, error)
}

// Execute records cmd and returns the scripted (or a successful) result.
func (r *Recorder) Execute(ctx context.Context, cmd Command, handlers Handlers) (*ExecutionResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	respond := r.Respond
	r.mu.Unlock()

	if respond != nil {
		return respond(ctx, cmd, handlers)
	}
	now := time.Now()
	return &ExecutionResult{Success: true, StartedAt: now, FinishedAt: now, Command: &cmd}, nil
}

// Calls returns a copy of the recorded commands.
func (r *Recorder) Calls() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.calls))
	copy(out, r.calls)
	return out
}

// Arguments returns the argument lists of the recorded commands.
func (r *Recorder) Arguments() [][]string {
	calls := r.Calls()
	out := make([][]string, len(calls))
	for i, c := range calls {
		out[i] = c.Arguments
	}
	return out
}

// Emit feeds scripted lines through handlers the way a running tool would and
// builds the matching result. exitCode 0 with no rejected line is a success.
func Emit(cmd Command, handlers Handlers, exitCode int, stdout, stderr []string) *ExecutionResult {
	result := &ExecutionResult{ExitCode: exitCode, Command: &cmd}
	for _, line := range stdout {
		result.Stdout += line + "\n"
		if handlers.Stdout != nil && !handlers.Stdout(line) {
			result.Rejected = true
		}
	}
	for _, line := range stderr {
		result.Stderr += line + "\n"
		if handlers.Stderr != nil && !handlers.Stderr(line) {
			result.Rejected = true
		}
	}
	result.Success = exitCode == 0 && !result.Rejected
	return result
}
