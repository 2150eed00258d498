// Package tactile is the process layer of ghdlflow: it runs an external tool with
// the given arguments, working directory and environment, streams every output line
// to a handler while the tool is running, and reports a single success verdict.
//
// Success is strict: exit code 0, no line rejected by a handler, and no
// cancellation. Callers decide what to do with a failed invocation; nothing here
// retries.
package tactile

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrToolNotFound is returned when the executable cannot be started because it
// does not exist.
var ErrToolNotFound = errors.New("tool not found")

// ErrWorkingDirectory is returned when the working directory is missing or not
// a directory.
var ErrWorkingDirectory = errors.New("invalid working directory")

// Command is one tool invocation.
type Command struct {
	Binary           string   `json:"binary"` // full path, or a name looked up on PATH
	Arguments        []string `json:"arguments"`
	WorkingDirectory string   `json:"working_directory,omitempty"` // executor default when empty

	// Environment holds KEY=VALUE pairs laid over the allowed host variables.
	Environment []string `json:"environment,omitempty"`

	Status    string `json:"status,omitempty"`     // e.g. "Running GHDL Make..."
	ShowTimer bool   `json:"show_timer,omitempty"` // log elapsed time on exit
	RequestID string `json:"request_id,omitempty"`

	Limits *ResourceLimits `json:"limits,omitempty"`
}

// CommandString returns the full command as a string (for display/logging).
func (c Command) CommandString() string {
	if len(c.Arguments) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Arguments, " ")
}

// ResourceLimits defines constraints on command execution.
type ResourceLimits struct {
	// TimeoutMs is the maximum execution time in milliseconds.
	// Zero means use the executor's default timeout.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`

	// MaxOutputBytes limits captured stdout and stderr (each).
	// Zero means use the executor's default.
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

// LineHandler receives one output line (without the line terminator) as soon as
// the tool emits it. Returning false classifies the line as an error: the stream
// keeps flowing but the invocation is reported as failed.
type LineHandler func(line string) bool

// Handlers holds the per-stream line handlers. Nil handlers accept every line.
type Handlers struct {
	Stdout LineHandler
	Stderr LineHandler
}

// ExecutionResult is the outcome of one invocation.
type ExecutionResult struct {
	// Success: exit 0, no rejected line, not cancelled.
	Success  bool `json:"success"`
	ExitCode int  `json:"exit_code"` // -1 when the process never reported one
	Rejected bool `json:"rejected"`  // a line handler returned false

	// Captured output, cut at the size limit (Truncated).
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Truncated bool   `json:"truncated"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`

	Killed     bool   `json:"killed"`
	KillReason string `json:"kill_reason,omitempty"` // "cancelled" or "timeout after ..."

	// Error is a wait failure that is not an exit status.
	Error string `json:"error,omitempty"`

	Command *Command `json:"command,omitempty"`
}

// IsNonZeroExit returns true if the command ran but returned non-zero.
func (r *ExecutionResult) IsNonZeroExit() bool {
	return !r.Killed && r.ExitCode > 0
}

// FailureReason summarizes why a failed invocation failed, or returns "".
func (r *ExecutionResult) FailureReason() string {
	switch {
	case r.Success:
		return ""
	case r.Killed:
		return r.KillReason
	case r.Error != "":
		return r.Error
	case r.IsNonZeroExit():
		return fmt.Sprintf("exit code %d", r.ExitCode)
	case r.Rejected:
		return "error reported"
	case r.ExitCode < 0:
		return "no exit status"
	default:
		return ""
	}
}

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventStart    AuditEventType = "start"
	AuditEventComplete AuditEventType = "complete"
	AuditEventKilled   AuditEventType = "killed"
	AuditEventError    AuditEventType = "error"
)

// AuditEvent represents an execution lifecycle event.
type AuditEvent struct {
	Type      AuditEventType   `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Command   Command          `json:"command"`
	Result    *ExecutionResult `json:"result,omitempty"`
}

// ExecutorConfig is the configuration for creating executors.
type ExecutorConfig struct {
	// DefaultWorkingDir is used when Command.WorkingDirectory is empty.
	DefaultWorkingDir string `json:"default_working_dir"`

	// DefaultTimeout is used when no timeout is specified.
	DefaultTimeout time.Duration `json:"default_timeout"`

	// MaxTimeout caps all timeout values.
	MaxTimeout time.Duration `json:"max_timeout"`

	// AllowedEnvironment lists host environment variables to pass through.
	AllowedEnvironment []string `json:"allowed_environment"`

	// MaxOutputBytes caps output capture per stream.
	MaxOutputBytes int64 `json:"max_output_bytes"`

	// WaitDelay bounds how long Wait blocks on output pipes held open by
	// grandchildren after the tool itself was killed.
	WaitDelay time.Duration `json:"wait_delay"`
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultWorkingDir:  ".",
		DefaultTimeout:     30 * time.Minute,
		MaxTimeout:         24 * time.Hour,
		MaxOutputBytes:     64 * 1024 * 1024,
		AllowedEnvironment: []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR"},
		WaitDelay:          2 * time.Second,
	}
}

// Merge combines this config with command-specific settings.
// Command settings override config defaults.
func (c ExecutorConfig) Merge(cmd Command) Command {
	result := cmd

	if result.WorkingDirectory == "" {
		result.WorkingDirectory = c.DefaultWorkingDir
	}

	limits := ResourceLimits{}
	if result.Limits != nil {
		limits = *result.Limits
	}
	if limits.TimeoutMs == 0 {
		limits.TimeoutMs = int64(c.DefaultTimeout / time.Millisecond)
	}
	if limits.MaxOutputBytes == 0 {
		limits.MaxOutputBytes = c.MaxOutputBytes
	}
	if c.MaxTimeout > 0 {
		maxMs := int64(c.MaxTimeout / time.Millisecond)
		if limits.TimeoutMs > maxMs {
			limits.TimeoutMs = maxMs
		}
	}
	result.Limits = &limits

	return result
}
