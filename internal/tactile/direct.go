package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ghdlflow/internal/build"
	"ghdlflow/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DirectExecutor executes commands directly on the host using os/exec.
type DirectExecutor struct {
	mu     sync.RWMutex
	config ExecutorConfig
	logger *zap.Logger

	// auditCallback is called for execution events
	auditCallback func(AuditEvent)
}

// NewDirectExecutor creates a new direct executor with default config.
func NewDirectExecutor(logger *zap.Logger) *DirectExecutor {
	return NewDirectExecutorWithConfig(DefaultExecutorConfig(), logger)
}

// NewDirectExecutorWithConfig creates a new direct executor with custom config.
func NewDirectExecutorWithConfig(config ExecutorConfig, logger *zap.Logger) *DirectExecutor {
	logger = logging.Named(logger, logging.CategoryTactile)
	logger.Debug("creating direct executor",
		zap.Duration("timeout", config.DefaultTimeout),
		zap.Int64("max_output_bytes", config.MaxOutputBytes))
	return &DirectExecutor{
		config: config,
		logger: logger,
	}
}

// SetAuditCallback sets the callback for audit events.
func (e *DirectExecutor) SetAuditCallback(callback func(AuditEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditCallback = callback
}

// emitAudit emits an audit event if a callback is registered.
func (e *DirectExecutor) emitAudit(eventType AuditEventType, cmd Command, result *ExecutionResult) {
	e.mu.RLock()
	callback := e.auditCallback
	e.mu.RUnlock()

	if callback != nil {
		callback(AuditEvent{
			Type:      eventType,
			Timestamp: time.Now(),
			Command:   cmd,
			Result:    result,
		})
	}
}

// Validate checks if a command can be executed.
func (e *DirectExecutor) Validate(cmd Command) error {
	if cmd.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	return nil
}

// Execute runs a command directly on the host.
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command, handlers Handlers) (*ExecutionResult, error) {
	if err := e.Validate(cmd); err != nil {
		return nil, err
	}

	cmd = e.config.Merge(cmd)
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}

	log := e.logger.With(zap.String("request", cmd.RequestID))
	if cmd.Status != "" {
		log.Info(cmd.Status)
	}
	log.Debug("executing",
		zap.String("cmd", cmd.CommandString()),
		zap.String("dir", cmd.WorkingDirectory),
		zap.Int64("timeout_ms", cmd.Limits.TimeoutMs))

	var timer *logging.Timer
	if cmd.ShowTimer {
		timer = logging.StartTimer(log, statusOr(cmd))
	}

	if dir := cmd.WorkingDirectory; dir != "" {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			log.Error("working directory unusable", zap.String("dir", dir))
			e.emitAudit(AuditEventError, cmd, nil)
			return nil, fmt.Errorf("%w: %s", ErrWorkingDirectory, dir)
		}
	}

	result := &ExecutionResult{
		ExitCode: -1,
		Command:  &cmd,
	}

	timeout := time.Duration(cmd.Limits.TimeoutMs) * time.Millisecond
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.CommandContext(execCtx, cmd.Binary, cmd.Arguments...)
	execCmd.Dir = cmd.WorkingDirectory
	execCmd.Env = e.buildEnvironment(cmd.Environment)
	execCmd.WaitDelay = e.config.WaitDelay
	setupProcessGroup(execCmd)
	execCmd.Cancel = func() error { return killProcessGroup(execCmd) }

	var rejected atomic.Bool
	stdoutW := newLineWriter(cmd.Limits.MaxOutputBytes, handlers.Stdout, &rejected)
	stderrW := newLineWriter(cmd.Limits.MaxOutputBytes, handlers.Stderr, &rejected)
	execCmd.Stdout = stdoutW
	execCmd.Stderr = stderrW

	result.StartedAt = time.Now()
	if err := execCmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			log.Warn("executable not found", zap.String("binary", cmd.Binary))
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, cmd.Binary)
		}
		log.Error("failed to start", zap.String("binary", cmd.Binary), zap.Error(err))
		e.emitAudit(AuditEventError, cmd, nil)
		return nil, fmt.Errorf("start %s: %w", cmd.Binary, err)
	}
	e.emitAudit(AuditEventStart, cmd, nil)

	err := execCmd.Wait()
	stdoutW.Flush()
	stderrW.Flush()

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = stdoutW.captured()
	result.Stderr = stderrW.captured()
	result.Truncated = stdoutW.capture.truncated || stderrW.capture.truncated
	result.Rejected = rejected.Load()

	var exitErr *exec.ExitError
	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.Killed = true
		result.KillReason = fmt.Sprintf("timeout after %s", timeout)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.Killed = true
		result.KillReason = "deadline exceeded"
	case ctx.Err() != nil:
		result.Killed = true
		result.KillReason = "cancelled"
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.Error = err.Error()
	}
	if result.Killed && errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
	}

	result.Success = !result.Killed && !result.Rejected && result.Error == "" && result.ExitCode == 0

	if timer != nil {
		timer.StopWithInfo()
	}

	if result.Killed {
		log.Warn("command killed", zap.String("binary", cmd.Binary), zap.String("reason", result.KillReason))
		e.emitAudit(AuditEventKilled, cmd, result)
	} else {
		e.emitAudit(AuditEventComplete, cmd, result)
	}

	log.Debug("command completed",
		zap.String("binary", cmd.Binary),
		zap.Int("exit", result.ExitCode),
		zap.Bool("success", result.Success),
		zap.Duration("duration", result.Duration))

	return result, nil
}

func statusOr(cmd Command) string {
	if cmd.Status != "" {
		return cmd.Status
	}
	return cmd.CommandString()
}

// buildEnvironment creates the environment variable list.
func (e *DirectExecutor) buildEnvironment(cmdEnv []string) []string {
	return build.MergeEnv(build.HostEnv(e.config.AllowedEnvironment), cmdEnv...)
}

// lineWriter splits a stream into lines, hands each line to a handler and keeps a
// size-limited copy of the raw bytes.
type lineWriter struct {
	pending  []byte
	capture  *limitedWriter
	buf      *bytes.Buffer
	handler  LineHandler
	rejected *atomic.Bool
}

func newLineWriter(max int64, handler LineHandler, rejected *atomic.Bool) *lineWriter {
	buf := &bytes.Buffer{}
	return &lineWriter{
		capture:  &limitedWriter{w: buf, max: max},
		buf:      buf,
		handler:  handler,
		rejected: rejected,
	}
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	_, _ = lw.capture.Write(p)

	lw.pending = append(lw.pending, p...)
	for {
		i := bytes.IndexByte(lw.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(lw.pending[:i]), "\r")
		lw.pending = lw.pending[i+1:]
		lw.emit(line)
	}
	return len(p), nil
}

// Flush emits a trailing line that was not newline terminated.
func (lw *lineWriter) Flush() {
	if len(lw.pending) == 0 {
		return
	}
	line := strings.TrimRight(string(lw.pending), "\r")
	lw.pending = nil
	lw.emit(line)
}

func (lw *lineWriter) emit(line string) {
	if lw.handler == nil {
		return
	}
	if !lw.handler(line) {
		lw.rejected.Store(true)
	}
}

func (lw *lineWriter) captured() string {
	return lw.buf.String()
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.max <= 0 {
		written, err := lw.w.Write(p)
		lw.written += int64(written)
		return written, err
	}

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil // Pretend we wrote it
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		toWrite := p[:remaining]
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(toWrite)
		lw.written += int64(written)
		return n, err // Return original length to avoid "short write" errors
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
