// Package logging builds the zap loggers used across ghdlflow.
// Every subsystem logs through a named child of the root logger so output can be
// filtered by category (tactile, ghdl, library, ...).
package logging

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"ghdlflow/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, configuration
	CategoryTactile   Category = "tactile"   // Process execution
	CategoryBuild     Category = "build"     // Tool environment
	CategoryGhdl      Category = "ghdl"      // GHDL stages
	CategoryLibrary   Category = "library"   // Library resolution
	CategoryProject   Category = "project"   // Project metadata
	CategoryTestbench Category = "testbench" // Per-file bench settings
	CategoryPackages  Category = "packages"  // Native tool installation
	CategoryWave      Category = "wave"      // Waveform viewers
	CategoryYosys     Category = "yosys"     // Downstream synthesis
)

// New builds the root logger from the logging configuration.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.DisableStacktrace = true
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// Named returns the category logger below base. A nil base yields a no-op logger.
func Named(base *zap.Logger, category Category) *zap.Logger {
	if base == nil {
		return zap.NewNop()
	}
	return base.Named(string(category))
}

// Output receives raw tool output lines (the output pane of the IDE).
type Output interface {
	WriteLine(line string)
}

// WriterOutput writes lines to an io.Writer. Safe for concurrent use.
type WriterOutput struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterOutput wraps w as an Output.
func NewWriterOutput(w io.Writer) *WriterOutput {
	return &WriterOutput{w: w}
}

// WriteLine writes a single line, adding the trailing newline.
func (o *WriterOutput) WriteLine(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintln(o.w, strings.TrimRight(line, "\r\n"))
}

// DiscardOutput drops every line.
type DiscardOutput struct{}

func (DiscardOutput) WriteLine(string) {}

// Timer measures an operation and logs its duration.
type Timer struct {
	logger *zap.Logger
	op     string
	start  time.Time
}

// StartTimer begins timing an operation
func StartTimer(logger *zap.Logger, operation string) *Timer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Timer{
		logger: logger,
		op:     operation,
		start:  time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.logger.Debug("operation completed", zap.String("op", t.op), zap.Duration("elapsed", elapsed))
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	t.logger.Info("operation completed", zap.String("op", t.op), zap.Duration("elapsed", elapsed.Round(time.Millisecond)))
	return elapsed
}
