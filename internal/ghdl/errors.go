package ghdl

import (
	"errors"
	"fmt"
	"strings"

	"ghdlflow/internal/library"
	"ghdlflow/internal/operation"
	"ghdlflow/internal/project"
	"ghdlflow/internal/tactile"
)

// Error taxonomy of the toolchain. Callers match with errors.Is.
var (
	ErrToolNotFound         = tactile.ErrToolNotFound
	ErrStageFailed          = errors.New("toolchain stage failed")
	ErrLibraryConfiguration = library.ErrLibraryConfiguration
	ErrCancelled            = operation.ErrCancelled
	ErrTimeout              = operation.ErrTimeout
	ErrNoToplevel           = project.ErrNoToplevel
	ErrUnsupportedFormat    = errors.New("unsupported output format")
)

// StageError describes a failed ghdl invocation.
type StageError struct {
	Stage    Stage
	Library  string
	Args     []string
	ExitCode int
	Reason   string
}

func (e *StageError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ghdl %s", e.Stage)
	if e.Library != "" {
		fmt.Fprintf(&b, " (library %s)", e.Library)
	}
	b.WriteString(" failed")
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

// Unwrap makes StageError match ErrStageFailed.
func (e *StageError) Unwrap() error {
	return ErrStageFailed
}
