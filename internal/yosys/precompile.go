// Package yosys runs the downstream FPGA flow: the VHDL toplevel is converted
// to Verilog with ghdl --synth, then synthesized with Yosys, placed and routed
// with nextpnr and packed into a bitstream.
package yosys

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"ghdlflow/internal/ghdl"
	"ghdlflow/internal/logging"
	"ghdlflow/internal/project"

	"go.uber.org/zap"
)

// Default build layout, relative to the project root.
const (
	BuildDir      = "build"
	GhdlOutputDir = "ghdl-output"
)

// Synthesizer converts a project source into a netlist.
type Synthesizer interface {
	NewJob(proj *project.Project, file string) (*ghdl.Job, error)
	Synth(ctx context.Context, job *ghdl.Job, format ghdl.OutputFormat, outDir string) (string, error)
}

// PreCompileStep writes the Verilog netlist of the project toplevel into
// build/ghdl-output, replacing whatever was there.
type PreCompileStep struct {
	synth  Synthesizer
	logger *zap.Logger

	// VerilogFile is the netlist produced by the last successful Perform.
	VerilogFile string
}

// NewPreCompileStep creates the VHDL to Verilog step.
func NewPreCompileStep(synth Synthesizer, logger *zap.Logger) *PreCompileStep {
	return &PreCompileStep{synth: synth, logger: logging.Named(logger, logging.CategoryYosys)}
}

// Name identifies the step in logs.
func (p *PreCompileStep) Name() string {
	return "GHDL Vhdl to Verilog"
}

// OutputDir returns the absolute netlist directory of proj.
func (p *PreCompileStep) OutputDir(proj *project.Project) string {
	return filepath.Join(proj.Root, BuildDir, GhdlOutputDir)
}

// Perform synthesizes the toplevel of proj to Verilog and returns the netlist path.
func (p *PreCompileStep) Perform(ctx context.Context, proj *project.Project) (string, error) {
	p.VerilogFile = ""

	top, err := proj.ResolveToplevel(proj.TopEntity())
	if err != nil {
		p.logger.Error("No toplevel entity has been set", zap.String("top", proj.TopEntity()))
		return "", err
	}

	outDir := p.OutputDir(proj)
	if err := os.RemoveAll(outDir); err != nil {
		return "", fmt.Errorf("failed to clear %s: %w", outDir, err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", outDir, err)
	}

	job, err := p.synth.NewJob(proj, proj.Abs(top))
	if err != nil {
		return "", err
	}
	verilog, err := p.synth.Synth(ctx, job, ghdl.FormatVerilog, outDir)
	if err != nil {
		return "", err
	}

	p.VerilogFile = verilog
	p.logger.Debug("pre-compile step complete", zap.String("step", p.Name()), zap.String("verilog", verilog))
	return verilog, nil
}
