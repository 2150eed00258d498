package yosys

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"ghdlflow/internal/build"
	"ghdlflow/internal/config"
	"ghdlflow/internal/logging"
	"ghdlflow/internal/project"
	"ghdlflow/internal/tactile"

	"go.uber.org/zap"
)

// ErrorPrefix marks an error line of yosys and nextpnr.
const ErrorPrefix = "ERROR:"

var (
	// ErrNotFound is returned when no OSS CAD Suite is configured.
	ErrNotFound = errors.New("Yosys binary not found")

	// ErrStepFailed is wrapped by every failed downstream step.
	ErrStepFailed = errors.New("downstream step failed")

	// ErrUnsupportedFamily is returned for device families without a known flow.
	ErrUnsupportedFamily = errors.New("unsupported FPGA family")
)

// family describes the nextpnr and packer conventions of a device family.
type family struct {
	constraintFlag string // nextpnr constraint option
	fitFlag        string // nextpnr textual output option
	fitExt         string
	packer         string
	bitExt         string
}

var families = map[string]family{
	"ice40": {constraintFlag: "--pcf", fitFlag: "--asc", fitExt: ".asc", packer: "icepack", bitExt: ".bin"},
	"ecp5":  {constraintFlag: "--lpf", fitFlag: "--textcfg", fitExt: ".config", packer: "ecppack", bitExt: ".bit"},
}

// Toolchain compiles a project for an FPGA: Synth, Fit and Assemble.
type Toolchain struct {
	cfg      *config.Config
	executor tactile.Executor
	pre      *PreCompileStep
	output   logging.Output
	logger   *zap.Logger
}

// NewToolchain creates the GHDL and Yosys toolchain.
func NewToolchain(cfg *config.Config, executor tactile.Executor, pre *PreCompileStep, output logging.Output, logger *zap.Logger) *Toolchain {
	if output == nil {
		output = logging.DiscardOutput{}
	}
	return &Toolchain{
		cfg:      cfg,
		executor: executor,
		pre:      pre,
		output:   output,
		logger:   logging.Named(logger, logging.CategoryYosys),
	}
}

// Compile runs Synth, Fit and Assemble, stopping at the first failure.
// It returns the bitstream path.
func (t *Toolchain) Compile(ctx context.Context, proj *project.Project) (string, error) {
	timer := logging.StartTimer(t.logger, "compile")
	defer timer.Stop()

	top, err := t.Synth(ctx, proj)
	if err != nil {
		return "", err
	}
	if err := t.Fit(ctx, proj, top); err != nil {
		return "", err
	}
	return t.Assemble(ctx, proj, top)
}

// Synth converts the toplevel to Verilog and synthesizes it into
// build/<top>.json. It returns the toplevel name.
func (t *Toolchain) Synth(ctx context.Context, proj *project.Project) (string, error) {
	if _, err := t.family(); err != nil {
		return "", err
	}

	verilog, err := t.pre.Perform(ctx, proj)
	if err != nil {
		return "", err
	}
	top := project.EntityName(verilog)

	rel, err := filepath.Rel(proj.Root, verilog)
	if err != nil {
		rel = verilog
	}
	script := fmt.Sprintf("synth_%s -top %s -json %s", t.cfg.FPGA.Family, top, artifact(top, ".json"))
	args := []string{"-q", "-p", script, filepath.ToSlash(rel)}
	return top, t.run(ctx, proj, "yosys", args, "Running Yosys Synth...")
}

// Fit places and routes build/<top>.json.
func (t *Toolchain) Fit(ctx context.Context, proj *project.Project, top string) error {
	fam, err := t.family()
	if err != nil {
		return err
	}
	pcf := t.cfg.FPGA.PCF
	if pcf == "" {
		pcf = top + ".pcf"
	}
	args := []string{
		"--" + t.cfg.FPGA.Device,
		"--package", t.cfg.FPGA.Package,
		"--json", artifact(top, ".json"),
		fam.constraintFlag, pcf,
		fam.fitFlag, artifact(top, fam.fitExt),
	}
	return t.run(ctx, proj, "nextpnr-"+t.cfg.FPGA.Family, args, "Running nextpnr Fit...")
}

// Assemble packs the placed design into a bitstream and returns its path.
func (t *Toolchain) Assemble(ctx context.Context, proj *project.Project, top string) (string, error) {
	fam, err := t.family()
	if err != nil {
		return "", err
	}
	bit := artifact(top, fam.bitExt)
	if err := t.run(ctx, proj, fam.packer, []string{artifact(top, fam.fitExt), bit}, "Running Assemble..."); err != nil {
		return "", err
	}
	out := proj.Abs(bit)
	t.logger.Info("bitstream written", zap.String("path", out))
	return out, nil
}

func (t *Toolchain) family() (family, error) {
	if t.cfg.OssCadSuite.Path == "" {
		t.logger.Error(ErrNotFound.Error())
		return family{}, ErrNotFound
	}
	fam, ok := families[t.cfg.FPGA.Family]
	if !ok {
		return family{}, fmt.Errorf("%w: %q", ErrUnsupportedFamily, t.cfg.FPGA.Family)
	}
	return fam, nil
}

// run executes one suite tool in the project root.
func (t *Toolchain) run(ctx context.Context, proj *project.Project, tool string, args []string, status string) error {
	cmd := tactile.Command{
		Binary:           t.cfg.OssCadSuiteBinary(tool),
		Arguments:        args,
		WorkingDirectory: proj.Root,
		Environment:      build.OssCadSuiteEnv(t.cfg.OssCadSuite.Path, t.logger),
		Status:           status,
		ShowTimer:        true,
		Limits: &tactile.ResourceLimits{
			TimeoutMs:      int64(t.cfg.GetExecutionTimeout() / time.Millisecond),
			MaxOutputBytes: t.cfg.Execution.MaxOutputBytes,
		},
	}
	t.logger.Debug("running downstream tool", zap.String("tool", tool), zap.Strings("args", args))

	res, err := t.executor.Execute(ctx, cmd, t.handlers())
	if err != nil {
		t.logger.Error("failed to start tool", zap.String("tool", tool), zap.Error(err))
		return err
	}
	if !res.Success {
		err := fmt.Errorf("%w: %s: %s", ErrStepFailed, tool, res.FailureReason())
		t.logger.Error("downstream step failed", zap.String("tool", tool), zap.Error(err))
		return err
	}
	return nil
}

func (t *Toolchain) handlers() tactile.Handlers {
	return tactile.Handlers{
		Stdout: func(line string) bool {
			if strings.HasPrefix(line, ErrorPrefix) {
				t.logger.Error(line)
				return false
			}
			t.output.WriteLine(line)
			return true
		},
		Stderr: func(line string) bool {
			if strings.HasPrefix(line, ErrorPrefix) {
				t.logger.Error(line)
				return false
			}
			t.logger.Warn(line)
			return true
		},
	}
}

// artifact returns build/<top><ext>.
func artifact(top, ext string) string {
	return path.Join(BuildDir, top+ext)
}
