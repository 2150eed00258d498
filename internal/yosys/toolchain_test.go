package yosys

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ghdlflow/internal/config"
	"ghdlflow/internal/ghdl"
	"ghdlflow/internal/project"
	"ghdlflow/internal/tactile"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const suite = "/opt/oss-cad-suite"

func newProject(t *testing.T, top string) *project.Project {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "top.vhd"), []byte("entity top is end;"), 0644))
	p, err := project.New(root)
	require.NoError(t, err)
	if top != "" {
		require.NoError(t, p.SetProperty(project.KeyTopEntity, top))
	}
	require.NoError(t, p.Save())
	return p
}

func newToolchain(cfg *config.Config, rec *tactile.Recorder) *Toolchain {
	svc := ghdl.NewService(ghdl.Options{Config: cfg, Executor: rec, Logger: zap.NewNop()})
	pre := NewPreCompileStep(svc, zap.NewNop())
	return NewToolchain(cfg, rec, pre, nil, zap.NewNop())
}

func suiteConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.OssCadSuite.Path = suite
	return cfg
}

// suiteCalls returns binary and arguments of the calls into the suite.
func suiteCalls(rec *tactile.Recorder) [][]string {
	var out [][]string
	for _, c := range rec.Calls() {
		if strings.HasPrefix(c.Binary, suite) {
			out = append(out, append([]string{filepath.Base(c.Binary)}, c.Arguments...))
		}
	}
	return out
}

func TestCompile_Ice40(t *testing.T) {
	proj := newProject(t, "top")
	rec := &tactile.Recorder{}
	tc := newToolchain(suiteConfig(), rec)

	bit, err := tc.Compile(context.Background(), proj)
	require.NoError(t, err)
	assert.Equal(t, proj.Abs("build/top.bin"), bit)

	want := [][]string{
		{"yosys", "-q", "-p", "synth_ice40 -top top -json build/top.json", "build/ghdl-output/top.v"},
		{"nextpnr-ice40", "--hx8k", "--package", "ct256", "--json", "build/top.json", "--pcf", "top.pcf", "--asc", "build/top.asc"},
		{"icepack", "build/top.asc", "build/top.bin"},
	}
	if diff := cmp.Diff(want, suiteCalls(rec)); diff != "" {
		t.Fatalf("suite calls mismatch (-want +got):\n%s", diff)
	}

	calls := rec.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, proj.Root, last.WorkingDirectory)
	require.NotEmpty(t, last.Environment)
	assert.True(t, strings.HasPrefix(last.Environment[0], "PATH="+filepath.Join(suite, "bin")))

	_, err = os.Stat(filepath.Join(proj.Root, "build", "ghdl-output", "top.v"))
	assert.NoError(t, err, "the captured netlist is written")
}

func TestCompile_Ecp5(t *testing.T) {
	proj := newProject(t, "top")
	cfg := suiteConfig()
	cfg.FPGA = config.FPGAConfig{Family: "ecp5", Device: "25k", Package: "CABGA381", PCF: "pins.lpf"}
	rec := &tactile.Recorder{}

	bit, err := newToolchain(cfg, rec).Compile(context.Background(), proj)
	require.NoError(t, err)
	assert.Equal(t, proj.Abs("build/top.bit"), bit)

	calls := suiteCalls(rec)
	require.Len(t, calls, 3)
	assert.Equal(t, "synth_ecp5 -top top -json build/top.json", calls[0][3])
	assert.Equal(t, []string{"nextpnr-ecp5", "--25k", "--package", "CABGA381", "--json", "build/top.json", "--lpf", "pins.lpf", "--textcfg", "build/top.config"}, calls[1])
	assert.Equal(t, []string{"ecppack", "build/top.config", "build/top.bit"}, calls[2])
}

func TestCompile_MissingSuite(t *testing.T) {
	proj := newProject(t, "top")
	rec := &tactile.Recorder{}

	_, err := newToolchain(config.DefaultConfig(), rec).Compile(context.Background(), proj)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.EqualError(t, err, "Yosys binary not found")
	assert.Empty(t, rec.Calls(), "ghdl is not run without a suite")
}

func TestCompile_UnsupportedFamily(t *testing.T) {
	cfg := suiteConfig()
	cfg.FPGA.Family = "xc7"
	rec := &tactile.Recorder{}

	_, err := newToolchain(cfg, rec).Compile(context.Background(), newProject(t, "top"))
	assert.True(t, errors.Is(err, ErrUnsupportedFamily))
	assert.Empty(t, rec.Calls())
}

func TestCompile_FitFailureStops(t *testing.T) {
	proj := newProject(t, "top")
	rec := &tactile.Recorder{}
	rec.Respond = func(_ context.Context, cmd tactile.Command, h tactile.Handlers) (*tactile.ExecutionResult, error) {
		if filepath.Base(cmd.Binary) == "nextpnr-ice40" {
			return tactile.Emit(cmd, h, 1, nil, []string{"Info: placing"}), nil
		}
		return tactile.Emit(cmd, h, 0, nil, nil), nil
	}

	_, err := newToolchain(suiteConfig(), rec).Compile(context.Background(), proj)
	assert.True(t, errors.Is(err, ErrStepFailed))
	assert.Contains(t, err.Error(), "exit code 1")

	calls := suiteCalls(rec)
	require.Len(t, calls, 2)
	assert.Equal(t, "nextpnr-ice40", calls[1][0])
}

func TestCompile_ErrorLineFailsSynth(t *testing.T) {
	proj := newProject(t, "top")
	rec := &tactile.Recorder{}
	rec.Respond = func(_ context.Context, cmd tactile.Command, h tactile.Handlers) (*tactile.ExecutionResult, error) {
		if filepath.Base(cmd.Binary) == "yosys" {
			return tactile.Emit(cmd, h, 0, []string{"ERROR: Module `top' not found!"}, nil), nil
		}
		return tactile.Emit(cmd, h, 0, nil, nil), nil
	}

	_, err := newToolchain(suiteConfig(), rec).Compile(context.Background(), proj)
	assert.True(t, errors.Is(err, ErrStepFailed))
	assert.Len(t, suiteCalls(rec), 1)
}

func TestCompile_GhdlFailureSkipsYosys(t *testing.T) {
	proj := newProject(t, "top")
	rec := &tactile.Recorder{}
	rec.Respond = func(_ context.Context, cmd tactile.Command, h tactile.Handlers) (*tactile.ExecutionResult, error) {
		if len(cmd.Arguments) > 0 && cmd.Arguments[0] == "-e" {
			return tactile.Emit(cmd, h, 1, nil, []string{"ghdl:error: cannot elaborate"}), nil
		}
		return tactile.Emit(cmd, h, 0, nil, nil), nil
	}

	_, err := newToolchain(suiteConfig(), rec).Compile(context.Background(), proj)
	assert.True(t, errors.Is(err, ghdl.ErrStageFailed))
	assert.Empty(t, suiteCalls(rec))
}

func TestPreCompileStep_ClearsOutput(t *testing.T) {
	proj := newProject(t, "top")
	rec := &tactile.Recorder{}
	svc := ghdl.NewService(ghdl.Options{Config: config.DefaultConfig(), Executor: rec})
	step := NewPreCompileStep(svc, nil)

	stale := filepath.Join(step.OutputDir(proj), "old.v")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0644))

	verilog, err := step.Perform(context.Background(), proj)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(step.OutputDir(proj), "top.v"), verilog)
	assert.Equal(t, verilog, step.VerilogFile)
	assert.NoFileExists(t, stale)

	var synth []string
	for _, args := range rec.Arguments() {
		if len(args) > 0 && args[0] == "--synth" {
			synth = args
		}
	}
	assert.Contains(t, synth, "--out=verilog")
	assert.Equal(t, "top", synth[len(synth)-1])
}

func TestPreCompileStep_NoToplevel(t *testing.T) {
	rec := &tactile.Recorder{}
	svc := ghdl.NewService(ghdl.Options{Config: config.DefaultConfig(), Executor: rec})

	_, err := NewPreCompileStep(svc, nil).Perform(context.Background(), newProject(t, ""))
	assert.True(t, errors.Is(err, project.ErrNoToplevel))
	assert.Empty(t, rec.Calls())
}
