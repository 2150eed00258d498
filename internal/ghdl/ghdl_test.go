package ghdl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ghdlflow/internal/config"
	"ghdlflow/internal/logging"
	"ghdlflow/internal/packages"
	"ghdlflow/internal/project"
	"ghdlflow/internal/tactile"
	"ghdlflow/internal/testbench"
	"ghdlflow/internal/wave"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// newProject writes files and a project file with the given JSON body.
func newProject(t *testing.T, body string, files ...string) *project.Project {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		abs := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, os.WriteFile(abs, []byte("-- "+f), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "demo.fpgaproj"), []byte(body), 0644))
	p, err := project.Load(root)
	require.NoError(t, err)
	return p
}

type lines struct {
	mu    sync.Mutex
	lines []string
}

func (l *lines) WriteLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
}

type harness struct {
	svc    *Service
	rec    *tactile.Recorder
	out    *lines
	logs   *observer.ObservedLogs
	viewer *fakeViewer
	events *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(ev string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

type fakeViewer struct {
	events *eventLog
	opened []string
	opts   wave.Options
}

func (v *fakeViewer) PrepareLiveStream(_ context.Context, path string) error {
	v.events.add("prepare " + filepath.Base(path))
	return nil
}

func (v *fakeViewer) Open(_ context.Context, path string, opts wave.Options) error {
	v.events.add("open " + filepath.Base(path))
	v.opened = append(v.opened, path)
	v.opts = opts
	return nil
}

func (v *fakeViewer) Close() error {
	v.events.add("close")
	return nil
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	core, logs := observer.New(zap.DebugLevel)
	events := &eventLog{}
	h := &harness{
		rec:    &tactile.Recorder{},
		out:    &lines{},
		logs:   logs,
		events: events,
		viewer: &fakeViewer{events: events},
	}
	validator, err := testbench.NewValidator()
	require.NoError(t, err)
	h.svc = NewService(Options{
		Config:    cfg,
		Executor:  h.rec,
		Output:    h.out,
		Viewer:    h.viewer,
		Validator: validator,
		Logger:    zap.New(core),
	})
	return h
}

// respond scripts the recorder: fn returns exit code, stdout and stderr per call.
func (h *harness) respond(fn func(args []string) (int, []string, []string)) {
	h.rec.Respond = func(ctx context.Context, cmd tactile.Command, handlers tactile.Handlers) (*tactile.ExecutionResult, error) {
		if len(cmd.Arguments) > 0 && cmd.Arguments[0] == "-r" {
			h.events.add("run")
		}
		code, stdout, stderr := fn(cmd.Arguments)
		return tactile.Emit(cmd, handlers, code, stdout, stderr), nil
	}
}

// stageArgs drops the version check from the recorded calls.
func (h *harness) stageArgs() [][]string {
	var out [][]string
	for _, args := range h.rec.Arguments() {
		if len(args) == 1 && args[0] == "--version" {
			continue
		}
		out = append(out, args)
	}
	return out
}

func newJob(t *testing.T, h *harness, proj *project.Project, file string) *Job {
	t.Helper()
	job, err := h.svc.NewJob(proj, proj.Abs(file))
	require.NoError(t, err)
	return job
}

func TestElaborate_LibraryScenario(t *testing.T) {
	proj := newProject(t, `{
  "VHDL_Standard": "08",
  "GHDL_Libraries": ["L"],
  "GHDL-LIB_L": ["b.vhd"]
}`, "a.vhd", "b.vhd")
	h := newHarness(t, nil)

	elab, err := h.svc.Elaborate(context.Background(), newJob(t, h, proj, "a.vhd"))
	require.NoError(t, err)
	assert.Equal(t, "a", elab.Unit)

	want := [][]string{
		{"-i", "--std=08", "a.vhd"},
		{"-i", "--work=L", "--std=08", "b.vhd"},
		{"-m", "--std=08", "a"},
		{"-m", "--work=L", "--std=08", "a"},
		{"-e", "--std=08", "a"},
	}
	if diff := cmp.Diff(want, h.stageArgs()); diff != "" {
		t.Fatalf("stage arguments mismatch (-want +got):\n%s", diff)
	}

	for _, call := range h.rec.Calls() {
		assert.Equal(t, proj.Root, call.WorkingDirectory)
		assert.Equal(t, "ghdl", call.Binary)
	}
}

func TestElaborate_InitsPrecedeMakes(t *testing.T) {
	proj := newProject(t, `{
  "GHDL_Libraries": ["L1", "L2", "L3"],
  "GHDL-LIB_L1": ["src/l1.vhd"],
  "GHDL-LIB_L2": ["src/l2a.vhd", "src/l2b.vhd"],
  "GHDL-LIB_L3": ["src/l3.vhd"]
}`, "top.vhd", "src/l1.vhd", "src/l2a.vhd", "src/l2b.vhd", "src/l3.vhd")
	h := newHarness(t, nil)

	_, err := h.svc.Elaborate(context.Background(), newJob(t, h, proj, "top.vhd"))
	require.NoError(t, err)

	calls := h.stageArgs()
	require.Len(t, calls, 1+3+1+3+1)

	inits := calls[:4]
	assert.Equal(t, []string{"-i", "--std=93c", "top.vhd"}, inits[0], "default init comes first and holds no library file")
	for i, lib := range []string{"L1", "L2", "L3"} {
		assert.Equal(t, "-i", inits[i+1][0])
		assert.Equal(t, "--work="+lib, inits[i+1][1])
	}
	assert.Equal(t, []string{"-i", "--work=L2", "--std=93c", "src/l2a.vhd", "src/l2b.vhd"}, inits[2])

	for _, c := range calls[4:8] {
		assert.Equal(t, "-m", c[0])
	}
	assert.Equal(t, "-e", calls[8][0])
}

func TestElaborate_ToplevelPrefix(t *testing.T) {
	proj := newProject(t, `{
  "GHDL_Libraries": ["L"],
  "GHDL-LIB_L": ["b.vhd"]
}`, "a.vhd", "b.vhd")
	h := newHarness(t, nil)

	elab, err := h.svc.Elaborate(context.Background(), newJob(t, h, proj, "b.vhd"))
	require.NoError(t, err)
	assert.Equal(t, "L.b", elab.Unit)

	calls := h.stageArgs()
	assert.Equal(t, []string{"-e", "--std=93c", "L.b"}, calls[len(calls)-1])
}

func TestElaborate_FailureStopsSequence(t *testing.T) {
	proj := newProject(t, `{
  "GHDL_Libraries": ["L"],
  "GHDL-LIB_L": ["b.vhd"]
}`, "a.vhd", "b.vhd")
	h := newHarness(t, nil)
	h.respond(func(args []string) (int, []string, []string) {
		if args[0] == "-m" {
			return 1, nil, []string{"a.vhd:3:1: unit not found"}
		}
		return 0, nil, nil
	})

	_, err := h.svc.Elaborate(context.Background(), newJob(t, h, proj, "a.vhd"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStageFailed))

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageMake, stageErr.Stage)
	assert.Equal(t, 1, stageErr.ExitCode)
	assert.Equal(t, []string{"-m", "--std=93c", "a"}, stageErr.Args)

	calls := h.stageArgs()
	require.Len(t, calls, 3, "nothing is issued after the failing make")
	assert.Equal(t, "-m", calls[2][0])
}

func TestExecuteGhdl_ErrorPrefixFailsDespiteExitZero(t *testing.T) {
	h := newHarness(t, nil)
	h.respond(func(args []string) (int, []string, []string) {
		return 0, []string{"analyze a.vhd", "ghdl:error: compilation error"}, []string{"a.vhd:1:1:warning: unused", "ghdl:error: bad"}
	})

	res, err := h.svc.ExecuteGhdl(context.Background(), []string{"-i", "a.vhd"}, t.TempDir(), "GHDL Init...")
	require.NoError(t, err)
	assert.False(t, res.Success)

	assert.Equal(t, []string{"analyze a.vhd"}, h.out.lines, "only regular stdout reaches the output sink")
	assert.Equal(t, 2, h.logs.FilterLevelExact(zap.ErrorLevel).Len())
	assert.Equal(t, 1, h.logs.FilterMessage("a.vhd:1:1:warning: unused").Len())
}

func TestExecuteGhdl_ErrorWordIsNotFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.respond(func(args []string) (int, []string, []string) {
		return 0, []string{"report error count: 0"}, []string{"warning: nothing to do"}
	})

	res, err := h.svc.ExecuteGhdl(context.Background(), []string{"-i"}, "", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestElaborate_ToplevelAndLibraryErrorsIssueNothing(t *testing.T) {
	h := newHarness(t, nil)

	proj := newProject(t, `{"CompileExcluded": ["a.vhd"]}`, "a.vhd")
	_, err := h.svc.Elaborate(context.Background(), newJob(t, h, proj, "a.vhd"))
	assert.True(t, errors.Is(err, ErrNoToplevel))

	proj = newProject(t, `{
  "GHDL_Libraries": ["L", "M"],
  "GHDL-LIB_L": ["b.vhd"],
  "GHDL-LIB_M": ["b.vhd"]
}`, "a.vhd", "b.vhd")
	_, err = h.svc.Elaborate(context.Background(), newJob(t, h, proj, "a.vhd"))
	assert.True(t, errors.Is(err, ErrLibraryConfiguration))

	assert.Empty(t, h.rec.Calls())
}

func TestElaborate_EmptyLibraryIsSkipped(t *testing.T) {
	proj := newProject(t, `{"GHDL_Libraries": ["empty"]}`, "a.vhd")
	h := newHarness(t, nil)

	_, err := h.svc.Elaborate(context.Background(), newJob(t, h, proj, "a.vhd"))
	require.NoError(t, err)
	assert.Len(t, h.stageArgs(), 3)
	assert.Equal(t, 1, h.logs.FilterMessage("Library empty is empty").Len())
}

func TestSimulate_VCDStreamsBeforeRun(t *testing.T) {
	proj := newProject(t, `{}`, "sim/tb.vhd")
	h := newHarness(t, nil)

	res, err := h.svc.Simulate(context.Background(), newJob(t, h, proj, "sim/tb.vhd"))
	require.NoError(t, err)
	assert.Equal(t, proj.Abs("sim/tb.vcd"), res.WaveFile)

	assert.Equal(t, []string{"prepare tb.vcd", "run", "close", "open tb.vcd"}, h.events.list())

	calls := h.stageArgs()
	assert.Equal(t, []string{"-r", "--std=93c", "tb", "--vcd=sim/tb.vcd"}, calls[len(calls)-1])

	reloaded, err := project.Load(proj.Path)
	require.NoError(t, err)
	assert.Contains(t, reloaded.PropertyArray(project.KeyInclude), "*.vcd")
}

func TestSimulate_GHWOpensOnlyAfterSuccess(t *testing.T) {
	for _, format := range []string{"GHW", "FST"} {
		t.Run(format, func(t *testing.T) {
			proj := newProject(t, `{}`, "tb.vhd")
			require.NoError(t, os.WriteFile(proj.Abs("tb.vhd")+testbench.Extension,
				[]byte("WaveOutputFormat: "+format+"\nAssertLevel: error\nSimulationStopTime: 1us\nGtkwSaveFile: tb.gtkw\n"), 0644))

			h := newHarness(t, nil)
			_, err := h.svc.Simulate(context.Background(), newJob(t, h, proj, "tb.vhd"))
			require.NoError(t, err)

			ext := "." + strings.ToLower(format)
			assert.Equal(t, []string{"run", "open tb" + ext}, h.events.list())
			assert.Equal(t, "tb.gtkw", h.viewer.opts.SaveFile)

			calls := h.stageArgs()
			flag := map[string]string{"GHW": "--wave=", "FST": "--fst="}[format]
			assert.Equal(t,
				[]string{"-r", "--std=93c", "tb", flag + "tb" + ext, "--assert-level=error", "--stop-time=1us"},
				calls[len(calls)-1])

			failing := newHarness(t, nil)
			failing.respond(func(args []string) (int, []string, []string) {
				if args[0] == "-r" {
					return 0, nil, []string{"ghdl:error: simulation failed"}
				}
				return 0, nil, nil
			})
			_, err = failing.svc.Simulate(context.Background(), newJob(t, failing, proj, "tb.vhd"))
			assert.True(t, errors.Is(err, ErrStageFailed))
			assert.Equal(t, []string{"run"}, failing.events.list(), "a failed run opens nothing")
		})
	}
}

func TestSimulate_ElaborationFailureSkipsRun(t *testing.T) {
	proj := newProject(t, `{}`, "tb.vhd")
	h := newHarness(t, nil)
	h.respond(func(args []string) (int, []string, []string) {
		if args[0] == "-e" {
			return 1, nil, nil
		}
		return 0, nil, nil
	})

	_, err := h.svc.Simulate(context.Background(), newJob(t, h, proj, "tb.vhd"))
	require.Error(t, err)
	assert.Empty(t, h.events.list())
	for _, args := range h.stageArgs() {
		assert.NotEqual(t, "-r", args[0])
	}
}

func TestSynth_DirectOutput(t *testing.T) {
	proj := newProject(t, `{"VHDL_Standard": "08"}`, "top.vhd")
	h := newHarness(t, nil)
	h.respond(func(args []string) (int, []string, []string) {
		if args[0] == "--version" {
			return 0, []string{"GHDL 4.1.0 (tarball) [Dunoon edition]", " GCC back-end"}, nil
		}
		return 0, nil, nil
	})

	out, err := h.svc.Synth(context.Background(), newJob(t, h, proj, "top.vhd"), FormatVerilog, "build")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(proj.Root, "build", "top.v"), out)

	calls := h.stageArgs()
	assert.Equal(t, []string{"--synth", "--std=08", "--out=verilog", "-o=" + out, "top"}, calls[len(calls)-1])
	assert.Empty(t, h.out.lines, "version output is not forwarded")
}

func TestSynth_DefaultsToSourceDirectory(t *testing.T) {
	proj := newProject(t, `{}`, "rtl/top.vhd")
	h := newHarness(t, nil)
	h.respond(func(args []string) (int, []string, []string) {
		if args[0] == "--version" {
			return 0, []string{"GHDL 5.0.1 (5.0.1.r0.g1b7a0d6) [Dunoon edition]"}, nil
		}
		return 0, nil, nil
	})

	out, err := h.svc.Synth(context.Background(), newJob(t, h, proj, "rtl/top.vhd"), FormatVerilog, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(proj.Root, "rtl", "top.v"), out)
}

func TestSynth_LegacyCapture(t *testing.T) {
	proj := newProject(t, `{}`, "top.vhd")
	h := newHarness(t, nil)
	h.respond(func(args []string) (int, []string, []string) {
		switch args[0] {
		case "--version":
			return 0, []string{"GHDL 2.0.0 (Ubuntu 2.0.0+dfsg-6) [Dunoon edition]"}, nil
		case "--synth":
			return 0, []string{"digraph top {", "}"}, nil
		}
		return 0, nil, nil
	})

	outDir := t.TempDir()
	out, err := h.svc.Synth(context.Background(), newJob(t, h, proj, "top.vhd"), FormatDot, outDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "top.dot"), out)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "digraph top {\n}\n", string(data))

	calls := h.stageArgs()
	assert.Equal(t, []string{"--synth", "--std=93c", "--out=dot", "top"}, calls[len(calls)-1])
	assert.Empty(t, h.out.lines, "the captured netlist does not go to the output sink")

	synth := h.rec.Calls()[len(h.rec.Calls())-1]
	assert.Equal(t, int64(-1), synth.Limits.MaxOutputBytes)
}

func TestSynth_UnsupportedFormat(t *testing.T) {
	proj := newProject(t, `{}`, "top.vhd")
	h := newHarness(t, nil)
	_, err := h.svc.Synth(context.Background(), newJob(t, h, proj, "top.vhd"), OutputFormat("edif"), "build")
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
	assert.Empty(t, h.rec.Calls())
}

func TestCancellation(t *testing.T) {
	proj := newProject(t, `{}`, "tb.vhd")

	t.Run("before start", func(t *testing.T) {
		h := newHarness(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := h.svc.Simulate(ctx, newJob(t, h, proj, "tb.vhd"))
		assert.True(t, errors.Is(err, ErrCancelled))
		assert.Empty(t, h.rec.Calls())
	})

	t.Run("during a stage", func(t *testing.T) {
		h := newHarness(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		h.rec.Respond = func(_ context.Context, cmd tactile.Command, _ tactile.Handlers) (*tactile.ExecutionResult, error) {
			if cmd.Arguments[0] == "-m" {
				cancel()
				return &tactile.ExecutionResult{Killed: true, KillReason: "cancelled", ExitCode: -1}, nil
			}
			return &tactile.ExecutionResult{Success: true}, nil
		}

		_, err := h.svc.Elaborate(ctx, newJob(t, h, proj, "tb.vhd"))
		assert.True(t, errors.Is(err, ErrCancelled))
		assert.Len(t, h.rec.Calls(), 2)
	})

	t.Run("deadline passed", func(t *testing.T) {
		h := newHarness(t, nil)
		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()
		_, err := h.svc.Elaborate(ctx, newJob(t, h, proj, "tb.vhd"))
		assert.True(t, errors.Is(err, ErrTimeout))
		assert.False(t, errors.Is(err, ErrCancelled))
		assert.Empty(t, h.rec.Calls())
	})
}

func TestSequence_RefusesAfterFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.respond(func(args []string) (int, []string, []string) { return 2, nil, nil })

	seq := h.svc.NewSequence(t.TempDir())
	require.Error(t, seq.Run(context.Background(), StageInit, []string{"-i"}, ""))
	assert.Equal(t, StageFailed, seq.State())

	err := seq.Run(context.Background(), StageMake, []string{"-m", "x"}, "")
	assert.True(t, errors.Is(err, ErrStageFailed))
	assert.Len(t, h.rec.Calls(), 1)
	assert.Equal(t, []Stage{StageInit}, seq.History())

	seq.Finish()
	assert.Equal(t, StageFailed, seq.State())
}

type fakeInstaller struct {
	calls     int
	versions  []string
	path      string
	err       error
	status    packages.Status
	installed string
}

func (f *fakeInstaller) Install(_ context.Context, pkg packages.Package, version string) (string, error) {
	f.calls++
	f.versions = append(f.versions, version)
	return f.path, f.err
}

func (f *fakeInstaller) Status(packages.Package) (packages.Status, string) {
	return f.status, f.installed
}

// existingBinary writes an executable placeholder and returns its path.
func existingBinary(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "bin", "ghdl")
	require.NoError(t, os.MkdirAll(filepath.Dir(bin), 0755))
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755))
	return bin
}

func TestExecuteGhdl_InstallFallback(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ghdl.AutoDownload = true
	configPath := filepath.Join(t.TempDir(), config.FileName)

	installed := filepath.Join(t.TempDir(), "ghdl", "5.0.1", "bin", "ghdl")
	inst := &fakeInstaller{path: installed}
	rec := &tactile.Recorder{}
	rec.Respond = func(_ context.Context, cmd tactile.Command, _ tactile.Handlers) (*tactile.ExecutionResult, error) {
		if cmd.Binary == DefaultBinary {
			return nil, tactile.ErrToolNotFound
		}
		return &tactile.ExecutionResult{Success: true}, nil
	}

	svc := NewService(Options{Config: cfg, ConfigPath: configPath, Executor: rec, Installer: inst})
	res, err := svc.ExecuteGhdl(context.Background(), []string{"--version"}, "", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, inst.calls)
	assert.Equal(t, installed, svc.Binary())

	last := rec.Calls()[len(rec.Calls())-1]
	assert.Contains(t, last.Environment, "GHDL_PREFIX="+filepath.Join(filepath.Dir(filepath.Dir(installed)), "lib", "ghdl"))

	saved, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, installed, saved.Ghdl.Path)
}

func TestExecuteGhdl_InstallPersistsOnlyGhdlKeys(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), config.FileName)
	require.NoError(t, os.WriteFile(configPath, []byte("ghdl:\n  auto_download: true\nlogging:\n  level: info\n"), 0644))
	t.Setenv("GHDLFLOW_OSS_CAD_SUITE", "/home/alice/oss-cad-suite")

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	require.Equal(t, "/home/alice/oss-cad-suite", cfg.OssCadSuite.Path)
	cfg.Logging.Level = "debug"

	installed := filepath.Join(t.TempDir(), "ghdl", "5.0.1", "bin", "ghdl")
	rec := &tactile.Recorder{}
	rec.Respond = func(_ context.Context, cmd tactile.Command, _ tactile.Handlers) (*tactile.ExecutionResult, error) {
		if cmd.Binary == DefaultBinary {
			return nil, tactile.ErrToolNotFound
		}
		return &tactile.ExecutionResult{Success: true}, nil
	}

	svc := NewService(Options{Config: cfg, ConfigPath: configPath, Executor: rec, Installer: &fakeInstaller{path: installed}})
	_, err = svc.ExecuteGhdl(context.Background(), []string{"--version"}, "", "")
	require.NoError(t, err)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	text := string(data)
	assert.NotContains(t, text, "oss-cad-suite")
	assert.NotContains(t, text, "debug")
	assert.NotContains(t, text, "packages:")
	assert.Contains(t, text, "level: info")
	assert.Contains(t, text, "path: "+installed)
	assert.Contains(t, text, "version: 5.0.1")
}

func TestExecuteGhdl_UpdatesOutdatedPackage(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ghdl.AutoDownload = true
	cfg.Ghdl.Path = existingBinary(t)
	cfg.Ghdl.Version = "5.0.1"

	updated := existingBinary(t)
	inst := &fakeInstaller{path: updated, status: packages.StatusUpdateAvailable, installed: "4.1.0"}
	rec := &tactile.Recorder{}

	svc := NewService(Options{Config: cfg, Executor: rec, Installer: inst})
	for i := 0; i < 2; i++ {
		_, err := svc.ExecuteGhdl(context.Background(), []string{"--version"}, "", "")
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"5.0.1"}, inst.versions, "update runs once per service")
	assert.Equal(t, updated, svc.Binary())
	for _, call := range rec.Calls() {
		assert.Equal(t, updated, call.Binary)
	}
}

func TestExecuteGhdl_NoUpdateWhenCurrent(t *testing.T) {
	tests := []struct {
		name      string
		auto      bool
		status    packages.Status
		installed string
	}{
		{"configured version installed", true, packages.StatusUpdateAvailable, "5.0.1"},
		{"package up to date", true, packages.StatusInstalled, "5.0.1"},
		{"auto download off", false, packages.StatusUpdateAvailable, "4.1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Ghdl.AutoDownload = tt.auto
			cfg.Ghdl.Path = existingBinary(t)
			cfg.Ghdl.Version = "5.0.1"
			inst := &fakeInstaller{status: tt.status, installed: tt.installed}

			svc := NewService(Options{Config: cfg, Executor: &tactile.Recorder{}, Installer: inst})
			_, err := svc.ExecuteGhdl(context.Background(), []string{"--version"}, "", "")
			require.NoError(t, err)
			assert.Zero(t, inst.calls)
			assert.Equal(t, cfg.Ghdl.Path, svc.Binary())
		})
	}
}

func TestExecuteGhdl_BadWorkdirDoesNotInstall(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ghdl.AutoDownload = true
	inst := &fakeInstaller{}
	rec := &tactile.Recorder{}
	rec.Respond = func(context.Context, tactile.Command, tactile.Handlers) (*tactile.ExecutionResult, error) {
		return nil, tactile.ErrWorkingDirectory
	}

	svc := NewService(Options{Config: cfg, Executor: rec, Installer: inst})
	_, err := svc.ExecuteGhdl(context.Background(), []string{"-i"}, "/nonexistent/project", "")
	assert.True(t, errors.Is(err, tactile.ErrWorkingDirectory))
	assert.Zero(t, inst.calls)
}

func TestExecuteGhdl_NotFoundWithoutAutoDownload(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := config.DefaultConfig()
	cfg.Ghdl.Path = filepath.Join(t.TempDir(), "missing", "ghdl")
	inst := &fakeInstaller{}
	rec := &tactile.Recorder{}

	svc := NewService(Options{Config: cfg, Executor: rec, Installer: inst, Logger: zap.New(core), Output: logging.DiscardOutput{}})
	_, err := svc.ExecuteGhdl(context.Background(), []string{"-i"}, "", "")
	assert.True(t, errors.Is(err, ErrToolNotFound))
	assert.Zero(t, inst.calls)
	assert.Empty(t, rec.Calls())
	assert.Equal(t, 1, logs.Len())
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{"GHDL 4.1.0 (tarball) [Dunoon edition]", "4.1.0", true},
		{"GHDL 5.0.1 (5.0.1.r0.g1b7a0d6) [Dunoon edition]", "5.0.1", true},
		{"GHDL 2.0.0-dev (1.0.0.r912.gc7a2a4a9) [Dunoon edition]", "2.0.0-dev", true},
		{"GHDL 0.37", "0.37", true},
		{"ghdl: unknown option", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseVersion(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestSupportsDirectOutput_Threshold(t *testing.T) {
	for version, want := range map[string]bool{"3.0.0": false, "4.0.0": true, "4.0.0-dev": false, "5.0.1": true} {
		h := newHarness(t, nil)
		h.respond(func(args []string) (int, []string, []string) {
			return 0, []string{"GHDL " + version + " (tarball)"}, nil
		})
		assert.Equal(t, want, h.svc.SupportsDirectOutput(context.Background()), version)
		h.svc.SupportsDirectOutput(context.Background())
		assert.Len(t, h.rec.Calls(), 1, "the version is read once per service")
	}
}

func TestWaveFormats(t *testing.T) {
	f, err := ParseWaveFormat("ghw")
	require.NoError(t, err)
	assert.Equal(t, "--wave=x.ghw", f.Argument("x.ghw"))
	assert.False(t, f.Streams())
	assert.True(t, WaveVCD.Streams())

	_, err = ParseWaveFormat("lxt")
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}
