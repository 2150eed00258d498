package main

import (
	"fmt"
	"path/filepath"

	"ghdlflow/internal/ghdl"
	"ghdlflow/internal/logging"
	"ghdlflow/internal/packages"
	"ghdlflow/internal/project"
	"ghdlflow/internal/tactile"
	"ghdlflow/internal/testbench"
	"ghdlflow/internal/wave"
	"ghdlflow/internal/yosys"

	"go.uber.org/zap"
)

// environment wires the services for one command from the loaded configuration.
type environment struct {
	project   *project.Project
	executor  *tactile.DirectExecutor
	journal   *tactile.Journal
	installer *packages.Installer
	ghdl      *ghdl.Service
}

func newEnvironment(proj *project.Project) (*environment, error) {
	execCfg := tactile.DefaultExecutorConfig()
	execCfg.DefaultTimeout = cfg.GetExecutionTimeout()
	execCfg.MaxOutputBytes = cfg.Execution.MaxOutputBytes
	execCfg.AllowedEnvironment = cfg.Execution.AllowedEnvVars
	if proj != nil {
		execCfg.DefaultWorkingDir = proj.Root
	}
	executor := tactile.NewDirectExecutorWithConfig(execCfg, logger)

	journal := tactile.NewJournal()
	if auditLog != "" {
		if err := journal.WriteTo(auditLog); err != nil {
			return nil, err
		}
	}
	runLog := logging.Named(logger, logging.CategoryTactile)
	journal.OnRun(func(rec tactile.RunRecord) {
		runLog.Debug("tool run finished",
			zap.String("tool", rec.Tool),
			zap.String("outcome", string(rec.Outcome)),
			zap.Int("exit", rec.ExitCode),
			zap.Int64("duration_ms", rec.DurationMs))
	})
	executor.SetAuditCallback(journal.Record)

	validator, err := testbench.NewValidator()
	if err != nil {
		return nil, err
	}

	var launcher wave.Launcher
	if cfg.Viewer.Command != "" {
		launcher = wave.NewGTKWave(cfg.Viewer.Command, logger)
	}

	// ghdl runs in the container when an image is configured; the Yosys flow
	// keeps using the host OSS CAD Suite.
	var ghdlExecutor tactile.Executor = executor
	ghdlConfig := cfg
	if cfg.Container.Image != "" {
		docker := tactile.DockerConfig{Docker: cfg.Container.Docker, Image: cfg.Container.Image}
		if proj != nil {
			docker.Mounts = []string{proj.Root}
		}
		ghdlExecutor = tactile.NewDockerExecutor(executor, docker, logger)

		containerCfg := *cfg
		containerCfg.Ghdl.Path = ""
		ghdlConfig = &containerCfg
		logging.Named(logger, logging.CategoryBoot).Debug("running ghdl in container", zap.String("image", cfg.Container.Image))
	}

	installer := packages.NewInstaller(cfg.Packages.Dir, logger)
	svc := ghdl.NewService(ghdl.Options{
		Config:     ghdlConfig,
		ConfigPath: resolveConfigPath(),
		Executor:   ghdlExecutor,
		Output:     logging.NewWriterOutput(stdout),
		Installer:  installer,
		Viewer:     wave.NewViewer(launcher, cfg.Viewer.Follow, logger),
		Validator:  validator,
		Logger:     logger,
	})

	return &environment{
		project:   proj,
		executor:  executor,
		journal:   journal,
		installer: installer,
		ghdl:      svc,
	}, nil
}

// toolchain builds the downstream Yosys flow on top of the ghdl service.
func (e *environment) toolchain() *yosys.Toolchain {
	pre := yosys.NewPreCompileStep(e.ghdl, logger)
	return yosys.NewToolchain(cfg, e.executor, pre, logging.NewWriterOutput(stdout), logger)
}

// close detaches the run journal and reports the tally.
func (e *environment) close() {
	if tally := e.journal.Tally(); tally.Started > 0 {
		logging.Named(logger, logging.CategoryTactile).Info("tool runs", zap.Stringer("tally", tally))
	}
	if err := e.journal.Close(); err != nil {
		logger.Warn("failed to close audit log", zap.Error(err))
	}
}

// openProject loads the project named by --project.
func openProject() (*project.Project, error) {
	p := projectPath
	if p == "" {
		p = "."
	}
	proj, err := project.Load(p)
	if err != nil {
		return nil, err
	}
	logging.Named(logger, logging.CategoryProject).Debug("project loaded", zap.String("path", proj.Path))
	return proj, nil
}

// sourceFile resolves a command line file argument. Relative paths that do not
// exist below the working directory are taken relative to the project root.
func sourceFile(proj *project.Project, arg string) (string, error) {
	if filepath.IsAbs(arg) {
		return arg, nil
	}
	if rel, err := proj.Rel(arg); err == nil && fileExists(proj.Abs(rel)) {
		return proj.Abs(rel), nil
	}
	abs := proj.Abs(filepath.ToSlash(arg))
	if !fileExists(abs) {
		return "", fmt.Errorf("%s: no such source in project %s", arg, proj.Root)
	}
	return abs, nil
}
