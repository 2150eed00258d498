// Package ghdl drives the GHDL toolchain: it runs ghdl with classified output,
// sequences the init/make/elaborate stages for a project and its libraries, and
// routes simulation and synthesis results to files and waveform viewers.
package ghdl

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"ghdlflow/internal/build"
	"ghdlflow/internal/config"
	"ghdlflow/internal/library"
	"ghdlflow/internal/logging"
	"ghdlflow/internal/packages"
	"ghdlflow/internal/tactile"
	"ghdlflow/internal/testbench"
	"ghdlflow/internal/wave"

	"go.uber.org/zap"
)

const (
	// ErrorPrefix marks a line ghdl reports as an error.
	ErrorPrefix = "ghdl:error:"

	// DefaultBinary is used when no ghdl path is configured.
	DefaultBinary = "ghdl"
)

// Installer installs a tool package and returns its executable path.
type Installer interface {
	Install(ctx context.Context, pkg packages.Package, version string) (string, error)
	Status(pkg packages.Package) (packages.Status, string)
}

// Viewer shows waveform files.
type Viewer interface {
	PrepareLiveStream(ctx context.Context, path string) error
	Open(ctx context.Context, path string, opts wave.Options) error
	Close() error
}

// Options are the collaborators of a Service.
type Options struct {
	// Config is the configuration snapshot for this run. Required.
	Config *config.Config

	// ConfigPath, when set, receives the ghdl path chosen by an automatic install.
	ConfigPath string

	// Executor runs the tools. Required.
	Executor tactile.Executor

	// Output receives ghdl's regular output lines.
	Output logging.Output

	// Installer is used when ghdl is missing or outdated and auto download is enabled.
	Installer Installer

	// Viewer opens simulation waveforms. Nil disables opening.
	Viewer Viewer

	// Validator checks test bench settings. Nil skips validation.
	Validator *testbench.Validator

	Logger *zap.Logger
}

// Service runs ghdl for one configuration snapshot.
type Service struct {
	cfg        *config.Config
	configPath string
	executor   tactile.Executor
	output     logging.Output
	installer  Installer
	viewer     Viewer
	validator  *testbench.Validator
	resolver   *library.Resolver
	logger     *zap.Logger

	mu            sync.Mutex
	installed     bool
	updateChecked bool
	version       string
	versionOK     bool
}

// NewService creates a service from its collaborators.
func NewService(opts Options) *Service {
	output := opts.Output
	if output == nil {
		output = logging.DiscardOutput{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Service{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		executor:   opts.Executor,
		output:     output,
		installer:  opts.Installer,
		viewer:     opts.Viewer,
		validator:  opts.Validator,
		resolver:   library.NewResolver(opts.Logger),
		logger:     logging.Named(opts.Logger, logging.CategoryGhdl),
	}
}

// Config returns the configuration snapshot the service runs with.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// Binary returns the ghdl executable used for invocations.
func (s *Service) Binary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Ghdl.Path != "" {
		return s.cfg.Ghdl.Path
	}
	return DefaultBinary
}

// invocation is one ghdl run.
type invocation struct {
	args    []string
	workdir string
	status  string

	// stdout replaces the default forwarding of regular stdout lines.
	stdout func(line string)

	// unlimited disables the capture limit (netlists on stdout).
	unlimited bool
}

// ExecuteGhdl runs ghdl with args in workdir. Regular stdout lines go to the
// output sink; stderr lines are logged as warnings; lines starting with
// "ghdl:error:" on either stream are logged as errors and fail the invocation.
// A non-nil result with Success false means the tool ran and failed.
func (s *Service) ExecuteGhdl(ctx context.Context, args []string, workdir, status string) (*tactile.ExecutionResult, error) {
	return s.execute(ctx, invocation{args: args, workdir: workdir, status: status})
}

func (s *Service) execute(ctx context.Context, inv invocation) (*tactile.ExecutionResult, error) {
	if s.executor == nil {
		return nil, errors.New("ghdl service has no executor")
	}

	if err := s.ensureBinary(ctx); err != nil {
		return nil, err
	}

	res, err := s.executor.Execute(ctx, s.command(inv), s.handlers(inv))
	if errors.Is(err, tactile.ErrToolNotFound) && s.canInstall() {
		if installErr := s.install(ctx); installErr != nil {
			return nil, fmt.Errorf("%w (install failed: %v)", err, installErr)
		}
		res, err = s.executor.Execute(ctx, s.command(inv), s.handlers(inv))
	}
	if errors.Is(err, tactile.ErrToolNotFound) {
		s.logger.Warn("GHDL not found. Set ghdl.path in the configuration or install it with `ghdlflow install`.",
			zap.String("binary", s.Binary()))
	}
	return res, err
}

func (s *Service) command(inv invocation) tactile.Command {
	binary := s.Binary()
	cmd := tactile.Command{
		Binary:           binary,
		Arguments:        inv.args,
		WorkingDirectory: inv.workdir,
		Environment:      build.GhdlEnv(binary, s.logger),
		Status:           inv.status,
		ShowTimer:        inv.status != "",
		Limits: &tactile.ResourceLimits{
			TimeoutMs:      int64(s.cfg.GetExecutionTimeout() / time.Millisecond),
			MaxOutputBytes: s.cfg.Execution.MaxOutputBytes,
		},
	}
	if inv.unlimited {
		cmd.Limits.MaxOutputBytes = -1
	}
	return cmd
}

// handlers classifies ghdl output lines.
func (s *Service) handlers(inv invocation) tactile.Handlers {
	return tactile.Handlers{
		Stdout: func(line string) bool {
			if strings.HasPrefix(line, ErrorPrefix) {
				s.logger.Error(line)
				return false
			}
			if inv.stdout != nil {
				inv.stdout(line)
			} else {
				s.output.WriteLine(line)
			}
			return true
		},
		Stderr: func(line string) bool {
			if strings.HasPrefix(line, ErrorPrefix) {
				s.logger.Error(line)
				return false
			}
			s.logger.Warn(line)
			return true
		},
	}
}

// ensureBinary installs ghdl when the configured path does not exist and auto
// download is enabled. With auto download an installed package older than the
// configured version is replaced once per service.
func (s *Service) ensureBinary(ctx context.Context) error {
	s.mu.Lock()
	path := s.cfg.Ghdl.Path
	present := s.cfg.HasGhdl()
	s.mu.Unlock()

	if path == "" {
		return nil
	}
	if present {
		if s.updateAvailable() {
			if err := s.install(ctx); err != nil {
				s.logger.Warn("keeping installed GHDL", zap.String("path", path))
			}
		}
		return nil
	}
	if !s.canInstall() {
		s.logger.Warn("GHDL not found. Set ghdl.path in the configuration or install it with `ghdlflow install`.",
			zap.String("path", path))
		return fmt.Errorf("%w: %s", tactile.ErrToolNotFound, path)
	}
	return s.install(ctx)
}

func (s *Service) canInstall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installer != nil && s.cfg.Ghdl.AutoDownload && !s.installed
}

// updateAvailable consults the package status once per service.
func (s *Service) updateAvailable() bool {
	if !s.canInstall() {
		return false
	}
	s.mu.Lock()
	checked := s.updateChecked
	s.updateChecked = true
	want := s.cfg.Ghdl.Version
	s.mu.Unlock()
	if checked {
		return false
	}

	status, installed := s.installer.Status(packages.Ghdl)
	if status != packages.StatusUpdateAvailable {
		return false
	}
	if want != "" && packages.CompareVersions(installed, want) >= 0 {
		return false
	}
	s.logger.Info("GHDL update available", zap.String("installed", installed), zap.String("version", want))
	return true
}

// install runs the package installer once per service and records the new path
// in the configuration file.
func (s *Service) install(ctx context.Context) error {
	s.mu.Lock()
	s.installed = true
	version := s.cfg.Ghdl.Version
	s.mu.Unlock()

	s.logger.Info("installing GHDL", zap.String("version", version))
	path, err := s.installer.Install(ctx, packages.Ghdl, version)
	if err != nil {
		s.logger.Error("GHDL installation failed", zap.Error(err))
		return err
	}

	s.mu.Lock()
	s.cfg.Ghdl.Path = path
	s.versionOK = false
	s.mu.Unlock()

	if s.configPath != "" {
		values := map[string]string{"ghdl.path": path}
		if version != "" {
			values["ghdl.version"] = version
		}
		if err := config.UpdateFile(s.configPath, values); err != nil {
			s.logger.Warn("failed to persist ghdl path", zap.Error(err))
		}
	}
	s.logger.Info("GHDL installed", zap.String("path", path))
	return nil
}

var versionPattern = regexp.MustCompile(`^GHDL\s+(\d+\.\d+(?:\.\d+)?(?:-[0-9A-Za-z.-]+)?)`)

// ParseVersion extracts the version from the first line of `ghdl --version`.
func ParseVersion(line string) (string, bool) {
	m := versionPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Version returns the installed ghdl version. The result is cached per service.
func (s *Service) Version(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.versionOK {
		v := s.version
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	var first string
	res, err := s.execute(ctx, invocation{
		args: []string{"--version"},
		stdout: func(line string) {
			if first == "" {
				first = line
			}
		},
	})
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("ghdl --version failed: %s", res.FailureReason())
	}
	version, ok := ParseVersion(first)
	if !ok {
		return "", fmt.Errorf("unrecognized ghdl version output %q", first)
	}

	s.mu.Lock()
	s.version, s.versionOK = version, true
	s.mu.Unlock()
	s.logger.Debug("detected ghdl version", zap.String("version", version))
	return version, nil
}

// SupportsDirectOutput reports whether the installed ghdl writes synthesis
// output itself (-o=FILE). Unknown versions use the stdout capture path.
func (s *Service) SupportsDirectOutput(ctx context.Context) bool {
	minVersion := s.cfg.Ghdl.DirectOutputMinVersion
	if minVersion == "" {
		return false
	}
	version, err := s.Version(ctx)
	if err != nil {
		s.logger.Debug("ghdl version unknown, capturing synthesis output", zap.Error(err))
		return false
	}
	return packages.CompareVersions(version, minVersion) >= 0
}
