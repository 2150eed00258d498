package wave

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"ghdlflow/internal/logging"

	"go.uber.org/zap"
)

// Options are per-file viewer settings.
type Options struct {
	// SaveFile is a GTKWave save file (.gtkw) restoring signals and zoom.
	SaveFile string

	// Args are extra viewer arguments.
	Args []string
}

// Launcher starts an external waveform viewer.
type Launcher interface {
	Launch(path string, opts Options) error
}

// GTKWave launches gtkwave detached from the current process.
type GTKWave struct {
	Command string
	logger  *zap.Logger

	// start runs the prepared command; replaced in tests.
	start func(cmd *exec.Cmd) error
}

// NewGTKWave creates a launcher for the given gtkwave command.
func NewGTKWave(command string, logger *zap.Logger) *GTKWave {
	return &GTKWave{
		Command: command,
		logger:  logging.Named(logger, logging.CategoryWave),
		start:   startDetached,
	}
}

// Arguments returns the gtkwave argument list: the wave file, the optional save
// file, then the extra arguments.
func (g *GTKWave) Arguments(path string, opts Options) []string {
	args := []string{path}
	if opts.SaveFile != "" {
		args = append(args, opts.SaveFile)
	}
	return append(args, opts.Args...)
}

// Launch starts gtkwave on path.
func (g *GTKWave) Launch(path string, opts Options) error {
	fields := strings.Fields(g.Command)
	if len(fields) == 0 {
		return fmt.Errorf("no viewer command configured")
	}
	args := append(fields[1:], g.Arguments(path, opts)...)

	cmd := exec.Command(fields[0], args...)
	cmd.Dir = filepath.Dir(path)
	g.logger.Info("opening waveform", zap.String("viewer", fields[0]), zap.Strings("args", args))
	if err := g.start(cmd); err != nil {
		return fmt.Errorf("launch %s: %w", fields[0], err)
	}
	return nil
}

func startDetached(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

// Viewer opens simulation results: VCD files are followed while the simulation
// runs, finished files are handed to the launcher.
type Viewer struct {
	mu       sync.Mutex
	launcher Launcher
	follow   bool
	logger   *zap.Logger

	follower *Follower
}

// NewViewer creates a viewer. A nil launcher only logs where the file was
// written; follow enables live VCD progress.
func NewViewer(launcher Launcher, follow bool, logger *zap.Logger) *Viewer {
	return &Viewer{
		launcher: launcher,
		follow:   follow,
		logger:   logging.Named(logger, logging.CategoryWave),
	}
}

// PrepareLiveStream makes sure path exists and starts following it.
func (v *Viewer) PrepareLiveStream(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		file.Close()
	}
	if !v.follow {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.follower != nil {
		if _, err := v.follower.Stop(); err != nil {
			v.logger.Warn("failed to stop previous follower", zap.Error(err))
		}
	}
	v.follower = NewFollower(path, v.logger)
	return v.follower.Start(ctx)
}

// Open shows a finished waveform file.
func (v *Viewer) Open(ctx context.Context, path string, opts Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("waveform not found: %w", err)
	}
	if v.launcher == nil {
		v.logger.Info("waveform written", zap.String("path", path))
		return nil
	}
	return v.launcher.Launch(path, opts)
}

// Close stops a running live stream.
func (v *Viewer) Close() error {
	v.mu.Lock()
	follower := v.follower
	v.follower = nil
	v.mu.Unlock()

	if follower == nil {
		return nil
	}
	_, err := follower.Stop()
	return err
}
