package tactile

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"ghdlflow/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DockerConfig describes the container the tools run in.
type DockerConfig struct {
	// Docker is the docker client binary.
	Docker string

	// Image contains the tools, e.g. hdlc/ghdl:yosys.
	Image string

	// Mounts are host directories bound read-write at the same path.
	Mounts []string

	// NetworkMode defaults to none.
	NetworkMode string
}

// DockerExecutor runs commands inside a throwaway container. The docker client
// itself is run by the inner executor, so output streams line by line exactly
// like a host tool.
type DockerExecutor struct {
	inner  Executor
	config DockerConfig
	logger *zap.Logger
}

// NewDockerExecutor wraps inner so every command runs in config.Image.
func NewDockerExecutor(inner Executor, config DockerConfig, logger *zap.Logger) *DockerExecutor {
	if config.Docker == "" {
		config.Docker = "docker"
	}
	if config.NetworkMode == "" {
		config.NetworkMode = "none"
	}
	return &DockerExecutor{
		inner:  inner,
		config: config,
		logger: logging.Named(logger, logging.CategoryTactile),
	}
}

// Execute runs cmd in a new container named after its request id. A cancelled
// context also kills the container, which the docker client would leave running.
func (e *DockerExecutor) Execute(ctx context.Context, cmd Command, handlers Handlers) (*ExecutionResult, error) {
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	name := "ghdlflow-" + cmd.RequestID

	wrapped := Command{
		Binary:           e.config.Docker,
		Arguments:        e.buildDockerArgs(name, cmd),
		WorkingDirectory: cmd.WorkingDirectory,
		Status:           cmd.Status,
		ShowTimer:        cmd.ShowTimer,
		RequestID:        cmd.RequestID,
		Limits:           cmd.Limits,
	}

	res, err := e.inner.Execute(ctx, wrapped, handlers)
	if ctx.Err() != nil || (res != nil && res.Killed) {
		e.kill(name)
	}
	return res, err
}

// buildDockerArgs constructs the docker run command arguments.
func (e *DockerExecutor) buildDockerArgs(name string, cmd Command) []string {
	args := []string{"run", "--rm", "--name", name, "--network", e.config.NetworkMode}

	if runtime.GOOS != "windows" {
		args = append(args, "--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()))
	}

	mounts := e.config.Mounts
	if cmd.WorkingDirectory != "" {
		mounts = append([]string{cmd.WorkingDirectory}, mounts...)
	}
	seen := make(map[string]bool, len(mounts))
	for _, path := range mounts {
		if seen[path] {
			continue
		}
		seen[path] = true
		args = append(args, "-v", fmt.Sprintf("%s:%s:rw", path, path))
	}

	if cmd.WorkingDirectory != "" {
		args = append(args, "-w", cmd.WorkingDirectory)
	}

	for _, env := range cmd.Environment {
		args = append(args, "-e", env)
	}

	args = append(args, e.config.Image, cmd.Binary)
	return append(args, cmd.Arguments...)
}

// kill removes a container left behind by a killed docker client.
func (e *DockerExecutor) kill(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if out, err := exec.CommandContext(ctx, e.config.Docker, "kill", name).CombinedOutput(); err != nil {
		e.logger.Debug("docker kill failed", zap.String("container", name), zap.ByteString("output", out), zap.Error(err))
		return
	}
	e.logger.Info("container killed", zap.String("container", name))
}
