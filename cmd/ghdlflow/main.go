package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ghdlflow/internal/config"
	"ghdlflow/internal/logging"
	"ghdlflow/internal/operation"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	verbose     bool
	projectPath string
	configPath  string
	timeout     time.Duration
	auditLog    string

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger

	// Running toolchain operations, terminated on SIGINT
	tracker = operation.NewTracker()

	// Tool output sink
	stdout io.Writer = os.Stdout
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "ghdlflow",
	Short: "ghdlflow - GHDL and Yosys toolchain driver",
	Long: `ghdlflow analyses, elaborates, simulates and synthesizes VHDL projects with GHDL
and hands the result to Yosys and nextpnr for FPGA bitstreams.

Projects are described by a .fpgaproj file; per test bench settings live next to
each source in <file>.tbconf. Configuration is read from ghdlflow.yaml in the
project directory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(resolveConfigPath())
		if err != nil {
			return err
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		if err := loaded.Validate(); err != nil {
			return err
		}

		l, err := logging.New(loaded.Logging)
		if err != nil {
			return err
		}
		cfg, logger = loaded, l
		logging.Named(logger, logging.CategoryBoot).Debug("configuration loaded", zap.String("path", resolveConfigPath()))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&projectPath, "project", "p", "", "Project directory or .fpgaproj file (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default: <project>/ghdlflow.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Overall operation timeout (0 disables)")
	rootCmd.PersistentFlags().StringVar(&auditLog, "audit-log", "", "Append tool executions to this JSON Lines file")

	synthCmd.Flags().StringVar(&synthFormat, "out", "verilog", "Netlist format: dot or verilog")
	synthCmd.Flags().StringVar(&synthDir, "dir", "", "Output directory, relative to the project root (default: next to the source)")
	installCmd.Flags().StringVar(&installVersion, "version", "", "Package version (default: latest)")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing configuration file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	benchCmd.AddCommand(benchGetCmd)
	benchCmd.AddCommand(benchSetCmd)

	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(synthCmd)
	rootCmd.AddCommand(elaborateCmd)
	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// projectDir returns the directory named by --project, or the working directory.
func projectDir() string {
	if projectPath == "" {
		return "."
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return filepath.Dir(projectPath)
	}
	return projectPath
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.Path(projectDir())
}

// runOperation runs fn as a tracked operation for key. SIGINT and SIGTERM
// terminate it, which kills the running tool.
func runOperation(key, status string, fn func(ctx context.Context) error) error {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	op, err := tracker.Start(ctx, key, status)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal", zap.String("operation", op.Status), zap.String("id", op.ID))
			tracker.TerminateAll()
		case <-done:
		}
	}()

	return op.Finish(fn(op.Context()))
}
