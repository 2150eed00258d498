package main

import (
	"context"
	"fmt"
	"os"

	"ghdlflow/internal/ghdl"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	synthFormat string
	synthDir    string
)

// simulateCmd elaborates and runs a test bench
var simulateCmd = &cobra.Command{
	Use:   "simulate <file>",
	Short: "Elaborate a test bench and run the simulation",
	Long: `Analyses the project, elaborates the entity of <file> and runs it with ghdl -r.

The waveform is written next to the source as <top>.vcd, .ghw or .fst depending on
the WaveOutputFormat bench setting. VCD output is followed live while the
simulation runs; the viewer (viewer.command) opens the file once it finished.`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

// synthCmd synthesizes a netlist
var synthCmd = &cobra.Command{
	Use:   "synth <file>",
	Short: "Synthesize the entity of <file> into a dot or Verilog netlist",
	Args:  cobra.ExactArgs(1),
	RunE:  runSynth,
}

// elaborateCmd stops after elaboration
var elaborateCmd = &cobra.Command{
	Use:   "elaborate <file>",
	Short: "Analyse the project and elaborate the entity of <file>",
	Args:  cobra.ExactArgs(1),
	RunE:  runElaborate,
}

// compileCmd runs the full FPGA flow
var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Compile the project toplevel to a bitstream with GHDL, Yosys and nextpnr",
	Long: `Converts the project TopEntity to Verilog (build/ghdl-output), synthesizes it with
Yosys, places and routes it with nextpnr and packs the bitstream into build/.

Requires oss_cad_suite.path and the fpga section of the configuration.`,
	Args: cobra.NoArgs,
	RunE: runCompile,
}

// withJob loads the project and prepares a job for the file argument.
func withJob(arg string, fn func(env *environment, job *ghdl.Job) error) error {
	proj, err := openProject()
	if err != nil {
		return err
	}
	file, err := sourceFile(proj, arg)
	if err != nil {
		return err
	}

	env, err := newEnvironment(proj)
	if err != nil {
		return err
	}
	defer env.close()

	job, err := env.ghdl.NewJob(proj, file)
	if err != nil {
		return err
	}
	return fn(env, job)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	return withJob(args[0], func(env *environment, job *ghdl.Job) error {
		return runOperation(job.Project.Abs(job.File), "Simulating "+job.File, func(ctx context.Context) error {
			res, err := env.ghdl.Simulate(ctx, job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Waveform: %s\n", res.WaveFile)
			return nil
		})
	})
}

func runSynth(cmd *cobra.Command, args []string) error {
	format := ghdl.OutputFormat(synthFormat)
	if _, err := format.Extension(); err != nil {
		return err
	}
	return withJob(args[0], func(env *environment, job *ghdl.Job) error {
		return runOperation(job.Project.Abs(job.File), "Synthesizing "+job.File, func(ctx context.Context) error {
			out, err := env.ghdl.Synth(ctx, job, format, synthDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Netlist: %s\n", out)
			return nil
		})
	})
}

func runElaborate(cmd *cobra.Command, args []string) error {
	return withJob(args[0], func(env *environment, job *ghdl.Job) error {
		return runOperation(job.Project.Abs(job.File), "Elaborating "+job.File, func(ctx context.Context) error {
			elab, err := env.ghdl.Elaborate(ctx, job)
			if err != nil {
				return err
			}
			logger.Info("elaboration complete",
				zap.String("unit", elab.Unit),
				zap.Strings("libraries", elab.Partition.Names()))
			fmt.Fprintf(cmd.OutOrStdout(), "Elaborated: %s\n", elab.Unit)
			return nil
		})
	})
}

func runCompile(cmd *cobra.Command, args []string) error {
	proj, err := openProject()
	if err != nil {
		return err
	}
	env, err := newEnvironment(proj)
	if err != nil {
		return err
	}
	defer env.close()

	return runOperation(proj.Path, "Compiling "+proj.Path, func(ctx context.Context) error {
		bit, err := env.toolchain().Compile(ctx, proj)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Bitstream: %s\n", bit)
		return nil
	})
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
