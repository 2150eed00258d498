package ghdl

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"ghdlflow/internal/library"
	"ghdlflow/internal/project"
	"ghdlflow/internal/testbench"
	"ghdlflow/internal/wave"

	"go.uber.org/zap"
)

// Job is a toolchain run for one project source file.
type Job struct {
	Project *project.Project

	// File is the project-relative source, e.g. "src/tb.vhd".
	File string

	// Bench holds the resolved test bench settings of File.
	Bench testbench.Settings
}

// Top returns the entity name ghdl elaborates for the job.
func (j *Job) Top() string {
	return project.EntityName(j.File)
}

// NewJob prepares a run for file (absolute or relative to the working directory)
// loading its test bench settings.
func (s *Service) NewJob(proj *project.Project, file string) (*Job, error) {
	rel, err := proj.Rel(file)
	if err != nil {
		return nil, err
	}
	bench, err := testbench.Load(proj.Abs(rel), s.validator)
	if err != nil {
		return nil, err
	}
	return &Job{
		Project: proj,
		File:    rel,
		Bench:   bench.Resolve(proj.VhdlStandard()),
	}, nil
}

// Elaboration is the outcome of a successful Elaborate.
type Elaboration struct {
	// Unit is the toplevel as passed to ghdl, with its library prefix.
	Unit string

	// Partition is the library split the stages were issued for.
	Partition *library.Partition

	// Options are the shared ghdl options (--std and additional options).
	Options []string

	sequence *Sequence
}

// Elaborate analyses the project and elaborates the job's toplevel:
//
//	-i <opts> <default files>
//	-i --work=<L> <opts> <L files>     for every named library, in order
//	-m <opts> <prefix><top>
//	-m --work=<L> <opts> <prefix><top> for every named library, in order
//	-e <opts> <prefix><top>
//
// Nothing after a failed stage is issued.
func (s *Service) Elaborate(ctx context.Context, job *Job) (*Elaboration, error) {
	files, err := job.Project.CompileFiles()
	if err != nil {
		return nil, err
	}
	if !contains(files, job.File) {
		s.logger.Error("No toplevel entity has been set", zap.String("file", job.File))
		return nil, fmt.Errorf("%w: %s is not a compiled project source", ErrNoToplevel, job.File)
	}

	part, err := s.resolver.Resolve(files, job.Project)
	if err != nil {
		s.logger.Error("invalid library configuration", zap.Error(err))
		return nil, err
	}

	opts := job.Bench.GhdlOptionArgs()
	unit := part.Prefix(job.File) + job.Top()
	seq := s.NewSequence(job.Project.Root)

	if err := seq.Run(ctx, StageInit, concat([]string{"-i"}, opts, part.Default), "GHDL Init..."); err != nil {
		return nil, err
	}
	for _, lib := range part.Libraries {
		err := seq.run(ctx, step{
			stage:   StageInit,
			library: lib.Name,
			args:    concat([]string{"-i", "--work=" + lib.Name}, opts, lib.Files),
			status:  fmt.Sprintf("GHDL Init for library %s...", lib.Name),
		})
		if err != nil {
			return nil, err
		}
	}

	if err := seq.Run(ctx, StageMake, concat([]string{"-m"}, opts, []string{unit}), "Running GHDL Make..."); err != nil {
		return nil, err
	}
	for _, lib := range part.Libraries {
		err := seq.run(ctx, step{
			stage:   StageMake,
			library: lib.Name,
			args:    concat([]string{"-m", "--work=" + lib.Name}, opts, []string{unit}),
			status:  fmt.Sprintf("Running GHDL Make for library %s...", lib.Name),
		})
		if err != nil {
			return nil, err
		}
	}

	if err := seq.Run(ctx, StageElaborate, concat([]string{"-e"}, opts, []string{unit}), "Running GHDL Elaboration..."); err != nil {
		return nil, err
	}

	return &Elaboration{Unit: unit, Partition: part, Options: opts, sequence: seq}, nil
}

// SimulationResult describes a finished simulation.
type SimulationResult struct {
	// WaveFile is the absolute path of the waveform.
	WaveFile string
	Format   WaveFormat
}

// WavePath returns the project-relative waveform path of a job: next to the
// source, named after the toplevel.
func WavePath(job *Job, format WaveFormat) string {
	return path.Join(path.Dir(job.File), job.Top()+format.Ext)
}

// Simulate elaborates and runs the job's toplevel. A VCD waveform is handed to
// the viewer for live streaming before the run; GHW and FST files are opened
// only after a successful run.
func (s *Service) Simulate(ctx context.Context, job *Job) (*SimulationResult, error) {
	format, err := ParseWaveFormat(job.Bench.WaveOutputFormat)
	if err != nil {
		return nil, err
	}

	elab, err := s.Elaborate(ctx, job)
	if err != nil {
		return nil, err
	}

	waveRel := WavePath(job, format)
	wavePath := job.Project.Abs(waveRel)
	s.allowWaveFiles(job.Project, format)

	viewerOpts := wave.Options{SaveFile: job.Bench.GtkwSaveFile, Args: job.Bench.GtkwWaveArgs}
	if format.Streams() && s.viewer != nil {
		if err := s.viewer.PrepareLiveStream(ctx, wavePath); err != nil {
			s.logger.Warn("failed to prepare live waveform", zap.String("path", wavePath), zap.Error(err))
		}
	}

	args := concat([]string{"-r"}, elab.Options, []string{elab.Unit, format.Argument(waveRel)}, job.Bench.SimulationArgs())
	runErr := elab.sequence.Run(ctx, StageRun, args, "Running GHDL Simulation...")

	if format.Streams() && s.viewer != nil {
		if err := s.viewer.Close(); err != nil {
			s.logger.Warn("failed to stop live waveform", zap.Error(err))
		}
	}
	if runErr != nil {
		return nil, runErr
	}
	elab.sequence.Finish()

	if s.viewer != nil {
		if err := s.viewer.Open(ctx, wavePath, viewerOpts); err != nil {
			s.logger.Warn("failed to open waveform", zap.String("path", wavePath), zap.Error(err))
		}
	}

	return &SimulationResult{WaveFile: wavePath, Format: format}, nil
}

// allowWaveFiles adds the waveform extension to the project Include allowlist.
func (s *Service) allowWaveFiles(proj *project.Project, format WaveFormat) {
	if !proj.AddInclude("*" + format.Ext) {
		return
	}
	if err := proj.Save(); err != nil {
		s.logger.Warn("failed to update project include list", zap.Error(err))
	}
}

// Synth elaborates the job's toplevel and synthesizes it into outDir as
// <top>.dot or <top>.v. It returns the netlist path. An empty outDir writes the
// netlist next to the source file; a relative one is taken from the project root.
func (s *Service) Synth(ctx context.Context, job *Job, format OutputFormat, outDir string) (string, error) {
	ext, err := format.Extension()
	if err != nil {
		return "", err
	}
	switch {
	case outDir == "":
		outDir = filepath.Dir(job.Project.Abs(job.File))
	case !filepath.IsAbs(outDir):
		outDir = filepath.Join(job.Project.Root, outDir)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	outFile := filepath.Join(outDir, job.Top()+ext)

	elab, err := s.Elaborate(ctx, job)
	if err != nil {
		return "", err
	}

	direct := s.SupportsDirectOutput(ctx)
	args := concat([]string{"--synth"}, elab.Options, []string{"--out=" + string(format)})
	if direct {
		args = append(args, "-o="+outFile)
	}
	args = append(args, elab.Unit)

	var netlist strings.Builder
	err = elab.sequence.run(ctx, step{
		stage:  StageSynth,
		args:   args,
		status: "Running GHDL Synth...",
		inv: invocation{
			stdout: func(line string) {
				if direct {
					s.output.WriteLine(line)
					return
				}
				netlist.WriteString(line)
				netlist.WriteByte('\n')
			},
			unlimited: !direct,
		},
	})
	if err != nil {
		return "", err
	}

	if !direct {
		if err := os.WriteFile(outFile, []byte(netlist.String()), 0644); err != nil {
			return "", fmt.Errorf("failed to write netlist: %w", err)
		}
	}
	elab.sequence.Finish()

	s.logger.Info("synthesis complete", zap.String("output", outFile), zap.Bool("direct", direct))
	return outFile, nil
}

func concat(parts ...[]string) []string {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]string, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
