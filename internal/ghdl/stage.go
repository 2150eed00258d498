package ghdl

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Stage is a state of the toolchain sequence.
type Stage int

const (
	StageIdle Stage = iota
	StageInit
	StageMake
	StageElaborate
	StageRun
	StageSynth
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageInit:
		return "init"
	case StageMake:
		return "make"
	case StageElaborate:
		return "elaborate"
	case StageRun:
		return "run"
	case StageSynth:
		return "synth"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sequence issues ghdl stages strictly in order. The first failing stage moves
// the sequence to StageFailed and every later Run is refused.
type Sequence struct {
	svc     *Service
	workdir string
	state   Stage
	history []Stage
	failure error
}

// NewSequence starts an idle sequence running in workdir.
func (s *Service) NewSequence(workdir string) *Sequence {
	return &Sequence{svc: s, workdir: workdir, state: StageIdle}
}

// State returns the current state.
func (q *Sequence) State() Stage {
	return q.state
}

// History returns the stages issued so far, in order.
func (q *Sequence) History() []Stage {
	return append([]Stage(nil), q.history...)
}

// Err returns the failure that stopped the sequence.
func (q *Sequence) Err() error {
	return q.failure
}

// step describes one stage invocation.
type step struct {
	stage   Stage
	library string
	args    []string
	status  string
	inv     invocation
}

// Run issues one stage.
func (q *Sequence) Run(ctx context.Context, stage Stage, args []string, status string) error {
	return q.run(ctx, step{stage: stage, args: args, status: status})
}

func (q *Sequence) run(ctx context.Context, st step) error {
	if q.state == StageFailed {
		return fmt.Errorf("ghdl %s not started: %w", st.stage, q.failure)
	}
	if q.state == StageDone {
		return fmt.Errorf("ghdl %s not started: sequence already finished", st.stage)
	}
	if err := ctx.Err(); err != nil {
		return q.fail(fmt.Errorf("%w before %s", interruption(err), st.stage))
	}

	q.state = st.stage
	q.history = append(q.history, st.stage)

	inv := st.inv
	inv.args = st.args
	inv.workdir = q.workdir
	inv.status = st.status

	res, err := q.svc.execute(ctx, inv)
	if err != nil {
		return q.fail(err)
	}
	if err := ctx.Err(); err != nil {
		return q.fail(fmt.Errorf("%w during %s", interruption(err), st.stage))
	}
	if !res.Success {
		return q.fail(&StageError{
			Stage:    st.stage,
			Library:  st.library,
			Args:     st.args,
			ExitCode: res.ExitCode,
			Reason:   res.FailureReason(),
		})
	}
	return nil
}

// interruption maps a context error to the error reported for the stage.
func interruption(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrCancelled
}

// Finish marks a successful sequence as done.
func (q *Sequence) Finish() {
	if q.state != StageFailed {
		q.state = StageDone
	}
}

func (q *Sequence) fail(err error) error {
	q.svc.logger.Error("toolchain stage failed", zap.Stringer("stage", q.state), zap.Error(err))
	q.state = StageFailed
	q.failure = err
	return err
}
