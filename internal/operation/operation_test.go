package operation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_OnePerKey(t *testing.T) {
	tr := NewTracker()

	op, err := tr.Start(context.Background(), "src/tb.vhd", "Simulating tb")
	require.NoError(t, err)
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, StateRunning, op.State())

	_, err = tr.Start(context.Background(), "src/tb.vhd", "Simulating tb")
	assert.True(t, errors.Is(err, ErrBusy))

	other, err := tr.Start(context.Background(), "src/other.vhd", "Synth")
	require.NoError(t, err)
	assert.NotEqual(t, op.ID, other.ID)
	assert.Len(t, tr.Active(), 2)

	require.NoError(t, op.Finish(nil))
	assert.Equal(t, StateCompleted, op.State())
	assert.Len(t, tr.Active(), 1)

	_, err = tr.Start(context.Background(), "src/tb.vhd", "again")
	assert.NoError(t, err, "the key is free once the operation finished")
}

func TestOperation_Terminate(t *testing.T) {
	tr := NewTracker()
	op, err := tr.Start(context.Background(), "tb", "run")
	require.NoError(t, err)

	op.Terminate()
	assert.True(t, op.Terminated())
	assert.Error(t, op.Context().Err())

	// A stage that happened to exit cleanly still counts as cancelled.
	err = op.Finish(nil)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, StateTerminated, op.State())
}

func TestOperation_FinishWithError(t *testing.T) {
	tr := NewTracker()
	op, err := tr.Start(context.Background(), "tb", "run")
	require.NoError(t, err)

	stageErr := errors.New("stage failed")
	assert.Equal(t, stageErr, op.Finish(stageErr))
	assert.Equal(t, StateFailed, op.State())
	assert.Error(t, op.Context().Err(), "finishing releases the context")
	assert.Equal(t, "failed", op.State().String())
}

func TestTracker_TerminateAll(t *testing.T) {
	tr := NewTracker()
	a, _ := tr.Start(context.Background(), "a", "run")
	b, _ := tr.Start(context.Background(), "b", "run")

	assert.Equal(t, 2, tr.TerminateAll())
	assert.True(t, a.Terminated())
	assert.True(t, b.Terminated())
}

func TestOperation_ParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	op, err := NewTracker().Start(parent, "tb", "run")
	require.NoError(t, err)

	cancel()
	<-op.Context().Done()
	assert.False(t, op.Terminated(), "parent cancellation is not a user termination")
}

func TestOperation_DeadlineIsTimeout(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	op, err := NewTracker().Start(parent, "tb", "run")
	require.NoError(t, err)

	<-op.Context().Done()
	stageErr := fmt.Errorf("%w during make", ErrCancelled)
	err = op.Finish(stageErr)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, op.Terminated())
	assert.Equal(t, StateFailed, op.State())
}
