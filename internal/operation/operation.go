// Package operation tracks the simulate/synthesize actions in flight so the user
// can terminate them. At most one operation runs per key (normally a source file).
package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusy is returned when an operation is already running for a key.
	ErrBusy = errors.New("operation already in progress")

	// ErrCancelled reports that the user terminated the operation.
	ErrCancelled = errors.New("operation cancelled by user")

	// ErrTimeout reports that the operation outlived its deadline (--timeout).
	ErrTimeout = errors.New("operation timed out")
)

// State is the lifecycle state of an operation.
type State int32

const (
	StateRunning State = iota
	StateTerminated
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Operation is one tracked action. Its context is cancelled by Terminate, which
// kills the running tool.
type Operation struct {
	ID        string
	Key       string
	Status    string
	StartedAt time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	state   int32 // atomic State
	once    sync.Once
	release func()
}

// Context returns the context stages must run under.
func (o *Operation) Context() context.Context {
	return o.ctx
}

// Terminate cancels the operation. The invoker reports the running stage as
// failed once the tool has exited.
func (o *Operation) Terminate() {
	atomic.CompareAndSwapInt32(&o.state, int32(StateRunning), int32(StateTerminated))
	o.cancel()
}

// Terminated reports whether Terminate was called.
func (o *Operation) Terminated() bool {
	return o.State() == StateTerminated
}

// State returns the current state.
func (o *Operation) State() State {
	return State(atomic.LoadInt32(&o.state))
}

// Finish records the outcome and releases the key. A terminated operation stays
// terminated and always yields ErrCancelled; a failure after the deadline passed
// yields ErrTimeout.
func (o *Operation) Finish(err error) error {
	expired := errors.Is(o.ctx.Err(), context.DeadlineExceeded)
	o.once.Do(func() {
		next := StateCompleted
		if err != nil {
			next = StateFailed
		}
		atomic.CompareAndSwapInt32(&o.state, int32(StateRunning), int32(next))
		o.cancel()
		o.release()
	})

	switch {
	case o.Terminated():
		if err == nil || !errors.Is(err, ErrCancelled) {
			return ErrCancelled
		}
	case expired && err != nil && !errors.Is(err, ErrTimeout):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// Tracker holds the running operations.
type Tracker struct {
	mu     sync.Mutex
	active map[string]*Operation
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{active: make(map[string]*Operation)}
}

// Start begins an operation for key under parent. It fails with ErrBusy when one
// is already running for the same key.
func (t *Tracker) Start(parent context.Context, key, status string) (*Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if running, ok := t.active[key]; ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrBusy, key, running.Status)
	}

	ctx, cancel := context.WithCancel(parent)
	op := &Operation{
		ID:        uuid.NewString(),
		Key:       key,
		Status:    status,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	op.release = func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.active[key] == op {
			delete(t.active, key)
		}
	}
	t.active[key] = op
	return op, nil
}

// Active returns the running operations.
func (t *Tracker) Active() []*Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := make([]*Operation, 0, len(t.active))
	for _, op := range t.active {
		ops = append(ops, op)
	}
	return ops
}

// TerminateAll terminates every running operation.
func (t *Tracker) TerminateAll() int {
	ops := t.Active()
	for _, op := range ops {
		op.Terminate()
	}
	return len(ops)
}
