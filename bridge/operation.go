package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hupe1980/spellbridge/core"
	"github.com/hupe1980/spellbridge/telemetry"
)

// State is the lifecycle position of a PendingOperation.
type State int32

const (
	StateCreated State = iota
	StateDispatched
	StateResolved
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateDispatched:
		return "dispatched"
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a tombstone state.
func (s State) Terminal() bool { return s >= StateResolved }

// Outcome is the single resolution value of an operation.
type Outcome struct {
	Value core.Value
	Err   error
}

// PendingOperation is the bridge's record of one in-flight unit of native
// work tied to one script call.
type PendingOperation struct {
	ID         string
	Engine     core.EngineHandle
	Descriptor core.OperationDescriptor
	CreatedAt  time.Time
	// Deadline is absolute; zero means none.
	Deadline time.Time
	// Timeout is the relative deadline the operation was created with.
	Timeout time.Duration

	state   atomic.Int32
	done    chan struct{}
	outcome Outcome

	// task context handed to the provider; cancel signals detachment.
	ctx    context.Context
	cancel context.CancelFunc
	frame  *core.Frame

	// owned by the calling side, released by stopWatchers.
	timer   *time.Timer
	stopCtx func() bool
	span    telemetry.Span
}

func newPendingOperation(ctx context.Context, engine core.EngineHandle, desc core.OperationDescriptor, timeout time.Duration) *PendingOperation {
	now := time.Now()
	op := &PendingOperation{
		ID:         core.NewID(),
		Engine:     engine,
		Descriptor: desc,
		CreatedAt:  now,
		Timeout:    timeout,
		done:       make(chan struct{}),
	}
	if timeout > 0 {
		op.Deadline = now.Add(timeout)
	}

	op.frame = &core.Frame{
		EngineID:    engine.ID(),
		OperationID: op.ID,
		EntityID:    desc.EntityID,
		StartedAt:   now,
	}
	base := core.WithFrame(context.WithoutCancel(ctx), op.frame)
	if op.Deadline.IsZero() {
		op.ctx, op.cancel = context.WithCancel(base)
	} else {
		op.ctx, op.cancel = context.WithDeadline(base, op.Deadline)
	}
	return op
}

// State returns the current state.
func (op *PendingOperation) State() State { return State(op.state.Load()) }

// Done is closed once the operation reached a terminal state.
func (op *PendingOperation) Done() <-chan struct{} { return op.done }

// dispatch moves created → dispatched. It fails when the operation was
// already tombstoned (vetoed or cancelled before hand-off).
func (op *PendingOperation) dispatch() bool {
	return op.state.CompareAndSwap(int32(StateCreated), int32(StateDispatched))
}

// finish performs the terminal compare-and-swap. Only the winner stores the
// outcome and closes done; every other caller gets false and must drop its
// signal.
func (op *PendingOperation) finish(to State, out Outcome) bool {
	if !to.Terminal() {
		return false
	}
	for {
		cur := State(op.state.Load())
		if cur.Terminal() {
			return false
		}
		if op.state.CompareAndSwap(int32(cur), int32(to)) {
			break
		}
	}
	if out.Err != nil {
		out.Value = core.Nil()
	}
	op.outcome = out
	if to != StateResolved {
		op.frame.MarkCancelled()
	}
	close(op.done)
	op.cancel()
	return true
}

// result must only be called after done is closed.
func (op *PendingOperation) result() Outcome {
	<-op.done
	return op.outcome
}

func (op *PendingOperation) stopWatchers() {
	if op.timer != nil {
		op.timer.Stop()
	}
	if op.stopCtx != nil {
		op.stopCtx()
	}
}
