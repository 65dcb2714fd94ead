package bridge

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/hupe1980/spellbridge/core"
)

// ErrPending is returned by Call.Poll while the operation is unresolved.
var ErrPending = errors.New("bridge: operation pending")

// Call is the handle of a cooperatively suspended operation. The scripting
// VM's own loop owns it: it yields after Begin and resumes the suspended
// coroutine once Poll stops returning ErrPending. The bridge never polls.
type Call struct {
	bridge    *Bridge
	op        *PendingOperation
	ctx       context.Context
	delivered atomic.Bool
	then      []func(core.Value, error) (core.Value, error)
}

// Begin starts desc without waiting for it. ctx bounds the operation like
// it does for InvokeAsync. The engine slot stays claimed until Poll has
// delivered the outcome.
func (b *Bridge) Begin(ctx context.Context, engine core.EngineHandle, desc core.OperationDescriptor) (*Call, error) {
	op, err := b.start(ctx, engine, desc)
	if err != nil {
		return nil, err
	}
	return &Call{bridge: b, op: op, ctx: ctx}, nil
}

// ID returns the pending operation id.
func (c *Call) ID() string { return c.op.ID }

// Done is closed once the operation reached a terminal state. A loop may
// select on it instead of re-polling on a schedule.
func (c *Call) Done() <-chan struct{} { return c.op.Done() }

// Poll never blocks. It returns ErrPending until the operation resolves,
// then the outcome exactly once. Polling again after delivery is an
// InvalidOperationError.
func (c *Call) Poll() (core.Value, error) {
	select {
	case <-c.op.Done():
	default:
		return core.Nil(), ErrPending
	}
	if !c.delivered.CompareAndSwap(false, true) {
		return core.Nil(), core.NewInvalidOperationError(c.op.ID, "result already delivered")
	}
	v, err := c.bridge.deliver(c.ctx, c.op)
	for _, fn := range c.then {
		v, err = fn(v, err)
	}
	return v, err
}

// Then appends fn to the chain applied to the outcome when Poll delivers
// it. Chain before handing the call to the driving loop; Then is not safe
// to call concurrently with Poll.
func (c *Call) Then(fn func(core.Value, error) (core.Value, error)) *Call {
	c.then = append(c.then, fn)
	return c
}

// Cancel aborts the operation; see Bridge.Cancel.
func (c *Call) Cancel() bool { return c.bridge.Cancel(c.op.ID) }
