package tool

import (
	"time"

	"github.com/hupe1980/spellbridge/core"
)

// InvocationState is the position of a tool invocation in its lifecycle.
type InvocationState int

const (
	InvocationPending InvocationState = iota
	InvocationRunning
	InvocationSucceeded
	InvocationFailed
	InvocationCancelled
)

func (s InvocationState) String() string {
	switch s {
	case InvocationPending:
		return "pending"
	case InvocationRunning:
		return "running"
	case InvocationSucceeded:
		return "succeeded"
	case InvocationFailed:
		return "failed"
	case InvocationCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var invocationTransitions = map[InvocationState][]InvocationState{
	InvocationPending: {InvocationRunning, InvocationFailed, InvocationCancelled},
	InvocationRunning: {InvocationSucceeded, InvocationFailed, InvocationCancelled},
}

// Invocation is the transient record of one tool call. It lives for one
// bridge round-trip and is never persisted.
type Invocation struct {
	ID        string
	Tool      string
	Args      core.Value
	State     InvocationState
	Result    core.Value
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

func newInvocation(name string, args core.Value) *Invocation {
	return &Invocation{
		ID:        core.NewID(),
		Tool:      name,
		Args:      args,
		State:     InvocationPending,
		StartedAt: time.Now(),
	}
}

func (inv *Invocation) transition(to InvocationState) error {
	for _, allowed := range invocationTransitions[inv.State] {
		if allowed == to {
			inv.State = to
			if to != InvocationRunning {
				inv.Duration = time.Since(inv.StartedAt)
			}
			return nil
		}
	}
	return core.NewStateTransitionError("tool:"+inv.ID, inv.State, to)
}

// fail records err and moves to the matching terminal state.
func (inv *Invocation) fail(err error) error {
	inv.Err = err
	to := InvocationFailed
	if core.CodeOf(err) == core.CodeCancelled {
		to = InvocationCancelled
	}
	if terr := inv.transition(to); terr != nil {
		return terr
	}
	return err
}
