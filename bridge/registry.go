package bridge

import (
	"sync"
	"sync/atomic"

	"github.com/hupe1980/spellbridge/core"
)

// Stats are cumulative registry counters.
type Stats struct {
	InFlight  int    `json:"in_flight"`
	Resolved  uint64 `json:"resolved"`
	TimedOut  uint64 `json:"timed_out"`
	Cancelled uint64 `json:"cancelled"`
	// LateCompletions counts native results that arrived after the
	// operation was tombstoned and were discarded.
	LateCompletions uint64 `json:"late_completions"`
	// DroppedSignals counts every losing terminal signal, late completions
	// included.
	DroppedSignals uint64 `json:"dropped_signals"`
}

// Registry tracks in-flight operations and the per-engine in-flight slot.
//
// The lock only guards map membership. Resolution races are decided by the
// per-operation compare-and-swap in PendingOperation.finish, so a worker
// completing an operation never contends with unrelated operations.
type Registry struct {
	mu      sync.RWMutex
	ops     map[string]*PendingOperation
	engines map[string]string // engine id -> operation id

	resolved  atomic.Uint64
	timedOut  atomic.Uint64
	cancelled atomic.Uint64
	late      atomic.Uint64
	dropped   atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ops:     make(map[string]*PendingOperation),
		engines: make(map[string]string),
	}
}

// acquire inserts op and claims its engine's slot. A second operation for
// an engine whose slot is taken is rejected without touching the registry.
func (r *Registry) acquire(op *PendingOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	engineID := op.Engine.ID()
	if pending, busy := r.engines[engineID]; busy {
		return core.NewReentrantInvocationError(op.Engine.String(), pending)
	}
	r.engines[engineID] = op.ID
	r.ops[op.ID] = op
	return nil
}

// release frees the engine slot held by op once its result was delivered.
func (r *Registry) release(op *PendingOperation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.engines[op.Engine.ID()] == op.ID {
		delete(r.engines, op.Engine.ID())
	}
	if r.ops[op.ID] == op {
		delete(r.ops, op.ID)
	}
}

// resolve applies a terminal signal. The winner removes the operation from
// the map; a loser is counted and otherwise ignored.
func (r *Registry) resolve(op *PendingOperation, to State, out Outcome) bool {
	if !op.finish(to, out) {
		r.dropped.Add(1)
		if to == StateResolved {
			r.late.Add(1)
		}
		return false
	}
	switch to {
	case StateResolved:
		r.resolved.Add(1)
	case StateTimedOut:
		r.timedOut.Add(1)
	case StateCancelled:
		r.cancelled.Add(1)
	}

	r.mu.Lock()
	if r.ops[op.ID] == op {
		delete(r.ops, op.ID)
	}
	r.mu.Unlock()
	return true
}

// Lookup returns a live operation by id.
func (r *Registry) Lookup(id string) (*PendingOperation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[id]
	return op, ok
}

// ByEngine returns the operation id currently holding the engine's slot.
// The operation may already be terminal but not yet delivered.
func (r *Registry) ByEngine(engine core.EngineHandle) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.engines[engine.ID()]
	return id, ok
}

// Len returns the number of operations not yet terminal.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}

func (r *Registry) snapshot() []*PendingOperation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PendingOperation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op)
	}
	return out
}

// Stats returns a point-in-time copy of the counters.
func (r *Registry) Stats() Stats {
	return Stats{
		InFlight:        r.Len(),
		Resolved:        r.resolved.Load(),
		TimedOut:        r.timedOut.Load(),
		Cancelled:       r.cancelled.Load(),
		LateCompletions: r.late.Load(),
		DroppedSignals:  r.dropped.Load(),
	}
}
