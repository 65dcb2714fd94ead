package core

import (
	"context"
	"sync/atomic"
	"time"
)

// EngineHandle is the opaque identity of one scripting VM instance. It is
// created by the adapter that owns the VM and only borrowed by the bridge for
// the duration of a call. Handles compare by ID.
type EngineHandle struct {
	id   string
	name string
}

// NewEngineHandle allocates a handle with a fresh identity. name is a label
// for logs ("lua", "js-worker-3") and need not be unique.
func NewEngineHandle(name string) EngineHandle {
	return EngineHandle{id: NewID(), name: name}
}

func (h EngineHandle) ID() string   { return h.id }
func (h EngineHandle) Name() string { return h.name }

// IsZero reports whether h was never allocated through NewEngineHandle.
func (h EngineHandle) IsZero() bool { return h.id == "" }

func (h EngineHandle) String() string {
	if h.name == "" {
		return h.id
	}
	return h.name + "/" + h.id
}

// ExecutionContext is the read-only snapshot handed to in-flight hook
// handlers through CurrentContext.
type ExecutionContext struct {
	EngineID    string        `json:"engine_id,omitempty"`
	OperationID string        `json:"operation_id,omitempty"`
	EntityID    string        `json:"entity_id,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Elapsed     time.Duration `json:"elapsed"`
	Cancelled   bool          `json:"cancelled"`
}

// Frame is the mutable per-call record the bridge and the state machines
// attach to a context. Snapshot turns it into an ExecutionContext.
type Frame struct {
	EngineID    string
	OperationID string
	EntityID    string
	StartedAt   time.Time
	cancelled   atomic.Bool
}

// MarkCancelled flips the cancellation flag seen by later snapshots.
func (f *Frame) MarkCancelled() { f.cancelled.Store(true) }

type frameKey struct{}

// WithFrame derives a context carrying f. Fields left empty in f are
// inherited from a frame already present on ctx.
func WithFrame(ctx context.Context, f *Frame) context.Context {
	if parent, ok := ctx.Value(frameKey{}).(*Frame); ok {
		if f.EngineID == "" {
			f.EngineID = parent.EngineID
		}
		if f.OperationID == "" {
			f.OperationID = parent.OperationID
		}
		if f.EntityID == "" {
			f.EntityID = parent.EntityID
		}
		if f.StartedAt.IsZero() {
			f.StartedAt = parent.StartedAt
		}
		if parent.cancelled.Load() {
			f.cancelled.Store(true)
		}
	}
	if f.StartedAt.IsZero() {
		f.StartedAt = time.Now()
	}
	return context.WithValue(ctx, frameKey{}, f)
}

// FrameFrom returns the innermost frame on ctx, if any.
func FrameFrom(ctx context.Context) (*Frame, bool) {
	f, ok := ctx.Value(frameKey{}).(*Frame)
	return f, ok
}

// WithEntity attaches an entity id to ctx, keeping any enclosing frame data.
func WithEntity(ctx context.Context, entityID string) context.Context {
	return WithFrame(ctx, &Frame{EntityID: entityID})
}

// CurrentContext snapshots the frame carried by ctx. Without a frame it
// returns a zero snapshot whose Cancelled flag mirrors ctx.Err.
func CurrentContext(ctx context.Context) ExecutionContext {
	f, ok := FrameFrom(ctx)
	if !ok {
		return ExecutionContext{Cancelled: ctx.Err() != nil}
	}
	return ExecutionContext{
		EngineID:    f.EngineID,
		OperationID: f.OperationID,
		EntityID:    f.EntityID,
		StartedAt:   f.StartedAt,
		Elapsed:     time.Since(f.StartedAt),
		Cancelled:   f.cancelled.Load() || ctx.Err() != nil,
	}
}
