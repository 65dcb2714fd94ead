package capability

import (
	"context"

	"github.com/hupe1980/spellbridge/bridge"
	"github.com/hupe1980/spellbridge/core"
	"github.com/hupe1980/spellbridge/hook"
)

// Surface is the language-neutral set of operations exposed to scripts.
type Surface interface {
	// InvokeAsync runs a native operation and parks the caller until it
	// resolves. Scripts observe a plain call returning a value or raising.
	InvokeAsync(ctx context.Context, engine core.EngineHandle, desc core.OperationDescriptor) (core.Value, error)

	RegisterHook(point hook.Point, ordinalHint int, h hook.Handler, opts ...hook.RegisterOption) (hook.ID, error)
	UnregisterHook(id hook.ID) bool

	// EmitEvent raises a script_event transition named name.
	EmitEvent(ctx context.Context, name string, payload core.Value) error

	CurrentContext(ctx context.Context) core.ExecutionContext
}

// CooperativeSurface is implemented by surfaces able to suspend a call
// without parking a goroutine.
type CooperativeSurface interface {
	Surface
	Begin(ctx context.Context, engine core.EngineHandle, desc core.OperationDescriptor) (*bridge.Call, error)
}

// Strategy is how a VM waits for native work.
type Strategy int

const (
	// Blocking parks the VM's goroutine until the operation resolves.
	Blocking Strategy = iota
	// Cooperative returns a Call the VM's own loop polls after yielding.
	Cooperative
)

func (s Strategy) String() string {
	switch s {
	case Blocking:
		return "blocking"
	case Cooperative:
		return "cooperative"
	default:
		return "unknown"
	}
}

// Adapter binds one VM instance to the runtime.
type Adapter interface {
	// Engine identifies the VM. It must be stable for the adapter's lifetime.
	Engine() core.EngineHandle
	// Strategy declares the suspension strategy. Blocking unless the VM
	// can drive a Call from its own scheduler.
	Strategy() Strategy
	// Bind installs the script-facing functions. It runs once per VM.
	Bind(b Binding) error
}
