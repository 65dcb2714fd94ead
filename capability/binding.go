package capability

import (
	"context"
	"strings"
	"time"

	"github.com/hupe1980/spellbridge/bridge"
	"github.com/hupe1980/spellbridge/core"
	"github.com/hupe1980/spellbridge/hook"
)

// Request is a script call as it arrives from a loosely typed VM. Args may
// be anything Marshal accepts.
type Request struct {
	Kind     string
	Target   string
	Args     any
	Deadline time.Duration
	EntityID string
	Metadata map[string]string
}

// Descriptor marshals r into an operation descriptor and validates it.
func (r Request) Descriptor() (core.OperationDescriptor, error) {
	args, err := Marshal(r.Args)
	if err != nil {
		return core.OperationDescriptor{}, err
	}
	desc := core.OperationDescriptor{
		Kind:     core.OperationKind(strings.ToLower(strings.TrimSpace(r.Kind))),
		Target:   r.Target,
		Args:     args,
		Deadline: r.Deadline,
		EntityID: r.EntityID,
		Metadata: r.Metadata,
	}
	if err := desc.Validate(); err != nil {
		return core.OperationDescriptor{}, err
	}
	return desc, nil
}

// Marshal converts a script payload into a core.Value. Unsupported shapes
// such as functions, channels or maps with non-string keys fail with
// InvalidOperationError.
func Marshal(x any) (core.Value, error) {
	v, err := core.FromAny(x)
	if err != nil {
		return core.Nil(), &core.Error{
			Code:    core.CodeInvalidOperation,
			Message: "unsupported payload: " + err.Error(),
			Err:     err,
		}
	}
	return v, nil
}

// Invoke marshals req and runs it through s with the blocking strategy.
func Invoke(ctx context.Context, s Surface, engine core.EngineHandle, req Request) (core.Value, error) {
	desc, err := req.Descriptor()
	if err != nil {
		return core.Nil(), err
	}
	return s.InvokeAsync(ctx, engine, desc)
}

// Binding is what an adapter receives from Bind. Its methods close over the
// adapter's engine handle so scripts never handle one.
type Binding struct {
	Context  context.Context
	Engine   core.EngineHandle
	Strategy Strategy
	Surface  Surface
}

// Invoke runs req for the bound engine and waits for its outcome.
func (b Binding) Invoke(ctx context.Context, req Request) (core.Value, error) {
	return Invoke(ctx, b.Surface, b.Engine, req)
}

// Begin starts req without waiting. It is only available to adapters bound
// with the cooperative strategy.
func (b Binding) Begin(ctx context.Context, req Request) (*bridge.Call, error) {
	cs, ok := b.Surface.(CooperativeSurface)
	if b.Strategy != Cooperative || !ok {
		return nil, core.NewInvalidOperationError(req.Target, "engine %s is bound with the %s strategy", b.Engine, b.Strategy)
	}
	desc, err := req.Descriptor()
	if err != nil {
		return nil, err
	}
	return cs.Begin(ctx, b.Engine, desc)
}

// On registers a handler for a hook point given by its script name.
func (b Binding) On(point string, ordinalHint int, h hook.Handler, opts ...hook.RegisterOption) (hook.ID, error) {
	p, err := hook.ParsePoint(point)
	if err != nil {
		return "", err
	}
	return b.Surface.RegisterHook(p, ordinalHint, h, opts...)
}

// Off removes a handler registered through On.
func (b Binding) Off(id hook.ID) bool { return b.Surface.UnregisterHook(id) }

// Emit raises a script_event.
func (b Binding) Emit(ctx context.Context, name string, payload any) error {
	v, err := Marshal(payload)
	if err != nil {
		return err
	}
	return b.Surface.EmitEvent(core.WithFrame(ctx, &core.Frame{EngineID: b.Engine.ID()}), name, v)
}

// Current returns the execution snapshot of ctx.
func (b Binding) Current(ctx context.Context) core.ExecutionContext {
	return b.Surface.CurrentContext(ctx)
}

// Bind validates a and hands it its Binding. A cooperative adapter needs a
// surface implementing CooperativeSurface.
func Bind(ctx context.Context, s Surface, a Adapter) error {
	if s == nil || a == nil {
		return core.NewInvalidOperationError("", "bind requires a surface and an adapter")
	}
	engine := a.Engine()
	if engine.IsZero() {
		return core.NewInvalidOperationError("", "adapter engine handle is not initialized")
	}
	strategy := a.Strategy()
	switch strategy {
	case Blocking:
	case Cooperative:
		if _, ok := s.(CooperativeSurface); !ok {
			return core.NewInvalidOperationError(engine.String(), "surface does not support cooperative suspension")
		}
	default:
		return core.NewInvalidOperationError(engine.String(), "unknown strategy %d", int(strategy))
	}
	return a.Bind(Binding{Context: ctx, Engine: engine, Strategy: strategy, Surface: s})
}
