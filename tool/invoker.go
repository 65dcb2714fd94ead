package tool

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/spellbridge/bridge"
	"github.com/hupe1980/spellbridge/core"
	"github.com/hupe1980/spellbridge/hook"
	"github.com/hupe1980/spellbridge/logging"
)

// Bridge is the part of the execution bridge the invoker drives.
type Bridge interface {
	InvokeAsync(ctx context.Context, engine core.EngineHandle, desc core.OperationDescriptor) (core.Value, error)
}

// CooperativeBridge is a Bridge that can also start operations without
// parking the caller.
type CooperativeBridge interface {
	Bridge
	Begin(ctx context.Context, engine core.EngineHandle, desc core.OperationDescriptor) (*bridge.Call, error)
}

// InvokerOptions configures an Invoker.
type InvokerOptions struct {
	// Dispatcher receives before_tool_call, tool_error and after_tool_call.
	Dispatcher *hook.Dispatcher
	// Deadline applied to tool operations that carry none; zero uses the
	// bridge default.
	Deadline time.Duration
	Logger   logging.Logger
}

// Invoker drives tool invocations: it validates, dispatches the tool hooks
// and hands the work to the bridge.
type Invoker struct {
	tools  *Registry
	bridge Bridge
	opts   InvokerOptions
}

// NewInvoker creates an invoker for tools running through b.
func NewInvoker(tools *Registry, b Bridge, optFns ...func(o *InvokerOptions)) *Invoker {
	opts := InvokerOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Invoker{tools: tools, bridge: b, opts: opts}
}

// Call invokes the named tool and returns its result.
func (i *Invoker) Call(ctx context.Context, engine core.EngineHandle, name string, args core.Value) (core.Value, error) {
	inv, err := i.Invoke(ctx, engine, name, args)
	if err != nil {
		return core.Nil(), err
	}
	return inv.Result, nil
}

// Invoke runs one tool invocation and returns its record. Malformed
// invocations fail with InvalidOperationError before any hook or bridge
// work. A before_tool_call veto fails with CancelledError.
func (i *Invoker) Invoke(ctx context.Context, engine core.EngineHandle, name string, args core.Value) (*Invocation, error) {
	return i.InvokeOperation(ctx, engine, core.OperationDescriptor{Kind: core.OpTool, Target: name, Args: args})
}

// InvokeOperation is Invoke for a tool descriptor raised by a script. The
// descriptor's deadline and metadata are kept; its entity becomes the
// invocation.
func (i *Invoker) InvokeOperation(ctx context.Context, engine core.EngineHandle, desc core.OperationDescriptor) (*Invocation, error) {
	call, err := i.prepare(ctx, engine, desc)
	if err != nil {
		return call.inv, err
	}
	result, err := i.bridge.InvokeAsync(call.ctx, engine, call.desc)
	return call.inv, i.finish(call, result, err)
}

// Begin is the cooperative form of InvokeOperation. Validation and
// before_tool_call run before it returns; tool_error and after_tool_call
// run when the returned call delivers its outcome.
func (i *Invoker) Begin(ctx context.Context, engine core.EngineHandle, desc core.OperationDescriptor) (*Invocation, *bridge.Call, error) {
	cb, ok := i.bridge.(CooperativeBridge)
	if !ok {
		return nil, nil, core.NewInvalidOperationError(desc.Target, "bridge does not support cooperative calls")
	}
	call, err := i.prepare(ctx, engine, desc)
	if err != nil {
		return call.inv, nil, err
	}
	c, err := cb.Begin(call.ctx, engine, call.desc)
	if err != nil {
		return call.inv, nil, i.finish(call, core.Nil(), err)
	}
	c.Then(func(v core.Value, err error) (core.Value, error) {
		if err := i.finish(call, v, err); err != nil {
			return core.Nil(), err
		}
		return v, nil
	})
	return call.inv, c, nil
}

// toolCall carries one invocation from prepare to finish.
type toolCall struct {
	ctx   context.Context
	inv   *Invocation
	desc  core.OperationDescriptor
	attrs map[string]string
}

func (i *Invoker) prepare(ctx context.Context, engine core.EngineHandle, desc core.OperationDescriptor) (*toolCall, error) {
	inv := newInvocation(desc.Target, desc.Args)
	call := &toolCall{inv: inv}

	if err := i.validate(engine, desc); err != nil {
		return call, inv.fail(err)
	}

	call.ctx = core.WithEntity(ctx, inv.ID)
	call.attrs = map[string]string{"tool": desc.Target, "invocation_id": inv.ID}

	if veto := i.dispatch(call.ctx, hook.BeforeToolCall, inv, desc.Args, call.attrs); veto != nil {
		i.opts.Logger.Info("tool.call.vetoed", "tool", desc.Target, "invocation_id", inv.ID, "error", veto.Error())
		return call, inv.fail(core.NewCancelledError(inv.ID, "vetoed by before_tool_call hook", veto))
	}
	if err := inv.transition(InvocationRunning); err != nil {
		return call, err
	}

	meta := make(map[string]string, len(desc.Metadata)+3)
	for k, v := range desc.Metadata {
		meta[k] = v
	}
	if desc.EntityID != "" {
		meta["caller_entity"] = desc.EntityID
	}
	meta["tool"] = desc.Target
	meta["invocation_id"] = inv.ID

	deadline := desc.Deadline
	if deadline == 0 {
		deadline = i.opts.Deadline
	}
	call.desc = core.OperationDescriptor{
		Kind:     core.OpTool,
		Target:   desc.Target,
		Args:     desc.Args,
		Deadline: deadline,
		EntityID: inv.ID,
		Metadata: meta,
	}
	return call, nil
}

// finish records the bridge outcome and dispatches the closing hooks. The
// caller may be gone by now; observers still see the outcome.
func (i *Invoker) finish(call *toolCall, result core.Value, err error) error {
	inv := call.inv
	ctx := context.WithoutCancel(call.ctx)
	if err != nil {
		errAttrs := cloneAttrs(call.attrs)
		errAttrs["error"] = err.Error()
		errAttrs["error_code"] = string(core.CodeOf(err))
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			errAttrs["tool_error_code"] = toolErr.Code
		}
		i.dispatch(ctx, hook.ToolError, inv, core.NewObject(map[string]core.Value{
			"error": core.NewString(err.Error()),
			"code":  core.NewString(string(core.CodeOf(err))),
		}), errAttrs)
		i.opts.Logger.Warn("tool.call.error", "tool", inv.Tool, "invocation_id", inv.ID, "error", err.Error())

		failure := inv.fail(err)
		i.dispatch(ctx, hook.AfterToolCall, inv, core.Nil(), withOutcome(call.attrs, inv.State))
		return failure
	}

	inv.Result = result
	if err := inv.transition(InvocationSucceeded); err != nil {
		return err
	}
	i.dispatch(ctx, hook.AfterToolCall, inv, result, withOutcome(call.attrs, inv.State))
	i.opts.Logger.Debug("tool.call.success", "tool", inv.Tool, "invocation_id", inv.ID, "duration_ms", inv.Duration.Milliseconds())
	return nil
}

func (i *Invoker) validate(engine core.EngineHandle, desc core.OperationDescriptor) error {
	name := desc.Target
	if desc.Kind != core.OpTool {
		return core.NewInvalidOperationError(name, "not a tool operation: kind %q", desc.Kind)
	}
	if err := desc.Validate(); err != nil {
		return err
	}
	if engine.IsZero() {
		return core.NewInvalidOperationError(name, "engine handle is not initialized")
	}
	if _, ok := i.tools.Get(name); !ok {
		return core.NewInvalidOperationError(name, "unknown tool %q", name)
	}
	m, err := argsMap(desc.Args)
	if err != nil {
		return core.NewInvalidOperationError(name, "%v", err)
	}
	if err := i.tools.Validate(name, m); err != nil {
		return &core.Error{Code: core.CodeInvalidOperation, Op: name, Message: err.Error(), Err: err}
	}
	return nil
}

func (i *Invoker) dispatch(ctx context.Context, point hook.Point, inv *Invocation, data core.Value, attrs map[string]string) error {
	if i.opts.Dispatcher == nil {
		return nil
	}
	out := i.opts.Dispatcher.Dispatch(ctx, point, hook.Payload{
		EntityID:   inv.ID,
		Data:       data,
		Attributes: attrs,
	})
	return out.Veto
}

func withOutcome(attrs map[string]string, s InvocationState) map[string]string {
	out := cloneAttrs(attrs)
	out["outcome"] = s.String()
	return out
}

func cloneAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs)+2)
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
