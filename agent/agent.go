package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/spellbridge/core"
	"github.com/hupe1980/spellbridge/hook"
	"github.com/hupe1980/spellbridge/logging"
)

// Bridge is the part of the execution bridge an agent drives.
type Bridge interface {
	InvokeAsync(ctx context.Context, engine core.EngineHandle, desc core.OperationDescriptor) (core.Value, error)
}

// Options configures an Agent.
type Options struct {
	// Model is the model target, for example "openai/gpt-4o-mini".
	Model string
	// Instruction is resolved per invocation and sent as "instructions".
	Instruction Instruction
	// Deadline bounds each model operation; zero uses the bridge default.
	Deadline time.Duration
	// Initializer runs during Initialize. A failure keeps the agent in created.
	Initializer func(ctx context.Context) error

	Dispatcher *hook.Dispatcher
	Logger     logging.Logger
}

// Agent is a named model-backed entity whose lifecycle is a validated
// state machine. An Agent is safe for concurrent use; concurrent Invoke
// calls are rejected by the transition table because only one may hold
// executing.
type Agent struct {
	id     string
	name   string
	bridge Bridge
	opts   Options

	mu    sync.Mutex
	state State
}

// New constructs an agent in the created state.
func New(name string, b Bridge, optFns ...func(o *Options)) *Agent {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Agent{
		id:     core.NewID(),
		name:   name,
		bridge: b,
		opts:   opts,
		state:  StateCreated,
	}
}

// ID returns the agent's unique id, used as the entity id of its events.
func (a *Agent) ID() string { return a.id }

// Name returns the human-readable name.
func (a *Agent) Name() string { return a.name }

// State returns the current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Initialize runs the initializer and moves created → ready.
func (a *Agent) Initialize(ctx context.Context) error {
	if err := a.expect(StateCreated, StateReady); err != nil {
		return err
	}
	if a.opts.Initializer != nil {
		if err := a.opts.Initializer(a.entityContext(ctx)); err != nil {
			a.opts.Logger.Warn("agent.init.failed", "agent", a.name, "agent_id", a.id, "error", err.Error())
			return err
		}
	}
	return a.transition(ctx, StateCreated, StateReady)
}

// Invoke runs one model operation for input on behalf of engine. The agent
// must be ready. before_agent_execution may veto, in which case the agent
// stays ready and Invoke fails with CancelledError. A failed operation
// leaves the agent in error.
func (a *Agent) Invoke(ctx context.Context, engine core.EngineHandle, input core.Value) (core.Value, error) {
	if err := a.expect(StateReady, StateExecuting); err != nil {
		return core.Nil(), err
	}
	if strings.TrimSpace(a.opts.Model) == "" {
		return core.Nil(), core.NewInvalidOperationError(a.id, "agent %s has no model target", a.name)
	}
	ctx = a.entityContext(ctx)
	attrs := map[string]string{"agent": a.name, "model": a.opts.Model}

	if veto := a.dispatch(ctx, hook.BeforeAgentExecution, input, attrs); veto != nil {
		return core.Nil(), core.NewCancelledError(a.id, "vetoed by before_agent_execution hook", veto)
	}

	instructions, err := a.opts.Instruction.Resolve(ctx, input)
	if err != nil {
		return core.Nil(), core.NewInvalidOperationError(a.id, "resolve instruction: %v", err)
	}

	if err := a.transition(ctx, StateReady, StateExecuting); err != nil {
		return core.Nil(), err
	}

	start := time.Now()
	result, err := a.bridge.InvokeAsync(ctx, engine, core.OperationDescriptor{
		Kind:     core.OpModel,
		Target:   a.opts.Model,
		Args:     modelArgs(input, instructions),
		Deadline: a.opts.Deadline,
		EntityID: a.id,
		Metadata: map[string]string{"agent": a.name},
	})
	dur := time.Since(start)

	afterAttrs := map[string]string{"agent": a.name, "model": a.opts.Model, "duration": formatDuration(dur)}
	if err != nil {
		if terr := a.transition(ctx, StateExecuting, StateError); terr != nil {
			return core.Nil(), terr
		}
		afterAttrs["error"] = err.Error()
		afterAttrs["error_code"] = string(core.CodeOf(err))
		a.dispatch(ctx, hook.AfterAgentExecution, core.Nil(), afterAttrs)
		a.opts.Logger.Warn("agent.invoke.failed", "agent", a.name, "agent_id", a.id, "duration_ms", dur.Milliseconds(), "error", err.Error())
		return core.Nil(), err
	}

	if terr := a.transition(ctx, StateExecuting, StateReady); terr != nil {
		return core.Nil(), terr
	}
	a.dispatch(ctx, hook.AfterAgentExecution, result, afterAttrs)
	a.opts.Logger.Info("agent.invoke.success", "agent", a.name, "agent_id", a.id, "duration_ms", dur.Milliseconds())
	return result, nil
}

// Terminate disposes the agent from ready or error.
func (a *Agent) Terminate(ctx context.Context) error {
	a.mu.Lock()
	from := a.state
	a.mu.Unlock()
	return a.transition(ctx, from, StateTerminated)
}

// expect checks the current state without changing it.
func (a *Agent) expect(from, to State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != from || !CanTransition(from, to) {
		return core.NewStateTransitionError(a.label(), a.state, to)
	}
	return nil
}

// transition moves from → to atomically and dispatches agent_state_changed.
func (a *Agent) transition(ctx context.Context, from, to State) error {
	a.mu.Lock()
	if a.state != from || !CanTransition(from, to) {
		current := a.state
		a.mu.Unlock()
		return core.NewStateTransitionError(a.label(), current, to)
	}
	a.state = to
	a.mu.Unlock()

	a.opts.Logger.Info("agent.state_changed", "agent", a.name, "agent_id", a.id, "from", from.String(), "to", to.String())
	a.dispatch(a.entityContext(ctx), hook.AgentStateChanged, core.NewObject(map[string]core.Value{
		"agent": core.NewString(a.name),
		"from":  core.NewString(from.String()),
		"to":    core.NewString(to.String()),
	}), map[string]string{"agent": a.name, "from": from.String(), "to": to.String()})
	return nil
}

func (a *Agent) dispatch(ctx context.Context, point hook.Point, data core.Value, attrs map[string]string) error {
	if a.opts.Dispatcher == nil {
		return nil
	}
	return a.opts.Dispatcher.Dispatch(ctx, point, hook.Payload{
		EntityID:   a.id,
		Data:       data,
		Attributes: attrs,
	}).Veto
}

func (a *Agent) entityContext(ctx context.Context) context.Context {
	if f, ok := core.FrameFrom(ctx); ok && f.EntityID == a.id {
		return ctx
	}
	return core.WithEntity(ctx, a.id)
}

func (a *Agent) label() string { return "agent:" + a.name }

// modelArgs builds {input, instructions}. An object input is passed through
// with instructions added unless it already carries them.
func modelArgs(input core.Value, instructions string) core.Value {
	if input.Kind() == core.KindObject {
		if _, ok := input.Get("instructions"); ok || instructions == "" {
			return input
		}
		return input.With("instructions", core.NewString(instructions))
	}
	args := map[string]core.Value{"input": input}
	if instructions != "" {
		args["instructions"] = core.NewString(instructions)
	}
	return core.NewObject(args)
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
