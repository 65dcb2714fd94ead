// Package spellbridge is the runtime facade over the execution bridge. It
// wires configuration, logging, telemetry, the hook dispatcher and event bus,
// the provider mux (tools, memory, model vendors) and the durable sinks, and
// exposes the result as a capability.Surface that VM adapters bind to.
//
// Most applications:
//  1. create a Runtime with New, registering tools and model providers
//  2. bind one adapter per VM with Bind
//  3. build agents and workflows with NewAgent and NewWorkflow
//  4. Close the runtime on shutdown
package spellbridge

import (
	"context"
	"errors"
	"strings"

	"github.com/hupe1980/spellbridge/agent"
	"github.com/hupe1980/spellbridge/bridge"
	"github.com/hupe1980/spellbridge/capability"
	"github.com/hupe1980/spellbridge/config"
	"github.com/hupe1980/spellbridge/core"
	"github.com/hupe1980/spellbridge/hook"
	"github.com/hupe1980/spellbridge/logging"
	"github.com/hupe1980/spellbridge/memory"
	"github.com/hupe1980/spellbridge/provider/anthropic"
	"github.com/hupe1980/spellbridge/provider/openai"
	"github.com/hupe1980/spellbridge/sink/rabbitmq"
	"github.com/hupe1980/spellbridge/sink/redisstream"
	"github.com/hupe1980/spellbridge/telemetry"
	"github.com/hupe1980/spellbridge/tool"
	"github.com/hupe1980/spellbridge/workflow"
)

// Route mounts an extra provider on the runtime's mux. Tool operations
// raised through the surface are resolved against Options.Tools, so a
// route for core.OpTool only serves callers of Bridge directly.
type Route struct {
	Kind     core.OperationKind
	Prefix   string
	Provider bridge.Provider
}

// Options configures the Runtime.
type Options struct {
	// Config defaults to config.Default().
	Config config.Config

	// Tools are registered on the tool registry at construction.
	Tools []tool.Tool
	// MemoryStore backs the memory.* retrieval targets. Defaults to an
	// in-memory store.
	MemoryStore memory.Store

	// OpenAI and Anthropic serve openai/* and anthropic/* model targets
	// when set.
	OpenAI    *openai.Provider
	Anthropic *anthropic.Provider
	// Routes mount further providers; a route replaces a built-in one with
	// the same kind and prefix.
	Routes []Route

	// Subscribers are attached to the event bus at construction.
	Subscribers []hook.Subscriber

	// Logger defaults to a structured logger built from Config.Logging.
	Logger  logging.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Runtime is the assembled execution bridge.
type Runtime struct {
	opts       Options
	logger     logging.Logger
	bus        *hook.Bus
	dispatcher *hook.Dispatcher
	mux        *bridge.Mux
	bridge     *bridge.Bridge
	tools      *tool.Registry
	invoker    *tool.Invoker
	memory     memory.Store
	closers    []func() error
}

var _ capability.CooperativeSurface = (*Runtime)(nil)

// New builds a Runtime. Durable sinks configured in Config.Sinks are
// connected here; a sink that cannot connect fails construction.
func New(ctx context.Context, optFns ...func(o *Options)) (*Runtime, error) {
	opts := Options{
		Config:  config.Default(),
		Metrics: telemetry.NewNoopMetrics(),
		Tracer:  telemetry.NewNoopTracer(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		l, err := newLogger(opts.Config.Logging)
		if err != nil {
			return nil, err
		}
		opts.Logger = l
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	if opts.MemoryStore == nil {
		opts.MemoryStore = memory.NewInMemoryStore()
	}

	cfg := opts.Config
	r := &Runtime{opts: opts, logger: opts.Logger, memory: opts.MemoryStore}

	r.bus = hook.NewBus(func(o *hook.BusOptions) {
		o.QueueDepth = cfg.Events.QueueDepth
		o.Overflow = cfg.Events.Overflow
		o.RatePerSecond = cfg.Events.RatePerSecond
		o.Burst = cfg.Events.Burst
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
	})
	r.dispatcher = hook.NewDispatcher(func(o *hook.Options) {
		o.DefaultBudget = cfg.Hooks.DefaultBudget
		o.BudgetFraction = cfg.Hooks.BudgetFraction
		o.MinBudget = cfg.Hooks.MinBudget
		o.Breaker = hook.BreakerConfig{Threshold: cfg.Hooks.BreakerThreshold, Cooldown: cfg.Hooks.BreakerCooldown}
		o.Publisher = r.bus
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
		o.Tracer = opts.Tracer
	})

	tools, err := tool.NewRegistry(opts.Tools...)
	if err != nil {
		r.bus.Close()
		return nil, err
	}
	r.tools = tools

	r.mux = bridge.NewMux()
	r.mux.Handle(core.OpTool, "", tool.NewProvider(tools))
	r.mux.Handle(core.OpRetrieval, "memory.", memory.NewProvider(opts.MemoryStore))
	if opts.OpenAI != nil {
		r.mux.Handle(core.OpModel, openai.Prefix, opts.OpenAI)
	}
	if opts.Anthropic != nil {
		r.mux.Handle(core.OpModel, anthropic.Prefix, opts.Anthropic)
	}
	for _, rt := range opts.Routes {
		r.mux.Handle(rt.Kind, rt.Prefix, rt.Provider)
	}

	r.bridge = bridge.New(r.mux, func(o *bridge.Options) {
		o.Config = cfg.Bridge
		o.Dispatcher = r.dispatcher
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
		o.Tracer = opts.Tracer
	})
	r.invoker = tool.NewInvoker(tools, r.bridge, func(o *tool.InvokerOptions) {
		o.Dispatcher = r.dispatcher
		o.Logger = opts.Logger
	})

	for _, sub := range opts.Subscribers {
		if _, err := r.bus.Subscribe(sub); err != nil {
			_ = r.Close()
			return nil, err
		}
	}
	if err := r.openSinks(ctx); err != nil {
		_ = r.Close()
		return nil, err
	}

	r.logger.Info("spellbridge.started",
		"workers", cfg.Bridge.Workers,
		"tools", len(tools.Names()),
		"default_deadline", cfg.Bridge.DefaultDeadline.String(),
	)
	return r, nil
}

func newLogger(c config.LoggingConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewSlogLogger(level, c.Format, false).WithComponent("spellbridge"), nil
}

func (r *Runtime) openSinks(ctx context.Context) error {
	sinks := r.opts.Config.Sinks
	if sinks.Redis.Address != "" {
		s, err := redisstream.Open(ctx, sinks.Redis, func(o *redisstream.Options) { o.Logger = r.logger })
		if err != nil {
			return err
		}
		r.closers = append(r.closers, s.Close)
		if _, err := r.bus.Subscribe(s, hook.WithSubscriberName("redis")); err != nil {
			return err
		}
	}
	if sinks.RabbitMQ.URL != "" {
		s, err := rabbitmq.Dial(sinks.RabbitMQ, func(o *rabbitmq.Options) { o.Logger = r.logger })
		if err != nil {
			return err
		}
		r.closers = append(r.closers, s.Close)
		if _, err := r.bus.Subscribe(s, hook.WithSubscriberName("rabbitmq")); err != nil {
			return err
		}
	}
	return nil
}

// InvokeAsync implements capability.Surface. Tool descriptors go through
// the tool invoker, so they are validated against the registry and raise
// the tool hooks.
func (r *Runtime) InvokeAsync(ctx context.Context, engine core.EngineHandle, desc core.OperationDescriptor) (core.Value, error) {
	if desc.Kind == core.OpTool {
		inv, err := r.invoker.InvokeOperation(ctx, engine, desc)
		if err != nil {
			return core.Nil(), err
		}
		return inv.Result, nil
	}
	return r.bridge.InvokeAsync(ctx, engine, desc)
}

// Begin implements capability.CooperativeSurface. Tool descriptors are
// routed like in InvokeAsync.
func (r *Runtime) Begin(ctx context.Context, engine core.EngineHandle, desc core.OperationDescriptor) (*bridge.Call, error) {
	if desc.Kind == core.OpTool {
		_, call, err := r.invoker.Begin(ctx, engine, desc)
		return call, err
	}
	return r.bridge.Begin(ctx, engine, desc)
}

// RegisterHook implements capability.Surface.
func (r *Runtime) RegisterHook(point hook.Point, ordinalHint int, h hook.Handler, opts ...hook.RegisterOption) (hook.ID, error) {
	return r.dispatcher.Register(point, ordinalHint, h, opts...)
}

// UnregisterHook implements capability.Surface.
func (r *Runtime) UnregisterHook(id hook.ID) bool {
	return r.dispatcher.Unregister(id)
}

// EmitEvent raises a script_event carrying name as its "name" attribute.
func (r *Runtime) EmitEvent(ctx context.Context, name string, payload core.Value) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.NewInvalidOperationError("", "event name is empty")
	}
	r.dispatcher.Dispatch(ctx, hook.ScriptEvent, hook.Payload{
		Data:       payload,
		Attributes: map[string]string{"name": name},
	})
	return nil
}

// CurrentContext implements capability.Surface.
func (r *Runtime) CurrentContext(ctx context.Context) core.ExecutionContext {
	return core.CurrentContext(ctx)
}

// Bind hands adapter its binding to this runtime.
func (r *Runtime) Bind(ctx context.Context, adapter capability.Adapter) error {
	return capability.Bind(ctx, r, adapter)
}

// Subscribe attaches a subscriber to the event bus.
func (r *Runtime) Subscribe(sub hook.Subscriber, opts ...hook.SubscribeOption) (*hook.Subscription, error) {
	return r.bus.Subscribe(sub, opts...)
}

// CallTool runs a registered tool through the invoker, with tool hooks.
func (r *Runtime) CallTool(ctx context.Context, engine core.EngineHandle, name string, args core.Value) (core.Value, error) {
	return r.invoker.Call(ctx, engine, name, args)
}

// NewAgent creates an agent bridged through this runtime.
func (r *Runtime) NewAgent(name string, optFns ...func(o *agent.Options)) *agent.Agent {
	fns := append([]func(o *agent.Options){func(o *agent.Options) {
		o.Dispatcher = r.dispatcher
		o.Logger = r.logger
	}}, optFns...)
	return agent.New(name, r.bridge, fns...)
}

// NewWorkflow creates a workflow bridged through this runtime, with retry
// defaults from Config.Workflow. Tool steps run through the tool invoker.
func (r *Runtime) NewWorkflow(name string, steps []workflow.Step, optFns ...func(o *workflow.Options)) (*workflow.Workflow, error) {
	fns := append([]func(o *workflow.Options){func(o *workflow.Options) {
		o.Retry = workflow.RetryPolicyFromConfig(r.opts.Config.Workflow)
		o.Dispatcher = r.dispatcher
		o.Logger = r.logger
	}}, optFns...)
	return workflow.New(name, r, steps, fns...)
}

// Bridge returns the execution bridge.
func (r *Runtime) Bridge() *bridge.Bridge { return r.bridge }

// Dispatcher returns the hook dispatcher.
func (r *Runtime) Dispatcher() *hook.Dispatcher { return r.dispatcher }

// Mux returns the provider router, for mounting providers after New.
func (r *Runtime) Mux() *bridge.Mux { return r.mux }

// Tools returns the tool registry.
func (r *Runtime) Tools() *tool.Registry { return r.tools }

// Memory returns the retrieval store.
func (r *Runtime) Memory() memory.Store { return r.memory }

// Close cancels pending operations, stops the event bus and closes the
// sinks.
func (r *Runtime) Close() error {
	var errs []error
	if r.bridge != nil {
		errs = append(errs, r.bridge.Close())
	}
	r.bus.Close()
	for _, c := range r.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
