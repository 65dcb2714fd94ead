package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/hupe1980/spellbridge/config"
	"github.com/hupe1980/spellbridge/core"
	"github.com/hupe1980/spellbridge/hook"
	"github.com/hupe1980/spellbridge/logging"
	"github.com/hupe1980/spellbridge/telemetry"
)

// Options configures a Bridge.
type Options struct {
	// Config sizes the executor and supplies the default deadline.
	Config config.BridgeConfig

	// Dispatcher receives before_operation and after_operation transitions.
	// Nil disables operation hooks.
	Dispatcher *hook.Dispatcher

	Logger  logging.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Bridge turns script calls into native operations. InvokeAsync parks the
// calling goroutine until the operation resolves; Begin returns a Call the
// driving loop polls.
type Bridge struct {
	provider Provider
	registry *Registry
	executor *Executor
	opts     Options

	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a bridge executing descriptors through provider.
func New(provider Provider, optFns ...func(o *Options)) *Bridge {
	opts := Options{
		Config:  config.Default().Bridge,
		Logger:  logging.NoOpLogger{},
		Metrics: telemetry.NewNoopMetrics(),
		Tracer:  telemetry.NewNoopTracer(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	return &Bridge{
		provider: provider,
		registry: NewRegistry(),
		executor: NewExecutor(opts.Config.Workers, opts.Config.QueueSize),
		opts:     opts,
	}
}

// Registry exposes the pending operation registry.
func (b *Bridge) Registry() *Registry { return b.registry }

// InvokeAsync runs desc on behalf of engine and blocks until it resolves,
// its deadline elapses, ctx is done or the operation is cancelled. Exactly
// one of the value or the error is meaningful.
func (b *Bridge) InvokeAsync(ctx context.Context, engine core.EngineHandle, desc core.OperationDescriptor) (core.Value, error) {
	op, err := b.start(ctx, engine, desc)
	if err != nil {
		return core.Nil(), err
	}
	<-op.Done()
	return b.deliver(ctx, op)
}

// Cancel aborts the operation with CancelledError. It reports false when
// the operation is unknown or already resolved.
func (b *Bridge) Cancel(operationID string) bool {
	op, ok := b.registry.Lookup(operationID)
	if !ok {
		return false
	}
	return b.registry.resolve(op, StateCancelled, Outcome{
		Err: core.NewCancelledError(op.ID, "cancelled by caller", nil),
	})
}

// CancelEngine cancels whatever operation holds engine's slot.
func (b *Bridge) CancelEngine(engine core.EngineHandle) bool {
	id, ok := b.registry.ByEngine(engine)
	if !ok {
		return false
	}
	return b.Cancel(id)
}

// InFlight returns the id of the call engine is waiting on.
func (b *Bridge) InFlight(engine core.EngineHandle) (string, bool) {
	return b.registry.ByEngine(engine)
}

// Stats returns registry counters.
func (b *Bridge) Stats() Stats { return b.registry.Stats() }

// Close cancels every pending operation and stops the workers. Providers
// still running see their context cancelled; their results are discarded.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		for _, op := range b.registry.snapshot() {
			b.registry.resolve(op, StateCancelled, Outcome{
				Err: core.NewCancelledError(op.ID, "bridge closed", nil),
			})
		}
		b.executor.Close()
	})
	return nil
}

// start validates desc, claims the engine slot, runs before_operation and
// hands the task to the executor.
func (b *Bridge) start(ctx context.Context, engine core.EngineHandle, desc core.OperationDescriptor) (*PendingOperation, error) {
	if engine.IsZero() {
		return nil, core.NewInvalidOperationError(desc.Target, "engine handle is not initialized")
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	provider := b.provider
	if r, ok := b.provider.(Router); ok {
		p, err := r.Route(desc)
		if err != nil {
			return nil, err
		}
		provider = p
	}
	if provider == nil {
		return nil, core.NewInvalidOperationError(desc.Target, "no provider for %s", desc)
	}
	if b.closed.Load() {
		return nil, core.NewCancelledError(desc.Target, "bridge closed", nil)
	}

	timeout := desc.Deadline
	if timeout == 0 {
		timeout = b.opts.Config.DefaultDeadline
	}

	op := newPendingOperation(ctx, engine, desc, timeout)
	if err := b.registry.acquire(op); err != nil {
		return nil, err
	}
	// Close may have swept the registry between the check above and
	// acquire. Once op is registered, a later Close is sure to see it.
	if b.closed.Load() {
		err := core.NewCancelledError(op.ID, "bridge closed", nil)
		b.registry.resolve(op, StateCancelled, Outcome{Err: err})
		op.stopWatchers()
		b.registry.release(op)
		return nil, err
	}
	_, op.span = b.opts.Tracer.Start(ctx, "bridge."+desc.String())

	b.opts.Logger.Debug("bridge.op.start",
		"operation_id", op.ID,
		"engine", engine.String(),
		"kind", string(desc.Kind),
		"target", desc.Target,
		"deadline", timeout.String(),
	)

	if veto := b.dispatchBefore(ctx, op); veto != nil {
		b.registry.resolve(op, StateCancelled, Outcome{
			Err: core.NewCancelledError(op.ID, "vetoed by before_operation hook", veto),
		})
		_, err := b.deliver(ctx, op)
		return nil, err
	}

	b.watch(ctx, op)
	if op.dispatch() {
		b.launch(op, provider)
	}
	return op, nil
}

// watch arms the deadline timer and the caller context. Both race the
// worker through the same terminal compare-and-swap.
func (b *Bridge) watch(ctx context.Context, op *PendingOperation) {
	if !op.Deadline.IsZero() {
		op.timer = time.AfterFunc(time.Until(op.Deadline), func() {
			b.registry.resolve(op, StateTimedOut, Outcome{Err: core.NewTimeoutError(op.ID, op.Timeout)})
		})
	}
	op.stopCtx = context.AfterFunc(ctx, func() {
		if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
			b.registry.resolve(op, StateTimedOut, Outcome{
				Err: core.NewTimeoutError(op.ID, time.Since(op.CreatedAt).Round(time.Millisecond)),
			})
			return
		}
		b.registry.resolve(op, StateCancelled, Outcome{
			Err: core.NewCancelledError(op.ID, "caller context done", context.Cause(ctx)),
		})
	})
}

func (b *Bridge) launch(op *PendingOperation, provider Provider) {
	task := func() { b.execute(op, provider) }
	if b.executor.TrySubmit(task) {
		return
	}
	// Queue full: wait for room without holding the caller.
	go func() {
		err := b.executor.Submit(task, op.Done())
		if errors.Is(err, ErrExecutorClosed) {
			b.registry.resolve(op, StateCancelled, Outcome{
				Err: core.NewCancelledError(op.ID, "bridge closed", err),
			})
		}
	}()
}

// execute runs on a worker.
func (b *Bridge) execute(op *PendingOperation, provider Provider) {
	if op.State().Terminal() {
		return
	}
	value, err := b.call(op, provider)
	if err != nil {
		err = core.NewNativeOperationError(op.ID, err)
	}
	if !b.registry.resolve(op, StateResolved, Outcome{Value: value, Err: err}) {
		b.opts.Logger.Debug("bridge.op.late_completion",
			"operation_id", op.ID,
			"target", op.Descriptor.Target,
			"state", op.State().String(),
		)
	}
}

func (b *Bridge) call(op *PendingOperation, provider Provider) (value core.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.opts.Logger.Error("bridge.op.panic",
				"operation_id", op.ID,
				"target", op.Descriptor.Target,
				"panic", fmt.Sprint(r),
				"stack_trace", string(debug.Stack()),
			)
			value, err = core.Nil(), fmt.Errorf("provider panicked: %v", r)
		}
	}()
	return provider.Execute(op.ctx, op.Descriptor)
}

// deliver hands the single outcome of a terminal operation to its caller.
// It frees the engine slot, runs after_operation and records telemetry.
func (b *Bridge) deliver(ctx context.Context, op *PendingOperation) (core.Value, error) {
	op.stopWatchers()
	out := op.result()
	b.registry.release(op)

	b.dispatchAfter(ctx, op, out)
	b.record(op, out)
	return out.Value, out.Err
}

func (b *Bridge) hookContext(ctx context.Context, op *PendingOperation) (context.Context, context.CancelFunc) {
	hctx := core.WithFrame(ctx, op.frame)
	if op.Deadline.IsZero() {
		return context.WithCancel(hctx)
	}
	return context.WithDeadline(hctx, op.Deadline)
}

func (b *Bridge) dispatchBefore(ctx context.Context, op *PendingOperation) error {
	if b.opts.Dispatcher == nil {
		return nil
	}
	hctx, cancel := b.hookContext(ctx, op)
	defer cancel()

	out := b.opts.Dispatcher.Dispatch(hctx, hook.BeforeOperation, hook.Payload{
		EntityID:    op.Descriptor.EntityID,
		OperationID: op.ID,
		Data:        op.Descriptor.Args,
		Attributes:  operationAttrs(op),
	})
	return out.Veto
}

func (b *Bridge) dispatchAfter(ctx context.Context, op *PendingOperation, out Outcome) {
	if b.opts.Dispatcher == nil {
		return
	}
	// The caller may be gone already; observers still see the outcome.
	hctx := core.WithFrame(context.WithoutCancel(ctx), op.frame)

	attrs := operationAttrs(op)
	attrs["outcome"] = op.State().String()
	data := map[string]core.Value{
		"state": core.NewString(op.State().String()),
	}
	if out.Err != nil {
		attrs["error"] = out.Err.Error()
		attrs["error_code"] = string(core.CodeOf(out.Err))
		data["error"] = core.NewString(out.Err.Error())
	} else {
		data["result"] = out.Value
	}
	b.opts.Dispatcher.Dispatch(hctx, hook.AfterOperation, hook.Payload{
		EntityID:    op.Descriptor.EntityID,
		OperationID: op.ID,
		Data:        core.NewObject(data),
		Attributes:  attrs,
	})
}

func operationAttrs(op *PendingOperation) map[string]string {
	attrs := map[string]string{
		"kind":   string(op.Descriptor.Kind),
		"target": op.Descriptor.Target,
		"engine": op.Engine.ID(),
	}
	for k, v := range op.Descriptor.Metadata {
		if _, reserved := attrs[k]; !reserved {
			attrs[k] = v
		}
	}
	return attrs
}

func (b *Bridge) record(op *PendingOperation, out Outcome) {
	dur := time.Since(op.CreatedAt)
	tags := []string{"kind", string(op.Descriptor.Kind)}

	outcome := op.State().String()
	metric := telemetry.MetricOperationResolved
	switch op.State() {
	case StateTimedOut:
		metric = telemetry.MetricOperationTimedOut
	case StateCancelled:
		metric = telemetry.MetricOperationCancelled
	default:
		if out.Err != nil {
			outcome = "failed"
			metric = telemetry.MetricOperationFailed
		}
	}
	b.opts.Metrics.IncCounter(metric, 1, tags...)
	b.opts.Metrics.RecordTimer(telemetry.MetricOperationDuration, dur, tags...)
	b.opts.Metrics.RecordGauge(telemetry.MetricOperationsInFlight, float64(b.registry.Len()))

	if out.Err != nil {
		op.span.RecordError(out.Err)
		op.span.SetStatus(codes.Error, outcome)
		b.opts.Logger.Warn("bridge.op."+outcome,
			"operation_id", op.ID,
			"target", op.Descriptor.Target,
			"duration_ms", dur.Milliseconds(),
			"error", out.Err.Error(),
		)
	} else {
		op.span.SetStatus(codes.Ok, outcome)
		b.opts.Logger.Debug("bridge.op.resolved",
			"operation_id", op.ID,
			"target", op.Descriptor.Target,
			"duration_ms", dur.Milliseconds(),
		)
	}
	op.span.End()
}
