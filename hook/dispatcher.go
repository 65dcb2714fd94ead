package hook

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/hupe1980/spellbridge/core"
	"github.com/hupe1980/spellbridge/logging"
	"github.com/hupe1980/spellbridge/telemetry"
)

// Publisher receives the event produced by each dispatch. *Bus implements it.
type Publisher interface {
	Publish(evt Event)
}

// Options configures a Dispatcher.
type Options struct {
	// DefaultBudget bounds a handler when no other budget applies.
	DefaultBudget time.Duration
	// BudgetFraction of the remaining enclosing deadline given to a handler.
	BudgetFraction float64
	// MinBudget floors the fraction-derived budget.
	MinBudget time.Duration
	// Breaker guards every handler unless its registration overrides it.
	Breaker BreakerConfig

	// Publisher receives events. Nil drops them.
	Publisher Publisher

	Logger  logging.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Payload is the transition description handed to Dispatch. Empty ids are
// filled from the execution frame on ctx.
type Payload struct {
	EntityID    string
	OperationID string
	Data        core.Value
	Attributes  map[string]string
}

// Outcome summarizes one dispatch.
type Outcome struct {
	// Event is the record published to subscribers.
	Event Event
	// Veto is non-nil when a handler at a vetoable point failed. It is a
	// HookFailureError wrapping the handler's error.
	Veto error
	// Failures lists every HookTimeoutError and HookFailureError recorded.
	Failures []error
	// Skipped lists handlers not run because their breaker is open.
	Skipped []ID
}

// Vetoed reports whether the transition must not proceed.
func (o Outcome) Vetoed() bool { return o.Veto != nil }

// Dispatcher invokes handlers for lifecycle points and turns every
// transition into an Event. A Dispatcher is an explicit instance owned by a
// runtime and passed to the state machines that use it; independent
// dispatchers never share registrations.
type Dispatcher struct {
	registry *Registry
	opts     Options

	mu       sync.Mutex
	breakers map[ID]*breaker
}

// NewDispatcher creates a dispatcher with its own registry.
func NewDispatcher(optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		DefaultBudget:  100 * time.Millisecond,
		BudgetFraction: 0.1,
		MinBudget:      5 * time.Millisecond,
		Breaker:        BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second},
		Logger:         logging.NoOpLogger{},
		Metrics:        telemetry.NewNoopMetrics(),
		Tracer:         telemetry.NewNoopTracer(),
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
	return &Dispatcher{registry: NewRegistry(), opts: opts, breakers: make(map[ID]*breaker)}
}

// Registry exposes the underlying registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Register adds a handler; see Registry.Register.
func (d *Dispatcher) Register(point Point, ordinalHint int, h Handler, opts ...RegisterOption) (ID, error) {
	return d.registry.Register(point, ordinalHint, h, opts...)
}

// Unregister removes a handler; see Registry.Unregister.
func (d *Dispatcher) Unregister(id ID) bool {
	d.mu.Lock()
	delete(d.breakers, id)
	d.mu.Unlock()
	return d.registry.Unregister(id)
}

// BreakerState returns the breaker position of registration id. Unknown
// registrations and handlers without a breaker report BreakerClosed.
func (d *Dispatcher) BreakerState(id ID) BreakerState {
	d.mu.Lock()
	b, ok := d.breakers[id]
	d.mu.Unlock()
	if !ok {
		return BreakerClosed
	}
	return b.current()
}

func (d *Dispatcher) breakerFor(reg Registration) *breaker {
	cfg := d.opts.Breaker
	if reg.Breaker != nil {
		cfg = *reg.Breaker
	}
	if !cfg.enabled() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[reg.ID]
	if !ok {
		b = newBreaker(cfg)
		d.breakers[reg.ID] = b
	}
	return b
}

// Dispatch runs the handlers registered at point, strictly in order, then
// publishes the resulting Event. Handler errors never escape as errors of
// the transition: they are recorded in the Outcome and, at vetoable points,
// the first one becomes Outcome.Veto and ends the dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, point Point, p Payload) Outcome {
	if f, ok := core.FrameFrom(ctx); ok {
		if p.EntityID == "" {
			p.EntityID = f.EntityID
		}
		if p.OperationID == "" {
			p.OperationID = f.OperationID
		}
	}

	snapshot := d.registry.Snapshot(point)

	var out Outcome
	if len(snapshot) > 0 {
		spanCtx, span := d.opts.Tracer.Start(ctx, "hook."+point.String())
		for _, reg := range snapshot {
			br := d.breakerFor(reg)
			if br != nil && !br.allow(time.Now()) {
				out.Skipped = append(out.Skipped, reg.ID)
				d.opts.Metrics.IncCounter(telemetry.MetricHookSkipped, 1, "point", point.String())
				d.opts.Logger.Debug("hook.skipped", "point", point.String(), "hook_id", string(reg.ID), "name", reg.Name)
				continue
			}
			err := d.invoke(spanCtx, reg, p)
			veto := err != nil && point.Vetoable() && isVeto(err)
			if br != nil && br.record(err != nil && !veto, time.Now()) {
				d.opts.Metrics.IncCounter(telemetry.MetricHookBreakerOpen, 1, "point", point.String())
				d.opts.Logger.Warn("hook.breaker.open", "point", point.String(), "hook_id", string(reg.ID), "name", reg.Name)
			}
			if err == nil {
				continue
			}
			out.Failures = append(out.Failures, err)
			span.RecordError(err)
			if veto {
				out.Veto = err
				break
			}
		}
		if out.Veto != nil {
			span.SetStatus(codes.Error, "vetoed")
		}
		span.End()
	}

	out.Event = NewEvent(point, p.EntityID, p.OperationID, p.Data, p.Attributes)
	out.Event.Vetoed = out.Veto != nil
	out.Event.Failures = len(out.Failures)
	out.Event.Skipped = len(out.Skipped)
	if d.opts.Publisher != nil {
		d.opts.Publisher.Publish(out.Event)
	}
	return out
}

// invoke runs one handler within its budget and classifies its result.
func (d *Dispatcher) invoke(ctx context.Context, reg Registration, p Payload) error {
	budget := d.budgetFor(ctx, reg)
	hctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	hc := &Context{
		Point:          reg.Point,
		RegistrationID: reg.ID,
		EntityID:       p.EntityID,
		OperationID:    p.OperationID,
		Payload:        p.Data,
		Attributes:     cloneAttrs(p.Attributes),
	}

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &panicError{value: r}
			}
		}()
		done <- reg.handler.Handle(hctx, hc)
	}()

	var err error
	select {
	case herr := <-done:
		switch {
		case herr == nil:
		case hctx.Err() != nil && errors.Is(herr, hctx.Err()) && ctx.Err() == nil:
			err = core.NewHookTimeoutError(string(reg.ID), budget)
		default:
			err = core.NewHookFailureError(string(reg.ID), herr)
		}
	case <-hctx.Done():
		if ctx.Err() != nil {
			err = core.NewHookFailureError(string(reg.ID), ctx.Err())
		} else {
			err = core.NewHookTimeoutError(string(reg.ID), budget)
		}
	}

	dur := time.Since(start)
	tags := []string{"point", reg.Point.String()}
	d.opts.Metrics.RecordTimer(telemetry.MetricHookDuration, dur, tags...)
	switch {
	case err == nil:
		d.opts.Logger.Debug("hook.executed", "point", reg.Point.String(), "hook_id", string(reg.ID), "name", reg.Name, "duration_ms", dur.Milliseconds())
	case errors.Is(err, core.ErrHookTimeout):
		d.opts.Metrics.IncCounter(telemetry.MetricHookTimeout, 1, tags...)
		d.opts.Logger.Warn("hook.timeout", "point", reg.Point.String(), "hook_id", string(reg.ID), "name", reg.Name, "budget", budget.String())
	default:
		d.opts.Metrics.IncCounter(telemetry.MetricHookFailure, 1, tags...)
		d.opts.Logger.Warn("hook.failure", "point", reg.Point.String(), "hook_id", string(reg.ID), "name", reg.Name, "error", err.Error())
	}
	return err
}

// budgetFor resolves the time a handler may take: its own budget, else a
// fraction of what remains of the enclosing deadline, else the default.
func (d *Dispatcher) budgetFor(ctx context.Context, reg Registration) time.Duration {
	if reg.Budget > 0 {
		return reg.Budget
	}
	if deadline, ok := ctx.Deadline(); ok && d.opts.BudgetFraction > 0 {
		b := time.Duration(float64(time.Until(deadline)) * d.opts.BudgetFraction)
		if b < d.opts.MinBudget {
			b = d.opts.MinBudget
		}
		if b > 0 {
			return b
		}
	}
	return d.opts.DefaultBudget
}

// isVeto reports whether a recorded failure may veto: timeouts, panics and
// cancellation of the enclosing context never do.
func isVeto(err error) bool {
	if errors.Is(err, core.ErrHookTimeout) {
		return false
	}
	var pe *panicError
	if errors.As(err, &pe) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
