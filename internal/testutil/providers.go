package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/spellbridge/core"
)

// StaticProvider returns Value or Err for every descriptor and counts calls.
type StaticProvider struct {
	Value core.Value
	Err   error
	calls atomic.Int64
}

// Execute implements bridge.Provider.
func (p *StaticProvider) Execute(context.Context, core.OperationDescriptor) (core.Value, error) {
	p.calls.Add(1)
	return p.Value, p.Err
}

// Calls returns how often Execute ran.
func (p *StaticProvider) Calls() int { return int(p.calls.Load()) }

// EchoProvider returns the descriptor's args.
type EchoProvider struct{}

// Execute implements bridge.Provider.
func (EchoProvider) Execute(_ context.Context, desc core.OperationDescriptor) (core.Value, error) {
	return desc.Args, nil
}

// SlowProvider sleeps Delay before returning Value. When IgnoreCancel is
// set it keeps sleeping after its context is cancelled, like a native call
// that cannot be interrupted; Finished is closed when it finally returns.
type SlowProvider struct {
	Delay        time.Duration
	Value        core.Value
	IgnoreCancel bool

	once       sync.Once
	startOnce  sync.Once
	finishOnce sync.Once
	started    chan struct{}
	finished   chan struct{}
	sawCtx     atomic.Bool
}

// NewSlowProvider creates a provider returning v after d.
func NewSlowProvider(d time.Duration, v core.Value) *SlowProvider {
	return &SlowProvider{Delay: d, Value: v}
}

func (p *SlowProvider) init() {
	p.once.Do(func() {
		p.started = make(chan struct{})
		p.finished = make(chan struct{})
	})
}

// Started is closed when the first Execute begins.
func (p *SlowProvider) Started() <-chan struct{} { p.init(); return p.started }

// Finished is closed when the first Execute returns.
func (p *SlowProvider) Finished() <-chan struct{} { p.init(); return p.finished }

// SawCancel reports whether the provider observed its context being cancelled.
func (p *SlowProvider) SawCancel() bool { return p.sawCtx.Load() }

// Execute implements bridge.Provider.
func (p *SlowProvider) Execute(ctx context.Context, _ core.OperationDescriptor) (core.Value, error) {
	p.init()
	p.startOnce.Do(func() { close(p.started) })
	defer p.finishOnce.Do(func() { close(p.finished) })

	timer := time.NewTimer(p.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return p.Value, nil
	case <-ctx.Done():
		p.sawCtx.Store(true)
		if !p.IgnoreCancel {
			return core.Nil(), ctx.Err()
		}
	}
	<-timer.C
	return p.Value, nil
}

// PanicProvider panics with Message.
type PanicProvider struct {
	Message string
}

// Execute implements bridge.Provider.
func (p PanicProvider) Execute(context.Context, core.OperationDescriptor) (core.Value, error) {
	panic(p.Message)
}

// GateProvider blocks each Execute until Release is called, letting tests
// decide exactly when an operation resolves.
type GateProvider struct {
	Value   core.Value
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

// NewGateProvider creates a closed gate.
func NewGateProvider(v core.Value) *GateProvider {
	return &GateProvider{Value: v, gate: make(chan struct{}), entered: make(chan struct{}, 64)}
}

// Entered receives once per Execute that reached the gate.
func (p *GateProvider) Entered() <-chan struct{} { return p.entered }

// Release opens the gate for all current and future calls.
func (p *GateProvider) Release() { p.once.Do(func() { close(p.gate) }) }

// Execute implements bridge.Provider.
func (p *GateProvider) Execute(ctx context.Context, _ core.OperationDescriptor) (core.Value, error) {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	select {
	case <-p.gate:
		return p.Value, nil
	case <-ctx.Done():
		return core.Nil(), ctx.Err()
	}
}

// ErrBoom is a canned provider failure.
var ErrBoom = errors.New("boom")
