package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/spellbridge/config"
	"github.com/hupe1980/spellbridge/core"
	"github.com/hupe1980/spellbridge/hook"
	"github.com/hupe1980/spellbridge/internal/testutil"
)

func newTestBridge(t *testing.T, p Provider, optFns ...func(o *Options)) *Bridge {
	t.Helper()
	b := New(p, optFns...)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func withDispatcher(d *hook.Dispatcher) func(o *Options) {
	return func(o *Options) { o.Dispatcher = d }
}

// -------------------- Blocking Strategy Tests --------------------

func TestInvokeAsync_ReturnsProviderValue(t *testing.T) {
	p := &testutil.StaticProvider{Value: core.NewString("V")}
	b := newTestBridge(t, p)
	engine := core.NewEngineHandle("lua")

	v, err := b.InvokeAsync(context.Background(), engine, testutil.NewDescriptorBuilder().Deadline(time.Second).Build())
	require.NoError(t, err)
	assert.Equal(t, "V", v.Str())
	assert.Equal(t, 1, p.Calls())

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Resolved)
	assert.Equal(t, 0, stats.InFlight)
	_, busy := b.InFlight(engine)
	assert.False(t, busy)
}

func TestInvokeAsync_TimeoutDiscardsLateResult(t *testing.T) {
	p := testutil.NewSlowProvider(300*time.Millisecond, core.NewString("late"))
	p.IgnoreCancel = true
	b := newTestBridge(t, p)

	deadline := 50 * time.Millisecond
	start := time.Now()
	v, err := b.InvokeAsync(context.Background(), core.NewEngineHandle("lua"),
		testutil.NewDescriptorBuilder().Deadline(deadline).Build())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.True(t, v.IsNil(), "no partial result")
	assert.GreaterOrEqual(t, elapsed, deadline)
	assert.Less(t, elapsed, deadline+150*time.Millisecond)

	<-p.Finished()
	assert.Eventually(t, func() bool { return b.Stats().LateCompletions == 1 }, time.Second, 5*time.Millisecond)
	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.TimedOut)
	assert.Equal(t, uint64(0), stats.Resolved)
	assert.True(t, p.SawCancel(), "the native task is signalled on timeout")
}

func TestInvokeAsync_DefaultDeadlineApplies(t *testing.T) {
	gate := testutil.NewGateProvider(core.NewString("never"))
	b := newTestBridge(t, gate, func(o *Options) {
		o.Config = config.BridgeConfig{Workers: 1, QueueSize: 1, DefaultDeadline: 40 * time.Millisecond}
	})

	_, err := b.InvokeAsync(context.Background(), core.NewEngineHandle("lua"), testutil.NewDescriptorBuilder().Build())
	assert.ErrorIs(t, err, core.ErrTimeout)
}

func TestInvokeAsync_CancelReturnsPromptly(t *testing.T) {
	p := testutil.NewSlowProvider(5*time.Second, core.NewString("too slow"))
	b := newTestBridge(t, p)
	engine := core.NewEngineHandle("lua")

	const cancelAfter = 200 * time.Millisecond
	go func() {
		<-p.Started()
		time.Sleep(cancelAfter)
		id, ok := b.InFlight(engine)
		if ok {
			b.Cancel(id)
		}
	}()

	start := time.Now()
	_, err := b.InvokeAsync(context.Background(), engine, testutil.NewDescriptorBuilder().Deadline(5*time.Second).Build())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCancelled)
	assert.NotErrorIs(t, err, core.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, cancelAfter, "returns only once cancelled")
	assert.Less(t, elapsed, cancelAfter+500*time.Millisecond, "returns at the cancel, not the deadline")
	assert.Eventually(t, p.SawCancel, time.Second, 5*time.Millisecond)
	assert.False(t, b.Cancel("unknown"))
}

func TestInvokeAsync_CallerContext(t *testing.T) {
	t.Run("cancel", func(t *testing.T) {
		p := testutil.NewSlowProvider(5*time.Second, core.Nil())
		b := newTestBridge(t, p)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-p.Started()
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		_, err := b.InvokeAsync(ctx, core.NewEngineHandle("lua"), testutil.NewDescriptorBuilder().Deadline(5*time.Second).Build())
		assert.ErrorIs(t, err, core.ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("deadline", func(t *testing.T) {
		b := newTestBridge(t, testutil.NewSlowProvider(5*time.Second, core.Nil()))
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := b.InvokeAsync(ctx, core.NewEngineHandle("lua"), testutil.NewDescriptorBuilder().Deadline(5*time.Second).Build())
		assert.ErrorIs(t, err, core.ErrTimeout)
	})

	t.Run("already done", func(t *testing.T) {
		p := &testutil.StaticProvider{Value: core.NewInt(1)}
		b := newTestBridge(t, p, func(o *Options) {
			o.Config = config.BridgeConfig{Workers: 1, QueueSize: 0, DefaultDeadline: time.Second}
		})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := b.InvokeAsync(ctx, core.NewEngineHandle("lua"), testutil.NewDescriptorBuilder().Build())
		if err != nil {
			assert.ErrorIs(t, err, core.ErrCancelled)
		}
		assert.Equal(t, 0, b.Stats().InFlight)
	})
}

func TestInvokeAsync_ProviderFailures(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		b := newTestBridge(t, &testutil.StaticProvider{Err: testutil.ErrBoom})
		_, err := b.InvokeAsync(context.Background(), core.NewEngineHandle("lua"), testutil.NewDescriptorBuilder().Build())
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrNativeOperation)
		assert.ErrorIs(t, err, testutil.ErrBoom)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("panic", func(t *testing.T) {
		b := newTestBridge(t, testutil.PanicProvider{Message: "kaputt"})
		engine := core.NewEngineHandle("lua")
		_, err := b.InvokeAsync(context.Background(), engine, testutil.NewDescriptorBuilder().Build())
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrNativeOperation)
		assert.Contains(t, err.Error(), "kaputt")

		// The worker survived and the engine is usable again.
		_, err = b.InvokeAsync(context.Background(), engine, testutil.NewDescriptorBuilder().Build())
		assert.ErrorIs(t, err, core.ErrNativeOperation)
	})
}

func TestInvokeAsync_RejectsInvalidOperations(t *testing.T) {
	p := &testutil.StaticProvider{Value: core.NewInt(1)}
	mux := NewMux()
	mux.Handle(core.OpCustom, "", p)
	b := newTestBridge(t, mux)
	engine := core.NewEngineHandle("lua")

	cases := map[string]core.OperationDescriptor{
		"empty target":      {Kind: core.OpCustom, Target: "  "},
		"negative deadline": {Kind: core.OpCustom, Target: "x", Deadline: -time.Second},
		"unknown kind":      {Kind: "teleport", Target: "x"},
		"unroutable":        {Kind: core.OpModel, Target: "openai/gpt-4o"},
	}
	for name, desc := range cases {
		_, err := b.InvokeAsync(context.Background(), engine, desc)
		assert.ErrorIs(t, err, core.ErrInvalidOperation, name)
	}

	_, err := b.InvokeAsync(context.Background(), core.EngineHandle{}, testutil.NewDescriptorBuilder().Build())
	assert.ErrorIs(t, err, core.ErrInvalidOperation)

	assert.Equal(t, 0, p.Calls(), "invalid operations never reach the provider")
	assert.Equal(t, 0, b.Stats().InFlight)
}

func TestInvokeAsync_ReentrantCallFails(t *testing.T) {
	gate := testutil.NewGateProvider(core.NewString("first"))
	mux := NewMux()
	mux.Handle(core.OpCustom, "gate", gate)
	mux.Handle(core.OpCustom, "echo", testutil.EchoProvider{})
	b := newTestBridge(t, mux)
	engine := core.NewEngineHandle("lua")

	call, err := b.Begin(context.Background(), engine, testutil.NewDescriptorBuilder().Target("gate").Deadline(time.Second).Build())
	require.NoError(t, err)

	start := time.Now()
	_, err = b.InvokeAsync(context.Background(), engine, testutil.NewDescriptorBuilder().Target("echo").Build())
	assert.ErrorIs(t, err, core.ErrReentrantInvocation)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "fails immediately")
	assert.Equal(t, 1, b.Stats().InFlight)

	other := core.NewEngineHandle("lua")
	v, err := b.InvokeAsync(context.Background(), other, testutil.NewDescriptorBuilder().Target("echo").Arg("n", 7).Build())
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.Object()["n"].Int())

	gate.Release()
	<-call.Done()
	v, err = call.Poll()
	require.NoError(t, err)
	assert.Equal(t, "first", v.Str())

	_, err = b.InvokeAsync(context.Background(), engine, testutil.NewDescriptorBuilder().Target("echo").Build())
	assert.NoError(t, err, "engine slot is free after delivery")
}

func TestInvokeAsync_ConcurrentEngines(t *testing.T) {
	b := newTestBridge(t, testutil.EchoProvider{})

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			engine := core.NewEngineHandle(fmt.Sprintf("vm-%d", i))
			v, err := b.InvokeAsync(context.Background(), engine, testutil.NewDescriptorBuilder().Arg("i", i).Build())
			if err != nil {
				errs <- err
				return
			}
			if got := v.Object()["i"].Int(); got != int64(i) {
				errs <- fmt.Errorf("engine %d got %d", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, uint64(n), b.Stats().Resolved)
}

func TestInvokeAsync_QueueFullTimesOut(t *testing.T) {
	gate := testutil.NewGateProvider(core.NewString("busy"))
	mux := NewMux()
	mux.Handle(core.OpCustom, "gate", gate)
	static := &testutil.StaticProvider{Value: core.NewInt(1)}
	mux.Handle(core.OpCustom, "static", static)
	b := newTestBridge(t, mux, func(o *Options) {
		o.Config = config.BridgeConfig{Workers: 1, QueueSize: 0, DefaultDeadline: time.Second}
	})

	call, err := b.Begin(context.Background(), core.NewEngineHandle("a"), testutil.NewDescriptorBuilder().Target("gate").Build())
	require.NoError(t, err)
	<-gate.Entered()

	_, err = b.InvokeAsync(context.Background(), core.NewEngineHandle("b"),
		testutil.NewDescriptorBuilder().Target("static").Deadline(50*time.Millisecond).Build())
	assert.ErrorIs(t, err, core.ErrTimeout)

	gate.Release()
	<-call.Done()
	_, err = call.Poll()
	require.NoError(t, err)
	assert.Equal(t, 0, static.Calls(), "work that missed its deadline in the queue never starts")
}

// -------------------- Hook Integration Tests --------------------

func TestInvokeAsync_BeforeOperationVeto(t *testing.T) {
	d := hook.NewDispatcher()
	rec := testutil.NewRecorder()
	_, err := d.Register(hook.BeforeOperation, 0, hook.HandlerFunc(func(context.Context, *hook.Context) error {
		return errors.New("not allowed")
	}))
	require.NoError(t, err)
	_, err = d.Register(hook.AfterOperation, 0, rec.Handler())
	require.NoError(t, err)

	p := &testutil.StaticProvider{Value: core.NewInt(1)}
	b := newTestBridge(t, p, withDispatcher(d))
	engine := core.NewEngineHandle("lua")

	_, err = b.InvokeAsync(context.Background(), engine, testutil.NewDescriptorBuilder().Build())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCancelled)
	assert.ErrorIs(t, err, core.ErrHookFailure)
	assert.Contains(t, err.Error(), "vetoed")
	assert.Equal(t, 0, p.Calls())

	_, busy := b.InFlight(engine)
	assert.False(t, busy)

	seen := rec.Contexts()
	require.Len(t, seen, 1)
	assert.Equal(t, "cancelled", seen[0].Attr("outcome"))
	assert.Equal(t, string(core.CodeCancelled), seen[0].Attr("error_code"))
}

func TestInvokeAsync_HooksSeeOperationContext(t *testing.T) {
	d := hook.NewDispatcher()
	engine := core.NewEngineHandle("lua")

	var before core.ExecutionContext
	_, err := d.Register(hook.BeforeOperation, 0, hook.HandlerFunc(func(ctx context.Context, hc *hook.Context) error {
		before = core.CurrentContext(ctx)
		assert.Equal(t, "search", hc.Attr("target"))
		assert.Equal(t, "tool", hc.Attr("kind"))
		return nil
	}))
	require.NoError(t, err)

	rec := testutil.NewRecorder()
	_, err = d.Register(hook.AfterOperation, 0, rec.Handler())
	require.NoError(t, err)

	b := newTestBridge(t, testutil.EchoProvider{}, withDispatcher(d))
	desc := testutil.NewDescriptorBuilder().Tool("search").Arg("q", "go").Entity("agent-1").Build()
	_, err = b.InvokeAsync(context.Background(), engine, desc)
	require.NoError(t, err)

	assert.Equal(t, engine.ID(), before.EngineID)
	assert.Equal(t, "agent-1", before.EntityID)
	assert.NotEmpty(t, before.OperationID)
	assert.False(t, before.Cancelled)

	after := rec.Contexts()
	require.Len(t, after, 1)
	assert.Equal(t, before.OperationID, after[0].OperationID)
	assert.Equal(t, "resolved", after[0].Attr("outcome"))
	result, ok := after[0].Payload.Get("result")
	require.True(t, ok)
	q, _ := result.Get("q")
	assert.Equal(t, "go", q.Str())
}

// -------------------- Cooperative Strategy Tests --------------------

func TestBegin_PollDeliversExactlyOnce(t *testing.T) {
	gate := testutil.NewGateProvider(core.NewString("done"))
	b := newTestBridge(t, gate)

	call, err := b.Begin(context.Background(), core.NewEngineHandle("lua"), testutil.NewDescriptorBuilder().Deadline(time.Second).Build())
	require.NoError(t, err)
	assert.NotEmpty(t, call.ID())

	_, err = call.Poll()
	assert.ErrorIs(t, err, ErrPending)

	gate.Release()
	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatal("operation did not resolve")
	}

	v, err := call.Poll()
	require.NoError(t, err)
	assert.Equal(t, "done", v.Str())

	_, err = call.Poll()
	assert.ErrorIs(t, err, core.ErrInvalidOperation)
}

func TestBegin_DeadlineFiresWithoutPolling(t *testing.T) {
	b := newTestBridge(t, testutil.NewGateProvider(core.Nil()))

	call, err := b.Begin(context.Background(), core.NewEngineHandle("lua"), testutil.NewDescriptorBuilder().Deadline(30*time.Millisecond).Build())
	require.NoError(t, err)

	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatal("deadline timer did not fire")
	}
	_, err = call.Poll()
	assert.ErrorIs(t, err, core.ErrTimeout)
}

func TestBegin_CancelAndReentrancy(t *testing.T) {
	b := newTestBridge(t, testutil.NewGateProvider(core.Nil()))
	engine := core.NewEngineHandle("js")

	call, err := b.Begin(context.Background(), engine, testutil.NewDescriptorBuilder().Build())
	require.NoError(t, err)

	_, err = b.Begin(context.Background(), engine, testutil.NewDescriptorBuilder().Build())
	assert.ErrorIs(t, err, core.ErrReentrantInvocation)

	assert.True(t, call.Cancel())
	assert.False(t, call.Cancel(), "second cancel loses the race")
	<-call.Done()

	// Resolved but undelivered still holds the slot.
	_, err = b.Begin(context.Background(), engine, testutil.NewDescriptorBuilder().Build())
	assert.ErrorIs(t, err, core.ErrReentrantInvocation)

	_, err = call.Poll()
	assert.ErrorIs(t, err, core.ErrCancelled)

	next, err := b.Begin(context.Background(), engine, testutil.NewDescriptorBuilder().Build())
	require.NoError(t, err)
	assert.True(t, b.CancelEngine(engine))
	<-next.Done()
	_, err = next.Poll()
	assert.ErrorIs(t, err, core.ErrCancelled)
}

// -------------------- Shutdown Tests --------------------

func TestClose_CancelsPendingOperations(t *testing.T) {
	b := New(testutil.NewGateProvider(core.Nil()))

	call, err := b.Begin(context.Background(), core.NewEngineHandle("lua"), testutil.NewDescriptorBuilder().Build())
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	<-call.Done()
	_, err = call.Poll()
	assert.ErrorIs(t, err, core.ErrCancelled)

	_, err = b.InvokeAsync(context.Background(), core.NewEngineHandle("lua"), testutil.NewDescriptorBuilder().Build())
	assert.ErrorIs(t, err, core.ErrCancelled)
}

func TestClose_RacingCallsNeverHang(t *testing.T) {
	for i := 0; i < 200; i++ {
		b := New(&testutil.StaticProvider{Value: core.NewInt(1)}, func(o *Options) {
			o.Config = config.BridgeConfig{Workers: 1, QueueSize: 4}
		})

		results := make(chan error, 1)
		go func() {
			_, err := b.InvokeAsync(context.Background(), core.NewEngineHandle("lua"), testutil.NewDescriptorBuilder().Build())
			results <- err
		}()
		go func() { _ = b.Close() }()

		select {
		case err := <-results:
			if err != nil {
				require.ErrorIs(t, err, core.ErrCancelled, "iteration %d", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: call outlived Close without resolving", i)
		}
		_ = b.Close()
	}
}
