package spellbridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/spellbridge/agent"
	"github.com/hupe1980/spellbridge/bridge"
	"github.com/hupe1980/spellbridge/capability"
	"github.com/hupe1980/spellbridge/config"
	"github.com/hupe1980/spellbridge/core"
	"github.com/hupe1980/spellbridge/hook"
	"github.com/hupe1980/spellbridge/internal/testutil"
	"github.com/hupe1980/spellbridge/logging"
	"github.com/hupe1980/spellbridge/memory"
	"github.com/hupe1980/spellbridge/tool"
	"github.com/hupe1980/spellbridge/workflow"
)

func upperTool() tool.Tool {
	return tool.NewFunctionTool("upper", "Uppercase text", map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
		"required":   []string{"text"},
	}, func(_ context.Context, args map[string]any) (any, error) {
		s, _ := args["text"].(string)
		out := []rune(s)
		for i, r := range out {
			if r >= 'a' && r <= 'z' {
				out[i] = r - 'a' + 'A'
			}
		}
		return string(out), nil
	})
}

// fakeModel answers every model op with the input echoed back.
func fakeModel() bridge.Provider {
	return bridge.ProviderFunc(func(_ context.Context, desc core.OperationDescriptor) (core.Value, error) {
		input, _ := desc.Args.Get("input")
		return core.NewObject(map[string]core.Value{
			"text":     core.NewString("echo: " + input.String()),
			"provider": core.NewString("fake"),
		}), nil
	})
}

func newRuntime(t *testing.T, optFns ...func(o *Options)) *Runtime {
	t.Helper()
	fns := append([]func(o *Options){func(o *Options) {
		o.Logger = logging.NoOpLogger{}
		o.Tools = []tool.Tool{upperTool()}
		o.Routes = []Route{{Kind: core.OpModel, Prefix: "fake/", Provider: fakeModel()}}
	}}, optFns...)
	r, err := New(context.Background(), fns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRuntime_ToolThroughSurface(t *testing.T) {
	r := newRuntime(t)
	engine := core.NewEngineHandle("lua")

	desc := testutil.NewDescriptorBuilder().Tool("upper").Arg("text", "spell").Build()
	out, err := r.InvokeAsync(context.Background(), engine, desc)
	require.NoError(t, err)
	assert.Equal(t, "SPELL", out.Str())

	out, err = r.CallTool(context.Background(), engine, "upper", core.MustFromAny(map[string]any{"text": "bridge"}))
	require.NoError(t, err)
	assert.Equal(t, "BRIDGE", out.Str())

	_, err = r.CallTool(context.Background(), engine, "upper", core.MustFromAny(map[string]any{}))
	assert.ErrorIs(t, err, core.ErrInvalidOperation)
	assert.Equal(t, []string{"upper"}, r.Tools().Names())
}

func TestRuntime_MemoryRetrieval(t *testing.T) {
	r := newRuntime(t)
	engine := core.NewEngineHandle("js")
	ctx := context.Background()

	_, err := r.InvokeAsync(ctx, engine, testutil.NewDescriptorBuilder().
		Kind(core.OpRetrieval).Target(memory.TargetStore).Arg("content", "mana regenerates slowly").Build())
	require.NoError(t, err)

	hits, err := r.InvokeAsync(ctx, engine, testutil.NewDescriptorBuilder().
		Kind(core.OpRetrieval).Target(memory.TargetSearch).Arg("query", "mana").Build())
	require.NoError(t, err)
	assert.Equal(t, 1, hits.Len())

	_, err = r.InvokeAsync(ctx, engine, testutil.NewDescriptorBuilder().Kind(core.OpRetrieval).Target("vector.search").Build())
	assert.ErrorIs(t, err, core.ErrInvalidOperation, "unrouted target")
}

func TestRuntime_EventsReachSubscribers(t *testing.T) {
	rec := testutil.NewRecorder()
	r := newRuntime(t, func(o *Options) { o.Subscribers = []hook.Subscriber{rec.Subscriber()} })

	require.NoError(t, r.EmitEvent(context.Background(), "level_up", core.NewInt(3)))
	assert.ErrorIs(t, r.EmitEvent(context.Background(), " ", core.Nil()), core.ErrInvalidOperation)

	require.True(t, rec.WaitEvents(1, time.Second))
	evt := rec.Events()[0]
	assert.Equal(t, hook.ScriptEvent, evt.Point)
	assert.Equal(t, "level_up", evt.Attr("name"))
	assert.EqualValues(t, 3, evt.Payload.Int())
}

func TestRuntime_HooksAndCurrentContext(t *testing.T) {
	r := newRuntime(t)
	seen := make(chan core.ExecutionContext, 1)
	id, err := r.RegisterHook(hook.BeforeOperation, 0, hook.HandlerFunc(func(ctx context.Context, _ *hook.Context) error {
		seen <- r.CurrentContext(ctx)
		return nil
	}))
	require.NoError(t, err)

	engine := core.NewEngineHandle("lua")
	_, err = r.InvokeAsync(context.Background(), engine, testutil.NewDescriptorBuilder().Tool("upper").Arg("text", "x").Build())
	require.NoError(t, err)

	ec := <-seen
	assert.Equal(t, engine.ID(), ec.EngineID)
	assert.NotEmpty(t, ec.OperationID)
	assert.True(t, r.UnregisterHook(id))
}

func TestRuntime_AgentAndWorkflow(t *testing.T) {
	r := newRuntime(t)
	engine := core.NewEngineHandle("lua")
	ctx := context.Background()

	a := r.NewAgent("bard", func(o *agent.Options) { o.Model = "fake/echo" })
	require.NoError(t, a.Initialize(ctx))
	out, err := a.Invoke(ctx, engine, core.NewString("sing"))
	require.NoError(t, err)
	text, _ := out.Get("text")
	assert.Equal(t, "echo: sing", text.Str())

	w, err := r.NewWorkflow("chant", []workflow.Step{
		{
			Name:       "compose",
			Descriptor: core.OperationDescriptor{Kind: core.OpModel, Target: "fake/echo"},
			Input: func(prev core.Value) (core.Value, error) {
				return core.NewObject(map[string]core.Value{"input": prev}), nil
			},
		},
		{
			Name:       "shout",
			Descriptor: core.OperationDescriptor{Kind: core.OpTool, Target: "upper"},
			Input: func(prev core.Value) (core.Value, error) {
				txt, _ := prev.Get("text")
				return core.NewObject(map[string]core.Value{"text": txt}), nil
			},
		},
	})
	require.NoError(t, err)

	res, err := w.Run(ctx, engine, core.NewString("hum"))
	require.NoError(t, err)
	assert.Equal(t, "ECHO: HUM", res.Output.Str())
}

type adapter struct {
	engine   core.EngineHandle
	strategy capability.Strategy
	binding  capability.Binding
}

func (a *adapter) Engine() core.EngineHandle       { return a.engine }
func (a *adapter) Strategy() capability.Strategy   { return a.strategy }
func (a *adapter) Bind(b capability.Binding) error { a.binding = b; return nil }

func TestRuntime_BindCooperative(t *testing.T) {
	r := newRuntime(t)
	a := &adapter{engine: core.NewEngineHandle("wasm"), strategy: capability.Cooperative}
	require.NoError(t, r.Bind(context.Background(), a))

	call, err := a.binding.Begin(context.Background(), capability.Request{
		Kind:   "tool",
		Target: "upper",
		Args:   map[string]any{"text": "poll"},
	})
	require.NoError(t, err)

	<-call.Done()
	out, err := call.Poll()
	require.NoError(t, err)
	assert.Equal(t, "POLL", out.Str())
}

func TestRuntime_ScriptToolCallsRaiseToolHooks(t *testing.T) {
	r := newRuntime(t)
	a := &adapter{engine: core.NewEngineHandle("lua"), strategy: capability.Blocking}
	require.NoError(t, r.Bind(context.Background(), a))

	var mu sync.Mutex
	counts := map[hook.Point]int{}
	record := hook.HandlerFunc(func(_ context.Context, hc *hook.Context) error {
		mu.Lock()
		defer mu.Unlock()
		counts[hc.Point]++
		return nil
	})
	for _, p := range []hook.Point{hook.BeforeToolCall, hook.ToolError, hook.AfterToolCall, hook.BeforeOperation} {
		_, err := r.RegisterHook(p, 0, record)
		require.NoError(t, err)
	}
	ctx := context.Background()

	out, err := a.binding.Invoke(ctx, capability.Request{Kind: "tool", Target: "upper", Args: map[string]any{"text": "rune"}})
	require.NoError(t, err)
	assert.Equal(t, "RUNE", out.Str())

	_, err = a.binding.Invoke(ctx, capability.Request{Kind: "tool", Target: "upper", Args: map[string]any{}})
	assert.Equal(t, core.CodeInvalidOperation, core.CodeOf(err), "missing required field")

	_, err = a.binding.Invoke(ctx, capability.Request{Kind: "tool", Target: "nope"})
	assert.Equal(t, core.CodeInvalidOperation, core.CodeOf(err), "unknown tool")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts[hook.BeforeToolCall])
	assert.Equal(t, 1, counts[hook.AfterToolCall])
	assert.Zero(t, counts[hook.ToolError])
	assert.Equal(t, 1, counts[hook.BeforeOperation], "malformed calls never reach the bridge")
}

func TestRuntime_CooperativeToolCallHooks(t *testing.T) {
	r := newRuntime(t)
	a := &adapter{engine: core.NewEngineHandle("wasm"), strategy: capability.Cooperative}
	require.NoError(t, r.Bind(context.Background(), a))

	after := make(chan string, 1)
	_, err := r.RegisterHook(hook.AfterToolCall, 0, hook.HandlerFunc(func(_ context.Context, hc *hook.Context) error {
		after <- hc.Attr("outcome")
		return nil
	}))
	require.NoError(t, err)

	_, err = a.binding.Begin(context.Background(), capability.Request{Kind: "tool", Target: "upper", Args: map[string]any{"text": 7}})
	assert.Equal(t, core.CodeInvalidOperation, core.CodeOf(err))

	call, err := a.binding.Begin(context.Background(), capability.Request{Kind: "tool", Target: "upper", Args: map[string]any{"text": "yield"}})
	require.NoError(t, err)
	<-call.Done()
	assert.Empty(t, after, "after_tool_call waits for delivery")

	out, err := call.Poll()
	require.NoError(t, err)
	assert.Equal(t, "YIELD", out.Str())
	assert.Equal(t, "succeeded", <-after)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Bridge.Workers = 0
	_, err := New(context.Background(), func(o *Options) {
		o.Config = cfg
		o.Logger = logging.NoOpLogger{}
	})
	assert.Error(t, err)

	_, err = New(context.Background(), func(o *Options) {
		o.Logger = logging.NoOpLogger{}
		o.Tools = []tool.Tool{upperTool(), upperTool()}
	})
	assert.ErrorIs(t, err, core.ErrInvalidOperation)
}

func TestRuntime_CloseCancelsPending(t *testing.T) {
	gate := testutil.NewGateProvider(core.NewString("late"))
	r := newRuntime(t, func(o *Options) {
		o.Routes = []Route{{Kind: core.OpCustom, Prefix: "", Provider: gate}}
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := r.InvokeAsync(context.Background(), core.NewEngineHandle("lua"), testutil.NewDescriptorBuilder().Build())
		errCh <- err
	}()
	<-gate.Entered()
	require.NoError(t, r.Close())
	assert.ErrorIs(t, <-errCh, core.ErrCancelled)
	gate.Release()
}
