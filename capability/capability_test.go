package capability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/spellbridge/bridge"
	"github.com/hupe1980/spellbridge/core"
	"github.com/hupe1980/spellbridge/hook"
	"github.com/hupe1980/spellbridge/internal/testutil"
)

// blockingSurface implements Surface only.
type blockingSurface struct {
	b *bridge.Bridge
	d *hook.Dispatcher
}

func (s *blockingSurface) InvokeAsync(ctx context.Context, e core.EngineHandle, d core.OperationDescriptor) (core.Value, error) {
	return s.b.InvokeAsync(ctx, e, d)
}

func (s *blockingSurface) RegisterHook(p hook.Point, hint int, h hook.Handler, opts ...hook.RegisterOption) (hook.ID, error) {
	return s.d.Register(p, hint, h, opts...)
}

func (s *blockingSurface) UnregisterHook(id hook.ID) bool { return s.d.Unregister(id) }

func (s *blockingSurface) EmitEvent(ctx context.Context, name string, payload core.Value) error {
	s.d.Dispatch(ctx, hook.ScriptEvent, hook.Payload{Data: payload, Attributes: map[string]string{"name": name}})
	return nil
}

func (s *blockingSurface) CurrentContext(ctx context.Context) core.ExecutionContext {
	return core.CurrentContext(ctx)
}

type cooperativeSurface struct{ *blockingSurface }

func (s cooperativeSurface) Begin(ctx context.Context, e core.EngineHandle, d core.OperationDescriptor) (*bridge.Call, error) {
	return s.b.Begin(ctx, e, d)
}

func newSurface(t *testing.T, p bridge.Provider) *blockingSurface {
	t.Helper()
	b := bridge.New(p)
	t.Cleanup(func() { _ = b.Close() })
	return &blockingSurface{b: b, d: hook.NewDispatcher()}
}

type fakeAdapter struct {
	engine   core.EngineHandle
	strategy Strategy
	bound    []Binding
}

func (a *fakeAdapter) Engine() core.EngineHandle { return a.engine }
func (a *fakeAdapter) Strategy() Strategy        { return a.strategy }
func (a *fakeAdapter) Bind(b Binding) error {
	a.bound = append(a.bound, b)
	return nil
}

// -------------------- Marshal Tests --------------------

func TestMarshal_ScriptShapes(t *testing.T) {
	v, err := Marshal(map[string]any{
		"name":  "lookup",
		"count": 3,
		"ratio": 0.5,
		"tags":  []any{"a", true, nil},
		"raw":   []byte{1, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, core.KindObject, v.Kind())
	assert.Equal(t, int64(3), v.Object()["count"].Int())
	assert.Equal(t, core.KindBytes, v.Object()["raw"].Kind())
	assert.Equal(t, 3, v.Object()["tags"].Len())
}

func TestMarshal_RejectsUnsupported(t *testing.T) {
	for name, x := range map[string]any{
		"func":     func() {},
		"chan":     make(chan int),
		"int keys": map[int]string{1: "a"},
	} {
		_, err := Marshal(x)
		assert.ErrorIs(t, err, core.ErrInvalidOperation, name)
	}
}

func TestRequest_Descriptor(t *testing.T) {
	desc, err := Request{Kind: " Tool ", Target: "search", Args: map[string]any{"q": "go"}, Deadline: time.Second}.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, core.OpTool, desc.Kind)

	_, err = Request{Kind: "tool", Target: ""}.Descriptor()
	assert.ErrorIs(t, err, core.ErrInvalidOperation)
}

// -------------------- Bind Tests --------------------

func TestBind_Blocking(t *testing.T) {
	s := newSurface(t, testutil.EchoProvider{})
	a := &fakeAdapter{engine: core.NewEngineHandle("lua")}
	require.NoError(t, Bind(context.Background(), s, a))
	require.Len(t, a.bound, 1)

	b := a.bound[0]
	assert.Equal(t, Blocking, b.Strategy)
	v, err := b.Invoke(context.Background(), Request{Kind: "custom", Target: "echo", Args: map[string]any{"x": 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Object()["x"].Int())

	_, err = b.Begin(context.Background(), Request{Kind: "custom", Target: "echo"})
	assert.ErrorIs(t, err, core.ErrInvalidOperation, "blocking adapters cannot begin")
}

func TestBind_CooperativeRequiresCapableSurface(t *testing.T) {
	s := newSurface(t, testutil.EchoProvider{})
	a := &fakeAdapter{engine: core.NewEngineHandle("js"), strategy: Cooperative}
	assert.ErrorIs(t, Bind(context.Background(), s, a), core.ErrInvalidOperation)

	require.NoError(t, Bind(context.Background(), cooperativeSurface{s}, a))
	call, err := a.bound[0].Begin(context.Background(), Request{Kind: "custom", Target: "echo", Args: "hi"})
	require.NoError(t, err)
	<-call.Done()
	v, err := call.Poll()
	require.NoError(t, err)
	assert.Equal(t, "hi", v.Str())
}

func TestBind_RejectsZeroEngine(t *testing.T) {
	s := newSurface(t, testutil.EchoProvider{})
	assert.ErrorIs(t, Bind(context.Background(), s, &fakeAdapter{}), core.ErrInvalidOperation)
	assert.ErrorIs(t, Bind(context.Background(), nil, &fakeAdapter{}), core.ErrInvalidOperation)
}

func TestBinding_HooksAndEvents(t *testing.T) {
	s := newSurface(t, testutil.EchoProvider{})
	a := &fakeAdapter{engine: core.NewEngineHandle("lua")}
	require.NoError(t, Bind(context.Background(), s, a))
	b := a.bound[0]

	rec := testutil.NewRecorder()
	id, err := b.On("script_event", 0, rec.Handler())
	require.NoError(t, err)

	_, err = b.On("no_such_point", 0, rec.Handler())
	assert.ErrorIs(t, err, core.ErrInvalidOperation)

	require.NoError(t, b.Emit(context.Background(), "progress", map[string]any{"pct": 50}))
	seen := rec.Contexts()
	require.Len(t, seen, 1)
	assert.Equal(t, "progress", seen[0].Attr("name"))
	assert.Equal(t, int64(50), seen[0].Payload.Object()["pct"].Int())

	assert.True(t, b.Off(id))
	require.NoError(t, b.Emit(context.Background(), "progress", nil))
	assert.Len(t, rec.Contexts(), 1)

	_, err = b.Invoke(context.Background(), Request{Kind: "custom", Target: "x", Args: func() {}})
	assert.ErrorIs(t, err, core.ErrInvalidOperation)
	assert.Empty(t, b.Current(context.Background()).EngineID)
}
