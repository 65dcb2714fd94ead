package hook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/spellbridge/core"
)

type collectingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *collectingPublisher) Publish(evt Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *collectingPublisher) all() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func recorder(mu *sync.Mutex, seen *[]string, name string) Handler {
	return HandlerFunc(func(context.Context, *Context) error {
		mu.Lock()
		defer mu.Unlock()
		*seen = append(*seen, name)
		return nil
	})
}

func TestDispatch_RegistrationOrderAcrossRepeatedTransitions(t *testing.T) {
	d := NewDispatcher()
	var mu sync.Mutex
	var seen []string
	_, err := d.Register(BeforeToolCall, 0, recorder(&mu, &seen, "r1"))
	require.NoError(t, err)
	_, err = d.Register(BeforeToolCall, 0, recorder(&mu, &seen, "r2"))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		out := d.Dispatch(context.Background(), BeforeToolCall, Payload{Data: core.NewInt(int64(i))})
		require.False(t, out.Vetoed())
	}

	require.Len(t, seen, 200)
	for i := 0; i < len(seen); i += 2 {
		assert.Equal(t, "r1", seen[i])
		assert.Equal(t, "r2", seen[i+1])
	}
}

// Concurrent transitions on different entities interleave, but each
// dispatch still observes r1 before r2.
func TestDispatch_OrderUnderConcurrentEntitiesProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("r1 before r2 per dispatch", prop.ForAll(
		func(entities int) bool {
			d := NewDispatcher()
			var mu sync.Mutex
			order := map[string][]string{}
			mk := func(name string) Handler {
				return HandlerFunc(func(_ context.Context, hc *Context) error {
					mu.Lock()
					defer mu.Unlock()
					order[hc.EntityID] = append(order[hc.EntityID], name)
					return nil
				})
			}
			if _, err := d.Register(AgentStateChanged, 0, mk("r1")); err != nil {
				return false
			}
			if _, err := d.Register(AgentStateChanged, 0, mk("r2")); err != nil {
				return false
			}

			var wg sync.WaitGroup
			for e := 0; e < entities; e++ {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					d.Dispatch(context.Background(), AgentStateChanged, Payload{EntityID: id})
				}(core.NewID())
			}
			wg.Wait()

			if len(order) != entities {
				return false
			}
			for _, seq := range order {
				if len(seq) != 2 || seq[0] != "r1" || seq[1] != "r2" {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

func TestDispatch_HookTimeoutDoesNotBlockTransition(t *testing.T) {
	d := NewDispatcher(func(o *Options) { o.DefaultBudget = 20 * time.Millisecond })

	var secondRan bool
	_, err := d.Register(BeforeToolCall, 0, HandlerFunc(func(context.Context, *Context) error {
		time.Sleep(500 * time.Millisecond) // ignores ctx on purpose
		return nil
	}))
	require.NoError(t, err)
	_, err = d.Register(BeforeToolCall, 0, HandlerFunc(func(context.Context, *Context) error {
		secondRan = true
		return nil
	}))
	require.NoError(t, err)

	start := time.Now()
	out := d.Dispatch(context.Background(), BeforeToolCall, Payload{})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 250*time.Millisecond)
	assert.True(t, secondRan)
	assert.False(t, out.Vetoed(), "timeouts never veto")
	require.Len(t, out.Failures, 1)
	assert.ErrorIs(t, out.Failures[0], core.ErrHookTimeout)
	assert.Equal(t, 1, out.Event.Failures)
}

func TestDispatch_HandlerHonouringBudgetContext(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Register(AfterToolCall, 0, HandlerFunc(func(ctx context.Context, _ *Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), WithBudget(10*time.Millisecond))
	require.NoError(t, err)

	out := d.Dispatch(context.Background(), AfterToolCall, Payload{})
	require.Len(t, out.Failures, 1)
	assert.ErrorIs(t, out.Failures[0], core.ErrHookTimeout)
}

func TestDispatch_VetoPolicy(t *testing.T) {
	denied := errors.New("denied")

	t.Run("vetoable point stops at first failure", func(t *testing.T) {
		d := NewDispatcher()
		var laterRan bool
		_, _ = d.Register(BeforeToolCall, 0, HandlerFunc(func(context.Context, *Context) error { return denied }))
		_, _ = d.Register(BeforeToolCall, 0, HandlerFunc(func(context.Context, *Context) error {
			laterRan = true
			return nil
		}))

		out := d.Dispatch(context.Background(), BeforeToolCall, Payload{})
		require.True(t, out.Vetoed())
		assert.ErrorIs(t, out.Veto, core.ErrHookFailure)
		assert.ErrorIs(t, out.Veto, denied)
		assert.False(t, laterRan)
		assert.True(t, out.Event.Vetoed)
	})

	t.Run("observation-only point continues", func(t *testing.T) {
		d := NewDispatcher()
		var laterRan bool
		_, _ = d.Register(AfterToolCall, 0, HandlerFunc(func(context.Context, *Context) error { return denied }))
		_, _ = d.Register(AfterToolCall, 0, HandlerFunc(func(context.Context, *Context) error {
			laterRan = true
			return nil
		}))

		out := d.Dispatch(context.Background(), AfterToolCall, Payload{})
		assert.False(t, out.Vetoed())
		assert.True(t, laterRan)
		require.Len(t, out.Failures, 1)
	})

	t.Run("panic is recorded but never vetoes", func(t *testing.T) {
		d := NewDispatcher()
		var laterRan bool
		_, _ = d.Register(BeforeAgentExecution, 0, HandlerFunc(func(context.Context, *Context) error { panic("boom") }))
		_, _ = d.Register(BeforeAgentExecution, 0, HandlerFunc(func(context.Context, *Context) error {
			laterRan = true
			return nil
		}))

		out := d.Dispatch(context.Background(), BeforeAgentExecution, Payload{})
		assert.False(t, out.Vetoed())
		assert.True(t, laterRan)
		require.Len(t, out.Failures, 1)
		assert.ErrorIs(t, out.Failures[0], core.ErrHookFailure)
	})
}

func TestDispatch_SnapshotSemantics(t *testing.T) {
	d := NewDispatcher()
	var mu sync.Mutex
	var seen []string

	_, err := d.Register(WorkflowStepEnd, 0, HandlerFunc(func(context.Context, *Context) error {
		mu.Lock()
		seen = append(seen, "first")
		mu.Unlock()
		_, err := d.Register(WorkflowStepEnd, 0, recorder(&mu, &seen, "added"))
		return err
	}))
	require.NoError(t, err)

	d.Dispatch(context.Background(), WorkflowStepEnd, Payload{})
	assert.Equal(t, []string{"first"}, seen, "handler registered mid-dispatch does not see the current event")

	seen = nil
	d.Dispatch(context.Background(), WorkflowStepEnd, Payload{})
	assert.Equal(t, []string{"first", "added"}, seen)
}

func TestDispatch_BudgetFromEnclosingDeadline(t *testing.T) {
	d := NewDispatcher(func(o *Options) {
		o.DefaultBudget = time.Hour
		o.BudgetFraction = 0.1
		o.MinBudget = time.Millisecond
	})

	var budget time.Duration
	_, err := d.Register(BeforeOperation, 0, HandlerFunc(func(ctx context.Context, _ *Context) error {
		dl, ok := ctx.Deadline()
		if ok {
			budget = time.Until(dl)
		}
		return nil
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Dispatch(ctx, BeforeOperation, Payload{})

	assert.Greater(t, budget, 50*time.Millisecond)
	assert.LessOrEqual(t, budget, 100*time.Millisecond)
}

func TestDispatch_PublishesEventWithFrameIDs(t *testing.T) {
	pub := &collectingPublisher{}
	d := NewDispatcher(func(o *Options) { o.Publisher = pub })

	ctx := core.WithFrame(context.Background(), &core.Frame{OperationID: "op-9", EntityID: "tool-1"})
	payload := core.MustFromAny(map[string]any{"op": "a"})
	d.Dispatch(ctx, BeforeToolCall, Payload{Data: payload, Attributes: map[string]string{"tool": "sum"}})

	events := pub.all()
	require.Len(t, events, 1, "an event is produced even without handlers")
	evt := events[0]
	assert.Equal(t, BeforeToolCall, evt.Point)
	assert.Equal(t, "op-9", evt.OperationID)
	assert.Equal(t, "tool-1", evt.EntityID)
	assert.True(t, payload.Equal(evt.Payload))
	assert.Equal(t, "sum", evt.Attr("tool"))
	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestDispatch_IndependentDispatchers(t *testing.T) {
	a, b := NewDispatcher(), NewDispatcher()
	var calls int
	_, err := a.Register(ScriptEvent, 0, HandlerFunc(func(context.Context, *Context) error {
		calls++
		return nil
	}))
	require.NoError(t, err)

	b.Dispatch(context.Background(), ScriptEvent, Payload{})
	assert.Equal(t, 0, calls)
	a.Dispatch(context.Background(), ScriptEvent, Payload{})
	assert.Equal(t, 1, calls)
}
