package hook

import (
	"context"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/spellbridge/core"
)

func noop() Handler {
	return HandlerFunc(func(context.Context, *Context) error { return nil })
}

func names(regs []Registration) []string {
	out := make([]string, len(regs))
	for i, r := range regs {
		out[i] = r.Name
	}
	return out
}

func TestRegistry_OrderByHintThenRegistration(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(BeforeToolCall, 0, noop(), WithName("a"))
	require.NoError(t, err)
	_, err = r.Register(BeforeToolCall, 10, noop(), WithName("late"))
	require.NoError(t, err)
	_, err = r.Register(BeforeToolCall, 0, noop(), WithName("b"))
	require.NoError(t, err)
	_, err = r.Register(BeforeToolCall, -5, noop(), WithName("early"))
	require.NoError(t, err)

	assert.Equal(t, []string{"early", "a", "b", "late"}, names(r.Snapshot(BeforeToolCall)))
	assert.Equal(t, 0, r.Len(AfterToolCall))
}

func TestRegistry_UnregisterPreservesOrder(t *testing.T) {
	r := NewRegistry()
	var ids []ID
	for _, n := range []string{"a", "b", "c", "d"} {
		id, err := r.Register(WorkflowStepStart, 0, noop(), WithName(n))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	before := r.Snapshot(WorkflowStepStart)
	require.True(t, r.Unregister(ids[1]))
	assert.False(t, r.Unregister(ids[1]))

	assert.Equal(t, []string{"a", "c", "d"}, names(r.Snapshot(WorkflowStepStart)))
	assert.Equal(t, []string{"a", "b", "c", "d"}, names(before), "earlier snapshot is unaffected")

	_, err := r.Register(WorkflowStepStart, 0, noop(), WithName("e"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d", "e"}, names(r.Snapshot(WorkflowStepStart)))
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	r := NewRegistry()

	_, err := r.Register(Point("on_whatever"), 0, noop())
	assert.ErrorIs(t, err, core.ErrInvalidOperation)

	_, err = r.Register(BeforeToolCall, 0, nil)
	assert.ErrorIs(t, err, core.ErrInvalidOperation)

	_, err = r.Register(BeforeToolCall, 0, noop(), WithBudget(-1))
	assert.ErrorIs(t, err, core.ErrInvalidOperation)
}

func TestParsePoint(t *testing.T) {
	p, err := ParsePoint("before_tool_call")
	require.NoError(t, err)
	assert.Equal(t, BeforeToolCall, p)
	assert.True(t, p.Vetoable())
	assert.False(t, AfterToolCall.Vetoable())

	_, err = ParsePoint("after_everything")
	assert.ErrorIs(t, err, core.ErrInvalidOperation)

	for _, p := range Points() {
		assert.True(t, p.Valid(), p)
	}
}

// Registering a random sequence of hints and removing a random subset must
// always leave the list sorted by (hint, registration order).
func TestRegistry_OrderingProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("snapshot sorted by hint then sequence", prop.ForAll(
		func(hints []int, removeMask []bool) bool {
			r := NewRegistry()
			ids := make([]ID, len(hints))
			for i, h := range hints {
				id, err := r.Register(AfterOperation, h%4, noop())
				if err != nil {
					return false
				}
				ids[i] = id
			}
			for i, rm := range removeMask {
				if rm && i < len(ids) {
					r.Unregister(ids[i])
				}
			}
			snap := r.Snapshot(AfterOperation)
			return sort.SliceIsSorted(snap, func(i, j int) bool {
				if snap[i].OrdinalHint != snap[j].OrdinalHint {
					return snap[i].OrdinalHint < snap[j].OrdinalHint
				}
				return snap[i].seq < snap[j].seq
			})
		},
		gen.SliceOf(gen.IntRange(0, 100)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
