package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/spellbridge/core"
)

func named(name string) ProviderFunc {
	return func(context.Context, core.OperationDescriptor) (core.Value, error) {
		return core.NewString(name), nil
	}
}

func TestMux_LongestPrefixWins(t *testing.T) {
	mux := NewMux()
	mux.Handle(core.OpModel, "", named("fallback"))
	mux.Handle(core.OpModel, "openai/", named("openai"))
	mux.Handle(core.OpModel, "openai/gpt-4o", named("gpt-4o"))

	cases := map[string]string{
		"openai/gpt-4o-mini": "gpt-4o",
		"openai/o3":          "openai",
		"anthropic/claude":   "fallback",
	}
	for target, want := range cases {
		v, err := mux.Execute(context.Background(), core.OperationDescriptor{Kind: core.OpModel, Target: target})
		require.NoError(t, err, target)
		assert.Equal(t, want, v.Str(), target)
	}
}

func TestMux_ReplaceAndUnroutable(t *testing.T) {
	mux := NewMux()
	mux.Handle(core.OpTool, "", named("old"))
	mux.Handle(core.OpTool, "", named("new"))

	v, err := mux.Execute(context.Background(), core.OperationDescriptor{Kind: core.OpTool, Target: "x"})
	require.NoError(t, err)
	assert.Equal(t, "new", v.Str())

	_, err = mux.Route(core.OperationDescriptor{Kind: core.OpRetrieval, Target: "memory.search"})
	assert.ErrorIs(t, err, core.ErrInvalidOperation)
}

// -------------------- Executor Tests --------------------

func TestExecutor_RunsTasks(t *testing.T) {
	e := NewExecutor(2, 4)
	defer e.Close()

	done := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, e.Submit(func() { done <- i }, nil))
	}
	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		select {
		case v := <-done:
			seen[v] = true
		case <-time.After(time.Second):
			t.Fatal("task did not run")
		}
	}
	assert.Len(t, seen, 3)
}

func TestExecutor_SubmitAbortAndClose(t *testing.T) {
	e := NewExecutor(1, 0)
	block := make(chan struct{})
	require.NoError(t, e.Submit(func() { <-block }, nil))

	abort := make(chan struct{})
	close(abort)
	assert.ErrorIs(t, e.Submit(func() {}, abort), errSubmitAborted)
	assert.False(t, e.TrySubmit(func() {}))

	close(block)
	e.Close()
	e.Wait()
	assert.ErrorIs(t, e.Submit(func() {}, nil), ErrExecutorClosed)
	assert.False(t, e.TrySubmit(func() {}))
}
