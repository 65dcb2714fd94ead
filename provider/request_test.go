package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/spellbridge/core"
	"github.com/hupe1980/spellbridge/internal/testutil"
)

func TestParseRequest(t *testing.T) {
	desc := testutil.NewDescriptorBuilder().
		Model("openai/gpt-4o-mini").
		Arg("instructions", "be brief").
		Arg("messages", []any{
			map[string]any{"role": "user", "content": "earlier"},
			map[string]any{"role": "assistant", "content": "reply"},
		}).
		Arg("input", "now").
		Arg("max_tokens", 64).
		Build()

	req, err := ParseRequest(desc)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.Equal(t, "be brief", req.Instructions)
	assert.EqualValues(t, 64, req.MaxTokens)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, Message{Role: "user", Content: "now"}, req.Messages[2], "input follows history")
}

func TestParseRequest_StringArgs(t *testing.T) {
	desc := core.OperationDescriptor{Kind: core.OpModel, Target: "anthropic/claude", Args: core.NewString("hi")}
	req, err := ParseRequest(desc)
	require.NoError(t, err)
	assert.Equal(t, []Message{{Role: "user", Content: "hi"}}, req.Messages)
}

func TestParseRequest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args core.Value
	}{
		{"nil", core.Nil()},
		{"number", core.NewInt(1)},
		{"empty object", core.NewObject(nil)},
		{"messages not array", core.MustFromAny(map[string]any{"messages": "x"})},
		{"message without role", core.MustFromAny(map[string]any{"messages": []any{map[string]any{"content": "x"}}})},
		{"tool without name", core.MustFromAny(map[string]any{"input": "x", "tools": []any{map[string]any{}}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest(core.OperationDescriptor{Kind: core.OpModel, Target: "openai/x", Args: tt.args})
			assert.ErrorIs(t, err, core.ErrInvalidOperation)
		})
	}
}

func TestResponse_Value(t *testing.T) {
	v := Response{Text: "t", FinishReason: "stop", Model: "m", Provider: "p", ToolCalls: []ToolCall{{ID: "1", Name: "n", Arguments: "{}"}}}.Value()
	assert.Equal(t, []string{"finish_reason", "model", "provider", "text", "tool_calls", "usage"}, v.Keys())
}

func TestModelName(t *testing.T) {
	assert.Equal(t, "gpt-4o", ModelName("openai/gpt-4o"))
	assert.Equal(t, "plain", ModelName("plain"))
	assert.Equal(t, "", ModelName("openai/"))
}
