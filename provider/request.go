package provider

import (
	"strings"

	"github.com/hupe1980/spellbridge/core"
)

// Message is one conversation turn. Role is "system", "user", "assistant"
// or "tool"; ToolCallID links a tool turn to the assistant call it answers.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
}

// ToolDefinition exposes a callable function to the model. Parameters is a
// JSON Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is the normalized model input decoded from a descriptor.
type Request struct {
	Model        string
	Instructions string
	Messages     []Message
	Tools        []ToolDefinition
	// Temperature and MaxTokens are zero when the script left them unset.
	Temperature float64
	MaxTokens   int64
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// Usage counts tokens of one completion.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Response is the normalized model output.
type Response struct {
	Text         string
	FinishReason string
	Model        string
	Provider     string
	Usage        Usage
	ToolCalls    []ToolCall
}

// ModelName extracts the model from a "<vendor>/<model>" target. A target
// without a slash is returned unchanged.
func ModelName(target string) string {
	if i := strings.IndexByte(target, '/'); i >= 0 {
		return target[i+1:]
	}
	return target
}

// ParseRequest decodes a model descriptor. A bare string args value is
// taken as the user input.
func ParseRequest(desc core.OperationDescriptor) (Request, error) {
	req := Request{Model: ModelName(desc.Target)}
	args := desc.Args

	switch args.Kind() {
	case core.KindString:
		req.Messages = []Message{{Role: "user", Content: args.Str()}}
		return req, nil
	case core.KindObject:
	case core.KindNil:
		return req, core.NewInvalidOperationError(desc.Target, "model operation has no input")
	default:
		return req, core.NewInvalidOperationError(desc.Target, "model args must be an object or string, got %s", args.Kind())
	}

	if v, ok := args.Get("instructions"); ok {
		req.Instructions = v.Str()
	}
	if v, ok := args.Get("temperature"); ok {
		req.Temperature = v.Float()
	}
	if v, ok := args.Get("max_tokens"); ok {
		req.MaxTokens = v.Int()
	}

	if v, ok := args.Get("messages"); ok {
		if v.Kind() != core.KindArray {
			return req, core.NewInvalidOperationError(desc.Target, "messages must be an array")
		}
		for i, m := range v.Array() {
			role, _ := m.Get("role")
			content, _ := m.Get("content")
			if role.Str() == "" {
				return req, core.NewInvalidOperationError(desc.Target, "message %d has no role", i)
			}
			msg := Message{Role: role.Str(), Content: textOf(content)}
			if id, ok := m.Get("tool_call_id"); ok {
				msg.ToolCallID = id.Str()
			}
			req.Messages = append(req.Messages, msg)
		}
	}

	input, ok := args.Get("input")
	if !ok {
		input, ok = args.Get("prompt")
	}
	if ok && !input.IsNil() {
		req.Messages = append(req.Messages, Message{Role: "user", Content: textOf(input)})
	}
	if len(req.Messages) == 0 {
		return req, core.NewInvalidOperationError(desc.Target, "model operation needs input, prompt or messages")
	}

	if v, ok := args.Get("tools"); ok {
		for _, t := range v.Array() {
			name, _ := t.Get("name")
			if name.Str() == "" {
				return req, core.NewInvalidOperationError(desc.Target, "tool definition has no name")
			}
			def := ToolDefinition{Name: name.Str()}
			if d, ok := t.Get("description"); ok {
				def.Description = d.Str()
			}
			if p, ok := t.Get("parameters"); ok {
				def.Parameters, _ = p.ToAny().(map[string]any)
			}
			req.Tools = append(req.Tools, def)
		}
	}
	return req, nil
}

// Value renders r as the script-facing result object.
func (r Response) Value() core.Value {
	obj := map[string]core.Value{
		"text":          core.NewString(r.Text),
		"finish_reason": core.NewString(r.FinishReason),
		"model":         core.NewString(r.Model),
		"provider":      core.NewString(r.Provider),
		"usage": core.NewObject(map[string]core.Value{
			"prompt_tokens":     core.NewInt(r.Usage.PromptTokens),
			"completion_tokens": core.NewInt(r.Usage.CompletionTokens),
			"total_tokens":      core.NewInt(r.Usage.TotalTokens),
		}),
	}
	if len(r.ToolCalls) > 0 {
		calls := make([]core.Value, len(r.ToolCalls))
		for i, c := range r.ToolCalls {
			calls[i] = core.NewObject(map[string]core.Value{
				"id":        core.NewString(c.ID),
				"name":      core.NewString(c.Name),
				"arguments": core.NewString(c.Arguments),
			})
		}
		obj["tool_calls"] = core.NewArray(calls)
	}
	return core.NewObject(obj)
}

// textOf renders non-string content as its printable form.
func textOf(v core.Value) string {
	if v.Kind() == core.KindString {
		return v.Str()
	}
	if v.IsNil() {
		return ""
	}
	return v.String()
}
