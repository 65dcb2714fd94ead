package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/spellbridge/core"
)

// Provider executes tool operations on bridge workers. Register it on a
// bridge.Mux for core.OpTool.
type Provider struct {
	tools *Registry
}

// NewProvider creates a provider over tools.
func NewProvider(tools *Registry) *Provider {
	return &Provider{tools: tools}
}

// Execute implements bridge.Provider. Arguments arrive as plain Go values:
// integers as int64, other numbers as float64.
func (p *Provider) Execute(ctx context.Context, desc core.OperationDescriptor) (core.Value, error) {
	t, ok := p.tools.Get(desc.Target)
	if !ok {
		return core.Nil(), NewToolError(desc.Target, "tool not registered", CodeExecution)
	}
	args, err := argsMap(desc.Args)
	if err != nil {
		return core.Nil(), &ToolError{Tool: desc.Target, Message: err.Error(), Code: CodeValidation, Details: err}
	}

	result, err := t.Call(ctx, args)
	if err != nil {
		return core.Nil(), err
	}
	v, err := core.FromAny(result)
	if err != nil {
		return core.Nil(), &ToolError{Tool: desc.Target, Message: "unsupported result: " + err.Error(), Code: CodeExecution, Details: err}
	}
	return v, nil
}

func argsMap(v core.Value) (map[string]any, error) {
	switch v.Kind() {
	case core.KindNil:
		return map[string]any{}, nil
	case core.KindObject:
		return v.ToAny().(map[string]any), nil
	default:
		return nil, fmt.Errorf("tool arguments must be an object, got %s", v.Kind())
	}
}
