package agent

import (
	"bytes"
	"context"
	"strings"
	"text/template"

	"github.com/hupe1980/spellbridge/core"
)

// Provider supplies dynamic instruction text at runtime, derived from the
// invocation input, the environment or anything else reachable from ctx.
type Provider interface {
	Instruction(ctx context.Context, input core.Value) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(ctx context.Context, input core.Value) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(ctx context.Context, input core.Value) (string, error) { return f(ctx, input) }

// Instruction represents either a static instruction string or a dynamic provider.
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a static string.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(ctx context.Context, input core.Value) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// NewInstructionFromTemplate renders text as a text/template against the
// invocation input. Object inputs expose their keys ({{.topic}}); any other
// input is available as {{.input}}.
func NewInstructionFromTemplate(text string) (Instruction, error) {
	if !strings.Contains(text, "{{") {
		return NewInstructionFromText(text), nil
	}
	tmpl, err := template.New("instruction").Option("missingkey=zero").Parse(text)
	if err != nil {
		return Instruction{}, core.NewInvalidOperationError("instruction", "parse template: %v", err)
	}
	return NewInstructionFromFunc(func(_ context.Context, input core.Value) (string, error) {
		data := map[string]any{"input": input.ToAny()}
		if input.Kind() == core.KindObject {
			for k, v := range input.Object() {
				data[k] = v.ToAny()
			}
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return "", err
		}
		return buf.String(), nil
	}), nil
}

// IsStatic returns true if the instruction is backed by a static string.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// Resolve returns the instruction text, invoking the provider if needed.
func (i Instruction) Resolve(ctx context.Context, input core.Value) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(ctx, input)
	}
	return i.text, nil
}
