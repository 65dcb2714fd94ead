package testutil

import (
	"time"

	"github.com/hupe1980/spellbridge/core"
)

// DescriptorBuilder provides a fluent helper for constructing operation
// descriptors in tests.
// Example:
//
//	desc := NewDescriptorBuilder().Tool("search").Arg("q", "go").Deadline(time.Second).Build()
//
// Chain only the parts you need; the default is a custom "test" operation.
type DescriptorBuilder struct {
	desc core.OperationDescriptor
	args map[string]core.Value
}

// NewDescriptorBuilder creates a builder for a custom operation named "test".
func NewDescriptorBuilder() *DescriptorBuilder {
	return &DescriptorBuilder{
		desc: core.OperationDescriptor{Kind: core.OpCustom, Target: "test"},
		args: map[string]core.Value{},
	}
}

// Kind sets the operation kind (chainable).
func (b *DescriptorBuilder) Kind(k core.OperationKind) *DescriptorBuilder { b.desc.Kind = k; return b }

// Target sets the operation target (chainable).
func (b *DescriptorBuilder) Target(t string) *DescriptorBuilder { b.desc.Target = t; return b }

// Tool targets a tool by name (chainable).
func (b *DescriptorBuilder) Tool(name string) *DescriptorBuilder {
	b.desc.Kind, b.desc.Target = core.OpTool, name
	return b
}

// Model targets a model such as "openai/gpt-4o-mini" (chainable).
func (b *DescriptorBuilder) Model(target string) *DescriptorBuilder {
	b.desc.Kind, b.desc.Target = core.OpModel, target
	return b
}

// Arg sets one argument, converted with core.MustFromAny (chainable).
func (b *DescriptorBuilder) Arg(key string, v any) *DescriptorBuilder {
	b.args[key] = core.MustFromAny(v)
	return b
}

// Deadline sets the relative deadline (chainable).
func (b *DescriptorBuilder) Deadline(d time.Duration) *DescriptorBuilder { b.desc.Deadline = d; return b }

// Entity sets the driving entity id (chainable).
func (b *DescriptorBuilder) Entity(id string) *DescriptorBuilder { b.desc.EntityID = id; return b }

// Meta adds a metadata entry (chainable).
func (b *DescriptorBuilder) Meta(k, v string) *DescriptorBuilder {
	if b.desc.Metadata == nil {
		b.desc.Metadata = map[string]string{}
	}
	b.desc.Metadata[k] = v
	return b
}

// Build returns the descriptor. Args is an object when any Arg was set and
// nil otherwise.
func (b *DescriptorBuilder) Build() core.OperationDescriptor {
	d := b.desc
	if len(b.args) > 0 {
		d.Args = core.NewObject(b.args)
	}
	return d
}
