package bridge

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/spellbridge/core"
)

// Provider performs native work for a descriptor. Execute runs on a bridge
// worker; ctx is cancelled when the bridge detaches from the operation
// (deadline, cancellation, shutdown), and providers should stop promptly
// when it is. A provider that keeps running after detachment is tolerated:
// its result is discarded.
type Provider interface {
	Execute(ctx context.Context, desc core.OperationDescriptor) (core.Value, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, desc core.OperationDescriptor) (core.Value, error)

// Execute calls f(ctx, desc).
func (f ProviderFunc) Execute(ctx context.Context, desc core.OperationDescriptor) (core.Value, error) {
	return f(ctx, desc)
}

// Router is a Provider able to tell, before dispatch, whether it can serve
// a descriptor. The bridge uses it to reject unroutable requests with
// InvalidOperationError instead of starting native work.
type Router interface {
	Provider
	Route(desc core.OperationDescriptor) (Provider, error)
}

type route struct {
	prefix   string
	provider Provider
}

// Mux routes descriptors by kind and longest matching target prefix.
//
// Example:
//
//	mux := bridge.NewMux()
//	mux.Handle(core.OpTool, "", toolProvider)
//	mux.Handle(core.OpModel, "openai/", openaiProvider)
//	mux.Handle(core.OpModel, "anthropic/", anthropicProvider)
type Mux struct {
	mu     sync.RWMutex
	routes map[core.OperationKind][]route
}

// NewMux creates an empty router.
func NewMux() *Mux {
	return &Mux{routes: make(map[core.OperationKind][]route)}
}

// Handle registers p for descriptors of kind whose target starts with
// prefix. An empty prefix matches every target of the kind. Registering the
// same kind and prefix again replaces the provider.
func (m *Mux) Handle(kind core.OperationKind, prefix string, p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	routes := m.routes[kind]
	for i, r := range routes {
		if r.prefix == prefix {
			routes[i].provider = p
			return
		}
	}
	routes = append(routes, route{prefix: prefix, provider: p})
	sort.SliceStable(routes, func(i, j int) bool { return len(routes[i].prefix) > len(routes[j].prefix) })
	m.routes[kind] = routes
}

// HandleFunc registers a function provider.
func (m *Mux) HandleFunc(kind core.OperationKind, prefix string, fn func(ctx context.Context, desc core.OperationDescriptor) (core.Value, error)) {
	m.Handle(kind, prefix, ProviderFunc(fn))
}

// Route returns the provider serving desc.
func (m *Mux) Route(desc core.OperationDescriptor) (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.routes[desc.Kind] {
		if strings.HasPrefix(desc.Target, r.prefix) {
			return r.provider, nil
		}
	}
	return nil, core.NewInvalidOperationError(desc.Target, "no provider for %s", desc)
}

// Execute routes desc and runs it.
func (m *Mux) Execute(ctx context.Context, desc core.OperationDescriptor) (core.Value, error) {
	p, err := m.Route(desc)
	if err != nil {
		return core.Nil(), err
	}
	return p.Execute(ctx, desc)
}
