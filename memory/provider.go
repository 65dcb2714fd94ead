package memory

import (
	"context"
	"strings"

	"github.com/hupe1980/spellbridge/core"
)

// Retrieval targets served by Provider.
const (
	TargetSearch = "memory.search"
	TargetStore  = "memory.store"
	TargetDelete = "memory.delete"
	TargetGet    = "memory.get"
	TargetPut    = "memory.put"
)

// DefaultSearchLimit applies when a search omits limit.
const DefaultSearchLimit = 10

// Provider serves retrieval descriptors from a Store. It implements
// bridge.Provider; mount it with mux.Handle(core.OpRetrieval, "memory.", p).
type Provider struct {
	store Store
	// DefaultSession is used when args carry no "session".
	DefaultSession string
}

// NewProvider wraps store.
func NewProvider(store Store) *Provider {
	return &Provider{store: store, DefaultSession: "default"}
}

// Execute dispatches on desc.Target.
func (p *Provider) Execute(ctx context.Context, desc core.OperationDescriptor) (core.Value, error) {
	args := desc.Args
	session := p.DefaultSession
	if s, ok := args.Get("session"); ok && s.Str() != "" {
		session = s.Str()
	}

	switch desc.Target {
	case TargetStore:
		content := stringArg(args, "content")
		var md map[string]any
		if v, ok := args.Get("metadata"); ok {
			md, _ = v.ToAny().(map[string]any)
		}
		id, err := p.store.Store(ctx, session, content, md)
		if err != nil {
			return core.Nil(), err
		}
		return core.NewObject(map[string]core.Value{"id": core.NewString(id)}), nil

	case TargetSearch:
		limit := DefaultSearchLimit
		if v, ok := args.Get("limit"); ok && v.Int() > 0 {
			limit = int(v.Int())
		}
		hits, err := p.store.Search(ctx, session, stringArg(args, "query"), limit)
		if err != nil {
			return core.Nil(), err
		}
		out := make([]core.Value, len(hits))
		for i, h := range hits {
			out[i] = h.value()
		}
		return core.NewArray(out), nil

	case TargetDelete:
		id := stringArg(args, "id")
		if id == "" {
			return core.Nil(), core.NewInvalidOperationError(desc.Target, "missing memory id")
		}
		if err := p.store.Delete(ctx, session, id); err != nil {
			return core.Nil(), err
		}
		return core.NewBool(true), nil

	case TargetGet:
		kv, err := p.store.Get(ctx, session)
		if err != nil {
			return core.Nil(), err
		}
		return core.FromAny(kv)

	case TargetPut:
		v, ok := args.Get("values")
		delta, _ := v.ToAny().(map[string]any)
		if !ok || delta == nil {
			return core.Nil(), core.NewInvalidOperationError(desc.Target, "values must be an object")
		}
		if err := p.store.Put(ctx, session, delta); err != nil {
			return core.Nil(), err
		}
		return core.NewBool(true), nil
	}
	return core.Nil(), core.NewInvalidOperationError(desc.Target, "unknown memory operation")
}

func stringArg(args core.Value, key string) string {
	if args.Kind() == core.KindString && key == "query" {
		return args.Str()
	}
	v, ok := args.Get(key)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v.Str())
}
