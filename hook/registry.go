package hook

import (
	"sync"
	"time"

	"github.com/hupe1980/spellbridge/core"
)

// ID identifies one registration.
type ID string

// Registration binds a handler to a point. Registrations are immutable once
// stored.
type Registration struct {
	ID          ID
	Point       Point
	OrdinalHint int
	Name        string
	// Budget overrides the dispatcher's budget resolution when > 0.
	Budget time.Duration
	// Breaker overrides the dispatcher's breaker configuration when set.
	Breaker *BreakerConfig

	seq     uint64
	handler Handler
}

// Handler returns the registered handler.
func (r Registration) Handler() Handler { return r.handler }

// RegisterOption customizes a registration.
type RegisterOption func(r *Registration)

// WithBudget gives the handler its own per-call budget.
func WithBudget(d time.Duration) RegisterOption {
	return func(r *Registration) { r.Budget = d }
}

// WithBreaker gives the handler its own circuit breaker configuration. A
// zero Threshold exempts the handler from the breaker.
func WithBreaker(cfg BreakerConfig) RegisterOption {
	return func(r *Registration) { r.Breaker = &cfg }
}

// WithName labels the registration in logs and events.
func WithName(name string) RegisterOption {
	return func(r *Registration) { r.Name = name }
}

// Registry keeps the ordered handler list of every point.
//
// Handlers at a point are ordered by ordinal hint, then by registration
// sequence. Each point's list is copy-on-write: Snapshot hands out the
// current slice and writers publish a new slice, so a dispatch in flight
// never observes registrations made or removed after it started.
type Registry struct {
	mu      sync.RWMutex
	seq     uint64
	byPoint map[Point][]Registration
	byID    map[ID]Point
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byPoint: make(map[Point][]Registration),
		byID:    make(map[ID]Point),
	}
}

// Register adds h at point. ordinalHint moves the handler ahead of (lower)
// or behind (higher) handlers with other hints; equal hints keep
// registration order.
func (r *Registry) Register(point Point, ordinalHint int, h Handler, opts ...RegisterOption) (ID, error) {
	if !point.Valid() {
		return "", core.NewInvalidOperationError("", "unknown hook point %q", point)
	}
	if h == nil {
		return "", core.NewInvalidOperationError(string(point), "nil hook handler")
	}
	reg := Registration{
		ID:          ID(core.NewID()),
		Point:       point,
		OrdinalHint: ordinalHint,
		handler:     h,
	}
	for _, opt := range opts {
		opt(&reg)
	}
	if reg.Budget < 0 {
		return "", core.NewInvalidOperationError(string(point), "negative hook budget %s", reg.Budget)
	}
	if reg.Breaker != nil && reg.Breaker.enabled() && reg.Breaker.Cooldown <= 0 {
		return "", core.NewInvalidOperationError(string(point), "hook breaker needs a positive cooldown")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	reg.seq = r.seq

	cur := r.byPoint[point]
	idx := len(cur)
	for i, existing := range cur {
		if existing.OrdinalHint > ordinalHint {
			idx = i
			break
		}
	}
	next := make([]Registration, 0, len(cur)+1)
	next = append(next, cur[:idx]...)
	next = append(next, reg)
	next = append(next, cur[idx:]...)

	r.byPoint[point] = next
	r.byID[reg.ID] = point
	return reg.ID, nil
}

// Unregister removes a registration. It reports whether id was known.
func (r *Registry) Unregister(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	point, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)

	cur := r.byPoint[point]
	next := make([]Registration, 0, len(cur))
	for _, reg := range cur {
		if reg.ID != id {
			next = append(next, reg)
		}
	}
	if len(next) == 0 {
		delete(r.byPoint, point)
		return true
	}
	r.byPoint[point] = next
	return true
}

// Snapshot returns the registrations of point in dispatch order. The slice
// is shared and must not be modified.
func (r *Registry) Snapshot(point Point) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byPoint[point]
}

// Len returns the number of handlers registered at point.
func (r *Registry) Len(point Point) int {
	return len(r.Snapshot(point))
}
