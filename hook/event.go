package hook

import (
	"time"

	"github.com/hupe1980/spellbridge/core"
)

// Event is the immutable record of one dispatched transition. It is produced
// once per Dispatch, after every handler ran, and pushed to the subscribers
// registered at that moment.
type Event struct {
	ID          string            `json:"id"`
	Point       Point             `json:"point"`
	EntityID    string            `json:"entity_id,omitempty"`
	OperationID string            `json:"operation_id,omitempty"`
	Payload     core.Value        `json:"payload"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	// Vetoed is set when a handler vetoed the transition.
	Vetoed bool `json:"vetoed,omitempty"`
	// Failures counts handlers that failed or exceeded their budget.
	Failures int `json:"failures,omitempty"`
	// Skipped counts handlers whose circuit breaker was open.
	Skipped int `json:"skipped,omitempty"`
}

// NewEvent builds an event stamped with a fresh id and the current UTC time.
func NewEvent(point Point, entityID, operationID string, payload core.Value, attrs map[string]string) Event {
	return Event{
		ID:          core.NewID(),
		Point:       point,
		EntityID:    entityID,
		OperationID: operationID,
		Payload:     payload,
		Attributes:  cloneAttrs(attrs),
		Timestamp:   time.Now().UTC(),
	}
}

// Attr returns an attribute value or "".
func (e Event) Attr(key string) string { return e.Attributes[key] }

// clone returns a copy whose attribute map is private to the receiver of
// the copy. Payload is a core.Value and already immutable.
func (e Event) clone() Event {
	e.Attributes = cloneAttrs(e.Attributes)
	return e
}

func cloneAttrs(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return cp
}
