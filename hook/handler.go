package hook

import (
	"context"
	"fmt"

	"github.com/hupe1980/spellbridge/core"
	"github.com/hupe1980/spellbridge/logging"
)

// Context is handed to every handler invocation. It is a private copy: a
// handler may read everything but changes are never seen by other handlers
// or by the transition that triggered the dispatch.
type Context struct {
	// Point that triggered the dispatch.
	Point Point

	// RegistrationID of the handler being invoked.
	RegistrationID ID

	// EntityID of the agent, tool invocation or workflow whose transition is observed.
	EntityID string

	// OperationID of the enclosing bridged operation, if any.
	OperationID string

	// Payload describing the transition (tool arguments, results, state names).
	Payload core.Value

	// Attributes carry small string annotations (tool name, step index, error text).
	Attributes map[string]string
}

// Attr returns an attribute value or "".
func (c *Context) Attr(key string) string {
	if c == nil || c.Attributes == nil {
		return ""
	}
	return c.Attributes[key]
}

// Handler reacts to a lifecycle transition.
//
// Handlers run synchronously relative to the transition, in registration
// order, each bounded by its budget. The ctx passed to Handle is cancelled
// when the budget elapses; handlers performing I/O must honour it. Returning
// an error from a handler at a vetoable point vetoes the transition.
type Handler interface {
	Handle(ctx context.Context, hc *Context) error
}

// HandlerFunc adapts a function to the Handler interface.
//
// Example:
//
//	id, _ := dispatcher.Register(hook.BeforeToolCall, 0, hook.HandlerFunc(
//	  func(ctx context.Context, hc *hook.Context) error {
//	    if hc.Attr("tool") == "rm_rf" {
//	      return errors.New("tool disabled")
//	    }
//	    return nil
//	  }))
type HandlerFunc func(ctx context.Context, hc *Context) error

// Handle calls f(ctx, hc).
func (f HandlerFunc) Handle(ctx context.Context, hc *Context) error { return f(ctx, hc) }

// LoggingHandler writes one debug line per observed transition.
type LoggingHandler struct {
	logger logging.Logger
}

// NewLoggingHandler creates a handler that logs through l.
func NewLoggingHandler(l logging.Logger) *LoggingHandler {
	return &LoggingHandler{logger: logging.OrNoOp(l)}
}

// Handle never fails.
func (h *LoggingHandler) Handle(_ context.Context, hc *Context) error {
	h.logger.Debug("hook.observe",
		"point", hc.Point.String(),
		"entity_id", hc.EntityID,
		"operation_id", hc.OperationID,
		"payload", hc.Payload.String(),
	)
	return nil
}

// panicError records a recovered handler panic.
type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("hook handler panicked: %v", e.value) }
