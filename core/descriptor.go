package core

import (
	"strings"
	"time"
)

// OperationKind names the family of native work a descriptor requests. The
// bridge routes on it; it never interprets the payload.
type OperationKind string

const (
	OpModel     OperationKind = "model"
	OpTool      OperationKind = "tool"
	OpRetrieval OperationKind = "retrieval"
	OpCustom    OperationKind = "custom"
)

// Valid reports whether k is one of the known kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case OpModel, OpTool, OpRetrieval, OpCustom:
		return true
	}
	return false
}

// OperationDescriptor describes one unit of native work requested by a script.
//
// Target identifies the concrete operation within its kind ("openai/gpt-4o-mini",
// a tool name, "memory.search"). Deadline is relative to dispatch; zero means
// the bridge default applies.
type OperationDescriptor struct {
	Kind     OperationKind     `json:"kind"`
	Target   string            `json:"target"`
	Args     Value             `json:"args"`
	Deadline time.Duration     `json:"deadline,omitempty"`
	EntityID string            `json:"entity_id,omitempty"` // agent, tool invocation or workflow driving the call
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate rejects descriptors that must never reach the executor.
func (d OperationDescriptor) Validate() error {
	if strings.TrimSpace(d.Target) == "" {
		return NewInvalidOperationError("", "operation target is empty")
	}
	if d.Deadline < 0 {
		return NewInvalidOperationError(d.Target, "negative deadline %s", d.Deadline)
	}
	if !d.Kind.Valid() {
		return NewInvalidOperationError(d.Target, "unknown operation kind %q", d.Kind)
	}
	return nil
}

// String renders "kind:target", the form used in logs and span names.
func (d OperationDescriptor) String() string {
	return string(d.Kind) + ":" + d.Target
}
