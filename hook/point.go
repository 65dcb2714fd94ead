package hook

import (
	"github.com/hupe1980/spellbridge/core"
)

// Point identifies a fixed lifecycle location at which handlers may attach.
// The set is closed: scripts register handlers against existing points but
// can not mint new ones. The string form is the stable name exposed to
// scripting adapters and written into events.
type Point string

const (
	// BeforeOperation fires once a descriptor is validated, before the native
	// executor receives the work. Vetoable.
	BeforeOperation Point = "before_operation"

	// AfterOperation fires after an operation resolved, timed out or was cancelled.
	AfterOperation Point = "after_operation"

	// BeforeToolCall fires after parameter validation, before the tool is
	// bridged. The payload is the tool arguments. Vetoable.
	BeforeToolCall Point = "before_tool_call"

	// AfterToolCall fires after a tool call resolved. The payload is the result.
	AfterToolCall Point = "after_tool_call"

	// ToolError fires when a tool call resolved with an error.
	ToolError Point = "tool_error"

	// BeforeAgentExecution fires before an agent moves from ready to executing. Vetoable.
	BeforeAgentExecution Point = "before_agent_execution"

	// AfterAgentExecution fires after an agent invocation settled.
	AfterAgentExecution Point = "after_agent_execution"

	// AgentStateChanged fires on every agent state transition.
	AgentStateChanged Point = "agent_state_changed"

	// WorkflowStart fires before the first step of a workflow. Vetoable.
	WorkflowStart Point = "workflow_start"

	// WorkflowStepStart fires before each step runs. Vetoable.
	WorkflowStepStart Point = "workflow_step_start"

	// WorkflowStepEnd fires after each step settled (success, skip or failure).
	WorkflowStepEnd Point = "workflow_step_end"

	// BeforeRetry fires before a failed step is retried. Vetoable.
	BeforeRetry Point = "before_retry"

	// WorkflowComplete fires when all steps ran.
	WorkflowComplete Point = "workflow_complete"

	// WorkflowError fires when a workflow halted on a failure.
	WorkflowError Point = "workflow_error"

	// ScriptEvent is raised by scripts through the capability surface.
	ScriptEvent Point = "script_event"
)

// Policy describes how handler errors at a point affect the transition.
type Policy int

const (
	// ObservationOnly points record handler errors and never undo the transition.
	ObservationOnly Policy = iota
	// Vetoable points let the first failing handler veto the transition.
	Vetoable
)

func (p Policy) String() string {
	if p == Vetoable {
		return "vetoable"
	}
	return "observation_only"
}

var points = []struct {
	point  Point
	policy Policy
}{
	{BeforeOperation, Vetoable},
	{AfterOperation, ObservationOnly},
	{BeforeToolCall, Vetoable},
	{AfterToolCall, ObservationOnly},
	{ToolError, ObservationOnly},
	{BeforeAgentExecution, Vetoable},
	{AfterAgentExecution, ObservationOnly},
	{AgentStateChanged, ObservationOnly},
	{WorkflowStart, Vetoable},
	{WorkflowStepStart, Vetoable},
	{WorkflowStepEnd, ObservationOnly},
	{BeforeRetry, Vetoable},
	{WorkflowComplete, ObservationOnly},
	{WorkflowError, ObservationOnly},
	{ScriptEvent, ObservationOnly},
}

var policies = func() map[Point]Policy {
	m := make(map[Point]Policy, len(points))
	for _, p := range points {
		m[p.point] = p.policy
	}
	return m
}()

// Points returns every known point in declaration order.
func Points() []Point {
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = p.point
	}
	return out
}

// Valid reports whether p belongs to the closed set.
func (p Point) Valid() bool {
	_, ok := policies[p]
	return ok
}

// Policy returns the veto policy of p. Unknown points are observation-only.
func (p Point) Policy() Policy { return policies[p] }

// Vetoable is shorthand for p.Policy() == Vetoable.
func (p Point) Vetoable() bool { return policies[p] == Vetoable }

func (p Point) String() string { return string(p) }

// ParsePoint resolves a script supplied name into a Point.
func ParsePoint(name string) (Point, error) {
	p := Point(name)
	if !p.Valid() {
		return "", core.NewInvalidOperationError("", "unknown hook point %q", name)
	}
	return p, nil
}
