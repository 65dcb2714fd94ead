// Package agent implements the agent lifecycle state machine.
//
// An Agent moves through created, ready, executing, error and terminated.
// Every transition is validated against a fixed table and dispatched as
// agent_state_changed. Execution itself is delegated to the bridge as a
// model operation; the agent never touches native workers.
//
// Design principles:
//   - Explicit wiring: the dispatcher and bridge are passed in, never global
//   - Thin driver: the agent validates, dispatches and delegates
//   - Observability: every transition is logged and published as an event
package agent
