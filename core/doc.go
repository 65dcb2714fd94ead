// Package core provides the foundational domain types shared by the bridge,
// the hook dispatcher and the state machines built on top of them:
//
//   - Value, a closed tagged variant that every script payload is marshalled
//     into before it crosses into native code
//   - OperationDescriptor, the validated request for one unit of native work
//   - EngineHandle, the opaque identity of one scripting VM instance
//   - ExecutionContext, the read-only snapshot visible to in-flight hooks
//   - the error taxonomy (InvalidOperation, ReentrantInvocation, Timeout,
//     Cancelled, HookTimeout, HookFailure, NativeOperation, StateTransition)
//
// The package holds no behaviour beyond construction and validation; the
// bridge and hook packages own all execution.
package core
