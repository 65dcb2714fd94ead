// Package bridge converts script-initiated requests into native operations
// and returns exactly one result, or one error, back across the script
// boundary.
//
// Every request becomes a PendingOperation owned by a Registry. The
// operation moves through created → dispatched → resolved | timed_out |
// cancelled, and each terminal move is a compare-and-swap on the operation
// itself. The first signal to arrive (completion, deadline, cancellation)
// wins. Later signals find a tombstone and are dropped.
//
// Two suspension strategies are available:
//
//   - Blocking (InvokeAsync, the default): the calling goroutine parks until
//     the operation reaches a terminal state.
//   - Cooperative (Begin / Call.Poll): the call returns immediately and
//     the VM's driving loop polls. Poll never blocks, and the bridge never
//     polls on the VM's behalf.
//
// Native work runs on a fixed worker pool. Provider panics are recovered on
// the worker and surface as NativeOperationError.
package bridge
