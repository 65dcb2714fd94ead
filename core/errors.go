package core

import (
	"errors"
	"fmt"
	"time"
)

// Code categorizes bridge errors. Every error that crosses the script
// boundary carries exactly one code.
type Code string

const (
	// CodeInvalidOperation marks a malformed request rejected before dispatch.
	CodeInvalidOperation Code = "INVALID_OPERATION"
	// CodeReentrantInvocation marks adapter misuse: a second call on an engine
	// handle whose previous call is unresolved.
	CodeReentrantInvocation Code = "REENTRANT_INVOCATION"
	// CodeTimeout marks an operation whose deadline elapsed before resolution.
	CodeTimeout Code = "TIMEOUT"
	// CodeCancelled marks an explicit abort (caller, hook veto, workflow abort).
	CodeCancelled Code = "CANCELLED"
	// CodeHookTimeout marks a hook handler that exceeded its budget.
	CodeHookTimeout Code = "HOOK_TIMEOUT"
	// CodeHookFailure marks a hook handler that returned an error or panicked.
	CodeHookFailure Code = "HOOK_FAILURE"
	// CodeNativeOperation wraps whatever the native provider reported.
	CodeNativeOperation Code = "NATIVE_OPERATION"
	// CodeStateTransition marks an illegal state machine transition.
	CodeStateTransition Code = "STATE_TRANSITION"
)

// Error is the single error type of the bridge taxonomy. Match classes with
// errors.Is against the Err* sentinels and reach provider errors through
// errors.As / errors.Unwrap.
type Error struct {
	Code    Code   `json:"code"`
	Op      string `json:"op,omitempty"` // operation id, hook id or entity the error is about
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Code, e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, which makes the sentinels below
// usable with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInvalidOperation    = &Error{Code: CodeInvalidOperation, Message: "invalid operation"}
	ErrReentrantInvocation = &Error{Code: CodeReentrantInvocation, Message: "reentrant invocation"}
	ErrTimeout             = &Error{Code: CodeTimeout, Message: "deadline exceeded"}
	ErrCancelled           = &Error{Code: CodeCancelled, Message: "cancelled"}
	ErrHookTimeout         = &Error{Code: CodeHookTimeout, Message: "hook budget exceeded"}
	ErrHookFailure         = &Error{Code: CodeHookFailure, Message: "hook failed"}
	ErrNativeOperation     = &Error{Code: CodeNativeOperation, Message: "native operation failed"}
	ErrStateTransition     = &Error{Code: CodeStateTransition, Message: "illegal state transition"}
)

// CodeOf returns the taxonomy code of err, or "" when err is not a bridge error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func NewInvalidOperationError(op, format string, args ...any) *Error {
	return &Error{Code: CodeInvalidOperation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NewReentrantInvocationError(engine, pending string) *Error {
	return &Error{
		Code:    CodeReentrantInvocation,
		Op:      engine,
		Message: fmt.Sprintf("engine already has unresolved operation %s", pending),
	}
}

func NewTimeoutError(op string, after time.Duration) *Error {
	return &Error{Code: CodeTimeout, Op: op, Message: fmt.Sprintf("deadline of %s exceeded", after)}
}

// NewCancelledError reports an explicit abort. cause may be nil.
func NewCancelledError(op, reason string, cause error) *Error {
	return &Error{Code: CodeCancelled, Op: op, Message: reason, Err: cause}
}

func NewHookTimeoutError(hookID string, budget time.Duration) *Error {
	return &Error{Code: CodeHookTimeout, Op: hookID, Message: fmt.Sprintf("handler exceeded budget of %s", budget)}
}

func NewHookFailureError(hookID string, cause error) *Error {
	msg := "handler failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: CodeHookFailure, Op: hookID, Message: msg, Err: cause}
}

// NewNativeOperationError wraps a provider error. The provider's message is
// kept verbatim and the provider error stays reachable via errors.As. An
// error that already is a native operation error is returned unchanged.
func NewNativeOperationError(op string, cause error) *Error {
	var e *Error
	if errors.As(cause, &e) && e.Code == CodeNativeOperation {
		return e
	}
	msg := "native operation failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: CodeNativeOperation, Op: op, Message: msg, Err: cause}
}

func NewStateTransitionError(entity string, from, to fmt.Stringer) *Error {
	return &Error{
		Code:    CodeStateTransition,
		Op:      entity,
		Message: fmt.Sprintf("illegal transition %s -> %s", from, to),
	}
}
