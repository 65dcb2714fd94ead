// Package logging provides a minimal logging interface and adapters for spellbridge.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the bridge, the hook dispatcher and the state machines use for observability.
// This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - StructuredLogger with component/operation scoping and domain helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	rt := spellbridge.New(func(o *spellbridge.Options) { o.Logger = logger })
//
// The interface stays minimal so callers can plug in any structured logger.
package logging
