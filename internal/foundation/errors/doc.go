// Package errors provides foundational, type-safe error primitives used across eventpipe.
//
// This package contains classified error types and helpers for robust error handling,
// including a fluent builder API for constructing ClassifiedError values with context.
//
// Key features:
//   - ErrorCategory: Broad error classification (validation, eventstore, broker, processing, etc.)
//   - ErrorSeverity: Impact level (fatal, error, warning, info)
//   - RetryStrategy: Retry behavior (never, immediate, backoff)
//   - ClassifiedError: Structured error with category, severity, and context
//   - ErrorBuilder: Fluent API for creating classified errors
//   - HTTP and CLI adapters for error presentation
//
// Workers use the retry strategy to decide whether a failed delivery is released back to
// its queue or acknowledged as permanently unprocessable.
//
// Example usage:
//
//	err := errors.EventStoreError("update failed").
//		WithContext("event_id", key.EventID).
//		WithCause(originalErr).
//		Build()
package errors
