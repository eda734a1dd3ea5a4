// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import "fmt"

// FailureKind classifies call failures so tests and callers can make
// programmatic decisions without parsing error message text. On the
// wire every kind collapses to the single reserved code
// [wire.CodePlugin]; the kind is an internal taxonomy.
type FailureKind string

const (
	// KindParse indicates the line was not a syntactically valid message.
	KindParse FailureKind = "parse"

	// KindVersion indicates the jsonrpc version field was mismatched.
	KindVersion FailureKind = "version"

	// KindMethodNotFound indicates an unrecognized method name.
	KindMethodNotFound FailureKind = "method_not_found"

	// KindInvalidParams indicates an arity or type violation in params.
	KindInvalidParams FailureKind = "invalid_params"

	// KindState indicates a hook was called out of lifecycle order.
	KindState FailureKind = "state"

	// KindHandler indicates any other failure raised while executing
	// a hook body, including recovered panics.
	KindHandler FailureKind = "handler"
)

// CallError is a classified failure produced while handling one call.
// It wraps an inner error, preserving the full chain for debugging
// while adding the kind for the dispatch layer and tests. Use the
// kind-specific constructors rather than constructing CallError
// directly.
type CallError struct {
	// Kind classifies the failure.
	Kind FailureKind

	// Err is the underlying error with the human-readable message.
	Err error
}

// Error returns the underlying error message. The kind is not
// included — the wire reply carries only the reserved code and the
// message text.
func (e *CallError) Error() string { return e.Err.Error() }

// Unwrap returns the underlying error, allowing errors.Is and
// errors.As to walk the full chain through the CallError wrapper.
func (e *CallError) Unwrap() error { return e.Err }

// MethodNotFound creates a method-not-found error: the call named a
// method outside the hook table.
func MethodNotFound(format string, args ...any) *CallError {
	return &CallError{Kind: KindMethodNotFound, Err: fmt.Errorf(format, args...)}
}

// InvalidParams creates an invalid-params error: too few positional
// parameters, or a parameter of the wrong type.
func InvalidParams(format string, args ...any) *CallError {
	return &CallError{Kind: KindInvalidParams, Err: fmt.Errorf(format, args...)}
}

// StateError creates a lifecycle error: the hook is not callable in
// the session's current state.
func StateError(format string, args ...any) *CallError {
	return &CallError{Kind: KindState, Err: fmt.Errorf(format, args...)}
}

// HandlerError creates a handler error: the hook body itself failed.
func HandlerError(format string, args ...any) *CallError {
	return &CallError{Kind: KindHandler, Err: fmt.Errorf(format, args...)}
}
