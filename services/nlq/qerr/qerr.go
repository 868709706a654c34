// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package qerr defines the closed error taxonomy shared by every stage of the
// query translation pipeline.
package qerr

import "fmt"

// =============================================================================
// Error Kinds
// =============================================================================

// Kind identifies one of the closed set of pipeline failure categories.
//
// Description:
//
//	Every failure that can surface from the pipeline maps to exactly one
//	Kind. The orchestrator's retry policy and the suggestion engine's
//	message table are both keyed on Kind.
type Kind string

const (
	// KindSyntax marks malformed queries caught by the validator or database.
	KindSyntax Kind = "syntax"

	// KindUnknownLabel marks references to node labels absent from the schema.
	KindUnknownLabel Kind = "unknown_label"

	// KindUnknownProperty marks references to properties absent from a label's set.
	KindUnknownProperty Kind = "unknown_property"

	// KindUnknownRelationship marks references to relationship types absent
	// from the schema.
	KindUnknownRelationship Kind = "unknown_relationship"

	// KindTypeMismatch marks comparisons between incompatible value types.
	KindTypeMismatch Kind = "type_mismatch"

	// KindTimeout marks deadline expiry at the LLM or database boundary.
	KindTimeout Kind = "timeout"

	// KindEmptyResult marks a successful execution that returned zero rows.
	KindEmptyResult Kind = "empty_result"

	// KindTransport marks network-level failures reaching the LLM endpoint.
	KindTransport Kind = "transport"

	// KindInternal marks any unexpected failure inside the pipeline itself.
	KindInternal Kind = "internal"
)

// Retryable reports whether the orchestrator may spend retry budget on this kind.
//
// Description:
//
//	Only unknown-identifier errors (failure-aware regeneration) and empty
//	results (broadening regeneration) are worth another LLM call. Timeouts
//	cascade and are never retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindUnknownLabel, KindUnknownProperty, KindUnknownRelationship, KindEmptyResult:
		return true
	default:
		return false
	}
}

// =============================================================================
// QueryError
// =============================================================================

// QueryError is a classified pipeline failure.
//
// Description:
//
//	Carries the Kind, the offending token when one could be isolated (for
//	fuzzy did-you-mean computation), the raw underlying message for
//	diagnostics, and the query that failed. The raw message is never shown
//	to end users; the suggestion engine builds the user-facing text.
//
// Thread Safety: QueryError is immutable after construction.
type QueryError struct {
	// Kind is the classified category.
	Kind Kind

	// Token is the offending identifier, if one was isolated. May be empty.
	Token string

	// RawMessage is the underlying validator or driver message.
	RawMessage string

	// Query is the query that triggered the failure. May be empty when
	// generation itself failed.
	Query string
}

// New creates a QueryError with the given kind and raw message.
func New(kind Kind, rawMessage string) *QueryError {
	return &QueryError{Kind: kind, RawMessage: rawMessage}
}

// Newf creates a QueryError with a formatted raw message.
func Newf(kind Kind, format string, args ...any) *QueryError {
	return &QueryError{Kind: kind, RawMessage: fmt.Sprintf(format, args...)}
}

// WithToken returns a copy of the error carrying the offending token.
func (e *QueryError) WithToken(token string) *QueryError {
	dup := *e
	dup.Token = token
	return &dup
}

// WithQuery returns a copy of the error carrying the offending query.
func (e *QueryError) WithQuery(query string) *QueryError {
	dup := *e
	dup.Query = query
	return &dup
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("%s: %s (token %q)", e.Kind, e.RawMessage, e.Token)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.RawMessage)
}

// KindOf extracts the Kind from an error, defaulting to KindInternal.
//
// Inputs:
//   - err: Any error. May be nil.
//
// Outputs:
//   - Kind: The classified kind, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	if qe, ok := err.(*QueryError); ok {
		return qe.Kind
	}
	return KindInternal
}

// AsQueryError returns err as a *QueryError, wrapping unclassified errors
// as KindInternal.
func AsQueryError(err error) *QueryError {
	if qe, ok := err.(*QueryError); ok {
		return qe
	}
	return &QueryError{Kind: KindInternal, RawMessage: err.Error()}
}
