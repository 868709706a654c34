// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package postprocess normalizes candidate queries between generation and
// validation. Every transform is idempotent and quote-aware; running the
// processor on its own output is a no-op.
package postprocess

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var transformApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "orgatlas",
	Subsystem: "postprocess",
	Name:      "transform_total",
	Help:      "Query transforms applied, by transform name",
}, []string{"transform"})

// Transform names reported in Result.Applied and metrics.
const (
	TransformStripComments  = "strip_comments"
	TransformFunctionRename = "function_rename"
	TransformStatementTrim  = "statement_trim"
	TransformTrailingSemi   = "trailing_semicolon"
	TransformWhitespace     = "whitespace"
)

// functionRenames maps SQL-flavored function names the model drifts into onto
// their Cypher spellings. Matched case-insensitively at word boundaries,
// outside string literals.
var functionRenames = []struct{ from, to string }{
	{"lower(", "toLower("},
	{"upper(", "toUpper("},
	{"length(", "size("},
	{"substring(", "substring("}, // canonical lowercase spelling
}

// =============================================================================
// Processor
// =============================================================================

// Result is a processed query plus the transforms that changed it.
type Result struct {
	// Query is the normalized query text.
	Query string

	// Applied lists the transforms that modified the input, in order.
	Applied []string
}

// Process runs the transform chain on a candidate query.
//
// Description:
//
//	Order matters: comments go first so commented-out semicolons cannot
//	truncate the statement, then function renames, then the multi-statement
//	trim at the first unquoted semicolon, then trailing-semicolon and
//	whitespace cleanup. All scanning is quote-aware; content inside single
//	or double quoted strings is never touched.
//
// Inputs:
//   - raw: The candidate query from the LLM cleanup or the cache.
//
// Outputs:
//   - Result: The normalized query and applied-transform telemetry.
func Process(raw string) Result {
	res := Result{Query: raw}

	apply := func(name string, fn func(string) string) {
		out := fn(res.Query)
		if out != res.Query {
			res.Query = out
			res.Applied = append(res.Applied, name)
			transformApplied.WithLabelValues(name).Inc()
		}
	}

	apply(TransformStripComments, stripComments)
	apply(TransformFunctionRename, renameFunctions)
	apply(TransformStatementTrim, trimAtSemicolon)
	apply(TransformTrailingSemi, stripTrailingSemicolon)
	apply(TransformWhitespace, normalizeWhitespace)
	return res
}

// =============================================================================
// Transforms
// =============================================================================

// stripComments removes -- and // line comments and /* */ block comments
// outside string literals.
func stripComments(query string) string {
	var sb strings.Builder
	sb.Grow(len(query))
	var inSingle, inDouble bool
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case inSingle:
			sb.WriteByte(c)
			if c == '\'' {
				inSingle = false
			}
		case inDouble:
			sb.WriteByte(c)
			if c == '"' {
				inDouble = false
			}
		case c == '\'':
			inSingle = true
			sb.WriteByte(c)
		case c == '"':
			inDouble = true
			sb.WriteByte(c)
		case (c == '/' && i+1 < len(query) && query[i+1] == '/') ||
			(c == '-' && i+1 < len(query) && query[i+1] == '-' && isCommentDash(query, i)):
			// Skip to end of line.
			for i < len(query) && query[i] != '\n' {
				i++
			}
			if i < len(query) {
				sb.WriteByte('\n')
			}
		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			i += 2
			for i+1 < len(query) && !(query[i] == '*' && query[i+1] == '/') {
				i++
			}
			i++ // lands on '/', loop increment moves past it
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// isCommentDash distinguishes a -- comment from the dashes of a relationship
// pattern like (a)--(b), --> or <--.
func isCommentDash(query string, i int) bool {
	if i > 0 {
		switch query[i-1] {
		case ')', ']', '<':
			return false
		}
	}
	if i+2 < len(query) {
		switch query[i+2] {
		case '>', '(', '[':
			return false
		}
	}
	return true
}

// renameFunctions rewrites SQL-flavored function names to Cypher spellings,
// outside strings and only at word boundaries so toLower( is never rewritten
// to totoLower(.
func renameFunctions(query string) string {
	var sb strings.Builder
	sb.Grow(len(query))
	var inSingle, inDouble bool
	i := 0
	for i < len(query) {
		c := query[i]
		switch {
		case inSingle:
			sb.WriteByte(c)
			if c == '\'' {
				inSingle = false
			}
			i++
		case inDouble:
			sb.WriteByte(c)
			if c == '"' {
				inDouble = false
			}
			i++
		case c == '\'':
			inSingle = true
			sb.WriteByte(c)
			i++
		case c == '"':
			inDouble = true
			sb.WriteByte(c)
			i++
		default:
			if renamed, n := renameAt(query, i); n > 0 {
				sb.WriteString(renamed)
				i += n
				continue
			}
			sb.WriteByte(c)
			i++
		}
	}
	return sb.String()
}

// renameAt tries every rename at position i, honoring the left word boundary.
func renameAt(query string, i int) (string, int) {
	if i > 0 && isWordByte(query[i-1]) {
		return "", 0
	}
	for _, r := range functionRenames {
		n := len(r.from)
		if i+n <= len(query) && strings.EqualFold(query[i:i+n], r.from) {
			if query[i:i+n] == r.to {
				return "", 0 // already canonical
			}
			return r.to, n
		}
	}
	return "", 0
}

func isWordByte(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

// trimAtSemicolon cuts the query at the first unquoted semicolon, keeping the
// first statement. Models sometimes emit a second statement or a SQL-style
// terminator followed by commentary.
func trimAtSemicolon(query string) string {
	var inSingle, inDouble bool
	for i := 0; i < len(query); i++ {
		switch c := query[i]; {
		case inSingle:
			if c == '\'' {
				inSingle = false
			}
		case inDouble:
			if c == '"' {
				inDouble = false
			}
		case c == '\'':
			inSingle = true
		case c == '"':
			inDouble = true
		case c == ';':
			return query[:i+1] // keep the semicolon; the next transform strips it
		}
	}
	return query
}

// stripTrailingSemicolon removes a statement-terminating semicolon.
func stripTrailingSemicolon(query string) string {
	return strings.TrimSuffix(strings.TrimSpace(query), ";")
}

// normalizeWhitespace trims the ends and collapses internal newlines and runs
// of spaces to single spaces. Cypher is whitespace-insensitive and single-line
// queries log and cache cleanly.
func normalizeWhitespace(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
