// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validate statically checks candidate Cypher before it reaches the
// database: structure, balance, function names, variable bindings, and
// schema references. A rejection here costs microseconds; the same defect at
// the executor costs a database round-trip.
package validate

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/EkmanLabs/orgatlas/services/nlq/qerr"
	"github.com/EkmanLabs/orgatlas/services/nlq/schema"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var validateRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "orgatlas",
	Subsystem: "validate",
	Name:      "reject_total",
	Help:      "Static validation rejections by check name",
}, []string{"check"})

// =============================================================================
// Function and Keyword Tables
// =============================================================================

// validFunctions are the functions FalkorDB accepts.
var validFunctions = map[string]bool{
	// String
	"toLower": true, "toUpper": true, "trim": true, "left": true,
	"right": true, "substring": true, "replace": true, "split": true,
	"size": true, "reverse": true, "toString": true,
	// Math
	"abs": true, "ceil": true, "floor": true, "round": true, "sqrt": true,
	"sign": true, "rand": true, "log": true, "exp": true,
	// Aggregation
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"collect": true, "stDev": true,
	// Date/time
	"date": true, "datetime": true, "duration": true, "timestamp": true,
	// Graph
	"id": true, "labels": true, "type": true, "properties": true,
	"keys": true, "nodes": true, "relationships": true,
	"shortestPath": true, "allShortestPaths": true,
	// List
	"range": true, "head": true, "tail": true, "last": true,
	"all": true, "any": true, "none": true, "single": true,
	"exists": true, "coalesce": true,
}

// invalidFunctions map known model mistakes to a correction hint.
var invalidFunctions = map[string]string{
	"lower":  "use toLower()",
	"upper":  "use toUpper()",
	"year":   "date component extraction is not supported; compare full date strings",
	"month":  "date component extraction is not supported; compare full date strings",
	"day":    "date component extraction is not supported; compare full date strings",
	"hour":   "date component extraction is not supported; compare full date strings",
	"minute": "date component extraction is not supported; compare full date strings",
	"second": "date component extraction is not supported; compare full date strings",
	"length": "use size()",
}

// reservedKeywords look like function calls when followed by a parenthesis.
var reservedKeywords = map[string]bool{
	"MATCH": true, "OPTIONAL": true, "WHERE": true, "RETURN": true,
	"WITH": true, "UNWIND": true, "CALL": true, "YIELD": true,
	"AND": true, "OR": true, "XOR": true, "NOT": true, "IN": true,
	"AS": true, "ORDER": true, "BY": true, "LIMIT": true, "SKIP": true,
	"DISTINCT": true, "CONTAINS": true, "STARTS": true, "ENDS": true,
	"TRUE": true, "FALSE": true, "NULL": true, "ASC": true, "DESC": true,
	"IS": true, "CASE": true, "WHEN": true, "THEN": true, "ELSE": true,
	"END": true, "UNION": true, "EXISTS": true,
}

// writeClauses may never appear; the pipeline is strictly read-only.
var writeClauseRe = regexp.MustCompile(`(?i)\b(CREATE|MERGE|DELETE|DETACH|SET|REMOVE|DROP)\b`)

// functionNamespaces are identifiers legal before a dot without a binding,
// e.g. duration.between(...).
var functionNamespaces = map[string]bool{
	"date": true, "datetime": true, "duration": true, "timestamp": true,
	"time": true, "db": true,
}

// Structural regexes, applied to the string-masked query.
var (
	functionCallRe  = regexp.MustCompile(`\b([a-zA-Z_]\w*)\s*\(`)
	nodeLabelRe     = regexp.MustCompile(`\(\s*([a-zA-Z_]\w*)?\s*:\s*([A-Za-z_]\w*)`)
	relTypeRe       = regexp.MustCompile(`\[\s*([a-zA-Z_]\w*)?\s*:\s*([A-Za-z_]\w*)`)
	bareBindingRe   = regexp.MustCompile(`\(\s*([a-z_]\w*)\s*\)`)
	relBindingRe    = regexp.MustCompile(`\[\s*([a-z_]\w*)\s*[:\]]`)
	asAliasRe       = regexp.MustCompile(`(?i)\bAS\s+([a-zA-Z_]\w*)`)
	unwindAliasRe   = regexp.MustCompile(`(?i)\bUNWIND\b.*?\bAS\s+([a-zA-Z_]\w*)`)
	propertyUseRe   = regexp.MustCompile(`\b([a-zA-Z_]\w*)\.([a-zA-Z_]\w*)`)
	whereClauseRe   = regexp.MustCompile(`(?is)\bWHERE\b(.*?)(?:\bRETURN\b|\bWITH\b|\bORDER\b|\bLIMIT\b|\bMATCH\b|$)`)
	whereAggRe      = regexp.MustCompile(`(?i)\b(count|sum|avg|min|max|collect)\s*\(`)
	shortestMatchRe = regexp.MustCompile(`(?i)\bMATCH\s+(?:[a-zA-Z_]\w*\s*=\s*)?shortestPath\s*\(`)
)

// =============================================================================
// Validator
// =============================================================================

// Validator runs the static check chain.
//
// Thread Safety: Safe for concurrent use; all state is immutable tables.
type Validator struct {
	logger *slog.Logger
}

// NewValidator creates a Validator.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{logger: logger}
}

// Validate checks a candidate query against structural rules and the schema
// snapshot.
//
// Description:
//
//	Checks run cheapest-first and stop at the first failure: emptiness,
//	quote and bracket balance, single-statement, read-only structure,
//	shortestPath placement, function names, aggregates in WHERE, variable
//	bindings, then schema references (labels, relationship types,
//	properties). Schema checks are skipped when desc is nil.
//
// Inputs:
//   - query: The post-processed candidate.
//   - desc: The current schema snapshot. May be nil.
//
// Outputs:
//   - error: Nil if the query passes; otherwise a *qerr.QueryError whose
//     Kind and Token drive regeneration and suggestions.
func (v *Validator) Validate(query string, desc *schema.Descriptor) error {
	if err := v.run(query, desc); err != nil {
		if qe := qerr.AsQueryError(err); qe != nil {
			return qe.WithQuery(query)
		}
		return err
	}
	return nil
}

func (v *Validator) run(query string, desc *schema.Descriptor) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return reject("empty", qerr.New(qerr.KindSyntax, "empty query"))
	}

	if err := checkQuotes(trimmed); err != nil {
		return reject("quotes", err)
	}
	masked := maskStrings(trimmed)

	if err := checkBrackets(masked); err != nil {
		return reject("brackets", err)
	}
	if strings.Contains(masked, ";") {
		return reject("statements", qerr.New(qerr.KindSyntax, "multiple statements are not allowed"))
	}
	if err := checkStructure(masked); err != nil {
		return reject("structure", err)
	}
	if m := writeClauseRe.FindStringSubmatch(masked); m != nil {
		return reject("read_only", qerr.Newf(qerr.KindSyntax, "write clause %s is not allowed", strings.ToUpper(m[1])).WithToken(strings.ToUpper(m[1])))
	}
	if shortestMatchRe.MatchString(masked) {
		return reject("shortest_path", qerr.New(qerr.KindSyntax, "shortestPath() must appear in WITH or RETURN, not in MATCH"))
	}
	if err := v.checkFunctions(masked); err != nil {
		return reject("functions", err)
	}
	if err := checkWhereAggregates(masked); err != nil {
		return reject("where_aggregates", err)
	}
	if err := checkBindings(masked); err != nil {
		return reject("bindings", err)
	}
	if desc != nil {
		if err := checkSchema(masked, desc); err != nil {
			return reject("schema", err)
		}
	}
	return nil
}

func reject(check string, err error) error {
	validateRejectTotal.WithLabelValues(check).Inc()
	return err
}

// =============================================================================
// Structural Checks
// =============================================================================

// maskStrings replaces the content of string literals with spaces so
// structural regexes never match inside values. Quote characters survive.
func maskStrings(query string) string {
	out := []byte(query)
	var inSingle, inDouble bool
	for i := 0; i < len(out); i++ {
		switch c := out[i]; {
		case inSingle:
			if c == '\'' {
				inSingle = false
			} else {
				out[i] = ' '
			}
		case inDouble:
			if c == '"' {
				inDouble = false
			} else {
				out[i] = ' '
			}
		case c == '\'':
			inSingle = true
		case c == '"':
			inDouble = true
		}
	}
	return string(out)
}

// checkQuotes verifies quote pairing by parity, honoring backslash escapes.
func checkQuotes(query string) error {
	var singles, doubles int
	for i := 0; i < len(query); i++ {
		switch query[i] {
		case '\\':
			i++
		case '\'':
			singles++
		case '"':
			doubles++
		}
	}
	if singles%2 != 0 {
		return qerr.New(qerr.KindSyntax, "unclosed single quote")
	}
	if doubles%2 != 0 {
		return qerr.New(qerr.KindSyntax, "unclosed double quote")
	}
	return nil
}

// checkBrackets verifies that (), [], {} nest correctly.
func checkBrackets(masked string) error {
	var stack []byte
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	for i := 0; i < len(masked); i++ {
		switch c := masked[i]; c {
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if len(stack) == 0 {
				return qerr.Newf(qerr.KindSyntax, "unmatched closing %q at position %d", string(c), i)
			}
			open := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if open != pairs[c] {
				return qerr.Newf(qerr.KindSyntax, "mismatched brackets %q and %q", string(open), string(c))
			}
		}
	}
	if len(stack) > 0 {
		return qerr.Newf(qerr.KindSyntax, "unclosed %q", string(stack[len(stack)-1]))
	}
	return nil
}

// checkStructure enforces the read-only query shape: a reading clause to
// start and a RETURN to produce rows.
func checkStructure(masked string) error {
	upper := strings.ToUpper(masked)
	if !strings.Contains(upper, "MATCH") && !strings.Contains(upper, "CALL") {
		return qerr.New(qerr.KindSyntax, "query must contain MATCH or CALL")
	}
	if !strings.Contains(upper, "RETURN") && !strings.Contains(upper, "YIELD") {
		return qerr.New(qerr.KindSyntax, "query must have a RETURN clause")
	}
	return nil
}

// checkFunctions rejects functions FalkorDB does not accept. Known mistakes
// get a correction hint; genuinely unknown names are logged but allowed, as
// they may be procedures.
func (v *Validator) checkFunctions(masked string) error {
	for _, m := range functionCallRe.FindAllStringSubmatch(masked, -1) {
		name := m[1]
		if hint, bad := invalidFunctions[name]; bad {
			return qerr.Newf(qerr.KindSyntax, "invalid function %s(): %s", name, hint).WithToken(name)
		}
		if hint, bad := invalidFunctions[strings.ToLower(name)]; bad && !validFunctions[name] {
			return qerr.Newf(qerr.KindSyntax, "invalid function %s(): %s", name, hint).WithToken(name)
		}
		if !validFunctions[name] && !reservedKeywords[strings.ToUpper(name)] {
			v.logger.Warn("unknown function in candidate query", slog.String("function", name))
		}
	}
	return nil
}

// checkWhereAggregates rejects aggregation calls inside WHERE clauses.
func checkWhereAggregates(masked string) error {
	for _, m := range whereClauseRe.FindAllStringSubmatch(masked, -1) {
		if agg := whereAggRe.FindStringSubmatch(m[1]); agg != nil {
			return qerr.Newf(qerr.KindSyntax,
				"aggregation %s() cannot be used in WHERE; aggregate in WITH first", agg[1]).WithToken(agg[1])
		}
	}
	return nil
}

// checkBindings verifies every variable used as <ident>.<prop> is defined by
// a MATCH pattern, a relationship binding, or an AS alias.
func checkBindings(masked string) error {
	defined := collectBindings(masked)
	var undefined []string
	seen := map[string]bool{}
	for _, m := range propertyUseRe.FindAllStringSubmatch(masked, -1) {
		ident := m[1]
		if defined[ident] || functionNamespaces[ident] || seen[ident] {
			continue
		}
		seen[ident] = true
		undefined = append(undefined, ident)
	}
	if len(undefined) > 0 {
		sort.Strings(undefined)
		return qerr.Newf(qerr.KindSyntax, "undefined variables: %s", strings.Join(undefined, ", ")).
			WithToken(undefined[0])
	}
	return nil
}

// collectBindings gathers every identifier the query defines.
func collectBindings(masked string) map[string]bool {
	defined := map[string]bool{}
	for _, m := range nodeLabelRe.FindAllStringSubmatch(masked, -1) {
		if m[1] != "" {
			defined[m[1]] = true
		}
	}
	for _, m := range bareBindingRe.FindAllStringSubmatch(masked, -1) {
		defined[m[1]] = true
	}
	for _, m := range relBindingRe.FindAllStringSubmatch(masked, -1) {
		defined[m[1]] = true
	}
	for _, m := range asAliasRe.FindAllStringSubmatch(masked, -1) {
		defined[m[1]] = true
	}
	for _, m := range unwindAliasRe.FindAllStringSubmatch(masked, -1) {
		defined[m[1]] = true
	}
	return defined
}

// =============================================================================
// Schema Checks
// =============================================================================

// checkSchema verifies labels, relationship types, and properties against the
// snapshot. Property checks use the binding's label when the pattern names
// one, falling back to the union of all properties.
func checkSchema(masked string, desc *schema.Descriptor) error {
	bindingLabels := map[string]string{}
	for _, m := range nodeLabelRe.FindAllStringSubmatch(masked, -1) {
		binding, label := m[1], m[2]
		if !desc.HasLabel(label) {
			return qerr.Newf(qerr.KindUnknownLabel, "label %s does not exist", label).WithToken(label)
		}
		if binding != "" {
			bindingLabels[binding] = label
		}
	}

	for _, m := range relTypeRe.FindAllStringSubmatch(masked, -1) {
		rel := m[2]
		if !desc.HasRelationship(rel) {
			return qerr.Newf(qerr.KindUnknownRelationship, "relationship type %s does not exist", rel).WithToken(rel)
		}
	}

	// Relationship bindings carry edge properties the snapshot does not
	// sample; their property accesses are not checkable here.
	relBindings := map[string]bool{}
	for _, m := range relTypeRe.FindAllStringSubmatch(masked, -1) {
		if m[1] != "" {
			relBindings[m[1]] = true
		}
	}
	for _, m := range relBindingRe.FindAllStringSubmatch(masked, -1) {
		relBindings[m[1]] = true
	}

	union := map[string]bool{}
	for _, p := range desc.AllPropertyNames() {
		union[p] = true
	}
	for _, m := range propertyUseRe.FindAllStringSubmatch(masked, -1) {
		ident, prop := m[1], m[2]
		if functionNamespaces[ident] || relBindings[ident] {
			continue
		}
		if label, ok := bindingLabels[ident]; ok {
			if !desc.HasProperty(label, prop) {
				return qerr.Newf(qerr.KindUnknownProperty, "label %s has no property %s", label, prop).WithToken(prop)
			}
			continue
		}
		if len(union) > 0 && !union[prop] {
			return qerr.Newf(qerr.KindUnknownProperty, "property %s does not exist on any label", prop).WithToken(prop)
		}
	}
	return nil
}

// Describe renders a one-line summary of a validation failure for
// regeneration prompts.
func Describe(err error) string {
	qe := qerr.AsQueryError(err)
	if qe == nil {
		return err.Error()
	}
	if qe.Token != "" {
		return fmt.Sprintf("%s (offending token: %s)", qe.RawMessage, qe.Token)
	}
	return qe.RawMessage
}
