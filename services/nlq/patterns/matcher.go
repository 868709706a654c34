// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package patterns

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/EkmanLabs/orgatlas/services/nlq/schema"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	patternMatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orgatlas",
		Subsystem: "patterns",
		Name:      "match_total",
		Help:      "Fast-path pattern hits by pattern name",
	}, []string{"pattern"})

	patternMissTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orgatlas",
		Subsystem: "patterns",
		Name:      "miss_total",
		Help:      "Utterances no fast-path pattern matched",
	})
)

// ProvenancePrefix tags results produced by the fast path.
const ProvenancePrefix = "pattern:"

// =============================================================================
// Match Result
// =============================================================================

// Match is a successful fast-path translation.
type Match struct {
	// PatternName is the name of the winning pattern.
	PatternName string

	// Query is the fully substituted Cypher.
	Query string

	// Params are the cleaned extractor values, for logging.
	Params map[string]string

	// Provenance is "pattern:<name>".
	Provenance string
}

// =============================================================================
// Matcher
// =============================================================================

// Matcher tries the pattern catalog against normalized utterances.
//
// Description:
//
//	Patterns are tried in descending priority; within a pattern, regexes are
//	tried in declaration order and the first match wins outright. Semantic
//	templates expand through the alias table of the current schema snapshot
//	so the same catalog adapts as the role taxonomy changes.
//
// Thread Safety: Safe for concurrent use. The catalog holder swaps catalogs
// atomically and alias tables are immutable.
type Matcher struct {
	catalogs *CatalogHolder
	fallback *schema.AliasTable
	logger   *slog.Logger
}

// NewMatcher creates a Matcher.
//
// Inputs:
//   - catalogs: Catalog holder. Must not be nil.
//   - fallback: Alias table used when a snapshot carries none. May be nil.
//   - logger: Logger instance. Must not be nil.
func NewMatcher(catalogs *CatalogHolder, fallback *schema.AliasTable, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{catalogs: catalogs, fallback: fallback, logger: logger}
}

// Match attempts a fast-path translation of the utterance.
//
// Inputs:
//   - utterance: The raw user question.
//   - desc: The current schema snapshot. May be nil.
//
// Outputs:
//   - *Match: The winning translation, or nil when no pattern applies.
func (m *Matcher) Match(utterance string, desc *schema.Descriptor) *Match {
	normalized := Normalize(utterance)
	if normalized == "" {
		return nil
	}
	aliases := m.fallback
	if desc != nil && desc.Aliases != nil {
		aliases = desc.Aliases
	}

	for _, p := range m.catalogs.Current().Patterns() {
		for _, re := range p.compiled {
			groups := re.FindStringSubmatch(normalized)
			if groups == nil {
				continue
			}
			params, ok := extractParams(&p, groups)
			if !ok {
				// Unusable capture (quotes only, control bytes); let a
				// lower-priority pattern or the LLM take it.
				continue
			}
			query, ok := m.render(&p, params, aliases)
			if !ok {
				continue
			}
			patternMatchTotal.WithLabelValues(p.Name).Inc()
			m.logger.Debug("fast-path pattern matched",
				slog.String("pattern", p.Name),
				slog.String("utterance", normalized),
			)
			return &Match{
				PatternName: p.Name,
				Query:       query,
				Params:      params,
				Provenance:  ProvenancePrefix + p.Name,
			}
		}
	}
	patternMissTotal.Inc()
	return nil
}

// render substitutes params into the template, expanding semantic markers.
func (m *Matcher) render(p *Pattern, params map[string]string, aliases *schema.AliasTable) (string, bool) {
	switch p.Template {
	case TemplateSemanticCount:
		return renderSemanticCount(params["term"], aliases)
	case TemplateSemanticList:
		return renderSemanticList(params["term"], aliases)
	case TemplateSemanticRoleDept:
		return renderSemanticRoleDept(params["role_term"], params["dept"], aliases)
	}
	return substitute(p.Template, params), true
}

// =============================================================================
// Normalization and Parameter Extraction
// =============================================================================

// Normalize lowercases the utterance, collapses runs of whitespace, and strips
// leading and trailing punctuation. Internal apostrophes survive so
// possessives and contractions still match.
func Normalize(utterance string) string {
	lowered := strings.ToLower(utterance)
	fields := strings.Fields(lowered)
	s := strings.Join(fields, " ")
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

// extractParams pulls, cleans, and augments capture-group parameters.
//
// Description:
//
//	Each extracted value is trimmed, stripped of surrounding quotes, and
//	rejected if it is empty or carries newlines or backslashes (those never
//	appear in legitimate names and defeat quote escaping downstream). Every
//	accepted string parameter also gets a title-cased "<name>_upper" variant
//	so templates can match both 'mobile' and 'Mobile'.
func extractParams(p *Pattern, groups []string) (map[string]string, bool) {
	params := make(map[string]string, len(p.Extractors)*2)
	for name, idx := range p.Extractors {
		if idx >= len(groups) {
			return nil, false
		}
		value := cleanParam(groups[idx])
		if value == "" {
			return nil, false
		}
		if strings.ContainsAny(value, "\n\r\\") {
			return nil, false
		}
		params[name] = value
		params[name+"_upper"] = titleCase(value)
	}
	return params, true
}

// cleanParam trims whitespace and surrounding quote characters.
func cleanParam(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

// titleCase uppercases the first letter of each space-separated word.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// substitute inlines params into the template, longest placeholder first so
// $team_name never clobbers $team_name_upper. Values are single-quote escaped.
func substitute(template string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return len(names[i]) > len(names[j])
	})
	out := template
	for _, name := range names {
		out = strings.ReplaceAll(out, "$"+name, escapeSingleQuotes(params[name]))
	}
	return out
}

// escapeSingleQuotes doubles single quotes for safe Cypher string inlining.
func escapeSingleQuotes(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// =============================================================================
// Semantic Template Expansion
// =============================================================================

// renderSemanticCount expands SEMANTIC_COUNT through the alias table.
//
// Description:
//
//	all_people terms count the whole Person label with no role predicate.
//	Role and department categories count under the alias condition. A term
//	with no alias falls back to a lowercase role substring only when it is a
//	single word; multi-word unknown terms are left for the LLM, which can
//	use the full schema context.
func renderSemanticCount(term string, aliases *schema.AliasTable) (string, bool) {
	res := aliases.Resolve(term, "p")
	if res != nil {
		if res.Condition == "" {
			return "MATCH (p:Person) RETURN count(p) AS count", true
		}
		return fmt.Sprintf("MATCH (p:Person) WHERE %s RETURN count(p) AS count", res.Condition), true
	}
	cond, ok := unknownTermCondition(term)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("MATCH (p:Person) WHERE %s RETURN count(p) AS count", cond), true
}

// renderSemanticList expands SEMANTIC_LIST through the alias table.
func renderSemanticList(term string, aliases *schema.AliasTable) (string, bool) {
	const returns = "RETURN p.name AS name, p.role AS role, p.department AS department"
	res := aliases.Resolve(term, "p")
	if res != nil {
		if res.Condition == "" {
			return fmt.Sprintf("MATCH (p:Person) %s LIMIT 100", returns), true
		}
		return fmt.Sprintf("MATCH (p:Person) WHERE %s %s LIMIT 50", res.Condition, returns), true
	}
	cond, ok := unknownTermCondition(term)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("MATCH (p:Person) WHERE %s %s LIMIT 50", cond, returns), true
}

// renderSemanticRoleDept expands SEMANTIC_ROLE_DEPT: a role category term
// narrowed to a department term.
func renderSemanticRoleDept(roleTerm, dept string, aliases *schema.AliasTable) (string, bool) {
	var conds []string

	res := aliases.Resolve(roleTerm, "p")
	switch {
	case res != nil && res.Kind == schema.AliasAllPeople:
		// Everyone in the department; no role predicate.
	case res != nil && res.Condition != "":
		conds = append(conds, res.Condition)
	default:
		cond, ok := unknownTermCondition(roleTerm)
		if !ok {
			return "", false
		}
		conds = append(conds, cond)
	}

	deptRes := aliases.Resolve(dept, "p")
	if deptRes != nil && deptRes.Kind == schema.AliasDepartmentCategory {
		conds = append(conds, deptRes.Condition)
	} else {
		conds = append(conds, fmt.Sprintf(
			"(p.department CONTAINS '%s' OR p.department CONTAINS '%s')",
			escapeSingleQuotes(dept), escapeSingleQuotes(titleCase(dept)),
		))
	}

	return fmt.Sprintf(
		"MATCH (p:Person) WHERE %s RETURN p.name AS name, p.role AS role, p.department AS department LIMIT 50",
		strings.Join(conds, " AND "), // role filter first, then department
	), true
}

// unknownTermCondition is the fallback for category terms the alias table
// does not know. Single words get a case-insensitive role substring; anything
// longer is declined so the LLM handles it with schema context.
func unknownTermCondition(term string) (string, bool) {
	singular := strings.TrimSuffix(schema.NormalizeTerm(term), "s")
	if singular == "" || strings.Contains(singular, " ") {
		return "", false
	}
	return fmt.Sprintf("toLower(p.role) CONTAINS '%s'", escapeSingleQuotes(singular)), true
}
