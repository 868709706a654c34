// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package classify turns pipeline failures into user-facing guidance:
// plain-language messages, fuzzy "did you mean" corrections grounded in the
// live schema, alternative phrasings, and generic tips.
package classify

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/EkmanLabs/orgatlas/services/nlq/qerr"
	"github.com/EkmanLabs/orgatlas/services/nlq/schema"
)

// =============================================================================
// Fuzzy Matching
// =============================================================================

// DefaultFuzzyCutoff is the minimum similarity ratio for a correction.
const DefaultFuzzyCutoff = 0.6

// maxDidYouMean caps the corrections offered per failure.
const maxDidYouMean = 3

// Ratio computes Ratcliff-Obershelp similarity between two strings,
// case-insensitively.
func Ratio(a, b string) float64 {
	m := difflib.NewMatcher(
		strings.Split(strings.ToLower(a), ""),
		strings.Split(strings.ToLower(b), ""),
	)
	return m.Ratio()
}

// scored pairs a candidate with its similarity to the search term.
type scored struct {
	value string
	score float64
}

// closeMatches returns up to n candidates scoring at or above cutoff, best
// first. Ties break alphabetically so output is stable.
func closeMatches(term string, candidates []string, n int, cutoff float64) []string {
	var hits []scored
	for _, c := range candidates {
		if s := Ratio(term, c); s >= cutoff {
			hits = append(hits, scored{value: c, score: s})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].value < hits[j].value
	})
	if len(hits) > n {
		hits = hits[:n]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.value
	}
	return out
}

// =============================================================================
// Classifier
// =============================================================================

// Guidance is the user-facing explanation of a failed or empty translation.
type Guidance struct {
	// Kind is the failure kind driving the message.
	Kind qerr.Kind `json:"kind"`

	// UserMessage is the plain-language explanation.
	UserMessage string `json:"user_message"`

	// DidYouMean lists fuzzy corrections for the offending token, best first.
	DidYouMean []string `json:"did_you_mean,omitempty"`

	// Alternatives are rephrased questions likely to succeed.
	Alternatives []string `json:"alternatives,omitempty"`

	// AlternativeQueries are broadened rewrites of a query that matched
	// nothing, ready to run as-is.
	AlternativeQueries []string `json:"alternative_queries,omitempty"`

	// Tips are generic guidance lines.
	Tips []string `json:"tips,omitempty"`
}

// Classifier builds Guidance from errors and empty results.
//
// Thread Safety: Safe for concurrent use.
type Classifier struct {
	cutoff float64
	logger *slog.Logger
}

// NewClassifier creates a Classifier.
//
// Inputs:
//   - cutoff: Fuzzy similarity floor. Non-positive means DefaultFuzzyCutoff.
//   - logger: Logger instance. Must not be nil.
func NewClassifier(cutoff float64, logger *slog.Logger) *Classifier {
	if cutoff <= 0 {
		cutoff = DefaultFuzzyCutoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{cutoff: cutoff, logger: logger}
}

// kindMessages are the plain-language explanations per failure kind.
var kindMessages = map[qerr.Kind]string{
	qerr.KindSyntax:              "The generated query had a syntax problem and could not be run.",
	qerr.KindUnknownLabel:        "The query referenced an entity type that does not exist in the graph.",
	qerr.KindUnknownProperty:     "The query referenced a property that does not exist in the graph.",
	qerr.KindUnknownRelationship: "The query referenced a relationship type that does not exist in the graph.",
	qerr.KindTypeMismatch:        "The query compared incompatible value types.",
	qerr.KindTimeout:             "The query took too long to run. Try a simpler or more specific question.",
	qerr.KindTransport:           "The graph database could not be reached. Try again shortly.",
	qerr.KindEmptyResult:         "No results were found for your question.",
	qerr.KindInternal:            "Something went wrong while answering your question.",
}

// Explain builds Guidance for a failed translation.
//
// Description:
//
//	Unknown-identifier failures get fuzzy corrections matched against the
//	schema set the token belongs to: labels against labels, properties
//	against the property union, relationships against relationship types.
//	All failures get alternatives derived from the utterance and a fixed
//	tip list.
//
// Inputs:
//   - err: The pipeline failure. Must not be nil.
//   - utterance: The original user question.
//   - desc: The current schema snapshot. May be nil.
//
// Outputs:
//   - *Guidance: Never nil.
func (c *Classifier) Explain(err error, utterance string, desc *schema.Descriptor) *Guidance {
	qe := qerr.AsQueryError(err)
	if qe == nil {
		qe = qerr.New(qerr.KindInternal, err.Error())
	}

	g := &Guidance{
		Kind:        qe.Kind,
		UserMessage: kindMessages[qe.Kind],
		Tips:        defaultTips(),
	}
	if g.UserMessage == "" {
		g.UserMessage = kindMessages[qerr.KindInternal]
	}

	if qe.Token != "" && desc != nil {
		if candidates := candidatesForKind(qe.Kind, desc); len(candidates) > 0 {
			g.DidYouMean = closeMatches(qe.Token, candidates, maxDidYouMean, c.cutoff)
		}
		if len(g.DidYouMean) > 0 {
			g.UserMessage = fmt.Sprintf("%s '%s' was not found. Did you mean '%s'?",
				tokenNoun(qe.Kind), qe.Token, g.DidYouMean[0])
		} else if qe.Kind == qerr.KindUnknownLabel {
			g.UserMessage = fmt.Sprintf("Entity type '%s' does not exist. Available types: %s.",
				qe.Token, strings.Join(desc.LabelNames(), ", "))
		}
	}

	g.Alternatives = alternativeQuestions(utterance)
	return g
}

// ExplainEmpty builds Guidance for a valid query that returned no rows.
//
// Description:
//
//	Words from the utterance are fuzzy-matched against sample values from
//	the schema snapshot with a raised cutoff, catching misspelled names
//	("pyton" -> "Python") without drowning the user in weak matches. The
//	offending query is run through the broadening catalog so the caller
//	can offer ready-to-run wider rewrites.
//
// Inputs:
//   - utterance: The original user question.
//   - query: The query that matched nothing. May be empty.
//   - desc: The current schema snapshot. May be nil.
func (c *Classifier) ExplainEmpty(utterance, query string, desc *schema.Descriptor) *Guidance {
	g := &Guidance{
		Kind:        qerr.KindEmptyResult,
		UserMessage: kindMessages[qerr.KindEmptyResult],
		Tips:        defaultTips(),
	}

	if desc != nil {
		samples := desc.SampleValues()
		strictCutoff := c.cutoff
		if strictCutoff < 0.8 {
			strictCutoff = 0.8
		}
		seen := map[string]bool{}
		for _, word := range utteranceWords(utterance) {
			for _, match := range closeMatches(word, samples, 1, strictCutoff) {
				if !seen[match] && !strings.EqualFold(match, word) {
					seen[match] = true
					g.DidYouMean = append(g.DidYouMean, match)
				}
			}
			if len(g.DidYouMean) >= 2 {
				break
			}
		}
		if len(g.DidYouMean) > 0 {
			g.UserMessage = fmt.Sprintf("No results found. Did you mean '%s'?", g.DidYouMean[0])
		}
	}

	g.Alternatives = alternativeQuestions(utterance)
	g.AlternativeQueries = BroadenQuery(query)
	return g
}

// =============================================================================
// Query Broadening
// =============================================================================

var (
	whereStartRe = regexp.MustCompile(`(?i)\bWHERE\b`)
	whereEndRe   = regexp.MustCompile(`(?i)\b(RETURN|WITH|ORDER\s+BY|LIMIT|UNWIND|OPTIONAL\s+MATCH|MATCH)\b`)
	andSplitRe   = regexp.MustCompile(`(?i)\s+AND\s+`)
	containsRe   = regexp.MustCompile(`(?i)\bCONTAINS\b`)
	limitRe      = regexp.MustCompile(`(?i)\s+LIMIT\s+\d+\b`)

	// The WITH in STARTS WITH / ENDS WITH is an operator, not a clause; it
	// gets masked before clause scanning.
	withOperatorRe = regexp.MustCompile(`(?i)\b(STARTS|ENDS)\s+WITH\b`)
)

// BroadenQuery rewrites a query that matched nothing into wider variants:
// drop the narrowest (last) WHERE predicate, drop the whole WHERE clause,
// turn CONTAINS into a prefix match, and remove any LIMIT. Rewrites equal to
// the input are skipped; at most five distinct variants come back, in catalog
// order.
//
// All clause detection runs on a string-masked copy so keywords inside
// literals never trigger a rewrite.
func BroadenQuery(query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	masked := maskStrings(query)
	if spans := withOperatorRe.FindAllStringIndex(masked, -1); spans != nil {
		b := []byte(masked)
		for _, span := range spans {
			for i := span[0]; i < span[1]; i++ {
				b[i] = '_'
			}
		}
		masked = string(b)
	}

	var out []string
	add := func(candidate string) {
		candidate = strings.Join(strings.Fields(candidate), " ")
		if candidate == "" || candidate == query {
			return
		}
		for _, existing := range out {
			if existing == candidate {
				return
			}
		}
		out = append(out, candidate)
	}

	if loc := whereStartRe.FindStringIndex(masked); loc != nil {
		rest := masked[loc[1]:]
		end := len(rest)
		if m := whereEndRe.FindStringIndex(rest); m != nil {
			end = m[0]
		}
		head := query[:loc[0]]
		body := query[loc[1] : loc[1]+end]
		tail := query[loc[1]+end:]

		if cuts := andSplitRe.FindAllStringIndex(masked[loc[1]:loc[1]+end], -1); len(cuts) > 0 {
			last := cuts[len(cuts)-1]
			add(head + "WHERE " + strings.TrimSpace(body[:last[0]]) + " " + tail)
		}
		add(head + tail)
	}

	if spans := containsRe.FindAllStringIndex(masked, -1); len(spans) > 0 {
		var sb strings.Builder
		prev := 0
		for _, span := range spans {
			sb.WriteString(query[prev:span[0]])
			sb.WriteString("STARTS WITH")
			prev = span[1]
		}
		sb.WriteString(query[prev:])
		add(sb.String())
	}

	if span := limitRe.FindStringIndex(masked); span != nil {
		add(query[:span[0]] + query[span[1]:])
	}

	if len(out) > 5 {
		out = out[:5]
	}
	return out
}

// maskStrings blanks the contents of single- and double-quoted literals so
// regex scans cannot match inside them. Offsets are preserved.
func maskStrings(query string) string {
	b := []byte(query)
	var inSingle, inDouble bool
	for i, c := range b {
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			} else {
				b[i] = '_'
			}
		case inDouble:
			if c == '"' {
				inDouble = false
			} else {
				b[i] = '_'
			}
		case c == '\'':
			inSingle = true
		case c == '"':
			inDouble = true
		}
	}
	return string(b)
}

// =============================================================================
// Helpers
// =============================================================================

// candidatesForKind selects the schema set a token should be corrected
// against.
func candidatesForKind(kind qerr.Kind, desc *schema.Descriptor) []string {
	switch kind {
	case qerr.KindUnknownLabel:
		return desc.LabelNames()
	case qerr.KindUnknownProperty:
		return desc.AllPropertyNames()
	case qerr.KindUnknownRelationship:
		return desc.RelationshipNames()
	}
	return nil
}

// tokenNoun names the token's category for user messages.
func tokenNoun(kind qerr.Kind) string {
	switch kind {
	case qerr.KindUnknownLabel:
		return "Entity type"
	case qerr.KindUnknownProperty:
		return "Property"
	case qerr.KindUnknownRelationship:
		return "Relationship"
	}
	return "Identifier"
}

var wordRe = regexp.MustCompile(`[a-zA-Z]{4,}`)

// stopWords never produce did-you-mean candidates.
var stopWords = map[string]bool{
	"show": true, "list": true, "find": true, "what": true, "which": true,
	"who": true, "many": true, "people": true, "with": true, "team": true,
	"teams": true, "skills": true, "skill": true, "have": true, "does": true,
	"their": true, "there": true, "about": true, "hired": true, "that": true,
}

// utteranceWords extracts correction-worthy words: four letters or longer,
// minus common question vocabulary.
func utteranceWords(utterance string) []string {
	var words []string
	for _, w := range wordRe.FindAllString(utterance, -1) {
		if !stopWords[strings.ToLower(w)] {
			words = append(words, w)
		}
	}
	return words
}

// alternativeQuestions derives rephrasings from utterance keywords.
func alternativeQuestions(utterance string) []string {
	lowered := strings.ToLower(utterance)
	var alts []string
	switch {
	case strings.Contains(lowered, "team"):
		alts = append(alts,
			"Who is on the engineering team?",
			"Show all team leads",
		)
	case strings.Contains(lowered, "polic"):
		alts = append(alts,
			"Show me all security policies",
			"Who is responsible for compliance policies?",
		)
	case strings.Contains(lowered, "manager") || strings.Contains(lowered, "lead") || strings.Contains(lowered, "report"):
		alts = append(alts,
			"Show all team leads",
			"Who are the department heads?",
		)
	case strings.Contains(lowered, "skill") || strings.Contains(lowered, "know"):
		alts = append(alts,
			"Find people with Python skills",
			"Who knows Kubernetes?",
		)
	default:
		alts = append(alts,
			"How many people are in the company?",
			"Show everyone in engineering",
		)
	}
	return alts
}

// defaultTips are appended to every guidance payload.
func defaultTips() []string {
	return []string{
		"Use partial names instead of full names.",
		"Try broader categories, like 'engineering' instead of a specific team name.",
	}
}
