// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"regexp"
	"strings"
)

// =============================================================================
// Output Cleanup
// =============================================================================

// Fence extraction prefers a cypher-labeled block, then any labeled or bare
// block. Models drift between all three forms.
var (
	cypherFenceRe  = regexp.MustCompile("(?s)```(?:cypher|CYPHER)\\s*\\n?(.*?)```")
	genericFenceRe = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n?(.*?)```")
)

// conversationalLeads mark a first line as prose rather than Cypher.
var conversationalLeads = []string{
	"i ", "i'", "sure", "here", "certainly", "of course", "to answer",
	"the query", "this query", "can help", "okay", "ok,", "great",
}

// ExtractCypher reduces a raw model response to a bare query candidate.
//
// Description:
//
//	Preference order: a cypher-labeled fence, then any fenced block. An
//	unfenced response whose first line reads like prose is a failed
//	generation, not something to mine for a statement. The result is
//	trimmed of whitespace and stray backticks and cut at the first blank
//	line after the statement starts, since models often append commentary
//	below the query.
//
// Inputs:
//   - raw: The raw model response.
//
// Outputs:
//   - string: The candidate query text. Empty means the response held no
//     usable query; Generate turns that into an error.
func ExtractCypher(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}

	if m := cypherFenceRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	} else if m := genericFenceRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	} else if isConversational(text) {
		return ""
	}

	text = strings.Trim(strings.TrimSpace(text), "`")
	return strings.TrimSpace(cutTrailingProse(text))
}

// isConversational reports whether the first line reads like prose.
func isConversational(text string) bool {
	firstLine, _, _ := strings.Cut(text, "\n")
	lowered := strings.ToLower(strings.TrimSpace(firstLine))
	for _, lead := range conversationalLeads {
		if strings.HasPrefix(lowered, lead) {
			return true
		}
	}
	return false
}

// cutTrailingProse drops everything after the first blank line once the
// statement has begun. Multi-line Cypher keeps flowing because models do not
// blank-line inside a statement.
func cutTrailingProse(text string) string {
	if idx := strings.Index(text, "\n\n"); idx > 0 {
		return text[:idx]
	}
	return text
}
