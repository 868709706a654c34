// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package prompt renders LLM prompts for Cypher generation. Every prompt
// carries the current schema snapshot so the model only sees labels,
// relationships, and properties that actually exist in the graph.
package prompt

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/EkmanLabs/orgatlas/services/nlq/schema"
)

// =============================================================================
// Templates
// =============================================================================

// simplePromptTemplate is the default generation prompt: schema context,
// hard output rules, and the question. Kept lean for small local models.
const simplePromptTemplate = `You translate questions about an organization into Cypher queries for a graph database.

{{.SchemaContext}}
Rules:
- Output exactly ONE Cypher statement and nothing else. No explanations, no markdown.
- Use only the labels, relationship types, and properties listed above.
- Every RETURN item must have an AS alias.
- Match names and text values with CONTAINS, trying both lowercase and capitalized forms.
- End list queries with LIMIT 50 or less.
- Never use shortestPath inside a MATCH clause.
{{- if .IntentContext}}

{{.IntentContext}}
{{- end}}

Question: {{.Utterance}}
Cypher:`

// richPromptTemplate adds worked examples. Selected by configuration for
// models that benefit from few-shot grounding.
const richPromptTemplate = `You translate questions about an organization into Cypher queries for a graph database.

{{.SchemaContext}}
Rules:
- Output exactly ONE Cypher statement and nothing else. No explanations, no markdown.
- Use only the labels, relationship types, and properties listed above.
- Every RETURN item must have an AS alias.
- Match names and text values with CONTAINS, trying both lowercase and capitalized forms.
- End list queries with LIMIT 50 or less.
- Never use shortestPath inside a MATCH clause.

Examples:
Question: How many people are in the company?
Cypher: MATCH (p:Person) RETURN count(p) AS count

Question: Who is on the payments team?
Cypher: MATCH (p:Person)-[:MEMBER_OF]->(t:Team) WHERE t.name CONTAINS 'payments' OR t.name CONTAINS 'Payments' RETURN p.name AS name, p.role AS role LIMIT 50

Question: Who does Ana Silva report to?
Cypher: MATCH (p:Person)-[:REPORTS_TO]->(m:Person) WHERE p.name CONTAINS 'Ana Silva' RETURN m.name AS name, m.role AS role LIMIT 10

Question: Which policies is the security team responsible for?
Cypher: MATCH (t:Team)-[:RESPONSIBLE_FOR]->(pol:Policy) WHERE t.name CONTAINS 'security' OR t.name CONTAINS 'Security' RETURN pol.name AS policy, pol.category AS category LIMIT 25
{{- if .IntentContext}}

{{.IntentContext}}
{{- end}}

Question: {{.Utterance}}
Cypher:`

// regenerateTemplate is used after a validation failure: it shows the model
// its previous attempt and the specific defect to fix.
const regenerateTemplate = `You translate questions about an organization into Cypher queries for a graph database.

{{.SchemaContext}}
Your previous query for this question was rejected:

Previous query: {{.PreviousQuery}}
Problem: {{.FailureHint}}

Write a corrected Cypher statement for the same question. Fix ONLY the problem
described; keep the rest of the query's intent. Use only the labels,
relationship types, and properties listed above. Output exactly ONE Cypher
statement and nothing else.

Question: {{.Utterance}}
Cypher:`

// broadenTemplate is used after a valid query returned zero rows: it asks for
// a relaxed variant that keeps the core intent.
const broadenTemplate = `You translate questions about an organization into Cypher queries for a graph database.

{{.SchemaContext}}
This query was valid but returned no rows:

{{.PreviousQuery}}

Write a BROADER Cypher statement for the same question: drop the most
restrictive filter (exact values, date ranges, secondary predicates) while
keeping the core entities and relationships. Output exactly ONE Cypher
statement and nothing else.

Question: {{.Utterance}}
Cypher:`

// =============================================================================
// Builder
// =============================================================================

// IntentProvider contributes optional extra context lines for an utterance,
// e.g. from an intent classifier. Nil means no extra context.
type IntentProvider interface {
	// IntentContext returns advisory prompt lines for the utterance, or ""
	// when it has nothing useful to add.
	IntentContext(utterance string) string
}

// Builder renders generation, regeneration, and broadening prompts.
//
// Description:
//
//	Templates are parsed once at construction. The rich few-shot template
//	is selected by configuration; the regeneration and broadening templates
//	are selected by the orchestrator based on pipeline state.
//
// Thread Safety: Safe for concurrent use.
type Builder struct {
	simple     *template.Template
	rich       *template.Template
	regenerate *template.Template
	broaden    *template.Template
	useRich    bool
	intent     IntentProvider
}

// promptData is the data passed to every template.
type promptData struct {
	SchemaContext string
	Utterance     string
	PreviousQuery string
	FailureHint   string
	IntentContext string
}

// NewBuilder creates a Builder.
//
// Inputs:
//   - useRich: Select the few-shot template for first-attempt generation.
//   - intent: Optional intent context provider. May be nil.
//
// Outputs:
//   - *Builder: The builder.
//   - error: Non-nil if a template fails to parse (programmer error).
func NewBuilder(useRich bool, intent IntentProvider) (*Builder, error) {
	parse := func(name, text string) (*template.Template, error) {
		return template.New(name).Parse(text)
	}
	simple, err := parse("simple", simplePromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("NewBuilder: parsing simple template: %w", err)
	}
	rich, err := parse("rich", richPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("NewBuilder: parsing rich template: %w", err)
	}
	regen, err := parse("regenerate", regenerateTemplate)
	if err != nil {
		return nil, fmt.Errorf("NewBuilder: parsing regenerate template: %w", err)
	}
	broaden, err := parse("broaden", broadenTemplate)
	if err != nil {
		return nil, fmt.Errorf("NewBuilder: parsing broaden template: %w", err)
	}
	return &Builder{
		simple:     simple,
		rich:       rich,
		regenerate: regen,
		broaden:    broaden,
		useRich:    useRich,
		intent:     intent,
	}, nil
}

// Build renders the first-attempt generation prompt.
//
// Inputs:
//   - utterance: The user's question.
//   - desc: The current schema snapshot. May be nil; the prompt then says so.
//
// Outputs:
//   - string: The rendered prompt.
//   - error: Non-nil if template execution fails.
func (b *Builder) Build(utterance string, desc *schema.Descriptor) (string, error) {
	tmpl := b.simple
	if b.useRich {
		tmpl = b.rich
	}
	data := promptData{
		SchemaContext: SchemaContext(desc),
		Utterance:     utterance,
	}
	if b.intent != nil {
		data.IntentContext = b.intent.IntentContext(utterance)
	}
	return render(tmpl, data)
}

// BuildRegeneration renders the failure-aware retry prompt.
//
// Inputs:
//   - utterance: The user's question.
//   - desc: The current schema snapshot.
//   - previousQuery: The rejected Cypher.
//   - failureHint: Human-readable description of the defect, e.g.
//     "label 'Peeple' does not exist; did you mean 'Person'?".
func (b *Builder) BuildRegeneration(utterance string, desc *schema.Descriptor, previousQuery, failureHint string) (string, error) {
	return render(b.regenerate, promptData{
		SchemaContext: SchemaContext(desc),
		Utterance:     utterance,
		PreviousQuery: previousQuery,
		FailureHint:   failureHint,
	})
}

// BuildBroadening renders the relaxed-retry prompt after an empty result.
func (b *Builder) BuildBroadening(utterance string, desc *schema.Descriptor, previousQuery string) (string, error) {
	return render(b.broaden, promptData{
		SchemaContext: SchemaContext(desc),
		Utterance:     utterance,
		PreviousQuery: previousQuery,
	})
}

func render(tmpl *template.Template, data promptData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render: executing %s template: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// =============================================================================
// Schema Context Rendering
// =============================================================================

// SchemaContext renders the snapshot as a compact prompt block: one line per
// label with typed properties, sample values where available, and the
// relationship type list.
func SchemaContext(desc *schema.Descriptor) string {
	if desc == nil || len(desc.Labels) == 0 {
		return "Graph schema: unavailable; use only standard Person/Team labels conservatively.\n"
	}

	var sb strings.Builder
	sb.WriteString("Graph schema:\n")
	for _, name := range desc.LabelNames() {
		ls := desc.Labels[name]
		sb.WriteString("- (:" + name + ")")
		if len(ls.Properties) > 0 {
			props := make([]string, 0, len(ls.Properties))
			for prop, typ := range ls.Properties {
				props = append(props, fmt.Sprintf("%s: %s", prop, typ))
			}
			sort.Strings(props)
			sb.WriteString(" {" + strings.Join(props, ", ") + "}")
		}
		sb.WriteString("\n")
		if len(ls.Samples) > 0 {
			sb.WriteString("  sample names: " + strings.Join(ls.Samples, ", ") + "\n")
		}
	}
	if rels := desc.RelationshipNames(); len(rels) > 0 {
		sb.WriteString("Relationship types: " + strings.Join(rels, ", ") + "\n")
	}
	return sb.String()
}
