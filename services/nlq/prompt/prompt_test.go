// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EkmanLabs/orgatlas/services/nlq/schema"
)

func testDescriptor() *schema.Descriptor {
	labels := map[string]*schema.LabelSchema{
		"Person": {
			Name: "Person",
			Properties: map[string]schema.PropertyType{
				"name":       schema.TypeString,
				"email":      schema.TypeString,
				"hired_date": schema.TypeDate,
			},
			Samples: []string{"Ana Silva", "Marcus Webb"},
		},
		"Team": {
			Name:       "Team",
			Properties: map[string]schema.PropertyType{"name": schema.TypeString},
		},
	}
	return schema.NewDescriptor(labels, []string{"MEMBER_OF", "REPORTS_TO"}, nil)
}

func TestBuildIncludesSchemaAndRules(t *testing.T) {
	b, err := NewBuilder(false, nil)
	require.NoError(t, err)

	out, err := b.Build("who is on the payments team", testDescriptor())
	require.NoError(t, err)

	assert.Contains(t, out, "(:Person)")
	assert.Contains(t, out, "hired_date: date")
	assert.Contains(t, out, "sample names: Ana Silva, Marcus Webb")
	assert.Contains(t, out, "Relationship types: MEMBER_OF, REPORTS_TO")
	assert.Contains(t, out, "exactly ONE Cypher statement")
	assert.Contains(t, out, "Question: who is on the payments team")
	// Few-shot examples only appear in the rich template.
	assert.NotContains(t, out, "Examples:")
}

func TestBuildRichIncludesExamples(t *testing.T) {
	b, err := NewBuilder(true, nil)
	require.NoError(t, err)

	out, err := b.Build("how many people", testDescriptor())
	require.NoError(t, err)
	assert.Contains(t, out, "Examples:")
	assert.Contains(t, out, "RETURN count(p) AS count")
}

func TestBuildRegenerationCarriesFailure(t *testing.T) {
	b, err := NewBuilder(false, nil)
	require.NoError(t, err)

	out, err := b.BuildRegeneration(
		"list the people",
		testDescriptor(),
		"MATCH (p:Peeple) RETURN p.name AS name",
		"label 'Peeple' does not exist; did you mean 'Person'?",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "MATCH (p:Peeple)")
	assert.Contains(t, out, "did you mean 'Person'")
	assert.Contains(t, out, "corrected Cypher")
}

func TestBuildBroadeningCarriesPreviousQuery(t *testing.T) {
	b, err := NewBuilder(false, nil)
	require.NoError(t, err)

	prev := "MATCH (p:Person) WHERE p.hired_date >= date('2099-01-01') RETURN p.name AS name"
	out, err := b.BuildBroadening("employees hired in 2099", testDescriptor(), prev)
	require.NoError(t, err)
	assert.Contains(t, out, prev)
	assert.Contains(t, out, "BROADER")
}

func TestSchemaContextNilDescriptor(t *testing.T) {
	assert.Contains(t, SchemaContext(nil), "unavailable")
}

type staticIntent string

func (s staticIntent) IntentContext(string) string { return string(s) }

func TestBuildWithIntentProvider(t *testing.T) {
	b, err := NewBuilder(false, staticIntent("Hint: the user wants a count."))
	require.NoError(t, err)

	out, err := b.Build("how many people", testDescriptor())
	require.NoError(t, err)
	assert.Contains(t, out, "Hint: the user wants a count.")
}
