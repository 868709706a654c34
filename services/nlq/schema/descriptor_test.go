// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptor() *Descriptor {
	labels := map[string]*LabelSchema{
		"Person": {
			Name: "Person",
			Properties: map[string]PropertyType{
				"name": TypeString, "email": TypeString,
				"role": TypeString, "hired_on": TypeDate,
			},
			Samples: []string{"Ana Sousa", "Marcus Webb"},
		},
		"Skill": {
			Name:       "Skill",
			Properties: map[string]PropertyType{"name": TypeString},
			Samples:    []string{"Python", "Kubernetes"},
		},
	}
	return NewDescriptor(labels, []string{"MEMBER_OF", "HAS_SKILL"}, nil)
}

func TestDescriptorLookups(t *testing.T) {
	d := testDescriptor()

	assert.True(t, d.HasLabel("Person"))
	assert.False(t, d.HasLabel("Peeple"))
	assert.True(t, d.HasRelationship("HAS_SKILL"))
	assert.False(t, d.HasRelationship("WORKS_WITH"))
	assert.True(t, d.HasProperty("Person", "email"))
	assert.False(t, d.HasProperty("Person", "salary"))
	assert.False(t, d.HasProperty("Ghost", "name"))
}

func TestDescriptorNameListsAreSorted(t *testing.T) {
	d := testDescriptor()

	assert.Equal(t, []string{"Person", "Skill"}, d.LabelNames())
	assert.Equal(t, []string{"HAS_SKILL", "MEMBER_OF"}, d.RelationshipNames())
	assert.Equal(t, []string{"email", "hired_on", "name", "role"}, d.PropertyNames("Person"))
	assert.Nil(t, d.PropertyNames("Ghost"))
	assert.Equal(t, []string{"email", "hired_on", "name", "role"}, d.AllPropertyNames())
}

func TestSampleValuesSpanAllLabels(t *testing.T) {
	values := testDescriptor().SampleValues()
	assert.Contains(t, values, "Python")
	assert.Contains(t, values, "Ana Sousa")
}

func TestInferPropertyType(t *testing.T) {
	cases := []struct {
		value any
		want  PropertyType
	}{
		{int64(7), TypeNumber},
		{3.14, TypeNumber},
		{"Engineer", TypeString},
		{"2023-04-01", TypeDate},
		{"2023-04-01T09:30:00Z", TypeDate},
		{"20230401", TypeString},
		{nil, TypeString},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, InferPropertyType(tc.value), "value %v", tc.value)
	}
}

func TestNormalizeTerm(t *testing.T) {
	assert.Equal(t, "developers", NormalizeTerm("  Developers "))
}

// =============================================================================
// Alias Table
// =============================================================================

func TestDefaultAliasTableLoads(t *testing.T) {
	table, err := DefaultAliasTable()
	require.NoError(t, err)

	// The load-bearing entry: generic people terms must not become role
	// filters.
	for _, term := range []string{"employees", "people", "staff"} {
		res := table.Resolve(term, "p")
		require.NotNil(t, res, "term %q", term)
		assert.Equal(t, AliasAllPeople, res.Kind)
		assert.Empty(t, res.Condition)
	}
}

func TestResolveRoleCategory(t *testing.T) {
	table, err := LoadAliasTable([]byte(`
aliases:
  - terms: [developer, engineer]
    kind: role_category
    roles: [Engineer, Developer]
    exclude: [Manager]
`))
	require.NoError(t, err)

	res := table.Resolve("developers", "p")
	require.NotNil(t, res)
	assert.Equal(t, AliasRoleCategory, res.Kind)
	assert.Equal(t,
		"(p.role CONTAINS 'Engineer' OR p.role CONTAINS 'Developer') AND NOT p.role CONTAINS 'Manager'",
		res.Condition)
}

func TestResolveDepartmentCategory(t *testing.T) {
	table, err := LoadAliasTable([]byte(`
aliases:
  - terms: [engineering]
    kind: department_category
    departments: [Engineering]
`))
	require.NoError(t, err)

	res := table.Resolve("engineering", "p")
	require.NotNil(t, res)
	assert.Equal(t, "(p.department CONTAINS 'Engineering')", res.Condition)
}

func TestResolveUnknownTerm(t *testing.T) {
	table, err := DefaultAliasTable()
	require.NoError(t, err)
	assert.Nil(t, table.Resolve("astronauts", "p"))

	var nilTable *AliasTable
	assert.Nil(t, nilTable.Resolve("employees", "p"))
}

func TestResolveEscapesQuotes(t *testing.T) {
	table, err := LoadAliasTable([]byte(`
aliases:
  - terms: [specialists]
    kind: role_category
    roles: ["O'Brien Specialist"]
`))
	require.NoError(t, err)

	res := table.Resolve("specialists", "p")
	require.NotNil(t, res)
	assert.Contains(t, res.Condition, "O''Brien Specialist")
}

func TestLoadAliasTableRejectsBadEntries(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing terms", "aliases:\n  - kind: all_people\n"},
		{"unknown kind", "aliases:\n  - terms: [x]\n    kind: wizard\n"},
		{"role category without roles", "aliases:\n  - terms: [x]\n    kind: role_category\n"},
		{"department category without departments", "aliases:\n  - terms: [x]\n    kind: department_category\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadAliasTable([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}
