// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schema

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Default Alias Table
// =============================================================================

//go:embed aliases.yaml
var defaultAliasesYAML []byte

// MaxYAMLFileSize caps the size of loaded YAML data files.
const MaxYAMLFileSize = 1 << 20

// =============================================================================
// Alias Types
// =============================================================================

// AliasKind distinguishes how an alias maps to graph constraints.
type AliasKind string

const (
	// AliasAllPeople maps a term to every Person node with no role filter.
	// This is the contract that prevents "employees" from being translated
	// into a role CONTAINS 'employee' predicate.
	AliasAllPeople AliasKind = "all_people"

	// AliasRoleCategory maps a term to a set of role keywords, optionally
	// with exclusions (e.g. "developers" excludes Manager roles).
	AliasRoleCategory AliasKind = "role_category"

	// AliasDepartmentCategory maps a term to a set of department names.
	AliasDepartmentCategory AliasKind = "department_category"
)

// AliasEntry is one semantic mapping loaded from the alias data file.
type AliasEntry struct {
	// Terms are the English categories that trigger this mapping.
	Terms []string `yaml:"terms"`

	// Kind selects the constraint shape.
	Kind AliasKind `yaml:"kind"`

	// Roles are role keywords for role_category entries.
	Roles []string `yaml:"roles,omitempty"`

	// Exclude are role keywords that must NOT match for role_category entries.
	Exclude []string `yaml:"exclude,omitempty"`

	// Departments are department names for department_category entries.
	Departments []string `yaml:"departments,omitempty"`
}

// AliasTable holds all semantic alias entries with a term index.
//
// Thread Safety: Immutable after LoadAliasTable; safe for concurrent use.
type AliasTable struct {
	entries []AliasEntry
	byTerm  map[string]*AliasEntry
}

// Resolution is the outcome of resolving a term against the alias table.
//
// Description:
//
//	Carries the matched entry and a ready-to-inline Cypher condition for a
//	Person binding. An AliasAllPeople resolution has an empty Condition.
type Resolution struct {
	// Term is the normalized term that matched.
	Term string

	// Kind is the matched entry's kind.
	Kind AliasKind

	// Values are the role keywords or department names the term expands to.
	Values []string

	// Condition is the WHERE fragment for a Person binding named by the
	// caller, or "" for all_people.
	Condition string
}

// =============================================================================
// Loading
// =============================================================================

// DefaultAliasTable loads the embedded alias data file.
//
// Outputs:
//   - *AliasTable: The loaded table. Never nil on success.
//   - error: Non-nil if the embedded data is malformed (programmer error).
func DefaultAliasTable() (*AliasTable, error) {
	return LoadAliasTable(defaultAliasesYAML)
}

// LoadAliasTable parses and indexes an alias table from YAML bytes.
//
// Description:
//
//	Validates every entry (non-empty terms, known kind, values present for
//	the kinds that need them) and builds a lowercase term index. Plural
//	forms are matched at lookup time, not duplicated in the data.
//
// Inputs:
//   - data: Raw YAML bytes.
//
// Outputs:
//   - *AliasTable: The validated table.
//   - error: Non-nil if parsing or validation fails.
func LoadAliasTable(data []byte) (*AliasTable, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("LoadAliasTable: empty YAML data")
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("LoadAliasTable: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	var doc struct {
		Aliases []AliasEntry `yaml:"aliases"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("LoadAliasTable: parsing YAML: %w", err)
	}

	table := &AliasTable{
		entries: doc.Aliases,
		byTerm:  make(map[string]*AliasEntry),
	}
	for i := range table.entries {
		entry := &table.entries[i]
		if len(entry.Terms) == 0 {
			return nil, fmt.Errorf("LoadAliasTable: alias[%d]: terms must not be empty", i)
		}
		switch entry.Kind {
		case AliasAllPeople:
		case AliasRoleCategory:
			if len(entry.Roles) == 0 {
				return nil, fmt.Errorf("LoadAliasTable: alias[%d] (%s): roles must not be empty", i, entry.Terms[0])
			}
		case AliasDepartmentCategory:
			if len(entry.Departments) == 0 {
				return nil, fmt.Errorf("LoadAliasTable: alias[%d] (%s): departments must not be empty", i, entry.Terms[0])
			}
		default:
			return nil, fmt.Errorf("LoadAliasTable: alias[%d]: unknown kind %q", i, entry.Kind)
		}
		for _, term := range entry.Terms {
			table.byTerm[NormalizeTerm(term)] = entry
		}
	}
	return table, nil
}

// =============================================================================
// Resolution
// =============================================================================

// Resolve maps an English category term to graph constraints.
//
// Description:
//
//	Looks up the normalized term, then its singular form (trailing "s"
//	stripped) as a fallback. The returned Condition references the binding
//	name supplied by the caller, e.g. Resolve("developers", "p") yields
//	"(p.role CONTAINS 'Engineer' OR ...) AND NOT p.role CONTAINS 'Manager' ...".
//
// Inputs:
//   - term: The user's category term ("employees", "developers", ...).
//   - binding: The Cypher binding name to reference in conditions.
//
// Outputs:
//   - *Resolution: The resolution, or nil when the term has no alias.
//
// Thread Safety: Safe for concurrent use.
func (t *AliasTable) Resolve(term, binding string) *Resolution {
	if t == nil {
		return nil
	}
	normalized := NormalizeTerm(term)
	entry, ok := t.byTerm[normalized]
	if !ok && strings.HasSuffix(normalized, "s") {
		entry, ok = t.byTerm[strings.TrimSuffix(normalized, "s")]
	}
	if !ok {
		return nil
	}

	res := &Resolution{Term: normalized, Kind: entry.Kind}
	switch entry.Kind {
	case AliasAllPeople:
		// No condition: the whole Person label matches.
	case AliasRoleCategory:
		res.Values = entry.Roles
		res.Condition = roleCondition(binding, entry.Roles, entry.Exclude)
	case AliasDepartmentCategory:
		res.Values = entry.Departments
		res.Condition = departmentCondition(binding, entry.Departments)
	}
	return res
}

// roleCondition builds the OR-of-CONTAINS role filter with exclusions.
func roleCondition(binding string, roles, exclude []string) string {
	parts := make([]string, 0, len(roles))
	for _, role := range roles {
		parts = append(parts, fmt.Sprintf("%s.role CONTAINS '%s'", binding, escapeSingleQuotes(role)))
	}
	cond := "(" + strings.Join(parts, " OR ") + ")"
	if len(exclude) > 0 {
		neg := make([]string, 0, len(exclude))
		for _, ex := range exclude {
			neg = append(neg, fmt.Sprintf("NOT %s.role CONTAINS '%s'", binding, escapeSingleQuotes(ex)))
		}
		cond += " AND " + strings.Join(neg, " AND ")
	}
	return cond
}

// departmentCondition builds the OR-of-CONTAINS department filter.
func departmentCondition(binding string, departments []string) string {
	parts := make([]string, 0, len(departments))
	for _, dept := range departments {
		parts = append(parts, fmt.Sprintf("%s.department CONTAINS '%s'", binding, escapeSingleQuotes(dept)))
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// escapeSingleQuotes doubles single quotes for safe Cypher string inlining.
func escapeSingleQuotes(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
