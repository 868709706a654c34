// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package schema provides the immutable graph schema descriptor consumed by
// every stage of the query translation pipeline.
package schema

import (
	"sort"
	"strings"
)

// =============================================================================
// Property Types
// =============================================================================

// PropertyType is a coarse classification of a node property's value type.
type PropertyType string

const (
	// TypeString covers free-text properties.
	TypeString PropertyType = "string"

	// TypeNumber covers integer and float properties.
	TypeNumber PropertyType = "number"

	// TypeDate covers ISO-8601 date strings and date values.
	TypeDate PropertyType = "date"

	// TypeEnum covers low-cardinality string properties (status, severity).
	TypeEnum PropertyType = "enum"
)

// =============================================================================
// Descriptor
// =============================================================================

// LabelSchema describes one node label: its property set and a small sample
// of representative values used to ground the LLM prompt.
//
// Thread Safety: Immutable after construction.
type LabelSchema struct {
	// Name is the label as it appears in the graph (e.g. "Person").
	Name string

	// Properties maps property name to its coarse type.
	Properties map[string]PropertyType

	// Samples holds up to MaxSamplesPerLabel representative values of the
	// label's display property (usually "name"). Used for prompt grounding
	// and for fuzzy did-you-mean suggestions.
	Samples []string
}

// MaxSamplesPerLabel caps the sample set collected per label.
const MaxSamplesPerLabel = 10

// Descriptor is an immutable snapshot of the graph database shape.
//
// Description:
//
//	Built once at process start from the live database (or from a static
//	definition in tests), refreshed on demand by publishing a whole new
//	snapshot. No stage mutates a Descriptor; all lookups are read-only.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Descriptor struct {
	// Labels maps label name to its schema.
	Labels map[string]*LabelSchema

	// Relationships is the set of relationship type names.
	Relationships map[string]struct{}

	// Aliases is the semantic alias table mapping English categories to
	// label/property constraints. Loaded from data, never code.
	Aliases *AliasTable
}

// NewDescriptor creates a Descriptor from label schemas and relationship names.
//
// Inputs:
//   - labels: The label schemas. The map is used as-is; callers must not
//     mutate it afterwards.
//   - relationships: Relationship type names.
//   - aliases: The semantic alias table. May be nil; Resolve then never matches.
//
// Outputs:
//   - *Descriptor: The immutable snapshot.
func NewDescriptor(labels map[string]*LabelSchema, relationships []string, aliases *AliasTable) *Descriptor {
	rels := make(map[string]struct{}, len(relationships))
	for _, r := range relationships {
		rels[r] = struct{}{}
	}
	return &Descriptor{Labels: labels, Relationships: rels, Aliases: aliases}
}

// HasLabel reports whether the label exists in the snapshot.
func (d *Descriptor) HasLabel(name string) bool {
	_, ok := d.Labels[name]
	return ok
}

// HasRelationship reports whether the relationship type exists in the snapshot.
func (d *Descriptor) HasRelationship(name string) bool {
	_, ok := d.Relationships[name]
	return ok
}

// HasProperty reports whether the property exists on the given label.
func (d *Descriptor) HasProperty(label, property string) bool {
	ls, ok := d.Labels[label]
	if !ok {
		return false
	}
	_, ok = ls.Properties[property]
	return ok
}

// LabelNames returns all label names, sorted.
func (d *Descriptor) LabelNames() []string {
	names := make([]string, 0, len(d.Labels))
	for name := range d.Labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RelationshipNames returns all relationship type names, sorted.
func (d *Descriptor) RelationshipNames() []string {
	names := make([]string, 0, len(d.Relationships))
	for name := range d.Relationships {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PropertyNames returns the sorted property names of a label, or nil if the
// label is unknown.
func (d *Descriptor) PropertyNames(label string) []string {
	ls, ok := d.Labels[label]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(ls.Properties))
	for name := range ls.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllPropertyNames returns the union of property names across all labels, sorted.
//
// Description:
//
//	Used by the validator when a binding's label cannot be determined and
//	by the suggestion engine as the candidate pool for unknown_property.
func (d *Descriptor) AllPropertyNames() []string {
	seen := make(map[string]struct{})
	for _, ls := range d.Labels {
		for name := range ls.Properties {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SampleValues returns the union of sample values across all labels.
//
// Description:
//
//	The suggestion engine fuzzy-matches user terms against these when a
//	query returns no rows (e.g. "Pyton" against the Skill sample "Python").
func (d *Descriptor) SampleValues() []string {
	var values []string
	for _, ls := range d.Labels {
		values = append(values, ls.Samples...)
	}
	sort.Strings(values)
	return values
}

// InferPropertyType classifies a raw property value into a coarse type.
//
// Inputs:
//   - value: A value as returned by the database driver.
//
// Outputs:
//   - PropertyType: The coarse classification. Strings that parse as
//     ISO dates classify as TypeDate.
func InferPropertyType(value any) PropertyType {
	switch v := value.(type) {
	case int, int32, int64, float32, float64:
		return TypeNumber
	case string:
		if looksLikeISODate(v) {
			return TypeDate
		}
		return TypeString
	default:
		return TypeString
	}
}

// looksLikeISODate reports whether s has the shape YYYY-MM-DD at its front.
func looksLikeISODate(s string) bool {
	if len(s) < 10 {
		return false
	}
	for i, r := range s[:10] {
		switch i {
		case 4, 7:
			if r != '-' {
				return false
			}
		default:
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

// NormalizeTerm lowercases and trims a user-facing term for alias lookup.
func NormalizeTerm(term string) string {
	return strings.ToLower(strings.TrimSpace(term))
}
