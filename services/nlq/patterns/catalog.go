// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package patterns implements the deterministic fast path of the translation
// pipeline: a priority-ordered catalog of regex templates that turn common
// utterances into Cypher without an LLM round-trip.
package patterns

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Default Catalog
// =============================================================================

//go:embed patterns.yaml
var defaultCatalogYAML []byte

// MaxYAMLFileSize caps the size of loaded catalog files.
const MaxYAMLFileSize = 1 << 20

// Semantic template markers. Patterns using these are expanded by the matcher
// through the schema alias table instead of plain substitution.
const (
	TemplateSemanticCount    = "SEMANTIC_COUNT"
	TemplateSemanticList     = "SEMANTIC_LIST"
	TemplateSemanticRoleDept = "SEMANTIC_ROLE_DEPT"
)

// =============================================================================
// Catalog Types
// =============================================================================

// Pattern is one fast-path translation rule.
//
// Description:
//
//	A pattern owns a list of anchored regexes tried in order, a Cypher
//	template with $name placeholders, and an extractor map from placeholder
//	name to regex capture group. Patterns are immutable after catalog load.
type Pattern struct {
	// Name identifies the pattern in provenance tags and logs.
	Name string `yaml:"name"`

	// Description says what utterances the pattern covers.
	Description string `yaml:"description"`

	// Priority orders patterns; higher is tried first. Ties break by
	// declaration order.
	Priority int `yaml:"priority"`

	// Regexes are matched against the normalized utterance, anchored at the
	// start. The first regex that matches wins.
	Regexes []string `yaml:"regexes"`

	// Template is the parameterized Cypher, or one of the SEMANTIC_* markers.
	Template string `yaml:"template"`

	// Extractors maps placeholder name to regex capture group index.
	Extractors map[string]int `yaml:"extractors,omitempty"`

	compiled []*regexp.Regexp
}

// Catalog is the immutable, priority-sorted pattern set.
//
// Thread Safety: Immutable after load; safe for concurrent use.
type Catalog struct {
	patterns []Pattern
}

// Patterns returns the sorted pattern slice. Callers must not mutate it.
func (c *Catalog) Patterns() []Pattern {
	return c.patterns
}

// Len returns the number of patterns in the catalog.
func (c *Catalog) Len() int {
	return len(c.patterns)
}

// =============================================================================
// Loading
// =============================================================================

// DefaultCatalog loads the embedded pattern catalog.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(defaultCatalogYAML)
}

// LoadCatalogFile loads a catalog from an override file on disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadCatalogFile: reading %s: %w", path, err)
	}
	return LoadCatalog(data)
}

// LoadCatalog parses, validates, compiles, and sorts a catalog from YAML bytes.
//
// Description:
//
//	Every regex is compiled once at load with a start anchor added when
//	missing; invalid regexes fail the whole load rather than being skipped,
//	since a silently missing pattern changes translation behavior. Patterns
//	are sorted once by descending priority with declaration order as the
//	tie-break.
//
// Inputs:
//   - data: Raw YAML bytes.
//
// Outputs:
//   - *Catalog: The compiled catalog.
//   - error: Non-nil if parsing, validation, or compilation fails.
func LoadCatalog(data []byte) (*Catalog, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("LoadCatalog: empty YAML data")
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("LoadCatalog: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	var doc struct {
		Patterns []Pattern `yaml:"patterns"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("LoadCatalog: parsing YAML: %w", err)
	}
	if len(doc.Patterns) == 0 {
		return nil, fmt.Errorf("LoadCatalog: catalog declares no patterns")
	}

	for i := range doc.Patterns {
		p := &doc.Patterns[i]
		if p.Name == "" {
			return nil, fmt.Errorf("LoadCatalog: pattern[%d]: name must not be empty", i)
		}
		if len(p.Regexes) == 0 {
			return nil, fmt.Errorf("LoadCatalog: pattern %s: regexes must not be empty", p.Name)
		}
		if p.Template == "" {
			return nil, fmt.Errorf("LoadCatalog: pattern %s: template must not be empty", p.Name)
		}
		if err := validateTemplate(p); err != nil {
			return nil, fmt.Errorf("LoadCatalog: pattern %s: %w", p.Name, err)
		}
		p.compiled = make([]*regexp.Regexp, len(p.Regexes))
		for j, raw := range p.Regexes {
			anchored := raw
			if !strings.HasPrefix(anchored, "^") {
				anchored = "^" + anchored
			}
			re, err := regexp.Compile(anchored)
			if err != nil {
				return nil, fmt.Errorf("LoadCatalog: pattern %s regex[%d]: %w", p.Name, j, err)
			}
			p.compiled[j] = re
		}
	}

	// Stable sort keeps declaration order within equal priorities.
	sort.SliceStable(doc.Patterns, func(i, j int) bool {
		return doc.Patterns[i].Priority > doc.Patterns[j].Priority
	})

	return &Catalog{patterns: doc.Patterns}, nil
}

// validateTemplate checks that every extractor has a placeholder and that
// semantic markers carry the extractors their expansion needs.
func validateTemplate(p *Pattern) error {
	switch p.Template {
	case TemplateSemanticCount, TemplateSemanticList:
		if _, ok := p.Extractors["term"]; !ok {
			return fmt.Errorf("semantic template requires a 'term' extractor")
		}
		return nil
	case TemplateSemanticRoleDept:
		if _, ok := p.Extractors["role_term"]; !ok {
			return fmt.Errorf("semantic template requires a 'role_term' extractor")
		}
		if _, ok := p.Extractors["dept"]; !ok {
			return fmt.Errorf("semantic template requires a 'dept' extractor")
		}
		return nil
	}
	for name, group := range p.Extractors {
		if group < 1 {
			return fmt.Errorf("extractor %s: capture group must be >= 1, got %d", name, group)
		}
		if !strings.Contains(p.Template, "$"+name) {
			return fmt.Errorf("extractor %s: template has no $%s placeholder", name, name)
		}
	}
	return nil
}
