// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package patterns

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogLoads(t *testing.T) {
	catalog, err := DefaultCatalog()
	require.NoError(t, err)
	require.NotZero(t, catalog.Len())

	// Sorted by descending priority.
	prev := catalog.Patterns()[0].Priority
	for _, p := range catalog.Patterns()[1:] {
		assert.LessOrEqual(t, p.Priority, prev, "pattern %s out of order", p.Name)
		prev = p.Priority
	}
}

func TestLoadCatalogRejectsInvalidRegex(t *testing.T) {
	_, err := LoadCatalog([]byte(`
patterns:
  - name: broken
    priority: 1
    regexes: ['who is (unclosed$']
    template: 'MATCH (p:Person) RETURN p'
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestLoadCatalogRejectsMissingPlaceholder(t *testing.T) {
	_, err := LoadCatalog([]byte(`
patterns:
  - name: dangling
    priority: 1
    regexes: ['who is (.+?)$']
    template: 'MATCH (p:Person) RETURN p'
    extractors: {name: 1}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$name")
}

func TestLoadCatalogRejectsSemanticWithoutTerm(t *testing.T) {
	_, err := LoadCatalog([]byte(`
patterns:
  - name: half
    priority: 1
    regexes: ['count (.+?)$']
    template: SEMANTIC_COUNT
`))
	require.Error(t, err)
}

func TestCatalogHolderSwap(t *testing.T) {
	first, err := DefaultCatalog()
	require.NoError(t, err)
	holder := NewCatalogHolder(first, "", slog.Default())
	assert.Same(t, first, holder.Current())

	second, err := LoadCatalog([]byte(`
patterns:
  - name: only
    priority: 1
    regexes: ['ping$']
    template: 'MATCH (p:Person) RETURN count(p) AS count'
`))
	require.NoError(t, err)
	holder.Swap(second)
	assert.Same(t, second, holder.Current())
	assert.Equal(t, 1, holder.Current().Len())
}

func TestWatchWithoutPathIsNoOp(t *testing.T) {
	catalog, err := DefaultCatalog()
	require.NoError(t, err)
	holder := NewCatalogHolder(catalog, "", slog.Default())
	require.NoError(t, holder.Watch(context.Background()))
}
