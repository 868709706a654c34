// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EkmanLabs/orgatlas/services/nlq/cache"
	"github.com/EkmanLabs/orgatlas/services/nlq/classify"
	"github.com/EkmanLabs/orgatlas/services/nlq/executor"
	"github.com/EkmanLabs/orgatlas/services/nlq/patterns"
	"github.com/EkmanLabs/orgatlas/services/nlq/prompt"
	"github.com/EkmanLabs/orgatlas/services/nlq/qerr"
	"github.com/EkmanLabs/orgatlas/services/nlq/schema"
	"github.com/EkmanLabs/orgatlas/services/nlq/validate"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeSchema struct{ desc *schema.Descriptor }

func (f fakeSchema) Current() *schema.Descriptor { return f.desc }

type fakeMatcher struct{ match *patterns.Match }

func (f fakeMatcher) Match(string, *schema.Descriptor) *patterns.Match { return f.match }

// scriptedGen replays canned completions and records every prompt it saw.
type scriptedGen struct {
	replies []string
	err     error
	prompts []string
}

func (g *scriptedGen) Generate(_ context.Context, p string) (string, error) {
	g.prompts = append(g.prompts, p)
	if g.err != nil {
		return "", g.err
	}
	i := len(g.prompts) - 1
	if i >= len(g.replies) {
		i = len(g.replies) - 1
	}
	return g.replies[i], nil
}

// fakeExec serves rows keyed by exact query text and records executions.
type fakeExec struct {
	rows  map[string][]map[string]any
	err   error
	calls []string
}

func (e *fakeExec) Execute(_ context.Context, query string) (*executor.Result, error) {
	e.calls = append(e.calls, query)
	if e.err != nil {
		return nil, e.err
	}
	rows := e.rows[query]
	if rows == nil {
		rows = []map[string]any{}
	}
	return &executor.Result{Rows: rows, RowCount: len(rows)}, nil
}

type mapCache struct {
	entries     map[string]cache.Entry
	invalidated []string
}

func newMapCache() *mapCache { return &mapCache{entries: map[string]cache.Entry{}} }

func (c *mapCache) Get(k string) (*cache.Entry, bool) {
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	return &e, true
}

func (c *mapCache) Put(k string, e cache.Entry) error {
	c.entries[k] = e
	return nil
}

func (c *mapCache) Invalidate(k string) error {
	delete(c.entries, k)
	c.invalidated = append(c.invalidated, k)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func testDescriptor() *schema.Descriptor {
	labels := map[string]*schema.LabelSchema{
		"Person": {
			Name: "Person",
			Properties: map[string]schema.PropertyType{
				"name": schema.TypeString, "email": schema.TypeString,
				"role": schema.TypeString, "department": schema.TypeString,
			},
		},
		"Team": {
			Name:       "Team",
			Properties: map[string]schema.PropertyType{"name": schema.TypeString},
		},
		"Skill": {
			Name:       "Skill",
			Properties: map[string]schema.PropertyType{"name": schema.TypeString},
		},
	}
	return schema.NewDescriptor(labels, []string{"MEMBER_OF", "REPORTS_TO", "HAS_SKILL"}, nil)
}

func newTestPipeline(t *testing.T, matcher FastMatcher, gen Generator, exec QueryExecutor, c TranslationCache) *Pipeline {
	t.Helper()
	return newTestPipelineOpts(t, matcher, gen, exec, c,
		Options{MaxRetries: 2, TotalDeadline: 5 * time.Second})
}

func newTestPipelineOpts(t *testing.T, matcher FastMatcher, gen Generator, exec QueryExecutor, c TranslationCache, opts Options) *Pipeline {
	t.Helper()
	prompts, err := prompt.NewBuilder(false, nil)
	require.NoError(t, err)
	return NewPipeline(
		fakeSchema{desc: testDescriptor()},
		matcher,
		prompts,
		gen,
		validate.NewValidator(slog.Default()),
		exec,
		classify.NewClassifier(classify.DefaultFuzzyCutoff, slog.Default()),
		c,
		opts,
		slog.Default(),
	)
}

// =============================================================================
// Tests
// =============================================================================

func TestTranslatePatternHitCachesResult(t *testing.T) {
	const query = "MATCH (p:Person) RETURN count(p) AS count"
	matcher := fakeMatcher{match: &patterns.Match{
		PatternName: "count_people_total",
		Query:       query,
		Provenance:  "pattern:count_people_total",
	}}
	exec := &fakeExec{rows: map[string][]map[string]any{
		query: {{"count": int64(42)}},
	}}
	gen := &scriptedGen{}
	c := newMapCache()

	p := newTestPipeline(t, matcher, gen, exec, c)
	tr := p.Translate(context.Background(), "How many employees are there?", nil)

	assert.Equal(t, OutcomeSuccess, tr.Outcome)
	assert.Equal(t, query, tr.Query)
	assert.Equal(t, "pattern:count_people_total", tr.Provenance)
	assert.Equal(t, 0, tr.LLMAttempts)
	assert.Empty(t, gen.prompts, "fast path must not touch the LLM")

	entry, ok := c.Get("how many employees are there")
	require.True(t, ok)
	assert.Equal(t, query, entry.Query)
	assert.Equal(t, "pattern:count_people_total", entry.SourceProvenance)
}

func TestTranslateServesFromCache(t *testing.T) {
	const query = "MATCH (p:Person) RETURN count(p) AS count"
	c := newMapCache()
	require.NoError(t, c.Put("how many employees are there", cache.Entry{
		Query:            query,
		SourceProvenance: "pattern:count_people_total",
	}))
	exec := &fakeExec{rows: map[string][]map[string]any{
		query: {{"count": int64(42)}},
	}}
	gen := &scriptedGen{}

	p := newTestPipeline(t, fakeMatcher{}, gen, exec, c)
	tr := p.Translate(context.Background(), "How many employees ARE there?", nil)

	assert.Equal(t, OutcomeSuccess, tr.Outcome)
	assert.Equal(t, cache.Provenance, tr.Provenance)
	assert.Equal(t, query, tr.Query)
	assert.Empty(t, gen.prompts)
}

func TestTranslateInvalidatesStaleCacheEntry(t *testing.T) {
	const fresh = "MATCH (p:Person) RETURN p.name AS name"
	c := newMapCache()
	require.NoError(t, c.Put("who is here", cache.Entry{
		Query: "MATCH (p:Peeple) RETURN p.name AS name",
	}))
	exec := &fakeExec{rows: map[string][]map[string]any{
		fresh: {{"name": "Ana"}},
	}}
	gen := &scriptedGen{replies: []string{fresh}}

	p := newTestPipeline(t, fakeMatcher{}, gen, exec, c)
	tr := p.Translate(context.Background(), "who is here", nil)

	assert.Equal(t, OutcomeSuccess, tr.Outcome)
	assert.Equal(t, ProvenanceLLM, tr.Provenance)
	assert.Contains(t, c.invalidated, "who is here")
	// The fresh translation replaces the stale entry.
	entry, ok := c.Get("who is here")
	require.True(t, ok)
	assert.Equal(t, fresh, entry.Query)
}

func TestTranslateRegeneratesAfterUnknownLabel(t *testing.T) {
	const bad = "MATCH (p:Peeple) RETURN p.name AS name"
	const good = "MATCH (p:Person) RETURN p.name AS name"
	exec := &fakeExec{rows: map[string][]map[string]any{
		good: {{"name": "Ana"}},
	}}
	gen := &scriptedGen{replies: []string{bad, good}}

	p := newTestPipeline(t, fakeMatcher{}, gen, exec, newMapCache())
	tr := p.Translate(context.Background(), "Who are all the people?", nil)

	assert.Equal(t, OutcomeSuccess, tr.Outcome)
	assert.Equal(t, good, tr.Query)
	assert.Equal(t, ProvenanceLLM, tr.Provenance)
	assert.Equal(t, 2, tr.LLMAttempts)
	require.Len(t, gen.prompts, 2)
	// The retry prompt carries the rejected query and the failure.
	assert.Contains(t, gen.prompts[1], bad)
	assert.Contains(t, gen.prompts[1], "Peeple")
}

func TestTranslateDoesNotRetrySyntaxRejection(t *testing.T) {
	gen := &scriptedGen{replies: []string{"CREATE (p:Person {name: 'x'})"}}
	exec := &fakeExec{}

	p := newTestPipeline(t, fakeMatcher{}, gen, exec, newMapCache())
	tr := p.Translate(context.Background(), "add a person named x", nil)

	assert.Equal(t, OutcomeFailure, tr.Outcome)
	assert.Equal(t, 1, tr.LLMAttempts)
	assert.Empty(t, exec.calls, "rejected queries never execute")
	require.NotNil(t, tr.Guidance)
	assert.Equal(t, qerr.KindSyntax, tr.Guidance.Kind)
}

func TestTranslateDoesNotRetryTimeout(t *testing.T) {
	const query = "MATCH (p:Person) RETURN count(p) AS count"
	matcher := fakeMatcher{match: &patterns.Match{
		PatternName: "count_people_total",
		Query:       query,
		Provenance:  "pattern:count_people_total",
	}}
	exec := &fakeExec{err: qerr.New(qerr.KindTimeout, "query timed out")}
	gen := &scriptedGen{}

	p := newTestPipeline(t, matcher, gen, exec, newMapCache())
	tr := p.Translate(context.Background(), "How many employees are there?", nil)

	assert.Equal(t, OutcomeFailure, tr.Outcome)
	assert.Len(t, exec.calls, 1)
	assert.Empty(t, gen.prompts, "timeouts must not trigger the LLM")
	require.NotNil(t, tr.Guidance)
	assert.Equal(t, qerr.KindTimeout, tr.Guidance.Kind)
}

func TestTranslateBroadensOnceOnEmptyResult(t *testing.T) {
	const narrow = "MATCH (p:Person) WHERE p.department = 'Quantum' RETURN p.name AS name"
	const broad = "MATCH (p:Person) WHERE toLower(p.department) CONTAINS 'quantum' RETURN p.name AS name"
	exec := &fakeExec{rows: map[string][]map[string]any{
		broad: {{"name": "Ana"}},
	}}
	gen := &scriptedGen{replies: []string{narrow, broad}}

	p := newTestPipeline(t, fakeMatcher{}, gen, exec, newMapCache())
	tr := p.Translate(context.Background(), "who works in Quantum", nil)

	assert.Equal(t, OutcomeSuccess, tr.Outcome)
	assert.True(t, tr.Broadened)
	assert.Equal(t, broad, tr.Query)
	assert.Equal(t, 2, tr.LLMAttempts)
	require.Len(t, gen.prompts, 2)
	assert.Contains(t, gen.prompts[1], narrow, "broadening prompt shows the empty query")
	assert.Equal(t, []string{narrow, broad}, exec.calls)
}

func TestTranslateEmptyAfterBroadeningYieldsGuidance(t *testing.T) {
	const narrow = "MATCH (p:Person)-[:HAS_SKILL]->(s:Skill) WHERE s.name = 'pyton' RETURN p.name AS name"
	const broad = "MATCH (p:Person)-[:HAS_SKILL]->(s:Skill) WHERE toLower(s.name) CONTAINS 'pyton' RETURN p.name AS name"
	exec := &fakeExec{rows: map[string][]map[string]any{}}
	gen := &scriptedGen{replies: []string{narrow, broad}}

	p := newTestPipeline(t, fakeMatcher{}, gen, exec, newMapCache())
	tr := p.Translate(context.Background(), "who knows pyton", nil)

	assert.Equal(t, OutcomeEmpty, tr.Outcome)
	assert.True(t, tr.Broadened)
	assert.Equal(t, 2, tr.LLMAttempts, "broadening happens exactly once")
	require.NotNil(t, tr.Result)
	assert.Equal(t, 0, tr.Result.RowCount)
	require.NotNil(t, tr.Guidance)
	assert.Equal(t, qerr.KindEmptyResult, tr.Guidance.Kind)
}

func TestTranslateSkipsBroadeningWhenBudgetExhausted(t *testing.T) {
	const narrow = "MATCH (p:Person) WHERE p.department = 'Quantum' RETURN p.name AS name"
	exec := &fakeExec{}
	gen := &scriptedGen{replies: []string{narrow}}

	p := newTestPipelineOpts(t, fakeMatcher{}, gen, exec, newMapCache(),
		Options{MaxRetries: 0, TotalDeadline: 5 * time.Second})
	tr := p.Translate(context.Background(), "who works in Quantum", nil)

	assert.Equal(t, OutcomeEmpty, tr.Outcome)
	assert.False(t, tr.Broadened)
	assert.Equal(t, 1, tr.LLMAttempts, "one generation when no retries are allowed")
	assert.Len(t, exec.calls, 1)
	require.NotNil(t, tr.Guidance)
	assert.Equal(t, qerr.KindEmptyResult, tr.Guidance.Kind)
	// The guidance still offers wider rewrites even though none were run.
	assert.Contains(t, tr.Guidance.AlternativeQueries, "MATCH (p:Person) RETURN p.name AS name")
}

func TestTranslateExecutionRetriesStopAtTwo(t *testing.T) {
	exec := &fakeExec{err: qerr.New(qerr.KindUnknownProperty, "property salry not found").WithToken("salry")}
	gen := &scriptedGen{replies: []string{"MATCH (p:Person) RETURN p.name AS name"}}

	p := newTestPipeline(t, fakeMatcher{}, gen, exec, newMapCache())
	tr := p.Translate(context.Background(), "list everyone's salry", nil)

	assert.Equal(t, OutcomeFailure, tr.Outcome)
	assert.Len(t, exec.calls, 2, "a second failed execution ends the translation")
	assert.Equal(t, 2, tr.LLMAttempts)
	require.NotNil(t, tr.Guidance)
	assert.Equal(t, qerr.KindUnknownProperty, tr.Guidance.Kind)
}

func TestTranslateCachedEmptyResultIsTerminal(t *testing.T) {
	const query = "MATCH (p:Person) WHERE p.name = 'Nobody' RETURN p.name AS name"
	c := newMapCache()
	require.NoError(t, c.Put("find nobody", cache.Entry{Query: query}))
	exec := &fakeExec{rows: map[string][]map[string]any{}}
	// A broadening attempt would reach the generator; give it nothing useful.
	gen := &scriptedGen{replies: []string{query}}

	p := newTestPipeline(t, fakeMatcher{}, gen, exec, c)
	tr := p.Translate(context.Background(), "find nobody", nil)

	assert.Equal(t, OutcomeEmpty, tr.Outcome)
	assert.Equal(t, cache.Provenance, tr.Provenance)
	assert.Empty(t, c.invalidated, "a valid cached query with no matches stays cached")
}

func TestTranslateGenerationFailureSurfacesGuidance(t *testing.T) {
	gen := &scriptedGen{err: qerr.New(qerr.KindTransport, "connection refused")}

	p := newTestPipeline(t, fakeMatcher{}, gen, &fakeExec{}, newMapCache())
	tr := p.Translate(context.Background(), "who is on the mobile team", nil)

	assert.Equal(t, OutcomeFailure, tr.Outcome)
	require.NotNil(t, tr.Guidance)
	assert.Equal(t, qerr.KindTransport, tr.Guidance.Kind)
	assert.Len(t, gen.prompts, 1)
}

func TestTranslateEmitsStageEvents(t *testing.T) {
	const query = "MATCH (p:Person) RETURN count(p) AS count"
	matcher := fakeMatcher{match: &patterns.Match{
		PatternName: "count_people_total",
		Query:       query,
		Provenance:  "pattern:count_people_total",
	}}
	exec := &fakeExec{rows: map[string][]map[string]any{
		query: {{"count": int64(1)}},
	}}

	var stages []string
	p := newTestPipeline(t, matcher, &scriptedGen{}, exec, nil)
	tr := p.Translate(context.Background(), "How many employees are there?", func(ev StageEvent) {
		stages = append(stages, ev.Stage)
	})

	assert.Equal(t, OutcomeSuccess, tr.Outcome)
	assert.Equal(t, []string{"pattern", "execute", "complete"}, stages)
}

func TestTranslateRejectsBlankUtterance(t *testing.T) {
	p := newTestPipeline(t, fakeMatcher{}, &scriptedGen{}, &fakeExec{}, nil)
	tr := p.Translate(context.Background(), "   ", nil)

	assert.Equal(t, OutcomeFailure, tr.Outcome)
	require.NotNil(t, tr.Guidance)
}
