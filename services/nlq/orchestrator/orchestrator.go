// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator drives one utterance through the translation pipeline:
// cache, pattern fast path, LLM generation with failure-aware retries,
// post-processing, validation, execution, and result classification, all
// under a single deadline.
package orchestrator

import (
	"context"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/EkmanLabs/orgatlas/services/nlq/cache"
	"github.com/EkmanLabs/orgatlas/services/nlq/classify"
	"github.com/EkmanLabs/orgatlas/services/nlq/executor"
	"github.com/EkmanLabs/orgatlas/services/nlq/patterns"
	"github.com/EkmanLabs/orgatlas/services/nlq/postprocess"
	"github.com/EkmanLabs/orgatlas/services/nlq/prompt"
	"github.com/EkmanLabs/orgatlas/services/nlq/qerr"
	"github.com/EkmanLabs/orgatlas/services/nlq/schema"
	"github.com/EkmanLabs/orgatlas/services/nlq/validate"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	translateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orgatlas",
		Subsystem: "orchestrator",
		Name:      "translate_total",
		Help:      "Completed translations by outcome and source",
	}, []string{"outcome", "source"})

	translateLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orgatlas",
		Subsystem: "orchestrator",
		Name:      "latency_seconds",
		Help:      "End-to-end translation latency",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
	})

	translateAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orgatlas",
		Subsystem: "orchestrator",
		Name:      "llm_attempts",
		Help:      "LLM generation attempts per translation",
		Buckets:   []float64{0, 1, 2, 3, 4},
	})
)

var orchestratorTracer = otel.Tracer("orgatlas.nlq.orchestrator")

// =============================================================================
// Types
// =============================================================================

// Outcome is the terminal state of a translation.
type Outcome string

const (
	// OutcomeSuccess means a validated query executed and returned rows.
	OutcomeSuccess Outcome = "success"

	// OutcomeEmpty means a validated query executed but matched nothing,
	// broadening included.
	OutcomeEmpty Outcome = "empty"

	// OutcomeFailure means no usable query could be produced or executed.
	OutcomeFailure Outcome = "failure"
)

// ProvenanceLLM tags translations produced by the language model.
const ProvenanceLLM = "llm"

// maxExecutions bounds database executions per utterance: the initial run
// plus at most one more, whether that second run is a regeneration or the
// empty-result broadening.
const maxExecutions = 2

// Translation is the full account of one utterance's journey.
type Translation struct {
	// Utterance is the original user question.
	Utterance string `json:"utterance"`

	// Query is the final Cypher, empty when generation itself failed.
	Query string `json:"query,omitempty"`

	// Provenance says where the query came from: "cache", "llm", or
	// "pattern:<name>".
	Provenance string `json:"provenance,omitempty"`

	// Outcome is the terminal state.
	Outcome Outcome `json:"outcome"`

	// Result holds rows for executed queries.
	Result *executor.Result `json:"result,omitempty"`

	// Guidance explains failures and empty results to the user.
	Guidance *classify.Guidance `json:"guidance,omitempty"`

	// LLMAttempts counts generation calls, regenerations included.
	LLMAttempts int `json:"llm_attempts"`

	// Broadened is true when the empty-result fallback produced the final
	// query.
	Broadened bool `json:"broadened,omitempty"`

	// TransformsApplied lists post-processor transforms that changed the
	// final query.
	TransformsApplied []string `json:"transforms_applied,omitempty"`

	// DurationMS is the end-to-end translation wall time.
	DurationMS int64 `json:"duration_ms"`

	// lastErr is the error behind a failure outcome, kept for retry
	// decisions.
	lastErr error

	// execCount counts database executions across all stages.
	execCount int
}

// StageEvent reports pipeline progress, streamed to interactive clients.
type StageEvent struct {
	Stage  string    `json:"stage"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// StageListener receives stage events. May be nil.
type StageListener func(StageEvent)

// =============================================================================
// Dependencies
// =============================================================================

// SchemaSource supplies the current schema snapshot.
type SchemaSource interface {
	Current() *schema.Descriptor
}

// FastMatcher is the pattern fast path.
type FastMatcher interface {
	Match(utterance string, desc *schema.Descriptor) *patterns.Match
}

// Generator produces query candidates from prompts.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// QueryExecutor runs validated queries.
type QueryExecutor interface {
	Execute(ctx context.Context, query string) (*executor.Result, error)
}

// TranslationCache stores successful translations. All methods must be safe
// for concurrent use.
type TranslationCache interface {
	Get(normalized string) (*cache.Entry, bool)
	Put(normalized string, entry cache.Entry) error
	Invalidate(normalized string) error
}

// Options bounds pipeline behavior.
type Options struct {
	// MaxRetries bounds failure-aware regenerations after the first LLM
	// attempt.
	MaxRetries int

	// TotalDeadline bounds one whole translation. Non-positive means 30s.
	TotalDeadline time.Duration
}

// Pipeline wires the translation stages together.
//
// Thread Safety: Safe for concurrent use; per-translation state lives on the
// stack.
type Pipeline struct {
	schemas    SchemaSource
	matcher    FastMatcher
	prompts    *prompt.Builder
	gen        Generator
	validator  *validate.Validator
	exec       QueryExecutor
	classifier *classify.Classifier
	cache      TranslationCache
	opts       Options
	logger     *slog.Logger
}

// NewPipeline creates a Pipeline.
//
// Inputs:
//   - schemas, matcher, prompts, gen, validator, exec, classifier: Stage
//     implementations. Must not be nil.
//   - translationCache: Translation cache. May be nil to disable caching.
//   - opts: Behavior bounds.
//   - logger: Logger instance. Must not be nil.
func NewPipeline(
	schemas SchemaSource,
	matcher FastMatcher,
	prompts *prompt.Builder,
	gen Generator,
	validator *validate.Validator,
	exec QueryExecutor,
	classifier *classify.Classifier,
	translationCache TranslationCache,
	opts Options,
	logger *slog.Logger,
) *Pipeline {
	if opts.TotalDeadline <= 0 {
		opts.TotalDeadline = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		schemas:    schemas,
		matcher:    matcher,
		prompts:    prompts,
		gen:        gen,
		validator:  validator,
		exec:       exec,
		classifier: classifier,
		cache:      translationCache,
		opts:       opts,
		logger:     logger,
	}
}

// =============================================================================
// Translation
// =============================================================================

// Translate runs one utterance through the pipeline.
//
// Description:
//
//	Stage order: cache, pattern fast path, LLM. A candidate from any source
//	is post-processed, validated, and executed. Unknown-identifier
//	failures trigger failure-aware regeneration within the retry budget;
//	an empty result triggers at most one broadening regeneration, and only
//	while retry budget remains; timeouts and transport failures never
//	retry. No utterance makes more than MaxRetries+1 generation calls or
//	more than two database executions, and the whole translation runs
//	under one deadline regardless of attempts.
//
// Inputs:
//   - ctx: Request context. Must not be nil.
//   - utterance: The user's question.
//   - listener: Stage event receiver. May be nil.
//
// Outputs:
//   - *Translation: Never nil; Outcome says how it ended.
func (p *Pipeline) Translate(ctx context.Context, utterance string, listener StageListener) *Translation {
	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.Pipeline.Translate")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, p.opts.TotalDeadline)
	defer cancel()
	start := time.Now()

	t := &Translation{Utterance: utterance, Outcome: OutcomeFailure}
	defer func() {
		t.DurationMS = time.Since(start).Milliseconds()
		translateLatency.Observe(time.Since(start).Seconds())
		translateAttempts.Observe(float64(t.LLMAttempts))
		source := t.Provenance
		if source == "" {
			source = "none"
		}
		translateTotal.WithLabelValues(string(t.Outcome), sourceClass(source)).Inc()
		span.SetAttributes(
			attribute.String("outcome", string(t.Outcome)),
			attribute.String("provenance", source),
			attribute.Int("llm_attempts", t.LLMAttempts),
		)
	}()

	emit := func(stage, detail string) {
		if listener != nil {
			listener(StageEvent{Stage: stage, Detail: detail, At: time.Now().UTC()})
		}
	}

	normalized := patterns.Normalize(utterance)
	if normalized == "" {
		t.Guidance = p.classifier.Explain(
			qerr.New(qerr.KindInternal, "empty question"), utterance, p.schemas.Current())
		return t
	}
	desc := p.schemas.Current()

	// Stage 1: cache.
	if p.cache != nil {
		if entry, ok := p.cache.Get(normalized); ok {
			emit("cache", "hit")
			if err := p.validator.Validate(entry.Query, desc); err == nil {
				if p.finish(ctx, t, entry.Query, cache.Provenance, normalized, desc, utterance, emit) {
					return t
				}
				// An empty result from a still-valid cached query is a
				// real answer; timeouts and transport failures are
				// terminal too.
				if t.Outcome == OutcomeEmpty || !qerr.KindOf(t.lastErr).Retryable() {
					return t
				}
			}
			// Stale against the current schema; drop it and translate
			// fresh.
			_ = p.cache.Invalidate(normalized)
			emit("cache", "invalidated")
			t.Query, t.Provenance, t.Result, t.Guidance, t.lastErr = "", "", nil, nil, nil
			t.Outcome = OutcomeFailure
		}
	}

	// Stage 2: pattern fast path.
	if m := p.matcher.Match(utterance, desc); m != nil {
		emit("pattern", m.PatternName)
		if err := p.validator.Validate(m.Query, desc); err == nil {
			if p.finish(ctx, t, m.Query, m.Provenance, normalized, desc, utterance, emit) {
				return t
			}
			// Only unknown-identifier execution failures are worth a
			// fresh LLM translation.
			if t.Outcome == OutcomeEmpty || !qerr.KindOf(t.lastErr).Retryable() {
				return t
			}
		} else {
			p.logger.Warn("pattern candidate failed validation; falling back to LLM",
				slog.String("pattern", m.PatternName),
				slog.String("error", err.Error()),
			)
		}
		// Reset any partial state before the LLM path.
		t.Query, t.Provenance, t.Result, t.Guidance, t.lastErr = "", "", nil, nil, nil
		t.Outcome = OutcomeFailure
	}

	// Stage 3: LLM with failure-aware regeneration.
	p.translateViaLLM(ctx, t, normalized, desc, utterance, emit)
	return t
}

// translateViaLLM drives generation, validation, execution, and retries.
func (p *Pipeline) translateViaLLM(ctx context.Context, t *Translation, normalized string, desc *schema.Descriptor, utterance string, emit func(string, string)) {
	promptText, err := p.prompts.Build(utterance, desc)
	if err != nil {
		t.Guidance = p.classifier.Explain(qerr.New(qerr.KindInternal, err.Error()), utterance, desc)
		return
	}

	var lastQuery string
	for attempt := 0; attempt <= p.opts.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			t.Guidance = p.classifier.Explain(
				qerr.New(qerr.KindTimeout, "translation deadline exhausted"), utterance, desc)
			return
		}

		emit("llm", "generate")
		t.LLMAttempts++
		candidate, err := p.gen.Generate(ctx, promptText)
		if err != nil {
			// Generation failures are not retried here; the client already
			// retried transport hiccups once.
			t.Guidance = p.classifier.Explain(err, utterance, desc)
			return
		}

		processed := postprocess.Process(candidate)
		t.TransformsApplied = processed.Applied
		lastQuery = processed.Query
		emit("postprocess", "")

		if verr := p.validator.Validate(processed.Query, desc); verr != nil {
			emit("validate", "rejected")
			if qerr.KindOf(verr).Retryable() && attempt < p.opts.MaxRetries {
				next, perr := p.prompts.BuildRegeneration(utterance, desc, processed.Query, validate.Describe(verr))
				if perr == nil {
					promptText = next
					continue
				}
			}
			t.Query = processed.Query
			t.Guidance = p.classifier.Explain(verr, utterance, desc)
			return
		}
		emit("validate", "accepted")

		if p.finish(ctx, t, processed.Query, ProvenanceLLM, normalized, desc, utterance, emit) {
			return
		}
		if t.Outcome == OutcomeEmpty {
			return
		}

		// Execution failed: regenerate only for unknown-identifier kinds,
		// and only while an execution slot remains for the fresh query.
		execErr := lastError(t)
		kind := qerr.KindOf(execErr)
		if kind.Retryable() && attempt < p.opts.MaxRetries && t.execCount < maxExecutions {
			hint := execErr.Error()
			if qe := qerr.AsQueryError(execErr); qe != nil {
				hint = qe.RawMessage
			}
			var perr error
			promptText, perr = p.prompts.BuildRegeneration(utterance, desc, lastQuery, hint)
			if perr == nil {
				t.Result, t.Guidance, t.lastErr = nil, nil, nil
				continue
			}
		}
		return
	}
}

// finish post-executes a validated query: run it, handle the empty-result
// broadening, cache successes, and attach guidance. Returns true when t is
// terminal with OutcomeSuccess; for OutcomeEmpty and OutcomeFailure the
// caller decides whether another attempt is allowed.
func (p *Pipeline) finish(ctx context.Context, t *Translation, query, provenance, normalized string, desc *schema.Descriptor, utterance string, emit func(string, string)) bool {
	t.Query = query
	t.Provenance = provenance

	emit("execute", "")
	t.execCount++
	res, err := p.exec.Execute(ctx, query)
	if err != nil {
		t.Outcome = OutcomeFailure
		t.Guidance = p.classifier.Explain(err, utterance, desc)
		t.lastErr = err
		return false
	}

	if res.RowCount == 0 {
		// Broadening costs one generation and one execution, so it only
		// runs while both budgets have room.
		if !t.Broadened && t.LLMAttempts <= p.opts.MaxRetries && t.execCount < maxExecutions &&
			p.tryBroaden(ctx, t, query, normalized, desc, utterance, emit) {
			return true
		}
		t.Result = res
		t.Outcome = OutcomeEmpty
		t.Guidance = p.classifier.ExplainEmpty(utterance, query, desc)
		return false
	}

	t.Result = res
	t.Outcome = OutcomeSuccess
	t.Guidance = nil
	if p.cache != nil && provenance != cache.Provenance {
		if err := p.cache.Put(normalized, cache.Entry{Query: query, SourceProvenance: provenance}); err != nil {
			p.logger.Warn("caching translation failed", slog.String("error", err.Error()))
		}
	}
	emit("complete", string(OutcomeSuccess))
	return true
}

// tryBroaden runs the single empty-result broadening attempt. The caller has
// already checked the generation and execution budgets. Returns true only
// when the broadened query succeeded with rows.
func (p *Pipeline) tryBroaden(ctx context.Context, t *Translation, emptyQuery, normalized string, desc *schema.Descriptor, utterance string, emit func(string, string)) bool {
	t.Broadened = true
	if ctx.Err() != nil {
		return false
	}

	emit("broaden", "")
	promptText, err := p.prompts.BuildBroadening(utterance, desc, emptyQuery)
	if err != nil {
		return false
	}
	t.LLMAttempts++
	candidate, err := p.gen.Generate(ctx, promptText)
	if err != nil {
		return false
	}
	processed := postprocess.Process(candidate)
	if processed.Query == emptyQuery {
		return false
	}
	if err := p.validator.Validate(processed.Query, desc); err != nil {
		return false
	}
	t.execCount++
	res, err := p.exec.Execute(ctx, processed.Query)
	if err != nil || res.RowCount == 0 {
		return false
	}

	t.Query = processed.Query
	t.Provenance = ProvenanceLLM
	t.Result = res
	t.Outcome = OutcomeSuccess
	t.Guidance = nil
	if p.cache != nil {
		_ = p.cache.Put(normalized, cache.Entry{Query: processed.Query, SourceProvenance: ProvenanceLLM})
	}
	emit("complete", string(OutcomeSuccess))
	return true
}

// sourceClass collapses pattern provenance for metric cardinality.
func sourceClass(provenance string) string {
	if len(provenance) > len(patterns.ProvenancePrefix) && provenance[:len(patterns.ProvenancePrefix)] == patterns.ProvenancePrefix {
		return "pattern"
	}
	return provenance
}

// lastError returns the error behind a failure outcome.
func lastError(t *Translation) error {
	if t.lastErr != nil {
		return t.lastErr
	}
	return qerr.New(qerr.KindInternal, "unknown failure")
}
