// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm is the generation backend of the translation pipeline: a
// non-streaming client for an Ollama-compatible /api/generate endpoint plus
// the cleanup that turns raw model output into a bare Cypher candidate.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/EkmanLabs/orgatlas/services/nlq/qerr"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	llmRequestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orgatlas",
		Subsystem: "llm",
		Name:      "request_total",
		Help:      "LLM generation requests by outcome: success, transport, timeout, status",
	}, []string{"outcome"})

	llmLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orgatlas",
		Subsystem: "llm",
		Name:      "latency_seconds",
		Help:      "End-to-end latency of LLM generation calls",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

var llmTracer = otel.Tracer("orgatlas.nlq.llm")

// =============================================================================
// Wire Types
// =============================================================================

// generateRequest is the Ollama /api/generate request body.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

// generateResponse is the subset of the Ollama response we read.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// =============================================================================
// Client
// =============================================================================

// Generator is the interface the orchestrator programs against.
type Generator interface {
	// Generate renders one completion for the prompt and returns the cleaned
	// candidate query text.
	Generate(ctx context.Context, prompt string) (string, error)
}

// Options configures an OllamaClient.
type Options struct {
	// EndpointURL is the base URL, e.g. "http://localhost:11434".
	EndpointURL string

	// Model is the model name passed on every request.
	Model string

	// Timeout bounds a single generation round-trip.
	Timeout time.Duration

	// Temperature for generation. Low values keep Cypher output stable.
	Temperature float64

	// MaxTokens caps the completion length (num_predict).
	MaxTokens int

	// MaxInFlight caps concurrent generation requests. Zero means 4.
	MaxInFlight int64

	// RequestsPerSecond rate-limits generation. Zero disables limiting.
	RequestsPerSecond float64
}

// OllamaClient calls an Ollama-compatible /api/generate endpoint.
//
// Description:
//
//	Non-streaming by design; the pipeline needs the whole candidate before
//	post-processing. A weighted semaphore caps in-flight requests so a slow
//	model cannot pile up goroutines, and an optional rate limiter smooths
//	bursts. One transport-level retry is attempted when enough of the
//	deadline remains; HTTP error statuses are not retried here because the
//	orchestrator owns retry policy.
//
// Thread Safety: Safe for concurrent use.
type OllamaClient struct {
	endpoint   string
	model      string
	opts       generateOptions
	httpClient *http.Client
	inflight   *semaphore.Weighted
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewOllamaClient creates an OllamaClient.
//
// Inputs:
//   - opts: Client options. EndpointURL and Model must be non-empty.
//   - logger: Logger instance. Must not be nil.
//
// Outputs:
//   - *OllamaClient: The client.
//   - error: Non-nil if required options are missing.
func NewOllamaClient(opts Options, logger *slog.Logger) (*OllamaClient, error) {
	if opts.EndpointURL == "" {
		return nil, fmt.Errorf("NewOllamaClient: EndpointURL must not be empty")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("NewOllamaClient: Model must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 4
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &OllamaClient{
		endpoint: strings.TrimRight(opts.EndpointURL, "/") + "/api/generate",
		model:    opts.Model,
		opts: generateOptions{
			Temperature: opts.Temperature,
			NumPredict:  maxTokens,
		},
		httpClient: &http.Client{Timeout: timeout},
		inflight:   semaphore.NewWeighted(maxInFlight),
		limiter:    limiter,
		logger:     logger,
	}, nil
}

// Generate renders one completion and returns the cleaned candidate.
//
// Inputs:
//   - ctx: Context carrying the caller's deadline. Must not be nil.
//   - prompt: The fully rendered prompt.
//
// Outputs:
//   - string: The cleaned candidate query text.
//   - error: A *qerr.QueryError with KindTimeout or KindTransport on failure.
func (c *OllamaClient) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, span := llmTracer.Start(ctx, "llm.OllamaClient.Generate")
	defer span.End()
	start := time.Now()

	if err := c.inflight.Acquire(ctx, 1); err != nil {
		llmRequestTotal.WithLabelValues("timeout").Inc()
		return "", qerr.Newf(qerr.KindTimeout, "waiting for LLM slot: %v", err)
	}
	defer c.inflight.Release(1)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			llmRequestTotal.WithLabelValues("timeout").Inc()
			return "", qerr.Newf(qerr.KindTimeout, "waiting for LLM rate limit: %v", err)
		}
	}

	raw, err := c.roundTrip(ctx, prompt)
	if err != nil && qerr.KindOf(err) == qerr.KindTransport && remainingAtLeast(ctx, 2*time.Second) {
		// One retry for flaky local sockets. Status errors and timeouts
		// propagate; the orchestrator owns those policies.
		c.logger.Warn("LLM transport error; retrying once", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
		case <-time.After(500 * time.Millisecond):
			raw, err = c.roundTrip(ctx, prompt)
		}
	}

	duration := time.Since(start)
	llmLatency.Observe(duration.Seconds())
	span.SetAttributes(attribute.String("model", c.model))
	if err != nil {
		llmRequestTotal.WithLabelValues(string(qerr.KindOf(err))).Inc()
		return "", err
	}

	cleaned := ExtractCypher(raw)
	if cleaned == "" {
		llmRequestTotal.WithLabelValues(string(qerr.KindInternal)).Inc()
		return "", qerr.New(qerr.KindInternal, "model answered in prose instead of a query")
	}
	llmRequestTotal.WithLabelValues("success").Inc()
	c.logger.Debug("LLM generation complete",
		slog.Duration("duration", duration),
		slog.Int("raw_len", len(raw)),
		slog.Int("cleaned_len", len(cleaned)),
	)
	return cleaned, nil
}

// roundTrip performs a single HTTP generation call.
func (c *OllamaClient) roundTrip(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Options: c.opts,
	})
	if err != nil {
		return "", qerr.Newf(qerr.KindInternal, "marshaling generate request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return "", qerr.Newf(qerr.KindInternal, "building generate request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", qerr.Newf(qerr.KindTimeout, "LLM request deadline exceeded: %v", err)
		}
		return "", qerr.Newf(qerr.KindTransport, "LLM request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", qerr.Newf(qerr.KindTransport, "LLM endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", qerr.Newf(qerr.KindTransport, "decoding LLM response: %v", err)
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", qerr.New(qerr.KindTransport, "LLM returned an empty response")
	}
	return out.Response, nil
}

// remainingAtLeast reports whether the context deadline is at least d away,
// or true when no deadline is set.
func remainingAtLeast(ctx context.Context, d time.Duration) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(deadline) >= d
}
