// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package executor runs validated queries against the graph database under a
// bounded worker pool and per-query deadline, and classifies driver errors
// into the pipeline's error taxonomy.
package executor

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"

	"github.com/EkmanLabs/orgatlas/services/nlq/qerr"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	executeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orgatlas",
		Subsystem: "executor",
		Name:      "query_total",
		Help:      "Executed queries by outcome: success, empty, plus error kinds",
	}, []string{"outcome"})

	executeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orgatlas",
		Subsystem: "executor",
		Name:      "latency_seconds",
		Help:      "Query execution latency including queueing",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
	})
)

var executorTracer = otel.Tracer("orgatlas.nlq.executor")

// =============================================================================
// Driver Error Classification
// =============================================================================

// driverErrorRules map FalkorDB error message fragments onto error kinds.
// Checked in order; first match wins. Token-bearing rules carry a capture.
var driverErrorRules = []struct {
	re   *regexp.Regexp
	kind qerr.Kind
}{
	{regexp.MustCompile(`(?i)Label '?([^']+?)'? not found|Unknown label '?([^']+?)'?(?:$|[ .,])`), qerr.KindUnknownLabel},
	{regexp.MustCompile(`(?i)Property '?([^']+?)'? not found|Unknown property '?([^']+?)'?(?:$|[ .,])`), qerr.KindUnknownProperty},
	{regexp.MustCompile(`(?i)Relationship(?: type)? '?([^']+?)'? not found|Unknown relationship(?: type)? '?([^']+?)'?(?:$|[ .,])`), qerr.KindUnknownRelationship},
	{regexp.MustCompile(`(?i)Type mismatch`), qerr.KindTypeMismatch},
	{regexp.MustCompile(`(?i)Invalid input '([^']+?)'`), qerr.KindSyntax},
	{regexp.MustCompile("(?i)Variable `?([^`']+?)`? not defined"), qerr.KindSyntax},
	{regexp.MustCompile(`(?i)Unknown function '?([^']+?)'?(?:$|[ .,(])`), qerr.KindSyntax},
	{regexp.MustCompile(`(?i)syntax error`), qerr.KindSyntax},
	{regexp.MustCompile(`(?i)timeout|timed out`), qerr.KindTimeout},
}

// ClassifyDriverError maps a raw driver error onto the pipeline taxonomy.
//
// Outputs:
//   - *qerr.QueryError: Never nil; unrecognized errors become KindTransport
//     since they originate at the database boundary.
func ClassifyDriverError(err error) *qerr.QueryError {
	if qe := qerr.AsQueryError(err); qe != nil {
		return qe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return qerr.New(qerr.KindTimeout, "query execution deadline exceeded")
	}
	msg := err.Error()
	for _, rule := range driverErrorRules {
		m := rule.re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		qe := qerr.New(rule.kind, msg)
		for _, g := range m[1:] {
			if g != "" {
				qe = qe.WithToken(strings.TrimSpace(g))
				break
			}
		}
		return qe
	}
	return qerr.New(qerr.KindTransport, msg)
}

// =============================================================================
// Executor
// =============================================================================

// Querier is the transport the executor drives.
type Querier interface {
	Rows(ctx context.Context, query string) ([]map[string]any, error)
}

// Result is a completed query execution.
type Result struct {
	// Rows holds the decoded result set. Empty, not nil, for empty results.
	Rows []map[string]any `json:"rows"`

	// RowCount is len(Rows), denormalized for response payloads.
	RowCount int `json:"row_count"`

	// DurationMS is the execution wall time in milliseconds.
	DurationMS int64 `json:"duration_ms"`
}

// Executor bounds query execution in both concurrency and time.
//
// Description:
//
//	A weighted semaphore caps concurrent database queries; a per-query
//	timeout is layered under the caller's deadline so one slow traversal
//	cannot exhaust the translation budget. Driver errors come back
//	classified.
//
// Thread Safety: Safe for concurrent use.
type Executor struct {
	db      Querier
	timeout time.Duration
	workers *semaphore.Weighted
	logger  *slog.Logger
}

// NewExecutor creates an Executor.
//
// Inputs:
//   - db: Query transport. Must not be nil.
//   - timeout: Per-query execution budget. Non-positive means 15s.
//   - maxWorkers: Concurrent query cap. Non-positive means 16.
//   - logger: Logger instance. Must not be nil.
func NewExecutor(db Querier, timeout time.Duration, maxWorkers int64, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxWorkers <= 0 {
		maxWorkers = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		db:      db,
		timeout: timeout,
		workers: semaphore.NewWeighted(maxWorkers),
		logger:  logger,
	}
}

// Execute runs one validated query.
//
// Description:
//
//	Zero rows is a successful execution with RowCount 0; the orchestrator
//	decides whether that warrants broadening. Only transport, timeout, and
//	classified driver failures surface as errors.
//
// Inputs:
//   - ctx: Context carrying the translation deadline. Must not be nil.
//   - query: A single validated Cypher statement.
//
// Outputs:
//   - *Result: The execution result on success.
//   - error: A *qerr.QueryError carrying the classified kind.
func (e *Executor) Execute(ctx context.Context, query string) (*Result, error) {
	ctx, span := executorTracer.Start(ctx, "executor.Executor.Execute")
	defer span.End()
	start := time.Now()

	if err := e.workers.Acquire(ctx, 1); err != nil {
		executeTotal.WithLabelValues(string(qerr.KindTimeout)).Inc()
		return nil, qerr.Newf(qerr.KindTimeout, "waiting for query worker: %v", err).WithQuery(query)
	}
	defer e.workers.Release(1)

	queryCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rows, err := e.db.Rows(queryCtx, query)
	duration := time.Since(start)
	executeLatency.Observe(duration.Seconds())

	if err != nil {
		qe := ClassifyDriverError(err).WithQuery(query)
		executeTotal.WithLabelValues(string(qe.Kind)).Inc()
		e.logger.Warn("query execution failed",
			slog.String("kind", string(qe.Kind)),
			slog.Duration("duration", duration),
			slog.String("error", qe.RawMessage),
		)
		return nil, qe
	}

	if rows == nil {
		rows = []map[string]any{}
	}
	outcome := "success"
	if len(rows) == 0 {
		outcome = "empty"
	}
	executeTotal.WithLabelValues(outcome).Inc()
	e.logger.Debug("query executed",
		slog.Int("rows", len(rows)),
		slog.Duration("duration", duration),
	)
	return &Result{
		Rows:       rows,
		RowCount:   len(rows),
		DurationMS: duration.Milliseconds(),
	}, nil
}
