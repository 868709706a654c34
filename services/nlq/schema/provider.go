// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schema

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	schemaRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orgatlas",
		Subsystem: "schema",
		Name:      "refresh_total",
		Help:      "Schema snapshot refreshes by outcome: success, error",
	}, []string{"outcome"})

	schemaRefreshLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orgatlas",
		Subsystem: "schema",
		Name:      "refresh_latency_seconds",
		Help:      "Latency of schema introspection against the graph database",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	})

	schemaLabelCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orgatlas",
		Subsystem: "schema",
		Name:      "labels",
		Help:      "Number of labels in the current schema snapshot",
	})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var schemaTracer = otel.Tracer("orgatlas.nlq.schema")

// =============================================================================
// Provider
// =============================================================================

// Querier is the narrow view of the graph database the provider needs for
// introspection.
type Querier interface {
	// Rows runs a read query and returns its rows as column-name -> value maps.
	Rows(ctx context.Context, query string) ([]map[string]any, error)
}

// Provider holds the current Descriptor snapshot and refreshes it from the
// live database.
//
// Description:
//
//	The snapshot is published through an atomic pointer: readers always see
//	a complete, immutable Descriptor and refreshes swap the whole snapshot
//	in one step. Refresh is off the hot path; pipeline stages only ever call
//	Current.
//
// Thread Safety: Safe for concurrent use.
type Provider struct {
	db      Querier
	aliases *AliasTable
	logger  *slog.Logger
	current atomic.Pointer[Descriptor]
}

// NewProvider creates a Provider with the given database handle and alias table.
//
// Inputs:
//   - db: Introspection querier. Must not be nil.
//   - aliases: Semantic alias table attached to every snapshot. May be nil.
//   - logger: Logger instance. Must not be nil.
//
// Outputs:
//   - *Provider: The provider. Current returns nil until the first Refresh.
func NewProvider(db Querier, aliases *AliasTable, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{db: db, aliases: aliases, logger: logger}
}

// Current returns the latest published snapshot, or nil before the first refresh.
//
// Thread Safety: Safe for concurrent use; lock-free.
func (p *Provider) Current() *Descriptor {
	return p.current.Load()
}

// SetStatic publishes a pre-built snapshot. Used by tests and offline tooling.
func (p *Provider) SetStatic(d *Descriptor) {
	p.current.Store(d)
	if d != nil {
		schemaLabelCount.Set(float64(len(d.Labels)))
	}
}

// Refresh introspects the live database and publishes a new snapshot.
//
// Description:
//
//	Collects labels and relationship types via the db.labels() and
//	db.relationshipTypes() procedures, then samples up to
//	MaxSamplesPerLabel nodes per label to derive property names, coarse
//	types, and grounding samples. The old snapshot stays visible until the
//	new one is complete.
//
// Inputs:
//   - ctx: Context for cancellation and tracing. Must not be nil.
//
// Outputs:
//   - error: Non-nil if introspection failed; the previous snapshot is kept.
//
// Thread Safety: Safe for concurrent use. Concurrent refreshes race benignly;
// the last writer wins with a complete snapshot either way.
func (p *Provider) Refresh(ctx context.Context) error {
	ctx, span := schemaTracer.Start(ctx, "schema.Provider.Refresh")
	defer span.End()
	start := time.Now()

	labelNames, err := p.callNames(ctx, "CALL db.labels()")
	if err != nil {
		schemaRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("Refresh: listing labels: %w", err)
	}
	relNames, err := p.callNames(ctx, "CALL db.relationshipTypes()")
	if err != nil {
		schemaRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("Refresh: listing relationship types: %w", err)
	}

	labels := make(map[string]*LabelSchema, len(labelNames))
	for _, name := range labelNames {
		ls, err := p.sampleLabel(ctx, name)
		if err != nil {
			schemaRefreshTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("Refresh: sampling label %s: %w", name, err)
		}
		labels[name] = ls
	}

	p.current.Store(NewDescriptor(labels, relNames, p.aliases))

	duration := time.Since(start)
	schemaRefreshTotal.WithLabelValues("success").Inc()
	schemaRefreshLatency.Observe(duration.Seconds())
	schemaLabelCount.Set(float64(len(labels)))
	span.SetAttributes(
		attribute.Int("labels", len(labels)),
		attribute.Int("relationships", len(relNames)),
	)
	p.logger.Info("schema snapshot refreshed",
		slog.Int("labels", len(labels)),
		slog.Int("relationships", len(relNames)),
		slog.Duration("duration", duration),
	)
	return nil
}

// RunPeriodicRefresh refreshes the snapshot on an interval until ctx is done.
//
// Description:
//
//	Background task; not on the hot path. Refresh failures are logged and
//	the previous snapshot stays live.
func (p *Provider) RunPeriodicRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.logger.Warn("periodic schema refresh failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// callNames runs a single-column procedure call and collects its values.
func (p *Provider) callNames(ctx context.Context, query string) ([]string, error) {
	rows, err := p.db.Rows(ctx, query)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, row := range rows {
		for _, v := range row {
			if s, ok := v.(string); ok && s != "" {
				names = append(names, s)
			}
		}
	}
	return names, nil
}

// sampleLabel derives a LabelSchema from a small node sample.
func (p *Provider) sampleLabel(ctx context.Context, label string) (*LabelSchema, error) {
	query := fmt.Sprintf("MATCH (n:%s) RETURN n LIMIT %d", label, MaxSamplesPerLabel)
	rows, err := p.db.Rows(ctx, query)
	if err != nil {
		return nil, err
	}

	ls := &LabelSchema{Name: label, Properties: make(map[string]PropertyType)}
	for _, row := range rows {
		for _, v := range row {
			props, ok := v.(map[string]any)
			if !ok {
				continue
			}
			for name, value := range props {
				if _, seen := ls.Properties[name]; !seen {
					ls.Properties[name] = InferPropertyType(value)
				}
			}
			if name, ok := props["name"].(string); ok && name != "" && len(ls.Samples) < MaxSamplesPerLabel {
				ls.Samples = append(ls.Samples, name)
			}
		}
	}
	return ls, nil
}
