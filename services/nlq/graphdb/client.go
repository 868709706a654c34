// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graphdb is the FalkorDB transport. FalkorDB speaks RESP, so the
// client issues GRAPH.QUERY over a pooled Redis connection and decodes the
// verbose reply shape into column-name -> value rows.
package graphdb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	graphQueryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orgatlas",
		Subsystem: "graphdb",
		Name:      "query_total",
		Help:      "GRAPH.QUERY calls by outcome: success, error",
	}, []string{"outcome"})

	graphQueryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orgatlas",
		Subsystem: "graphdb",
		Name:      "query_latency_seconds",
		Help:      "Latency of GRAPH.QUERY calls",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

var graphTracer = otel.Tracer("orgatlas.nlq.graphdb")

// =============================================================================
// Client
// =============================================================================

// Options configures a Client.
type Options struct {
	// Host and Port locate the FalkorDB instance.
	Host string
	Port int

	// GraphName is the graph key queried by every call.
	GraphName string

	// PoolSize bounds the connection pool. Zero means 8.
	PoolSize int

	// DialTimeout bounds connection establishment. Zero means 5s.
	DialTimeout time.Duration
}

// Client issues graph queries against one named FalkorDB graph.
//
// Thread Safety: Safe for concurrent use; the underlying pool serializes
// connections.
type Client struct {
	rdb    *redis.Client
	graph  string
	logger *slog.Logger
}

// NewClient creates a Client with a bounded connection pool.
//
// Inputs:
//   - opts: Connection options. Host and GraphName must be non-empty.
//   - logger: Logger instance. Must not be nil.
//
// Outputs:
//   - *Client: The client. Connections are established lazily.
//   - error: Non-nil if required options are missing.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("NewClient: Host must not be empty")
	}
	if opts.GraphName == "" {
		return nil, fmt.Errorf("NewClient: GraphName must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 8
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		PoolSize:    poolSize,
		DialTimeout: dialTimeout,
	})
	return &Client{rdb: rdb, graph: opts.GraphName, logger: logger}, nil
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Rows runs a read query and returns its result set as column-name -> value
// maps. Node and relationship values are flattened to their property bags.
//
// Inputs:
//   - ctx: Context carrying the caller's deadline. Must not be nil.
//   - query: A single Cypher statement.
//
// Outputs:
//   - []map[string]any: One map per result row; empty for empty results.
//   - error: The raw driver error; the executor classifies it.
func (c *Client) Rows(ctx context.Context, query string) ([]map[string]any, error) {
	ctx, span := graphTracer.Start(ctx, "graphdb.Client.Rows")
	defer span.End()
	span.SetAttributes(attribute.String("graph", c.graph))
	start := time.Now()

	reply, err := c.rdb.Do(ctx, "GRAPH.QUERY", c.graph, query).Result()
	graphQueryLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		graphQueryTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	rows, err := DecodeReply(reply)
	if err != nil {
		graphQueryTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	graphQueryTotal.WithLabelValues("success").Inc()
	return rows, nil
}

// =============================================================================
// Reply Decoding
// =============================================================================

// DecodeReply turns a verbose GRAPH.QUERY reply into rows.
//
// Description:
//
//	The verbose reply is a three-element array: column headers, row values,
//	and execution statistics. Scalars come through as strings or integers;
//	nodes and relationships come through as nested key/value pair arrays
//	and are flattened to their property maps.
func DecodeReply(reply any) ([]map[string]any, error) {
	parts, ok := reply.([]any)
	if !ok {
		return nil, fmt.Errorf("DecodeReply: unexpected reply type %T", reply)
	}
	if len(parts) < 2 {
		// Statistics-only reply; no result set.
		return nil, nil
	}

	header, ok := parts[0].([]any)
	if !ok {
		return nil, fmt.Errorf("DecodeReply: unexpected header type %T", parts[0])
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = fmt.Sprintf("%v", h)
	}

	rawRows, ok := parts[1].([]any)
	if !ok {
		return nil, fmt.Errorf("DecodeReply: unexpected row set type %T", parts[1])
	}

	rows := make([]map[string]any, 0, len(rawRows))
	for _, rawRow := range rawRows {
		cells, ok := rawRow.([]any)
		if !ok {
			return nil, fmt.Errorf("DecodeReply: unexpected row type %T", rawRow)
		}
		row := make(map[string]any, len(cells))
		for i, cell := range cells {
			name := fmt.Sprintf("col%d", i)
			if i < len(columns) {
				name = columns[i]
			}
			row[name] = decodeValue(cell)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// decodeValue flattens one reply cell. Entity values arrive as arrays of
// [key, value] pairs where the "properties" pair holds another pair list.
func decodeValue(cell any) any {
	arr, ok := cell.([]any)
	if !ok {
		return cell
	}
	if pairs, ok := asPairList(arr); ok {
		if props, found := pairs["properties"]; found {
			if propArr, ok := props.([]any); ok {
				if propPairs, ok := asPairList(propArr); ok {
					return propPairs
				}
			}
			return props
		}
		return pairs
	}
	// Plain list value (e.g. collect() output); decode elements.
	out := make([]any, len(arr))
	for i, el := range arr {
		out[i] = decodeValue(el)
	}
	return out
}

// asPairList interprets an array as a [key, value] pair list. Returns false
// when any element does not fit that shape.
func asPairList(arr []any) (map[string]any, bool) {
	if len(arr) == 0 {
		return nil, false
	}
	out := make(map[string]any, len(arr))
	for _, el := range arr {
		pair, ok := el.([]any)
		if !ok || len(pair) != 2 {
			return nil, false
		}
		key, ok := pair[0].(string)
		if !ok {
			return nil, false
		}
		out[key] = decodeValue(pair[1])
	}
	return out, true
}
