// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/EkmanLabs/orgatlas/services/nlq/cache"
	"github.com/EkmanLabs/orgatlas/services/nlq/classify"
	"github.com/EkmanLabs/orgatlas/services/nlq/config"
	"github.com/EkmanLabs/orgatlas/services/nlq/executor"
	"github.com/EkmanLabs/orgatlas/services/nlq/graphdb"
	"github.com/EkmanLabs/orgatlas/services/nlq/llm"
	"github.com/EkmanLabs/orgatlas/services/nlq/orchestrator"
	"github.com/EkmanLabs/orgatlas/services/nlq/patterns"
	"github.com/EkmanLabs/orgatlas/services/nlq/prompt"
	"github.com/EkmanLabs/orgatlas/services/nlq/schema"
	"github.com/EkmanLabs/orgatlas/services/nlq/validate"
)

// components holds every long-lived piece of the service, built once per
// process.
type components struct {
	db       *graphdb.Client
	schemas  *schema.Provider
	holder   *patterns.CatalogHolder
	store    *cache.Cache
	pipeline *orchestrator.Pipeline
	logger   *slog.Logger
}

// buildComponents wires the full translation stack from configuration.
//
// Description:
//
//	Connects to the graph database, takes an initial schema snapshot, loads
//	the pattern catalog (override file when configured, embedded otherwise),
//	and assembles the pipeline. A failed initial schema refresh degrades
//	rather than aborts: the validator skips schema checks until a later
//	refresh succeeds.
func buildComponents(ctx context.Context, cfg config.Config, logger *slog.Logger) (*components, error) {
	db, err := graphdb.NewClient(graphdb.Options{
		Host:      cfg.Database.Host,
		Port:      cfg.Database.Port,
		GraphName: cfg.Database.GraphName,
		PoolSize:  cfg.Database.PoolSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("buildComponents: %w", err)
	}

	aliases, err := schema.DefaultAliasTable()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("buildComponents: loading alias table: %w", err)
	}

	schemas := schema.NewProvider(db, aliases, logger)
	if err := schemas.Refresh(ctx); err != nil {
		logger.Warn("initial schema refresh failed; schema checks disabled until a refresh succeeds",
			slog.String("error", err.Error()),
		)
	}

	catalog, err := loadCatalog(cfg.Pipeline.PatternTablePath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("buildComponents: %w", err)
	}
	holder := patterns.NewCatalogHolder(catalog, cfg.Pipeline.PatternTablePath, logger)
	matcher := patterns.NewMatcher(holder, aliases, logger)

	prompts, err := prompt.NewBuilder(cfg.LLM.UseRichPrompt, nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("buildComponents: %w", err)
	}

	gen, err := llm.NewOllamaClient(llm.Options{
		EndpointURL:       cfg.LLM.EndpointURL,
		Model:             cfg.LLM.Model,
		Timeout:           cfg.LLM.Timeout(),
		Temperature:       cfg.LLM.Temperature,
		MaxTokens:         cfg.LLM.MaxTokens,
		MaxInFlight:       cfg.LLM.MaxInFlight,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	}, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("buildComponents: %w", err)
	}

	store, err := cache.Open(cfg.Pipeline.CachePath, cfg.Pipeline.CacheTTL(), logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("buildComponents: %w", err)
	}

	pipeline := orchestrator.NewPipeline(
		schemas,
		matcher,
		prompts,
		gen,
		validate.NewValidator(logger),
		executor.NewExecutor(db, cfg.Database.QueryTimeout(), cfg.Database.MaxQueryWorkers, logger),
		classify.NewClassifier(cfg.Pipeline.FuzzyCutoff, logger),
		store,
		orchestrator.Options{
			MaxRetries:    cfg.Pipeline.MaxRetries,
			TotalDeadline: cfg.Pipeline.TotalDeadline(),
		},
		logger,
	)

	return &components{
		db:       db,
		schemas:  schemas,
		holder:   holder,
		store:    store,
		pipeline: pipeline,
		logger:   logger,
	}, nil
}

func loadCatalog(path string) (*patterns.Catalog, error) {
	if path != "" {
		return patterns.LoadCatalogFile(path)
	}
	return patterns.DefaultCatalog()
}

// Close releases the cache and database handles.
func (c *components) Close() {
	if err := c.store.Close(); err != nil {
		c.logger.Warn("closing translation cache failed", slog.String("error", err.Error()))
	}
	if err := c.db.Close(); err != nil {
		c.logger.Warn("closing database client failed", slog.String("error", err.Error()))
	}
}
