// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package nlq is the HTTP surface of the natural-language query service:
// translation, schema inspection, and example discovery endpoints over the
// orchestrator pipeline.
package nlq

import (
	"context"
	"log/slog"

	"github.com/EkmanLabs/orgatlas/services/nlq/orchestrator"
	"github.com/EkmanLabs/orgatlas/services/nlq/schema"
)

// =============================================================================
// Dependencies
// =============================================================================

// Translator runs one utterance through the translation pipeline.
type Translator interface {
	Translate(ctx context.Context, utterance string, listener orchestrator.StageListener) *orchestrator.Translation
}

// SchemaAdmin exposes the schema snapshot and on-demand refresh.
type SchemaAdmin interface {
	Current() *schema.Descriptor
	Refresh(ctx context.Context) error
}

// HealthChecker reports database connectivity for readiness probes.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// =============================================================================
// Service
// =============================================================================

// Example is one suggested question shown to users discovering the service.
type Example struct {
	Category string `json:"category"`
	Question string `json:"question"`
}

// Service bundles the dependencies the HTTP handlers need.
//
// Thread Safety: Safe for concurrent use; all fields are set at construction.
type Service struct {
	translator Translator
	schemas    SchemaAdmin
	health     HealthChecker
	examples   []Example
	logger     *slog.Logger
}

// NewService creates a Service.
//
// Inputs:
//   - translator: The translation pipeline. Must not be nil.
//   - schemas: Schema snapshot source. Must not be nil.
//   - health: Database connectivity probe. May be nil; readiness then always
//     passes.
//   - logger: Logger instance. Must not be nil.
func NewService(translator Translator, schemas SchemaAdmin, health HealthChecker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		translator: translator,
		schemas:    schemas,
		health:     health,
		examples:   defaultExamples(),
		logger:     logger,
	}
}

// defaultExamples returns the canned question list for GET /v1/examples.
func defaultExamples() []Example {
	return []Example{
		{Category: "counting", Question: "How many employees are there?"},
		{Category: "counting", Question: "How many developers do we have?"},
		{Category: "teams", Question: "Who is on the mobile team?"},
		{Category: "teams", Question: "Who leads the platform team?"},
		{Category: "reporting", Question: "Who is Ana's manager?"},
		{Category: "reporting", Question: "Who reports to Marcus?"},
		{Category: "skills", Question: "Who knows Python?"},
		{Category: "skills", Question: "Who has experience with Kubernetes?"},
		{Category: "policies", Question: "Who owns the data retention policy?"},
		{Category: "policies", Question: "What security policies do we have?"},
		{Category: "offices", Question: "Who works in the Berlin office?"},
		{Category: "projects", Question: "Who is working on the billing project?"},
		{Category: "on-call", Question: "Who is on call right now?"},
		{Category: "incidents", Question: "Who handled the last database incident?"},
	}
}
