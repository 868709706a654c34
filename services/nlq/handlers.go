// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nlq

import (
	"context"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/EkmanLabs/orgatlas/services/nlq/orchestrator"
	"github.com/EkmanLabs/orgatlas/services/nlq/schema"
)

// MaxQuestionLength caps accepted question sizes at 2 KB; anything longer is
// noise or abuse, not a question about the org.
const MaxQuestionLength = 2048

// =============================================================================
// Wire Types
// =============================================================================

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	Question string `json:"question" binding:"required"`
}

// QueryResponse wraps a finished translation with its request ID.
type QueryResponse struct {
	RequestID string `json:"request_id"`
	*orchestrator.Translation
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SchemaResponse is the body of GET /v1/schema.
type SchemaResponse struct {
	Labels        []SchemaLabel `json:"labels"`
	Relationships []string      `json:"relationships"`
}

// SchemaLabel is one node label in the schema response.
type SchemaLabel struct {
	Name       string   `json:"name"`
	Properties []string `json:"properties"`
	Samples    []string `json:"samples,omitempty"`
}

// =============================================================================
// Handlers
// =============================================================================

// Handlers holds the gin handlers for the query service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates the handler set over a Service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// getOrCreateRequestID returns the request's X-Request-ID, minting one when
// the client sent none.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// HandleQuery handles POST /v1/query.
//
// Description:
//
//	Translates a natural-language question into Cypher, executes it, and
//	returns rows or guidance. Successful and empty translations return 200;
//	translations that failed outright return 422 with the guidance payload
//	so clients can show corrections.
//
// Response:
//
//	200 OK: QueryResponse with outcome "success" or "empty"
//	400 Bad Request: Missing or oversized question
//	422 Unprocessable Entity: QueryResponse with outcome "failure"
func (h *Handlers) HandleQuery(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.svc.logger.With(slog.String("request_id", requestID), slog.String("handler", "HandleQuery"))

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "question field is required",
			Code:  "MISSING_QUESTION",
		})
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "question must not be blank",
			Code:  "MISSING_QUESTION",
		})
		return
	}
	if len(question) > MaxQuestionLength {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "question exceeds maximum length",
			Code:  "QUESTION_TOO_LONG",
		})
		return
	}

	tr := h.svc.translator.Translate(c.Request.Context(), question, nil)
	logger.Info("translation finished",
		slog.String("outcome", string(tr.Outcome)),
		slog.String("provenance", tr.Provenance),
		slog.Int("llm_attempts", tr.LLMAttempts),
		slog.Int64("duration_ms", tr.DurationMS),
	)

	status := http.StatusOK
	if tr.Outcome == orchestrator.OutcomeFailure {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, QueryResponse{RequestID: requestID, Translation: tr})
}

// HandleSchema handles GET /v1/schema.
//
// Response:
//
//	200 OK: SchemaResponse
//	503 Service Unavailable: No schema snapshot yet
func (h *Handlers) HandleSchema(c *gin.Context) {
	desc := h.svc.schemas.Current()
	if desc == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "schema snapshot not available yet",
			Code:  "SCHEMA_UNAVAILABLE",
		})
		return
	}
	c.JSON(http.StatusOK, schemaResponse(desc))
}

func schemaResponse(desc *schema.Descriptor) SchemaResponse {
	resp := SchemaResponse{
		Labels:        make([]SchemaLabel, 0, len(desc.Labels)),
		Relationships: desc.RelationshipNames(),
	}
	for _, name := range desc.LabelNames() {
		ls := desc.Labels[name]
		resp.Labels = append(resp.Labels, SchemaLabel{
			Name:       name,
			Properties: desc.PropertyNames(name),
			Samples:    ls.Samples,
		})
	}
	return resp
}

// HandleSchemaRefresh handles POST /v1/schema/refresh.
//
// Description:
//
//	Rebuilds the schema snapshot from the live database. Used after data
//	loads so new labels and properties become visible without a restart.
//
// Response:
//
//	200 OK: Fresh SchemaResponse
//	502 Bad Gateway: Database introspection failed
func (h *Handlers) HandleSchemaRefresh(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.svc.logger.With(slog.String("request_id", requestID), slog.String("handler", "HandleSchemaRefresh"))

	if err := h.svc.schemas.Refresh(c.Request.Context()); err != nil {
		logger.Error("schema refresh failed", slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: "schema refresh failed",
			Code:  "REFRESH_FAILED",
		})
		return
	}
	logger.Info("schema refreshed")
	c.JSON(http.StatusOK, schemaResponse(h.svc.schemas.Current()))
}

// HandleExamples handles GET /v1/examples.
func (h *Handlers) HandleExamples(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"examples": h.svc.examples})
}

// HandleHealth handles GET /v1/health. Liveness only; no dependencies touched.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleReady handles GET /v1/ready. Verifies database connectivity.
func (h *Handlers) HandleReady(c *gin.Context) {
	if h.svc.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.svc.health.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
