// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nlq

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all query service routes with the router.
//
// Description:
//
//	Registers the /v1 endpoints with the given Gin router group. The group
//	should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/query - Translate and execute a natural-language question
//	GET  /v1/query/stream - WebSocket: translation with stage progress events
//	GET  /v1/schema - Current schema snapshot
//	POST /v1/schema/refresh - Rebuild the schema snapshot from the database
//	GET  /v1/examples - Suggested questions
//	GET  /v1/health - Liveness check
//	GET  /v1/ready - Readiness check (verifies database connectivity)
//
// Example:
//
//	service := nlq.NewService(pipeline, schemas, db, logger)
//	handlers := nlq.NewHandlers(service)
//
//	v1 := router.Group("/v1")
//	nlq.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	rg.POST("/query", handlers.HandleQuery)
	rg.GET("/query/stream", handlers.HandleQueryStream)

	rg.GET("/schema", handlers.HandleSchema)
	rg.POST("/schema/refresh", handlers.HandleSchemaRefresh)

	rg.GET("/examples", handlers.HandleExamples)

	rg.GET("/health", handlers.HandleHealth)
	rg.GET("/ready", handlers.HandleReady)
}
