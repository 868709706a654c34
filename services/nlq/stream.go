// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nlq

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/EkmanLabs/orgatlas/services/nlq/orchestrator"
)

// streamWriteTimeout bounds each websocket write so one stalled client
// cannot pin a translation goroutine.
const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The service sits behind the org's own frontends; origin policy is
	// enforced at the gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamFrame is one websocket message: either a stage event or the final
// translation.
type streamFrame struct {
	Type        string                    `json:"type"`
	Stage       *orchestrator.StageEvent  `json:"stage,omitempty"`
	Translation *orchestrator.Translation `json:"translation,omitempty"`
	Error       string                    `json:"error,omitempty"`
}

// HandleQueryStream handles GET /v1/query/stream.
//
// Description:
//
//	Upgrades to a websocket, reads one question frame ({"question": "..."}),
//	streams stage events as the pipeline progresses, then sends the final
//	translation and closes. One question per connection keeps the protocol
//	trivial for CLI and dashboard clients.
func (h *Handlers) HandleQueryStream(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.svc.logger.With(slog.String("request_id", requestID), slog.String("handler", "HandleQueryStream"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	var req QueryRequest
	if err := conn.ReadJSON(&req); err != nil {
		writeFrame(conn, streamFrame{Type: "error", Error: "expected a JSON frame with a question field"}, logger)
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" || len(question) > MaxQuestionLength {
		writeFrame(conn, streamFrame{Type: "error", Error: "question must be non-blank and under the length limit"}, logger)
		return
	}

	// Stage events arrive from the translation goroutine; serialize writes.
	var mu sync.Mutex
	listener := func(ev orchestrator.StageEvent) {
		mu.Lock()
		defer mu.Unlock()
		writeFrame(conn, streamFrame{Type: "stage", Stage: &ev}, logger)
	}

	tr := h.svc.translator.Translate(c.Request.Context(), question, listener)
	logger.Info("streamed translation finished",
		slog.String("outcome", string(tr.Outcome)),
		slog.String("provenance", tr.Provenance),
	)

	mu.Lock()
	writeFrame(conn, streamFrame{Type: "result", Translation: tr}, logger)
	mu.Unlock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func writeFrame(conn *websocket.Conn, frame streamFrame, logger *slog.Logger) {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		logger.Warn("websocket write failed", slog.String("error", err.Error()))
	}
}
