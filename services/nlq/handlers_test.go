// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nlq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EkmanLabs/orgatlas/services/nlq/executor"
	"github.com/EkmanLabs/orgatlas/services/nlq/orchestrator"
	"github.com/EkmanLabs/orgatlas/services/nlq/schema"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeTranslator struct {
	result *orchestrator.Translation
	stages []orchestrator.StageEvent
}

func (f *fakeTranslator) Translate(_ context.Context, utterance string, listener orchestrator.StageListener) *orchestrator.Translation {
	for _, ev := range f.stages {
		if listener != nil {
			listener(ev)
		}
	}
	out := *f.result
	out.Utterance = utterance
	return &out
}

type fakeSchemas struct {
	desc       *schema.Descriptor
	refreshErr error
	refreshed  int
}

func (f *fakeSchemas) Current() *schema.Descriptor { return f.desc }

func (f *fakeSchemas) Refresh(context.Context) error {
	f.refreshed++
	return f.refreshErr
}

type fakePing struct{ err error }

func (f fakePing) Ping(context.Context) error { return f.err }

// =============================================================================
// Helpers
// =============================================================================

func testDescriptor() *schema.Descriptor {
	labels := map[string]*schema.LabelSchema{
		"Person": {
			Name: "Person",
			Properties: map[string]schema.PropertyType{
				"name": schema.TypeString, "role": schema.TypeString,
			},
			Samples: []string{"Ana Sousa", "Marcus Webb"},
		},
		"Team": {
			Name:       "Team",
			Properties: map[string]schema.PropertyType{"name": schema.TypeString},
		},
	}
	return schema.NewDescriptor(labels, []string{"MEMBER_OF"}, nil)
}

func newTestRouter(tr Translator, schemas SchemaAdmin, health HealthChecker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	svc := NewService(tr, schemas, health, slog.Default())
	router := gin.New()
	RegisterRoutes(router.Group("/v1"), NewHandlers(svc))
	return router
}

func successTranslation() *orchestrator.Translation {
	return &orchestrator.Translation{
		Query:      "MATCH (p:Person) RETURN count(p) AS count",
		Provenance: "pattern:count_people_total",
		Outcome:    orchestrator.OutcomeSuccess,
		Result: &executor.Result{
			Rows:     []map[string]any{{"count": float64(42)}},
			RowCount: 1,
		},
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestHandleQuerySuccess(t *testing.T) {
	router := newTestRouter(&fakeTranslator{result: successTranslation()}, &fakeSchemas{desc: testDescriptor()}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/query",
		strings.NewReader(`{"question": "How many employees are there?"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, orchestrator.OutcomeSuccess, resp.Outcome)
	assert.Equal(t, "pattern:count_people_total", resp.Provenance)
	require.NotNil(t, resp.Result)
	assert.Equal(t, 1, resp.Result.RowCount)
}

func TestHandleQueryEchoesRequestID(t *testing.T) {
	router := newTestRouter(&fakeTranslator{result: successTranslation()}, &fakeSchemas{desc: testDescriptor()}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/query",
		strings.NewReader(`{"question": "How many employees are there?"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-123")
	router.ServeHTTP(w, req)

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "req-123", resp.RequestID)
}

func TestHandleQueryFailureReturns422(t *testing.T) {
	router := newTestRouter(&fakeTranslator{result: &orchestrator.Translation{
		Outcome: orchestrator.OutcomeFailure,
	}}, &fakeSchemas{desc: testDescriptor()}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/query",
		strings.NewReader(`{"question": "add a new person"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleQueryRejectsBadBodies(t *testing.T) {
	router := newTestRouter(&fakeTranslator{result: successTranslation()}, &fakeSchemas{desc: testDescriptor()}, nil)

	cases := []struct {
		name string
		body string
	}{
		{"missing field", `{}`},
		{"blank question", `{"question": "   "}`},
		{"not json", `how many employees`},
		{"oversized", `{"question": "` + strings.Repeat("a", MaxQuestionLength+1) + `"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandleSchema(t *testing.T) {
	router := newTestRouter(&fakeTranslator{result: successTranslation()}, &fakeSchemas{desc: testDescriptor()}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp SchemaResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Labels, 2)
	assert.Equal(t, "Person", resp.Labels[0].Name)
	assert.Contains(t, resp.Labels[0].Properties, "role")
	assert.Equal(t, []string{"MEMBER_OF"}, resp.Relationships)
}

func TestHandleSchemaUnavailable(t *testing.T) {
	router := newTestRouter(&fakeTranslator{result: successTranslation()}, &fakeSchemas{desc: nil}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleSchemaRefresh(t *testing.T) {
	schemas := &fakeSchemas{desc: testDescriptor()}
	router := newTestRouter(&fakeTranslator{result: successTranslation()}, schemas, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/schema/refresh", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, schemas.refreshed)
}

func TestHandleSchemaRefreshFailure(t *testing.T) {
	schemas := &fakeSchemas{desc: testDescriptor(), refreshErr: errors.New("connection refused")}
	router := newTestRouter(&fakeTranslator{result: successTranslation()}, schemas, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/schema/refresh", nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHandleExamples(t *testing.T) {
	router := newTestRouter(&fakeTranslator{result: successTranslation()}, &fakeSchemas{desc: testDescriptor()}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/examples", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Examples []Example `json:"examples"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Examples)
}

func TestHandleReady(t *testing.T) {
	router := newTestRouter(&fakeTranslator{result: successTranslation()}, &fakeSchemas{desc: testDescriptor()}, fakePing{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleReadyDegraded(t *testing.T) {
	router := newTestRouter(&fakeTranslator{result: successTranslation()}, &fakeSchemas{desc: testDescriptor()},
		fakePing{err: errors.New("connection refused")})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleQueryStream(t *testing.T) {
	tr := &fakeTranslator{
		result: successTranslation(),
		stages: []orchestrator.StageEvent{
			{Stage: "pattern", Detail: "count_people_total"},
			{Stage: "execute"},
			{Stage: "complete", Detail: "success"},
		},
	}
	router := newTestRouter(tr, &fakeSchemas{desc: testDescriptor()}, nil)
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/query/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(QueryRequest{Question: "How many employees are there?"}))

	var stages []string
	for {
		var frame streamFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type == "stage" {
			stages = append(stages, frame.Stage.Stage)
			continue
		}
		require.Equal(t, "result", frame.Type)
		require.NotNil(t, frame.Translation)
		assert.Equal(t, orchestrator.OutcomeSuccess, frame.Translation.Outcome)
		break
	}
	assert.Equal(t, []string{"pattern", "execute", "complete"}, stages)
}

func TestHandleQueryStreamRejectsBlankQuestion(t *testing.T) {
	router := newTestRouter(&fakeTranslator{result: successTranslation()}, &fakeSchemas{desc: testDescriptor()}, nil)
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/query/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(QueryRequest{Question: "  "}))

	var frame streamFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame.Type)
}
