// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MonteBryce/thermalog/services/fieldsync"
	"github.com/MonteBryce/thermalog/services/fieldsync/cache"
	"github.com/MonteBryce/thermalog/services/fieldsync/clock"
	"github.com/MonteBryce/thermalog/services/fieldsync/datatypes"
	"github.com/MonteBryce/thermalog/services/fieldsync/queue"
	"github.com/MonteBryce/thermalog/services/fieldsync/reconcile"
	"github.com/MonteBryce/thermalog/services/fieldsync/remote"
	"github.com/MonteBryce/thermalog/services/fieldsync/storage/badgerstore"
)

func ptr(v float64) *float64 { return &v }

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q, err := queue.New(db, queue.DefaultBackoffSchedule(), nil)
	require.NoError(t, err)

	store := remote.NewMemoryStore()
	store.SetProject(&datatypes.CachedProject{
		ID:   "proj-1",
		Name: "North Flare Stack",
		Template: datatypes.TemplateSchema{
			ID: "tmpl-1", Version: 1,
			Fields: map[string]datatypes.FieldSpec{
				"exhaustTemp": {
					Key: "exhaustTemp", Type: datatypes.FieldNumber,
					Min: ptr(0), Max: ptr(2000), Required: true,
				},
			},
		},
	})

	clk := clock.New("dev-test")
	svc := fieldsync.NewService(fieldsync.Deps{
		Cache:    cache.New(db),
		Queue:    q,
		Engine:   reconcile.New(reconcile.Config{}, q, store, clk, nil),
		Store:    store,
		Projects: store,
		Clock:    clk,
	}, fieldsync.Options{})

	router := gin.New()
	router.GET("/health", HealthCheck)
	router.PUT("/v1/projects/:projectId/days/:dateKey/entries/:hourId", SubmitEntry(svc))
	router.POST("/v1/projects/:projectId/days/:dateKey/entries/:hourId/validate", ValidateEntry(svc))
	router.GET("/v1/projects/:projectId/days/:dateKey/entries", ListEntries(svc))
	router.GET("/v1/projects/:projectId/days/:dateKey/log", GetDailyLog(svc))
	router.PUT("/v1/projects/:projectId/days/:dateKey/log/notes", SetDailyNotes(svc))
	router.GET("/v1/sync/status", GetSyncStatus(svc))
	return router
}

func submitBody(t *testing.T, temp float64) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(SubmitEntryRequest{
		Readings: map[string]datatypes.ReadingValue{
			"exhaustTemp": datatypes.NumberValue(temp),
		},
	})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func doSubmit(t *testing.T, router *gin.Engine, hour string, temp float64, operator string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPut,
		"/v1/projects/proj-1/days/20250601/entries/"+hour, submitBody(t, temp))
	req.Header.Set(headerOperator, operator)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck_ReturnsOK(t *testing.T) {
	router := newTestRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubmitEntry_OK(t *testing.T) {
	router := newTestRouter(t)

	w := doSubmit(t, router, "07", 612.5, "op-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var entry datatypes.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))
	assert.Equal(t, "07", entry.HourID)
	assert.Equal(t, "op-1", entry.OperatorID)
}

func TestSubmitEntry_MissingOperator(t *testing.T) {
	router := newTestRouter(t)
	w := doSubmit(t, router, "07", 612.5, "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSubmitEntry_SchemaViolation(t *testing.T) {
	router := newTestRouter(t)
	w := doSubmit(t, router, "07", 5000, "op-1") // above template max
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSubmitEntry_BadBody(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPut,
		"/v1/projects/proj-1/days/20250601/entries/07",
		bytes.NewReader([]byte("{not json")))
	req.Header.Set(headerOperator, "op-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidateEntry_CapabilityEnforced(t *testing.T) {
	router := newTestRouter(t)
	require.Equal(t, http.StatusOK, doSubmit(t, router, "07", 612.5, "op-1").Code)

	url := "/v1/projects/proj-1/days/20250601/entries/07/validate"

	// Without the capability header.
	req := httptest.NewRequest(http.MethodPost, url, nil)
	req.Header.Set(headerOperator, "op-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// With it.
	req = httptest.NewRequest(http.MethodPost, url, nil)
	req.Header.Set(headerOperator, "sup-1")
	req.Header.Set(headerCanValidate, "true")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var entry datatypes.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))
	assert.True(t, entry.Validated)
	assert.Equal(t, "sup-1", entry.ValidatedBy)
}

func TestValidateEntry_NotFound(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost,
		"/v1/projects/proj-1/days/20250601/entries/07/validate", nil)
	req.Header.Set(headerOperator, "sup-1")
	req.Header.Set(headerCanValidate, "true")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListEntries_EmptyDayIsEmptyArray(t *testing.T) {
	router := newTestRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/v1/projects/proj-1/days/20250601/entries", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestGetDailyLog_ReflectsSubmissions(t *testing.T) {
	router := newTestRouter(t)
	require.Equal(t, http.StatusOK, doSubmit(t, router, "07", 612.5, "op-1").Code)
	require.Equal(t, http.StatusOK, doSubmit(t, router, "08", 615.0, "op-1").Code)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/v1/projects/proj-1/days/20250601/log", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var log datatypes.DailyLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &log))
	assert.Equal(t, datatypes.StatusIncomplete, log.CompletionStatus)
	assert.Equal(t, 2, log.CompletedHours)
}

func TestSetDailyNotes_Accepted(t *testing.T) {
	router := newTestRouter(t)

	body, _ := json.Marshal(SetNotesRequest{Notes: "inspector on site"})
	req := httptest.NewRequest(http.MethodPut,
		"/v1/projects/proj-1/days/20250601/log/notes", bytes.NewReader(body))
	req.Header.Set(headerOperator, "op-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestGetSyncStatus_CountsPending(t *testing.T) {
	router := newTestRouter(t)
	require.Equal(t, http.StatusOK, doSubmit(t, router, "07", 612.5, "op-1").Code)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sync/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var status fieldsync.SyncStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 1, status.PendingCount)
	assert.False(t, status.Delayed)
}
