// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers exposes the fieldsync facade over HTTP for the
// desktop UI. Identity is extracted from headers at this edge and
// passed down explicitly; nothing below the handlers knows about HTTP.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/MonteBryce/thermalog/services/fieldsync"
	"github.com/MonteBryce/thermalog/services/fieldsync/clock"
	"github.com/MonteBryce/thermalog/services/fieldsync/datatypes"
	"github.com/MonteBryce/thermalog/services/fieldsync/syncerr"
)

var tracer = otel.Tracer("thermalog.fieldsync.handlers")

const (
	headerOperator    = "X-Operator-Id"
	headerCanValidate = "X-Operator-Can-Validate"
)

// identityFrom builds the caller identity from request headers. The
// desktop shell authenticates the operator and forwards these headers;
// this process trusts its local shell.
func identityFrom(c *gin.Context) fieldsync.Identity {
	return fieldsync.Identity{
		OperatorID:  c.GetHeader(headerOperator),
		CanValidate: c.GetHeader(headerCanValidate) == "true",
	}
}

// statusFor maps facade errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, syncerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fieldsync.ErrNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, syncerr.ErrPermanentValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, syncerr.ErrStorageWrite):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// SubmitEntryRequest is the submit payload.
type SubmitEntryRequest struct {
	Readings    map[string]datatypes.ReadingValue `json:"readings" binding:"required"`
	ClientStamp clock.Stamp                       `json:"clientStamp"`
}

// SubmitEntry handles PUT /v1/projects/:projectId/days/:dateKey/entries/:hourId.
func SubmitEntry(svc *fieldsync.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "SubmitEntry")
		defer span.End()

		var req SubmitEntryRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		res, err := svc.SubmitEntry(ctx, identityFrom(c),
			c.Param("projectId"), c.Param("dateKey"), c.Param("hourId"),
			req.Readings, req.ClientStamp)
		if err != nil {
			span.RecordError(err)
			slog.Warn("entry submission rejected",
				"project", c.Param("projectId"),
				"error", err.Error())
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res.Entry)
	}
}

// ValidateEntry handles POST .../entries/:hourId/validate.
func ValidateEntry(svc *fieldsync.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "ValidateEntry")
		defer span.End()

		entry, err := svc.ValidateEntry(ctx, identityFrom(c),
			c.Param("projectId"), c.Param("dateKey"), c.Param("hourId"))
		if err != nil {
			span.RecordError(err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

// ListEntries handles GET .../entries.
func ListEntries(svc *fieldsync.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "ListEntries")
		defer span.End()

		entries, err := svc.GetEntriesForDay(ctx, c.Param("projectId"), c.Param("dateKey"))
		if err != nil {
			span.RecordError(err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		if entries == nil {
			entries = []*datatypes.Entry{}
		}
		c.JSON(http.StatusOK, entries)
	}
}

// GetDailyLog handles GET .../log.
func GetDailyLog(svc *fieldsync.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "GetDailyLog")
		defer span.End()

		log, err := svc.GetDailyLog(ctx, c.Param("projectId"), c.Param("dateKey"))
		if err != nil {
			span.RecordError(err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, log)
	}
}

// SetNotesRequest is the notes payload.
type SetNotesRequest struct {
	Notes string `json:"notes"`
}

// SetDailyNotes handles PUT .../log/notes.
func SetDailyNotes(svc *fieldsync.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "SetDailyNotes")
		defer span.End()

		var req SetNotesRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		err := svc.SetDailyNotes(ctx, identityFrom(c),
			c.Param("projectId"), c.Param("dateKey"), req.Notes)
		if err != nil {
			span.RecordError(err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true})
	}
}

// GetProject handles GET /v1/projects/:projectId.
func GetProject(svc *fieldsync.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "GetProject")
		defer span.End()

		project, err := svc.Project(ctx, c.Param("projectId"))
		if err != nil {
			span.RecordError(err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, project)
	}
}

// RefreshProject handles POST /v1/projects/:projectId/refresh.
func RefreshProject(svc *fieldsync.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "RefreshProject")
		defer span.End()

		project, err := svc.RefreshProject(ctx, c.Param("projectId"))
		if err != nil {
			span.RecordError(err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, project)
	}
}

// GetSyncStatus handles GET /v1/sync/status.
func GetSyncStatus(svc *fieldsync.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "GetSyncStatus")
		defer span.End()

		status, err := svc.GetSyncStatus(ctx)
		if err != nil {
			span.RecordError(err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

// Flush handles POST /v1/sync/flush: the UI's "sync now" button.
func Flush(svc *fieldsync.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc.Flush()
		c.JSON(http.StatusAccepted, gin.H{"flushing": true})
	}
}

// HealthCheck handles GET /health.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
