// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MonteBryce/thermalog/services/fieldsync"
	"github.com/MonteBryce/thermalog/services/fieldsync/handlers"
)

// SetupRoutes mounts the fieldsync API on the router.
func SetupRoutes(router *gin.Engine, svc *fieldsync.Service, registry *prometheus.Registry) {
	router.GET("/health", handlers.HealthCheck)
	if registry != nil {
		router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	{
		projects := v1.Group("/projects/:projectId")
		{
			projects.GET("", handlers.GetProject(svc))
			projects.POST("/refresh", handlers.RefreshProject(svc))

			day := projects.Group("/days/:dateKey")
			{
				day.GET("/entries", handlers.ListEntries(svc))
				day.PUT("/entries/:hourId", handlers.SubmitEntry(svc))
				day.POST("/entries/:hourId/validate", handlers.ValidateEntry(svc))
				day.GET("/log", handlers.GetDailyLog(svc))
				day.PUT("/log/notes", handlers.SetDailyNotes(svc))
			}
		}

		sync := v1.Group("/sync")
		{
			sync.GET("/status", handlers.GetSyncStatus(svc))
			sync.POST("/flush", handlers.Flush(svc))
			sync.GET("/ws", handlers.SyncStatusWS(svc, 2*time.Second))
		}
	}
}
