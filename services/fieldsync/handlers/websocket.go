// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/MonteBryce/thermalog/services/fieldsync"
)

var upgrader = websocket.Upgrader{
	// The UI shell connects from its own origin on localhost.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

// SyncStatusWS handles GET /v1/sync/ws: pushes the sync status to the
// UI indicator on an interval, and immediately when the client sends
// any message (the UI pokes the socket after submitting an entry).
func SyncStatusWS(svc *fieldsync.Service, interval time.Duration) gin.HandlerFunc {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()
		slog.Info("sync status client connected")

		// Reader: any inbound frame requests an immediate push; a read
		// error ends the session.
		poke := make(chan struct{}, 1)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
				select {
				case poke <- struct{}{}:
				default:
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		push := func() bool {
			status, err := svc.GetSyncStatus(c.Request.Context())
			if err != nil {
				slog.Warn("sync status read failed", "error", err)
				return true
			}
			if err := ws.WriteJSON(status); err != nil {
				return false
			}
			return true
		}

		if !push() {
			return
		}
		for {
			select {
			case <-done:
				slog.Info("sync status client disconnected")
				return
			case <-ticker.C:
			case <-poke:
			}
			if !push() {
				return
			}
		}
	}
}
