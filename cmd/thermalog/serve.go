// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/MonteBryce/thermalog/pkg/logging"
	"github.com/MonteBryce/thermalog/services/fieldsync"
	"github.com/MonteBryce/thermalog/services/fieldsync/cache"
	"github.com/MonteBryce/thermalog/services/fieldsync/clock"
	"github.com/MonteBryce/thermalog/services/fieldsync/config"
	"github.com/MonteBryce/thermalog/services/fieldsync/observability"
	"github.com/MonteBryce/thermalog/services/fieldsync/queue"
	"github.com/MonteBryce/thermalog/services/fieldsync/reconcile"
	"github.com/MonteBryce/thermalog/services/fieldsync/remote"
	"github.com/MonteBryce/thermalog/services/fieldsync/routes"
	"github.com/MonteBryce/thermalog/services/fieldsync/storage/badgerstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync agent and local API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func logLevel(name string) logging.Level {
	switch name {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func serve(cfg config.Config) error {
	logger := logging.New(logging.Config{
		Level:   logLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "fieldsync",
		JSON:    cfg.Log.JSON,
	})
	defer logger.Close()
	slog := logger.Slog()

	storeCfg := badgerstore.DefaultConfig()
	storeCfg.Path = cfg.DataDir
	storeCfg.Logger = slog
	db, err := badgerstore.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("open device store: %w", err)
	}
	defer db.Close()

	q, err := queue.New(db, queue.BackoffSchedule{
		Base:            cfg.Backoff.Base,
		Cap:             cfg.Backoff.Cap,
		Factor:          cfg.Backoff.Factor,
		Jitter:          cfg.Backoff.Jitter,
		QuotaMultiplier: cfg.Backoff.QuotaMultiplier,
	}, slog)
	if err != nil {
		return fmt.Errorf("open sync queue: %w", err)
	}

	store, err := remote.NewHTTPStore(remote.HTTPConfig{
		BaseURL:  cfg.Remote.BaseURL,
		APIToken: cfg.Remote.APIToken,
		Timeout:  cfg.Remote.Timeout,
		Logger:   slog,
	})
	if err != nil {
		return fmt.Errorf("remote store: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.New(registry)

	clk := clock.New(cfg.DeviceID)
	engine := reconcile.New(reconcile.Config{
		BatchSize:       cfg.Sync.BatchSize,
		BatchWindow:     cfg.Sync.BatchWindow,
		Parallelism:     cfg.Sync.Parallelism,
		WritesPerSecond: cfg.Sync.WritesPerSecond,
		DrainInterval:   cfg.Sync.DrainInterval,
		Logger:          slog,
	}, q, store, clk, metrics)

	svc := fieldsync.NewService(fieldsync.Deps{
		Cache:    cache.New(db),
		Queue:    q,
		Engine:   engine,
		Store:    store,
		Projects: store,
		Clock:    clk,
		Metrics:  metrics,
		Logger:   slog,
	}, fieldsync.Options{
		DelayedAttemptThreshold: cfg.Sync.DelayedAttemptThreshold,
	})

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconciliation loop exited", "error", err)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, svc, registry)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("local API listening",
			"addr", cfg.ListenAddr,
			"device", cfg.DeviceID)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("local API: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	return nil
}
