// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/EkmanLabs/orgatlas/services/nlq"
)

// serveDebug holds the --debug flag for the serve command.
var serveDebug bool

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	cmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable gin debug mode and request logging")
	return cmd
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	// Hot reload for the pattern override file, periodic schema refresh.
	if err := comps.holder.Watch(ctx); err != nil {
		logger.Warn("pattern catalog watch unavailable",
			slog.String("path", cfg.Pipeline.PatternTablePath),
			slog.String("error", err.Error()),
		)
	}
	if interval := cfg.Pipeline.SchemaRefreshInterval(); interval > 0 {
		go comps.schemas.RunPeriodicRefresh(ctx, interval)
	}

	// W3C TraceContext propagation so upstream trace IDs survive into
	// pipeline spans.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if serveDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("orgatlas-nlq"))
	if serveDebug {
		router.Use(gin.Logger())
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	svc := nlq.NewService(comps.pipeline, comps.schemas, comps.db, logger)
	nlq.RegisterRoutes(router.Group("/v1"), nlq.NewHandlers(svc))

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.Info("orgatlas server listening",
		slog.String("address", cfg.Server.ListenAddr),
		slog.String("graph", cfg.Database.GraphName),
		slog.String("model", cfg.LLM.Model),
	)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", slog.Duration("grace", cfg.Server.ShutdownGrace()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace())
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
