// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command relay starts the Aleutian Relay API server.
//
// Relay is a deterministic single-destination supervisor: every user message
// is routed to exactly one specialist agent (or answered directly) and the
// chosen agent runs a bounded tool-call loop against its own tool registry.
//
// Usage:
//
//	go run ./cmd/relay
//	go run ./cmd/relay -port 9090
//
// With an OpenAI-compatible endpoint:
//
//	OPENAI_API_KEY=sk-... go run ./cmd/relay
//	OPENAI_BASE_URL=http://localhost:11434/v1 OPENAI_MODEL=llama3.1 go run ./cmd/relay
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/v1/relay/health
//
//	# Run a turn
//	curl -X POST http://localhost:8080/v1/relay/chat \
//	  -H "Content-Type: application/json" \
//	  -d '{"message": "List open issues in golang/go"}'
//
//	# Stream a turn
//	curl -N -X POST http://localhost:8080/v1/relay/chat/stream \
//	  -H "Content-Type: application/json" \
//	  -d '{"message": "What is the status of order 1001?"}'
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/AleutianAI/AleutianRelay/services/relay"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
)

func main() {
	port := flag.Int("port", 0, "Port to listen on (overrides RELAY_PORT)")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// W3C TraceContext propagation so client trace ids survive into spans.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		logger.Error("telemetry init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	svc, err := relay.NewService(ctx, cfg, logger)
	if err != nil {
		logger.Error("service init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer svc.Close()

	handlers := relay.NewHandlers(svc, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aleutian-relay"))
	router.Use(relay.RequestIDMiddleware())
	if *debug {
		router.Use(gin.Logger())
	}

	// Metrics stays outside auth so scrapers do not need the API key.
	router.GET("/metrics", handlers.HandleMetrics)

	v1 := router.Group("/v1")
	v1.Use(relay.APIKeyMiddleware(cfg.APIKey))
	v1.Use(relay.RateLimitMiddleware(cfg.RateLimitPerMinute))
	relay.RegisterRoutes(v1, handlers)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting Aleutian Relay server",
			slog.String("address", srv.Addr),
			slog.String("oracle_model", cfg.Oracle.Model),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down Aleutian Relay server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", slog.String("error", err.Error()))
	}
}
