// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all Relay routes with the router.
//
// Description:
//
//	Registers the /v1/relay/* endpoints with the given Gin router group.
//	The group should already carry the shared middleware (request id,
//	tracing, auth, rate limiting); health and readiness are registered
//	here too and inherit the same chain.
//
// Endpoints:
//
//	POST /v1/relay/chat - Run one turn, blocking
//	POST /v1/relay/chat/stream - Run one turn, events as SSE
//	GET  /v1/relay/chat/ws - WebSocket, multiple turns per connection
//	GET  /v1/relay/sessions/:id - Fetch session history
//	GET  /v1/relay/health - Liveness
//	GET  /v1/relay/ready - Readiness with dependency probes
//
// Example:
//
//	svc, _ := relay.NewService(ctx, cfg, logger)
//	handlers := relay.NewHandlers(svc, logger)
//
//	v1 := router.Group("/v1")
//	relay.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	r := rg.Group("/relay")
	{
		r.POST("/chat", handlers.HandleChat)
		r.POST("/chat/stream", handlers.HandleChatStream)
		r.GET("/chat/ws", handlers.HandleChatWS)

		r.GET("/sessions/:id", handlers.HandleGetSession)

		r.GET("/health", handlers.HandleHealth)
		r.GET("/ready", handlers.HandleReady)
	}
}
