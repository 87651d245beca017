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
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRelay/services/relay/agent/events"
	"github.com/AleutianAI/AleutianRelay/services/relay/session"
	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
)

// =============================================================================
// Request / Response Types
// =============================================================================

// ChatRequest is the body of POST /v1/relay/chat and its streaming variants.
type ChatRequest struct {
	// Message is the user's message. Required.
	Message string `json:"message" binding:"required"`

	// SessionID continues an existing conversation. Empty starts a new one.
	SessionID string `json:"session_id"`

	// IncludeTrace adds the ordered per-turn trace to the response.
	IncludeTrace bool `json:"include_trace"`
}

// ErrorResponse is the uniform error body for every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SessionResponse is the body of GET /v1/relay/sessions/:id.
type SessionResponse struct {
	SessionID string `json:"session_id"`
	Turns     any    `json:"turns"`
}

// =============================================================================
// Handlers
// =============================================================================

// Handlers binds the Service to Gin.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(svc *Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, logger: logger}
}

// HandleChat handles POST /v1/relay/chat.
//
// Description:
//
//	Runs one complete turn and returns the final output with the routing
//	decision and executed tool calls. This is the blocking surface; use
//	/chat/stream or /chat/ws to observe the turn in flight.
//
// Response:
//
//	200 OK: Turn
//	400 Bad Request: Missing or oversized message
//	502 Bad Gateway: Oracle or storage failure
func (h *Handlers) HandleChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "message is required",
			Code:  ErrCodeInvalidInput,
		})
		return
	}

	logger := h.logger.With(slog.String("request_id", getRequestID(c)), slog.String("handler", "HandleChat"))

	turn, err := h.svc.RunTurn(c.Request.Context(), req.SessionID, req.Message, nil)
	if err != nil {
		te := AsTurnError(err)
		logger.Warn("turn failed", slog.String("code", te.Code))
		c.JSON(te.HTTPStatus(), ErrorResponse{Error: te.Message, Code: te.Code})
		return
	}
	if !req.IncludeTrace {
		turn.Trace = nil
	}
	c.JSON(http.StatusOK, turn)
}

// HandleChatStream handles POST /v1/relay/chat/stream.
//
// Description:
//
//	Runs one turn and streams its events as Server-Sent Events in emission
//	order: routing, tool_call/tool_result pairs, then exactly one
//	final_output or error. The connection closes after the terminal event.
//
// Response:
//
//	200 OK: text/event-stream of events.Event, SSE event name = event type
//	400 Bad Request: Missing message (JSON, sent before streaming starts)
func (h *Handlers) HandleChatStream(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "message is required",
			Code:  ErrCodeInvalidInput,
		})
		return
	}

	// Mint the session here so streamed events carry the id the client
	// needs to continue the conversation.
	if req.SessionID == "" {
		req.SessionID = session.NewSessionID()
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// The emitter delivers synchronously from the turn goroutine; the
	// buffered channel decouples it from client write latency.
	eventCh := make(chan events.Event, 64)
	emitter := events.NewEmitter(req.SessionID)
	emitter.Subscribe(func(ev events.Event) {
		select {
		case eventCh <- ev:
		default:
			h.logger.Warn("stream event dropped, slow client",
				slog.String("type", string(ev.Type)),
			)
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		// RunTurn emits the error event itself; nothing to do here but
		// let the channel drain.
		_, _ = h.svc.RunTurn(c.Request.Context(), req.SessionID, req.Message, emitter)
	}()

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-eventCh:
			c.SSEvent(string(ev.Type), ev)
			return ev.Type != events.TypeFinalOutput && ev.Type != events.TypeError
		case <-done:
			// Turn finished; flush anything still buffered.
			select {
			case ev := <-eventCh:
				c.SSEvent(string(ev.Type), ev)
				return ev.Type != events.TypeFinalOutput && ev.Type != events.TypeError
			default:
				return false
			}
		case <-clientGone:
			return false
		}
	})
}

// =============================================================================
// WebSocket Surface
// =============================================================================

// wsUpgrader upgrades /chat/ws connections. Origin checking is delegated to
// the API key middleware; this is a key-authenticated API, not a browser app.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsWriteTimeout bounds a single frame write to a slow client.
const wsWriteTimeout = 10 * time.Second

// HandleChatWS handles GET /v1/relay/chat/ws.
//
// Description:
//
//	Upgrades to a WebSocket and serves multiple turns on one connection.
//	Each client text frame is a ChatRequest; the server answers with the
//	turn's events as JSON frames in emission order, ending each turn with
//	final_output or error. Turns on one connection run sequentially.
func (h *Handlers) HandleChatWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket closed", slog.String("error", err.Error()))
			}
			return
		}
		if req.Message == "" {
			h.writeWSEvent(conn, events.Event{
				Type: events.TypeError,
				Data: events.ErrorData{Code: ErrCodeInvalidInput, Message: "message is required"},
			})
			continue
		}

		if req.SessionID == "" {
			req.SessionID = session.NewSessionID()
		}
		emitter := events.NewEmitter(req.SessionID)
		emitter.Subscribe(func(ev events.Event) {
			h.writeWSEvent(conn, ev)
		})
		_, _ = h.svc.RunTurn(c.Request.Context(), req.SessionID, req.Message, emitter)
	}
}

func (h *Handlers) writeWSEvent(conn *websocket.Conn, ev events.Event) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(ev); err != nil {
		h.logger.Debug("websocket write failed", slog.String("error", err.Error()))
	}
}

// =============================================================================
// Sessions
// =============================================================================

// HandleGetSession handles GET /v1/relay/sessions/:id.
//
// Response:
//
//	200 OK: SessionResponse (empty turn list for unknown sessions)
//	502 Bad Gateway: Storage failure
func (h *Handlers) HandleGetSession(c *gin.Context) {
	sessionID := c.Param("id")
	turns, err := h.svc.SessionHistory(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: "session storage unavailable",
			Code:  ErrCodeUpstream,
		})
		return
	}
	c.JSON(http.StatusOK, SessionResponse{SessionID: sessionID, Turns: turns})
}

// =============================================================================
// Health
// =============================================================================

// HandleHealth handles GET /v1/relay/health. Liveness only: answers as long
// as the process serves HTTP.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleReady handles GET /v1/relay/ready.
//
// Response:
//
//	200 OK: All dependency probes passed
//	503 Service Unavailable: At least one probe failed; body lists each probe
func (h *Handlers) HandleReady(c *gin.Context) {
	statuses, ready := h.svc.CheckReadiness(c.Request.Context())
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "dependencies": statuses})
}

// HandleMetrics handles GET /metrics when the prometheus exporter is active.
func (h *Handlers) HandleMetrics(c *gin.Context) {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "prometheus exporter not enabled",
			Code:  ErrCodeNotFound,
		})
		return
	}
	handler.ServeHTTP(c.Writer, c.Request)
}
