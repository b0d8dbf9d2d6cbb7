// Trailmarks Relay - Real-time presence and chat for the Trailmarks map app
// SPDX-License-Identifier: MIT

// Package api provides the HTTP surface of the relay: the websocket
// attach point, health probes, a read-only presence endpoint, and
// Prometheus metrics.
package api

import (
	"net/http"
	"strings"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/trailmarks/relay/internal/config"
	"github.com/trailmarks/relay/internal/identity"
	"github.com/trailmarks/relay/internal/logging"
	"github.com/trailmarks/relay/internal/relay"
	"github.com/trailmarks/relay/internal/websocket"
)

// Handler holds the dependencies for all HTTP endpoints.
type Handler struct {
	engine    *relay.Engine
	verifier  identity.TokenVerifier
	cfg       *config.Config
	startTime time.Time
}

// NewHandler creates the HTTP handler set.
func NewHandler(engine *relay.Engine, verifier identity.TokenVerifier, cfg *config.Config) *Handler {
	return &Handler{
		engine:    engine,
		verifier:  verifier,
		cfg:       cfg,
		startTime: time.Now(),
	}
}

// requireAuth gates an endpoint behind a bearer session token. The same
// tokens that authenticate websocket connections work here.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
			return
		}
		if _, err := h.verifier.Verify(strings.TrimPrefix(header, prefix)); err != nil {
			logging.Debug().Err(err).Msg("rejected bearer token")
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid bearer token", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getUpgrader creates a websocket upgrader with origin checking and a
// handshake timeout against slow-client attacks.
func (h *Handler) getUpgrader() gws.Upgrader {
	return gws.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkWebSocketOrigin validates connection origins against the
// configured CORS allow list. Browsers always send Origin on websocket
// handshakes; an empty Origin means a non-browser client and is rejected.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		logging.Warn().Msg("websocket connection rejected: missing Origin header")
		return false
	}

	if h.cfg == nil {
		return true
	}

	for _, allowed := range h.cfg.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	logging.Warn().Str("origin", sanitizeLogValue(origin)).Msg("websocket connection rejected from unauthorized origin")
	return false
}

// WebSocket upgrades the request and attaches the connection to the
// relay engine. The connection starts unauthenticated; the client
// authenticates in-band with an auth frame.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		logging.Warn().Msg("websocket connection rejected: engine not initialized")
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "relay service unavailable", nil)
		return
	}

	upgrader := h.getUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("websocket upgrade error")
		return
	}

	client := websocket.NewClient(h.engine, conn, websocket.Options{
		SendBuffer:   h.cfg.Chat.SendBuffer,
		InboundRate:  h.cfg.Chat.InboundRate,
		InboundBurst: h.cfg.Chat.InboundBurst,
	})
	client.Start()
}

// Health reports overall service status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondOK(w, map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"connections":    h.engine.ConnectionCount(),
		"presence":       len(h.engine.PresenceSnapshot()),
	})
}

// HealthLive is the liveness probe: the process is up and serving.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondOK(w, map[string]string{"status": "alive"})
}

// HealthReady is the readiness probe: the engine is wired and accepting
// connections.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		respondError(w, http.StatusServiceUnavailable, "NOT_READY", "relay engine not initialized", nil)
		return
	}
	respondOK(w, map[string]string{"status": "ready"})
}

// Presence returns the current deduplicated presence snapshot. Handy for
// dashboards and debugging without holding a websocket open.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	labels := h.engine.PresenceSnapshot()
	respondOK(w, map[string]interface{}{
		"online": labels,
		"count":  len(labels),
	})
}
