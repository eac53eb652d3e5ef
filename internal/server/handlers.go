// Package server exposes HTTP handlers: the websocket handshake, the stats
// snapshot and the liveness check.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/realtime/internal/auth"
	"github.com/Tyrowin/realtime/internal/metrics"
	"github.com/Tyrowin/realtime/internal/protocol"
	"github.com/Tyrowin/realtime/internal/ratelimit"
)

// WebSocketHandler admits a client: rate limit, then token verification,
// both bounded by the handshake timeout, then upgrade and registration.
// A refused handshake is still upgraded so the client receives a close
// frame with the refusal code; nothing is registered for it.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if !s.origins.check(r) {
		s.metrics.Handshake("forbidden_origin")
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	source := sourceKey(r)
	userID, admitErr := s.admit(r.Context(), source, auth.TokenFromRequest(r))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("addr", source), zap.Error(err))
		return
	}

	if admitErr == nil && !s.trackHandshake() {
		admitErr = errShuttingDown
	}
	if admitErr != nil {
		s.refuse(conn, source, admitErr)
		return
	}
	defer s.wg.Done()

	id := uuid.NewString()
	c := newClient(id, conn, source, s)

	// queued before registration so it is always the first frame
	welcome, err := encode(protocol.NewWelcome(id, s.now()))
	if err == nil {
		err = c.Send(welcome)
	}
	if err != nil {
		s.refuse(conn, source, err)
		return
	}

	metadata := map[string]string{
		"remoteAddr":  r.RemoteAddr,
		"userAgent":   r.UserAgent(),
		"connectedAt": s.now().UTC().Format(time.RFC3339),
	}
	if _, err := s.registry.AddConnection(id, userID, c, metadata); err != nil {
		s.refuse(conn, source, err)
		return
	}

	s.metrics.Handshake("accepted")
	s.startClient(c)
}

// admit runs the rate limiter and the token check under one deadline.
func (s *Server) admit(parent context.Context, source, token string) (string, error) {
	if s.ctx.Err() != nil {
		return "", errShuttingDown
	}

	ctx, cancel := context.WithTimeout(parent, s.cfg.Server.HandshakeTimeout)
	defer cancel()

	if s.handshakeLimiter != nil {
		if err := s.handshakeLimiter.Consume(ctx, source); err != nil {
			return "", err
		}
	}
	return s.verifier.Verify(ctx, token)
}

// refuse closes a connection that was upgraded but not admitted.
func (s *Server) refuse(conn *websocket.Conn, source string, cause error) {
	code, reason, outcome := refusal(cause)
	s.metrics.Handshake(outcome)
	if outcome == "rate_limited" {
		s.metrics.RateLimit(metrics.PhaseHandshake)
	}
	s.logger.Info("handshake refused",
		zap.String("addr", source),
		zap.String("outcome", outcome),
		zap.Int("code", code),
		zap.Error(cause),
	)

	deadline := time.Now().Add(s.cfg.Server.WriteTimeout)
	if err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil && !isExpectedCloseError(err) {
		s.logger.Debug("error writing refusal close frame", zap.Error(err))
	}
	if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Debug("error closing refused connection", zap.Error(err))
	}
}

func refusal(err error) (code int, reason, outcome string) {
	var authErr *auth.AuthError
	switch {
	case errors.As(err, &authErr):
		return websocket.ClosePolicyViolation, "unauthorized", "unauthorized"
	case errors.Is(err, ratelimit.ErrRateLimited):
		return websocket.ClosePolicyViolation, "rate limit exceeded", "rate_limited"
	case errors.Is(err, ErrCapacityReached):
		return websocket.CloseTryAgainLater, "server at capacity", "capacity"
	case errors.Is(err, context.DeadlineExceeded):
		return websocket.CloseTryAgainLater, "handshake timeout", "timeout"
	case errors.Is(err, errShuttingDown):
		return websocket.CloseGoingAway, "server shutting down", "shutting_down"
	default:
		return websocket.CloseInternalServerErr, "handshake failed", "error"
	}
}

// sourceKey identifies the client for rate limiting.
func sourceKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// StatsHandler returns the registry snapshot as JSON.
func (s *Server) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Stats())
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Stats         Stats  `json:"stats"`
}

// HealthHandler reports process liveness together with the registry stats.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if s.ctx.Err() != nil {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, healthResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Stats:         s.registry.Stats(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("error writing JSON response", zap.Error(err))
	}
}
