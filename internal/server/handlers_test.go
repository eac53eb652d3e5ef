package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/realtime/internal/auth"
	"github.com/Tyrowin/realtime/internal/config"
	"github.com/Tyrowin/realtime/internal/metrics"
	"github.com/Tyrowin/realtime/internal/ratelimit"
)

const testSecret = "handler-test-secret"

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Server.HandshakeTimeout = 2 * time.Second
	cfg.Server.WriteTimeout = time.Second
	cfg.Auth.JWTSecret = testSecret
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, limiter ratelimit.Limiter) (*Server, *httptest.Server) {
	t.Helper()

	gate, err := auth.NewHS256Gate(testSecret)
	if err != nil {
		t.Fatalf("NewHS256Gate: %v", err)
	}
	return newTestServerWithVerifier(t, cfg, limiter, gate)
}

func newTestServerWithVerifier(t *testing.T, cfg *config.Config, limiter ratelimit.Limiter, verifier auth.Verifier) (*Server, *httptest.Server) {
	t.Helper()

	s, err := New(cfg, Deps{Verifier: verifier, Limiter: limiter, Metrics: metrics.New()}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()

	ts := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		ts.Close()
	})
	return s, ts
}

func mintToken(t *testing.T, userID string, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": userID,
		"exp":    time.Now().Add(ttl).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return signed
}

func wsURL(ts *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
}

func dial(t *testing.T, ts *httptest.Server, token string, header http.Header) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, resp, err := dialer.Dial(wsURL(ts, token), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read error = %v, want close %d", err, code)
		}
		if ce.Code != code {
			t.Fatalf("close code = %d (%q), want %d", ce.Code, ce.Text, code)
		}
		return
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWebSocketWelcome(t *testing.T) {
	s, ts := newTestServer(t, testConfig(), nil)
	conn := dial(t, ts, mintToken(t, "u1", time.Minute), http.Header{"User-Agent": {"handler-test"}})

	msg := readFrame(t, conn)
	if msg["type"] != "welcome" {
		t.Fatalf("first frame = %v, want welcome", msg)
	}
	id, _ := msg["connectionId"].(string)
	if id == "" {
		t.Fatalf("welcome without connectionId: %v", msg)
	}
	if _, ok := msg["timestamp"].(float64); !ok {
		t.Errorf("welcome without timestamp: %v", msg)
	}

	info, ok := s.Registry().Connection(id)
	if !ok {
		t.Fatalf("connection %s not registered", id)
	}
	if info.UserID != "u1" || info.State != "open" {
		t.Errorf("info = %+v", info)
	}
	if info.Metadata["userAgent"] != "handler-test" || info.Metadata["connectedAt"] == "" {
		t.Errorf("metadata = %v", info.Metadata)
	}
}

func TestWebSocketRefusals(t *testing.T) {
	tests := []struct {
		name  string
		token func(t *testing.T) string
		code  int
	}{
		{"missing token", func(*testing.T) string { return "" }, websocket.ClosePolicyViolation},
		{"expired token", func(t *testing.T) string { return mintToken(t, "u1", -time.Minute) }, websocket.ClosePolicyViolation},
		{"garbage token", func(*testing.T) string { return "not.a.jwt" }, websocket.ClosePolicyViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ts := newTestServer(t, testConfig(), nil)
			conn := dial(t, ts, tt.token(t), nil)

			expectClose(t, conn, tt.code)
			stats := s.Registry().Stats()
			if stats.TotalConnections != 0 || stats.TotalUsers != 0 || stats.TotalRooms != 0 {
				t.Errorf("refused handshake left index entries: %+v", stats)
			}
		})
	}
}

// hungLimiter never answers until the handshake deadline cancels it.
type hungLimiter struct{}

func (hungLimiter) Consume(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestWebSocketHandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Server.HandshakeTimeout = 300 * time.Millisecond
	s, ts := newTestServer(t, cfg, hungLimiter{})

	start := time.Now()
	conn := dial(t, ts, mintToken(t, "u1", time.Minute), nil)
	expectClose(t, conn, websocket.CloseTryAgainLater)

	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Errorf("handshake took %v with a 300ms deadline", elapsed)
	}
	stats := s.Registry().Stats()
	if stats.TotalConnections != 0 || stats.TotalUsers != 0 || stats.TotalRooms != 0 {
		t.Errorf("timed out handshake left index entries: %+v", stats)
	}
}

// gatedVerifier blocks Verify until release is closed.
type gatedVerifier struct {
	entered chan struct{}
	release chan struct{}
}

func (v *gatedVerifier) Verify(ctx context.Context, _ string) (string, error) {
	close(v.entered)
	select {
	case <-v.release:
		return "u1", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestWebSocketHandshakeDuringShutdown(t *testing.T) {
	verifier := &gatedVerifier{entered: make(chan struct{}), release: make(chan struct{})}
	s, ts := newTestServerWithVerifier(t, testConfig(), nil, verifier)

	dialed := make(chan *websocket.Conn, 1)
	failed := make(chan error, 1)
	go func() {
		dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
		conn, resp, err := dialer.Dial(wsURL(ts, "pending"), nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			failed <- err
			return
		}
		dialed <- conn
	}()

	select {
	case <-verifier.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never reached the verifier")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	close(verifier.release)

	var conn *websocket.Conn
	select {
	case conn = <-dialed:
	case err := <-failed:
		t.Fatalf("Dial: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("handshake did not complete")
	}
	defer conn.Close()

	expectClose(t, conn, websocket.CloseGoingAway)
	stats := s.Registry().Stats()
	if stats.TotalConnections != 0 || stats.TotalUsers != 0 {
		t.Errorf("handshake registered after shutdown: %+v", stats)
	}
}

func TestWebSocketCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxConnections = 1
	s, ts := newTestServer(t, cfg, nil)

	first := dial(t, ts, mintToken(t, "u1", time.Minute), nil)
	readFrame(t, first)

	second := dial(t, ts, mintToken(t, "u2", time.Minute), nil)
	expectClose(t, second, websocket.CloseTryAgainLater)

	if got := s.Registry().Stats().TotalConnections; got != 1 {
		t.Errorf("TotalConnections = %d, want 1", got)
	}
}

func TestWebSocketHandshakeRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemory(ratelimit.Quota{Points: 2, Window: time.Minute})
	_, ts := newTestServer(t, testConfig(), limiter)

	for i := 0; i < 2; i++ {
		conn := dial(t, ts, mintToken(t, fmt.Sprintf("u%d", i), time.Minute), nil)
		if msg := readFrame(t, conn); msg["type"] != "welcome" {
			t.Fatalf("connection %d: first frame = %v", i, msg)
		}
	}

	conn := dial(t, ts, mintToken(t, "u3", time.Minute), nil)
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestWebSocketOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AllowedOrigins = []string{"http://allowed.example"}
	_, ts := newTestServer(t, cfg, nil)
	token := mintToken(t, "u1", time.Minute)

	conn := dial(t, ts, token, http.Header{"Origin": {"HTTP://Allowed.Example"}})
	if msg := readFrame(t, conn); msg["type"] != "welcome" {
		t.Fatalf("first frame = %v", msg)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	_, resp, err := dialer.Dial(wsURL(ts, token), http.Header{"Origin": {"http://evil.example"}})
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("Dial error = %v, want bad handshake", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestWebSocketRejectsNonGet(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), nil)

	resp, err := http.Post(ts.URL+"/ws", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestWebSocketRoomRoundTrip(t *testing.T) {
	s, ts := newTestServer(t, testConfig(), nil)
	a := dial(t, ts, mintToken(t, "alice", time.Minute), nil)
	b := dial(t, ts, mintToken(t, "bob", time.Minute), nil)
	aID := readFrame(t, a)["connectionId"]
	readFrame(t, b)

	for _, c := range []*websocket.Conn{a, b} {
		writeFrame(t, c, `{"type":"join_room","data":{"roomId":"lobby"}}`)
		if msg := readFrame(t, c); msg["type"] != "room_joined" {
			t.Fatalf("join reply = %v", msg)
		}
	}

	writeFrame(t, a, `{"type":"room_message","data":{"roomId":"lobby","message":"hi"}}`)
	msg := readFrame(t, b)
	if msg["type"] != "room_message" || msg["message"] != "hi" || msg["sender"] != aID {
		t.Errorf("B received %v", msg)
	}

	// the sender's next frame must be its own pong, not the relay
	writeFrame(t, a, `{"type":"ping","data":{}}`)
	if msg := readFrame(t, a); msg["type"] != "pong" {
		t.Errorf("A received %v, want pong", msg)
	}

	if got := s.Registry().Stats().RoomCounts["lobby"]; got != 2 {
		t.Errorf("lobby members = %d, want 2", got)
	}
}

func TestWebSocketMalformedFrameKeepsConnection(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), nil)
	conn := dial(t, ts, mintToken(t, "u1", time.Minute), nil)
	readFrame(t, conn)

	writeFrame(t, conn, `{"type":`)
	if msg := readFrame(t, conn); msg["type"] != "error" || !strings.HasPrefix(msg["message"].(string), "malformed message") {
		t.Fatalf("reply = %v", msg)
	}

	writeFrame(t, conn, `{"type":"ping","data":{}}`)
	if msg := readFrame(t, conn); msg["type"] != "pong" {
		t.Errorf("reply after malformed frame = %v", msg)
	}
}

func TestWebSocketClientDisconnect(t *testing.T) {
	s, ts := newTestServer(t, testConfig(), nil)
	conn := dial(t, ts, mintToken(t, "u1", time.Minute), nil)
	readFrame(t, conn)
	writeFrame(t, conn, `{"type":"join_room","data":{"roomId":"lobby"}}`)
	readFrame(t, conn)

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	conn.Close()

	eventually(t, "registry to drain", func() bool {
		stats := s.Registry().Stats()
		return stats.TotalConnections == 0 && stats.TotalRooms == 0 && stats.TotalUsers == 0
	})
}

func TestWebSocketOversizedFrame(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxMessageSize = 64
	s, ts := newTestServer(t, cfg, nil)
	conn := dial(t, ts, mintToken(t, "u1", time.Minute), nil)
	readFrame(t, conn)

	writeFrame(t, conn, `{"type":"room_message","data":{"roomId":"lobby","message":"`+strings.Repeat("x", 128)+`"}}`)

	eventually(t, "oversized sender to be dropped", func() bool {
		return s.Registry().Stats().TotalConnections == 0
	})
}

func TestServerShutdownClosesClients(t *testing.T) {
	s, ts := newTestServer(t, testConfig(), nil)
	conn := dial(t, ts, mintToken(t, "u1", time.Minute), nil)
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	expectClose(t, conn, websocket.CloseGoingAway)

	rec := httptest.NewRecorder()
	s.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("health after shutdown = %d, want 503", rec.Code)
	}

	late := dial(t, ts, mintToken(t, "u2", time.Minute), nil)
	expectClose(t, late, websocket.CloseGoingAway)
}

func TestStatsAndHealthEndpoints(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), nil)
	conn := dial(t, ts, mintToken(t, "u1", time.Minute), nil)
	readFrame(t, conn)
	writeFrame(t, conn, `{"type":"join_room","data":{"roomId":"lobby"}}`)
	readFrame(t, conn)

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalConnections != 1 || stats.TotalUsers != 1 || stats.RoomCounts["lobby"] != 1 {
		t.Errorf("stats = %+v", stats)
	}

	health, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer health.Body.Close()
	var body healthResponse
	if err := json.NewDecoder(health.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.StatusCode != http.StatusOK || body.Status != "ok" || body.Stats.TotalConnections != 1 {
		t.Errorf("health = %d %+v", health.StatusCode, body)
	}

	metricsResp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	text, _ := io.ReadAll(metricsResp.Body)
	if !strings.Contains(string(text), `ws_handshakes_total{outcome="accepted"} 1`) {
		t.Errorf("metrics missing accepted handshake:\n%s", text)
	}
}

func TestRefusal(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    int
		outcome string
	}{
		{"auth", &auth.AuthError{Err: auth.ErrExpiredToken}, websocket.ClosePolicyViolation, "unauthorized"},
		{"rate limited", &ratelimit.RateLimitError{Key: "k", Limit: 1}, websocket.ClosePolicyViolation, "rate_limited"},
		{"capacity", ErrCapacityReached, websocket.CloseTryAgainLater, "capacity"},
		{"timeout", fmt.Errorf("verify: %w", context.DeadlineExceeded), websocket.CloseTryAgainLater, "timeout"},
		{"shutting down", errShuttingDown, websocket.CloseGoingAway, "shutting_down"},
		{"other", errors.New("redis: connection refused"), websocket.CloseInternalServerErr, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, outcome := refusal(tt.err)
			if code != tt.code || outcome != tt.outcome {
				t.Errorf("refusal() = %d %q, want %d %q", code, outcome, tt.code, tt.outcome)
			}
		})
	}
}

func TestSourceKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "192.0.2.7:51234"
	if got := sourceKey(r); got != "192.0.2.7" {
		t.Errorf("sourceKey() = %q", got)
	}
	r.RemoteAddr = "pipe"
	if got := sourceKey(r); got != "pipe" {
		t.Errorf("sourceKey() = %q", got)
	}
}
