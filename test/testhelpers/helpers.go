// Package testhelpers provides common utilities for the integration tests of
// the realtime server.
//
// It starts a fully wired server core behind an httptest listener, mints
// tokens the server accepts, and wraps the websocket client calls the tests
// repeat: dialing, sending typed frames, and reading frames or close codes
// with deadlines.
package testhelpers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
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
	"github.com/Tyrowin/realtime/internal/server"
)

// TestSecret signs every token minted by Env.Token.
const TestSecret = "integration-test-secret"

// TestOrigin is the origin allowed by the default test configuration.
const TestOrigin = "http://localhost:8080"

// Env is a running server core with its HTTP front.
type Env struct {
	Core    *server.Server
	HTTP    *httptest.Server
	Config  *config.Config
	Metrics *metrics.Metrics
}

type setup struct {
	configure []func(*config.Config)
	limiter   ratelimit.Limiter
	verifier  auth.Verifier
}

// Option customises StartServer.
type Option func(*setup)

// WithConfig edits the configuration before the server is built.
func WithConfig(fn func(*config.Config)) Option {
	return func(s *setup) { s.configure = append(s.configure, fn) }
}

// WithLimiter installs a rate limiter. Without it rate limiting is off.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *setup) { s.limiter = l }
}

// WithVerifier replaces the HS256 gate keyed with TestSecret.
func WithVerifier(v auth.Verifier) Option {
	return func(s *setup) { s.verifier = v }
}

// StartServer builds and starts a server core and serves its routes on a
// local listener. Both are shut down when the test ends.
func StartServer(t *testing.T, opts ...Option) *Env {
	t.Helper()

	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{TestOrigin}
	cfg.Server.HandshakeTimeout = 2 * time.Second
	cfg.Server.WriteTimeout = time.Second
	cfg.Auth.JWTSecret = TestSecret
	cfg.Broker.Driver = config.DriverNone

	var s setup
	for _, opt := range opts {
		opt(&s)
	}
	for _, fn := range s.configure {
		fn(cfg)
	}

	if s.verifier == nil {
		gate, err := auth.NewHS256Gate(TestSecret, auth.WithUserClaim(cfg.Auth.UserClaim))
		if err != nil {
			t.Fatalf("Failed to create token gate: %v", err)
		}
		s.verifier = gate
	}

	m := metrics.New()
	core, err := server.New(cfg, server.Deps{Verifier: s.verifier, Limiter: s.limiter, Metrics: m}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	core.Start()

	ts := httptest.NewServer(core.Routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = core.Shutdown(ctx)
		ts.Close()
	})

	return &Env{Core: core, HTTP: ts, Config: cfg, Metrics: m}
}

// Token returns a token for userID that expires in one minute.
func (e *Env) Token(t *testing.T, userID string) string {
	t.Helper()
	return MintToken(t, jwt.MapClaims{
		"userId": userID,
		"exp":    time.Now().Add(time.Minute).Unix(),
	})
}

// MintToken signs claims with TestSecret.
func MintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(TestSecret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

// WebSocketURL returns the handshake URL carrying token.
func (e *Env) WebSocketURL(token string) string {
	return "ws" + strings.TrimPrefix(e.HTTP.URL, "http") + "/ws?token=" + token
}

// DialRaw performs a handshake with the given token and headers and returns
// whatever the dialer returned.
func (e *Env) DialRaw(token string, header http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(e.WebSocketURL(token), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Dial connects as userID from TestOrigin, reads the welcome frame and
// returns the connection together with its server-assigned id.
func (e *Env) Dial(t *testing.T, userID string) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := e.DialRaw(e.Token(t, userID), OriginHeader(TestOrigin))
	if err != nil {
		t.Fatalf("Failed to connect as %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	welcome := ReadFrame(t, conn)
	if welcome["type"] != "welcome" {
		t.Fatalf("Expected welcome frame, got %v", welcome)
	}
	id, _ := welcome["connectionId"].(string)
	if id == "" {
		t.Fatalf("Welcome frame without connectionId: %v", welcome)
	}
	return conn, id
}

// OriginHeader returns a header carrying origin, or an empty header.
func OriginHeader(origin string) http.Header {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return header
}

// SendFrame writes a {type, data} frame.
func SendFrame(t *testing.T, conn *websocket.Conn, frameType string, data any) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"type": frameType, "data": data})
	if err != nil {
		t.Fatalf("Failed to marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("Failed to send %s frame: %v", frameType, err)
	}
}

// ReadFrame reads one JSON frame, failing the test after two seconds.
func ReadFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	return frame
}

// ReadFrameOfType reads frames until one of frameType arrives.
func ReadFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	for i := 0; i < 100; i++ {
		if frame := ReadFrame(t, conn); frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("No %s frame within 100 frames", frameType)
	return nil
}

// ExpectNoFrame fails if a frame arrives within timeout. The connection is
// unusable for reads afterwards.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, payload, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no frame, got %s", payload)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of frames: %v", err)
}

// ExpectClose reads until the server closes the connection and checks the
// close code.
func ExpectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("Expected close %d, got %v", code, err)
		}
		if closeErr.Code != code {
			t.Fatalf("Expected close code %d, got %d (%q)", code, closeErr.Code, closeErr.Text)
		}
		return
	}
}

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	if err != nil {
		return err
	}
	return conn.Close()
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}
