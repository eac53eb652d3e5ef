package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/realtime/internal/auth"
	"github.com/Tyrowin/realtime/internal/config"
	"github.com/Tyrowin/realtime/test/testhelpers"
)

// TestOriginValidationEdgeCases exercises the origin allow-list on upgrade.
func TestOriginValidationEdgeCases(t *testing.T) {
	env := testhelpers.StartServer(t, testhelpers.WithConfig(func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"http://localhost:8080", "https://app.example.com", "not a url"}
	}))

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{"exact match", "http://localhost:8080", true},
		{"case insensitive", "HTTPS://APP.EXAMPLE.COM", true},
		{"path is ignored", "https://app.example.com/some/page", true},
		{"wrong scheme", "http://app.example.com", false},
		{"wrong port", "http://localhost:9090", false},
		{"subdomain", "https://evil.app.example.com", false},
		{"missing origin", "", false},
		{"garbage origin", "::::", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := env.DialRaw(env.Token(t, "alice"), testhelpers.OriginHeader(tt.origin))
			if tt.allowed {
				if err != nil {
					t.Fatalf("Expected origin %q to be allowed: %v", tt.origin, err)
				}
				defer func() { _ = conn.Close() }()
				if frame := testhelpers.ReadFrame(t, conn); frame["type"] != "welcome" {
					t.Errorf("Expected welcome, got %v", frame)
				}
				return
			}

			if !errors.Is(err, websocket.ErrBadHandshake) {
				t.Fatalf("Expected bad handshake for origin %q, got %v", tt.origin, err)
			}
			testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)
		})
	}

	if stats := env.Core.Registry().Stats(); stats.TotalConnections != 3 {
		t.Errorf("Expected 3 admitted connections, got %d", stats.TotalConnections)
	}
}

// TestWildcardOrigin verifies that "*" admits any origin, including none.
func TestWildcardOrigin(t *testing.T) {
	env := testhelpers.StartServer(t, testhelpers.WithConfig(func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"*"}
	}))

	for _, origin := range []string{"", "https://anything.example"} {
		conn, _, err := env.DialRaw(env.Token(t, "alice"), testhelpers.OriginHeader(origin))
		if err != nil {
			t.Fatalf("Origin %q rejected: %v", origin, err)
		}
		_ = conn.Close()
	}
}

// TestMessageSizeLimit checks that an oversized frame drops the sender and
// leaves no index entries behind.
func TestMessageSizeLimit(t *testing.T) {
	env := testhelpers.StartServer(t, testhelpers.WithConfig(func(cfg *config.Config) {
		cfg.Server.MaxMessageSize = 256
	}))

	conn, id := env.Dial(t, "alice")
	testhelpers.SendFrame(t, conn, "join_room", map[string]string{"roomId": "general"})
	testhelpers.ReadFrameOfType(t, conn, "room_joined")

	testhelpers.SendFrame(t, conn, "room_message", map[string]any{
		"roomId":  "general",
		"message": strings.Repeat("x", 512),
	})
	testhelpers.ExpectClose(t, conn, websocket.CloseMessageTooBig)

	testhelpers.WaitFor(t, 2*time.Second, "oversized sender removal", func() bool {
		_, ok := env.Core.Registry().Connection(id)
		return !ok && env.Core.Registry().Stats().TotalRooms == 0
	})
}

// TestAuthenticationFailures verifies that every rejected credential closes
// with 1008 and registers nothing.
func TestAuthenticationFailures(t *testing.T) {
	env := testhelpers.StartServer(t)

	tokens := map[string]string{
		"missing":   "",
		"expired":   testhelpers.MintToken(t, jwt.MapClaims{"userId": "alice", "exp": time.Now().Add(-time.Minute).Unix()}),
		"no expiry": testhelpers.MintToken(t, jwt.MapClaims{"userId": "alice"}),
		"no user":   testhelpers.MintToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Minute).Unix()}),
		"wrong key": signHS256(t, "some-other-secret", jwt.MapClaims{"userId": "alice", "exp": time.Now().Add(time.Minute).Unix()}),
		"garbage":   "definitely-not-a-token",
	}

	for name, token := range tokens {
		t.Run(name, func(t *testing.T) {
			conn, _, err := env.DialRaw(token, testhelpers.OriginHeader(testhelpers.TestOrigin))
			if err != nil {
				t.Fatalf("Expected upgrade before refusal, got %v", err)
			}
			defer func() { _ = conn.Close() }()
			testhelpers.ExpectClose(t, conn, websocket.ClosePolicyViolation)
		})
	}

	stats := env.Core.Registry().Stats()
	if stats.TotalConnections != 0 || stats.TotalUsers != 0 || stats.TotalRooms != 0 {
		t.Errorf("Refused handshakes left entries: %+v", stats)
	}
}

// TestRS256Authentication runs the gate with a public key and checks that
// tokens signed with another algorithm are refused.
func TestRS256Authentication(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "public.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("Failed to write public key: %v", err)
	}

	gate, err := auth.New("", path)
	if err != nil {
		t.Fatalf("Failed to create RS256 gate: %v", err)
	}
	env := testhelpers.StartServer(t, testhelpers.WithVerifier(gate))

	claims := jwt.MapClaims{"sub": "carol", "exp": time.Now().Add(time.Minute).Unix()}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	conn, _, err := env.DialRaw(signed, testhelpers.OriginHeader(testhelpers.TestOrigin))
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer func() { _ = conn.Close() }()
	welcome := testhelpers.ReadFrame(t, conn)
	id, _ := welcome["connectionId"].(string)
	if info, ok := env.Core.Registry().Connection(id); !ok || info.UserID != "carol" {
		t.Errorf("Expected carol to be registered, got %+v", info)
	}

	hs, _, err := env.DialRaw(env.Token(t, "mallory"), testhelpers.OriginHeader(testhelpers.TestOrigin))
	if err != nil {
		t.Fatalf("Expected upgrade before refusal, got %v", err)
	}
	defer func() { _ = hs.Close() }()
	testhelpers.ExpectClose(t, hs, websocket.ClosePolicyViolation)
}

// TestConnectionCapacity verifies that handshakes past max_connections are
// refused with 1013 and admitted again once a slot frees up.
func TestConnectionCapacity(t *testing.T) {
	env := testhelpers.StartServer(t, testhelpers.WithConfig(func(cfg *config.Config) {
		cfg.Server.MaxConnections = 2
	}))

	first, _ := env.Dial(t, "alice")
	env.Dial(t, "bob")

	over, _, err := env.DialRaw(env.Token(t, "carol"), testhelpers.OriginHeader(testhelpers.TestOrigin))
	if err != nil {
		t.Fatalf("Expected upgrade before refusal, got %v", err)
	}
	testhelpers.ExpectClose(t, over, websocket.CloseTryAgainLater)
	_ = over.Close()

	if err := testhelpers.CloseWebSocket(first); err != nil {
		t.Fatalf("Failed to close first client: %v", err)
	}
	testhelpers.WaitFor(t, 2*time.Second, "a free slot", func() bool {
		return env.Core.Registry().Stats().TotalConnections == 1
	})
	env.Dial(t, "carol")
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}
