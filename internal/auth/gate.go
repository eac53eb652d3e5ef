// Package auth verifies the bearer token presented on the websocket
// handshake and extracts the user id it was issued for.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrExpiredToken = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

// AuthError is returned for every rejected credential. Err is one of the
// sentinel errors above, so callers can use errors.Is.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "auth: " + e.Err.Error()
	}
	return fmt.Sprintf("auth: %v: %s", e.Err, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Verifier is the handshake-time credential check.
type Verifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// Gate verifies HS256 or RS256 signed JWTs.
type Gate struct {
	hmacSecret []byte
	publicKey  *rsa.PublicKey
	userClaim  string
}

// Option customises a Gate.
type Option func(*Gate)

// WithUserClaim names the claim holding the user id. "sub" is always tried
// as a fallback.
func WithUserClaim(claim string) Option {
	return func(g *Gate) {
		if claim != "" {
			g.userClaim = claim
		}
	}
}

// NewHS256Gate returns a Gate that accepts tokens signed with secret.
func NewHS256Gate(secret string, opts ...Option) (*Gate, error) {
	if secret == "" {
		return nil, errors.New("auth: empty HS256 secret")
	}
	g := &Gate{hmacSecret: []byte(secret), userClaim: "userId"}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// NewRS256Gate returns a Gate that accepts tokens signed by the private half
// of the PEM encoded public key at path.
func NewRS256Gate(path string, opts ...Option) (*Gate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	g := &Gate{publicKey: pub, userClaim: "userId"}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// New picks RS256 when publicKeyPath is set and HS256 otherwise.
func New(secret, publicKeyPath string, opts ...Option) (*Gate, error) {
	if publicKeyPath != "" {
		return NewRS256Gate(publicKeyPath, opts...)
	}
	return NewHS256Gate(secret, opts...)
}

// Verify checks the token signature and expiry and returns its user id.
func (g *Gate) Verify(ctx context.Context, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if token == "" {
		return "", &AuthError{Err: ErrMissingToken}
	}

	parsed, err := jwt.Parse(token, g.keyFunc,
		jwt.WithValidMethods(g.validMethods()),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", &AuthError{Err: ErrExpiredToken}
		}
		return "", &AuthError{Reason: err.Error(), Err: ErrInvalidToken}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", &AuthError{Reason: "unexpected claims", Err: ErrInvalidToken}
	}

	for _, key := range []string{g.userClaim, "sub"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", &AuthError{Reason: "no user claim", Err: ErrInvalidToken}
}

func (g *Gate) keyFunc(*jwt.Token) (any, error) {
	if g.publicKey != nil {
		return g.publicKey, nil
	}
	return g.hmacSecret, nil
}

func (g *Gate) validMethods() []string {
	if g.publicKey != nil {
		return []string{jwt.SigningMethodRS256.Alg()}
	}
	return []string{jwt.SigningMethodHS256.Alg()}
}

// TokenFromRequest returns the handshake credential: the "token" query
// parameter, or a bearer Authorization header when the query is empty.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
