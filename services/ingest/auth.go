package ingest

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	tokenIssuer = "evidenced-ingest"
	tokenTTL    = 24 * time.Hour
)

// TokenTTLSeconds is the advertised token lifetime for login responses.
const TokenTTLSeconds = int(tokenTTL / time.Second)

// Claims is the token payload: a scope string on top of the registered
// claim set (subject, issuer, issued-at, expiry).
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Gate verifies the shared secret and issues and verifies signed tokens.
// It is stateless beyond the secret and signing key.
//
// An empty shared secret puts the gate in development mode: VerifySecret
// accepts every candidate. That must never be the configuration of a
// hardened deployment; the server logs it loudly at startup.
type Gate struct {
	secret     string
	signingKey []byte
}

// NewGate builds a gate for the given shared secret and signing key. An
// empty signing key is replaced with a random one, which invalidates
// outstanding tokens across restarts.
func NewGate(secret string, signingKey []byte) (*Gate, error) {
	if len(signingKey) == 0 {
		signingKey = make([]byte, 32)
		if _, err := rand.Read(signingKey); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}
	return &Gate{secret: secret, signingKey: signingKey}, nil
}

// DevMode reports whether the gate accepts every secret because none is
// configured.
func (g *Gate) DevMode() bool { return g.secret == "" }

// VerifySecret compares candidate against the configured secret in constant
// time. With no secret configured it permits all candidates (see DevMode).
func (g *Gate) VerifySecret(candidate string) bool {
	if g.secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(g.secret)) == 1
}

// IssueToken signs a token for subject with the given scope, valid for 24
// hours from issuance.
func (g *Gate) IssueToken(subject, scope string) (string, error) {
	now := time.Now()
	claims := Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates signature and expiry. Expired and malformed tokens
// are indistinguishable to the caller: both report invalid.
func (g *Gate) VerifyToken(tokenString string) (*Claims, bool) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.signingKey, nil
	})
	if err != nil || !token.Valid {
		return nil, false
	}
	return claims, true
}
