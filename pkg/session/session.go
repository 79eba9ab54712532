// Package session identifies the requesting principal of owner-facing
// requests from an HS256-signed bearer token whose subject is the principal.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidSession covers missing, malformed, expired and badly signed tokens.
var ErrInvalidSession = errors.New("invalid session")

// Verifier checks session tokens. It is safe for concurrent use.
type Verifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewVerifier returns a Verifier for tokens signed with secret. When issuer
// is non-empty the iss claim must match it.
func NewVerifier(secret []byte, issuer string) (*Verifier, error) {
	if len(secret) < 16 {
		return nil, errors.New("session secret must be at least 16 bytes")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Verifier{secret: secret, issuer: issuer, parser: jwt.NewParser(opts...)}, nil
}

// Principal returns the subject of a valid token.
func (v *Verifier) Principal(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidSession)
	}
	return claims.Subject, nil
}

// FromAuthorizationHeader extracts and verifies a "Bearer <token>" header.
func (v *Verifier) FromAuthorizationHeader(header string) (string, error) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: bearer token required", ErrInvalidSession)
	}
	return v.Principal(strings.TrimSpace(token))
}

// Sign issues a token for principal valid for ttl from now.
func Sign(secret []byte, issuer, principal string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   principal,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
