// Package auth verifies and mints the HS256 tokens monitors present when
// joining the monitor pool or calling monitor endpoints.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tbourn/go-crisis-chat/internal/config"
)

var (
	ErrMissingToken    = errors.New("auth: missing token")
	ErrInvalidToken    = errors.New("auth: invalid token")
	ErrSubjectMismatch = errors.New("auth: token subject does not match monitor id")
	ErrDisabled        = errors.New("auth: no signing secret configured")
)

// TokenManager signs and verifies monitor tokens with a shared secret.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager builds a manager from cfg. An empty secret yields a
// manager that rejects every token.
func NewTokenManager(cfg config.AuthConfig) *TokenManager {
	return &TokenManager{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		ttl:    cfg.TokenTTL,
		now:    time.Now,
	}
}

// Issue mints a token whose subject is monitorID.
func (m *TokenManager) Issue(monitorID string) (string, error) {
	if len(m.secret) == 0 {
		return "", ErrDisabled
	}
	now := m.now()
	claims := jwt.RegisteredClaims{
		Subject:   monitorID,
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Enabled reports whether a signing secret is configured. A disabled manager
// rejects every token and issues none.
func (m *TokenManager) Enabled() bool { return len(m.secret) > 0 }

// Parse validates signature, algorithm, expiry and issuer, and returns the
// claims.
func (m *TokenManager) Parse(token string) (jwt.RegisteredClaims, error) {
	var claims jwt.RegisteredClaims
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return claims, ErrMissingToken
	}
	if len(m.secret) == 0 {
		return claims, ErrDisabled
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return claims, ErrInvalidToken
	}
	if claims.Subject == "" {
		return claims, ErrInvalidToken
	}
	return claims, nil
}

// VerifyMonitor checks that token is valid and was issued to monitorID.
func (m *TokenManager) VerifyMonitor(token, monitorID string) error {
	claims, err := m.Parse(token)
	if err != nil {
		return err
	}
	if claims.Subject != monitorID {
		return ErrSubjectMismatch
	}
	return nil
}

// Subject validates token and returns the monitor id it was issued to.
func (m *TokenManager) Subject(token string) (string, error) {
	claims, err := m.Parse(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
