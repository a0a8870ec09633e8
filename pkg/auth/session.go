package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// CookieName is the session cookie set after login.
	CookieName = "board_session"
	issuer     = "axon-board"
)

// ErrInvalidSession is returned for missing, malformed or expired sessions.
var ErrInvalidSession = errors.New("invalid session")

// Sessions issues and verifies signed session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	secure bool
}

// RandomSecret returns a fresh base64 secret for processes started without
// SESSION_SECRET. Sessions then do not survive a restart.
func RandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session secret: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(b), nil
}

// NewSessions creates a session issuer. secure marks cookies HTTPS-only.
func NewSessions(secret string, ttl time.Duration, secure bool) (*Sessions, error) {
	if secret == "" {
		return nil, errors.New("session secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, now: time.Now, secure: secure}, nil
}

// Issue signs a session for principal.
func (s *Sessions) Issue(principal string) (token string, expires time.Time, err error) {
	now := s.now()
	expires = now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   principal,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.New().String(),
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return token, expires, nil
}

// Verify returns the principal of a valid token.
func (s *Sessions) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidSession
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidSession)
	}
	return claims.Subject, nil
}

// SetCookie issues a session for principal and stores it on the response.
func (s *Sessions) SetCookie(c *gin.Context, principal string) error {
	token, expires, err := s.Issue(principal)
	if err != nil {
		return err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, token, int(time.Until(expires).Seconds()), "/", "", s.secure, true)
	return nil
}

// ClearCookie removes the session cookie.
func (s *Sessions) ClearCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, "", -1, "/", "", s.secure, true)
}

// FromRequest returns the principal of the request's session cookie.
func (s *Sessions) FromRequest(c *gin.Context) (string, error) {
	token, err := c.Cookie(CookieName)
	if err != nil {
		return "", ErrInvalidSession
	}
	return s.Verify(token)
}
