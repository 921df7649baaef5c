// internal/auth/token.go
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/playsquad/playsquad/internal/apperr"
)

// TokenService signs and verifies the bearer tokens the HTTP surface and
// socket handshake accept. Identity is issued by the external account
// service; this side only needs the shared secret to verify "sub".
type TokenService struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
}

// NewTokenService builds a verifier/signer. ttl <= 0 means issued tokens
// never expire, which only makes sense in development.
func NewTokenService(secret, issuer, audience string, ttl time.Duration) *TokenService {
	return &TokenService{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
	}
}

// Create signs a token for userID. Used by tests and the dev login helper;
// production tokens come from the account service with the same secret.
func (s *TokenService) Create(userID uuid.UUID) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID.String(),
		"iss": s.issuer,
		"aud": s.audience,
		"iat": time.Now().Unix(),
	}
	if s.ttl > 0 {
		claims["exp"] = time.Now().Add(s.ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a token and returns its subject.
func (s *TokenService) Verify(tokenString string) (uuid.UUID, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.Authentication, err, "invalid token")
	}
	sub, err := t.Claims.GetSubject()
	if err != nil || sub == "" {
		return uuid.Nil, apperr.New(apperr.Authentication, "token has no subject")
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.Authentication, err, "token subject is not a user id")
	}
	return userID, nil
}

// String hides the secret from accidental logging.
func (s *TokenService) String() string {
	return fmt.Sprintf("TokenService{issuer: %s, audience: %s, ttl: %s}", s.issuer, s.audience, s.ttl)
}
