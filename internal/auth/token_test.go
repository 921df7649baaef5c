// internal/auth/token_test.go
package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playsquad/playsquad/internal/apperr"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewTokenService("secret", "playsquad", "playsquad-clients", time.Hour)
	uid := uuid.New()

	token, err := svc.Create(uid)
	require.NoError(t, err)

	got, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, uid, got)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	a := NewTokenService("secret-a", "playsquad", "playsquad-clients", time.Hour)
	b := NewTokenService("secret-b", "playsquad", "playsquad-clients", time.Hour)

	token, err := a.Create(uuid.New())
	require.NoError(t, err)

	_, err = b.Verify(token)
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err))
}

func TestVerifyRejectsExpired(t *testing.T) {
	svc := NewTokenService("secret", "playsquad", "playsquad-clients", -time.Minute)
	token, err := svc.Create(uuid.New())
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err))
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	issuer := NewTokenService("secret", "someone-else", "playsquad-clients", time.Hour)
	verifier := NewTokenService("secret", "playsquad", "playsquad-clients", time.Hour)

	token, err := issuer.Create(uuid.New())
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err))
}

func TestVerifyRejectsGarbage(t *testing.T) {
	svc := NewTokenService("secret", "playsquad", "playsquad-clients", time.Hour)
	_, err := svc.Verify("not-a-token")
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err))
}
