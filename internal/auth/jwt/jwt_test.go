package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoylab/beacon/internal/common/config"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(config.JWTConfig{Duration: time.Hour})
	assert.ErrorIs(t, err, ErrEmptySecretKey)
	_, err = NewService(config.JWTConfig{SecretKey: "short", Duration: time.Hour})
	assert.ErrorIs(t, err, ErrWeakSecretKey)
	_, err = NewService(config.JWTConfig{SecretKey: secret})
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestService_GenerateAndValidate(t *testing.T) {
	s, err := NewService(config.JWTConfig{SecretKey: secret, Duration: time.Hour})
	require.NoError(t, err)

	tok, err := s.GenerateToken("billing")
	require.NoError(t, err)
	claims, err := s.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "billing", claims.Service)
	assert.Equal(t, "billing", claims.Subject)
}

func TestService_Rejects(t *testing.T) {
	s, err := NewService(config.JWTConfig{SecretKey: secret, Duration: time.Hour})
	require.NoError(t, err)

	_, err = s.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewService(config.JWTConfig{SecretKey: secret + "x", Duration: time.Hour})
	require.NoError(t, err)
	tok, err := other.GenerateToken("billing")
	require.NoError(t, err)
	_, err = s.ValidateToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// same key, foreign issuer
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Service: "billing",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = s.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Service: "billing",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = s.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
