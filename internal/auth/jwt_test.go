package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/punchamoorthee/bookescrow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestGenerateAndParse(t *testing.T) {
	tok, err := GenerateJWT(secret, "alice", time.Hour)
	require.NoError(t, err)

	claims, err := ParseJWT(secret, tok)
	require.NoError(t, err)
	assert.Equal(t, domain.Identity("alice"), claims.Identity())
	assert.Equal(t, issuer, claims.Issuer)
}

func TestParseRejects(t *testing.T) {
	good, err := GenerateJWT(secret, "alice", time.Hour)
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	expiredStr, err := expired.SignedString([]byte(secret))
	require.NoError(t, err)

	vault := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{jwt.RegisteredClaims{
		Subject: domain.CustodialPrefix + "abc",
		Issuer:  issuer,
	}})
	vaultStr, err := vault.SignedString([]byte(secret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		token  string
	}{
		{"Wrong secret", "other", good},
		{"Garbage", secret, "not.a.token"},
		{"Expired", secret, expiredStr},
		{"Custodial subject", secret, vaultStr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJWT(tt.secret, tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err = GenerateJWT(secret, "", time.Hour)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
