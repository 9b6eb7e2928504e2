package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJWTConfig() JWTConfig {
	return JWTConfig{
		Secret:         []byte("test-secret-key-32-bytes-long!!"),
		AccessTokenTTL: 15 * time.Minute,
	}
}

func TestGenerateAndValidateAccessToken(t *testing.T) {
	cfg := testJWTConfig()

	token, ttl, err := GenerateAccessToken(cfg, "user-1", "alice", []string{"writer"})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, int64(900), ttl)

	claims, err := ValidateAccessToken(cfg, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.True(t, claims.HasRole("writer"))
	assert.False(t, claims.HasRole("admin"))
}

func TestValidateAccessToken_Errors(t *testing.T) {
	cfg := testJWTConfig()

	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{
			name:  "garbage",
			token: func(t *testing.T) string { return "not-a-token" },
		},
		{
			name: "wrong secret",
			token: func(t *testing.T) string {
				other := cfg
				other.Secret = []byte("another-secret")
				tok, _, err := GenerateAccessToken(other, "u", "n", nil)
				require.NoError(t, err)
				return tok
			},
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				expired := cfg
				expired.AccessTokenTTL = -time.Minute
				tok, _, err := GenerateAccessToken(expired, "u", "n", nil)
				require.NoError(t, err)
				return tok
			},
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T) string {
				claims := Claims{
					UserID: "u",
					RegisteredClaims: jwt.RegisteredClaims{
						Issuer:    "someone-else",
						ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
					},
				}
				tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
				require.NoError(t, err)
				return tok
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateAccessToken(cfg, tt.token(t))
			assert.Error(t, err)
		})
	}
}
