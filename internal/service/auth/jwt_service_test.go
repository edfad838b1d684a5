package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/phrazzld/genflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "thisisaverylongsecretkeyfortestingjwts"

func newTestService(t *testing.T, now func() time.Time) *hmacJWTService {
	t.Helper()
	s, err := newHMACService(config.AuthConfig{JWTSecret: testSecret, TokenLifetime: time.Hour}, now)
	require.NoError(t, err)
	return s
}

func TestNewJWTService_RejectsShortSecret(t *testing.T) {
	t.Parallel()
	_, err := NewJWTService(config.AuthConfig{JWTSecret: "short"})
	assert.Error(t, err)
}

func TestGenerateAndValidate(t *testing.T) {
	t.Parallel()
	s := newTestService(t, time.Now)
	ctx := context.Background()

	token, err := s.GenerateToken(ctx, "owner-42")
	require.NoError(t, err)

	claims, err := s.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "owner-42", claims.OwnerID)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)
}

func TestGenerateToken_RequiresOwner(t *testing.T) {
	t.Parallel()
	s := newTestService(t, time.Now)
	_, err := s.GenerateToken(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrMissingSubject)
}

func TestValidateToken_Failures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuedAt := time.Now().Add(-3 * time.Hour)

	past := newTestService(t, func() time.Time { return issuedAt })
	expired, err := past.GenerateToken(ctx, "owner")
	require.NoError(t, err)

	s := newTestService(t, time.Now)
	valid, err := s.GenerateToken(ctx, "owner")
	require.NoError(t, err)

	other, err := newHMACService(config.AuthConfig{JWTSecret: strings.Repeat("x", 40)}, time.Now)
	require.NoError(t, err)
	foreign, err := other.GenerateToken(ctx, "owner")
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: "", want: ErrMissingToken},
		{name: "malformed", token: "not.a.jwt", want: ErrInvalidToken},
		{name: "expired", token: expired, want: ErrExpiredToken},
		{name: "wrong key", token: foreign, want: ErrInvalidToken},
		{name: "tampered", token: valid[:strings.LastIndex(valid, ".")] + foreign[strings.LastIndex(foreign, "."):], want: ErrInvalidToken},
		{name: "no subject", token: noSubject, want: ErrMissingSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := s.ValidateToken(ctx, tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidateToken_RejectsOtherAlgorithms(t *testing.T) {
	t.Parallel()
	s := newTestService(t, time.Now)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "owner",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = s.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
