// Package auth verifies bearer tokens and identifies the owner a request
// acts for. Tokens are issued elsewhere; GenerateToken exists for local
// development and tests.
package auth

import (
	"context"
	"time"
)

// JWTService defines operations for JWT authentication tokens.
type JWTService interface {
	// GenerateToken creates a signed token whose subject is ownerID.
	GenerateToken(ctx context.Context, ownerID string) (string, error)

	// ValidateToken validates the token string and returns its claims.
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims are the verified fields of a token.
type Claims struct {
	// OwnerID is the token subject.
	OwnerID   string    `json:"sub,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
	ID        string    `json:"jti,omitempty"`
}
