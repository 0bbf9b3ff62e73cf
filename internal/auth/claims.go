package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/glowdesk/salon-platform/internal/domain"
)

// TokenTypeAccess is the only token type minted as a JWT; refresh
// credentials are opaque and never JWTs.
const TokenTypeAccess = "access"

// Claims represents the JWT claims for access tokens.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string         `json:"sid"`
	Surface   domain.Surface `json:"surface"`
	TokenType string         `json:"token_type"`
}
