package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/glowdesk/salon-platform/internal/domain"
)

// MintResult holds the result of minting an access token.
type MintResult struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// Minter creates signed JWT access tokens. Access tokens are stateless and
// cannot be revoked before natural expiry, so per-surface TTLs are kept short;
// session revocation is the actual point of control.
type Minter struct {
	keyStore   KeyStore
	accessTTLs map[domain.Surface]time.Duration
	issuer     string
	audience   string
	clock      domain.Clock
}

// MinterConfig holds configuration for creating a Minter.
type MinterConfig struct {
	KeyStore KeyStore
	// AccessTTLs maps each surface to its access token lifetime.
	// Surfaces absent from the map fall back to domain.DefaultAccessTokenTTL.
	AccessTTLs map[domain.Surface]time.Duration
	Issuer     string
	Audience   string
	Clock      domain.Clock
}

// NewMinter creates a new JWT minter.
func NewMinter(cfg MinterConfig) *Minter {
	return &Minter{
		keyStore:   cfg.KeyStore,
		accessTTLs: cfg.AccessTTLs,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		clock:      cfg.Clock,
	}
}

// AccessTTL returns the access token lifetime for the given surface.
func (m *Minter) AccessTTL(surface domain.Surface) time.Duration {
	if ttl, ok := m.accessTTLs[surface]; ok && ttl > 0 {
		return ttl
	}
	return domain.DefaultAccessTokenTTL
}

// MintAccessToken creates a signed RS256 JWT access token bound to the given
// user, session, and surface. Returns the signed token string, JTI, and expiry.
func (m *Minter) MintAccessToken(userID, sessionID string, surface domain.Surface) (MintResult, error) {
	privateKey, keyID, err := m.keyStore.SigningKey()
	if err != nil {
		return MintResult{}, fmt.Errorf("get signing key: %w", err)
	}

	now := m.clock.Now().UTC()
	jti := uuid.NewString()
	expiresAt := now.Add(m.AccessTTL(surface))

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		SessionID: sessionID,
		Surface:   surface,
		TokenType: TokenTypeAccess,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &claims)
	token.Header["kid"] = keyID

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return MintResult{}, fmt.Errorf("sign access token: %w", err)
	}

	return MintResult{
		Token:     signed,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}
