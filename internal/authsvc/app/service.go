// Package app orchestrates the authentication flows: OTP challenge
// initiation, resend, and verification, refresh token rotation, and logout.
// Storage, SMS, and rate limiting are reached through the narrow interfaces
// defined here; adapters implement them.
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/glowdesk/salon-platform/internal/auth"
	"github.com/glowdesk/salon-platform/internal/domain"
)

var tracer = otel.Tracer("authsvc/app")

var (
	otpChallengesTotal      metric.Int64Counter
	otpResendsTotal         metric.Int64Counter
	tokenMintedTotal        metric.Int64Counter
	sessionCreatedTotal     metric.Int64Counter
	authFailuresTotal       metric.Int64Counter
	rateLimitsTotal         metric.Int64Counter
	sessionRevocationsTotal metric.Int64Counter
)

func init() {
	m := otel.Meter("authsvc/app")

	otpChallengesTotal, _ = m.Int64Counter("auth_otp_challenges_total",
		metric.WithDescription("Total OTP challenges created"))
	otpResendsTotal, _ = m.Int64Counter("auth_otp_resends_total",
		metric.WithDescription("Total OTP challenge resends"))
	tokenMintedTotal, _ = m.Int64Counter("auth_token_minted_total",
		metric.WithDescription("Total access tokens minted"))
	sessionCreatedTotal, _ = m.Int64Counter("auth_session_created_total",
		metric.WithDescription("Total sessions created"))
	authFailuresTotal, _ = m.Int64Counter("security_auth_failures_total",
		metric.WithDescription("Total authentication failures"))
	rateLimitsTotal, _ = m.Int64Counter("security_rate_limits_total",
		metric.WithDescription("Total rate limit hits"))
	sessionRevocationsTotal, _ = m.Int64Counter("security_session_revocations_total",
		metric.WithDescription("Total session revocations"))
}

// ChallengeRecord represents an OTP challenge stored in the challenges table.
// Structurally mirrors the adapter record; the wiring layer converts between them.
type ChallengeRecord struct {
	ChallengeID string
	Phone       string
	Surface     string
	OTPMAC      string
	CreatedAt   string
	ExpiresAt   string
	Attempts    int
	MaxAttempts int
	ResendCount int
	Status      string
	LockReason  string
	IP          string
	UserAgent   string
	TTL         int64
}

// SessionRecord represents a login session stored in the sessions table.
type SessionRecord struct {
	SessionID     string
	UserID        string
	Surface       string
	IsActive      bool
	CreatedAt     string
	CreatedByIP   string
	UserAgent     string
	RevokedAt     string
	RevokedReason string
	LastUsedAt    string
	TTL           int64
}

// RefreshTokenRecord represents a refresh token credential, keyed by the
// one-way digest of its opaque secret. The plaintext secret is never stored.
type RefreshTokenRecord struct {
	TokenDigest      string
	TokenID          string
	UserID           string
	SessionID        string
	Surface          string
	CreatedAt        string
	ExpiresAt        string
	RevokedAt        string
	RevokedReason    string
	ReplacedByDigest string
	CreatedByIP      string
	TTL              int64
}

// UserRecord represents an application user stored in the users table.
type UserRecord struct {
	UserID    string
	Phone     string
	Role      string
	TenantID  string
	IsActive  bool
	CreatedAt string
	UpdatedAt string
}

// TenantRecord represents a salon tenant stored in the tenants table.
type TenantRecord struct {
	TenantID    string
	OwnerUserID string
	Name        string
	Status      string
	CreatedAt   string
}

// ChallengeMeta carries request metadata recorded on a challenge.
type ChallengeMeta struct {
	IP        string
	UserAgent string
}

// OwnerProvisioningParams holds the inputs for the transactional first-login
// owner provisioning: user, phone-uniqueness sentinel, and tenant.
type OwnerProvisioningParams struct {
	User   UserRecord
	Tenant TenantRecord
}

// SessionIssueParams holds the inputs for the transactional session issue:
// the session and its first refresh token are created together or not at all.
type SessionIssueParams struct {
	Session SessionRecord
	Token   RefreshTokenRecord
}

// TokenRotationParams holds the inputs for the transactional rotation:
// the old token is revoked (reason "rotated", linked to its successor) in
// the same transaction that creates the new token.
type TokenRotationParams struct {
	OldDigest string
	RevokedAt string
	NewToken  RefreshTokenRecord
}

// ChallengeStore persists and mutates OTP challenges. Every mutation is a
// storage-level conditional update keyed on the record's current state.
type ChallengeStore interface {
	// Create stores a new challenge. Fails ErrAlreadyExists on ID collision.
	Create(ctx context.Context, record ChallengeRecord) error

	// Get retrieves a challenge by ID. Fails ErrNotFound if absent.
	Get(ctx context.Context, challengeID string) (*ChallengeRecord, error)

	// Reissue replaces the MAC and expiry and increments resend_count,
	// conditional on status=active and resend_count below the given cap.
	Reissue(ctx context.Context, challengeID, otpMAC, expiresAt string, ttl int64, maxResends int) error

	// RecordAttempt atomically increments attempts, conditional on
	// status=active and attempts below the record's own max_attempts.
	// Returns the post-increment attempt count.
	RecordAttempt(ctx context.Context, challengeID string) (int, error)

	// Lock transitions active -> locked with the given reason.
	Lock(ctx context.Context, challengeID, reason string) error

	// Consume transitions active -> used. Of two racing calls exactly one
	// succeeds; the loser observes a conditional failure.
	Consume(ctx context.Context, challengeID string) error
}

// SessionStore persists and mutates login sessions. Creation goes through
// the AuthTransactor together with the first refresh token.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*SessionRecord, error)

	// Revoke transitions is_active true -> false, stamping revoked_at and
	// the reason. Fails ErrSessionRevoked if already inactive.
	Revoke(ctx context.Context, sessionID, reason, revokedAt string) error

	// Touch updates last_used_at and extends the session's expiry horizon
	// to ttl (unix seconds), so a session kept alive by refreshes outlives
	// the expiry stamped at issue time.
	Touch(ctx context.Context, sessionID, lastUsedAt string, ttl int64) error
}

// RefreshTokenStore retrieves and revokes refresh token credentials.
// Creation and rotation go through the AuthTransactor.
type RefreshTokenStore interface {
	GetByDigest(ctx context.Context, digest string) (*RefreshTokenRecord, error)

	// Revoke stamps revoked_at and the reason, conditional on the token
	// not already being revoked.
	Revoke(ctx context.Context, digest, reason, revokedAt string) error
}

// UserStore persists and retrieves application user records.
type UserStore interface {
	GetByID(ctx context.Context, userID string) (*UserRecord, error)
	FindByPhone(ctx context.Context, phone string) (*UserRecord, error)

	// SetTenant assigns a tenant to an existing user.
	SetTenant(ctx context.Context, userID, tenantID, updatedAt string) error
}

// TenantStore persists and retrieves salon tenant records.
type TenantStore interface {
	Get(ctx context.Context, tenantID string) (*TenantRecord, error)

	// Create stores a new tenant. Fails ErrAlreadyExists if present.
	Create(ctx context.Context, record TenantRecord) error
}

// AuthTransactor executes multi-item DynamoDB transactions for auth flows.
type AuthTransactor interface {
	// CreateOwnerWithTenant provisions a new salon owner: user record,
	// phone-uniqueness sentinel, and tenant in one transaction.
	// Fails ErrAlreadyExists if the phone is already taken.
	CreateOwnerWithTenant(ctx context.Context, params OwnerProvisioningParams) error

	// IssueSession creates a session and its first refresh token together.
	IssueSession(ctx context.Context, params SessionIssueParams) error

	// RotateRefreshToken revokes the old token (linked to its successor)
	// and creates the new one atomically. Fails ErrInvalidRefreshToken if
	// the old token was already revoked when the transaction ran.
	RotateRefreshToken(ctx context.Context, params TokenRotationParams) error
}

// RateLimiter checks and enforces fixed-window rate limits.
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, key string, limit, windowSeconds int) (bool, error)
}

// InitiateOTPResult is returned by InitiateOTP and ResendOTP on success.
type InitiateOTPResult struct {
	ChallengeID string
	ExpiresAt   time.Time
	ExpiresIn   time.Duration
}

// VerifyOTPResult is returned by VerifyOTP on success.
type VerifyOTPResult struct {
	User              UserRecord
	SessionID         string
	AccessToken       string
	RefreshToken      string
	AccessTokenExpiry time.Time
	IsNewUser         bool
}

// RefreshResult is returned by RefreshTokens on success.
type RefreshResult struct {
	User              UserRecord
	SessionID         string
	AccessToken       string
	RefreshToken      string
	AccessTokenExpiry time.Time
}

// OTPPolicy holds the challenge lifecycle limits.
type OTPPolicy struct {
	TTL         time.Duration
	MaxAttempts int
	MaxResends  int
}

// AuthServiceConfig holds the dependencies for AuthService.
type AuthServiceConfig struct {
	Challenges    ChallengeStore
	Sessions      SessionStore
	RefreshTokens RefreshTokenStore
	Users         UserStore
	Transactor    AuthTransactor
	RateLimiter   RateLimiter
	Resolvers     map[domain.Surface]SurfaceResolver
	SMSProvider   auth.SMSProvider
	Minter        *auth.Minter
	Clock         domain.Clock
	Pepper        []byte
	OTPPolicy     OTPPolicy
	RefreshTTLs   map[domain.Surface]time.Duration
	Logger        *slog.Logger
}

// AuthService orchestrates the five auth operations: InitiateOTP, ResendOTP,
// VerifyOTP, RefreshTokens, and Logout, each scoped to a surface.
type AuthService struct {
	challenges    ChallengeStore
	sessions      SessionStore
	refreshTokens RefreshTokenStore
	users         UserStore
	transactor    AuthTransactor
	rateLimiter   RateLimiter
	resolvers     map[domain.Surface]SurfaceResolver
	smsProvider   auth.SMSProvider
	minter        *auth.Minter
	clock         domain.Clock
	pepper        []byte
	otpPolicy     OTPPolicy
	refreshTTLs   map[domain.Surface]time.Duration
	logger        *slog.Logger
	bgWG          sync.WaitGroup // owns background goroutines (SMS sends)
}

// NewAuthService creates a new AuthService with the given dependencies.
func NewAuthService(cfg AuthServiceConfig) *AuthService {
	return &AuthService{
		challenges:    cfg.Challenges,
		sessions:      cfg.Sessions,
		refreshTokens: cfg.RefreshTokens,
		users:         cfg.Users,
		transactor:    cfg.Transactor,
		rateLimiter:   cfg.RateLimiter,
		resolvers:     cfg.Resolvers,
		smsProvider:   cfg.SMSProvider,
		minter:        cfg.Minter,
		clock:         cfg.Clock,
		pepper:        cfg.Pepper,
		otpPolicy:     cfg.OTPPolicy,
		refreshTTLs:   cfg.RefreshTTLs,
		logger:        cfg.Logger,
	}
}

// refreshTTL returns the refresh token lifetime for the given surface.
func (s *AuthService) refreshTTL(surface domain.Surface) time.Duration {
	if ttl, ok := s.refreshTTLs[surface]; ok && ttl > 0 {
		return ttl
	}
	return domain.DefaultRefreshTokenTTL
}

// resolver returns the policy resolver for the given surface.
func (s *AuthService) resolver(surface domain.Surface) (SurfaceResolver, error) {
	r, ok := s.resolvers[surface]
	if !ok {
		return nil, domain.ErrInvalidSurface
	}
	return r, nil
}

// Wait blocks until all background goroutines owned by this service complete.
// The caller (wiring layer) must invoke this during graceful shutdown to
// satisfy the goroutine ownership contract.
func (s *AuthService) Wait() {
	s.bgWG.Wait()
}
