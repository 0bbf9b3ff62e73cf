package app_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/glowdesk/salon-platform/internal/auth"
	"github.com/glowdesk/salon-platform/internal/authsvc/app"
	"github.com/glowdesk/salon-platform/internal/domain"
	"github.com/glowdesk/salon-platform/internal/domain/domaintest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testPepper = []byte("test-pepper-32-bytes-long-ok!!")

var testStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

const (
	testAdminPhone    = "+15550000001"
	testOwnerPhone    = "+15550000002"
	testEmployeePhone = "+15550000003"
	testChallengeID   = "3f1c9a52-88aa-4b92-9d3e-6a2f41c70b11"
	testOTP           = "123456"
)

// stubChallengeStore implements app.ChallengeStore with function fields.
type stubChallengeStore struct {
	createFn        func(ctx context.Context, record app.ChallengeRecord) error
	getFn           func(ctx context.Context, challengeID string) (*app.ChallengeRecord, error)
	reissueFn       func(ctx context.Context, challengeID, otpMAC, expiresAt string, ttl int64, maxResends int) error
	recordAttemptFn func(ctx context.Context, challengeID string) (int, error)
	lockFn          func(ctx context.Context, challengeID, reason string) error
	consumeFn       func(ctx context.Context, challengeID string) error
}

func (s *stubChallengeStore) Create(ctx context.Context, record app.ChallengeRecord) error {
	if s.createFn != nil {
		return s.createFn(ctx, record)
	}
	return nil
}

func (s *stubChallengeStore) Get(ctx context.Context, challengeID string) (*app.ChallengeRecord, error) {
	if s.getFn != nil {
		return s.getFn(ctx, challengeID)
	}
	return nil, domain.ErrNotFound
}

func (s *stubChallengeStore) Reissue(ctx context.Context, challengeID, otpMAC, expiresAt string, ttl int64, maxResends int) error {
	if s.reissueFn != nil {
		return s.reissueFn(ctx, challengeID, otpMAC, expiresAt, ttl, maxResends)
	}
	return nil
}

func (s *stubChallengeStore) RecordAttempt(ctx context.Context, challengeID string) (int, error) {
	if s.recordAttemptFn != nil {
		return s.recordAttemptFn(ctx, challengeID)
	}
	return 1, nil
}

func (s *stubChallengeStore) Lock(ctx context.Context, challengeID, reason string) error {
	if s.lockFn != nil {
		return s.lockFn(ctx, challengeID, reason)
	}
	return nil
}

func (s *stubChallengeStore) Consume(ctx context.Context, challengeID string) error {
	if s.consumeFn != nil {
		return s.consumeFn(ctx, challengeID)
	}
	return nil
}

// stubSessionStore implements app.SessionStore with function fields.
type stubSessionStore struct {
	getFn    func(ctx context.Context, sessionID string) (*app.SessionRecord, error)
	revokeFn func(ctx context.Context, sessionID, reason, revokedAt string) error
	touchFn  func(ctx context.Context, sessionID, lastUsedAt string, ttl int64) error
}

func (s *stubSessionStore) Get(ctx context.Context, sessionID string) (*app.SessionRecord, error) {
	if s.getFn != nil {
		return s.getFn(ctx, sessionID)
	}
	return nil, domain.ErrNotFound
}

func (s *stubSessionStore) Revoke(ctx context.Context, sessionID, reason, revokedAt string) error {
	if s.revokeFn != nil {
		return s.revokeFn(ctx, sessionID, reason, revokedAt)
	}
	return nil
}

func (s *stubSessionStore) Touch(ctx context.Context, sessionID, lastUsedAt string, ttl int64) error {
	if s.touchFn != nil {
		return s.touchFn(ctx, sessionID, lastUsedAt, ttl)
	}
	return nil
}

// stubRefreshTokenStore implements app.RefreshTokenStore with function fields.
type stubRefreshTokenStore struct {
	getByDigestFn func(ctx context.Context, digest string) (*app.RefreshTokenRecord, error)
	revokeFn      func(ctx context.Context, digest, reason, revokedAt string) error
}

func (s *stubRefreshTokenStore) GetByDigest(ctx context.Context, digest string) (*app.RefreshTokenRecord, error) {
	if s.getByDigestFn != nil {
		return s.getByDigestFn(ctx, digest)
	}
	return nil, domain.ErrNotFound
}

func (s *stubRefreshTokenStore) Revoke(ctx context.Context, digest, reason, revokedAt string) error {
	if s.revokeFn != nil {
		return s.revokeFn(ctx, digest, reason, revokedAt)
	}
	return nil
}

// stubUserStore implements app.UserStore with function fields.
type stubUserStore struct {
	getByIDFn     func(ctx context.Context, userID string) (*app.UserRecord, error)
	findByPhoneFn func(ctx context.Context, phone string) (*app.UserRecord, error)
	setTenantFn   func(ctx context.Context, userID, tenantID, updatedAt string) error
}

func (s *stubUserStore) GetByID(ctx context.Context, userID string) (*app.UserRecord, error) {
	if s.getByIDFn != nil {
		return s.getByIDFn(ctx, userID)
	}
	return nil, domain.ErrNotFound
}

func (s *stubUserStore) FindByPhone(ctx context.Context, phone string) (*app.UserRecord, error) {
	if s.findByPhoneFn != nil {
		return s.findByPhoneFn(ctx, phone)
	}
	return nil, domain.ErrNotFound
}

func (s *stubUserStore) SetTenant(ctx context.Context, userID, tenantID, updatedAt string) error {
	if s.setTenantFn != nil {
		return s.setTenantFn(ctx, userID, tenantID, updatedAt)
	}
	return nil
}

// stubTenantStore implements app.TenantStore with function fields.
type stubTenantStore struct {
	getFn    func(ctx context.Context, tenantID string) (*app.TenantRecord, error)
	createFn func(ctx context.Context, record app.TenantRecord) error
}

func (s *stubTenantStore) Get(ctx context.Context, tenantID string) (*app.TenantRecord, error) {
	if s.getFn != nil {
		return s.getFn(ctx, tenantID)
	}
	return nil, domain.ErrNotFound
}

func (s *stubTenantStore) Create(ctx context.Context, record app.TenantRecord) error {
	if s.createFn != nil {
		return s.createFn(ctx, record)
	}
	return nil
}

// stubTransactor implements app.AuthTransactor with function fields.
type stubTransactor struct {
	createOwnerWithTenantFn func(ctx context.Context, params app.OwnerProvisioningParams) error
	issueSessionFn          func(ctx context.Context, params app.SessionIssueParams) error
	rotateRefreshTokenFn    func(ctx context.Context, params app.TokenRotationParams) error
}

func (s *stubTransactor) CreateOwnerWithTenant(ctx context.Context, params app.OwnerProvisioningParams) error {
	if s.createOwnerWithTenantFn != nil {
		return s.createOwnerWithTenantFn(ctx, params)
	}
	return nil
}

func (s *stubTransactor) IssueSession(ctx context.Context, params app.SessionIssueParams) error {
	if s.issueSessionFn != nil {
		return s.issueSessionFn(ctx, params)
	}
	return nil
}

func (s *stubTransactor) RotateRefreshToken(ctx context.Context, params app.TokenRotationParams) error {
	if s.rotateRefreshTokenFn != nil {
		return s.rotateRefreshTokenFn(ctx, params)
	}
	return nil
}

// stubRateLimiter implements app.RateLimiter with a function field.
type stubRateLimiter struct {
	checkAndIncrementFn func(ctx context.Context, key string, limit, windowSeconds int) (bool, error)
}

func (s *stubRateLimiter) CheckAndIncrement(ctx context.Context, key string, limit, windowSeconds int) (bool, error) {
	if s.checkAndIncrementFn != nil {
		return s.checkAndIncrementFn(ctx, key, limit, windowSeconds)
	}
	return true, nil
}

// stubSMSProvider implements auth.SMSProvider with a function field.
type stubSMSProvider struct {
	sendOTPFn func(ctx context.Context, phone, otp string) error
}

func (s *stubSMSProvider) SendOTP(ctx context.Context, phone, otp string) error {
	if s.sendOTPFn != nil {
		return s.sendOTPFn(ctx, phone, otp)
	}
	return nil
}

// testHarness holds all stubs and the constructed AuthService for a test.
type testHarness struct {
	svc           *app.AuthService
	clock         *domaintest.FakeClock
	challenges    *stubChallengeStore
	sessions      *stubSessionStore
	refreshTokens *stubRefreshTokenStore
	users         *stubUserStore
	tenants       *stubTenantStore
	transactor    *stubTransactor
	rateLimiter   *stubRateLimiter
	smsProvider   *stubSMSProvider
	minter        *auth.Minter
	validator     *auth.Validator
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keyStore := auth.NewStaticKeyStore(key, "test-key-001")
	clock := domaintest.NewFakeClock(testStart)

	minter := auth.NewMinter(auth.MinterConfig{
		KeyStore: keyStore,
		AccessTTLs: map[domain.Surface]time.Duration{
			domain.SurfaceAdmin:    10 * time.Minute,
			domain.SurfaceOwner:    15 * time.Minute,
			domain.SurfaceEmployee: 15 * time.Minute,
		},
		Issuer:   "salon-platform",
		Audience: "salon-api",
		Clock:    clock,
	})
	validator := auth.NewValidator(auth.ValidatorConfig{
		KeyStore: keyStore,
		Issuer:   "salon-platform",
		Audience: "salon-api",
		Clock:    clock,
	})

	h := &testHarness{
		clock:         clock,
		challenges:    &stubChallengeStore{},
		sessions:      &stubSessionStore{},
		refreshTokens: &stubRefreshTokenStore{},
		users:         &stubUserStore{},
		tenants:       &stubTenantStore{},
		transactor:    &stubTransactor{},
		rateLimiter:   &stubRateLimiter{},
		smsProvider:   &stubSMSProvider{},
		minter:        minter,
		validator:     validator,
	}

	resolvers := app.NewSurfaceResolvers(app.ResolverDeps{
		Users:         h.users,
		Tenants:       h.tenants,
		Transactor:    h.transactor,
		Clock:         clock,
		AllowedPhones: []string{testAdminPhone},
	})

	h.svc = app.NewAuthService(app.AuthServiceConfig{
		Challenges:    h.challenges,
		Sessions:      h.sessions,
		RefreshTokens: h.refreshTokens,
		Users:         h.users,
		Transactor:    h.transactor,
		RateLimiter:   h.rateLimiter,
		Resolvers:     resolvers,
		SMSProvider:   h.smsProvider,
		Minter:        minter,
		Clock:         clock,
		Pepper:        testPepper,
		OTPPolicy: app.OTPPolicy{
			TTL:         domain.OTPValidityDuration,
			MaxAttempts: domain.MaxOTPAttempts,
			MaxResends:  domain.MaxOTPResends,
		},
		RefreshTTLs: map[domain.Surface]time.Duration{
			domain.SurfaceAdmin:    7 * 24 * time.Hour,
			domain.SurfaceOwner:    domain.DefaultRefreshTokenTTL,
			domain.SurfaceEmployee: domain.DefaultRefreshTokenTTL,
		},
		Logger: slog.Default(),
	})

	return h
}

// sampleChallenge returns an active challenge whose MAC matches testOTP.
func sampleChallenge(surface domain.Surface, phone string, clock *domaintest.FakeClock) *app.ChallengeRecord {
	now := clock.Now().UTC()
	expiresAt := now.Add(domain.OTPValidityDuration)
	expiresAtStr := expiresAt.Format(time.RFC3339)
	return &app.ChallengeRecord{
		ChallengeID: testChallengeID,
		Phone:       phone,
		Surface:     surface.String(),
		OTPMAC:      auth.ComputeOTPMAC(testPepper, testOTP, testChallengeID, expiresAtStr),
		CreatedAt:   now.Format(time.RFC3339),
		ExpiresAt:   expiresAtStr,
		Attempts:    0,
		MaxAttempts: domain.MaxOTPAttempts,
		ResendCount: 0,
		Status:      string(domain.ChallengeActive),
		TTL:         expiresAt.Unix(),
	}
}

// sampleUser returns an active user for the given surface's role.
func sampleUser(surface domain.Surface, phone string) *app.UserRecord {
	created := testStart.Add(-30 * 24 * time.Hour).Format(time.RFC3339)
	return &app.UserRecord{
		UserID:    "user-" + surface.String() + "-001",
		Phone:     phone,
		Role:      string(domain.RoleForSurface(surface)),
		TenantID:  "tenant-001",
		IsActive:  true,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// sampleSession returns an active session for the given user.
func sampleSession(userID, sessionID string, surface domain.Surface, clock *domaintest.FakeClock) *app.SessionRecord {
	now := clock.Now().UTC()
	expiry := now.Add(domain.DefaultRefreshTokenTTL)
	return &app.SessionRecord{
		SessionID:  sessionID,
		UserID:     userID,
		Surface:    surface.String(),
		IsActive:   true,
		CreatedAt:  now.Format(time.RFC3339),
		LastUsedAt: now.Format(time.RFC3339),
		TTL:        expiry.Unix(),
	}
}

// sampleRefreshToken returns a live refresh token record for the given secret.
func sampleRefreshToken(secret, userID, sessionID string, surface domain.Surface, clock *domaintest.FakeClock) *app.RefreshTokenRecord {
	now := clock.Now().UTC()
	expiry := now.Add(domain.DefaultRefreshTokenTTL)
	return &app.RefreshTokenRecord{
		TokenDigest: auth.HashRefreshToken(secret),
		TokenID:     "token-001",
		UserID:      userID,
		SessionID:   sessionID,
		Surface:     surface.String(),
		CreatedAt:   now.Format(time.RFC3339),
		ExpiresAt:   expiry.Format(time.RFC3339),
		TTL:         expiry.Unix(),
	}
}
