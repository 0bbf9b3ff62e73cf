package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowdesk/salon-platform/internal/auth"
	"github.com/glowdesk/salon-platform/internal/authsvc/app"
	"github.com/glowdesk/salon-platform/internal/domain"
)

func TestVerifyOTP(t *testing.T) {
	ctx := context.Background()
	meta := app.ChallengeMeta{IP: "203.0.113.7", UserAgent: "test-agent"}

	t.Run("correct code consumes the challenge and issues a session", func(t *testing.T) {
		h := newTestHarness(t)
		challenge := sampleChallenge(domain.SurfaceEmployee, testEmployeePhone, h.clock)
		user := sampleUser(domain.SurfaceEmployee, testEmployeePhone)

		h.challenges.getFn = func(context.Context, string) (*app.ChallengeRecord, error) {
			return challenge, nil
		}
		consumed := false
		h.challenges.consumeFn = func(_ context.Context, id string) error {
			assert.Equal(t, testChallengeID, id)
			consumed = true
			return nil
		}
		h.users.findByPhoneFn = func(_ context.Context, phone string) (*app.UserRecord, error) {
			assert.Equal(t, testEmployeePhone, phone)
			return user, nil
		}
		var issued app.SessionIssueParams
		h.transactor.issueSessionFn = func(_ context.Context, params app.SessionIssueParams) error {
			issued = params
			return nil
		}

		result, err := h.svc.VerifyOTP(ctx, domain.SurfaceEmployee, testChallengeID, testOTP, meta)
		require.NoError(t, err)

		assert.True(t, consumed)
		assert.False(t, result.IsNewUser)
		assert.Equal(t, user.UserID, result.User.UserID)
		assert.Equal(t, issued.Session.SessionID, result.SessionID)
		assert.NotEmpty(t, result.RefreshToken)

		// The persisted session and token are bound to the user and surface.
		assert.Equal(t, user.UserID, issued.Session.UserID)
		assert.Equal(t, "employee", issued.Session.Surface)
		assert.True(t, issued.Session.IsActive)
		assert.Equal(t, meta.IP, issued.Session.CreatedByIP)
		assert.Equal(t, auth.HashRefreshToken(result.RefreshToken), issued.Token.TokenDigest)
		assert.Equal(t, result.SessionID, issued.Token.SessionID)
		assert.Empty(t, issued.Token.RevokedAt)

		// The access token round-trips through the validator with the
		// session and surface embedded.
		claims, err := h.validator.ValidateAccessToken(result.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, user.UserID, claims.Subject)
		assert.Equal(t, result.SessionID, claims.SessionID)
		assert.Equal(t, domain.SurfaceEmployee, claims.Surface)
		assert.Equal(t, testStart.Add(15*time.Minute), result.AccessTokenExpiry)
	})

	t.Run("rejects empty OTP", func(t *testing.T) {
		h := newTestHarness(t)
		_, err := h.svc.VerifyOTP(ctx, domain.SurfaceOwner, testChallengeID, "", meta)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("rejects challenge bound to another surface", func(t *testing.T) {
		h := newTestHarness(t)
		challenge := sampleChallenge(domain.SurfaceOwner, testOwnerPhone, h.clock)
		h.challenges.getFn = func(context.Context, string) (*app.ChallengeRecord, error) {
			return challenge, nil
		}

		_, err := h.svc.VerifyOTP(ctx, domain.SurfaceEmployee, testChallengeID, testOTP, meta)
		assert.ErrorIs(t, err, domain.ErrSurfaceMismatch)
	})

	t.Run("rejects expired challenge even with the correct code", func(t *testing.T) {
		h := newTestHarness(t)
		challenge := sampleChallenge(domain.SurfaceOwner, testOwnerPhone, h.clock)
		h.challenges.getFn = func(context.Context, string) (*app.ChallengeRecord, error) {
			return challenge, nil
		}
		h.clock.Advance(domain.OTPValidityDuration + time.Second)

		_, err := h.svc.VerifyOTP(ctx, domain.SurfaceOwner, testChallengeID, testOTP, meta)
		assert.ErrorIs(t, err, domain.ErrChallengeExpired)
	})

	t.Run("rejects locked challenge", func(t *testing.T) {
		h := newTestHarness(t)
		challenge := sampleChallenge(domain.SurfaceOwner, testOwnerPhone, h.clock)
		challenge.Status = string(domain.ChallengeLocked)
		h.challenges.getFn = func(context.Context, string) (*app.ChallengeRecord, error) {
			return challenge, nil
		}

		_, err := h.svc.VerifyOTP(ctx, domain.SurfaceOwner, testChallengeID, testOTP, meta)
		assert.ErrorIs(t, err, domain.ErrChallengeConsumed)
	})

	t.Run("wrong code registers an attempt", func(t *testing.T) {
		h := newTestHarness(t)
		challenge := sampleChallenge(domain.SurfaceOwner, testOwnerPhone, h.clock)
		h.challenges.getFn = func(context.Context, string) (*app.ChallengeRecord, error) {
			return challenge, nil
		}
		recorded := false
		h.challenges.recordAttemptFn = func(_ context.Context, id string) (int, error) {
			assert.Equal(t, testChallengeID, id)
			recorded = true
			return 1, nil
		}
		h.challenges.lockFn = func(context.Context, string, string) error {
			t.Error("challenge must not lock below the attempt cap")
			return nil
		}

		_, err := h.svc.VerifyOTP(ctx, domain.SurfaceOwner, testChallengeID, "000000", meta)
		assert.ErrorIs(t, err, domain.ErrInvalidOTP)
		assert.True(t, recorded)
	})

	t.Run("attempt reaching the cap locks the challenge", func(t *testing.T) {
		h := newTestHarness(t)
		challenge := sampleChallenge(domain.SurfaceOwner, testOwnerPhone, h.clock)
		h.challenges.getFn = func(context.Context, string) (*app.ChallengeRecord, error) {
			return challenge, nil
		}
		h.challenges.recordAttemptFn = func(context.Context, string) (int, error) {
			return domain.MaxOTPAttempts, nil
		}
		locked := false
		h.challenges.lockFn = func(_ context.Context, id, reason string) error {
			assert.Equal(t, testChallengeID, id)
			assert.NotEmpty(t, reason)
			locked = true
			return nil
		}

		_, err := h.svc.VerifyOTP(ctx, domain.SurfaceOwner, testChallengeID, "000000", meta)
		assert.ErrorIs(t, err, domain.ErrInvalidOTP)
		assert.True(t, locked)
	})

	t.Run("attempt rejected by the counter condition reports a closed challenge", func(t *testing.T) {
		h := newTestHarness(t)
		challenge := sampleChallenge(domain.SurfaceOwner, testOwnerPhone, h.clock)
		h.challenges.getFn = func(context.Context, string) (*app.ChallengeRecord, error) {
			return challenge, nil
		}
		h.challenges.recordAttemptFn = func(context.Context, string) (int, error) {
			return 0, domain.ErrChallengeConsumed
		}

		_, err := h.svc.VerifyOTP(ctx, domain.SurfaceOwner, testChallengeID, "000000", meta)
		assert.ErrorIs(t, err, domain.ErrChallengeConsumed)
	})

	t.Run("storage failure while recording an attempt stays internal and never locks", func(t *testing.T) {
		h := newTestHarness(t)
		challenge := sampleChallenge(domain.SurfaceOwner, testOwnerPhone, h.clock)
		h.challenges.getFn = func(context.Context, string) (*app.ChallengeRecord, error) {
			return challenge, nil
		}
		h.challenges.recordAttemptFn = func(context.Context, string) (int, error) {
			return 0, errors.New("connection reset")
		}
		h.challenges.lockFn = func(context.Context, string, string) error {
			t.Error("a storage failure must not lock a still-active challenge")
			return nil
		}

		_, err := h.svc.VerifyOTP(ctx, domain.SurfaceOwner, testChallengeID, "000000", meta)
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrChallengeConsumed)
		assert.ErrorContains(t, err, "record attempt")
	})

	t.Run("storage failure on consume stays internal", func(t *testing.T) {
		h := newTestHarness(t)
		challenge := sampleChallenge(domain.SurfaceOwner, testOwnerPhone, h.clock)
		h.challenges.getFn = func(context.Context, string) (*app.ChallengeRecord, error) {
			return challenge, nil
		}
		h.challenges.consumeFn = func(context.Context, string) error {
			return errors.New("connection reset")
		}
		h.transactor.issueSessionFn = func(context.Context, app.SessionIssueParams) error {
			t.Error("no session may be issued when the consume fails")
			return nil
		}

		_, err := h.svc.VerifyOTP(ctx, domain.SurfaceOwner, testChallengeID, testOTP, meta)
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrChallengeConsumed)
	})

	t.Run("losing the consume race reports a consumed challenge", func(t *testing.T) {
		h := newTestHarness(t)
		challenge := sampleChallenge(domain.SurfaceOwner, testOwnerPhone, h.clock)
		h.challenges.getFn = func(context.Context, string) (*app.ChallengeRecord, error) {
			return challenge, nil
		}
		h.challenges.consumeFn = func(context.Context, string) error {
			return domain.ErrChallengeConsumed
		}
		h.transactor.issueSessionFn = func(context.Context, app.SessionIssueParams) error {
			t.Error("no session may be issued when the consume loses")
			return nil
		}

		_, err := h.svc.VerifyOTP(ctx, domain.SurfaceOwner, testChallengeID, testOTP, meta)
		assert.ErrorIs(t, err, domain.ErrChallengeConsumed)
	})

	t.Run("owner first login provisions user and tenant", func(t *testing.T) {
		h := newTestHarness(t)
		challenge := sampleChallenge(domain.SurfaceOwner, testOwnerPhone, h.clock)
		h.challenges.getFn = func(context.Context, string) (*app.ChallengeRecord, error) {
			return challenge, nil
		}
		var provisioned app.OwnerProvisioningParams
		h.transactor.createOwnerWithTenantFn = func(_ context.Context, params app.OwnerProvisioningParams) error {
			provisioned = params
			return nil
		}

		result, err := h.svc.VerifyOTP(ctx, domain.SurfaceOwner, testChallengeID, testOTP, meta)
		require.NoError(t, err)

		assert.True(t, result.IsNewUser)
		assert.Equal(t, provisioned.User.UserID, result.User.UserID)
		assert.Equal(t, string(domain.RoleOwner), provisioned.User.Role)
		assert.Equal(t, provisioned.Tenant.TenantID, provisioned.User.TenantID)
		assert.Equal(t, provisioned.User.UserID, provisioned.Tenant.OwnerUserID)
		assert.True(t, provisioned.User.IsActive)
	})

	t.Run("owner provisioning race falls back to the winner's record", func(t *testing.T) {
		h := newTestHarness(t)
		challenge := sampleChallenge(domain.SurfaceOwner, testOwnerPhone, h.clock)
		existing := sampleUser(domain.SurfaceOwner, testOwnerPhone)

		h.challenges.getFn = func(context.Context, string) (*app.ChallengeRecord, error) {
			return challenge, nil
		}
		firstLookup := true
		h.users.findByPhoneFn = func(context.Context, string) (*app.UserRecord, error) {
			if firstLookup {
				firstLookup = false
				return nil, domain.ErrNotFound
			}
			return existing, nil
		}
		h.transactor.createOwnerWithTenantFn = func(context.Context, app.OwnerProvisioningParams) error {
			return domain.ErrAlreadyExists
		}
		h.tenants.getFn = func(context.Context, string) (*app.TenantRecord, error) {
			return &app.TenantRecord{TenantID: existing.TenantID}, nil
		}

		result, err := h.svc.VerifyOTP(ctx, domain.SurfaceOwner, testChallengeID, testOTP, meta)
		require.NoError(t, err)
		assert.False(t, result.IsNewUser)
		assert.Equal(t, existing.UserID, result.User.UserID)
	})

	t.Run("employee surface never auto-creates users", func(t *testing.T) {
		h := newTestHarness(t)
		challenge := sampleChallenge(domain.SurfaceEmployee, testEmployeePhone, h.clock)
		h.challenges.getFn = func(context.Context, string) (*app.ChallengeRecord, error) {
			return challenge, nil
		}
		h.transactor.issueSessionFn = func(context.Context, app.SessionIssueParams) error {
			t.Error("no session may be issued for an unknown employee")
			return nil
		}

		_, err := h.svc.VerifyOTP(ctx, domain.SurfaceEmployee, testChallengeID, testOTP, meta)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("inactive account is rejected after a correct code", func(t *testing.T) {
		h := newTestHarness(t)
		challenge := sampleChallenge(domain.SurfaceEmployee, testEmployeePhone, h.clock)
		user := sampleUser(domain.SurfaceEmployee, testEmployeePhone)
		user.IsActive = false

		h.challenges.getFn = func(context.Context, string) (*app.ChallengeRecord, error) {
			return challenge, nil
		}
		h.users.findByPhoneFn = func(context.Context, string) (*app.UserRecord, error) {
			return user, nil
		}

		_, err := h.svc.VerifyOTP(ctx, domain.SurfaceEmployee, testChallengeID, testOTP, meta)
		assert.ErrorIs(t, err, domain.ErrAccountInactive)
	})

	t.Run("session issuance failure is surfaced", func(t *testing.T) {
		h := newTestHarness(t)
		challenge := sampleChallenge(domain.SurfaceEmployee, testEmployeePhone, h.clock)
		h.challenges.getFn = func(context.Context, string) (*app.ChallengeRecord, error) {
			return challenge, nil
		}
		h.users.findByPhoneFn = func(context.Context, string) (*app.UserRecord, error) {
			return sampleUser(domain.SurfaceEmployee, testEmployeePhone), nil
		}
		h.transactor.issueSessionFn = func(context.Context, app.SessionIssueParams) error {
			return errors.New("transaction failed")
		}

		_, err := h.svc.VerifyOTP(ctx, domain.SurfaceEmployee, testChallengeID, testOTP, meta)
		assert.ErrorContains(t, err, "issue session")
	})
}
