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

const testRefreshSecret = "dGVzdC1yZWZyZXNoLXNlY3JldC0wMDE"

func TestRefreshTokens(t *testing.T) {
	ctx := context.Background()
	meta := app.ChallengeMeta{IP: "203.0.113.7"}

	setupValidToken := func(h *testHarness) (*app.RefreshTokenRecord, *app.SessionRecord, *app.UserRecord) {
		user := sampleUser(domain.SurfaceOwner, testOwnerPhone)
		session := sampleSession(user.UserID, "session-001", domain.SurfaceOwner, h.clock)
		token := sampleRefreshToken(testRefreshSecret, user.UserID, session.SessionID, domain.SurfaceOwner, h.clock)

		h.refreshTokens.getByDigestFn = func(_ context.Context, digest string) (*app.RefreshTokenRecord, error) {
			if digest == token.TokenDigest {
				return token, nil
			}
			return nil, domain.ErrNotFound
		}
		h.sessions.getFn = func(_ context.Context, id string) (*app.SessionRecord, error) {
			if id == session.SessionID {
				return session, nil
			}
			return nil, domain.ErrNotFound
		}
		h.users.getByIDFn = func(_ context.Context, id string) (*app.UserRecord, error) {
			if id == user.UserID {
				return user, nil
			}
			return nil, domain.ErrNotFound
		}
		return token, session, user
	}

	t.Run("rotates the token and mints a new access token", func(t *testing.T) {
		h := newTestHarness(t)
		token, session, user := setupValidToken(h)

		var rotation app.TokenRotationParams
		h.transactor.rotateRefreshTokenFn = func(_ context.Context, params app.TokenRotationParams) error {
			rotation = params
			return nil
		}
		var touchedAt string
		var touchedTTL int64
		h.sessions.touchFn = func(_ context.Context, id, lastUsedAt string, ttl int64) error {
			assert.Equal(t, session.SessionID, id)
			touchedAt = lastUsedAt
			touchedTTL = ttl
			return nil
		}

		h.clock.Advance(time.Hour)

		result, err := h.svc.RefreshTokens(ctx, domain.SurfaceOwner, testRefreshSecret, meta)
		require.NoError(t, err)

		assert.Equal(t, user.UserID, result.User.UserID)
		assert.Equal(t, session.SessionID, result.SessionID)
		assert.NotEqual(t, testRefreshSecret, result.RefreshToken)

		// Old digest links forward to the replacement.
		assert.Equal(t, token.TokenDigest, rotation.OldDigest)
		assert.Equal(t, auth.HashRefreshToken(result.RefreshToken), rotation.NewToken.TokenDigest)
		assert.Equal(t, session.SessionID, rotation.NewToken.SessionID)
		assert.Equal(t, meta.IP, rotation.NewToken.CreatedByIP)
		assert.Equal(t, h.clock.Now().UTC().Format(time.RFC3339), rotation.RevokedAt)

		assert.Equal(t, h.clock.Now().UTC().Format(time.RFC3339), touchedAt)
		// The session's expiry horizon moves forward with the new token, so
		// an actively refreshing session is never reclaimed before its
		// newest credential expires.
		assert.Equal(t, rotation.NewToken.TTL, touchedTTL)
		assert.Greater(t, touchedTTL, h.clock.Now().Unix())

		claims, err := h.validator.ValidateAccessToken(result.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, user.UserID, claims.Subject)
		assert.Equal(t, session.SessionID, claims.SessionID)
		assert.Equal(t, domain.SurfaceOwner, claims.Surface)
	})

	t.Run("rejects empty token", func(t *testing.T) {
		h := newTestHarness(t)
		_, err := h.svc.RefreshTokens(ctx, domain.SurfaceOwner, "", meta)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("rejects unknown token", func(t *testing.T) {
		h := newTestHarness(t)
		_, err := h.svc.RefreshTokens(ctx, domain.SurfaceOwner, testRefreshSecret, meta)
		assert.ErrorIs(t, err, domain.ErrInvalidRefreshToken)
	})

	t.Run("rejects token bound to another surface before any state check", func(t *testing.T) {
		h := newTestHarness(t)
		token, _, _ := setupValidToken(h)
		// Even a revoked-and-replaced token from another surface reports
		// the mismatch, not the reuse response.
		token.RevokedAt = h.clock.Now().UTC().Format(time.RFC3339)
		token.RevokedReason = domain.RevokeReasonRotated
		token.ReplacedByDigest = "successor-digest"

		revoked := false
		h.sessions.revokeFn = func(context.Context, string, string, string) error {
			revoked = true
			return nil
		}

		_, err := h.svc.RefreshTokens(ctx, domain.SurfaceAdmin, testRefreshSecret, meta)
		assert.ErrorIs(t, err, domain.ErrSurfaceMismatch)
		assert.False(t, revoked)
	})

	t.Run("reuse of a rotated token revokes the whole session", func(t *testing.T) {
		h := newTestHarness(t)
		token, session, _ := setupValidToken(h)
		token.RevokedAt = h.clock.Now().UTC().Format(time.RFC3339)
		token.RevokedReason = domain.RevokeReasonRotated
		token.ReplacedByDigest = "successor-digest"

		var revokedSession, revokedReason string
		h.sessions.revokeFn = func(_ context.Context, id, reason, _ string) error {
			revokedSession, revokedReason = id, reason
			return nil
		}

		_, err := h.svc.RefreshTokens(ctx, domain.SurfaceOwner, testRefreshSecret, meta)
		assert.ErrorIs(t, err, domain.ErrRefreshTokenReuse)
		assert.Equal(t, session.SessionID, revokedSession)
		assert.Equal(t, domain.RevokeReasonCompromised, revokedReason)
	})

	t.Run("token revoked by logout is invalid without the reuse response", func(t *testing.T) {
		h := newTestHarness(t)
		token, _, _ := setupValidToken(h)
		token.RevokedAt = h.clock.Now().UTC().Format(time.RFC3339)
		token.RevokedReason = domain.RevokeReasonLogout

		revoked := false
		h.sessions.revokeFn = func(context.Context, string, string, string) error {
			revoked = true
			return nil
		}

		_, err := h.svc.RefreshTokens(ctx, domain.SurfaceOwner, testRefreshSecret, meta)
		assert.ErrorIs(t, err, domain.ErrInvalidRefreshToken)
		assert.NotErrorIs(t, err, domain.ErrRefreshTokenReuse)
		assert.False(t, revoked)
	})

	t.Run("rejects naturally expired token", func(t *testing.T) {
		h := newTestHarness(t)
		setupValidToken(h)
		h.clock.Advance(domain.DefaultRefreshTokenTTL + time.Hour)

		_, err := h.svc.RefreshTokens(ctx, domain.SurfaceOwner, testRefreshSecret, meta)
		assert.ErrorIs(t, err, domain.ErrInvalidRefreshToken)
	})

	t.Run("rejects token whose session is revoked", func(t *testing.T) {
		h := newTestHarness(t)
		_, session, _ := setupValidToken(h)
		session.IsActive = false

		_, err := h.svc.RefreshTokens(ctx, domain.SurfaceOwner, testRefreshSecret, meta)
		assert.ErrorIs(t, err, domain.ErrSessionRevoked)
	})

	t.Run("rejects token whose session is missing", func(t *testing.T) {
		h := newTestHarness(t)
		setupValidToken(h)
		h.sessions.getFn = func(context.Context, string) (*app.SessionRecord, error) {
			return nil, domain.ErrNotFound
		}

		_, err := h.svc.RefreshTokens(ctx, domain.SurfaceOwner, testRefreshSecret, meta)
		assert.ErrorIs(t, err, domain.ErrSessionRevoked)
	})

	t.Run("losing the rotation race forces re-authentication without a cascade", func(t *testing.T) {
		h := newTestHarness(t)
		setupValidToken(h)
		h.transactor.rotateRefreshTokenFn = func(context.Context, app.TokenRotationParams) error {
			return domain.ErrInvalidRefreshToken
		}
		h.sessions.revokeFn = func(context.Context, string, string, string) error {
			t.Error("a rotation race must not revoke the session")
			return nil
		}

		_, err := h.svc.RefreshTokens(ctx, domain.SurfaceOwner, testRefreshSecret, meta)
		assert.ErrorIs(t, err, domain.ErrInvalidRefreshToken)
	})

	t.Run("touch failure does not fail the refresh", func(t *testing.T) {
		h := newTestHarness(t)
		setupValidToken(h)
		h.sessions.touchFn = func(context.Context, string, string, int64) error {
			return errors.New("dynamo throttled")
		}

		_, err := h.svc.RefreshTokens(ctx, domain.SurfaceOwner, testRefreshSecret, meta)
		assert.NoError(t, err)
	})
}
