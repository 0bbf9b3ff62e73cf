package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/glowdesk/salon-platform/internal/auth"
	"github.com/glowdesk/salon-platform/internal/domain"
	"github.com/glowdesk/salon-platform/internal/observability"
)

// RefreshTokens rotates a refresh token and mints a new access token.
// Every refresh checks both the token's own state and its owning session.
// Presenting an already-rotated token is treated as credential compromise:
// the entire session is revoked, invalidating every token issued under it.
func (s *AuthService) RefreshTokens(ctx context.Context, surface domain.Surface, rawToken string, meta ChallengeMeta) (*RefreshResult, error) {
	ctx, span := tracer.Start(ctx, "auth.refresh_tokens")
	defer span.End()
	span.SetAttributes(attribute.String("auth.surface", surface.String()))

	logger := observability.WithTraceID(ctx, s.logger)

	record, err := s.verifyRefreshToken(ctx, surface, rawToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	session, err := s.requireActiveSession(ctx, record.SessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result, err := s.rotate(ctx, surface, record, meta)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Touch is best-effort bookkeeping; the rotation already committed.
	// The expiry horizon moves with the newest token so a continuously
	// refreshing session is never reclaimed while its credential is valid.
	lastUsed := s.clock.Now().UTC()
	sessionTTL := lastUsed.Add(s.refreshTTL(surface)).Unix()
	if touchErr := s.sessions.Touch(ctx, session.SessionID, lastUsed.Format(time.RFC3339), sessionTTL); touchErr != nil {
		logger.WarnContext(ctx, "failed to touch session",
			"error", touchErr, "session_id", session.SessionID)
	}

	logger.InfoContext(ctx, "auth.token_refreshed",
		"user_id", record.UserID,
		"session_id", record.SessionID,
		"surface", surface.String(),
	)

	return result, nil
}

// verifyRefreshToken digests the raw secret, looks up the credential, and
// classifies its state. A revoked-and-replaced token is distinguished from
// "never existed" and from natural expiry: it is the reuse signal.
func (s *AuthService) verifyRefreshToken(ctx context.Context, surface domain.Surface, rawToken string) (*RefreshTokenRecord, error) {
	if rawToken == "" {
		return nil, fmt.Errorf("refresh token is required: %w", domain.ErrInvalidInput)
	}

	digest := auth.HashRefreshToken(rawToken)

	record, err := s.refreshTokens.GetByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "unknown_refresh_token")))
			return nil, domain.ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}

	// Surface binding precedes everything else: a token recorded for one
	// surface never authenticates another, regardless of its own validity.
	if record.Surface != surface.String() {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "surface_mismatch")))
		return nil, fmt.Errorf("token belongs to surface %q: %w", record.Surface, domain.ErrSurfaceMismatch)
	}

	if record.RevokedAt != "" {
		if record.RevokedReason == domain.RevokeReasonRotated && record.ReplacedByDigest != "" {
			return nil, s.handleTokenReuse(ctx, record)
		}
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "revoked_refresh_token")))
		return nil, domain.ErrInvalidRefreshToken
	}

	expiresAt, err := time.Parse(time.RFC3339, record.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse token expiry: %w", err)
	}
	if s.clock.Now().UTC().After(expiresAt) {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "expired_refresh_token")))
		return nil, domain.ErrInvalidRefreshToken
	}

	return record, nil
}

// handleTokenReuse responds to a rotated token being presented again:
// revoke the owning session so every credential issued under it dies with it.
func (s *AuthService) handleTokenReuse(ctx context.Context, record *RefreshTokenRecord) error {
	logger := observability.WithTraceID(ctx, s.logger)

	authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "refresh_token_reuse")))
	sessionRevocationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "reuse_detection")))

	revokedAt := s.clock.Now().UTC().Format(time.RFC3339)
	err := s.sessions.Revoke(ctx, record.SessionID, domain.RevokeReasonCompromised, revokedAt)
	if err != nil && !errors.Is(err, domain.ErrSessionRevoked) {
		logger.ErrorContext(ctx, "failed to revoke session on reuse detection",
			"error", err, "session_id", record.SessionID)
	}

	logger.WarnContext(ctx, "auth.refresh_token_reuse",
		"session_id", record.SessionID,
		"user_id", record.UserID,
	)

	return domain.ErrRefreshTokenReuse
}

// requireActiveSession loads the owning session and rejects revoked or
// missing sessions.
func (s *AuthService) requireActiveSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "session_missing")))
			return nil, domain.ErrSessionRevoked
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if !session.IsActive {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "session_revoked")))
		return nil, domain.ErrSessionRevoked
	}
	return session, nil
}

// rotate atomically revokes the presented token (linked to its successor)
// and creates the new one, then mints the access token.
func (s *AuthService) rotate(ctx context.Context, surface domain.Surface, record *RefreshTokenRecord, meta ChallengeMeta) (*RefreshResult, error) {
	newSecret, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	now := s.clock.Now().UTC()
	newExpiry := now.Add(s.refreshTTL(surface))

	newToken := RefreshTokenRecord{
		TokenDigest: auth.HashRefreshToken(newSecret),
		TokenID:     uuid.NewString(),
		UserID:      record.UserID,
		SessionID:   record.SessionID,
		Surface:     surface.String(),
		CreatedAt:   now.Format(time.RFC3339),
		ExpiresAt:   newExpiry.Format(time.RFC3339),
		CreatedByIP: meta.IP,
		TTL:         newExpiry.Unix(),
	}

	err = s.transactor.RotateRefreshToken(ctx, TokenRotationParams{
		OldDigest: record.TokenDigest,
		RevokedAt: now.Format(time.RFC3339),
		NewToken:  newToken,
	})
	if err != nil {
		// A concurrent refresh won the rotation race; this caller's token
		// is already revoked. Force re-authentication without the
		// compromise response: at presentation time the token was valid.
		if errors.Is(err, domain.ErrInvalidRefreshToken) {
			authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "rotation_race")))
			return nil, domain.ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	mintResult, err := s.minter.MintAccessToken(record.UserID, record.SessionID, surface)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}

	user, err := s.users.GetByID(ctx, record.UserID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	tokenMintedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", "refresh")))

	return &RefreshResult{
		User:              *user,
		SessionID:         record.SessionID,
		AccessToken:       mintResult.Token,
		RefreshToken:      newSecret,
		AccessTokenExpiry: mintResult.ExpiresAt,
	}, nil
}
