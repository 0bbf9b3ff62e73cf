package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/glowdesk/salon-platform/internal/auth"
	"github.com/glowdesk/salon-platform/internal/domain"
	"github.com/glowdesk/salon-platform/internal/observability"
)

// Logout revokes the session owning the presented refresh token. Every
// refresh token tied to the session stops working; the current access token
// simply ages out of its short TTL.
func (s *AuthService) Logout(ctx context.Context, surface domain.Surface, rawToken string) error {
	ctx, span := tracer.Start(ctx, "auth.logout")
	defer span.End()
	span.SetAttributes(attribute.String("auth.surface", surface.String()))

	logger := observability.WithTraceID(ctx, s.logger)

	if rawToken == "" {
		err := fmt.Errorf("refresh token is required: %w", domain.ErrInvalidInput)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	digest := auth.HashRefreshToken(rawToken)

	record, err := s.refreshTokens.GetByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "unknown_refresh_token")))
			span.SetStatus(codes.Error, "unknown refresh token")
			return domain.ErrInvalidRefreshToken
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("get refresh token: %w", err)
	}

	if record.Surface != surface.String() {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "surface_mismatch")))
		span.SetStatus(codes.Error, "surface mismatch")
		return fmt.Errorf("token belongs to surface %q: %w", record.Surface, domain.ErrSurfaceMismatch)
	}

	now := s.clock.Now().UTC().Format(time.RFC3339)

	// Both revocations are idempotent: a second logout with the same token
	// finds the work already done and still succeeds.
	if err := s.refreshTokens.Revoke(ctx, digest, domain.RevokeReasonLogout, now); err != nil &&
		!errors.Is(err, domain.ErrInvalidRefreshToken) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	if err := s.sessions.Revoke(ctx, record.SessionID, domain.RevokeReasonLogout, now); err != nil &&
		!errors.Is(err, domain.ErrSessionRevoked) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("revoke session: %w", err)
	}

	sessionRevocationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "logout")))
	logger.InfoContext(ctx, "auth.logout",
		"user_id", record.UserID,
		"session_id", record.SessionID,
		"surface", surface.String(),
	)

	return nil
}
