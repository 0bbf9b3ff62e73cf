package app

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/glowdesk/salon-platform/internal/auth"
	"github.com/glowdesk/salon-platform/internal/domain"
	"github.com/glowdesk/salon-platform/internal/observability"
)

// ResendOTP regenerates the code for an active challenge, extends its
// expiry, and dispatches the new code. The previous code stops verifying
// the moment the reissue commits: the MAC is bound to the expiry, and the
// expiry changes.
func (s *AuthService) ResendOTP(ctx context.Context, surface domain.Surface, challengeID string) (*InitiateOTPResult, error) {
	ctx, span := tracer.Start(ctx, "auth.resend_otp")
	defer span.End()
	span.SetAttributes(attribute.String("auth.surface", surface.String()))

	logger := observability.WithTraceID(ctx, s.logger)

	record, err := s.loadActiveChallenge(ctx, surface, challengeID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if record.ResendCount >= s.otpPolicy.MaxResends {
		rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", "resend_otp"),
			attribute.String("limit_type", "resend"),
		))
		span.SetStatus(codes.Error, "resend limit reached")
		return nil, domain.ErrResendLimited
	}

	otp, err := auth.GenerateOTP()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("generate OTP: %w", err)
	}

	expiresAt := s.clock.Now().UTC().Add(s.otpPolicy.TTL)
	// The MAC binds to the RFC 3339 expiry, which has second granularity.
	// A second resend within the same second would otherwise reproduce the
	// prior expiry; bump past it so each reissue strictly extends.
	if prev, parseErr := time.Parse(time.RFC3339, record.ExpiresAt); parseErr == nil && !expiresAt.After(prev) {
		expiresAt = prev.Add(time.Second)
	}
	expiresAtStr := expiresAt.Format(time.RFC3339)
	mac := auth.ComputeOTPMAC(s.pepper, otp, challengeID, expiresAtStr)

	// Conditional on status=active and resend_count below the cap, so a
	// challenge consumed or locked between the read above and this write
	// is never reissued.
	err = s.challenges.Reissue(ctx, challengeID, mac, expiresAtStr, expiresAt.Unix(), s.otpPolicy.MaxResends)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.dispatchOTP(ctx, record.Phone, otp, challengeID)

	otpResendsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("surface", surface.String())))
	logger.InfoContext(ctx, "auth.challenge_reissued",
		"challenge_id", challengeID,
		"surface", surface.String(),
		"resend_count", record.ResendCount+1,
	)

	return &InitiateOTPResult{
		ChallengeID: challengeID,
		ExpiresAt:   expiresAt,
		ExpiresIn:   s.otpPolicy.TTL,
	}, nil
}

// loadActiveChallenge fetches a challenge and rejects it if it belongs to a
// different surface, has been consumed or locked, or is past its expiry.
func (s *AuthService) loadActiveChallenge(ctx context.Context, surface domain.Surface, challengeID string) (*ChallengeRecord, error) {
	if challengeID == "" {
		return nil, fmt.Errorf("challenge ID is required: %w", domain.ErrEmptyID)
	}

	record, err := s.challenges.Get(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("get challenge: %w", err)
	}

	// A challenge recorded for one surface never authenticates another.
	if record.Surface != surface.String() {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "surface_mismatch")))
		return nil, fmt.Errorf("challenge belongs to surface %q: %w", record.Surface, domain.ErrSurfaceMismatch)
	}

	if domain.ChallengeStatus(record.Status).IsTerminal() {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "challenge_consumed")))
		return nil, fmt.Errorf("challenge status %q: %w", record.Status, domain.ErrChallengeConsumed)
	}

	expiresAt, err := time.Parse(time.RFC3339, record.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse challenge expiry: %w", err)
	}
	if s.clock.Now().UTC().After(expiresAt) {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "challenge_expired")))
		return nil, domain.ErrChallengeExpired
	}

	return record, nil
}
