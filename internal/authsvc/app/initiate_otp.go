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

// InitiateOTP validates the phone number, runs the surface's initiation
// policy, enforces rate limits, creates a challenge, and fires SMS delivery.
// A delivery failure never fails this call: the challenge stays resendable.
func (s *AuthService) InitiateOTP(ctx context.Context, surface domain.Surface, phone string, meta ChallengeMeta) (*InitiateOTPResult, error) {
	ctx, span := tracer.Start(ctx, "auth.initiate_otp")
	defer span.End()
	span.SetAttributes(attribute.String("auth.surface", surface.String()))

	logger := observability.WithTraceID(ctx, s.logger)

	resolver, err := s.resolver(surface)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// 1. Validate E.164 phone number.
	phoneNumber, err := domain.NewPhoneNumber(phone)
	if err != nil {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_phone")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// 2. Surface initiation policy. For admin this is the allow-list check:
	// a non-allow-listed phone is rejected before any challenge exists.
	if err := resolver.AuthorizeInitiate(ctx, phoneNumber); err != nil {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "initiate_denied")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	phoneHash := auth.HashPhone(phoneNumber.String())

	// 3. Rate limit: phone (fail-closed).
	allowed, err := s.rateLimiter.CheckAndIncrement(
		ctx,
		"otp_init:phone:"+phoneHash,
		domain.OTPRequestRateLimitPerPhone,
		int(domain.OTPRateLimitWindow.Seconds()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("check phone rate limit: %w", err)
	}
	if !allowed {
		rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", "initiate_otp"),
			attribute.String("limit_type", "phone"),
		))
		span.SetStatus(codes.Error, "phone rate limited")
		return nil, domain.ErrPhoneRateLimited
	}

	// 4. Rate limit: IP (fail-open — log and continue if Redis fails).
	if meta.IP != "" {
		ipAllowed, ipErr := s.rateLimiter.CheckAndIncrement(
			ctx,
			"otp_init:ip:"+meta.IP,
			domain.OTPRequestRateLimitPerIP,
			int(domain.OTPRateLimitWindow.Seconds()),
		)
		if ipErr != nil {
			logger.WarnContext(ctx, "ip rate limit check failed, proceeding (fail-open)",
				"error", ipErr, "client_ip", meta.IP)
		} else if !ipAllowed {
			rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("endpoint", "initiate_otp"),
				attribute.String("limit_type", "ip"),
			))
			span.SetStatus(codes.Error, "IP rate limited")
			return nil, domain.ErrIPRateLimited
		}
	}

	// 5. Generate the code and the challenge it is bound to.
	otp, err := auth.GenerateOTP()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("generate OTP: %w", err)
	}

	challengeID := domain.GenerateChallengeID().String()
	now := s.clock.Now().UTC()
	expiresAt := now.Add(s.otpPolicy.TTL)
	expiresAtStr := expiresAt.Format(time.RFC3339)

	record := ChallengeRecord{
		ChallengeID: challengeID,
		Phone:       phoneNumber.String(),
		Surface:     surface.String(),
		OTPMAC:      auth.ComputeOTPMAC(s.pepper, otp, challengeID, expiresAtStr),
		CreatedAt:   now.Format(time.RFC3339),
		ExpiresAt:   expiresAtStr,
		Attempts:    0,
		MaxAttempts: s.otpPolicy.MaxAttempts,
		ResendCount: 0,
		Status:      string(domain.ChallengeActive),
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
		TTL:         expiresAt.Unix(),
	}

	if err := s.challenges.Create(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create challenge: %w", err)
	}

	// 6. Background SMS delivery — owned by AuthService via bgWG.
	// Detach from request context so cancellation of the HTTP request
	// does not kill the in-flight send.
	s.dispatchOTP(ctx, phoneNumber.String(), otp, challengeID)

	otpChallengesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("surface", surface.String())))
	logger.InfoContext(ctx, "auth.challenge_created",
		"challenge_id", challengeID,
		"surface", surface.String(),
		"phone_masked", phoneNumber.Masked(),
	)

	return &InitiateOTPResult{
		ChallengeID: challengeID,
		ExpiresAt:   expiresAt,
		ExpiresIn:   s.otpPolicy.TTL,
	}, nil
}

// dispatchOTP fires the SMS send in a background goroutine. Failures are
// logged, never propagated: the challenge is durable and resendable.
func (s *AuthService) dispatchOTP(ctx context.Context, phone, otp, challengeID string) {
	smsCtx := context.WithoutCancel(ctx)
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if sendErr := s.smsProvider.SendOTP(smsCtx, phone, otp); sendErr != nil {
			s.logger.ErrorContext(smsCtx, "failed to send OTP SMS",
				"error", sendErr, "challenge_id", challengeID)
		}
	}()
}
