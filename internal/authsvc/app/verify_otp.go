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

const lockReasonMaxAttempts = "max attempts exceeded"

// VerifyOTP validates an OTP candidate against its challenge, consumes the
// challenge, resolves the user through the surface policy, and issues a
// session with an access/refresh token pair.
func (s *AuthService) VerifyOTP(ctx context.Context, surface domain.Surface, challengeID, otpCandidate string, meta ChallengeMeta) (*VerifyOTPResult, error) {
	ctx, span := tracer.Start(ctx, "auth.verify_otp")
	defer span.End()
	span.SetAttributes(attribute.String("auth.surface", surface.String()))

	logger := observability.WithTraceID(ctx, s.logger)

	resolver, err := s.resolver(surface)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	record, err := s.consumeChallenge(ctx, surface, challengeID, otpCandidate)
	if err != nil {
		logger.InfoContext(ctx, "auth.otp_failed", "challenge_id", challengeID, "surface", surface.String())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	phoneNumber, err := domain.NewPhoneNumber(record.Phone)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("challenge holds malformed phone: %w", err)
	}

	user, isNewUser, err := resolver.Resolve(ctx, phoneNumber)
	if err != nil {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "resolution_denied")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result, err := s.issueSession(ctx, surface, user, meta)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	result.IsNewUser = isNewUser

	span.SetAttributes(attribute.Bool("auth.is_new_user", isNewUser))
	logger.InfoContext(ctx, "auth.otp_verified",
		"user_id", user.UserID,
		"session_id", result.SessionID,
		"surface", surface.String(),
		"is_new_user", isNewUser,
	)

	return result, nil
}

// consumeChallenge validates the candidate and performs the terminal
// ACTIVE -> USED transition. A wrong candidate registers an attempt; the
// attempt that reaches max_attempts locks the challenge.
func (s *AuthService) consumeChallenge(ctx context.Context, surface domain.Surface, challengeID, otpCandidate string) (*ChallengeRecord, error) {
	if otpCandidate == "" {
		return nil, fmt.Errorf("OTP is required: %w", domain.ErrInvalidInput)
	}

	record, err := s.loadActiveChallenge(ctx, surface, challengeID)
	if err != nil {
		return nil, err
	}

	if !auth.VerifyOTPMAC(s.pepper, otpCandidate, challengeID, record.ExpiresAt, record.OTPMAC) {
		return nil, s.registerFailedAttempt(ctx, challengeID)
	}

	// Terminal transition under a storage-level condition on status=active:
	// of two racing verifications exactly one consumes the challenge. Only
	// a conditional failure means the challenge closed; a storage failure
	// stays an internal error.
	if err := s.challenges.Consume(ctx, challengeID); err != nil {
		if errors.Is(err, domain.ErrChallengeConsumed) {
			authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "challenge_consumed")))
		}
		return nil, fmt.Errorf("consume challenge: %w", err)
	}

	return record, nil
}

// registerFailedAttempt increments the attempt counter and locks the
// challenge when the counter reaches its cap. Always returns an error.
func (s *AuthService) registerFailedAttempt(ctx context.Context, challengeID string) error {
	authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_otp")))

	attempts, err := s.challenges.RecordAttempt(ctx, challengeID)
	if err != nil {
		if !errors.Is(err, domain.ErrChallengeConsumed) {
			// Storage failure, not a state transition. The challenge is
			// still ACTIVE; it must not be locked.
			return fmt.Errorf("record attempt: %w", err)
		}
		// The conditional failed: the challenge went terminal or hit the
		// attempt cap under a concurrent request. Try the lock transition
		// so the state lands terminal either way.
		if lockErr := s.challenges.Lock(ctx, challengeID, lockReasonMaxAttempts); lockErr != nil {
			s.logger.DebugContext(ctx, "challenge already terminal", "challenge_id", challengeID)
		}
		return fmt.Errorf("challenge no longer verifiable: %w", domain.ErrChallengeConsumed)
	}

	if attempts >= s.otpPolicy.MaxAttempts {
		if lockErr := s.challenges.Lock(ctx, challengeID, lockReasonMaxAttempts); lockErr != nil {
			s.logger.ErrorContext(ctx, "failed to lock exhausted challenge",
				"error", lockErr, "challenge_id", challengeID)
		}
		s.logger.WarnContext(ctx, "auth.challenge_locked",
			"challenge_id", challengeID, "attempts", attempts)
	}

	return domain.ErrInvalidOTP
}

// issueSession creates the session and its first refresh token in one
// transaction, then mints the access token.
func (s *AuthService) issueSession(ctx context.Context, surface domain.Surface, user *UserRecord, meta ChallengeMeta) (*VerifyOTPResult, error) {
	sessionID := domain.GenerateSessionID().String()
	now := s.clock.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	refreshToken, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	refreshExpiry := now.Add(s.refreshTTL(surface))

	session := SessionRecord{
		SessionID:   sessionID,
		UserID:      user.UserID,
		Surface:     surface.String(),
		IsActive:    true,
		CreatedAt:   nowStr,
		CreatedByIP: meta.IP,
		UserAgent:   meta.UserAgent,
		LastUsedAt:  nowStr,
		TTL:         refreshExpiry.Unix(),
	}
	token := RefreshTokenRecord{
		TokenDigest: auth.HashRefreshToken(refreshToken),
		TokenID:     uuid.NewString(),
		UserID:      user.UserID,
		SessionID:   sessionID,
		Surface:     surface.String(),
		CreatedAt:   nowStr,
		ExpiresAt:   refreshExpiry.Format(time.RFC3339),
		CreatedByIP: meta.IP,
		TTL:         refreshExpiry.Unix(),
	}

	if err := s.transactor.IssueSession(ctx, SessionIssueParams{Session: session, Token: token}); err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}

	mintResult, err := s.minter.MintAccessToken(user.UserID, sessionID, surface)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}

	sessionCreatedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("surface", surface.String())))
	tokenMintedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", "verify")))

	return &VerifyOTPResult{
		User:              *user,
		SessionID:         sessionID,
		AccessToken:       mintResult.Token,
		RefreshToken:      refreshToken,
		AccessTokenExpiry: mintResult.ExpiresAt,
	}, nil
}
