package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowdesk/salon-platform/internal/auth"
	"github.com/glowdesk/salon-platform/internal/authsvc/app"
	"github.com/glowdesk/salon-platform/internal/domain"
)

// smsRecorder captures background OTP deliveries for assertions.
type smsRecorder struct {
	mu    sync.Mutex
	sends []struct{ phone, otp string }
}

func (r *smsRecorder) record(phone, otp string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, struct{ phone, otp string }{phone, otp})
}

func (r *smsRecorder) all() []struct{ phone, otp string } {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]struct{ phone, otp string }(nil), r.sends...)
}

func TestInitiateOTP(t *testing.T) {
	ctx := context.Background()
	meta := app.ChallengeMeta{IP: "203.0.113.7", UserAgent: "test-agent"}

	t.Run("creates challenge and dispatches OTP", func(t *testing.T) {
		h := newTestHarness(t)

		var created app.ChallengeRecord
		h.challenges.createFn = func(_ context.Context, record app.ChallengeRecord) error {
			created = record
			return nil
		}
		recorder := &smsRecorder{}
		h.smsProvider.sendOTPFn = func(_ context.Context, phone, otp string) error {
			recorder.record(phone, otp)
			return nil
		}

		result, err := h.svc.InitiateOTP(ctx, domain.SurfaceOwner, testOwnerPhone, meta)
		require.NoError(t, err)
		h.svc.Wait()

		assert.Equal(t, created.ChallengeID, result.ChallengeID)
		assert.Equal(t, domain.OTPValidityDuration, result.ExpiresIn)
		assert.Equal(t, testStart.Add(domain.OTPValidityDuration), result.ExpiresAt)

		assert.Equal(t, testOwnerPhone, created.Phone)
		assert.Equal(t, "owner", created.Surface)
		assert.Equal(t, string(domain.ChallengeActive), created.Status)
		assert.Equal(t, 0, created.Attempts)
		assert.Equal(t, domain.MaxOTPAttempts, created.MaxAttempts)
		assert.Equal(t, 0, created.ResendCount)
		assert.Equal(t, meta.IP, created.IP)
		assert.Equal(t, meta.UserAgent, created.UserAgent)
		assert.Equal(t, result.ExpiresAt.Unix(), created.TTL)

		sends := recorder.all()
		require.Len(t, sends, 1)
		assert.Equal(t, testOwnerPhone, sends[0].phone)
		assert.Len(t, sends[0].otp, 6)

		// The stored MAC verifies exactly the code that was sent.
		assert.True(t, auth.VerifyOTPMAC(testPepper, sends[0].otp, created.ChallengeID, created.ExpiresAt, created.OTPMAC))
	})

	t.Run("rejects malformed phone number", func(t *testing.T) {
		h := newTestHarness(t)
		_, err := h.svc.InitiateOTP(ctx, domain.SurfaceOwner, "not-a-phone", meta)
		assert.ErrorIs(t, err, domain.ErrInvalidPhoneNumber)
	})

	t.Run("rejects unknown surface", func(t *testing.T) {
		h := newTestHarness(t)
		_, err := h.svc.InitiateOTP(ctx, domain.Surface("kiosk"), testOwnerPhone, meta)
		assert.ErrorIs(t, err, domain.ErrInvalidSurface)
	})

	t.Run("admin surface rejects non-allow-listed phone before creating a challenge", func(t *testing.T) {
		h := newTestHarness(t)
		h.challenges.createFn = func(context.Context, app.ChallengeRecord) error {
			t.Error("challenge must not be created for a rejected phone")
			return nil
		}

		_, err := h.svc.InitiateOTP(ctx, domain.SurfaceAdmin, testOwnerPhone, meta)
		assert.ErrorIs(t, err, domain.ErrPhoneNotAllowed)
	})

	t.Run("admin surface accepts allow-listed phone", func(t *testing.T) {
		h := newTestHarness(t)
		result, err := h.svc.InitiateOTP(ctx, domain.SurfaceAdmin, testAdminPhone, meta)
		require.NoError(t, err)
		h.svc.Wait()
		assert.NotEmpty(t, result.ChallengeID)
	})

	t.Run("phone rate limit is enforced", func(t *testing.T) {
		h := newTestHarness(t)
		h.rateLimiter.checkAndIncrementFn = func(_ context.Context, key string, limit, windowSeconds int) (bool, error) {
			assert.Equal(t, "otp_init:phone:"+auth.HashPhone(testOwnerPhone), key)
			assert.Equal(t, domain.OTPRequestRateLimitPerPhone, limit)
			assert.Equal(t, int(domain.OTPRateLimitWindow.Seconds()), windowSeconds)
			return false, nil
		}

		_, err := h.svc.InitiateOTP(ctx, domain.SurfaceOwner, testOwnerPhone, meta)
		assert.ErrorIs(t, err, domain.ErrPhoneRateLimited)
	})

	t.Run("phone rate limit fails closed on limiter error", func(t *testing.T) {
		h := newTestHarness(t)
		h.rateLimiter.checkAndIncrementFn = func(context.Context, string, int, int) (bool, error) {
			return false, errors.New("redis down")
		}

		_, err := h.svc.InitiateOTP(ctx, domain.SurfaceOwner, testOwnerPhone, meta)
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrPhoneRateLimited)
	})

	t.Run("IP rate limit is enforced", func(t *testing.T) {
		h := newTestHarness(t)
		h.rateLimiter.checkAndIncrementFn = func(_ context.Context, key string, _, _ int) (bool, error) {
			if key == "otp_init:ip:"+meta.IP {
				return false, nil
			}
			return true, nil
		}

		_, err := h.svc.InitiateOTP(ctx, domain.SurfaceOwner, testOwnerPhone, meta)
		assert.ErrorIs(t, err, domain.ErrIPRateLimited)
	})

	t.Run("IP rate limit fails open on limiter error", func(t *testing.T) {
		h := newTestHarness(t)
		h.rateLimiter.checkAndIncrementFn = func(_ context.Context, key string, _, _ int) (bool, error) {
			if key == "otp_init:ip:"+meta.IP {
				return false, errors.New("redis down")
			}
			return true, nil
		}

		_, err := h.svc.InitiateOTP(ctx, domain.SurfaceOwner, testOwnerPhone, meta)
		require.NoError(t, err)
		h.svc.Wait()
	})

	t.Run("missing client IP skips the IP limit", func(t *testing.T) {
		h := newTestHarness(t)
		var keys []string
		h.rateLimiter.checkAndIncrementFn = func(_ context.Context, key string, _, _ int) (bool, error) {
			keys = append(keys, key)
			return true, nil
		}

		_, err := h.svc.InitiateOTP(ctx, domain.SurfaceOwner, testOwnerPhone, app.ChallengeMeta{})
		require.NoError(t, err)
		h.svc.Wait()
		require.Len(t, keys, 1)
		assert.Contains(t, keys[0], "otp_init:phone:")
	})

	t.Run("SMS delivery failure does not fail the call", func(t *testing.T) {
		h := newTestHarness(t)
		h.smsProvider.sendOTPFn = func(context.Context, string, string) error {
			return errors.New("sns unavailable")
		}

		result, err := h.svc.InitiateOTP(ctx, domain.SurfaceOwner, testOwnerPhone, meta)
		require.NoError(t, err)
		h.svc.Wait()
		assert.NotEmpty(t, result.ChallengeID)
	})

	t.Run("challenge store failure is surfaced", func(t *testing.T) {
		h := newTestHarness(t)
		h.challenges.createFn = func(context.Context, app.ChallengeRecord) error {
			return errors.New("dynamo write failed")
		}

		_, err := h.svc.InitiateOTP(ctx, domain.SurfaceOwner, testOwnerPhone, meta)
		assert.ErrorContains(t, err, "create challenge")
	})
}

func TestInitiateOTP_SMSOutlivesRequestContext(t *testing.T) {
	h := newTestHarness(t)

	delivered := make(chan struct{})
	h.smsProvider.sendOTPFn = func(ctx context.Context, _, _ string) error {
		// The send context must survive cancellation of the request context.
		select {
		case <-ctx.Done():
			t.Error("SMS context cancelled with the request")
		case <-time.After(10 * time.Millisecond):
		}
		close(delivered)
		return nil
	}

	reqCtx, cancel := context.WithCancel(context.Background())
	_, err := h.svc.InitiateOTP(reqCtx, domain.SurfaceOwner, testOwnerPhone, app.ChallengeMeta{})
	require.NoError(t, err)
	cancel()

	<-delivered
	h.svc.Wait()
}
