package domain

import "time"

// Compiled defaults for the authentication core. All of these can be
// overridden via configuration; the values here are the fallbacks the
// service starts with when nothing else is provided.
const (
	// OTP challenge policy
	OTPCodeLength       = 6               // digits in a one-time passcode
	OTPValidityDuration = 5 * time.Minute // how long a challenge remains verifiable
	MaxOTPAttempts      = 3               // wrong entries before the challenge locks
	MaxOTPResends       = 3               // resends allowed per challenge

	// Rate limiting for challenge initiation
	OTPRequestRateLimitPerPhone = 3                // max initiations per phone per window
	OTPRequestRateLimitPerIP    = 10               // max initiations per IP per window
	OTPRateLimitWindow          = 15 * time.Minute // fixed window for the above

	// Token defaults (per-surface overrides live in config)
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// Timeout contracts for external collaborators
	DynamoDBTimeout = 5 * time.Second
	RedisTimeout    = 2 * time.Second
	SNSTimeout      = 10 * time.Second

	// Graceful shutdown
	ShutdownDrainDelay  = 2 * time.Second  // let LB endpoint removal propagate
	ShutdownHTTPTimeout = 15 * time.Second // max time to drain in-flight requests
	ShutdownOTELTimeout = 5 * time.Second  // max time to flush telemetry

	// GracefulShutdownTimeout is the total budget for a clean exit.
	// Covers drain delay, HTTP drain, and telemetry flush.
	GracefulShutdownTimeout = 30 * time.Second
)

// ChallengeStatus is the lifecycle state of an OTP challenge.
// Used and locked are terminal: once reached, no verification ever succeeds.
type ChallengeStatus string

const (
	ChallengeActive ChallengeStatus = "active"
	ChallengeUsed   ChallengeStatus = "used"
	ChallengeLocked ChallengeStatus = "locked"
)

// IsTerminal reports whether the status permanently closes the challenge.
func (s ChallengeStatus) IsTerminal() bool {
	return s == ChallengeUsed || s == ChallengeLocked
}

// Revocation reasons recorded on sessions and refresh tokens.
// These are stored values; changing them is a data migration.
const (
	RevokeReasonRotated     = "rotated"
	RevokeReasonLogout      = "logout"
	RevokeReasonCompromised = "compromised"
)
