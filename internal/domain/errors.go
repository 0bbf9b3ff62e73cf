package domain

import "errors"

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// ID validation errors
	ErrEmptyID   = errors.New("ID cannot be empty")
	ErrInvalidID = errors.New("invalid ID format")

	// Resource errors
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")

	// Authorization errors
	ErrUnauthorized = errors.New("authentication required")
	ErrForbidden    = errors.New("permission denied")

	// Validation errors
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidPhoneNumber = errors.New("invalid phone number format")
	ErrInvalidSurface     = errors.New("unknown authentication surface")

	// OTP challenge errors
	ErrInvalidOTP        = errors.New("invalid OTP")
	ErrChallengeExpired  = errors.New("OTP challenge has expired")
	ErrChallengeConsumed = errors.New("OTP challenge already used or locked")
	ErrResendLimited     = errors.New("OTP resend limit exceeded")

	// Token and session errors
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrRefreshTokenReuse   = errors.New("refresh token reuse detected")
	ErrSessionExpired      = errors.New("session has expired")
	ErrSessionRevoked      = errors.New("session has been revoked")
	ErrSurfaceMismatch     = errors.New("credential belongs to another surface")

	// Surface policy errors
	ErrPhoneNotAllowed = errors.New("phone number is not allow-listed")
	ErrAccountInactive = errors.New("account is inactive")

	// Operational errors
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrPhoneRateLimited = errors.New("phone number rate limit exceeded")
	ErrIPRateLimited    = errors.New("IP address rate limit exceeded")
	ErrUnavailable      = errors.New("service temporarily unavailable")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrPhoneRateLimited) ||
		errors.Is(err, ErrIPRateLimited)
}

// clientErrors enumerates all domain errors that represent client-side issues.
var clientErrors = []error{
	ErrInvalidInput,
	ErrInvalidPhoneNumber,
	ErrInvalidSurface,
	ErrNotFound,
	ErrForbidden,
	ErrUnauthorized,
	ErrEmptyID,
	ErrInvalidID,
	ErrInvalidOTP,
	ErrChallengeExpired,
	ErrChallengeConsumed,
	ErrResendLimited,
	ErrInvalidRefreshToken,
	ErrRefreshTokenReuse,
	ErrSessionExpired,
	ErrSessionRevoked,
	ErrSurfaceMismatch,
	ErrPhoneNotAllowed,
	ErrAccountInactive,
}

// IsClientError returns true if the error represents a client-side issue
// that will not succeed on retry without client-side changes.
func IsClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsPermissionDenied returns true if the error represents a permission issue.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrSurfaceMismatch) ||
		errors.Is(err, ErrPhoneNotAllowed) ||
		errors.Is(err, ErrAccountInactive) ||
		errors.Is(err, ErrUnauthorized)
}

// IsNotFound returns true if the error represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
