// Package errmap translates domain errors into transport responses.
// Handlers never pick status codes themselves; they pass the domain error
// through ToHTTPError so the mapping lives in exactly one place.
package errmap

import (
	"errors"
	"net/http"

	"github.com/glowdesk/salon-platform/internal/domain"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// httpMapping defines a domain error to HTTP status/code mapping.
type httpMapping struct {
	err        error
	statusCode int
	code       string
}

// httpMappings maps domain errors to HTTP status codes and error codes.
// Order matters: first match wins (via errors.Is).
var httpMappings = []httpMapping{
	// Resource errors
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},
	{domain.ErrChallengeConsumed, http.StatusConflict, "CHALLENGE_CONSUMED"},

	// Auth errors — 401
	{domain.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHENTICATED"},
	{domain.ErrInvalidOTP, http.StatusUnauthorized, "INVALID_OTP"},
	{domain.ErrChallengeExpired, http.StatusUnauthorized, "CHALLENGE_EXPIRED"},
	{domain.ErrInvalidRefreshToken, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN"},
	{domain.ErrRefreshTokenReuse, http.StatusUnauthorized, "REFRESH_TOKEN_REUSE"},
	{domain.ErrSessionExpired, http.StatusUnauthorized, "SESSION_EXPIRED"},
	{domain.ErrSessionRevoked, http.StatusUnauthorized, "SESSION_REVOKED"},

	// Permission errors — 403
	{domain.ErrForbidden, http.StatusForbidden, "PERMISSION_DENIED"},
	{domain.ErrSurfaceMismatch, http.StatusForbidden, "SURFACE_MISMATCH"},
	{domain.ErrPhoneNotAllowed, http.StatusForbidden, "PHONE_NOT_ALLOWED"},
	{domain.ErrAccountInactive, http.StatusForbidden, "ACCOUNT_INACTIVE"},

	// Validation errors — 400
	{domain.ErrInvalidInput, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrEmptyID, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidID, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidPhoneNumber, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidSurface, http.StatusBadRequest, "INVALID_ARGUMENT"},

	// Rate limiting — 429
	{domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
	{domain.ErrPhoneRateLimited, http.StatusTooManyRequests, "PHONE_RATE_LIMITED"},
	{domain.ErrIPRateLimited, http.StatusTooManyRequests, "IP_RATE_LIMITED"},
	{domain.ErrResendLimited, http.StatusTooManyRequests, "RESEND_LIMITED"},

	// Availability
	{domain.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},
}

// ToHTTPError converts a domain error to an HTTP error.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}
	for _, m := range httpMappings {
		if errors.Is(err, m.err) {
			return HTTPError{StatusCode: m.statusCode, Code: m.code, Message: err.Error()}
		}
	}
	// Never expose internal error details to clients
	return HTTPError{StatusCode: http.StatusInternalServerError, Code: "INTERNAL", Message: "internal error"}
}

// ToHTTPStatusCode extracts just the HTTP status code for a domain error.
func ToHTTPStatusCode(err error) int {
	return ToHTTPError(err).StatusCode
}
