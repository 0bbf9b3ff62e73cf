// Package port exposes the auth operations over HTTP JSON. Handlers
// translate requests into app-layer calls and map domain errors through
// errmap; they hold no business logic.
package port

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/glowdesk/salon-platform/internal/authsvc/app"
	"github.com/glowdesk/salon-platform/internal/domain"
	"github.com/glowdesk/salon-platform/internal/errmap"
)

// maxBodyBytes bounds request bodies; auth payloads are tiny.
const maxBodyBytes = 4 << 10

// authService is a narrow, consumer-defined interface for the auth service
// operations the handler requires. The *app.AuthService satisfies this.
type authService interface {
	InitiateOTP(ctx context.Context, surface domain.Surface, phone string, meta app.ChallengeMeta) (*app.InitiateOTPResult, error)
	ResendOTP(ctx context.Context, surface domain.Surface, challengeID string) (*app.InitiateOTPResult, error)
	VerifyOTP(ctx context.Context, surface domain.Surface, challengeID, otpCandidate string, meta app.ChallengeMeta) (*app.VerifyOTPResult, error)
	RefreshTokens(ctx context.Context, surface domain.Surface, rawToken string, meta app.ChallengeMeta) (*app.RefreshResult, error)
	Logout(ctx context.Context, surface domain.Surface, rawToken string) error
}

// AuthHandler serves the surface-scoped auth routes.
type AuthHandler struct {
	svc    authService
	logger *slog.Logger
}

// NewAuthHandler creates an AuthHandler backed by the given AuthService.
func NewAuthHandler(svc *app.AuthService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, logger: logger}
}

// Routes returns the HTTP router for the auth API. Every route is scoped to
// a surface path segment; unknown surfaces are rejected before any handler
// logic runs.
func (h *AuthHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/v1/auth/{surface}", func(r chi.Router) {
		r.Post("/otp", h.handleInitiateOTP)
		r.Post("/otp/resend", h.handleResendOTP)
		r.Post("/otp/verify", h.handleVerifyOTP)
		r.Post("/refresh", h.handleRefresh)
		r.Post("/logout", h.handleLogout)
	})

	return r
}

type initiateOTPRequest struct {
	Phone string `json:"phone"`
}

type resendOTPRequest struct {
	ChallengeID string `json:"challenge_id"`
}

type verifyOTPRequest struct {
	ChallengeID string `json:"challenge_id"`
	OTP         string `json:"otp"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type challengeResponse struct {
	ChallengeID string `json:"challenge_id"`
	ExpiresIn   int    `json:"expires_in"`
}

type userResponse struct {
	UserID   string `json:"user_id"`
	Phone    string `json:"phone"`
	Role     string `json:"role"`
	TenantID string `json:"tenant_id,omitempty"`
}

type tokenResponse struct {
	AccessToken          string       `json:"access_token"`
	RefreshToken         string       `json:"refresh_token"`
	TokenType            string       `json:"token_type"`
	ExpiresIn            int          `json:"expires_in"`
	AccessTokenExpiresAt string       `json:"access_token_expires_at"`
	User                 userResponse `json:"user"`
	IsNewUser            bool         `json:"is_new_user,omitempty"`
}

func (h *AuthHandler) handleInitiateOTP(w http.ResponseWriter, r *http.Request) {
	surface, err := surfaceFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req initiateOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.svc.InitiateOTP(r.Context(), surface, req.Phone, metaFromRequest(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, challengeResponse{
		ChallengeID: result.ChallengeID,
		ExpiresIn:   int(result.ExpiresIn.Seconds()),
	})
}

func (h *AuthHandler) handleResendOTP(w http.ResponseWriter, r *http.Request) {
	surface, err := surfaceFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req resendOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.svc.ResendOTP(r.Context(), surface, req.ChallengeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, challengeResponse{
		ChallengeID: result.ChallengeID,
		ExpiresIn:   int(result.ExpiresIn.Seconds()),
	})
}

func (h *AuthHandler) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	surface, err := surfaceFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req verifyOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.svc.VerifyOTP(r.Context(), surface, req.ChallengeID, req.OTP, metaFromRequest(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:          result.AccessToken,
		RefreshToken:         result.RefreshToken,
		TokenType:            "Bearer",
		ExpiresIn:            secondsUntil(result.AccessTokenExpiry),
		AccessTokenExpiresAt: result.AccessTokenExpiry.UTC().Format(time.RFC3339),
		User:                 toUserResponse(result.User),
		IsNewUser:            result.IsNewUser,
	})
}

func (h *AuthHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	surface, err := surfaceFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.svc.RefreshTokens(r.Context(), surface, req.RefreshToken, metaFromRequest(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:          result.AccessToken,
		RefreshToken:         result.RefreshToken,
		TokenType:            "Bearer",
		ExpiresIn:            secondsUntil(result.AccessTokenExpiry),
		AccessTokenExpiresAt: result.AccessTokenExpiry.UTC().Format(time.RFC3339),
		User:                 toUserResponse(result.User),
	})
}

func (h *AuthHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	surface, err := surfaceFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req logoutRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.svc.Logout(r.Context(), surface, req.RefreshToken); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// surfaceFromRequest parses the {surface} path segment.
func surfaceFromRequest(r *http.Request) (domain.Surface, error) {
	return domain.ParseSurface(chi.URLParam(r, "surface"))
}

// metaFromRequest extracts the client IP and user agent for challenge and
// session records.
func metaFromRequest(r *http.Request) app.ChallengeMeta {
	return app.ChallengeMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// clientIP prefers the first X-Forwarded-For hop and falls back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// decodeJSON decodes the request body, mapping malformed payloads to the
// domain validation error so errmap renders them as 400s.
func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.ErrInvalidInput
	}
	return nil
}

// secondsUntil converts an absolute expiry into a non-negative lifetime.
func secondsUntil(t time.Time) int {
	secs := int(time.Until(t).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}

func toUserResponse(u app.UserRecord) userResponse {
	return userResponse{
		UserID:   u.UserID,
		Phone:    u.Phone,
		Role:     u.Role,
		TenantID: u.TenantID,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders a domain error through the shared HTTP mapping. Server
// errors are logged with the route; client errors are the caller's problem.
func (h *AuthHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	httpErr := errmap.ToHTTPError(err)
	if httpErr.StatusCode >= http.StatusInternalServerError && h.logger != nil {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, httpErr.StatusCode, httpErr)
}
