package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/glowdesk/salon-platform/internal/domain"
)

var otpMax = big.NewInt(1_000_000) // 10^6 for 6-digit OTP

// GenerateOTP generates a cryptographically random 6-digit OTP.
// Uses crypto/rand with rejection sampling (via big.Int) to avoid modulo bias.
// The OTP is zero-padded (e.g., "000123").
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpMax)
	if err != nil {
		return "", fmt.Errorf("generate OTP: %w", err)
	}
	return fmt.Sprintf("%0*d", domain.OTPCodeLength, n.Int64()), nil
}

// HashPhone returns the SHA-256 hex digest of an E.164 phone number.
// Used for rate-limit keys so raw numbers never appear in Redis.
func HashPhone(phone string) string {
	h := sha256.Sum256([]byte(phone))
	return hex.EncodeToString(h[:])
}

// ComputeOTPMAC computes HMAC-SHA256(pepper, otp || challengeID || expiresAt).
// The MAC binds the code to the specific challenge and expiry window, so a
// resend (which replaces the expiry and MAC) strictly invalidates the
// previous code. Only the MAC is ever persisted; the plaintext code is not
// recoverable from it.
func ComputeOTPMAC(pepper []byte, otp, challengeID, expiresAt string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(otp))
	mac.Write([]byte(challengeID))
	mac.Write([]byte(expiresAt))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyOTPMAC verifies an OTP candidate against a stored MAC using
// constant-time comparison to prevent timing side-channels.
func VerifyOTPMAC(pepper []byte, otpCandidate, challengeID, expiresAt, storedMAC string) bool {
	candidateMAC := ComputeOTPMAC(pepper, otpCandidate, challengeID, expiresAt)
	return subtle.ConstantTimeCompare([]byte(candidateMAC), []byte(storedMAC)) == 1
}
