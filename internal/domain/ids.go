// Package domain contains pure business logic and types.
// No external collaborators beyond the uuid library - this is the innermost ring.
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// ChallengeID is a value object identifying an in-flight OTP challenge.
// Always valid in memory - use NewChallengeID to construct.
type ChallengeID struct {
	value string
}

// NewChallengeID creates a ChallengeID from a raw string, validating it is a valid UUID.
func NewChallengeID(raw string) (ChallengeID, error) {
	if raw == "" {
		return ChallengeID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return ChallengeID{}, fmt.Errorf("invalid challenge ID %q: %w", raw, ErrInvalidID)
	}
	return ChallengeID{value: raw}, nil
}

// MustChallengeID creates a ChallengeID, panicking on invalid input. Use only in tests.
func MustChallengeID(raw string) ChallengeID {
	id, err := NewChallengeID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateChallengeID creates a new random ChallengeID.
func GenerateChallengeID() ChallengeID {
	return ChallengeID{value: uuid.NewString()}
}

func (id ChallengeID) String() string { return id.value }
func (id ChallengeID) IsZero() bool   { return id.value == "" }

// UserID is a value object representing a unique user identifier.
type UserID struct {
	value string
}

// NewUserID creates a UserID from a raw string, validating it is a valid UUID.
func NewUserID(raw string) (UserID, error) {
	if raw == "" {
		return UserID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return UserID{}, fmt.Errorf("invalid user ID %q: %w", raw, ErrInvalidID)
	}
	return UserID{value: raw}, nil
}

// GenerateUserID creates a new random UserID.
func GenerateUserID() UserID {
	return UserID{value: uuid.NewString()}
}

func (id UserID) String() string { return id.value }
func (id UserID) IsZero() bool   { return id.value == "" }

// SessionID is a value object representing a unique session identifier.
type SessionID struct {
	value string
}

// NewSessionID creates a SessionID from a raw string, validating it is a valid UUID.
func NewSessionID(raw string) (SessionID, error) {
	if raw == "" {
		return SessionID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return SessionID{}, fmt.Errorf("invalid session ID %q: %w", raw, ErrInvalidID)
	}
	return SessionID{value: raw}, nil
}

// GenerateSessionID creates a new random SessionID.
func GenerateSessionID() SessionID {
	return SessionID{value: uuid.NewString()}
}

func (id SessionID) String() string { return id.value }
func (id SessionID) IsZero() bool   { return id.value == "" }

// TenantID is a value object representing a salon tenant identifier.
type TenantID struct {
	value string
}

// NewTenantID creates a TenantID from a raw string, validating it is a valid UUID.
func NewTenantID(raw string) (TenantID, error) {
	if raw == "" {
		return TenantID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return TenantID{}, fmt.Errorf("invalid tenant ID %q: %w", raw, ErrInvalidID)
	}
	return TenantID{value: raw}, nil
}

// GenerateTenantID creates a new random TenantID.
func GenerateTenantID() TenantID {
	return TenantID{value: uuid.NewString()}
}

func (id TenantID) String() string { return id.value }
func (id TenantID) IsZero() bool   { return id.value == "" }
