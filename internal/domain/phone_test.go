package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowdesk/salon-platform/internal/domain"
)

func TestNewPhoneNumber(t *testing.T) {
	t.Run("accepts valid E.164 numbers", func(t *testing.T) {
		for _, raw := range []string{"+15551234567", "+442071838750", "+79261234567", "+1234567"} {
			p, err := domain.NewPhoneNumber(raw)
			require.NoError(t, err, "phone %q should be valid", raw)
			assert.Equal(t, raw, p.String())
			assert.False(t, p.IsZero())
		}
	})

	t.Run("rejects invalid numbers", func(t *testing.T) {
		for _, raw := range []string{"", "15551234567", "+0123456789", "+1-555-123-4567", "+1", "555 123 4567"} {
			_, err := domain.NewPhoneNumber(raw)
			require.Error(t, err, "phone %q should be rejected", raw)
			assert.ErrorIs(t, err, domain.ErrInvalidPhoneNumber)
		}
	})
}

func TestPhoneNumberMasked(t *testing.T) {
	t.Run("shows only the last four digits", func(t *testing.T) {
		p := domain.MustPhoneNumber("+15551234567")
		assert.Equal(t, "***4567", p.Masked())
	})

	t.Run("fully masks degenerate values", func(t *testing.T) {
		assert.Equal(t, "****", domain.PhoneNumber{}.Masked())
	})
}
