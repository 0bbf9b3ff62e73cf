package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowdesk/salon-platform/internal/domain"
)

func TestChallengeID(t *testing.T) {
	t.Run("round-trips a generated ID", func(t *testing.T) {
		id := domain.GenerateChallengeID()
		require.False(t, id.IsZero())

		parsed, err := domain.NewChallengeID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	})

	t.Run("rejects empty and malformed IDs", func(t *testing.T) {
		_, err := domain.NewChallengeID("")
		assert.ErrorIs(t, err, domain.ErrEmptyID)

		_, err = domain.NewChallengeID("not-a-uuid")
		assert.ErrorIs(t, err, domain.ErrInvalidID)
	})
}

func TestGeneratedIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := domain.GenerateSessionID().String()
		require.False(t, seen[id], "duplicate session ID generated")
		seen[id] = true
	}
}
