package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCron(t *testing.T) {
	t.Run("Should pass a valid 6-field expression through", func(t *testing.T) {
		result, err := normalizeCron("0 30 2 * * *")
		require.NoError(t, err)
		assert.Equal(t, "0 30 2 * * *", result)
	})

	t.Run("Should convert a 5-field expression by prepending seconds", func(t *testing.T) {
		result, err := normalizeCron("*/5 * * * *")
		require.NoError(t, err)
		assert.Equal(t, "0 */5 * * * *", result)
	})

	t.Run("Should trim surrounding whitespace", func(t *testing.T) {
		result, err := normalizeCron("  30 2 * * *  ")
		require.NoError(t, err)
		assert.Equal(t, "0 30 2 * * *", result)
	})

	t.Run("Should reject an invalid 5-field expression", func(t *testing.T) {
		_, err := normalizeCron("99 99 * * *")
		assert.Error(t, err)
	})

	t.Run("Should reject the wrong field count", func(t *testing.T) {
		_, err := normalizeCron("* * *")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "expected 5 or 6 fields")
	})
}
