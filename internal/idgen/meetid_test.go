package idgen

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

var meetIDPattern = regexp.MustCompile(`^\d{3}-\d{3}-\d{3}$`)

func TestGenerateMeetIDFormat(t *testing.T) {
	for i := 0; i < 50; i++ {
		id, err := GenerateMeetID()
		require.NoError(t, err)
		require.Regexp(t, meetIDPattern, id)
	}
}

func TestGenerateSecureTokenEntropyAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := GenerateSecureToken()
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(tok), 22) // 144 bits base64url, no padding
		require.False(t, seen[tok], "token collision")
		seen[tok] = true
	}
}
