package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renung/pkg/types"
)

func TestRandomCode_Shape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		code, err := RandomCode()
		require.NoError(t, err)
		assert.Len(t, code, CodeLength)
		assert.True(t, types.IsValidRoomCode(code), code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 190)
}
