package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTicketCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		code, err := GenerateTicketCode()
		require.NoError(t, err)
		assert.True(t, IsTicketCode(code), code)
		assert.Len(t, code, len(TicketCodePrefix)+32)
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

func TestIsTicketCode(t *testing.T) {
	assert.False(t, IsTicketCode(""))
	assert.False(t, IsTicketCode("TKT-XYZ"))
	assert.False(t, IsTicketCode("ABC-00112233445566778899AABBCCDDEEFF"))
	assert.True(t, IsTicketCode("TKT-00112233445566778899AABBCCDDEEFF"))
}
