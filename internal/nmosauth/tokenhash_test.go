package nmosauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretHasher_GenerateAndVerify(t *testing.T) {
	h := NewSecretHasher()
	plain, hashed, err := h.GenerateClientSecret()
	require.NoError(t, err)
	assert.NotEmpty(t, plain)
	assert.NotEmpty(t, hashed)
	assert.NotEqual(t, plain, hashed)

	assert.True(t, h.VerifyClientSecret(plain, hashed))
	assert.False(t, h.VerifyClientSecret("wrong-secret", hashed))
}

func TestGenerateAndVerifyState(t *testing.T) {
	plain, hashed, err := GenerateState()
	require.NoError(t, err)
	assert.NotEmpty(t, plain)

	assert.True(t, VerifyState(plain, hashed))
	assert.False(t, VerifyState("tampered", hashed))
}
