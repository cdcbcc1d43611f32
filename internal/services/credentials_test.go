package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCredentialPool_Empty(t *testing.T) {
	_, err := NewCredentialPool(nil)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestCredentialPool_RotateWraps(t *testing.T) {
	pool, err := NewCredentialPool([]string{"a", "b", "c"})
	require.NoError(t, err)

	assert.Equal(t, "a", pool.Current())
	assert.Equal(t, 0, pool.Index())

	assert.Equal(t, "b", pool.Rotate())
	assert.Equal(t, "c", pool.Rotate())
	assert.Equal(t, "a", pool.Rotate())
	assert.Equal(t, 0, pool.Index())
	assert.Equal(t, 3, pool.Len())
}

func TestCredentialPool_SingleCredential(t *testing.T) {
	pool, err := NewCredentialPool([]string{"only"})
	require.NoError(t, err)

	assert.Equal(t, "only", pool.Rotate())
	assert.Equal(t, 0, pool.Index())
}

func TestCredentialPool_CopiesInput(t *testing.T) {
	creds := []string{"a", "b"}
	pool, err := NewCredentialPool(creds)
	require.NoError(t, err)

	creds[0] = "mutated"
	assert.Equal(t, "a", pool.Current())
}
