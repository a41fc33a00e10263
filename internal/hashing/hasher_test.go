package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskauth/internal/config"
)

func newTestHasher() *Hasher {
	// Low-cost parameters keep the test fast; correctness is what matters.
	return NewHasher(config.HashingConfig{
		Argon2MemoryCost:  8 * 1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
	})
}

func TestHashAndVerifyPassword(t *testing.T) {
	h := newTestHasher()

	encoded, err := h.HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$"))

	ok, err := h.VerifyPassword("correct horse battery staple", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPassword("wrong password", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashesAreSalted(t *testing.T) {
	h := newTestHasher()

	first, err := h.HashPassword("same-password")
	require.NoError(t, err)
	second, err := h.HashPassword("same-password")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestVerifyUsesStoredParameters(t *testing.T) {
	slow := NewHasher(config.HashingConfig{
		Argon2MemoryCost:  16 * 1024,
		Argon2TimeCost:    2,
		Argon2Parallelism: 2,
	})
	encoded, err := slow.HashPassword("a-password")
	require.NoError(t, err)

	// A hasher configured differently must still verify against the
	// parameters embedded in the stored hash.
	ok, err := newTestHasher().VerifyPassword("a-password", encoded)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsMalformedHashes(t *testing.T) {
	h := newTestHasher()

	for _, encoded := range []string{
		"",
		"plainhash",
		"$argon2id$v=19$m=8192,t=1,p=1$notbase64!$x",
		"$md5$whatever",
	} {
		_, err := h.VerifyPassword("password", encoded)
		assert.Error(t, err, "hash %q", encoded)
	}
}

func TestBackupCodeHashing(t *testing.T) {
	hash := HashBackupCode("ABCDEFGHIJ")

	assert.Len(t, hash, 64)
	assert.Equal(t, hash, HashBackupCode("ABCDEFGHIJ"))
	assert.NotEqual(t, hash, HashBackupCode("ABCDEFGHIK"))

	assert.True(t, MatchBackupCode("ABCDEFGHIJ", hash))
	assert.False(t, MatchBackupCode("ABCDEFGHIK", hash))
}
