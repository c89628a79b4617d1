package hashing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authcore/internal/config"
	"authcore/internal/keystore"
)

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()

	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)

	cfg := &config.Config{
		Environment: "test",
		Keys: config.KeysConfig{
			ActiveKeyID: "v1",
			LookupKeyID: "v1",
			Material:    map[string]string{"v1": base64.StdEncoding.EncodeToString(raw)},
		},
	}

	keys, err := keystore.New(context.Background(), cfg, nil)
	require.NoError(t, err)

	hasher, err := NewHasher(cfg, keys)
	require.NoError(t, err)
	return hasher
}

func TestHashPhoneNormalizesFormatting(t *testing.T) {
	hasher := newTestHasher(t)

	base := hasher.HashPhone("+61412345678")
	assert.Equal(t, base, hasher.HashPhone("+61 412-345-678"))
	assert.Equal(t, base, hasher.HashPhone("  +61412345678  "))
	assert.NotEqual(t, base, hasher.HashPhone("+61412345679"))
	assert.Len(t, base, 64)
}

func TestHashPhoneStaysStableAcrossCipherRotation(t *testing.T) {
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	material := base64.StdEncoding.EncodeToString(raw)

	raw2 := make([]byte, 32)
	_, err = rand.Read(raw2)
	require.NoError(t, err)

	cfg := &config.Config{
		Environment: "test",
		Keys: config.KeysConfig{
			ActiveKeyID: "v1",
			LookupKeyID: "v1",
			Material:    map[string]string{"v1": material},
		},
	}
	keys, err := keystore.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	hasher, err := NewHasher(cfg, keys)
	require.NoError(t, err)

	before := hasher.HashPhone("+61412345678")

	// Rotate the cipher key; the lookup key id stays pinned, so stored
	// phone hashes must keep matching.
	require.NoError(t, keys.AddKey("v2", raw2))
	cfg.Keys.ActiveKeyID = "v2"

	rebuilt, err := NewHasher(cfg, keys)
	require.NoError(t, err)
	assert.Equal(t, before, rebuilt.HashPhone("+61412345678"))
}

func TestHashToken(t *testing.T) {
	hasher := newTestHasher(t)

	h1 := hasher.HashToken("opaque-token-a")
	h2 := hasher.HashToken("opaque-token-b")

	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, h1, hasher.HashToken("opaque-token-a"))
}

func TestConstantTimeEquals(t *testing.T) {
	assert.True(t, ConstantTimeEquals("482913", "482913"))
	assert.False(t, ConstantTimeEquals("482913", "482914"))
	assert.False(t, ConstantTimeEquals("482913", "48291"))
	assert.True(t, ConstantTimeEquals("", ""))
}
