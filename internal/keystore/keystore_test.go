package keystore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authcore/internal/config"
)

func testMaterial(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func testConfig(material map[string]string, activeID string) *config.Config {
	return &config.Config{
		Environment: "test",
		Keys: config.KeysConfig{
			ActiveKeyID: activeID,
			LookupKeyID: activeID,
			Material:    material,
		},
	}
}

func TestNewWithConfiguredMaterial(t *testing.T) {
	cfg := testConfig(map[string]string{"v1": testMaterial(t)}, "v1")

	store, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", store.ActiveKeyID())
}

func TestNewRejectsShortMaterial(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("too-short"))
	cfg := testConfig(map[string]string{"v1": short}, "v1")

	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNewRejectsMissingActiveID(t *testing.T) {
	cfg := testConfig(map[string]string{"v1": testMaterial(t)}, "v2")

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrNoActiveKey)
}

func TestNewEphemeralFallbackOutsideProduction(t *testing.T) {
	cfg := testConfig(map[string]string{}, "v1")

	store, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	key, keyID, err := store.ActiveKey(PurposeCodeCipher)
	require.NoError(t, err)
	assert.Equal(t, "v1", keyID)
	assert.Len(t, key, 32)
}

func TestNewFailsWithoutMaterialInProduction(t *testing.T) {
	cfg := testConfig(map[string]string{}, "v1")
	cfg.Environment = "production"

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrNoActiveKey)
}

func TestDeriveKeySeparatesPurposes(t *testing.T) {
	cfg := testConfig(map[string]string{"v1": testMaterial(t)}, "v1")
	store, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	cipherKey, err := store.DeriveKey("v1", PurposeCodeCipher)
	require.NoError(t, err)
	hashKey, err := store.DeriveKey("v1", PurposePhoneHash)
	require.NoError(t, err)

	assert.Len(t, cipherKey, 32)
	assert.Len(t, hashKey, 32)
	assert.NotEqual(t, cipherKey, hashKey)

	// Derivation must be deterministic.
	again, err := store.DeriveKey("v1", PurposeCodeCipher)
	require.NoError(t, err)
	assert.Equal(t, cipherKey, again)
}

func TestDeriveKeyUnknownID(t *testing.T) {
	cfg := testConfig(map[string]string{"v1": testMaterial(t)}, "v1")
	store, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	_, err = store.DeriveKey("v9", PurposeCodeCipher)
	assert.ErrorIs(t, err, ErrUnknownKeyID)
}

func TestAddKeyRotatesActive(t *testing.T) {
	cfg := testConfig(map[string]string{"v1": testMaterial(t)}, "v1")
	store, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	newMaster := make([]byte, 32)
	_, err = rand.Read(newMaster)
	require.NoError(t, err)

	require.NoError(t, store.AddKey("v2", newMaster))
	assert.Equal(t, "v2", store.ActiveKeyID())

	// The retired version still derives.
	_, err = store.DeriveKey("v1", PurposeCodeCipher)
	assert.NoError(t, err)
}

func TestRetireKey(t *testing.T) {
	cfg := testConfig(map[string]string{"v1": testMaterial(t)}, "v1")
	store, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	newMaster := make([]byte, 32)
	_, err = rand.Read(newMaster)
	require.NoError(t, err)
	require.NoError(t, store.AddKey("v2", newMaster))

	assert.Error(t, store.RetireKey("v2"), "active key must not be retirable")

	require.NoError(t, store.RetireKey("v1"))
	_, err = store.DeriveKey("v1", PurposeCodeCipher)
	assert.ErrorIs(t, err, ErrUnknownKeyID)
}
