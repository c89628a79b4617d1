package hashing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"authcore/internal/config"
	"authcore/internal/keystore"
	"authcore/internal/util"
)

// Hasher produces the one-way hashes the core stores in place of secrets:
// a keyed phone hash for lookups and a plain SHA-256 for refresh tokens.
// The phone hash is HMAC-SHA256 so a dumped table cannot be reversed by
// enumerating the phone number space.
type Hasher struct {
	phoneKey []byte
}

func NewHasher(cfg *config.Config, keys *keystore.Store) (*Hasher, error) {
	phoneKey, err := keys.DeriveKey(cfg.Keys.LookupKeyID, keystore.PurposePhoneHash)
	if err != nil {
		return nil, fmt.Errorf("failed to derive phone hash key: %w", err)
	}
	return &Hasher{phoneKey: phoneKey}, nil
}

// HashPhone returns the deterministic lookup hash for a phone number.
func (h *Hasher) HashPhone(phone string) string {
	mac := hmac.New(sha256.New, h.phoneKey)
	mac.Write([]byte(util.NormalizePhone(phone)))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashToken hashes an opaque refresh token for storage. Refresh tokens are
// 256-bit random values, so an unkeyed hash is sufficient: there is nothing
// to enumerate.
func (h *Hasher) HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEquals compares two strings without leaking a timing signal.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
