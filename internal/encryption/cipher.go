package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"authcore/internal/keystore"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrDecryptionFailed is deliberately the only decryption error surfaced.
	// Tampered ciphertext, a wrong nonce, and a retired key are all
	// indistinguishable to callers, so verification cannot be used as a
	// padding or key oracle.
	ErrDecryptionFailed = errors.New("decryption failed")
)

const nonceSize = 12 // 96-bit GCM nonce

// Cipher encrypts verification codes with AES-256-GCM under the key store's
// active key. The key id travels with each ciphertext so rotation never
// invalidates codes issued under a previous key.
type Cipher struct {
	keys *keystore.Store
}

func NewCipher(keys *keystore.Store) *Cipher {
	return &Cipher{keys: keys}
}

// Encrypt seals the code under the active key with a fresh random nonce.
func (c *Cipher) Encrypt(code string) (ciphertext, nonce []byte, keyID string, err error) {
	key, keyID, err := c.keys.ActiveKey(keystore.PurposeCodeCipher)
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce = make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext = gcm.Seal(nil, nonce, []byte(code), []byte(keyID))
	return ciphertext, nonce, keyID, nil
}

// Decrypt opens a ciphertext produced under keyID. Every failure mode
// collapses into ErrDecryptionFailed.
func (c *Cipher) Decrypt(ciphertext, nonce []byte, keyID string) (string, error) {
	key, err := c.keys.DeriveKey(keyID, keystore.PurposeCodeCipher)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	if len(nonce) != nonceSize {
		return "", ErrDecryptionFailed
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(keyID))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
