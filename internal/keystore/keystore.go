package keystore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"authcore/internal/config"
	"authcore/internal/util"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrUnknownKeyID = errors.New("unknown key id")
	ErrNoActiveKey  = errors.New("no active key configured")
)

// Key purposes. Each purpose gets its own HKDF-derived subkey so ciphertexts
// and lookup hashes never share key material.
const (
	PurposeCodeCipher = "otp-code-cipher"
	PurposePhoneHash  = "phone-lookup-hash"
)

const keySize = 32 // AES-256

type versionedKey struct {
	id     string
	master []byte
}

// Store holds every active and retired master key, indexed by key id.
// Rotation adds a new version; retired versions keep decrypting ciphertexts
// issued under them. Keys are never process-global: the store is injected.
type Store struct {
	mu       sync.RWMutex
	keys     map[string]*versionedKey
	activeID string
}

// KMSAPI is the slice of the KMS client the store needs.
type KMSAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// New builds a store from configured key material. When KMS is enabled the
// configured material is treated as KMS-wrapped ciphertext and unwrapped;
// otherwise it is used directly (development).
func New(ctx context.Context, cfg *config.Config, kmsClient KMSAPI) (*Store, error) {
	s := &Store{keys: make(map[string]*versionedKey)}

	for id, material := range cfg.Keys.Material {
		raw, err := base64.StdEncoding.DecodeString(material)
		if err != nil {
			return nil, fmt.Errorf("key %s: invalid base64 material: %w", id, err)
		}

		if cfg.KMS.Enabled {
			if kmsClient == nil {
				return nil, fmt.Errorf("key %s: KMS enabled but no client", id)
			}
			out, err := kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: raw})
			if err != nil {
				return nil, fmt.Errorf("key %s: failed to unwrap via KMS: %w", id, err)
			}
			raw = out.Plaintext
		}

		if len(raw) != keySize {
			return nil, fmt.Errorf("key %s: expected %d bytes, got %d", id, keySize, len(raw))
		}
		s.keys[id] = &versionedKey{id: id, master: raw}
	}

	// Development fallback: generate an ephemeral key so the service can
	// start without configured material. Codes do not survive a restart.
	if len(s.keys) == 0 {
		if cfg.IsProduction() {
			return nil, ErrNoActiveKey
		}
		ephemeral := make([]byte, keySize)
		if _, err := rand.Read(ephemeral); err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
		}
		s.keys[cfg.Keys.ActiveKeyID] = &versionedKey{id: cfg.Keys.ActiveKeyID, master: ephemeral}
		util.Warn("No key material configured, using ephemeral key",
			zap.String("key_id", cfg.Keys.ActiveKeyID))
	}

	s.activeID = cfg.Keys.ActiveKeyID
	if _, ok := s.keys[s.activeID]; !ok {
		return nil, fmt.Errorf("%w: active id %q not in material", ErrNoActiveKey, s.activeID)
	}

	util.Info("Key store initialized",
		zap.String("active_key_id", s.activeID),
		zap.Int("key_versions", len(s.keys)),
		zap.Bool("kms_wrapped", cfg.KMS.Enabled))

	return s, nil
}

// ActiveKeyID returns the id used for new ciphertexts.
func (s *Store) ActiveKeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// DeriveKey returns the purpose-scoped subkey for the given key id.
func (s *Store) DeriveKey(keyID, purpose string) ([]byte, error) {
	s.mu.RLock()
	vk, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyID, keyID)
	}
	return derive(vk.master, purpose)
}

// ActiveKey returns the active subkey for the given purpose plus its id.
func (s *Store) ActiveKey(purpose string) ([]byte, string, error) {
	s.mu.RLock()
	vk, ok := s.keys[s.activeID]
	s.mu.RUnlock()
	if !ok {
		return nil, "", ErrNoActiveKey
	}
	key, err := derive(vk.master, purpose)
	return key, vk.id, err
}

// AddKey registers a new key version and makes it active. Existing versions
// stay available for decryption until explicitly retired.
func (s *Store) AddKey(keyID string, master []byte) error {
	if len(master) != keySize {
		return fmt.Errorf("expected %d byte key, got %d", keySize, len(master))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[keyID]; exists {
		return fmt.Errorf("key id %s already registered", keyID)
	}
	s.keys[keyID] = &versionedKey{id: keyID, master: master}
	s.activeID = keyID

	util.Info("Key rotated", zap.String("active_key_id", keyID))
	return nil
}

// RetireKey removes a key version. Ciphertexts under it become undecryptable.
func (s *Store) RetireKey(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keyID == s.activeID {
		return fmt.Errorf("cannot retire active key %s", keyID)
	}
	if _, ok := s.keys[keyID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKeyID, keyID)
	}
	delete(s.keys, keyID)
	return nil
}

func derive(master []byte, purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}
