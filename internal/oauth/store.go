package oauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/scrypt"
)

// SecretStore persists the token pool. Implementations must treat Load on
// an empty store as (nil, nil), not an error.
type SecretStore interface {
	Load() (*persistedState, error)
	Save(*persistedState) error
	Clear() error
}

// NoopStore discards everything; used when persistence is disabled.
type NoopStore struct{}

func (NoopStore) Load() (*persistedState, error) { return nil, nil }
func (NoopStore) Save(*persistedState) error     { return nil }
func (NoopStore) Clear() error                   { return nil }

const keyringUser = "tokens"

// KeyringStore keeps the serialized pool in the OS credential store.
type KeyringStore struct {
	service string
}

func NewKeyringStore(service string) *KeyringStore {
	return &KeyringStore{service: service}
}

func (s *KeyringStore) Load() (*persistedState, error) {
	raw, err := keyring.Get(s.service, keyringUser)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("oauth: keyring get: %w", err)
	}
	var state persistedState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("oauth: keyring decode: %w", err)
	}
	return &state, nil
}

func (s *KeyringStore) Save(state *persistedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("oauth: encode: %w", err)
	}
	if err := keyring.Set(s.service, keyringUser, string(data)); err != nil {
		return fmt.Errorf("oauth: keyring set: %w", err)
	}
	return nil
}

func (s *KeyringStore) Clear() error {
	if err := keyring.Delete(s.service, keyringUser); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("oauth: keyring delete: %w", err)
	}
	return nil
}

// FileStore keeps the pool in an AES-256-GCM encrypted file. The key is
// derived with scrypt from a passphrase; deployments without a keyring set
// a real passphrase via environment, otherwise the service name is used and
// the file is obfuscation rather than strong secrecy.
type FileStore struct {
	path       string
	passphrase string
}

func NewFileStore(path, passphrase string) *FileStore {
	return &FileStore{path: path, passphrase: passphrase}
}

var scryptSalt = []byte("claude-relay-token-store-v1")

func (s *FileStore) key() ([]byte, error) {
	key, err := scrypt.Key([]byte(s.passphrase), scryptSalt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("oauth: derive key: %w", err)
	}
	return key, nil
}

func (s *FileStore) Load() (*persistedState, error) {
	blob, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("oauth: read token file: %w", err)
	}

	key, err := s.key()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("oauth: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("oauth: gcm: %w", err)
	}
	if len(blob) < gcm.NonceSize() {
		return nil, fmt.Errorf("oauth: token file truncated")
	}

	nonce, sealed := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("oauth: decrypt token file: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(plain, &state); err != nil {
		return nil, fmt.Errorf("oauth: decode token file: %w", err)
	}
	return &state, nil
}

func (s *FileStore) Save(state *persistedState) error {
	plain, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("oauth: encode: %w", err)
	}

	key, err := s.key()
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("oauth: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("oauth: gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("oauth: nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plain, nil)

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("oauth: create token dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, sealed, 0o600); err != nil {
		return fmt.Errorf("oauth: write token file: %w", err)
	}
	return nil
}

func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("oauth: remove token file: %w", err)
	}
	return nil
}
