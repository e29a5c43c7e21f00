// Package vault encrypts identity tokens at rest.
//
// Tokens are sealed with XChaCha20-Poly1305 under a 32-byte key. The key is
// either a random key file kept in the data directory or, when
// KEYTAP_PASSPHRASE is set, derived from the passphrase with scrypt and a
// per-directory salt. Sealed values are base64 text so they can live in YAML.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	// PassphraseEnv names the environment variable holding the vault passphrase.
	PassphraseEnv = "KEYTAP_PASSPHRASE"

	KeyFileName  = "vault.key"
	SaltFileName = "vault.salt"

	saltSize = 16

	// scrypt parameters recommended for interactive logins
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var (
	// ErrDecrypt is returned when a sealed value was tampered with or sealed under another key.
	ErrDecrypt = errors.New("vault: cannot decrypt value")

	// ErrKeySize is returned for keys that are not chacha20poly1305.KeySize bytes.
	ErrKeySize = fmt.Errorf("vault: key must be %d bytes", chacha20poly1305.KeySize)
)

// Vault seals and unseals small secrets.
type Vault struct {
	aead cipher.AEAD
}

// New creates a vault from a raw key.
func New(key []byte) (*Vault, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// FromPassphrase derives the key from passphrase and salt.
func FromPassphrase(passphrase string, salt []byte) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("vault: passphrase is empty")
	}
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return New(key)
}

// Open returns the vault for dataDir, creating the key or salt file on first use.
// The passphrase from PassphraseEnv takes precedence over the key file.
func Open(dataDir string) (*Vault, error) {
	if passphrase := os.Getenv(PassphraseEnv); passphrase != "" {
		salt, err := loadOrCreate(filepath.Join(dataDir, SaltFileName), saltSize)
		if err != nil {
			return nil, err
		}
		return FromPassphrase(passphrase, salt)
	}

	key, err := loadOrCreate(filepath.Join(dataDir, KeyFileName), chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// loadOrCreate reads a fixed-size secret file, generating it with mode 0600
// when it does not exist.
func loadOrCreate(path string, size int) ([]byte, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) != size {
			return nil, fmt.Errorf("vault: %s has %d bytes, expected %d", path, len(data), size)
		}
		return data, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("vault: read %s: %w", path, err)
	}

	data = make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, data); err != nil {
		return nil, fmt.Errorf("vault: generate %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("vault: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("vault: write %s: %w", path, err)
	}
	return data, nil
}

// Seal encrypts plaintext under a fresh random nonce and returns base64 text.
func (v *Vault) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unseal reverses Seal.
func (v *Vault) Unseal(text string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(sealed) < v.aead.NonceSize()+v.aead.Overhead() {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := sealed[:v.aead.NonceSize()], sealed[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
