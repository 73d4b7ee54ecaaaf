// Package secrets seals webhook signing secrets before they reach the
// database.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/rendis/signflow/pkg/schema"
)

// sealedPrefix marks values produced by AESSealer.Seal.
const sealedPrefix = "sealed:v1:"

// Sealer turns a secret into its at-rest form and back.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

// Plain stores secrets as given. It refuses to open sealed values, which
// means a key was configured once and is now missing.
type Plain struct{}

func (Plain) Seal(plaintext string) (string, error) { return plaintext, nil }

func (Plain) Open(stored string) (string, error) {
	if IsSealed(stored) {
		return "", schema.NewError(schema.ErrCodeVault, "secret is sealed but no sealing key is configured")
	}
	return stored, nil
}

// IsSealed reports whether stored was produced by an AESSealer.
func IsSealed(stored string) bool { return strings.HasPrefix(stored, sealedPrefix) }

// KeyConfig selects the sealing key: a raw 32-byte MasterKey, or a key
// derived from Passphrase and Salt with PBKDF2-SHA256.
type KeyConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int // default 100000
}

// Configured reports whether any key material was supplied.
func (c KeyConfig) Configured() bool { return len(c.MasterKey) > 0 || c.Passphrase != "" }

// AESSealer seals with AES-256-GCM. The random nonce is stored in front of
// the ciphertext.
type AESSealer struct {
	aead cipher.AEAD
}

// NewAESSealer derives the key and prepares the cipher.
func NewAESSealer(cfg KeyConfig) (*AESSealer, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESSealer{aead: aead}, nil
}

// New returns an AESSealer when cfg carries key material and Plain otherwise.
func New(cfg KeyConfig) (Sealer, error) {
	if !cfg.Configured() {
		return Plain{}, nil
	}
	return NewAESSealer(cfg)
}

func deriveKey(cfg KeyConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault, "master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either a master key or a passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

// Seal encrypts plaintext. The empty secret stays empty.
func (s *AESSealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ct := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(ct), nil
}

// Open decrypts a sealed value. Unsealed values written before a key was
// configured are returned unchanged.
func (s *AESSealer) Open(stored string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", schema.NewError(schema.ErrCodeVault, "sealed secret is not valid base64").WithCause(err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n {
		return "", schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	pt, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeVault, "decrypt failed: %s", err.Error())
	}
	return string(pt), nil
}
