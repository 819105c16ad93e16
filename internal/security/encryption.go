package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"nexa/internal/domain"
)

const (
	encPrefix = "enc:"
	saltSize  = 16
)

// SettingsCipher encrypts connector settings at rest with AES-256-GCM.
// The key is derived from a passphrase and a persisted salt via Argon2id,
// so the same passphrase opens values written by earlier processes.
type SettingsCipher struct {
	mu  sync.RWMutex
	key []byte // 32 bytes
}

// NewSalt returns a fresh random salt for a new catalog.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// NewSettingsCipher derives the key from passphrase and salt.
func NewSettingsCipher(passphrase string, salt []byte) (*SettingsCipher, error) {
	if passphrase == "" {
		return nil, domain.NewDomainError("NewSettingsCipher", domain.ErrEncryption, "passphrase must not be empty")
	}
	if len(salt) != saltSize {
		return nil, domain.NewDomainError("NewSettingsCipher", domain.ErrEncryption,
			fmt.Sprintf("salt must be %d bytes, got %d", saltSize, len(salt)))
	}
	return &SettingsCipher{key: deriveKey(passphrase, salt)}, nil
}

// Encrypt returns "enc:" + base64(nonce + ciphertext).
func (c *SettingsCipher) Encrypt(plaintext string) (string, error) {
	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", domain.WrapOp("SettingsCipher.Encrypt", fmt.Errorf("%w: nonce: %v", domain.ErrEncryption, err))
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Input without the "enc:"
// prefix is returned unchanged so hand-written seed rows stay readable.
func (c *SettingsCipher) Decrypt(ciphertext string) (string, error) {
	if !IsEncrypted(ciphertext) {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, encPrefix))
	if err != nil {
		return "", domain.NewDomainError("SettingsCipher.Decrypt", domain.ErrDecryption, "base64: "+err.Error())
	}

	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", domain.NewDomainError("SettingsCipher.Decrypt", domain.ErrDecryption, "ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", domain.NewDomainError("SettingsCipher.Decrypt", domain.ErrDecryption, err.Error())
	}
	return string(plaintext), nil
}

// EncryptSettings serialises settings to JSON and encrypts the result.
func (c *SettingsCipher) EncryptSettings(settings map[string]any) (string, error) {
	if settings == nil {
		settings = map[string]any{}
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return "", domain.NewDomainError("SettingsCipher.EncryptSettings", domain.ErrEncryption, err.Error())
	}
	return c.Encrypt(string(raw))
}

// DecryptSettings reverses EncryptSettings. Plain JSON is accepted as-is.
func (c *SettingsCipher) DecryptSettings(stored string) (map[string]any, error) {
	if stored == "" {
		return map[string]any{}, nil
	}
	raw, err := c.Decrypt(stored)
	if err != nil {
		return nil, err
	}
	var settings map[string]any
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, domain.NewDomainError("SettingsCipher.DecryptSettings", domain.ErrDecryption, "settings are not a JSON object")
	}
	if settings == nil {
		settings = map[string]any{}
	}
	return settings, nil
}

// Zeroize clears the key bytes. Call on shutdown.
func (c *SettingsCipher) Zeroize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.key {
		c.key[i] = 0
	}
}

// IsEncrypted reports whether s carries the "enc:" prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix)
}

func (c *SettingsCipher) gcm() (cipher.AEAD, error) {
	c.mu.RLock()
	key := make([]byte, len(c.key))
	copy(key, c.key)
	c.mu.RUnlock()

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, domain.NewDomainError("SettingsCipher", domain.ErrEncryption, "create cipher: "+err.Error())
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domain.NewDomainError("SettingsCipher", domain.ErrEncryption, "create gcm: "+err.Error())
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}
