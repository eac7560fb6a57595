// Package secrets provides at-rest encryption for wallet signing
// credentials.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Cipher encrypts and decrypts small secret values.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// NoopCipher passes values through unchanged. Used in tests and local
// development only.
type NoopCipher struct{}

func (NoopCipher) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (NoopCipher) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

// AESCipher is an AES-GCM cipher with a random nonce prefixed to each
// ciphertext. Encoded output is base64.
type AESCipher struct {
	gcm cipher.AEAD
}

// NewAESCipher creates a cipher from a 16, 24 or 32 byte key.
func NewAESCipher(key []byte) (*AESCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &AESCipher{gcm: gcm}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (c *AESCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *AESCipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < c.gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := raw[:c.gcm.NonceSize()], raw[c.gcm.NonceSize():]
	plaintext, err := c.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// ParseKey accepts a raw 16/24/32 byte string or the base64/hex encoding of
// a key of that length.
func ParseKey(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("missing encryption key")
	}

	if l := len(value); l == 16 || l == 24 || l == 32 {
		return []byte(value), nil
	}

	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		if l := len(decoded); l == 16 || l == 24 || l == 32 {
			return decoded, nil
		}
	}

	if decoded, err := hex.DecodeString(value); err == nil {
		if l := len(decoded); l == 16 || l == 24 || l == 32 {
			return decoded, nil
		}
	}

	return nil, errors.New("must be raw 16/24/32 byte string or base64/hex encoding of that length")
}
