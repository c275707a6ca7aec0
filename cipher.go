package bifrost

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	hkdfSalt = "bifrost-credential-encryption-v1"
	hkdfInfo = "aes-256-gcm-key"

	nonceSize = 12
	tagSize   = 16

	// MinSecretLength is the shortest accepted encryption secret, in bytes.
	MinSecretLength = 32
)

// CredentialCipher encrypts upstream credentials at rest with AES-256-GCM
// under a key derived from a static secret.
type CredentialCipher struct {
	aead cipher.AEAD
}

// NewCredentialCipher derives the AEAD key from secret.
func NewCredentialCipher(secret string) (*CredentialCipher, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("bifrost: encryption secret must be at least %d bytes", MinSecretLength)
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("bifrost: failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bifrost: failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("bifrost: failed to create GCM: %w", err)
	}

	return &CredentialCipher{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext || tag). A fresh random nonce is
// drawn for every call.
func (c *CredentialCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("bifrost: failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Every failure wraps ErrDecryption and carries no
// detail about the input.
func (c *CredentialCipher) Decrypt(blob string) (string, error) {
	combined, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrDecryption
	}
	if len(combined) < nonceSize+tagSize {
		return "", ErrDecryption
	}

	plaintext, err := c.aead.Open(nil, combined[:nonceSize], combined[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

// Encrypt encrypts plaintext under a key derived from secret.
func Encrypt(plaintext, secret string) (string, error) {
	c, err := NewCredentialCipher(secret)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plaintext)
}

// Decrypt decrypts a blob produced by Encrypt with the same secret.
func Decrypt(blob, secret string) (string, error) {
	c, err := NewCredentialCipher(secret)
	if err != nil {
		return "", err
	}
	return c.Decrypt(blob)
}
