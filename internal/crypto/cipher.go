package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// TokenCipher encrypts and decrypts JSON token blobs for at-rest storage.
type TokenCipher interface {
	EncryptJSON(v interface{}) (string, error)
	DecryptJSON(ciphertext string, v interface{}) error
}

// AESCipher implements TokenCipher with AES-256-GCM. The 32-byte key is
// derived from the configured secret with HKDF-SHA256, so the secret does not
// need to be exactly 32 bytes.
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher creates a cipher from the configured encryption secret.
func NewAESCipher(secret string) (*AESCipher, error) {
	if secret == "" {
		return nil, errors.New("token encryption secret is empty")
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("ledgersync-token-cipher"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}

	return &AESCipher{aead: aead}, nil
}

// EncryptJSON marshals v and returns base64(nonce + ciphertext + tag).
func (c *AESCipher) EncryptJSON(v interface{}) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptJSON reverses EncryptJSON and unmarshals into v.
func (c *AESCipher) DecryptJSON(ciphertext string, v interface{}) error {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return errors.New("ciphertext too short to contain nonce")
	}

	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return fmt.Errorf("failed to decrypt token: %w", err)
	}

	return json.Unmarshal(plaintext, v)
}
