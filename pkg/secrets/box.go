// Package secrets seals and opens the credential columns that must never be
// stored in cleartext (channel tokens, webhook secrets, instance config).
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrCiphertextTooShort means the sealed blob is shorter than a nonce.
	ErrCiphertextTooShort = errors.New("secrets: ciphertext too short")
)

// Box encrypts and decrypts byte slices with AES-256-GCM. The nonce is
// generated per seal and prepended to the ciphertext.
type Box struct {
	aead cipher.AEAD
}

// NewBox builds a Box from a 64-char hex string encoding a 32-byte key.
func NewBox(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: new gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext. The returned blob is nonce || ciphertext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secrets: nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (b *Box) Open(blob []byte) ([]byte, error) {
	if len(blob) < b.aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	nonce, ct := blob[:b.aead.NonceSize()], blob[b.aead.NonceSize():]
	plain, err := b.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: open: %w", err)
	}
	return plain, nil
}

// GenerateKey returns a fresh random key in the hex form NewBox accepts.
// Used by the CLI helper and tests.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("secrets: generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
