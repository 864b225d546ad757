// Package encryption seals file contents with AES-256-GCM.
//
// Blob wire format: nonce (12 bytes) || ciphertext || tag (16 bytes).
// The nonce is freshly random per call so the same plaintext never
// produces the same blob twice.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// NonceSize is the GCM nonce length prepended to every blob.
	NonceSize = 12
	// TagSize is the GCM authentication tag length appended to the ciphertext.
	TagSize = 16
)

// ErrAuthentication is returned when a blob fails integrity verification:
// the ciphertext was tampered with, the wrong key was used, or the blob is
// too short to contain a nonce.
var ErrAuthentication = errors.New("encryption: authentication failed")

// Encrypt seals plaintext under key and returns nonce||ciphertext||tag.
// The key must be a valid AES key length (16, 24 or 32 bytes).
func Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	// Seal appends to nonce, yielding the final wire format in one buffer.
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. It returns ErrAuthentication
// when the tag does not verify or the blob is shorter than a nonce.
func Decrypt(blob, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(blob) < NonceSize {
		return nil, ErrAuthentication
	}

	nonce, ciphertext := blob[:NonceSize], blob[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return aead, nil
}
