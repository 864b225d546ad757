package encryption

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySource supplies the current encryption key. Today there is exactly one
// static key; the interface exists so key rotation or envelope encryption
// can be layered on without touching the cipher code.
type KeySource interface {
	// CurrentKey returns the key bytes used for new encryptions and,
	// for now, all decryptions.
	CurrentKey() ([]byte, error)
}

// staticKeySource derives a single AES-256 key from a configured secret.
type staticKeySource struct {
	key []byte
}

// hkdfInfo binds derived keys to their purpose. Changing it invalidates
// every blob encrypted under the old derivation.
const hkdfInfo = "securedrop file encryption v1"

// NewStaticKeySource derives a 32-byte key from secret via HKDF-SHA256.
func NewStaticKeySource(secret string) (KeySource, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption secret must not be empty")
	}

	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	return &staticKeySource{key: key}, nil
}

func (s *staticKeySource) CurrentKey() ([]byte, error) {
	return s.key, nil
}
