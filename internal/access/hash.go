package access

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const secretBytes = 32 // 256 bits of entropy per artifact

// Hasher computes the keyed digest stored in place of token and session
// plaintexts. All storage lookups go through Sum; the plaintext never
// reaches the store.
type Hasher struct {
	key []byte
}

// NewHasher builds a Hasher from the configured key.
func NewHasher(key string) (*Hasher, error) {
	if len(key) < 16 {
		return nil, errors.New("access: hash key must be at least 16 bytes")
	}
	if len(key) > 64 {
		return nil, errors.New("access: hash key must be at most 64 bytes")
	}
	return &Hasher{key: []byte(key)}, nil
}

// Sum returns the hex-encoded keyed BLAKE2b-256 digest of the plaintext.
func (h *Hasher) Sum(plaintext string) string {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		// Key length is validated in NewHasher.
		panic(fmt.Sprintf("access: blake2b: %v", err))
	}
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// newSecret generates an opaque credential plaintext.
func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
