// Package sha256 names exported artifacts by their content digest.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements scrape.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Short truncates a digest to n characters for human-facing names.
func Short(digest string, n int) string {
	if n <= 0 || n >= len(digest) {
		return digest
	}
	return digest[:n]
}
