// Package sha256 digests references that have no resolvable identity so their
// archived pages still get stable object names.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher digests bytes with SHA-256 and returns lowercase hex.
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
