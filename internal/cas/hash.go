package cas

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// HashSize is the length in bytes of a blob's content hash.
const HashSize = 32

// Hash identifies a blob by its BLAKE3 digest.
type Hash [HashSize]byte

// Sum returns the BLAKE3 hash of b.
func Sum(b []byte) Hash {
	var h Hash
	d := blake3.Sum256(b)
	copy(h[:], d[:])
	return h
}

// NewHasher returns a streaming BLAKE3 hasher suitable for io.Copy.
func NewHasher() *blake3.Hasher {
	return blake3.New(HashSize, nil)
}

// SumHasher finalizes a streaming hasher into a Hash.
func SumHasher(h *blake3.Hasher) Hash {
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// String returns the lowercase hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash (used as a sentinel for
// "no content", e.g. on a directory VnodeEntry).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash decodes a hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("cas: invalid hash length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("cas: invalid hash: %w", err)
	}
	copy(h[:], b)
	return h, nil
}
