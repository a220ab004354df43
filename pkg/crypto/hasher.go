// Package crypto provides the hash functions and signing keys used by the
// ledger engine.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/sha3"
)

// DigestSize is the size in bytes of every digest produced by a Hasher.
const DigestSize = 32

// Algorithm names accepted by NewHasher.
const (
	AlgorithmSHA256  = "sha256"
	AlgorithmSHA3256 = "sha3-256"
)

// Digest is a 256-bit hash value.
type Digest [DigestSize]byte

// ZeroDigest is the all-zero digest. The hash chain uses it as genesis.
var ZeroDigest Digest

// String returns the lowercase hex encoding of d.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the all-zero digest.
func (d Digest) IsZero() bool {
	return d == ZeroDigest
}

// ParseDigest decodes a hex digest as produced by Digest.String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid digest hex: %w", err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("invalid digest size %d", len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// Hasher computes collision-resistant 256-bit digests.
type Hasher interface {
	// Name returns the algorithm identifier recorded in audit metadata.
	Name() string
	// Sum hashes the concatenation of parts.
	Sum(parts ...[]byte) Digest
}

type stdHasher struct {
	name string
	new  func() hash.Hash
}

func (h stdHasher) Name() string { return h.name }

func (h stdHasher) Sum(parts ...[]byte) Digest {
	w := h.new()
	for _, p := range parts {
		w.Write(p)
	}
	var d Digest
	copy(d[:], w.Sum(nil))
	return d
}

// SHA256 returns the default Hasher.
func SHA256() Hasher {
	return stdHasher{name: AlgorithmSHA256, new: sha256.New}
}

// SHA3256 returns a SHA3-256 Hasher.
func SHA3256() Hasher {
	return stdHasher{name: AlgorithmSHA3256, new: sha3.New256}
}

// NewHasher resolves an algorithm name. An empty name selects SHA-256.
func NewHasher(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", AlgorithmSHA256, "sha-256":
		return SHA256(), nil
	case AlgorithmSHA3256, "sha3_256", "sha3":
		return SHA3256(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", name)
	}
}
