package tape

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"
)

// HashAlgorithm selects the digest used for file and archive hashes.
type HashAlgorithm string

const (
	// HashSHA256 is the default.
	HashSHA256 HashAlgorithm = "sha256"
	HashSHA512 HashAlgorithm = "sha512"
	HashBLAKE3 HashAlgorithm = "blake3"
)

// ParseHashAlgorithm returns the algorithm for a case-insensitive name.
// An empty name selects SHA-256.
func ParseHashAlgorithm(name string) (HashAlgorithm, error) {
	switch a := HashAlgorithm(strings.ToLower(strings.TrimSpace(name))); a {
	case "":
		return HashSHA256, nil
	case HashSHA256, HashSHA512, HashBLAKE3:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownHash, name)
	}
}

// New returns a fresh hash.
func (a HashAlgorithm) New() (hash.Hash, error) {
	switch a {
	case HashSHA256, "":
		return sha256.New(), nil
	case HashSHA512:
		return sha512.New(), nil
	case HashBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHash, string(a))
	}
}

// Digest formats the current sum of h as "algorithm:hex".
func (a HashAlgorithm) Digest(h hash.Hash) digest.Digest {
	return digest.NewDigestFromEncoded(a.algorithm(), hex.EncodeToString(h.Sum(nil)))
}

func (a HashAlgorithm) algorithm() digest.Algorithm {
	switch a {
	case HashSHA512:
		return digest.SHA512
	case HashBLAKE3:
		return digest.Algorithm(HashBLAKE3)
	default:
		return digest.SHA256
	}
}
