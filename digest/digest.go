// Package digest computes streaming content fingerprints of transferred files.
//
// Files are hashed in fixed-size reads so model weight files of any size can
// be fingerprinted without loading them into memory. Digests are rendered as
// lowercase hex strings, the form carried in the file_hash metadata field.
package digest

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Algorithm names a digest function. Both peers of a deployment must use the same one.
type Algorithm string

const (
	// SHA256 is the default algorithm.
	SHA256 Algorithm = "sha256"
	// BLAKE2b256 is BLAKE2b with a 32-byte output.
	BLAKE2b256 Algorithm = "blake2b-256"
	// BLAKE3 is BLAKE3 with its default 32-byte output.
	BLAKE3 Algorithm = "blake3"
)

// DefaultAlgorithm is used when configuration leaves the algorithm empty.
const DefaultAlgorithm = SHA256

// DefaultBufferSize is the read size used while hashing.
const DefaultBufferSize = 64 * 1024

// ErrUnknownAlgorithm indicates an unsupported algorithm name.
var ErrUnknownAlgorithm = errors.New("unknown digest algorithm")

// Algorithms lists the supported algorithms.
func Algorithms() []Algorithm {
	return []Algorithm{SHA256, BLAKE2b256, BLAKE3}
}

// ParseAlgorithm resolves a configured name. An empty name yields DefaultAlgorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "":
		return DefaultAlgorithm, nil
	case SHA256:
		return SHA256, nil
	case BLAKE2b256:
		return BLAKE2b256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
}

// New returns a fresh hash.Hash for the algorithm.
func New(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
}

// Hasher computes digests with a fixed algorithm.
type Hasher struct {
	alg     Algorithm
	bufSize int
}

// NewHasher creates a Hasher for alg.
func NewHasher(alg Algorithm) (*Hasher, error) {
	if _, err := New(alg); err != nil {
		return nil, err
	}
	return &Hasher{alg: alg, bufSize: DefaultBufferSize}, nil
}

// Algorithm returns the hasher's algorithm.
func (h *Hasher) Algorithm() Algorithm {
	return h.alg
}

// Reader hashes everything read from r and returns the hex digest and the byte count.
func (h *Hasher) Reader(r io.Reader) (string, int64, error) {
	hh, err := New(h.alg)
	if err != nil {
		return "", 0, err
	}

	buf := make([]byte, h.bufSize)
	n, err := io.CopyBuffer(hh, r, buf)
	if err != nil {
		return "", n, fmt.Errorf("hash stream: %w", err)
	}

	return hex.EncodeToString(hh.Sum(nil)), n, nil
}

// File hashes the file at path and returns the hex digest and the file size.
func (h *Hasher) File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Hasher.File",
			"path":     path,
			"error":    err.Error(),
		}).Debug("Failed to open file for hashing")
		return "", 0, err
	}
	defer f.Close()

	sum, n, err := h.Reader(f)
	if err != nil {
		return "", n, fmt.Errorf("hash %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Hasher.File",
		"path":      path,
		"algorithm": h.alg,
		"size":      n,
		"digest":    sum,
	}).Debug("File digest computed")

	return sum, n, nil
}

// Equal compares two hex digests case-insensitively in constant time.
func Equal(a, b string) bool {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ValidHex reports whether s looks like a lowercase hex digest of the algorithm's size.
func ValidHex(alg Algorithm, s string) bool {
	hh, err := New(alg)
	if err != nil {
		return false
	}
	if len(s) != hh.Size()*2 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
