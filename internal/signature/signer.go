// Package signature implements the shared-secret request fingerprint.
//
// A fingerprint is the lowercase hex digest of the ordered concatenation of
// endpoint-specific request fields followed by the shared key. Field order is
// part of the wire protocol: clients and server must concatenate identically.
package signature

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a digest used to build fingerprints.
type Algorithm string

const (
	// MD5 is what existing clients compute; it is the default.
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ErrMismatch is returned when a presented signature does not match.
var ErrMismatch = errors.New("signature mismatch")

// ParseAlgorithm validates an algorithm name. Empty selects MD5.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(name))); a {
	case "":
		return MD5, nil
	case MD5, SHA256, BLAKE3:
		return a, nil
	default:
		return "", fmt.Errorf("unknown signature algorithm %q", name)
	}
}

// Signer computes and checks fingerprints for one shared key.
type Signer struct {
	key       string
	algorithm Algorithm
}

// New returns a Signer. An empty key is allowed but rejects every request.
func New(key string, algorithm Algorithm) *Signer {
	if algorithm == "" {
		algorithm = MD5
	}
	return &Signer{key: key, algorithm: algorithm}
}

// Algorithm reports the digest in use.
func (s *Signer) Algorithm() Algorithm { return s.algorithm }

// Sign returns the fingerprint of fields, concatenated in the given order.
func (s *Signer) Sign(fields ...string) string {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f)
	}
	b.WriteString(s.key)
	return digest(s.algorithm, []byte(b.String()))
}

// Verify checks presented against the fingerprint of fields.
func (s *Signer) Verify(presented string, fields ...string) error {
	if s.key == "" || presented == "" {
		return ErrMismatch
	}
	expected := s.Sign(fields...)
	if len(presented) != len(expected) {
		return ErrMismatch
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return ErrMismatch
	}
	return nil
}

func digest(algorithm Algorithm, data []byte) string {
	switch algorithm {
	case SHA256:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	case BLAKE3:
		sum := blake3.Sum256(data)
		return hex.EncodeToString(sum[:])
	default:
		sum := md5.Sum(data)
		return hex.EncodeToString(sum[:])
	}
}
