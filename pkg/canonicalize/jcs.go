// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the digests built on it. Fetch fingerprints and outcome
// digests are both computed here so every node hashes the same bytes.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// DigestPrefix tags every digest with its hash algorithm.
const DigestPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
// Struct tags are honoured through an intermediate json.Marshal; key order,
// whitespace and number formatting are then normalised.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	return Transform(intermediate)
}

// Transform canonicalises already encoded JSON.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Digest is CanonicalHash with the algorithm prefix, e.g. "sha256:ab12...".
func Digest(v interface{}) (string, error) {
	h, err := CanonicalHash(v)
	if err != nil {
		return "", err
	}
	return DigestPrefix + h, nil
}

// HashBytes computes SHA-256 hash of raw bytes and returns hex string
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
