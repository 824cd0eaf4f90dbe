// Package canonical produces deterministic byte encodings and hashes for
// domain objects. Every hash that ends up on the ledger goes through this
// package, so two processes serializing the same value always agree.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JCS returns the RFC 8785 canonical JSON encoding of v.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the lowercase hex SHA-256 of the canonical encoding
// of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase hex SHA-256 of b with no prefix. Ledger
// block hashes use this form so the difficulty predicate can count leading
// hex digits directly.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ContentHash returns the "sha256:"-prefixed hash of raw content bytes.
// Image blobs and payload value hashes use this form.
func ContentHash(b []byte) string {
	return "sha256:" + HashBytes(b)
}

// IsContentHash reports whether s looks like a "sha256:"-prefixed hex hash.
func IsContentHash(s string) bool {
	if !strings.HasPrefix(s, "sha256:") {
		return false
	}
	raw := strings.TrimPrefix(s, "sha256:")
	if len(raw) != 64 {
		return false
	}
	_, err := hex.DecodeString(raw)
	return err == nil
}

// NormalizeAnswer maps a detected or entered answer into canonical form:
// NFC, trimmed, upper-cased. "a " and "A" are the same answer.
func NormalizeAnswer(s string) string {
	return strings.ToUpper(strings.TrimSpace(norm.NFC.String(s)))
}

// NormalizeRoll canonicalizes a roll number the same way. Roll numbers are
// cache and lookup keys, so the form must be stable.
func NormalizeRoll(s string) string {
	return strings.ToUpper(strings.TrimSpace(norm.NFC.String(s)))
}
