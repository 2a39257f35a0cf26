package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeSecret trims surrounding whitespace and applies NFKC so that a
// credential pasted from a document (full-width digits, non-breaking
// spaces) compares equal to the one the backend issued.
func NormalizeSecret(s string) string {
	return strings.TrimSpace(norm.NFKC.String(strings.TrimSpace(s)))
}

// Fingerprint returns the hex SHA-256 of s. Used wherever a bearer token
// must be keyed or logged without storing the token itself.
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
