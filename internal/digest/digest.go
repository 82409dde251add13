// Package digest provides content hashing and filename slugs for
// content-addressed document storage.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// Bytes returns the lowercase hex SHA-256 of b (64 chars).
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Valid reports whether s is a well-formed content hash: 64 lowercase hex chars.
func Valid(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// Slug converts a name into a stable lowercase filename component:
// alphanumerics kept, runs of anything else collapsed to single hyphens.
func Slug(name string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "unnamed"
	}
	return s
}

// RawPath returns the content-addressed object-store path for a raw FDD:
// /raw/{state}/{franchise_slug}/{year}/{hash}.pdf. The same hash always maps
// to the same path.
func RawPath(state, franchisorName string, year int, hash string) string {
	return fmt.Sprintf("/raw/%s/%s/%d/%s.pdf", strings.ToLower(state), Slug(franchisorName), year, hash)
}
