package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// HashRefreshToken returns the SHA-256 of the refresh token, base64url-encoded without padding.
// Sessions store this instead of the raw token.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// RefreshTokenHashEqual reports whether token hashes to storedHash, in constant time.
func RefreshTokenHashEqual(token, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashRefreshToken(token)), []byte(storedHash)) == 1
}

// KeyEqual compares two shared secrets (e.g. the operator key) in constant time.
// An empty expected value never matches.
func KeyEqual(provided, expected string) bool {
	if expected == "" {
		return false
	}
	a := sha256.Sum256([]byte(provided))
	b := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
