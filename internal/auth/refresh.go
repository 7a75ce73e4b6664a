package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// refreshPointerTTL matches the refresh token lifetime.
const refreshPointerTTL = refreshTokenExpiry

// HashRefreshToken returns SHA256 hex of the token. Only this hash is stored
// on the user record as the "last issued" refresh pointer.
func HashRefreshToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// MatchesRefreshPointer reports whether token is the most recently issued
// refresh token for a user whose stored pointer is storedHash/expiry.
func MatchesRefreshPointer(token, storedHash string, expiry *time.Time, now time.Time) bool {
	if storedHash == "" || expiry == nil || !now.Before(*expiry) {
		return false
	}
	return constantTimeCompare([]byte(HashRefreshToken(token)), []byte(storedHash))
}
