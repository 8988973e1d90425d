package helpers

import (
	"crypto/sha256"
	"encoding/base64"
)

// S256 returns the base64url (no padding) encoded SHA-256 digest of the
// input. Used for both PKCE code challenges and DPoP `ath` claims.
func S256(input string) string {
	h := sha256.New()
	h.Write([]byte(input))
	hash := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(hash)
}
