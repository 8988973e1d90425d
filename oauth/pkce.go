package oauth

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/tijs/book-explorer/internal/helpers"
)

// GeneratePKCE returns a code verifier / code challenge pair for the S256
// method. 32 random bytes base64url-encode to a 43 character verifier, the
// minimum RFC 7636 allows.
func GeneratePKCE() (verifier, challenge string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}

	verifier = base64.RawURLEncoding.EncodeToString(b)
	return verifier, helpers.S256(verifier), nil
}
