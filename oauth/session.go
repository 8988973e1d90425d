package oauth

import (
	"context"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Session is the durable record of one authorized user, keyed by DID. The
// DPoP key pair is generated once per authorization and survives token
// rotation; only the tokens (and server nonces) change over its lifetime.
type Session struct {
	Did                 string
	Handle              string
	PdsUrl              string
	AuthserverIss       string
	AccessToken         string
	RefreshToken        string
	DpopPdsNonce        string
	DpopAuthserverNonce string
	DpopPrivateJwk      string
	DpopPublicJwk       string
}

// Usable reports whether the session can sign DPoP proofs. Sessions persisted
// before key material was stored come back without a key pair and must be
// treated as logged out.
func (s *Session) Usable() bool {
	return s != nil && s.Did != "" && s.AccessToken != "" &&
		s.DpopPrivateJwk != "" && s.DpopPublicJwk != ""
}

// PrivateKey reconstructs the signing key from its serialized JWK form.
func (s *Session) PrivateKey() (jwk.Key, error) {
	return ParseJWKFromBytes([]byte(s.DpopPrivateJwk))
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// SessionStore is the persistence contract consumed by the core. Upsert
// writes the full session each time; there are no partial updates.
type SessionStore interface {
	GetSession(ctx context.Context, did string) (*Session, error)
	UpsertSession(ctx context.Context, sess *Session) error
}
