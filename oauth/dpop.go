package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/tijs/book-explorer/internal/helpers"
)

// GenerateKey creates the ES256 key pair that binds one session's DPoP
// proofs. A fresh pair is generated per authorization attempt and never
// shared across sessions.
func GenerateKey(kidPrefix *string) (jwk.Key, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	key, err := jwk.FromRaw(privKey)
	if err != nil {
		return nil, err
	}

	var kid string
	if kidPrefix != nil {
		kid = fmt.Sprintf("%s-%d", *kidPrefix, time.Now().Unix())
	} else {
		kid = fmt.Sprintf("%d", time.Now().Unix())
	}

	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	return key, nil
}

func ParseJWKFromBytes(b []byte) (jwk.Key, error) {
	return jwk.ParseKey(b)
}

// ExportKeyPair serializes a private key and its public half to JWK JSON so
// the pair survives persistence and later reconstruction.
func ExportKeyPair(key jwk.Key) (privateJson, publicJson string, err error) {
	privB, err := json.Marshal(key)
	if err != nil {
		return "", "", err
	}

	pub, err := key.PublicKey()
	if err != nil {
		return "", "", err
	}

	pubB, err := json.Marshal(pub)
	if err != nil {
		return "", "", err
	}

	return string(privB), string(pubB), nil
}

// DpopProof builds and signs the proof JWT for one physical HTTP attempt.
// Every attempt gets a fresh proof with its own jti; a retry never reuses
// one. The access token, when present, is bound in via the `ath` digest, and
// a server-issued nonce is embedded verbatim.
func DpopProof(method, requestUrl string, privateJwk jwk.Key, accessToken, nonce string) (string, error) {
	pubJwk, err := privateJwk.PublicKey()
	if err != nil {
		return "", err
	}

	b, err := json.Marshal(pubJwk)
	if err != nil {
		return "", err
	}

	var pubMap map[string]any
	if err := json.Unmarshal(b, &pubMap); err != nil {
		return "", err
	}

	htu, err := dpopHtu(requestUrl)
	if err != nil {
		return "", err
	}

	now := time.Now().Unix()

	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"htm": method,
		"htu": htu,
		"iat": now,
		"exp": now + 30,
	}

	if accessToken != "" {
		claims["ath"] = helpers.S256(accessToken)
	}

	if nonce != "" {
		claims["nonce"] = nonce
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["alg"] = "ES256"
	token.Header["jwk"] = pubMap

	var rawKey any
	if err := privateJwk.Raw(&rawKey); err != nil {
		return "", err
	}

	tokenString, err := token.SignedString(rawKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// dpopHtu normalizes the target URL for the htu claim: no query, no fragment.
func dpopHtu(requestUrl string) (string, error) {
	u, err := url.Parse(requestUrl)
	if err != nil {
		return "", err
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
