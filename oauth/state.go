package oauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// stateMaxAge bounds how long a state token stays redeemable. It covers a
// realistic authorize-and-redirect round trip while limiting the exposure of
// a leaked or replayed token.
const stateMaxAge = 5 * time.Minute

// FlowState is everything one in-flight authorization attempt needs at the
// callback. It is never stored server-side; Encode turns it into the opaque
// `state` parameter and Decode consumes it exactly once.
type FlowState struct {
	Handle                string `json:"handle"`
	Did                   string `json:"did"`
	PdsUrl                string `json:"pds_url"`
	AuthserverIss         string `json:"authserver_iss"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	PkceVerifier          string `json:"pkce_verifier"`
	CreatedAt             int64  `json:"created_at"`
}

// StateCodec signs flow state into a compact payload.signature token so a
// stateless deployment needs no server-side session map between the
// authorize redirect and the callback.
type StateCodec struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

func NewStateCodec(secret []byte) *StateCodec {
	return &StateCodec{
		secret: secret,
		maxAge: stateMaxAge,
		now:    time.Now,
	}
}

func (c *StateCodec) Encode(fs FlowState) (string, error) {
	b, err := json.Marshal(fs)
	if err != nil {
		return "", err
	}

	payload := base64.RawURLEncoding.EncodeToString(b)
	return payload + "." + c.sign(payload), nil
}

// Decode verifies and parses a state token. Tampered or malformed tokens
// yield ErrInvalidState; well-formed tokens past the flow window yield
// ErrStateExpired. Both are terminal for the callback.
func (c *StateCodec) Decode(token string) (*FlowState, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, fmt.Errorf("%w: token is not payload.signature", ErrInvalidState)
	}

	if !hmac.Equal([]byte(c.sign(payload)), []byte(sig)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidState)
	}

	b, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64url", ErrInvalidState)
	}

	var fs FlowState
	if err := json.Unmarshal(b, &fs); err != nil {
		return nil, fmt.Errorf("%w: payload is not valid json", ErrInvalidState)
	}

	age := c.now().Sub(time.Unix(fs.CreatedAt, 0))
	if age >= c.maxAge {
		return nil, fmt.Errorf("%w: state is %s old", ErrStateExpired, age)
	}

	return &fs, nil
}

func (c *StateCodec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
