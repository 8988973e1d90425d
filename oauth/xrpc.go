package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type XrpcRequestType int

const (
	Query = XrpcRequestType(iota)
	Procedure
)

// XRPCError is the JSON error body a PDS returns on failed calls.
type XRPCError struct {
	ErrStr  string `json:"error"`
	Message string `json:"message"`
}

func (xe *XRPCError) Error() string {
	return fmt.Sprintf("%s: %s", xe.ErrStr, xe.Message)
}

// Error carries the HTTP status alongside the remote payload so callers can
// branch without losing diagnostics.
type Error struct {
	StatusCode int
	Wrapped    error
}

func (e *Error) Error() string {
	if e.Wrapped == nil {
		return fmt.Sprintf("XRPC ERROR %d", e.StatusCode)
	}
	return fmt.Sprintf("XRPC ERROR %d: %s", e.StatusCode, e.Wrapped)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Refresher exchanges a session's refresh token for a new token pair.
// *Client satisfies it.
type Refresher interface {
	RefreshSession(ctx context.Context, sess *Session) (*Session, error)
}

// XrpcClient issues DPoP-authenticated XRPC calls against a session's PDS.
// It recovers nonce challenges internally (one retry) and, on a rejected
// token, refreshes once and retries; any other failure goes back to the
// caller untouched.
type XrpcClient struct {
	H         *http.Client
	Refresher Refresher
	Store     SessionStore
}

func NewXrpcClient(refresher Refresher, store SessionStore) *XrpcClient {
	return &XrpcClient{
		H:         &http.Client{Timeout: 30 * time.Second},
		Refresher: refresher,
		Store:     store,
	}
}

const (
	challengeNone         = ""
	challengeUseDpopNonce = "use_dpop_nonce"
	challengeInvalidToken = "invalid_token"
)

// Do runs one XRPC call. The returned session may carry rotated tokens or an
// updated server nonce; callers holding their own copy must adopt it. Each
// physical attempt gets a freshly signed proof.
func (x *XrpcClient) Do(
	ctx context.Context,
	sess *Session,
	kind XrpcRequestType,
	inpenc string,
	method string,
	params map[string]any,
	bodyobj any,
	out any,
) (*Session, error) {
	if !sess.Usable() {
		return sess, fmt.Errorf("%w: session is missing token or dpop key material", ErrUnauthenticated)
	}

	var reqBody []byte
	if bodyobj != nil {
		b, err := json.Marshal(bodyobj)
		if err != nil {
			return sess, err
		}
		reqBody = b
	}

	var httpMethod string
	switch kind {
	case Query:
		httpMethod = "GET"
	case Procedure:
		httpMethod = "POST"
	default:
		return sess, fmt.Errorf("unsupported request kind: %d", kind)
	}

	var paramStr string
	if len(params) > 0 {
		paramStr = "?" + makeParams(params)
	}

	cur := sess.Clone()
	uri := strings.TrimSuffix(cur.PdsUrl, "/") + "/xrpc/" + method + paramStr

	resp, body, err := x.attempt(ctx, cur, httpMethod, uri, inpenc, reqBody)
	if err != nil {
		return cur, err
	}

	if ch := challengeKind(resp, body); ch == challengeUseDpopNonce {
		// one retry with the server's nonce, already remembered on cur
		resp, body, err = x.attempt(ctx, cur, httpMethod, uri, inpenc, reqBody)
		if err != nil {
			return cur, err
		}

		if challengeKind(resp, body) == challengeInvalidToken {
			resp, body, cur, err = x.refreshAndRetry(ctx, cur, httpMethod, uri, inpenc, reqBody)
			if err != nil {
				return cur, err
			}
		}
	} else if ch == challengeInvalidToken {
		resp, body, cur, err = x.refreshAndRetry(ctx, cur, httpMethod, uri, inpenc, reqBody)
		if err != nil {
			return cur, err
		}
	}

	if err := x.persistIfChanged(ctx, sess, cur); err != nil {
		return cur, err
	}

	if resp.StatusCode != http.StatusOK {
		var xe XRPCError
		if err := json.Unmarshal(body, &xe); err != nil {
			return cur, &Error{StatusCode: resp.StatusCode, Wrapped: fmt.Errorf("failed to decode xrpc error message: %w", err)}
		}
		return cur, &Error{StatusCode: resp.StatusCode, Wrapped: &xe}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return cur, fmt.Errorf("decoding xrpc response: %w", err)
		}
	}

	return cur, nil
}

// attempt performs one physical request with a freshly built proof and reads
// the whole response. A DPoP-Nonce response header is remembered on the
// session for the next attempt.
func (x *XrpcClient) attempt(ctx context.Context, sess *Session, httpMethod, uri, inpenc string, reqBody []byte) (*http.Response, []byte, error) {
	dpopKey, err := sess.PrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: could not parse dpop key: %v", ErrUnauthenticated, err)
	}

	proof, err := DpopProof(httpMethod, uri, dpopKey, sess.AccessToken, sess.DpopPdsNonce)
	if err != nil {
		return nil, nil, fmt.Errorf("error getting dpop proof: %w", err)
	}

	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, uri, bodyReader)
	if err != nil {
		return nil, nil, err
	}

	if reqBody != nil && inpenc != "" {
		req.Header.Set("Content-Type", inpenc)
	}
	req.Header.Set("Authorization", "DPoP "+sess.AccessToken)
	req.Header.Set("DPoP", proof)

	resp, err := x.H.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response body: %w", err)
	}

	if nonce := resp.Header.Get("DPoP-Nonce"); nonce != "" {
		sess.DpopPdsNonce = nonce
	}

	return resp, body, nil
}

// refreshAndRetry runs the single refresh the executor allows per call, then
// re-issues the request with the rotated token. Whatever comes back is
// final; a second rejection is returned as-is rather than cycling again.
func (x *XrpcClient) refreshAndRetry(ctx context.Context, sess *Session, httpMethod, uri, inpenc string, reqBody []byte) (*http.Response, []byte, *Session, error) {
	if x.Refresher == nil {
		return nil, nil, sess, fmt.Errorf("%w: token rejected and no refresher configured", ErrTokenExpired)
	}

	refreshed, err := x.Refresher.RefreshSession(ctx, sess)
	if err != nil {
		return nil, nil, sess, fmt.Errorf("token rejected and refresh failed: %w", err)
	}

	// keep the resource-server nonce we learned on this call
	refreshed.DpopPdsNonce = sess.DpopPdsNonce

	resp, body, err := x.attempt(ctx, refreshed, httpMethod, uri, inpenc, reqBody)
	if err != nil {
		return nil, nil, refreshed, err
	}

	return resp, body, refreshed, nil
}

func (x *XrpcClient) persistIfChanged(ctx context.Context, before, after *Session) error {
	if x.Store == nil || *before == *after {
		return nil
	}
	if err := x.Store.UpsertSession(ctx, after); err != nil {
		return fmt.Errorf("could not persist updated session: %w", err)
	}
	return nil
}

// challengeKind classifies a 401 as a nonce challenge, a rejected token, or
// neither. PDSes report the error either in the JSON body or in the
// WWW-Authenticate header; both forms count.
func challengeKind(resp *http.Response, body []byte) string {
	if resp.StatusCode != http.StatusUnauthorized {
		return challengeNone
	}

	var xe XRPCError
	if err := json.Unmarshal(body, &xe); err == nil {
		switch xe.ErrStr {
		case challengeUseDpopNonce, challengeInvalidToken:
			return xe.ErrStr
		}
	}

	wwwAuth := resp.Header.Get("WWW-Authenticate")
	if strings.Contains(wwwAuth, `error="use_dpop_nonce"`) {
		return challengeUseDpopNonce
	}
	if strings.Contains(wwwAuth, `error="invalid_token"`) {
		return challengeInvalidToken
	}

	return challengeNone
}

// makeParams converts a param map into a URL-encoded query string. Slices of
// strings become repeated keys.
func makeParams(p map[string]any) string {
	params := url.Values{}
	for k, v := range p {
		if s, ok := v.([]string); ok {
			for _, v := range s {
				params.Add(k, v)
			}
		} else {
			params.Add(k, fmt.Sprint(v))
		}
	}

	return params.Encode()
}
