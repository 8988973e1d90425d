package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// RefreshSession exchanges the session's refresh token for a new token pair.
// Discovery is re-run from the DID so a migrated PDS or authorization server
// is picked up; the DPoP key pair is untouched, only tokens and nonces
// rotate. Failure is definitive: the caller gets either a fully updated
// session or an ErrRefreshFailed with no partial state.
func (c *Client) RefreshSession(ctx context.Context, sess *Session) (*Session, error) {
	if !sess.Usable() {
		return nil, fmt.Errorf("%w: session has no dpop key material", ErrUnauthenticated)
	}

	if sess.RefreshToken == "" {
		return nil, fmt.Errorf("%w: session has no refresh token", ErrRefreshFailed)
	}

	dpopKey, err := sess.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: could not parse dpop key: %v", ErrRefreshFailed, err)
	}

	pdsUrl, meta, err := c.DiscoverEndpoints(ctx, sess.Did)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery failed: %w", ErrRefreshFailed, err)
	}

	params := url.Values{
		"client_id":     {c.clientId},
		"grant_type":    {"refresh_token"},
		"refresh_token": {sess.RefreshToken},
	}

	authserverNonce := sess.DpopAuthserverNonce

	// first attempt with the remembered nonce, one more on a challenge
	for range 2 {
		dpopProof, err := DpopProof("POST", meta.TokenEndpoint, dpopKey, "", authserverNonce)
		if err != nil {
			return nil, fmt.Errorf("%w: error getting dpop proof: %v", ErrRefreshFailed, err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", meta.TokenEndpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("DPoP", dpopProof)

		resp, err := c.h.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}

		if resp.StatusCode != 200 && resp.StatusCode != 201 {
			var errResp tokenErrorResponse
			err := json.NewDecoder(resp.Body).Decode(&errResp)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("%w: status %d with undecodable body", ErrRefreshFailed, resp.StatusCode)
			}

			if resp.StatusCode == 400 && errResp.Error == "use_dpop_nonce" {
				authserverNonce = resp.Header.Get("DPoP-Nonce")
				continue
			}

			return nil, fmt.Errorf(
				"%w: %s: %s",
				ErrRefreshFailed, errResp.Error, errResp.ErrorDescription,
			)
		}

		var tokenResp TokenResponse
		err = json.NewDecoder(resp.Body).Decode(&tokenResp)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: could not decode token response: %v", ErrRefreshFailed, err)
		}

		if tokenResp.AccessToken == "" {
			return nil, fmt.Errorf("%w: token response missing access_token", ErrRefreshFailed)
		}

		updated := sess.Clone()
		updated.PdsUrl = pdsUrl
		updated.AuthserverIss = meta.Issuer
		updated.AccessToken = tokenResp.AccessToken
		updated.DpopAuthserverNonce = authserverNonce

		// servers that do not rotate refresh tokens omit the field
		if tokenResp.RefreshToken != "" {
			updated.RefreshToken = tokenResp.RefreshToken
		}

		if c.store != nil {
			if err := c.store.UpsertSession(ctx, updated); err != nil {
				return nil, fmt.Errorf("%w: could not persist refreshed session: %v", ErrRefreshFailed, err)
			}
		}

		return updated, nil
	}

	return nil, fmt.Errorf("%w: token endpoint kept challenging for a dpop nonce", ErrRefreshFailed)
}
