package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	// ScopeDefault is requested on every authorization: atproto identity
	// plus generic repo read/write.
	ScopeDefault = "atproto transition:generic"

	defaultHandleService    = "https://bsky.social"
	fallbackHandleService   = "https://public.api.bsky.app"
	defaultPlcDirectory     = "https://plc.directory"
	codeChallengeMethodS256 = "S256"
)

type Client struct {
	h           *http.Client
	clientId    string
	redirectUri string
	scope       string

	resolver     *HandleResolver
	plcDirectory string
	stateCodec   *StateCodec
	store        SessionStore

	// set by tests to point discovery at plain-http test servers
	allowInsecure bool
}

type ClientArgs struct {
	H           *http.Client
	ClientId    string
	RedirectUri string
	Scope       string

	// StateSecret signs the flow-state token carried through the
	// authorize redirect. Must be stable across instances serving the
	// same callback.
	StateSecret []byte

	// Store receives the session after the initial exchange and after
	// every refresh. Optional for metadata-only use.
	Store SessionStore

	DefaultHandleService  string
	FallbackHandleService string
	PlcDirectory          string
}

func NewClient(args ClientArgs) (*Client, error) {
	if args.ClientId == "" {
		return nil, fmt.Errorf("no client id provided")
	}

	if args.RedirectUri == "" {
		return nil, fmt.Errorf("no redirect uri provided")
	}

	if len(args.StateSecret) == 0 {
		return nil, fmt.Errorf("no state secret provided")
	}

	if args.H == nil {
		args.H = &http.Client{
			Timeout: 5 * time.Second,
		}
	}

	if args.Scope == "" {
		args.Scope = ScopeDefault
	}

	if args.DefaultHandleService == "" {
		args.DefaultHandleService = defaultHandleService
	}

	if args.FallbackHandleService == "" {
		args.FallbackHandleService = fallbackHandleService
	}

	if args.PlcDirectory == "" {
		args.PlcDirectory = defaultPlcDirectory
	}

	return &Client{
		h:            args.H,
		clientId:     args.ClientId,
		redirectUri:  args.RedirectUri,
		scope:        args.Scope,
		resolver:     NewHandleResolver(args.H, args.DefaultHandleService, args.FallbackHandleService),
		plcDirectory: args.PlcDirectory,
		stateCodec:   NewStateCodec(args.StateSecret),
		store:        args.Store,
	}, nil
}

func (c *Client) Scope() string {
	return c.scope
}

// StartAuthFlow takes a user-entered handle (or DID) through discovery and
// returns the authorization URL to redirect the user to. All flow state
// rides inside the signed `state` query parameter.
func (c *Client) StartAuthFlow(ctx context.Context, input string) (string, error) {
	handle, did, err := c.resolveInput(ctx, input)
	if err != nil {
		return "", err
	}

	pdsUrl, err := c.ResolveDidToPds(ctx, did)
	if err != nil {
		return "", err
	}

	authserver, err := c.ResolvePdsAuthServer(ctx, pdsUrl)
	if err != nil {
		return "", err
	}

	meta, err := c.FetchAuthServerMetadata(ctx, authserver)
	if err != nil {
		return "", err
	}

	pkceVerifier, codeChallenge, err := GeneratePKCE()
	if err != nil {
		return "", fmt.Errorf("could not generate pkce pair: %w", err)
	}

	state, err := c.stateCodec.Encode(FlowState{
		Handle:                handle,
		Did:                   did,
		PdsUrl:                pdsUrl,
		AuthserverIss:         meta.Issuer,
		AuthorizationEndpoint: meta.AuthorizationEndpoint,
		TokenEndpoint:         meta.TokenEndpoint,
		PkceVerifier:          pkceVerifier,
		CreatedAt:             time.Now().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("could not encode flow state: %w", err)
	}

	u, err := url.Parse(meta.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("%w: authorization_endpoint unparseable: %v", ErrMetadataInvalid, err)
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {c.clientId},
		"redirect_uri":          {c.redirectUri},
		"scope":                 {c.scope},
		"state":                 {state},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {codeChallengeMethodS256},
	}

	if handle != "" {
		params.Set("login_hint", handle)
	}

	u.RawQuery = params.Encode()

	return u.String(), nil
}

// HandleCallback consumes the authorization response: it validates the state
// token, generates the session's DPoP key pair, exchanges the code, and
// persists the resulting session.
func (c *Client) HandleCallback(ctx context.Context, code, state string) (*Session, error) {
	fs, err := c.stateCodec.Decode(state)
	if err != nil {
		return nil, err
	}

	dpopKey, err := GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("could not generate dpop key: %w", err)
	}

	tokenResp, authserverNonce, err := c.exchangeCode(ctx, fs, code, dpopKey)
	if err != nil {
		return nil, err
	}

	if tokenResp.Sub != fs.Did {
		return nil, fmt.Errorf(
			"%w: token subject %q does not match flow did %q",
			ErrTokenExchangeFailed, tokenResp.Sub, fs.Did,
		)
	}

	privJwk, pubJwk, err := ExportKeyPair(dpopKey)
	if err != nil {
		return nil, fmt.Errorf("could not export dpop key pair: %w", err)
	}

	sess := &Session{
		Did:                 fs.Did,
		Handle:              fs.Handle,
		PdsUrl:              fs.PdsUrl,
		AuthserverIss:       fs.AuthserverIss,
		AccessToken:         tokenResp.AccessToken,
		RefreshToken:        tokenResp.RefreshToken,
		DpopAuthserverNonce: authserverNonce,
		DpopPrivateJwk:      privJwk,
		DpopPublicJwk:       pubJwk,
	}

	if c.store != nil {
		if err := c.store.UpsertSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("could not persist session: %w", err)
		}
	}

	return sess, nil
}

// exchangeCode runs the authorization_code grant against the token endpoint
// discovered during the authorize step, tolerating a single use_dpop_nonce
// challenge.
func (c *Client) exchangeCode(ctx context.Context, fs *FlowState, code string, dpopKey jwk.Key) (*TokenResponse, string, error) {
	params := url.Values{
		"client_id":     {c.clientId},
		"redirect_uri":  {c.redirectUri},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {fs.PkceVerifier},
	}

	authserverNonce := ""

	// first attempt without a nonce, second with the server's challenge
	for range 2 {
		dpopProof, err := DpopProof("POST", fs.TokenEndpoint, dpopKey, "", authserverNonce)
		if err != nil {
			return nil, "", fmt.Errorf("error getting dpop proof: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", fs.TokenEndpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return nil, "", err
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("DPoP", dpopProof)

		resp, err := c.h.Do(req)
		if err != nil {
			return nil, "", err
		}

		if resp.StatusCode != 200 && resp.StatusCode != 201 {
			var errResp tokenErrorResponse
			err := json.NewDecoder(resp.Body).Decode(&errResp)
			resp.Body.Close()
			if err != nil {
				return nil, "", fmt.Errorf("%w: status %d with undecodable body", ErrTokenExchangeFailed, resp.StatusCode)
			}

			if resp.StatusCode == 400 && errResp.Error == "use_dpop_nonce" && authserverNonce == "" {
				authserverNonce = resp.Header.Get("DPoP-Nonce")
				continue
			}

			return nil, "", fmt.Errorf(
				"%w: %s: %s",
				ErrTokenExchangeFailed, errResp.Error, errResp.ErrorDescription,
			)
		}

		var tokenResp TokenResponse
		err = json.NewDecoder(resp.Body).Decode(&tokenResp)
		resp.Body.Close()
		if err != nil {
			return nil, "", fmt.Errorf("%w: could not decode token response: %v", ErrTokenExchangeFailed, err)
		}

		if err := tokenResp.Validate(); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
		}

		return &tokenResp, authserverNonce, nil
	}

	return nil, "", fmt.Errorf("%w: token endpoint kept challenging for a dpop nonce", ErrTokenExchangeFailed)
}

// resolveInput accepts either a handle or a bare DID, as the login form does
// not distinguish the two.
func (c *Client) resolveInput(ctx context.Context, input string) (handle, did string, err error) {
	input = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(input), "@"))

	if _, derr := syntax.ParseDID(input); derr == nil {
		return "", input, nil
	}

	did, err = c.resolver.Resolve(ctx, input)
	if err != nil {
		return "", "", err
	}

	return input, did, nil
}
