package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// HandleResolver turns a handle into a DID by probing an ordered list of
// resolution services: a service derived from the handle's own domain first
// (self-hosted identity servers), then the configured default, then the
// fallback. The first service that answers wins.
type HandleResolver struct {
	h               *http.Client
	defaultService  string
	fallbackService string
}

func NewHandleResolver(h *http.Client, defaultService, fallbackService string) *HandleResolver {
	if h == nil {
		h = http.DefaultClient
	}
	return &HandleResolver{
		h:               h,
		defaultService:  defaultService,
		fallbackService: fallbackService,
	}
}

// Resolve probes the candidate services in order. Handle syntax is not
// pre-validated: bare inputs like "alice" simply have no derived candidate
// and let the configured services decide.
func (r *HandleResolver) Resolve(ctx context.Context, handle string) (string, error) {
	var lastErr error
	for _, service := range r.candidates(handle) {
		did, err := r.resolveVia(ctx, service, handle)
		if err != nil {
			lastErr = err
			continue
		}
		return did, nil
	}

	return "", fmt.Errorf("%w: all resolution services exhausted: %v", ErrHandleNotFound, lastErr)
}

// candidates returns the probe order for a handle, deduplicated. The
// handle-derived service is its domain suffix (everything after the first
// label), present only when the handle has at least two labels.
func (r *HandleResolver) candidates(handle string) []string {
	var services []string

	if _, suffix, ok := strings.Cut(handle, "."); ok && suffix != "" {
		services = append(services, "https://"+suffix)
	}

	for _, svc := range []string{r.defaultService, r.fallbackService} {
		if svc == "" {
			continue
		}
		seen := false
		for _, s := range services {
			if s == svc {
				seen = true
				break
			}
		}
		if !seen {
			services = append(services, svc)
		}
	}

	return services
}

func (r *HandleResolver) resolveVia(ctx context.Context, service, handle string) (string, error) {
	u := fmt.Sprintf(
		"%s/xrpc/com.atproto.identity.resolveHandle?handle=%s",
		strings.TrimSuffix(service, "/"),
		url.QueryEscape(handle),
	)

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return "", err
	}

	resp, err := r.h.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("service %s answered %d", service, resp.StatusCode)
	}

	var out struct {
		Did string `json:"did"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}

	if _, err := syntax.ParseDID(out.Did); err != nil {
		return "", fmt.Errorf("service %s returned invalid did: %w", service, err)
	}

	return out.Did, nil
}

// didDocument is the subset of a DID document the client cares about.
type didDocument struct {
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// ResolveDidToPds fetches the DID's document and extracts its PDS endpoint.
// Supports did:plc via the directory and did:web via well-known.
func (c *Client) ResolveDidToPds(ctx context.Context, did string) (string, error) {
	var ustr string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		ustr = fmt.Sprintf("%s/%s", strings.TrimSuffix(c.plcDirectory, "/"), did)
	case strings.HasPrefix(did, "did:web:"):
		ustr = fmt.Sprintf("https://%s/.well-known/did.json", strings.TrimPrefix(did, "did:web:"))
	default:
		return "", fmt.Errorf("%w: unsupported did method in %q", ErrPDSNotFound, did)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", ustr, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.h.Do(req)
	if err != nil {
		return "", fmt.Errorf("could not fetch did document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: did document fetch returned %d", ErrPDSNotFound, resp.StatusCode)
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("%w: did document undecodable: %v", ErrPDSNotFound, err)
	}

	for _, svc := range doc.Service {
		if svc.ID == "#atproto_pds" {
			return svc.ServiceEndpoint, nil
		}
	}

	return "", fmt.Errorf("%w: no #atproto_pds service entry", ErrPDSNotFound)
}

// ResolvePdsAuthServer fetches the PDS's protected-resource metadata and
// returns its first listed authorization server.
func (c *Client) ResolvePdsAuthServer(ctx context.Context, ustr string) (string, error) {
	u, err := c.safeParse(ustr)
	if err != nil {
		return "", err
	}

	u.Path = "/.well-known/oauth-protected-resource"

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("error creating request for oauth protected resource: %w", err)
	}

	resp, err := c.h.Do(req)
	if err != nil {
		return "", fmt.Errorf("could not get response from server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: protected resource metadata returned %d", ErrOAuthUnsupported, resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("could not read body: %w", err)
	}

	var resource OauthProtectedResource
	if err := resource.UnmarshalJSON(b); err != nil {
		return "", fmt.Errorf("%w: could not unmarshal json: %v", ErrOAuthUnsupported, err)
	}

	if len(resource.AuthorizationServers) == 0 {
		return "", fmt.Errorf("%w: protected resource lists no authorization servers", ErrOAuthUnsupported)
	}

	return resource.AuthorizationServers[0], nil
}

// FetchAuthServerMetadata fetches and validates the authorization server's
// well-known metadata document.
func (c *Client) FetchAuthServerMetadata(ctx context.Context, ustr string) (*OauthAuthorizationMetadata, error) {
	u, err := c.safeParse(ustr)
	if err != nil {
		return nil, err
	}

	u.Path = "/.well-known/oauth-authorization-server"

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request to fetch auth metadata: %w", err)
	}

	resp, err := c.h.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error getting response for auth metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf(
			"%w: auth server metadata returned %d",
			ErrMetadataInvalid, resp.StatusCode,
		)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read body for metadata response: %w", err)
	}

	var metadata OauthAuthorizationMetadata
	if err := metadata.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("%w: could not unmarshal metadata: %v", ErrMetadataInvalid, err)
	}

	if err := metadata.Validate(u); err != nil {
		return nil, err
	}

	return &metadata, nil
}

// DiscoverEndpoints runs the full DID -> PDS -> auth server chain. The
// refresher re-runs this on every refresh so a migrated PDS keeps working.
func (c *Client) DiscoverEndpoints(ctx context.Context, did string) (string, *OauthAuthorizationMetadata, error) {
	pdsUrl, err := c.ResolveDidToPds(ctx, did)
	if err != nil {
		return "", nil, err
	}

	authserver, err := c.ResolvePdsAuthServer(ctx, pdsUrl)
	if err != nil {
		return "", nil, err
	}

	meta, err := c.FetchAuthServerMetadata(ctx, authserver)
	if err != nil {
		return "", nil, err
	}

	return pdsUrl, meta, nil
}

// safeParse rejects discovery URLs that could redirect the flow somewhere
// untrusted. Tests flip allowInsecure to reach plain-http test servers.
func (c *Client) safeParse(ustr string) (*url.URL, error) {
	u, err := url.Parse(ustr)
	if err != nil {
		return nil, err
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("url hostname was empty")
	}

	if u.User != nil {
		return nil, fmt.Errorf("url user was not empty")
	}

	if c.allowInsecure {
		return u, nil
	}

	if u.Scheme != "https" {
		return nil, fmt.Errorf("input url is not https")
	}

	if u.Port() != "" {
		return nil, fmt.Errorf("url port was not empty")
	}

	return u, nil
}
