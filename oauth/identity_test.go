package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleResolverCandidates(t *testing.T) {
	assert := assert.New(t)

	r := NewHandleResolver(nil, "https://default.example", "https://fallback.example")

	// the handle's own domain suffix probes first
	assert.Equal(
		[]string{"https://example.com", "https://default.example", "https://fallback.example"},
		r.candidates("alice.example.com"),
	)

	// bare handles have no derived candidate
	assert.Equal(
		[]string{"https://default.example", "https://fallback.example"},
		r.candidates("alice"),
	)

	// derived candidate deduplicates against the configured services
	assert.Equal(
		[]string{"https://default.example", "https://fallback.example"},
		r.candidates("alice.default.example"),
	)
}

func TestHandleResolverFallsBack(t *testing.T) {
	assert := assert.New(t)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	answering := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/xrpc/com.atproto.identity.resolveHandle", r.URL.Path)
		assert.Equal("alice", r.URL.Query().Get("handle"))
		json.NewEncoder(w).Encode(map[string]string{"did": "did:plc:z72i7hdynmk6r22z27h6tvur"})
	}))
	defer answering.Close()

	r := NewHandleResolver(nil, failing.URL, answering.URL)

	did, err := r.Resolve(context.Background(), "alice")

	assert.NoError(err)
	assert.Equal("did:plc:z72i7hdynmk6r22z27h6tvur", did)
}

func TestHandleResolverExhausted(t *testing.T) {
	assert := assert.New(t)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer failing.Close()

	r := NewHandleResolver(nil, failing.URL, failing.URL)

	_, err := r.Resolve(context.Background(), "alice")

	assert.ErrorIs(err, ErrHandleNotFound)
}

func TestHandleResolverRejectsBadDid(t *testing.T) {
	assert := assert.New(t)

	bogus := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"did": "not-a-did"})
	}))
	defer bogus.Close()

	r := NewHandleResolver(nil, bogus.URL, "")

	_, err := r.Resolve(context.Background(), "alice")

	assert.ErrorIs(err, ErrHandleNotFound)
}

func testClient(t *testing.T, args ClientArgs) *Client {
	t.Helper()

	if args.ClientId == "" {
		args.ClientId = "https://app.example.com/oauth/client-metadata.json"
	}
	if args.RedirectUri == "" {
		args.RedirectUri = "https://app.example.com/oauth/callback"
	}
	if args.StateSecret == nil {
		args.StateSecret = stateTestSecret
	}

	c, err := NewClient(args)
	require.NoError(t, err)
	c.allowInsecure = true

	return c
}

func TestResolveDidToPds(t *testing.T) {
	assert := assert.New(t)

	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/did:plc:abc123", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"service": []map[string]string{
				{"id": "#other_service", "type": "Other", "serviceEndpoint": "https://other.example.com"},
				{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": "https://pds.example.com"},
			},
		})
	}))
	defer directory.Close()

	c := testClient(t, ClientArgs{PlcDirectory: directory.URL})

	pds, err := c.ResolveDidToPds(context.Background(), "did:plc:abc123")

	assert.NoError(err)
	assert.Equal("https://pds.example.com", pds)
}

func TestResolveDidToPdsNoServiceEntry(t *testing.T) {
	assert := assert.New(t)

	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"service": []map[string]string{}})
	}))
	defer directory.Close()

	c := testClient(t, ClientArgs{PlcDirectory: directory.URL})

	_, err := c.ResolveDidToPds(context.Background(), "did:plc:abc123")

	assert.ErrorIs(err, ErrPDSNotFound)
}

func TestResolveDidToPdsUnsupportedMethod(t *testing.T) {
	assert := assert.New(t)

	c := testClient(t, ClientArgs{})

	_, err := c.ResolveDidToPds(context.Background(), "did:key:zQ3sh")

	assert.ErrorIs(err, ErrPDSNotFound)
}

func TestResolvePdsAuthServer(t *testing.T) {
	assert := assert.New(t)

	pds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/.well-known/oauth-protected-resource", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"authorization_servers": []string{"https://auth.example.com"},
		})
	}))
	defer pds.Close()

	c := testClient(t, ClientArgs{})

	authserver, err := c.ResolvePdsAuthServer(context.Background(), pds.URL)

	assert.NoError(err)
	assert.Equal("https://auth.example.com", authserver)
}

func TestResolvePdsAuthServerNoOauth(t *testing.T) {
	assert := assert.New(t)

	pds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer pds.Close()

	c := testClient(t, ClientArgs{})

	_, err := c.ResolvePdsAuthServer(context.Background(), pds.URL)

	assert.ErrorIs(err, ErrOAuthUnsupported)
}

func TestFetchAuthServerMetadata(t *testing.T) {
	assert := assert.New(t)

	var authserver *httptest.Server
	authserver = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/.well-known/oauth-authorization-server", r.URL.Path)
		json.NewEncoder(w).Encode(validMetadata(authserver.URL))
	}))
	defer authserver.Close()

	c := testClient(t, ClientArgs{})

	meta, err := c.FetchAuthServerMetadata(context.Background(), authserver.URL)

	assert.NoError(err)
	assert.Equal(authserver.URL+"/oauth/token", meta.TokenEndpoint)
}

func TestFetchAuthServerMetadataMissingFields(t *testing.T) {
	assert := assert.New(t)

	var authserver *httptest.Server
	authserver = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := validMetadata(authserver.URL)
		meta.TokenEndpoint = ""
		json.NewEncoder(w).Encode(meta)
	}))
	defer authserver.Close()

	c := testClient(t, ClientArgs{})

	_, err := c.FetchAuthServerMetadata(context.Background(), authserver.URL)

	assert.ErrorIs(err, ErrMetadataInvalid)
}
