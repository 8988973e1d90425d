package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, pdsUrl string) *Session {
	t.Helper()

	key, err := GenerateKey(nil)
	require.NoError(t, err)

	priv, pub, err := ExportKeyPair(key)
	require.NoError(t, err)

	return &Session{
		Did:            "did:plc:abc123",
		Handle:         "alice.example.com",
		PdsUrl:         pdsUrl,
		AuthserverIss:  "https://auth.example.com",
		AccessToken:    "access-1",
		RefreshToken:   "refresh-1",
		DpopPrivateJwk: priv,
		DpopPublicJwk:  pub,
	}
}

type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) RefreshSession(ctx context.Context, sess *Session) (*Session, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	updated := sess.Clone()
	updated.AccessToken = "access-2"
	updated.RefreshToken = "refresh-2"
	return updated, nil
}

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	upserts  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string]*Session{}}
}

func (f *fakeStore) GetSession(ctx context.Context, did string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[did]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (f *fakeStore) UpsertSession(ctx context.Context, sess *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sess.Did] = sess.Clone()
	f.upserts++
	return nil
}

func proofNonce(t *testing.T, r *http.Request) string {
	t.Helper()

	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(r.Header.Get("DPoP"), jwt.MapClaims{})
	require.NoError(t, err)

	nonce, _ := token.Claims.(jwt.MapClaims)["nonce"].(string)
	return nonce
}

func proofJti(t *testing.T, r *http.Request) string {
	t.Helper()

	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(r.Header.Get("DPoP"), jwt.MapClaims{})
	require.NoError(t, err)

	jti, _ := token.Claims.(jwt.MapClaims)["jti"].(string)
	return jti
}

func TestXrpcNonceChallengeRetriedOnce(t *testing.T) {
	assert := assert.New(t)

	var requests int
	var jtis []string

	pds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		jtis = append(jtis, proofJti(t, r))

		if requests == 1 {
			assert.Empty(proofNonce(t, r))
			w.Header().Set("DPoP-Nonce", "abc123")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "use_dpop_nonce"})
			return
		}

		assert.Equal("abc123", proofNonce(t, r))
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer pds.Close()

	x := &XrpcClient{H: pds.Client()}
	sess := newTestSession(t, pds.URL)

	var out map[string]string
	updated, err := x.Do(context.Background(), sess, Query, "", "com.atproto.repo.listRecords", nil, nil, &out)

	assert.NoError(err)
	assert.Equal(2, requests)
	assert.Equal("ok", out["status"])
	assert.Equal("abc123", updated.DpopPdsNonce)

	// a retried attempt gets a fresh proof, never a reused one
	assert.NotEqual(jtis[0], jtis[1])
}

func TestXrpcNonceChallengeNotRetriedTwice(t *testing.T) {
	assert := assert.New(t)

	var requests int

	pds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("DPoP-Nonce", "abc123")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "use_dpop_nonce"})
	}))
	defer pds.Close()

	x := &XrpcClient{H: pds.Client()}
	sess := newTestSession(t, pds.URL)

	_, err := x.Do(context.Background(), sess, Query, "", "com.atproto.repo.listRecords", nil, nil, nil)

	assert.Error(err)
	assert.Equal(2, requests)

	var xerr *Error
	assert.ErrorAs(err, &xerr)
	assert.Equal(http.StatusUnauthorized, xerr.StatusCode)
}

func TestXrpcNonceChallengeViaWwwAuthenticate(t *testing.T) {
	assert := assert.New(t)

	var requests int

	pds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.Header().Set("DPoP-Nonce", "hdr-nonce")
			w.Header().Set("WWW-Authenticate", `DPoP error="use_dpop_nonce"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		assert.Equal("hdr-nonce", proofNonce(t, r))
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer pds.Close()

	x := &XrpcClient{H: pds.Client()}
	sess := newTestSession(t, pds.URL)

	_, err := x.Do(context.Background(), sess, Query, "", "com.atproto.repo.listRecords", nil, nil, nil)

	assert.NoError(err)
	assert.Equal(2, requests)
}

func TestXrpcExpiredTokenRefreshedOnce(t *testing.T) {
	assert := assert.New(t)

	var requests int

	pds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("Authorization") == "DPoP access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_token"})
			return
		}

		assert.Equal("DPoP access-2", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer pds.Close()

	refresher := &fakeRefresher{}
	st := newFakeStore()

	x := &XrpcClient{H: pds.Client(), Refresher: refresher, Store: st}
	sess := newTestSession(t, pds.URL)

	var out map[string]string
	updated, err := x.Do(context.Background(), sess, Query, "", "com.atproto.repo.listRecords", nil, nil, &out)

	assert.NoError(err)
	assert.Equal(2, requests)
	assert.Equal(1, refresher.calls)
	assert.Equal("access-2", updated.AccessToken)
	assert.Equal("refresh-2", updated.RefreshToken)

	// the rotated session was persisted so the caller's copy is not the
	// only one holding the new tokens
	stored, err := st.GetSession(context.Background(), sess.Did)
	assert.NoError(err)
	assert.Equal("access-2", stored.AccessToken)
}

func TestXrpcRefreshedTokenAlsoRejected(t *testing.T) {
	assert := assert.New(t)

	var requests int

	pds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_token"})
	}))
	defer pds.Close()

	refresher := &fakeRefresher{}

	x := &XrpcClient{H: pds.Client(), Refresher: refresher}
	sess := newTestSession(t, pds.URL)

	_, err := x.Do(context.Background(), sess, Query, "", "com.atproto.repo.listRecords", nil, nil, nil)

	// the second rejection comes back as-is; no third cycle
	assert.Error(err)
	assert.Equal(2, requests)
	assert.Equal(1, refresher.calls)

	var xerr *Error
	assert.ErrorAs(err, &xerr)
	assert.Equal(http.StatusUnauthorized, xerr.StatusCode)
}

func TestXrpcRefreshFailureSurfaced(t *testing.T) {
	assert := assert.New(t)

	pds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_token"})
	}))
	defer pds.Close()

	refresher := &fakeRefresher{err: fmt.Errorf("%w: refresh token revoked", ErrRefreshFailed)}

	x := &XrpcClient{H: pds.Client(), Refresher: refresher}
	sess := newTestSession(t, pds.URL)

	_, err := x.Do(context.Background(), sess, Query, "", "com.atproto.repo.listRecords", nil, nil, nil)

	assert.ErrorIs(err, ErrRefreshFailed)
	assert.Equal(1, refresher.calls)
}

func TestXrpcNonceThenExpiredToken(t *testing.T) {
	assert := assert.New(t)

	var requests int

	pds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		switch {
		case requests == 1:
			w.Header().Set("DPoP-Nonce", "abc123")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "use_dpop_nonce"})
		case r.Header.Get("Authorization") == "DPoP access-1":
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_token"})
		default:
			assert.Equal("abc123", proofNonce(t, r))
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		}
	}))
	defer pds.Close()

	refresher := &fakeRefresher{}

	x := &XrpcClient{H: pds.Client(), Refresher: refresher}
	sess := newTestSession(t, pds.URL)

	updated, err := x.Do(context.Background(), sess, Query, "", "com.atproto.repo.listRecords", nil, nil, nil)

	assert.NoError(err)
	assert.Equal(3, requests)
	assert.Equal(1, refresher.calls)
	assert.Equal("access-2", updated.AccessToken)
}

func TestXrpcUnusableSession(t *testing.T) {
	assert := assert.New(t)

	x := &XrpcClient{H: http.DefaultClient}

	// a session persisted before dpop key support has no key material and
	// must force re-authentication
	sess := &Session{Did: "did:plc:abc123", AccessToken: "access-1", PdsUrl: "https://pds.example.com"}

	_, err := x.Do(context.Background(), sess, Query, "", "com.atproto.repo.listRecords", nil, nil, nil)

	assert.ErrorIs(err, ErrUnauthenticated)
}

func TestXrpcGenericErrorNotRetried(t *testing.T) {
	assert := assert.New(t)

	var requests int

	pds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": "UpstreamFailure", "message": "nope"})
	}))
	defer pds.Close()

	x := &XrpcClient{H: pds.Client(), Refresher: &fakeRefresher{}}
	sess := newTestSession(t, pds.URL)

	_, err := x.Do(context.Background(), sess, Query, "", "com.atproto.repo.listRecords", nil, nil, nil)

	assert.Error(err)
	assert.Equal(1, requests)

	var xerr *Error
	assert.ErrorAs(err, &xerr)
	assert.Equal(http.StatusBadGateway, xerr.StatusCode)
}
