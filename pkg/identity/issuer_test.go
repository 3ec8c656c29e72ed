package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"
)

// testIssuer serves a JWKS document, an OpenID discovery document and a
// UserInfo endpoint, and signs tokens with the keys it publishes.
type testIssuer struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	keys      map[string]*rsa.PrivateKey
	published []string
	status    int
	gate      chan struct{}
	userInfo  map[string]interface{}

	jwksHits     atomic.Int32
	userInfoHits atomic.Int32
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	iss := &testIssuer{
		t:      t,
		keys:   make(map[string]*rsa.PrivateKey),
		status: http.StatusOK,
	}
	iss.addKey("k1", true)

	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", iss.serveJWKS)
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":            iss.server.URL,
			"jwks_uri":          iss.server.URL + "/jwks",
			"userinfo_endpoint": iss.server.URL + "/userinfo",
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		iss.userInfoHits.Add(1)
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		iss.mu.Lock()
		body := iss.userInfo
		iss.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	})

	iss.server = httptest.NewServer(mux)
	t.Cleanup(iss.server.Close)
	return iss
}

func (i *testIssuer) URL() string     { return i.server.URL }
func (i *testIssuer) JWKSURL() string { return i.server.URL + "/jwks" }

// addKey generates a key. Unpublished keys sign tokens the JWKS cannot verify.
func (i *testIssuer) addKey(kid string, publish bool) {
	i.t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(i.t, err)

	i.mu.Lock()
	defer i.mu.Unlock()
	i.keys[kid] = priv
	if publish {
		i.published = append(i.published, kid)
	}
}

// rotate replaces the published set with kid only
func (i *testIssuer) rotate(kid string) {
	i.addKey(kid, false)
	i.mu.Lock()
	i.published = []string{kid}
	i.mu.Unlock()
}

func (i *testIssuer) setStatus(code int) {
	i.mu.Lock()
	i.status = code
	i.mu.Unlock()
}

// block makes JWKS requests wait until the returned func is called
func (i *testIssuer) block() func() {
	gate := make(chan struct{})
	i.mu.Lock()
	i.gate = gate
	i.mu.Unlock()
	return func() { close(gate) }
}

func (i *testIssuer) serveJWKS(w http.ResponseWriter, r *http.Request) {
	i.jwksHits.Add(1)

	i.mu.Lock()
	gate := i.gate
	status := i.status
	var set jose.JSONWebKeySet
	for _, kid := range i.published {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &i.keys[kid].PublicKey,
			KeyID:     kid,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		})
	}
	i.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(set)
}

// sign produces a compact RS256 JWS over claims using key kid
func (i *testIssuer) sign(kid string, claims map[string]interface{}) string {
	i.t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(i.t, err)
	return i.signRaw(kid, payload)
}

func (i *testIssuer) signRaw(kid string, payload []byte) string {
	i.t.Helper()
	i.mu.Lock()
	priv := i.keys[kid]
	i.mu.Unlock()
	require.NotNil(i.t, priv, "unknown test key %s", kid)

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: priv, KeyID: kid}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(i.t, err)

	obj, err := signer.Sign(payload)
	require.NoError(i.t, err)
	raw, err := obj.CompactSerialize()
	require.NoError(i.t, err)
	return raw
}

// claims returns a standard claim set valid at now for one hour
func (i *testIssuer) claims(sub, email string, now time.Time) map[string]interface{} {
	c := map[string]interface{}{
		"iss": i.server.URL,
		"sub": sub,
		"aud": "tenantguard",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	if email != "" {
		c["email"] = email
	}
	return c
}

// fakeClock is a settable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
