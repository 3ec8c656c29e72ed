package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/platinummonkey/tenantguard/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(iss *testIssuer, clock *fakeClock, opts ...KeyCacheOption) *KeyCache {
	base := []KeyCacheOption{
		WithHTTPClient(iss.server.Client()),
		WithClock(clock.Now),
	}
	return NewKeyCache(iss.JWKSURL(), append(base, opts...)...)
}

func TestKeyCache_VerifySignature(t *testing.T) {
	iss := newTestIssuer(t)
	clock := newFakeClock()
	cache := newTestCache(iss, clock)

	token := iss.sign("k1", iss.claims("user_1", "", clock.Now()))
	payload, err := cache.VerifySignature(context.Background(), token)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"sub":"user_1"`)
}

func TestKeyCache_ServesFromCacheWithinTTL(t *testing.T) {
	iss := newTestIssuer(t)
	clock := newFakeClock()
	cache := newTestCache(iss, clock, WithTTL(time.Hour))
	ctx := context.Background()

	token := iss.sign("k1", iss.claims("user_1", "", clock.Now()))
	for i := 0; i < 5; i++ {
		_, err := cache.VerifySignature(ctx, token)
		require.NoError(t, err)
		clock.Advance(10 * time.Minute)
	}
	assert.Equal(t, int32(1), iss.jwksHits.Load())

	clock.Advance(15 * time.Minute)
	_, err := cache.VerifySignature(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int32(2), iss.jwksHits.Load(), "expired set should be refetched")
}

func TestKeyCache_UnknownKidTriggersRefetch(t *testing.T) {
	iss := newTestIssuer(t)
	clock := newFakeClock()
	cache := newTestCache(iss, clock, WithMinRefreshInterval(time.Minute))
	ctx := context.Background()

	require.NoError(t, cache.Warm(ctx))
	iss.rotate("k2")
	clock.Advance(2 * time.Minute)

	token := iss.sign("k2", iss.claims("user_1", "", clock.Now()))
	_, err := cache.VerifySignature(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int32(2), iss.jwksHits.Load())
}

func TestKeyCache_UnknownKidRefetchIsRateLimited(t *testing.T) {
	iss := newTestIssuer(t)
	clock := newFakeClock()
	cache := newTestCache(iss, clock, WithMinRefreshInterval(time.Minute))
	ctx := context.Background()

	require.NoError(t, cache.Warm(ctx))
	iss.addKey("ghost", false)
	token := iss.sign("ghost", iss.claims("user_1", "", clock.Now()))

	for i := 0; i < 10; i++ {
		_, err := cache.VerifySignature(ctx, token)
		require.Error(t, err)
	}
	assert.Equal(t, int32(1), iss.jwksHits.Load(), "unknown kid must not refetch inside the minimum interval")

	clock.Advance(time.Minute)
	_, err := cache.VerifySignature(ctx, token)
	require.Error(t, err)
	assert.Equal(t, int32(2), iss.jwksHits.Load())
}

func TestKeyCache_ConcurrentMissesCollapse(t *testing.T) {
	iss := newTestIssuer(t)
	clock := newFakeClock()
	cache := newTestCache(iss, clock)
	token := iss.sign("k1", iss.claims("user_1", "", clock.Now()))

	release := iss.block()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.VerifySignature(context.Background(), token)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return iss.jwksHits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), iss.jwksHits.Load())
}

func TestKeyCache_CallerCancellationDoesNotAbortFetch(t *testing.T) {
	iss := newTestIssuer(t)
	clock := newFakeClock()
	cache := newTestCache(iss, clock)

	release := iss.block()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- cache.Refresh(ctx) }()

	require.Eventually(t, func() bool { return iss.jwksHits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	release()
	require.Eventually(t, func() bool { return cache.Ready() == nil }, 2*time.Second, 5*time.Millisecond)
}

func TestKeyCache_ServesStaleOnRefreshFailure(t *testing.T) {
	iss := newTestIssuer(t)
	clock := newFakeClock()

	var refreshErrs []error
	var mu sync.Mutex
	cache := newTestCache(iss, clock, WithRefreshHook(func(keys int, err error) {
		mu.Lock()
		refreshErrs = append(refreshErrs, err)
		mu.Unlock()
	}))
	ctx := context.Background()

	require.NoError(t, cache.Warm(ctx))
	iss.setStatus(http.StatusInternalServerError)
	clock.Advance(2 * time.Hour)

	token := iss.sign("k1", iss.claims("user_1", "", clock.Now()))
	_, err := cache.VerifySignature(ctx, token)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, refreshErrs, 2)
	assert.NoError(t, refreshErrs[0])
	assert.Error(t, refreshErrs[1])
}

func TestKeyCache_WarmFailureIsConfigurationError(t *testing.T) {
	iss := newTestIssuer(t)
	iss.setStatus(http.StatusNotFound)
	cache := newTestCache(iss, newFakeClock())

	err := cache.Warm(context.Background())
	require.Error(t, err)
	assert.True(t, config.IsConfigurationError(err))
	assert.Error(t, cache.Ready())
}

func TestKeyCache_SkipsUnusableKeys(t *testing.T) {
	iss := newTestIssuer(t)
	iss.mu.Lock()
	pub := &iss.keys["k1"].PublicKey
	iss.mu.Unlock()

	goodKey, err := json.Marshal(jose.JSONWebKey{Key: pub, KeyID: "k1", Algorithm: string(jose.RS256), Use: "sig"})
	require.NoError(t, err)
	encKey, err := json.Marshal(jose.JSONWebKey{Key: pub, KeyID: "enc", Algorithm: string(jose.RSA_OAEP), Use: "enc"})
	require.NoError(t, err)

	body := `{"keys":[` +
		`{"kty":"RSA","kid":"broken","n":"!!","e":"AQAB"},` +
		`{"kty":"oct","kid":"secret","k":"c2VjcmV0"},` +
		string(encKey) + `,` + string(goodKey) + `]}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	clock := newFakeClock()
	cache := NewKeyCache(srv.URL, WithClock(clock.Now))
	require.NoError(t, cache.Warm(context.Background()))

	token := iss.sign("k1", iss.claims("user_1", "", clock.Now()))
	_, err = cache.VerifySignature(context.Background(), token)
	require.NoError(t, err)

	snap := cache.current.Load()
	require.NotNil(t, snap)
	require.Len(t, snap.keys.Keys, 1)
	assert.Equal(t, "k1", snap.keys.Keys[0].KeyID)
}

func TestKeyCache_WrongKeyIsInvalidSignature(t *testing.T) {
	iss := newTestIssuer(t)
	clock := newFakeClock()
	cache := newTestCache(iss, clock)

	// Same kid as the published key, different private key.
	forger := newTestIssuer(t)
	token := forger.sign("k1", iss.claims("user_1", "", clock.Now()))

	_, err := cache.VerifySignature(context.Background(), token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSignature))
}

func TestKeyCache_EmptySetFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"keys":[]}`))
	}))
	defer srv.Close()

	err := NewKeyCache(srv.URL).Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no usable signing keys")
}
