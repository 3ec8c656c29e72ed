package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/platinummonkey/tenantguard/pkg/config"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"golang.org/x/sync/singleflight"
)

const (
	defaultKeyTTL        = time.Hour
	defaultMinRefresh    = time.Minute
	defaultFetchTimeout  = 10 * time.Second
	maxJWKSResponseBytes = 1 << 20
)

// signingAlgorithms is every JWS algorithm the parser will accept. The
// verifier narrows this further; parsing broadly lets an unexpected
// algorithm surface as a verification failure rather than a parse error.
var signingAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
	jose.HS256, jose.HS384, jose.HS512,
}

var (
	errNoKeySet      = errors.New("no verification key set loaded")
	errNoMatchingKey = errors.New("no key matches token key id")
)

type keySnapshot struct {
	keys      jose.JSONWebKeySet
	fetchedAt time.Time
}

// KeyCache is the process-wide verification key cache. It implements
// oidc.KeySet.
//
// A fetched set is served for TTL. An expired set or an unknown key id
// triggers a fetch; concurrent fetches collapse into one and unknown-kid
// fetches are limited to one per MinRefreshInterval. A new set replaces the
// old one atomically. When a fetch fails the previous set keeps serving.
type KeyCache struct {
	url          string
	client       *http.Client
	ttl          time.Duration
	minRefresh   time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	logger       *observability.Logger
	onRefresh    func(keys int, err error)

	current     atomic.Pointer[keySnapshot]
	lastAttempt atomic.Int64
	group       singleflight.Group
}

// KeyCacheOption configures a KeyCache
type KeyCacheOption func(*KeyCache)

// WithHTTPClient sets the client used to fetch the key set
func WithHTTPClient(client *http.Client) KeyCacheOption {
	return func(c *KeyCache) { c.client = client }
}

// WithTTL sets how long a fetched key set is served before refetching
func WithTTL(ttl time.Duration) KeyCacheOption {
	return func(c *KeyCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMinRefreshInterval bounds how often an unknown key id may force a fetch
func WithMinRefreshInterval(d time.Duration) KeyCacheOption {
	return func(c *KeyCache) {
		if d >= 0 {
			c.minRefresh = d
		}
	}
}

// WithFetchTimeout bounds a single key set fetch
func WithFetchTimeout(d time.Duration) KeyCacheOption {
	return func(c *KeyCache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) KeyCacheOption {
	return func(c *KeyCache) { c.now = now }
}

// WithKeyLogger sets the logger for refresh failures
func WithKeyLogger(logger *observability.Logger) KeyCacheOption {
	return func(c *KeyCache) { c.logger = logger }
}

// WithRefreshHook is called after every fetch attempt
func WithRefreshHook(fn func(keys int, err error)) KeyCacheOption {
	return func(c *KeyCache) { c.onRefresh = fn }
}

// NewKeyCache creates a cache for the JWKS document at jwksURL. Nothing is
// fetched until Warm or the first verification.
func NewKeyCache(jwksURL string, opts ...KeyCacheOption) *KeyCache {
	c := &KeyCache{
		url:          jwksURL,
		client:       http.DefaultClient,
		ttl:          defaultKeyTTL,
		minRefresh:   defaultMinRefresh,
		fetchTimeout: defaultFetchTimeout,
		now:          time.Now,
		logger:       observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Warm performs the startup fetch. Failure is a *config.ConfigurationError.
func (c *KeyCache) Warm(ctx context.Context) error {
	if _, err := c.refresh(ctx); err != nil {
		return &config.ConfigurationError{
			Key:    "AUTH_JWKS_URL",
			Reason: "initial key set fetch from " + c.url + " failed",
			Err:    err,
		}
	}
	return nil
}

// Refresh fetches the key set now, regardless of TTL. Used by the
// scheduled refresher.
func (c *KeyCache) Refresh(ctx context.Context) error {
	_, err := c.refresh(ctx)
	return err
}

// Ready reports whether a key set is loaded
func (c *KeyCache) Ready() error {
	if c.current.Load() == nil {
		return errNoKeySet
	}
	return nil
}

// VerifySignature verifies a compact JWS against the cached keys and
// returns its payload.
func (c *KeyCache) VerifySignature(ctx context.Context, jwt string) ([]byte, error) {
	jws, err := jose.ParseSigned(jwt, signingAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%w: expected one signature, got %d", ErrMalformedCredential, len(jws.Signatures))
	}
	kid := jws.Signatures[0].Header.KeyID

	snap, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	candidates := candidateKeys(snap.keys, kid)
	if len(candidates) == 0 && c.mayRefetch() {
		// The issuer may have rotated keys since the last fetch.
		if fresh, err := c.refresh(ctx); err == nil {
			candidates = candidateKeys(fresh.keys, kid)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w %q", errNoMatchingKey, kid)
	}

	for _, key := range candidates {
		if payload, err := jws.Verify(key.Key); err == nil {
			return payload, nil
		}
	}
	return nil, fmt.Errorf("%w: no key verified the token", ErrInvalidSignature)
}

// snapshot returns a usable key set, fetching when none is loaded or the
// current one has expired.
func (c *KeyCache) snapshot(ctx context.Context) (*keySnapshot, error) {
	snap := c.current.Load()
	if snap != nil && c.now().Sub(snap.fetchedAt) < c.ttl {
		return snap, nil
	}

	fresh, err := c.refresh(ctx)
	if err == nil {
		return fresh, nil
	}
	if snap != nil {
		c.logger.WithError(err).WithField("jwks_url", c.url).Warn("Key set refresh failed, serving stale keys")
		return snap, nil
	}
	return nil, err
}

func (c *KeyCache) mayRefetch() bool {
	last := c.lastAttempt.Load()
	return last == 0 || c.now().Sub(time.Unix(0, last)) >= c.minRefresh
}

// refresh fetches and installs a new key set. Concurrent callers share one
// fetch; the fetch is detached from any single caller's cancellation.
func (c *KeyCache) refresh(ctx context.Context) (*keySnapshot, error) {
	ch := c.group.DoChan("jwks", func() (interface{}, error) {
		c.lastAttempt.Store(c.now().UnixNano())

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		keys, err := c.fetch(fetchCtx)
		if c.onRefresh != nil {
			c.onRefresh(len(keys.Keys), err)
		}
		if err != nil {
			return nil, err
		}

		snap := &keySnapshot{keys: keys, fetchedAt: c.now()}
		c.current.Store(snap)
		c.logger.WithField("keys", len(keys.Keys)).Debug("Key set refreshed")
		return snap, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*keySnapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch downloads and decodes the JWKS document. Entries that fail to
// decode, are private, or are marked for encryption are skipped.
func (c *KeyCache) fetch(ctx context.Context) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("failed to build key set request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("failed to fetch key set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("failed to fetch key set: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSResponseBytes))
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("failed to read key set: %w", err)
	}

	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("failed to decode key set: %w", err)
	}

	var set jose.JSONWebKeySet
	for _, raw := range doc.Keys {
		var key jose.JSONWebKey
		if err := key.UnmarshalJSON(raw); err != nil {
			c.logger.WithError(err).Debug("Skipping undecodable key")
			continue
		}
		if !key.Valid() || !key.IsPublic() || key.Use == "enc" {
			continue
		}
		set.Keys = append(set.Keys, key)
	}

	if len(set.Keys) == 0 {
		return jose.JSONWebKeySet{}, errors.New("key set contains no usable signing keys")
	}
	return set, nil
}

// candidateKeys returns the keys matching kid, or every key when the token
// carries no kid.
func candidateKeys(set jose.JSONWebKeySet, kid string) []jose.JSONWebKey {
	if kid == "" {
		return set.Keys
	}
	return set.Key(kid)
}
