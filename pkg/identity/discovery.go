package identity

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/platinummonkey/tenantguard/pkg/config"
	"golang.org/x/oauth2"
)

// Discover loads the issuer's OpenID configuration and returns the provider
// together with its jwks_uri. Failures are *config.ConfigurationError since
// discovery only runs at startup.
func Discover(ctx context.Context, issuerURL string, client *http.Client) (*oidc.Provider, string, error) {
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}

	provider, err := oidc.NewProvider(ctx, strings.TrimSuffix(issuerURL, "/"))
	if err != nil {
		return nil, "", &config.ConfigurationError{
			Key:    "AUTH_ISSUER_URL",
			Reason: "issuer discovery failed",
			Err:    err,
		}
	}

	var meta struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, "", &config.ConfigurationError{Key: "AUTH_ISSUER_URL", Reason: "invalid discovery document", Err: err}
	}
	if meta.JWKSURL == "" {
		return nil, "", &config.ConfigurationError{Key: "AUTH_ISSUER_URL", Reason: "discovery document has no jwks_uri"}
	}

	return provider, meta.JWKSURL, nil
}

// EmailLookup finds an email for a subject when the token carries none
type EmailLookup interface {
	Email(ctx context.Context, subject, rawToken string) (string, error)
}

// UserInfoClient fetches verified emails from the issuer's UserInfo
// endpoint and caches them per subject.
type UserInfoClient struct {
	provider *oidc.Provider
	client   *http.Client
	cache    *lru.LRU[string, string]
}

// NewUserInfoClient creates a UserInfo lookup with a bounded, expiring cache
func NewUserInfoClient(provider *oidc.Provider, client *http.Client, size int, ttl time.Duration) *UserInfoClient {
	if size <= 0 {
		size = 1024
	}
	return &UserInfoClient{
		provider: provider,
		client:   client,
		cache:    lru.NewLRU[string, string](size, nil, ttl),
	}
}

// Email returns the subject's verified email, or "" when the issuer has
// none or has not verified it.
func (u *UserInfoClient) Email(ctx context.Context, subject, rawToken string) (string, error) {
	if email, ok := u.cache.Get(subject); ok {
		return email, nil
	}

	if u.client != nil {
		ctx = oidc.ClientContext(ctx, u.client)
	}
	info, err := u.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: rawToken,
		TokenType:   "Bearer",
	}))
	if err != nil {
		return "", fmt.Errorf("userinfo lookup failed: %w", err)
	}
	if info.Subject != subject {
		return "", fmt.Errorf("userinfo subject %q does not match token subject", info.Subject)
	}
	if info.Email == "" || !info.EmailVerified {
		return "", nil
	}

	u.cache.Add(subject, info.Email)
	return info.Email, nil
}
