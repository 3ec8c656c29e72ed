package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/platinummonkey/tenantguard/pkg/observability"
)

// TokenConfig configures bearer token verification
type TokenConfig struct {
	// Issuer is compared against the iss claim; empty skips the check.
	Issuer string
	// Audience is compared against the aud claim; empty skips the check.
	Audience string
	// SigningAlgorithms defaults to RS256 and ES256.
	SigningAlgorithms []string
	// Now overrides the clock used for expiry checks.
	Now func() time.Time
}

// TokenResolver resolves identities from verified bearer tokens
type TokenResolver struct {
	verifier *oidc.IDTokenVerifier
	emails   EmailLookup
	logger   *observability.Logger
}

// TokenOption configures a TokenResolver
type TokenOption func(*TokenResolver)

// WithEmailLookup enables email enrichment for tokens without an email claim
func WithEmailLookup(lookup EmailLookup) TokenOption {
	return func(t *TokenResolver) { t.emails = lookup }
}

// WithTokenLogger sets the logger
func WithTokenLogger(logger *observability.Logger) TokenOption {
	return func(t *TokenResolver) { t.logger = logger }
}

// NewTokenResolver verifies tokens against keys, usually a *KeyCache
func NewTokenResolver(keys oidc.KeySet, cfg TokenConfig, opts ...TokenOption) *TokenResolver {
	algs := cfg.SigningAlgorithms
	if len(algs) == 0 {
		algs = []string{oidc.RS256, oidc.ES256}
	}

	t := &TokenResolver{
		verifier: oidc.NewVerifier(cfg.Issuer, keys, &oidc.Config{
			ClientID:             cfg.Audience,
			SkipClientIDCheck:    cfg.Audience == "",
			SkipIssuerCheck:      cfg.Issuer == "",
			SupportedSigningAlgs: algs,
			Now:                  cfg.Now,
		}),
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Resolve reads the Authorization header and verifies its bearer token
func (t *TokenResolver) Resolve(ctx context.Context, r *http.Request) (Identity, error) {
	raw, err := BearerToken(r)
	if err != nil {
		return Identity{}, err
	}
	return t.Verify(ctx, raw)
}

// Verify checks a raw token and extracts its subject and email
func (t *TokenResolver) Verify(ctx context.Context, raw string) (Identity, error) {
	if err := checkWellFormed(raw); err != nil {
		return Identity{}, err
	}

	tok, err := t.verifier.Verify(ctx, raw)
	if err != nil {
		return Identity{}, classifyVerifyError(err)
	}
	if tok.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrMalformedCredential)
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := tok.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	id := Identity{
		SubjectID: tok.Subject,
		Email:     strings.TrimSpace(claims.Email),
		Source:    SourceToken,
	}

	if id.Email == "" && t.emails != nil {
		email, err := t.emails.Email(ctx, id.SubjectID, raw)
		if err != nil {
			// The identity stays valid without an email; only email-based
			// super-admin matching is lost.
			t.logger.WithError(err).WithField("subject", id.SubjectID).Warn("Email enrichment failed")
		} else {
			id.Email = email
		}
	}

	return id, nil
}

// checkWellFormed rejects anything that is not a compact JWS with a JSON
// object payload, before any key material is consulted.
func checkWellFormed(raw string) error {
	jws, err := jose.ParseSigned(raw, signingAlgorithms)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	var claims map[string]json.RawMessage
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &claims); err != nil {
		return fmt.Errorf("%w: payload is not a JSON object", ErrMalformedCredential)
	}
	return nil
}

// classifyVerifyError maps verifier failures onto the credential error
// taxonomy. The verifier flattens key set errors into strings, so anything
// other than expiry is reported as a verification failure.
func classifyVerifyError(err error) error {
	var expired *oidc.TokenExpiredError
	if errors.As(err, &expired) {
		return fmt.Errorf("%w: expired at %s", ErrExpiredCredential, expired.Expiry.UTC().Format(time.RFC3339))
	}
	return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
}
