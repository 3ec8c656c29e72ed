package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/platinummonkey/tenantguard/pkg/contextkeys"
)

// Source records which credential path produced an Identity.
type Source int

const (
	// SourceToken is a verified bearer token.
	SourceToken Source = iota
	// SourceTrustedHeader is the deprecated header/query fallback.
	SourceTrustedHeader
)

func (s Source) String() string {
	switch s {
	case SourceToken:
		return "token"
	case SourceTrustedHeader:
		return "trusted_header"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Identity is the caller extracted from request credential material.
// It lives for one request and is never persisted.
type Identity struct {
	SubjectID string
	Email     string
	Source    Source
}

// Verified reports whether the identity came from a verified token.
func (i Identity) Verified() bool {
	return i.Source == SourceToken
}

var (
	// ErrMissingCredential means no token and no trusted header were present.
	ErrMissingCredential = errors.New("missing credential")
	// ErrMalformedCredential means a credential was present but could not be parsed.
	ErrMalformedCredential = errors.New("malformed credential")
	// ErrInvalidSignature means the token failed verification against the key set.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrExpiredCredential means the token's validity window has elapsed.
	ErrExpiredCredential = errors.New("expired credential")
)

// Resolver extracts an Identity from an inbound request.
type Resolver interface {
	Resolve(ctx context.Context, r *http.Request) (Identity, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, r *http.Request) (Identity, error)

// Resolve calls f(ctx, r).
func (f ResolverFunc) Resolve(ctx context.Context, r *http.Request) (Identity, error) {
	return f(ctx, r)
}

// BearerToken returns the token carried in the Authorization header.
// Format: "Bearer <token>"; the scheme is matched case-insensitively.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingCredential
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrMalformedCredential)
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrMalformedCredential)
	}
	return token, nil
}

// Result is what the authentication middleware stores on the request
// context: either a resolved identity or the reason resolution failed.
type Result struct {
	Identity *Identity
	Err      error
}

// NewContext stores a resolution result on ctx.
func NewContext(ctx context.Context, res Result) context.Context {
	return contextkeys.WithIdentity(ctx, res)
}

// FromContext returns the resolution result stored on ctx. A context that
// never passed through authentication yields ErrMissingCredential.
func FromContext(ctx context.Context) Result {
	if res, ok := ctx.Value(contextkeys.IdentityKey).(Result); ok {
		return res
	}
	return Result{Err: ErrMissingCredential}
}
