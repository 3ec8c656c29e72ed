package identity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const (
	// HeaderUserEmail carries the trusted email in fallback mode.
	HeaderUserEmail = "X-User-Email"
	// HeaderUserID optionally carries the subject id in fallback mode.
	HeaderUserID = "X-User-Id"
)

// HeaderResolver is the deprecated trusted-header fallback. It accepts an
// email from a header or query parameter, but only from peers inside the
// configured networks. The peer is the TCP remote address; forwarding
// headers are ignored. Identities it produces are marked
// SourceTrustedHeader and are never elevated to super-admin.
type HeaderResolver struct {
	trusted []netip.Prefix
}

// NewHeaderResolver parses the allow-list. At least one prefix is required.
func NewHeaderResolver(cidrs []string) (*HeaderResolver, error) {
	if len(cidrs) == 0 {
		return nil, fmt.Errorf("trusted header fallback requires at least one network")
	}
	h := &HeaderResolver{}
	for _, cidr := range cidrs {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("invalid trusted network %q: %w", cidr, err)
		}
		h.trusted = append(h.trusted, prefix.Masked())
	}
	return h, nil
}

// Resolve returns the header identity, or ErrMissingCredential when the
// peer is untrusted or no email is present.
func (h *HeaderResolver) Resolve(ctx context.Context, r *http.Request) (Identity, error) {
	if !h.trustedPeer(r.RemoteAddr) {
		return Identity{}, ErrMissingCredential
	}

	email := firstNonEmpty(
		r.Header.Get(HeaderUserEmail),
		r.URL.Query().Get("email"),
		r.URL.Query().Get("user_email"),
	)
	if email == "" {
		return Identity{}, ErrMissingCredential
	}
	if at := strings.IndexByte(email, '@'); at <= 0 || at == len(email)-1 {
		return Identity{}, fmt.Errorf("%w: %q is not an email address", ErrMalformedCredential, email)
	}

	subject := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if subject == "" {
		subject = strings.ToLower(email)
	}

	return Identity{
		SubjectID: subject,
		Email:     email,
		Source:    SourceTrustedHeader,
	}, nil
}

func (h *HeaderResolver) trustedPeer(remoteAddr string) bool {
	host := remoteAddr
	if hp, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = hp
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range h.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Chain is the single resolver strategy configured for a deployment: the
// token resolver, optionally backed by the header fallback for requests
// that carry no Authorization header at all. A request with a bad token is
// never retried through the fallback.
type Chain struct {
	token    Resolver
	fallback Resolver
}

// NewChain creates a chain. fallback may be nil.
func NewChain(token Resolver, fallback Resolver) *Chain {
	return &Chain{token: token, fallback: fallback}
}

// Resolve implements Resolver
func (c *Chain) Resolve(ctx context.Context, r *http.Request) (Identity, error) {
	if c.fallback == nil || r.Header.Get("Authorization") != "" {
		return c.token.Resolve(ctx, r)
	}
	return c.fallback.Resolve(ctx, r)
}
