// Package auth acquires service-principal bearer tokens via the OAuth2
// client-credentials grant. One provider is created per remote scope and
// shared read-only by every worker in a run; the underlying token source
// caches tokens and refreshes them transparently if a long batch outlives one.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Well-known resource scopes for the services this pipeline talks to.
const (
	ScopeBIService = "https://analysis.windows.net/powerbi/api/.default"
	ScopeGraph     = "https://graph.microsoft.com/.default"
)

// Error wraps any token-acquisition failure. It is fatal to the run: no batch
// proceeds without a token.
type Error struct {
	Scope string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("acquire token for %s: %v", e.Scope, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// TokenProvider hands out bearer tokens for one scope.
type TokenProvider struct {
	scope  string
	source oauth2.TokenSource
}

type options struct {
	authorityBase string
}

type Option func(*options)

// WithAuthority overrides the identity-provider base URL. Tests point this at
// a local httptest server.
func WithAuthority(base string) Option {
	return func(o *options) {
		o.authorityBase = strings.TrimRight(base, "/")
	}
}

func NewTokenProvider(ctx context.Context, tenantID, clientID, clientSecret, scope string, opts ...Option) (*TokenProvider, error) {
	if ctx == nil {
		return nil, fmt.Errorf("token provider: ctx is nil")
	}
	if tenantID == "" || clientID == "" || clientSecret == "" {
		return nil, &Error{Scope: scope, Err: fmt.Errorf("tenant, client id, and client secret are required")}
	}
	if scope == "" {
		return nil, fmt.Errorf("token provider: scope is required")
	}

	o := &options{authorityBase: "https://login.microsoftonline.com"}
	for _, apply := range opts {
		if apply != nil {
			apply(o)
		}
	}

	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", o.authorityBase, tenantID),
		Scopes:       []string{scope},
	}

	return &TokenProvider{
		scope:  scope,
		source: cc.TokenSource(ctx),
	}, nil
}

// Token returns a valid bearer token string, acquiring or refreshing as needed.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	if p == nil || p.source == nil {
		return "", &Error{Err: fmt.Errorf("token provider is not initialized")}
	}
	tok, err := p.source.Token()
	if err != nil {
		return "", &Error{Scope: p.scope, Err: err}
	}
	if tok.AccessToken == "" {
		return "", &Error{Scope: p.scope, Err: fmt.Errorf("identity provider returned an empty access token")}
	}
	return tok.AccessToken, nil
}

// Client returns an *http.Client that injects the bearer token into every
// request, layered over base (or http.DefaultTransport when base is nil).
func (p *TokenProvider) Client(base http.RoundTripper) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Transport: &oauth2.Transport{Source: p.source, Base: base},
	}
}
