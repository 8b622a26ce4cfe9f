// Package oidc implements the OpenID Connect side of the login flow: an
// authorization-code ProviderClient that turns the returning code+state
// callback into a verified assertion, and a claims-based attribute mapper
// for deployments that map identities from standard OIDC claims.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/gatehouselabs/gatehouse/pkg/observability"
	"github.com/gatehouselabs/gatehouse/pkg/sso"
)

// exchangeTimeout bounds the token and userinfo round trips for one
// callback; ParseAndVerify carries no caller context.
const exchangeTimeout = 30 * time.Second

// Config holds the static configuration for one OIDC provider.
type Config struct {
	// ProviderID identifies the provider in the registry; the redirect URL
	// embeds it.
	ProviderID string

	// PublicBaseURL is the externally reachable base URL of this service,
	// e.g. "https://auth.example.org".
	PublicBaseURL string

	// IssuerURL is the OIDC issuer. Discovery runs against
	// IssuerURL/.well-known/openid-configuration at construction time.
	IssuerURL string

	// ClientID and ClientSecret are the relying-party credentials
	// registered at the issuer.
	ClientID     string
	ClientSecret string

	// Scopes requested during authorization. Defaults to openid, profile
	// and email; "openid" is mandatory when set explicitly.
	Scopes []string

	// FetchUserInfo enriches assertions with userinfo-endpoint claims
	// after code exchange, for issuers that keep profile claims out of the
	// ID token. The endpoint's subject must match the verified token.
	FetchUserInfo bool
}

// Client drives the authorization-code flow for one configured issuer. It
// is safe for concurrent use.
type Client struct {
	cfg      Config
	oauth    *oauth2.Config
	provider *gooidc.Provider
	verifier *gooidc.IDTokenVerifier
	logger   *observability.Logger
}

var _ sso.ProviderClient = (*Client)(nil)

// NewClient validates the configuration, runs issuer discovery, and builds
// a client. Discovery failures are surfaced immediately so a misconfigured
// issuer is caught at startup, not on the first login.
func NewClient(ctx context.Context, cfg Config, logger *observability.Logger) (*Client, error) {
	if cfg.ProviderID == "" {
		return nil, fmt.Errorf("provider ID is required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("public base URL is required")
	}
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "profile", "email"}
	}
	hasOpenID := false
	for _, scope := range scopes {
		if scope == gooidc.ScopeOpenID {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return nil, fmt.Errorf("scopes must include %q", gooidc.ScopeOpenID)
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	provider, err := gooidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC issuer %s: %w", cfg.IssuerURL, err)
	}

	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	oauth := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  fmt.Sprintf("%s/auth/sso/%s/callback", base, cfg.ProviderID),
		Scopes:       scopes,
	}

	return &Client{
		cfg:      cfg,
		oauth:    oauth,
		provider: provider,
		verifier: provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		logger:   logger.WithField("provider", cfg.ProviderID),
	}, nil
}

// BuildRedirect starts an authorization-code flow. The state parameter is
// the request ID that keys the pending session; the client's destination
// does not round-trip through the issuer, it rides in the pending session.
func (c *Client) BuildRedirect(_ string) (string, string, error) {
	state := uuid.NewString()
	return state, c.oauth.AuthCodeURL(state), nil
}

// ParseAndVerify consumes the authorization-code callback. rawResponse is
// the callback's query string. The state parameter is matched against the
// outstanding request IDs before any token traffic, so a forged callback
// fails without contacting the issuer.
func (c *Client) ParseAndVerify(rawResponse string, pendingRequestIDs []string) (*sso.Assertion, error) {
	params, err := url.ParseQuery(rawResponse)
	if err != nil {
		return nil, sso.NewProtocolError("malformed callback query", err)
	}

	// Issuers report refusals on the redirect itself (RFC 6749 §4.1.2.1).
	if code := params.Get("error"); code != "" {
		reason := params.Get("error_description")
		if reason == "" {
			reason = code
		}
		return nil, sso.NewProtocolError(fmt.Sprintf("issuer rejected the login: %s", reason), nil)
	}

	state := params.Get("state")
	if state == "" {
		return nil, sso.NewProtocolError("callback carries no state parameter", nil)
	}
	if !containsID(pendingRequestIDs, state) {
		// Unknown state is indistinguishable from a cross-site forgery.
		return nil, sso.NewProtocolError(fmt.Sprintf("callback answers unknown request %q", state), nil)
	}

	code := params.Get("code")
	if code == "" {
		return nil, sso.NewProtocolError("callback carries no authorization code", nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), exchangeTimeout)
	defer cancel()

	token, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, sso.NewProtocolError("authorization code exchange rejected", err)
		}
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, sso.NewProtocolError("token response carries no id_token", nil)
	}

	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, sso.NewProtocolError("failed to verify ID token", err)
	}
	if idToken.Subject == "" {
		return nil, sso.NewProtocolError("ID token carries no subject", nil)
	}

	claims := make(map[string]interface{})
	if err := idToken.Claims(&claims); err != nil {
		return nil, sso.NewProtocolError("failed to decode ID token claims", err)
	}

	if c.cfg.FetchUserInfo {
		if err := c.mergeUserInfo(ctx, token, idToken.Subject, claims); err != nil {
			return nil, err
		}
	}

	attributes := flattenClaims(claims)

	// The sid claim carries the issuer's session ID when back-channel
	// logout is in play.
	sessionIndex := ""
	if values := attributes["sid"]; len(values) > 0 {
		sessionIndex = values[0]
	}

	return &sso.Assertion{
		ProviderID:   c.cfg.ProviderID,
		NameID:       idToken.Subject,
		SessionIndex: sessionIndex,
		InResponseTo: state,
		Attributes:   attributes,
	}, nil
}

// SPMetadata reports that OIDC relying parties publish no metadata
// document; client registration happens out of band at the issuer.
func (c *Client) SPMetadata() ([]byte, error) {
	return nil, sso.ErrNoMetadata
}

// mergeUserInfo overlays userinfo-endpoint claims onto the ID-token
// claims. The endpoint's subject must match the verified token, otherwise
// none of its claims are trusted (OpenID Connect Core §5.3.2).
func (c *Client) mergeUserInfo(ctx context.Context, token *oauth2.Token, subject string, claims map[string]interface{}) error {
	info, err := c.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return fmt.Errorf("failed to fetch userinfo: %w", err)
	}
	if info.Subject != subject {
		return sso.NewProtocolError("userinfo subject does not match the ID token", nil)
	}

	extra := make(map[string]interface{})
	if err := info.Claims(&extra); err != nil {
		return sso.NewProtocolError("failed to decode userinfo claims", err)
	}
	for name, value := range extra {
		if name == "sub" {
			continue
		}
		claims[name] = value
	}
	return nil
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
