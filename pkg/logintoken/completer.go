// Package logintoken finishes resolved logins. A fresh login redirects the
// client back to its requested destination carrying a short-lived,
// single-use login token; the client exchanges that token for the resolved
// user ID at a dedicated endpoint. Interactive-authentication attempts are
// instead recorded against their auth session and acknowledged in place.
package logintoken

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gatehouselabs/gatehouse/pkg/audit"
	"github.com/gatehouselabs/gatehouse/pkg/httputil"
	"github.com/gatehouselabs/gatehouse/pkg/mxid"
	"github.com/gatehouselabs/gatehouse/pkg/observability"
	"github.com/gatehouselabs/gatehouse/pkg/sso"
)

// DefaultTokenLifetime bounds how long a minted login token stays
// exchangeable. Tokens are consumed within one redirect round trip, so two
// minutes is generous.
const DefaultTokenLifetime = 2 * time.Minute

// tokenType marks login tokens so other JWTs signed with a shared secret
// can never be exchanged for a login.
const tokenType = "sso_login"

// Config holds the static configuration for login completion.
type Config struct {
	// Secret signs login tokens (HS256). Required.
	Secret string

	// Issuer is stamped into the iss and aud claims. Defaults to
	// "gatehouse".
	Issuer string

	// TokenLifetime caps the mint-to-exchange window. Defaults to
	// DefaultTokenLifetime.
	TokenLifetime time.Duration

	// RedirectWhitelist lists allowed redirect URL prefixes. Empty allows
	// any absolute http or https URL.
	RedirectWhitelist []string
}

// loginClaims is the signed payload of a login token.
type loginClaims struct {
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Completer implements sso.LoginCompleter on signed login tokens. It is
// safe for concurrent use.
type Completer struct {
	cfg    Config
	logger *observability.Logger
	audit  audit.Logger

	mu sync.Mutex
	// usedTokens maps consumed jti values to their token expiry so replays
	// fail until the token would have expired anyway.
	usedTokens map[string]time.Time
	// authSessions records which user satisfied each interactive-auth
	// session's SSO step.
	authSessions map[string]mxid.UserID
}

var _ sso.LoginCompleter = (*Completer)(nil)

// NewCompleter validates the configuration and builds a completer.
func NewCompleter(cfg Config, logger *observability.Logger) (*Completer, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("login token secret is required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "gatehouse"
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = DefaultTokenLifetime
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &Completer{
		cfg:          cfg,
		logger:       logger,
		audit:        audit.NewNopLogger(),
		usedTokens:   make(map[string]time.Time),
		authSessions: make(map[string]mxid.UserID),
	}, nil
}

// SetAuditLogger records the token lifecycle in the audit trail: issued on
// completion, exchanged or rejected at the exchange endpoint.
func (c *Completer) SetAuditLogger(sink audit.Logger) {
	c.audit = sink
}

func (c *Completer) recordAudit(r *http.Request, eventType audit.EventType, status audit.EventStatus, fill func(*audit.Event)) {
	event := audit.NewEvent(r, eventType, status)
	if fill != nil {
		fill(event)
	}
	if err := c.audit.Log(r.Context(), event); err != nil {
		c.logger.WithError(err).Warn("failed to record audit event")
	}
}

// CompleteLogin finishes a fresh login: validate the destination, mint a
// token for the resolved user, and 302 the client there with the token
// attached as a loginToken query parameter.
func (c *Completer) CompleteLogin(userID mxid.UserID, w http.ResponseWriter, r *http.Request, relayState string) error {
	target, err := c.validateRedirect(relayState)
	if err != nil {
		return err
	}

	token, err := c.mintToken(userID)
	if err != nil {
		return fmt.Errorf("failed to mint login token: %w", err)
	}

	// Append rather than replace: the destination may carry its own query.
	query := target.Query()
	query.Set("loginToken", token)
	target.RawQuery = query.Encode()

	c.logger.WithFields(map[string]interface{}{
		"user_id":  userID.String(),
		"redirect": target.Scheme + "://" + target.Host,
	}).Info("completed SSO login")
	c.recordAudit(r, audit.EventTokenIssued, audit.StatusSuccess, func(e *audit.Event) {
		e.UserID = userID.String()
	})

	http.Redirect(w, r, target.String(), http.StatusFound)
	return nil
}

// CompleteInteractiveAuth records that userID satisfied the SSO step of
// authSessionID and acknowledges the attempt in place. No token is minted;
// the interactive-auth flow polls the session state instead.
func (c *Completer) CompleteInteractiveAuth(userID mxid.UserID, authSessionID string, w http.ResponseWriter, r *http.Request) error {
	if authSessionID == "" {
		return fmt.Errorf("interactive auth requires a session ID")
	}

	c.mu.Lock()
	c.authSessions[authSessionID] = userID
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"user_id":      userID.String(),
		"auth_session": authSessionID,
	}).Info("completed SSO step for interactive auth")

	return httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// AuthSessionUser reports which user completed the SSO step of an
// interactive-auth session, if any.
func (c *Completer) AuthSessionUser(authSessionID string) (mxid.UserID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	userID, ok := c.authSessions[authSessionID]
	return userID, ok
}

// ExchangeToken validates a login token and consumes it, returning the
// user it was minted for. A token is good for exactly one exchange.
func (c *Completer) ExchangeToken(tokenStr string) (mxid.UserID, error) {
	claims := &loginClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims,
		func(token *jwt.Token) (interface{}, error) {
			return []byte(c.cfg.Secret), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.cfg.Issuer),
		jwt.WithAudience(c.cfg.Issuer),
	)
	if err != nil {
		return mxid.UserID{}, sso.NewProtocolError("invalid login token", err)
	}
	if claims.TokenType != tokenType {
		return mxid.UserID{}, sso.NewProtocolError("token is not a login token", nil)
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return mxid.UserID{}, sso.NewProtocolError("login token lacks required claims", nil)
	}

	userID, err := mxid.ParseUserID(claims.Subject)
	if err != nil {
		return mxid.UserID{}, sso.NewProtocolError("login token subject is not a user ID", err)
	}

	if err := c.consumeJTI(claims.ID, claims.ExpiresAt.Time); err != nil {
		return mxid.UserID{}, err
	}
	return userID, nil
}

// consumeJTI marks a token ID used, failing if it already was. Entries for
// tokens past their expiry are pruned on the way through; an expired token
// never reaches here because validation rejects it first.
func (c *Completer) consumeJTI(jti string, expiry time.Time) error {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, exp := range c.usedTokens {
		if !exp.After(now) {
			delete(c.usedTokens, id)
		}
	}

	if _, used := c.usedTokens[jti]; used {
		return sso.NewProtocolError("login token already used", nil)
	}
	c.usedTokens[jti] = expiry
	return nil
}

// mintToken signs a login token for userID.
func (c *Completer) mintToken(userID mxid.UserID) (string, error) {
	now := time.Now().UTC()
	claims := loginClaims{
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.cfg.Issuer,
			Audience:  jwt.ClaimStrings{c.cfg.Issuer},
			Subject:   userID.String(),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.cfg.TokenLifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.cfg.Secret))
}

// validateRedirect checks the relay-state destination: it must be an
// absolute http(s) URL and, when a whitelist is configured, match one of
// its prefixes. Violations are protocol errors; the destination came from
// the client.
func (c *Completer) validateRedirect(relayState string) (*url.URL, error) {
	if relayState == "" {
		return nil, sso.NewProtocolError("login completion requires a redirect URL", nil)
	}

	target, err := url.Parse(relayState)
	if err != nil {
		return nil, sso.NewProtocolError("invalid redirect URL", err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, sso.NewProtocolError("redirect URL must be absolute http or https", nil)
	}

	if len(c.cfg.RedirectWhitelist) == 0 {
		return target, nil
	}
	for _, prefix := range c.cfg.RedirectWhitelist {
		if strings.HasPrefix(relayState, prefix) {
			return target, nil
		}
	}
	return nil, sso.NewProtocolError("redirect URL is not on the whitelist", nil)
}
