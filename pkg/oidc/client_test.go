package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouselabs/gatehouse/pkg/observability"
	"github.com/gatehouselabs/gatehouse/pkg/sso"
)

const testKeyID = "test-signing-key"

// testIssuer is a minimal OIDC issuer: discovery, JWKS, token and userinfo
// endpoints backed by a throwaway RSA key.
type testIssuer struct {
	server *httptest.Server
	key    *rsa.PrivateKey

	mu            sync.Mutex
	tokenResponse map[string]interface{}
	tokenStatus   int
	userinfo      map[string]interface{}
	tokenRequests int
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	issuer := &testIssuer{key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", issuer.serveDiscovery)
	mux.HandleFunc("/keys", issuer.serveJWKS)
	mux.HandleFunc("/token", issuer.serveToken)
	mux.HandleFunc("/userinfo", issuer.serveUserInfo)

	issuer.server = httptest.NewServer(mux)
	t.Cleanup(issuer.server.Close)
	return issuer
}

func (i *testIssuer) serveDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"issuer":                                i.server.URL,
		"authorization_endpoint":                i.server.URL + "/authorize",
		"token_endpoint":                        i.server.URL + "/token",
		"jwks_uri":                              i.server.URL + "/keys",
		"userinfo_endpoint":                     i.server.URL + "/userinfo",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (i *testIssuer) serveJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"keys": []map[string]interface{}{{
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"kid": testKeyID,
			"n":   base64.RawURLEncoding.EncodeToString(i.key.PublicKey.N.Bytes()),
			"e":   "AQAB",
		}},
	})
}

func (i *testIssuer) serveToken(w http.ResponseWriter, r *http.Request) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tokenRequests++

	if i.tokenStatus != 0 && i.tokenStatus != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(i.tokenStatus)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
		return
	}
	writeJSON(w, i.tokenResponse)
}

func (i *testIssuer) serveUserInfo(w http.ResponseWriter, r *http.Request) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.userinfo == nil {
		http.Error(w, "no userinfo configured", http.StatusNotFound)
		return
	}
	writeJSON(w, i.userinfo)
}

// signIDToken signs claims with the issuer's key the way a real issuer
// would, kid header included so the JWKS lookup matches.
func (i *testIssuer) signIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(i.key)
	require.NoError(t, err)
	return signed
}

// issueToken makes the token endpoint return a response carrying idToken.
func (i *testIssuer) issueToken(idToken string) {
	i.setTokenResponse(map[string]interface{}{
		"access_token": "at-123",
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
	})
}

func (i *testIssuer) setTokenResponse(response map[string]interface{}) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tokenResponse = response
}

func (i *testIssuer) setTokenStatus(status int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tokenStatus = status
}

func (i *testIssuer) setUserInfo(claims map[string]interface{}) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.userinfo = claims
}

// standardClaims returns a verifiable claim set for the issuer; tests
// override or extend fields as needed.
func (i *testIssuer) standardClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":                i.server.URL,
		"aud":                "gatehouse",
		"sub":                "subject-123",
		"iat":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
		"preferred_username": "JDoe",
		"name":               "Jane Doe",
		"email":              "jdoe@example.com",
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func testIssuerConfig(issuer *testIssuer) Config {
	return Config{
		ProviderID:    "corp-oidc",
		PublicBaseURL: "https://sp.example.org",
		IssuerURL:     issuer.server.URL,
		ClientID:      "gatehouse",
		ClientSecret:  "test-secret",
	}
}

func newTestOIDCClient(t *testing.T, issuer *testIssuer, mutate func(*Config)) *Client {
	t.Helper()

	cfg := testIssuerConfig(issuer)
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewClient(context.Background(), cfg, observability.NewNopLogger())
	require.NoError(t, err)
	return client
}

func TestNewClient(t *testing.T) {
	issuer := newTestIssuer(t)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "valid",
		},
		{
			name:    "missing provider ID",
			mutate:  func(c *Config) { c.ProviderID = "" },
			wantErr: "provider ID is required",
		},
		{
			name:    "missing base URL",
			mutate:  func(c *Config) { c.PublicBaseURL = "" },
			wantErr: "public base URL is required",
		},
		{
			name:    "missing issuer URL",
			mutate:  func(c *Config) { c.IssuerURL = "" },
			wantErr: "issuer URL is required",
		},
		{
			name:    "missing client ID",
			mutate:  func(c *Config) { c.ClientID = "" },
			wantErr: "client ID is required",
		},
		{
			name:    "missing client secret",
			mutate:  func(c *Config) { c.ClientSecret = "" },
			wantErr: "client secret is required",
		},
		{
			name:    "scopes without openid",
			mutate:  func(c *Config) { c.Scopes = []string{"profile", "email"} },
			wantErr: `must include "openid"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testIssuerConfig(issuer)
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}

			client, err := NewClient(context.Background(), cfg, observability.NewNopLogger())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, client)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, client)
		})
	}
}

func TestNewClient_DiscoveryFailure(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(broken.Close)

	cfg := Config{
		ProviderID:    "corp-oidc",
		PublicBaseURL: "https://sp.example.org",
		IssuerURL:     broken.URL,
		ClientID:      "gatehouse",
		ClientSecret:  "test-secret",
	}
	_, err := NewClient(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to discover OIDC issuer")
}

func TestClient_BuildRedirect(t *testing.T) {
	issuer := newTestIssuer(t)
	client := newTestOIDCClient(t, issuer, nil)

	requestID, redirectURL, err := client.BuildRedirect("https://app.example.org/after")
	require.NoError(t, err)
	require.NotEmpty(t, requestID)

	parsed, err := url.Parse(redirectURL)
	require.NoError(t, err)
	assert.Equal(t, "/authorize", parsed.Path)

	query := parsed.Query()
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "gatehouse", query.Get("client_id"))
	assert.Equal(t, "https://sp.example.org/auth/sso/corp-oidc/callback", query.Get("redirect_uri"))
	assert.Contains(t, query.Get("scope"), "openid")

	// The state parameter is the pending-session request ID.
	assert.Equal(t, requestID, query.Get("state"))

	second, _, err := client.BuildRedirect("")
	require.NoError(t, err)
	assert.NotEqual(t, requestID, second)
}

func TestClient_ParseAndVerify(t *testing.T) {
	issuer := newTestIssuer(t)
	client := newTestOIDCClient(t, issuer, nil)

	claims := issuer.standardClaims()
	claims["groups"] = []string{"engineering", "oncall"}
	claims["sid"] = "issuer-session-9"
	issuer.issueToken(issuer.signIDToken(t, claims))

	assertion, err := client.ParseAndVerify("code=good&state=req-1", []string{"req-0", "req-1"})
	require.NoError(t, err)

	assert.Equal(t, "corp-oidc", assertion.ProviderID)
	assert.Equal(t, "subject-123", assertion.NameID)
	assert.Equal(t, "req-1", assertion.InResponseTo)
	assert.Equal(t, "issuer-session-9", assertion.SessionIndex)

	assert.Equal(t, []string{"subject-123"}, assertion.Attributes["sub"])
	assert.Equal(t, []string{"JDoe"}, assertion.Attributes["preferred_username"])
	assert.Equal(t, []string{"Jane Doe"}, assertion.Attributes["name"])
	assert.Equal(t, []string{"jdoe@example.com"}, assertion.Attributes["email"])
	assert.Equal(t, []string{"engineering", "oncall"}, assertion.Attributes["groups"])
}

func TestClient_ParseAndVerify_Rejects(t *testing.T) {
	issuer := newTestIssuer(t)
	client := newTestOIDCClient(t, issuer, nil)
	pending := []string{"req-1"}

	tests := []struct {
		name        string
		rawResponse string
		wantErr     string
	}{
		{
			name:        "malformed query",
			rawResponse: "code=%zz",
			wantErr:     "malformed callback query",
		},
		{
			name:        "issuer error response",
			rawResponse: "error=access_denied&error_description=user+cancelled&state=req-1",
			wantErr:     "issuer rejected the login: user cancelled",
		},
		{
			name:        "issuer error without description",
			rawResponse: "error=access_denied&state=req-1",
			wantErr:     "issuer rejected the login: access_denied",
		},
		{
			name:        "missing state",
			rawResponse: "code=good",
			wantErr:     "callback carries no state parameter",
		},
		{
			name:        "unknown state",
			rawResponse: "code=good&state=req-9",
			wantErr:     `callback answers unknown request "req-9"`,
		},
		{
			name:        "missing code",
			rawResponse: "state=req-1",
			wantErr:     "callback carries no authorization code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertion, err := client.ParseAndVerify(tt.rawResponse, pending)
			require.Error(t, err)
			assert.True(t, sso.IsProtocolError(err), "expected protocol error, got %v", err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Nil(t, assertion)
		})
	}

	// None of the rejected callbacks may reach the token endpoint.
	issuer.mu.Lock()
	defer issuer.mu.Unlock()
	assert.Equal(t, 0, issuer.tokenRequests)
}

func TestClient_ParseAndVerify_ExchangeRejected(t *testing.T) {
	issuer := newTestIssuer(t)
	client := newTestOIDCClient(t, issuer, nil)
	issuer.setTokenStatus(http.StatusBadRequest)

	_, err := client.ParseAndVerify("code=replayed&state=req-1", []string{"req-1"})
	require.Error(t, err)
	assert.True(t, sso.IsProtocolError(err))
	assert.Contains(t, err.Error(), "authorization code exchange rejected")
}

func TestClient_ParseAndVerify_IssuerUnreachable(t *testing.T) {
	issuer := newTestIssuer(t)
	client := newTestOIDCClient(t, issuer, nil)
	issuer.server.Close()

	// Infrastructure failure, not a bad request: no protocol error.
	_, err := client.ParseAndVerify("code=good&state=req-1", []string{"req-1"})
	require.Error(t, err)
	assert.False(t, sso.IsProtocolError(err))
	assert.Contains(t, err.Error(), "failed to exchange authorization code")
}

func TestClient_ParseAndVerify_MissingIDToken(t *testing.T) {
	issuer := newTestIssuer(t)
	client := newTestOIDCClient(t, issuer, nil)
	issuer.setTokenResponse(map[string]interface{}{
		"access_token": "at-123",
		"token_type":   "Bearer",
	})

	_, err := client.ParseAndVerify("code=good&state=req-1", []string{"req-1"})
	require.Error(t, err)
	assert.True(t, sso.IsProtocolError(err))
	assert.Contains(t, err.Error(), "token response carries no id_token")
}

func TestClient_ParseAndVerify_WrongAudience(t *testing.T) {
	issuer := newTestIssuer(t)
	client := newTestOIDCClient(t, issuer, nil)

	claims := issuer.standardClaims()
	claims["aud"] = "somebody-else"
	issuer.issueToken(issuer.signIDToken(t, claims))

	_, err := client.ParseAndVerify("code=good&state=req-1", []string{"req-1"})
	require.Error(t, err)
	assert.True(t, sso.IsProtocolError(err))
	assert.Contains(t, err.Error(), "failed to verify ID token")
}

func TestClient_ParseAndVerify_ExpiredToken(t *testing.T) {
	issuer := newTestIssuer(t)
	client := newTestOIDCClient(t, issuer, nil)

	claims := issuer.standardClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	issuer.issueToken(issuer.signIDToken(t, claims))

	_, err := client.ParseAndVerify("code=good&state=req-1", []string{"req-1"})
	require.Error(t, err)
	assert.True(t, sso.IsProtocolError(err))
	assert.Contains(t, err.Error(), "failed to verify ID token")
}

func TestClient_ParseAndVerify_UserInfo(t *testing.T) {
	issuer := newTestIssuer(t)
	client := newTestOIDCClient(t, issuer, func(c *Config) { c.FetchUserInfo = true })

	issuer.issueToken(issuer.signIDToken(t, issuer.standardClaims()))
	issuer.setUserInfo(map[string]interface{}{
		"sub":        "subject-123",
		"email":      "corp@example.com",
		"department": "platform",
	})

	assertion, err := client.ParseAndVerify("code=good&state=req-1", []string{"req-1"})
	require.NoError(t, err)

	// Userinfo claims overlay the ID-token claims; untouched ones survive.
	assert.Equal(t, []string{"corp@example.com"}, assertion.Attributes["email"])
	assert.Equal(t, []string{"platform"}, assertion.Attributes["department"])
	assert.Equal(t, []string{"Jane Doe"}, assertion.Attributes["name"])
	assert.Equal(t, "subject-123", assertion.NameID)
}

func TestClient_ParseAndVerify_UserInfoSubjectMismatch(t *testing.T) {
	issuer := newTestIssuer(t)
	client := newTestOIDCClient(t, issuer, func(c *Config) { c.FetchUserInfo = true })

	issuer.issueToken(issuer.signIDToken(t, issuer.standardClaims()))
	issuer.setUserInfo(map[string]interface{}{
		"sub":   "someone-else",
		"email": "corp@example.com",
	})

	_, err := client.ParseAndVerify("code=good&state=req-1", []string{"req-1"})
	require.Error(t, err)
	assert.True(t, sso.IsProtocolError(err))
	assert.Contains(t, err.Error(), "userinfo subject does not match")
}

func TestClient_SPMetadata(t *testing.T) {
	issuer := newTestIssuer(t)
	client := newTestOIDCClient(t, issuer, nil)

	metadata, err := client.SPMetadata()
	assert.Nil(t, metadata)
	assert.ErrorIs(t, err, sso.ErrNoMetadata)
}

func TestFlattenClaims(t *testing.T) {
	attributes := flattenClaims(map[string]interface{}{
		"sub":            "subject-123",
		"email_verified": true,
		"updated_at":     float64(1700000000),
		"score":          1.5,
		"groups":         []interface{}{"engineering", "oncall"},
		"mixed":          []interface{}{"kept", 42},
		"empty":          []interface{}{},
		"address":        map[string]interface{}{"locality": "dropped"},
	})

	assert.Equal(t, []string{"subject-123"}, attributes["sub"])
	assert.Equal(t, []string{"true"}, attributes["email_verified"])
	assert.Equal(t, []string{"1700000000"}, attributes["updated_at"])
	assert.Equal(t, []string{"1.5"}, attributes["score"])
	assert.Equal(t, []string{"engineering", "oncall"}, attributes["groups"])
	assert.Equal(t, []string{"kept"}, attributes["mixed"])
	assert.NotContains(t, attributes, "empty")
	assert.NotContains(t, attributes, "address")
}
