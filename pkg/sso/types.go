package sso

import (
	"context"
	"net/http"

	"github.com/gatehouselabs/gatehouse/pkg/accounts"
	"github.com/gatehouselabs/gatehouse/pkg/mxid"
)

// Assertion is a validated identity statement from an external provider. It
// is produced by a provider client after cryptographic verification; nothing
// in this package inspects raw protocol payloads.
type Assertion struct {
	// ProviderID is the provider namespace the assertion arrived through,
	// e.g. "saml" or "oidc".
	ProviderID string

	// NameID is the subject identifier asserted by the provider.
	NameID string

	// SessionIndex is the provider's session handle, when present.
	SessionIndex string

	// InResponseTo is the outgoing authentication request ID this assertion
	// answers. Empty for unsolicited (IdP-initiated) assertions.
	InResponseTo string

	// Attributes holds the asserted attribute statements. SAML attributes
	// are multi-valued; OIDC claims are flattened to single-element slices.
	Attributes map[string][]string
}

// AttributeValue returns the first value of the named attribute.
func (a *Assertion) AttributeValue(name string) (string, bool) {
	values := a.Attributes[name]
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// AttributeValues returns every value of the named attribute.
func (a *Assertion) AttributeValues(name string) []string {
	return a.Attributes[name]
}

// MappingAttributes is the profile material produced for one resolution
// attempt. It is never persisted.
type MappingAttributes struct {
	// Localpart is the candidate local identifier, already normalized.
	Localpart string

	// DisplayName is the suggested display name, empty when the provider
	// did not assert one.
	DisplayName string

	// Emails are the asserted email addresses.
	Emails []string
}

// Mapper turns validated assertions into local identity material. The default
// implementation lives in this package; deployments may substitute their own.
type Mapper interface {
	// ToUserID extracts the stable external user ID from the assertion. It
	// fails with a ProtocolError when the provider omitted the required
	// identity attribute.
	ToUserID(assertion *Assertion) (string, error)

	// ToAttributes produces the candidate localpart and profile fields for
	// the given collision-retry attempt. Attempt 0 yields the bare
	// normalized value; attempt N > 0 appends the decimal N.
	ToAttributes(assertion *Assertion, attemptIndex int) (*MappingAttributes, error)

	// AttributeSets reports which assertion attributes the mapper requires
	// and which it uses opportunistically, so providers can advertise and
	// request exactly those.
	AttributeSets() (required, optional []string)
}

// AccountStore is the durable account and binding lookup surface the
// resolver depends on.
type AccountStore interface {
	// GetBinding returns the local user bound to (providerID, externalID),
	// or accounts.ErrBindingNotFound.
	GetBinding(ctx context.Context, providerID, externalID string) (mxid.UserID, error)

	// GetAccountsByIDCaseInsensitive returns every existing account whose
	// full user ID matches the candidate case-insensitively.
	GetAccountsByIDCaseInsensitive(ctx context.Context, userID mxid.UserID) (map[mxid.UserID]accounts.Account, error)

	// CreateBinding durably records a new external identity binding.
	CreateBinding(ctx context.Context, providerID, externalID string, userID mxid.UserID) error
}

// Registrar provisions new local accounts. Provisioning happens before the
// binding is written, so a registrar failure never leaves a dangling binding.
type Registrar interface {
	ProvisionAccount(ctx context.Context, localpart, displayName string, emails []string) (mxid.UserID, error)
}

// RedirectBuilder produces an outgoing authentication request for a provider.
// The returned request ID keys the pending session until the matching
// assertion returns.
type RedirectBuilder interface {
	BuildRedirect(relayState string) (requestID, redirectURL string, err error)
}

// AssertionVerifier parses and cryptographically validates a raw provider
// response. Implementations must reject unsigned assertions and responses
// whose InResponseTo is neither empty nor present in pendingRequestIDs.
type AssertionVerifier interface {
	ParseAndVerify(rawResponse string, pendingRequestIDs []string) (*Assertion, error)
}

// MetadataProvider serves the service-provider metadata document for a
// provider, when the protocol has one.
type MetadataProvider interface {
	SPMetadata() ([]byte, error)
}

// ProviderClient is the protocol half of a provider: building redirects,
// verifying responses, and serving metadata.
type ProviderClient interface {
	RedirectBuilder
	AssertionVerifier
	MetadataProvider
}

// LoginCompleter finishes a resolved login. Which method runs depends on
// whether the pending session tied the attempt to an in-progress interactive
// authentication flow.
type LoginCompleter interface {
	// CompleteLogin finishes a fresh login, redirecting the client to the
	// relay-state target with login credentials attached.
	CompleteLogin(userID mxid.UserID, w http.ResponseWriter, r *http.Request, relayState string) error

	// CompleteInteractiveAuth marks an interactive-authentication session's
	// SSO step as satisfied by the resolved user.
	CompleteInteractiveAuth(userID mxid.UserID, authSessionID string, w http.ResponseWriter, r *http.Request) error
}

// Provider bundles everything the handler needs to run a login flow for one
// configured identity provider.
type Provider struct {
	// ID is the provider namespace; it keys bindings, the concurrency gate
	// lane, and the HTTP routes.
	ID string

	// Client speaks the provider's protocol.
	Client ProviderClient

	// Mapper produces identity material from this provider's assertions.
	Mapper Mapper

	// GrandfatheredAttribute optionally names a legacy assertion attribute
	// used to adopt accounts that predate binding-based tracking.
	GrandfatheredAttribute string
}
