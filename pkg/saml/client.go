// Package saml implements the SAML 2.0 side of the login flow: building
// authentication requests, validating assertion responses, and serving the
// service-provider metadata document. Everything protocol-specific stays
// behind the sso.ProviderClient interface.
package saml

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/gatehouselabs/gatehouse/pkg/observability"
	"github.com/gatehouselabs/gatehouse/pkg/sso"
)

// Config describes one SAML identity provider connection.
type Config struct {
	// ProviderID keys the provider's routes, bindings, and gate lane.
	ProviderID string

	// PublicBaseURL is the externally reachable base URL of this service.
	// The assertion consumer and metadata URLs are derived from it.
	PublicBaseURL string

	// EntityID overrides the service-provider entity ID. Defaults to the
	// provider's metadata URL.
	EntityID string

	// IdPMetadataURL points at the identity provider's metadata document.
	// When set, the SSO URL, issuer, and signing certificates come from the
	// fetched document and the three inline fields below are ignored.
	IdPMetadataURL string

	// Inline IdP configuration, used when IdPMetadataURL is empty.
	IdPEntityID    string
	IdPSSOURL      string
	IdPCertificate string // PEM, may hold several CERTIFICATE blocks

	// Certificate and PrivateKey form the service-provider key pair, PEM
	// encoded. Required when SignRequests is set.
	Certificate string
	PrivateKey  string

	// SignRequests signs outgoing authentication requests.
	SignRequests bool

	// NameIDFormat is the requested NameID format. Empty leaves the choice
	// to the IdP.
	NameIDFormat string

	// AllowIDPInitiated accepts assertions that answer no outstanding
	// request. Off by default: unsolicited assertions are rejected.
	AllowIDPInitiated bool

	// ServiceName labels the AttributeConsumingService in SP metadata.
	// Defaults to the provider ID.
	ServiceName string
}

// Client drives the SAML login flow for one configured identity provider.
// It is safe for concurrent use.
type Client struct {
	cfg     Config
	mapper  sso.Mapper
	fetcher *MetadataFetcher
	logger  *observability.Logger

	keyStore dsig.X509KeyStore
	inline   *IdPMetadata // non-nil when the IdP is configured inline
}

var _ sso.ProviderClient = (*Client)(nil)

// NewClient validates the configuration and builds a client. When the IdP is
// configured through a metadata URL, the first document fetch happens lazily
// on the first login attempt.
func NewClient(cfg Config, mapper sso.Mapper, fetcher *MetadataFetcher, logger *observability.Logger) (*Client, error) {
	if cfg.ProviderID == "" {
		return nil, fmt.Errorf("provider ID is required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("public base URL is required")
	}
	if mapper == nil {
		return nil, fmt.Errorf("attribute mapper is required")
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	c := &Client{
		cfg:     cfg,
		mapper:  mapper,
		fetcher: fetcher,
		logger:  logger.WithField("provider", cfg.ProviderID),
	}

	if cfg.IdPMetadataURL == "" {
		inline, err := parseInlineIdP(cfg)
		if err != nil {
			return nil, err
		}
		c.inline = inline
	} else if fetcher == nil {
		return nil, fmt.Errorf("a metadata fetcher is required when idp_metadata_url is set")
	}

	switch {
	case cfg.Certificate != "" || cfg.PrivateKey != "":
		keyStore, err := parseKeyPair(cfg.Certificate, cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		c.keyStore = keyStore
	case cfg.SignRequests:
		return nil, fmt.Errorf("sign_requests needs a certificate and private key")
	default:
		// gosaml2 reads the SP certificate out of the key store even when
		// requests go unsigned, so metadata generation needs one.
		c.keyStore = dsig.RandomKeyStoreForTest()
	}

	return c, nil
}

// BuildRedirect builds a fresh authentication request and returns its ID
// along with the IdP redirect URL carrying the encoded request and relay
// state. The ID keys the pending session until the assertion comes back.
func (c *Client) BuildRedirect(relayState string) (string, string, error) {
	sp, err := c.serviceProvider(context.Background())
	if err != nil {
		return "", "", err
	}

	doc, err := sp.BuildAuthRequestDocument()
	if err != nil {
		return "", "", fmt.Errorf("failed to build authentication request: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return "", "", fmt.Errorf("authentication request document has no root")
	}
	requestID := root.SelectAttrValue("ID", "")
	if requestID == "" {
		return "", "", fmt.Errorf("authentication request carries no ID")
	}

	redirectURL, err := sp.BuildAuthURLFromDocument(relayState, doc)
	if err != nil {
		return "", "", fmt.Errorf("failed to build authentication redirect: %w", err)
	}

	return requestID, redirectURL, nil
}

// ParseAndVerify validates a SAMLResponse form value: signature, conditions,
// and that the assertion answers one of the outstanding requests. gosaml2
// expects the base64 form value exactly as posted.
func (c *Client) ParseAndVerify(rawResponse string, pendingRequestIDs []string) (assertion *sso.Assertion, err error) {
	// Hostile XML can panic the parser stack; turn that into a rejection.
	defer func() {
		if rerr := observability.MustRecover(recover()); rerr != nil {
			assertion = nil
			err = sso.NewProtocolError("malformed SAML response", rerr)
		}
	}()

	sp, err := c.serviceProvider(context.Background())
	if err != nil {
		return nil, err
	}

	info, err := sp.RetrieveAssertionInfo(rawResponse)
	if err != nil {
		return nil, sso.NewProtocolError("failed to validate SAML response", err)
	}
	if err := checkAssertionWarnings(info.WarningInfo); err != nil {
		return nil, err
	}

	inResponseTo := extractInResponseTo(info)
	if err := c.verifyInResponseTo(inResponseTo, pendingRequestIDs); err != nil {
		return nil, err
	}

	return &sso.Assertion{
		ProviderID:   c.cfg.ProviderID,
		NameID:       info.NameID,
		SessionIndex: info.SessionIndex,
		InResponseTo: inResponseTo,
		Attributes:   flattenAttributes(info),
	}, nil
}

// SPMetadata renders the service-provider metadata document, including an
// AttributeConsumingService advertising exactly the attributes the
// configured mapper consumes.
func (c *Client) SPMetadata() ([]byte, error) {
	sp, err := c.serviceProvider(context.Background())
	if err != nil {
		return nil, err
	}

	descriptor, err := sp.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to generate metadata: %w", err)
	}
	raw, err := xml.Marshal(descriptor)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("failed to reparse metadata: %w", err)
	}
	if spsso := doc.FindElement("//SPSSODescriptor"); spsso != nil {
		c.attachAttributeConsumingService(spsso)
	}
	doc.Indent(2)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize metadata: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// attachAttributeConsumingService appends the requested-attribute block. The
// schema wants it after the assertion consumer services, which is where
// appending lands it.
func (c *Client) attachAttributeConsumingService(spsso *etree.Element) {
	required, optional := c.mapper.AttributeSets()
	if len(required)+len(optional) == 0 {
		return
	}

	serviceName := c.cfg.ServiceName
	if serviceName == "" {
		serviceName = c.cfg.ProviderID
	}

	acs := spsso.CreateElement("AttributeConsumingService")
	acs.CreateAttr("index", "0")
	acs.CreateAttr("isDefault", "true")
	name := acs.CreateElement("ServiceName")
	name.CreateAttr("xml:lang", "en")
	name.SetText(serviceName)

	for _, attribute := range required {
		el := acs.CreateElement("RequestedAttribute")
		el.CreateAttr("Name", attribute)
		el.CreateAttr("isRequired", "true")
	}
	for _, attribute := range optional {
		el := acs.CreateElement("RequestedAttribute")
		el.CreateAttr("Name", attribute)
		el.CreateAttr("isRequired", "false")
	}
}

// serviceProvider assembles a gosaml2 service provider against the current
// IdP metadata. Construction is cheap; metadata-URL providers pick up
// refreshed documents through the fetcher's cache.
func (c *Client) serviceProvider(ctx context.Context) (*saml2.SAMLServiceProvider, error) {
	idp := c.inline
	if idp == nil {
		fetched, err := c.fetcher.Fetch(ctx, c.cfg.ProviderID, c.cfg.IdPMetadataURL)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve IdP metadata: %w", err)
		}
		idp = fetched
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      idp.SSOURL,
		IdentityProviderIssuer:      idp.EntityID,
		ServiceProviderIssuer:       c.spEntityID(),
		AssertionConsumerServiceURL: c.acsURL(),
		SignAuthnRequests:           c.cfg.SignRequests,
		AudienceURI:                 c.spEntityID(),
		IDPCertificateStore:         &dsig.MemoryX509CertificateStore{Roots: idp.Certificates},
		SPKeyStore:                  c.keyStore,
	}
	if c.cfg.NameIDFormat != "" {
		sp.NameIdFormat = c.cfg.NameIDFormat
	}
	return sp, nil
}

func (c *Client) baseURL() string {
	return strings.TrimSuffix(c.cfg.PublicBaseURL, "/")
}

func (c *Client) acsURL() string {
	return fmt.Sprintf("%s/auth/sso/%s/callback", c.baseURL(), c.cfg.ProviderID)
}

func (c *Client) spEntityID() string {
	if c.cfg.EntityID != "" {
		return c.cfg.EntityID
	}
	return fmt.Sprintf("%s/auth/sso/%s/metadata", c.baseURL(), c.cfg.ProviderID)
}

func (c *Client) verifyInResponseTo(inResponseTo string, pendingRequestIDs []string) error {
	if inResponseTo == "" {
		if c.cfg.AllowIDPInitiated {
			return nil
		}
		return sso.NewProtocolError("unsolicited assertion and IdP-initiated logins are disabled", nil)
	}
	for _, id := range pendingRequestIDs {
		if id == inResponseTo {
			return nil
		}
	}
	return sso.NewProtocolError(fmt.Sprintf("assertion answers unknown request %q", inResponseTo), nil)
}

// checkAssertionWarnings turns the soft validation warnings gosaml2 reports
// into hard rejections.
func checkAssertionWarnings(w *saml2.WarningInfo) error {
	if w == nil {
		return nil
	}
	if w.InvalidTime {
		return sso.NewProtocolError("assertion is expired or not yet valid", nil)
	}
	if w.NotInAudience {
		return sso.NewProtocolError("assertion audience does not include this service", nil)
	}
	return nil
}

// extractInResponseTo walks the subject confirmations for the request ID the
// assertion answers. Unsolicited assertions carry none.
func extractInResponseTo(info *saml2.AssertionInfo) string {
	for _, a := range info.Assertions {
		subject := a.Subject
		if subject == nil || subject.SubjectConfirmation == nil || subject.SubjectConfirmation.SubjectConfirmationData == nil {
			continue
		}
		if id := subject.SubjectConfirmation.SubjectConfirmationData.InResponseTo; id != "" {
			return id
		}
	}
	return ""
}

// flattenAttributes converts the attribute statement into the plain
// name-to-values form the mapper consumes.
func flattenAttributes(info *saml2.AssertionInfo) map[string][]string {
	attributes := make(map[string][]string, len(info.Values))
	for _, attr := range info.Values {
		values := make([]string, 0, len(attr.Values))
		for _, v := range attr.Values {
			values = append(values, v.Value)
		}
		attributes[attr.Name] = values
	}
	return attributes
}

func parseInlineIdP(cfg Config) (*IdPMetadata, error) {
	if cfg.IdPSSOURL == "" {
		return nil, fmt.Errorf("idp_sso_url is required when no metadata URL is set")
	}
	if cfg.IdPEntityID == "" {
		return nil, fmt.Errorf("idp_entity_id is required when no metadata URL is set")
	}
	certificates, err := parseCertificatePEM(cfg.IdPCertificate)
	if err != nil {
		return nil, err
	}
	return &IdPMetadata{
		EntityID:     cfg.IdPEntityID,
		SSOURL:       cfg.IdPSSOURL,
		Certificates: certificates,
	}, nil
}

// parseCertificatePEM parses every CERTIFICATE block in the input, so a
// rotating IdP can present old and new signing certificates side by side.
func parseCertificatePEM(pemData string) ([]*x509.Certificate, error) {
	if pemData == "" {
		return nil, fmt.Errorf("idp_certificate is required when no metadata URL is set")
	}

	var certificates []*x509.Certificate
	rest := []byte(pemData)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certificates = append(certificates, cert)
	}
	if len(certificates) == 0 {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	return certificates, nil
}

func parseKeyPair(certPEM, keyPEM string) (dsig.X509KeyStore, error) {
	if certPEM == "" || keyPEM == "" {
		return nil, fmt.Errorf("certificate and private key must be set together")
	}
	pair, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to load SP key pair: %w", err)
	}
	if _, ok := pair.PrivateKey.(*rsa.PrivateKey); !ok {
		return nil, fmt.Errorf("SP private key is not an RSA key")
	}
	return dsig.TLSCertKeyStore(pair), nil
}
