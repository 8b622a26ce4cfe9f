package saml

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/hashicorp/golang-lru/v2/expirable"
	saml2 "github.com/russellhaering/gosaml2"
	"github.com/russellhaering/gosaml2/types"

	"github.com/gatehouselabs/gatehouse/pkg/observability"
)

const (
	// metadataCacheSize bounds how many distinct metadata documents are
	// held at once. Deployments rarely configure more than a handful of
	// providers.
	metadataCacheSize = 32

	// DefaultMetadataTTL is how long a fetched IdP metadata document is
	// served from cache before it is fetched again.
	DefaultMetadataTTL = time.Hour

	// maxMetadataSize caps the accepted metadata document size.
	maxMetadataSize = 1 << 20

	fetchTimeout = 15 * time.Second
)

// IdPMetadata is the slice of an identity provider's metadata document the
// client needs: where to send authentication requests and which certificates
// sign the responses.
type IdPMetadata struct {
	EntityID     string
	SSOURL       string
	Certificates []*x509.Certificate
}

// MetadataFetcher retrieves IdP metadata documents over HTTP and caches the
// parsed result. Entries expire after the configured TTL, so certificate
// rotations at the IdP are picked up without a restart.
type MetadataFetcher struct {
	client  *http.Client
	cache   *expirable.LRU[string, *IdPMetadata]
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewMetadataFetcher builds a fetcher whose cache entries live for ttl.
// A non-positive ttl selects DefaultMetadataTTL.
func NewMetadataFetcher(ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) *MetadataFetcher {
	if ttl <= 0 {
		ttl = DefaultMetadataTTL
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &MetadataFetcher{
		client:  &http.Client{Timeout: fetchTimeout},
		cache:   expirable.NewLRU[string, *IdPMetadata](metadataCacheSize, nil, ttl),
		logger:  logger,
		metrics: metrics,
	}
}

// Fetch returns the parsed metadata behind metadataURL, from cache when the
// cached copy is still fresh. providerID only labels logs and metrics; the
// cache is keyed by URL.
func (f *MetadataFetcher) Fetch(ctx context.Context, providerID, metadataURL string) (*IdPMetadata, error) {
	if cached, ok := f.cache.Get(metadataURL); ok {
		return cached, nil
	}

	metadata, err := f.refresh(ctx, metadataURL)
	f.recordRefresh(providerID, err)
	if err != nil {
		f.logger.WithField("provider", providerID).WithError(err).Warn("IdP metadata refresh failed")
		return nil, err
	}

	f.cache.Add(metadataURL, metadata)
	f.logger.WithFields(map[string]interface{}{
		"provider":     providerID,
		"entity_id":    metadata.EntityID,
		"certificates": len(metadata.Certificates),
	}).Info("refreshed IdP metadata")

	return metadata, nil
}

func (f *MetadataFetcher) refresh(ctx context.Context, metadataURL string) (*IdPMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/samlmetadata+xml, application/xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch IdP metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata endpoint returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata response: %w", err)
	}

	return ParseIdPMetadata(raw)
}

func (f *MetadataFetcher) recordRefresh(providerID string, err error) {
	if f.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	f.metrics.MetadataRefreshTotal.WithLabelValues(providerID, status).Inc()
}

// ParseIdPMetadata extracts the single sign-on endpoint and signing
// certificates from a raw EntityDescriptor document.
func ParseIdPMetadata(raw []byte) (*IdPMetadata, error) {
	descriptor := &types.EntityDescriptor{}
	if err := xml.Unmarshal(raw, descriptor); err != nil {
		return nil, fmt.Errorf("failed to parse metadata document: %w", err)
	}
	if descriptor.IDPSSODescriptor == nil {
		return nil, fmt.Errorf("metadata document describes no identity provider")
	}

	metadata := &IdPMetadata{EntityID: descriptor.EntityID}

	// Prefer the redirect binding; fall back to whatever is listed first.
	for _, svc := range descriptor.IDPSSODescriptor.SingleSignOnServices {
		if svc.Binding == saml2.BindingHttpRedirect {
			metadata.SSOURL = svc.Location
			break
		}
	}
	if metadata.SSOURL == "" && len(descriptor.IDPSSODescriptor.SingleSignOnServices) > 0 {
		metadata.SSOURL = descriptor.IDPSSODescriptor.SingleSignOnServices[0].Location
	}
	if metadata.SSOURL == "" {
		return nil, fmt.Errorf("metadata document lists no single sign-on endpoint")
	}

	for _, kd := range descriptor.IDPSSODescriptor.KeyDescriptors {
		// An unset use attribute means the key serves both purposes.
		if kd.Use == "encryption" {
			continue
		}
		for _, xcert := range kd.KeyInfo.X509Data.X509Certificates {
			der, err := base64.StdEncoding.DecodeString(stripSpace(xcert.Data))
			if err != nil {
				return nil, fmt.Errorf("failed to decode metadata certificate: %w", err)
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("failed to parse metadata certificate: %w", err)
			}
			metadata.Certificates = append(metadata.Certificates, cert)
		}
	}
	if len(metadata.Certificates) == 0 {
		return nil, fmt.Errorf("metadata document lists no signing certificates")
	}

	return metadata, nil
}

// stripSpace removes all whitespace. Certificate data in metadata documents
// is usually wrapped across lines.
func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
