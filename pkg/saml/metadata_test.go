package saml

import (
	"context"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouselabs/gatehouse/pkg/observability"
	"github.com/gatehouselabs/gatehouse/pkg/sso"
)

func certificateBase64(t *testing.T) string {
	t.Helper()
	block, _ := pem.Decode([]byte(testCertificate))
	require.NotNil(t, block)
	return base64.StdEncoding.EncodeToString(block.Bytes)
}

func idpMetadataXML(certData string) string {
	return fmt.Sprintf(`<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://idp.example.com">
  <IDPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
    <KeyDescriptor use="signing">
      <KeyInfo xmlns="http://www.w3.org/2000/09/xmldsig#">
        <X509Data><X509Certificate>%s</X509Certificate></X509Data>
      </KeyInfo>
    </KeyDescriptor>
    <SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST" Location="https://idp.example.com/sso/post"/>
    <SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="https://idp.example.com/sso/redirect"/>
  </IDPSSODescriptor>
</EntityDescriptor>`, certData)
}

func TestParseIdPMetadata(t *testing.T) {
	metadata, err := ParseIdPMetadata([]byte(idpMetadataXML(certificateBase64(t))))
	require.NoError(t, err)

	assert.Equal(t, "https://idp.example.com", metadata.EntityID)
	assert.Equal(t, "https://idp.example.com/sso/redirect", metadata.SSOURL,
		"the redirect binding wins over the POST binding")
	require.Len(t, metadata.Certificates, 1)
	assert.Equal(t, "test.example.com", metadata.Certificates[0].Subject.CommonName)
}

func TestParseIdPMetadata_WrappedCertificate(t *testing.T) {
	// Metadata documents in the wild wrap certificate data across lines.
	certData := certificateBase64(t)
	var wrapped strings.Builder
	for len(certData) > 64 {
		wrapped.WriteString(certData[:64])
		wrapped.WriteString("\n          ")
		certData = certData[64:]
	}
	wrapped.WriteString(certData)

	metadata, err := ParseIdPMetadata([]byte(idpMetadataXML(wrapped.String())))
	require.NoError(t, err)
	require.Len(t, metadata.Certificates, 1)
}

func TestParseIdPMetadata_Errors(t *testing.T) {
	tests := []struct {
		name     string
		document string
		errorMsg string
	}{
		{
			name:     "not XML",
			document: "this is not metadata",
			errorMsg: "failed to parse metadata document",
		},
		{
			name: "no IdP descriptor",
			document: `<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://sp.example.org">
  <SPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol"/>
</EntityDescriptor>`,
			errorMsg: "describes no identity provider",
		},
		{
			name: "no SSO endpoint",
			document: `<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://idp.example.com">
  <IDPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol"/>
</EntityDescriptor>`,
			errorMsg: "no single sign-on endpoint",
		},
		{
			name: "no signing certificates",
			document: `<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://idp.example.com">
  <IDPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
    <SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="https://idp.example.com/sso"/>
  </IDPSSODescriptor>
</EntityDescriptor>`,
			errorMsg: "no signing certificates",
		},
		{
			name: "garbage certificate data",
			document: `<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://idp.example.com">
  <IDPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
    <KeyDescriptor use="signing">
      <KeyInfo xmlns="http://www.w3.org/2000/09/xmldsig#">
        <X509Data><X509Certificate>!!not-base64!!</X509Certificate></X509Data>
      </KeyInfo>
    </KeyDescriptor>
    <SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="https://idp.example.com/sso"/>
  </IDPSSODescriptor>
</EntityDescriptor>`,
			errorMsg: "failed to decode metadata certificate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metadata, err := ParseIdPMetadata([]byte(tt.document))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
			assert.Nil(t, metadata)
		})
	}
}

func TestParseIdPMetadata_SkipsEncryptionKeys(t *testing.T) {
	document := fmt.Sprintf(`<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://idp.example.com">
  <IDPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
    <KeyDescriptor use="encryption">
      <KeyInfo xmlns="http://www.w3.org/2000/09/xmldsig#">
        <X509Data><X509Certificate>%s</X509Certificate></X509Data>
      </KeyInfo>
    </KeyDescriptor>
    <KeyDescriptor use="signing">
      <KeyInfo xmlns="http://www.w3.org/2000/09/xmldsig#">
        <X509Data><X509Certificate>%s</X509Certificate></X509Data>
      </KeyInfo>
    </KeyDescriptor>
    <SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="https://idp.example.com/sso"/>
  </IDPSSODescriptor>
</EntityDescriptor>`, certificateBase64(t), certificateBase64(t))

	metadata, err := ParseIdPMetadata([]byte(document))
	require.NoError(t, err)
	assert.Len(t, metadata.Certificates, 1, "encryption keys are not signature roots")
}

func newMetadataServer(t *testing.T, hits *int64) *httptest.Server {
	t.Helper()
	document := idpMetadataXML(certificateBase64(t))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt64(hits, 1)
		}
		w.Header().Set("Content-Type", "application/samlmetadata+xml")
		fmt.Fprint(w, document)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMetadataFetcher_CachesDocument(t *testing.T) {
	var hits int64
	srv := newMetadataServer(t, &hits)

	fetcher := NewMetadataFetcher(time.Minute, observability.NewNopLogger(), nil)

	first, err := fetcher.Fetch(context.Background(), "corp-idp", srv.URL)
	require.NoError(t, err)
	second, err := fetcher.Fetch(context.Background(), "corp-idp", srv.URL)
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&hits), "second fetch must come from cache")
	assert.Equal(t, first.SSOURL, second.SSOURL)
}

func TestMetadataFetcher_RefreshesAfterTTL(t *testing.T) {
	var hits int64
	srv := newMetadataServer(t, &hits)

	fetcher := NewMetadataFetcher(30*time.Millisecond, observability.NewNopLogger(), nil)

	_, err := fetcher.Fetch(context.Background(), "corp-idp", srv.URL)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	_, err = fetcher.Fetch(context.Background(), "corp-idp", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits), "expired entries are fetched again")
}

func TestMetadataFetcher_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	fetcher := NewMetadataFetcher(time.Minute, observability.NewNopLogger(), nil)

	metadata, err := fetcher.Fetch(context.Background(), "corp-idp", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 404")
	assert.Nil(t, metadata)
}

func TestMetadataFetcher_ContextCanceled(t *testing.T) {
	srv := newMetadataServer(t, nil)

	fetcher := NewMetadataFetcher(time.Minute, observability.NewNopLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fetcher.Fetch(ctx, "corp-idp", srv.URL)
	require.Error(t, err)
}

func TestMetadataFetcher_Metrics(t *testing.T) {
	srv := newMetadataServer(t, nil)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	fetcher := NewMetadataFetcher(time.Minute, observability.NewNopLogger(), metrics)

	_, err := fetcher.Fetch(context.Background(), "corp-idp", srv.URL)
	require.NoError(t, err)
	_, err = fetcher.Fetch(context.Background(), "corp-idp", srv.URL)
	require.NoError(t, err)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.MetadataRefreshTotal.WithLabelValues("corp-idp", "success")),
		"cache hits are not refreshes")

	_, err = fetcher.Fetch(context.Background(), "corp-idp", broken.URL)
	require.Error(t, err)
	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.MetadataRefreshTotal.WithLabelValues("corp-idp", "error")))
}

func TestClient_MetadataURLProvider(t *testing.T) {
	var hits int64
	srv := newMetadataServer(t, &hits)

	fetcher := NewMetadataFetcher(time.Minute, observability.NewNopLogger(), nil)
	mapper, err := sso.NewDefaultMapper(sso.MapperConfig{})
	require.NoError(t, err)

	client, err := NewClient(Config{
		ProviderID:     "corp-idp",
		PublicBaseURL:  "https://sp.example.org",
		IdPMetadataURL: srv.URL,
	}, mapper, fetcher, observability.NewNopLogger())
	require.NoError(t, err)

	assert.Equal(t, int64(0), atomic.LoadInt64(&hits), "construction must not fetch")

	_, redirectURL, err := client.BuildRedirect("state")
	require.NoError(t, err)
	assert.Contains(t, redirectURL, "https://idp.example.com/sso/redirect?")

	// A second login reuses the cached document.
	_, _, err = client.BuildRedirect("state")
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
}

func TestClient_MetadataURLProvider_FetchFailure(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(broken.Close)

	fetcher := NewMetadataFetcher(time.Minute, observability.NewNopLogger(), nil)
	mapper, err := sso.NewDefaultMapper(sso.MapperConfig{})
	require.NoError(t, err)

	client, err := NewClient(Config{
		ProviderID:     "corp-idp",
		PublicBaseURL:  "https://sp.example.org",
		IdPMetadataURL: broken.URL,
	}, mapper, fetcher, observability.NewNopLogger())
	require.NoError(t, err)

	_, _, err = client.BuildRedirect("state")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to resolve IdP metadata")
	assert.False(t, sso.IsProtocolError(err), "infrastructure failures are not client errors")
}
