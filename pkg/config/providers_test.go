package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouselabs/gatehouse/pkg/sso"
)

// writeProvidersFile writes content to a temp file and returns its path.
func writeProvidersFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadProviders_SAML(t *testing.T) {
	path := writeProvidersFile(t, `
providers:
  - id: corp-idp
    type: saml
    mxid_source_attribute: uid
    mxid_mapping: hexencode
    grandfathered_mxid_source_attribute: employeeNumber
    saml:
      entity_id: https://auth.example.org/metadata
      idp_metadata_url: https://idp.example.com/metadata
      name_id_format: persistent
      allow_idp_initiated: true
`)

	pf, err := LoadProviders(path)
	require.NoError(t, err)
	require.Len(t, pf.Providers, 1)

	p := pf.Providers[0]
	assert.Equal(t, "corp-idp", p.ID)
	assert.Equal(t, ProviderTypeSAML, p.Type)
	assert.Equal(t, "uid", p.MXIDSourceAttribute)
	assert.Equal(t, "hexencode", p.MXIDMapping)
	assert.Equal(t, "employeeNumber", p.GrandfatheredMXIDSourceAttribute)
	require.NotNil(t, p.SAML)
	assert.Equal(t, "https://idp.example.com/metadata", p.SAML.IdPMetadataURL)
	assert.True(t, p.SAML.AllowIDPInitiated)
	assert.Nil(t, p.OIDC)
}

func TestLoadProviders_OIDC(t *testing.T) {
	secretPath := filepath.Join(t.TempDir(), "client_secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("s3cret\n"), 0o600))

	path := writeProvidersFile(t, `
providers:
  - id: partner
    type: oidc
    oidc:
      issuer_url: https://accounts.example.com
      client_id: gatehouse
      client_secret_file: `+secretPath+`
      scopes: [openid, email]
      fetch_userinfo: true
`)

	pf, err := LoadProviders(path)
	require.NoError(t, err)
	require.Len(t, pf.Providers, 1)

	p := pf.Providers[0]
	require.NotNil(t, p.OIDC)
	assert.Equal(t, "https://accounts.example.com", p.OIDC.IssuerURL)
	assert.Equal(t, []string{"openid", "email"}, p.OIDC.Scopes)
	assert.True(t, p.OIDC.FetchUserInfo)

	// File-referenced secret resolved and trimmed.
	assert.Equal(t, "s3cret", p.OIDC.ClientSecret)
}

func TestLoadProviders_InlineCertificates(t *testing.T) {
	certPath := filepath.Join(t.TempDir(), "idp.pem")
	require.NoError(t, os.WriteFile(certPath, []byte("-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n"), 0o600))

	path := writeProvidersFile(t, `
providers:
  - id: inline-idp
    type: saml
    saml:
      idp_entity_id: https://idp.example.com
      idp_sso_url: https://idp.example.com/sso
      idp_certificate_file: `+certPath+`
`)

	pf, err := LoadProviders(path)
	require.NoError(t, err)
	assert.Contains(t, pf.Providers[0].SAML.IdPCertificate, "BEGIN CERTIFICATE")
}

func TestLoadProviders_MissingFile(t *testing.T) {
	_, err := LoadProviders(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read providers file")
}

func TestLoadProviders_InvalidYAML(t *testing.T) {
	path := writeProvidersFile(t, "providers: [!!binary broken")

	_, err := LoadProviders(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse providers file")
}

func TestLoadProviders_MissingSecretFile(t *testing.T) {
	path := writeProvidersFile(t, `
providers:
  - id: partner
    type: oidc
    oidc:
      issuer_url: https://accounts.example.com
      client_id: gatehouse
      client_secret_file: /nonexistent/secret
`)

	_, err := LoadProviders(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `provider "partner"`)
	assert.Contains(t, err.Error(), "client_secret_file")
}

func TestProvidersFile_Validate(t *testing.T) {
	saml := &SAMLProviderConfig{IdPMetadataURL: "https://idp.example.com/metadata"}
	oidc := &OIDCProviderConfig{
		IssuerURL:    "https://accounts.example.com",
		ClientID:     "gatehouse",
		ClientSecret: "secret",
	}

	tests := []struct {
		name      string
		providers []ProviderConfig
		wantErr   string
	}{
		{
			name:      "empty file is valid",
			providers: nil,
		},
		{
			name: "valid saml and oidc",
			providers: []ProviderConfig{
				{ID: "corp", Type: "saml", SAML: saml},
				{ID: "partner", Type: "oidc", OIDC: oidc},
			},
		},
		{
			name:      "missing ID",
			providers: []ProviderConfig{{Type: "saml", SAML: saml}},
			wantErr:   "provider ID is required",
		},
		{
			name:      "ID with unsafe characters",
			providers: []ProviderConfig{{ID: "corp idp", Type: "saml", SAML: saml}},
			wantErr:   "must be URL-safe",
		},
		{
			name: "duplicate IDs",
			providers: []ProviderConfig{
				{ID: "corp", Type: "saml", SAML: saml},
				{ID: "corp", Type: "oidc", OIDC: oidc},
			},
			wantErr: "duplicate provider ID",
		},
		{
			name:      "missing type",
			providers: []ProviderConfig{{ID: "corp", SAML: saml}},
			wantErr:   "has no type",
		},
		{
			name:      "unknown type",
			providers: []ProviderConfig{{ID: "corp", Type: "ldap"}},
			wantErr:   "unknown type",
		},
		{
			name:      "saml type without block",
			providers: []ProviderConfig{{ID: "corp", Type: "saml"}},
			wantErr:   "no saml block",
		},
		{
			name:      "oidc type without block",
			providers: []ProviderConfig{{ID: "partner", Type: "oidc"}},
			wantErr:   "no oidc block",
		},
		{
			name:      "saml type with oidc block",
			providers: []ProviderConfig{{ID: "corp", Type: "saml", SAML: saml, OIDC: oidc}},
			wantErr:   "an oidc block",
		},
		{
			name:      "unknown mapping policy",
			providers: []ProviderConfig{{ID: "corp", Type: "saml", MXIDMapping: "base64", SAML: saml}},
			wantErr:   "mapping policy",
		},
		{
			name:      "saml without idp configuration",
			providers: []ProviderConfig{{ID: "corp", Type: "saml", SAML: &SAMLProviderConfig{}}},
			wantErr:   "idp_metadata_url",
		},
		{
			name: "saml inline idp without certificate",
			providers: []ProviderConfig{{ID: "corp", Type: "saml", SAML: &SAMLProviderConfig{
				IdPEntityID: "https://idp.example.com",
				IdPSSOURL:   "https://idp.example.com/sso",
			}}},
			wantErr: "idp_metadata_url",
		},
		{
			name: "sign requests without key pair",
			providers: []ProviderConfig{{ID: "corp", Type: "saml", SAML: &SAMLProviderConfig{
				IdPMetadataURL: "https://idp.example.com/metadata",
				SignRequests:   true,
			}}},
			wantErr: "no certificate",
		},
		{
			name: "oidc without issuer",
			providers: []ProviderConfig{{ID: "partner", Type: "oidc", OIDC: &OIDCProviderConfig{
				ClientID:     "gatehouse",
				ClientSecret: "secret",
			}}},
			wantErr: "no issuer URL",
		},
		{
			name: "oidc without client ID",
			providers: []ProviderConfig{{ID: "partner", Type: "oidc", OIDC: &OIDCProviderConfig{
				IssuerURL:    "https://accounts.example.com",
				ClientSecret: "secret",
			}}},
			wantErr: "no client ID",
		},
		{
			name: "oidc without client secret",
			providers: []ProviderConfig{{ID: "partner", Type: "oidc", OIDC: &OIDCProviderConfig{
				IssuerURL: "https://accounts.example.com",
				ClientID:  "gatehouse",
			}}},
			wantErr: "no client secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pf := &ProvidersFile{Providers: tt.providers}
			err := pf.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var cfgErr *sso.ConfigError
			assert.True(t, errors.As(err, &cfgErr), "validation errors should be *sso.ConfigError")
		})
	}
}
