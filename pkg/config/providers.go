package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gatehouselabs/gatehouse/pkg/sso"
)

// Provider types accepted in the providers file.
const (
	ProviderTypeSAML = "saml"
	ProviderTypeOIDC = "oidc"
)

// Provider IDs appear in URL paths, so they are restricted to unreserved
// characters.
var providerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._~-]+$`)

// ProvidersFile is the YAML document listing identity providers. It is the
// hot-reloadable part of the configuration; process-level settings stay in
// the environment.
type ProvidersFile struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one identity provider. Exactly one of the SAML
// and OIDC blocks must be set, matching Type.
type ProviderConfig struct {
	// ID keys the provider's routes and bindings. Changing an ID orphans
	// the bindings recorded under the old one.
	ID   string `yaml:"id"`
	Type string `yaml:"type"`

	// MXIDSourceAttribute names the SAML attribute, or OIDC claim, whose
	// value seeds the local username. Defaults to "uid".
	MXIDSourceAttribute string `yaml:"mxid_source_attribute"`

	// MXIDMapping selects the username normalization policy, "hexencode"
	// (default) or "dotreplace".
	MXIDMapping string `yaml:"mxid_mapping"`

	// GrandfatheredMXIDSourceAttribute, when set, names the attribute that
	// identified users before this provider recorded bindings. Logins with
	// no binding look for a legacy account under it first.
	GrandfatheredMXIDSourceAttribute string `yaml:"grandfathered_mxid_source_attribute"`

	SAML *SAMLProviderConfig `yaml:"saml,omitempty"`
	OIDC *OIDCProviderConfig `yaml:"oidc,omitempty"`
}

// SAMLProviderConfig carries the SAML block of a provider entry. PEM
// material can be inline or in a file referenced by the _file variant;
// the file wins when both are set.
type SAMLProviderConfig struct {
	EntityID string `yaml:"entity_id"`

	// IdP configuration: a metadata URL, or the inline triple.
	IdPMetadataURL     string `yaml:"idp_metadata_url"`
	IdPEntityID        string `yaml:"idp_entity_id"`
	IdPSSOURL          string `yaml:"idp_sso_url"`
	IdPCertificate     string `yaml:"idp_certificate"`
	IdPCertificateFile string `yaml:"idp_certificate_file"`

	// Service-provider key pair.
	Certificate     string `yaml:"certificate"`
	CertificateFile string `yaml:"certificate_file"`
	PrivateKey      string `yaml:"private_key"`
	PrivateKeyFile  string `yaml:"private_key_file"`

	SignRequests      bool   `yaml:"sign_requests"`
	NameIDFormat      string `yaml:"name_id_format"`
	AllowIDPInitiated bool   `yaml:"allow_idp_initiated"`
	ServiceName       string `yaml:"service_name"`
}

// OIDCProviderConfig carries the OIDC block of a provider entry.
type OIDCProviderConfig struct {
	IssuerURL        string   `yaml:"issuer_url"`
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	ClientSecretFile string   `yaml:"client_secret_file"`
	Scopes           []string `yaml:"scopes"`

	// SubjectClaim names the claim used as the stable external ID.
	// Defaults to "sub".
	SubjectClaim string `yaml:"subject_claim"`

	FetchUserInfo bool `yaml:"fetch_userinfo"`
}

// LoadProviders reads and validates the providers file. File-referenced
// secrets are resolved into the inline fields, so callers only ever see
// the inline form.
func LoadProviders(path string) (*ProvidersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	var pf ProvidersFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}

	if err := pf.Validate(); err != nil {
		return nil, err
	}
	if err := pf.resolveFiles(); err != nil {
		return nil, err
	}
	return &pf, nil
}

// Validate checks every provider entry. Errors carry the offending field
// as a *sso.ConfigError so startup failures name what to fix.
func (pf *ProvidersFile) Validate() error {
	seen := make(map[string]bool, len(pf.Providers))
	for i := range pf.Providers {
		p := &pf.Providers[i]
		if err := p.validate(); err != nil {
			return err
		}
		if seen[p.ID] {
			return &sso.ConfigError{Field: "id", Reason: fmt.Sprintf("duplicate provider ID %q", p.ID)}
		}
		seen[p.ID] = true
	}
	return nil
}

func (p *ProviderConfig) validate() error {
	if p.ID == "" {
		return &sso.ConfigError{Field: "id", Reason: "provider ID is required"}
	}
	if !providerIDPattern.MatchString(p.ID) {
		return &sso.ConfigError{Field: "id", Reason: fmt.Sprintf("provider ID %q must be URL-safe", p.ID)}
	}

	// ParseMapperConfig applies the defaults and rejects unknown policies;
	// running it here makes a typo'd mapping startup-fatal instead of a
	// per-login failure.
	if _, err := sso.ParseMapperConfig(p.MXIDSourceAttribute, p.MXIDMapping); err != nil {
		return err
	}

	switch p.Type {
	case ProviderTypeSAML:
		if p.SAML == nil {
			return &sso.ConfigError{Field: "saml", Reason: fmt.Sprintf("provider %q has type saml but no saml block", p.ID)}
		}
		if p.OIDC != nil {
			return &sso.ConfigError{Field: "oidc", Reason: fmt.Sprintf("provider %q has type saml but an oidc block", p.ID)}
		}
		return p.SAML.validate(p.ID)
	case ProviderTypeOIDC:
		if p.OIDC == nil {
			return &sso.ConfigError{Field: "oidc", Reason: fmt.Sprintf("provider %q has type oidc but no oidc block", p.ID)}
		}
		if p.SAML != nil {
			return &sso.ConfigError{Field: "saml", Reason: fmt.Sprintf("provider %q has type oidc but a saml block", p.ID)}
		}
		return p.OIDC.validate(p.ID)
	case "":
		return &sso.ConfigError{Field: "type", Reason: fmt.Sprintf("provider %q has no type", p.ID)}
	default:
		return &sso.ConfigError{Field: "type", Reason: fmt.Sprintf("provider %q has unknown type %q", p.ID, p.Type)}
	}
}

func (s *SAMLProviderConfig) validate(providerID string) error {
	hasMetadata := s.IdPMetadataURL != ""
	hasInline := s.IdPSSOURL != "" && s.IdPEntityID != "" && (s.IdPCertificate != "" || s.IdPCertificateFile != "")
	if !hasMetadata && !hasInline {
		return &sso.ConfigError{
			Field:  "saml",
			Reason: fmt.Sprintf("provider %q needs idp_metadata_url, or idp_sso_url with idp_entity_id and idp_certificate", providerID),
		}
	}
	if s.SignRequests {
		if s.Certificate == "" && s.CertificateFile == "" {
			return &sso.ConfigError{Field: "saml.certificate", Reason: fmt.Sprintf("provider %q signs requests but has no certificate", providerID)}
		}
		if s.PrivateKey == "" && s.PrivateKeyFile == "" {
			return &sso.ConfigError{Field: "saml.private_key", Reason: fmt.Sprintf("provider %q signs requests but has no private key", providerID)}
		}
	}
	return nil
}

func (o *OIDCProviderConfig) validate(providerID string) error {
	if o.IssuerURL == "" {
		return &sso.ConfigError{Field: "oidc.issuer_url", Reason: fmt.Sprintf("provider %q has no issuer URL", providerID)}
	}
	if o.ClientID == "" {
		return &sso.ConfigError{Field: "oidc.client_id", Reason: fmt.Sprintf("provider %q has no client ID", providerID)}
	}
	if o.ClientSecret == "" && o.ClientSecretFile == "" {
		return &sso.ConfigError{Field: "oidc.client_secret", Reason: fmt.Sprintf("provider %q has no client secret", providerID)}
	}
	return nil
}

// resolveFiles loads every *_file reference into its inline field.
func (pf *ProvidersFile) resolveFiles() error {
	for i := range pf.Providers {
		p := &pf.Providers[i]
		if p.SAML != nil {
			if err := resolveFile(&p.SAML.IdPCertificate, p.SAML.IdPCertificateFile, p.ID, "idp_certificate_file"); err != nil {
				return err
			}
			if err := resolveFile(&p.SAML.Certificate, p.SAML.CertificateFile, p.ID, "certificate_file"); err != nil {
				return err
			}
			if err := resolveFile(&p.SAML.PrivateKey, p.SAML.PrivateKeyFile, p.ID, "private_key_file"); err != nil {
				return err
			}
		}
		if p.OIDC != nil {
			if err := resolveFile(&p.OIDC.ClientSecret, p.OIDC.ClientSecretFile, p.ID, "client_secret_file"); err != nil {
				return err
			}
			// Secrets read from files tend to end in a newline.
			p.OIDC.ClientSecret = strings.TrimSpace(p.OIDC.ClientSecret)
		}
	}
	return nil
}

func resolveFile(inline *string, path, providerID, field string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("provider %q: failed to read %s: %w", providerID, field, err)
	}
	*inline = string(data)
	return nil
}
