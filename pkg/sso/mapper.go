package sso

import (
	"strconv"

	"github.com/gatehouselabs/gatehouse/pkg/mxid"
)

// Mapping policy names accepted in configuration.
const (
	MappingPolicyHexEncode  = "hexencode"
	MappingPolicyDotReplace = "dotreplace"
)

// uidAttribute is the assertion attribute the default mapper treats as the
// provider's stable user identity, independent of the configurable localpart
// source attribute.
const uidAttribute = "uid"

// Attribute names for the optional profile fields.
const (
	displayNameAttribute = "displayName"
	emailAttribute       = "email"
)

// MapperConfig configures the default attribute mapper. The zero value is not
// usable; build one through ParseMapperConfig or fill both fields.
type MapperConfig struct {
	// SourceAttribute names the assertion attribute that seeds the
	// localpart. Defaults to "uid".
	SourceAttribute string

	// MappingPolicy selects the localpart normalization policy: "hexencode"
	// (default) or "dotreplace".
	MappingPolicy string
}

// ParseMapperConfig applies defaults and validates the mapping policy.
// Unknown policy names are a fatal configuration error.
func ParseMapperConfig(sourceAttribute, mappingPolicy string) (MapperConfig, error) {
	cfg := MapperConfig{
		SourceAttribute: sourceAttribute,
		MappingPolicy:   mappingPolicy,
	}
	if cfg.SourceAttribute == "" {
		cfg.SourceAttribute = uidAttribute
	}
	if cfg.MappingPolicy == "" {
		cfg.MappingPolicy = MappingPolicyHexEncode
	}
	if _, err := normalizerFor(cfg.MappingPolicy); err != nil {
		return MapperConfig{}, err
	}
	return cfg, nil
}

func normalizerFor(policy string) (func(string) string, error) {
	switch policy {
	case MappingPolicyHexEncode:
		return mxid.EncodeLocalpart, nil
	case MappingPolicyDotReplace:
		return mxid.DotReplaceLocalpart, nil
	default:
		return nil, &ConfigError{
			Field:  "mxid_mapping",
			Reason: "unknown mapping policy " + strconv.Quote(policy),
		}
	}
}

// DefaultMapper derives identity material from the conventional SAML
// attribute names: "uid" for the stable external identity, the configured
// source attribute for the localpart seed, and "displayName"/"email" for the
// profile.
type DefaultMapper struct {
	config    MapperConfig
	normalize func(string) string
}

// NewDefaultMapper builds the default mapper for a validated configuration.
func NewDefaultMapper(config MapperConfig) (*DefaultMapper, error) {
	cfg, err := ParseMapperConfig(config.SourceAttribute, config.MappingPolicy)
	if err != nil {
		return nil, err
	}
	normalize, err := normalizerFor(cfg.MappingPolicy)
	if err != nil {
		return nil, err
	}
	return &DefaultMapper{config: cfg, normalize: normalize}, nil
}

// ToUserID returns the assertion's "uid" attribute, the provider's stable
// identity for the subject.
func (m *DefaultMapper) ToUserID(assertion *Assertion) (string, error) {
	value, ok := assertion.AttributeValue(uidAttribute)
	if !ok {
		return "", protocolErrorf("assertion lacks a %q attribute", uidAttribute)
	}
	return value, nil
}

// ToAttributes produces the candidate localpart and profile fields for one
// collision-retry attempt. The attempt index is appended verbatim for
// attempts past the first, so retries disambiguate deterministically.
func (m *DefaultMapper) ToAttributes(assertion *Assertion, attemptIndex int) (*MappingAttributes, error) {
	source, ok := assertion.AttributeValue(m.config.SourceAttribute)
	if !ok {
		return nil, protocolErrorf("assertion lacks the %q attribute", m.config.SourceAttribute)
	}

	localpart := m.normalize(source)
	if attemptIndex > 0 {
		localpart += strconv.Itoa(attemptIndex)
	}

	displayName, _ := assertion.AttributeValue(displayNameAttribute)

	return &MappingAttributes{
		Localpart:   localpart,
		DisplayName: displayName,
		Emails:      assertion.AttributeValues(emailAttribute),
	}, nil
}

// AttributeSets reports the attributes the default mapper consumes.
func (m *DefaultMapper) AttributeSets() (required, optional []string) {
	required = []string{uidAttribute}
	if m.config.SourceAttribute != uidAttribute {
		required = append(required, m.config.SourceAttribute)
	}
	optional = []string{displayNameAttribute, emailAttribute}
	return required, optional
}
