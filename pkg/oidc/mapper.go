package oidc

import (
	"fmt"
	"strconv"

	"github.com/gatehouselabs/gatehouse/pkg/mxid"
	"github.com/gatehouselabs/gatehouse/pkg/sso"
)

// Claims consulted by the default OIDC mapping.
const (
	defaultSubjectClaim   = "sub"
	defaultLocalpartClaim = "preferred_username"
	displayNameClaim      = "name"
	emailClaim            = "email"
)

// ClaimsMapper derives identity material from standard OIDC claims: the
// subject claim is the issuer's stable identity for the user, and the
// localpart claim seeds the local identifier under the same normalization
// policies the SAML mapper offers.
type ClaimsMapper struct {
	subjectClaim   string
	localpartClaim string
	normalize      func(string) string
}

var _ sso.Mapper = (*ClaimsMapper)(nil)

// NewClaimsMapper builds a mapper over the given claims and normalization
// policy. Empty arguments select "sub", "preferred_username" and hexencode.
func NewClaimsMapper(subjectClaim, localpartClaim, mappingPolicy string) (*ClaimsMapper, error) {
	if subjectClaim == "" {
		subjectClaim = defaultSubjectClaim
	}
	if localpartClaim == "" {
		localpartClaim = defaultLocalpartClaim
	}
	if mappingPolicy == "" {
		mappingPolicy = sso.MappingPolicyHexEncode
	}

	var normalize func(string) string
	switch mappingPolicy {
	case sso.MappingPolicyHexEncode:
		normalize = mxid.EncodeLocalpart
	case sso.MappingPolicyDotReplace:
		normalize = mxid.DotReplaceLocalpart
	default:
		return nil, &sso.ConfigError{
			Field:  "mxid_mapping",
			Reason: "unknown mapping policy " + strconv.Quote(mappingPolicy),
		}
	}

	return &ClaimsMapper{
		subjectClaim:   subjectClaim,
		localpartClaim: localpartClaim,
		normalize:      normalize,
	}, nil
}

// ToUserID returns the subject claim, the issuer's stable identity for the
// user.
func (m *ClaimsMapper) ToUserID(assertion *sso.Assertion) (string, error) {
	value, ok := assertion.AttributeValue(m.subjectClaim)
	if !ok {
		return "", sso.NewProtocolError(fmt.Sprintf("token lacks a %q claim", m.subjectClaim), nil)
	}
	return value, nil
}

// ToAttributes produces the candidate localpart and profile fields for one
// collision-retry attempt. The attempt index is appended verbatim for
// attempts past the first, so retries disambiguate deterministically.
func (m *ClaimsMapper) ToAttributes(assertion *sso.Assertion, attemptIndex int) (*sso.MappingAttributes, error) {
	source, ok := assertion.AttributeValue(m.localpartClaim)
	if !ok {
		return nil, sso.NewProtocolError(fmt.Sprintf("token lacks the %q claim", m.localpartClaim), nil)
	}

	localpart := m.normalize(source)
	if attemptIndex > 0 {
		localpart += strconv.Itoa(attemptIndex)
	}

	displayName, _ := assertion.AttributeValue(displayNameClaim)

	return &sso.MappingAttributes{
		Localpart:   localpart,
		DisplayName: displayName,
		Emails:      assertion.AttributeValues(emailClaim),
	}, nil
}

// AttributeSets reports the claims the mapper consumes.
func (m *ClaimsMapper) AttributeSets() (required, optional []string) {
	required = []string{m.subjectClaim}
	if m.localpartClaim != m.subjectClaim {
		required = append(required, m.localpartClaim)
	}
	optional = []string{displayNameClaim, emailClaim}
	return required, optional
}
