// Package mxid implements local user identifiers and the normalization
// policies that map external attribute values onto them.
//
// # Overview
//
// A local account address has the form @localpart:domain. The localpart is
// restricted to a small character set (lowercase letters, digits, and
// "._-/="), so values arriving from external identity providers must be
// normalized before they can be used as localparts. Two interchangeable
// policies are provided:
//
// EncodeLocalpart: escapes every disallowed byte as "=xx" (lowercase hex).
// The transform never maps two distinct inputs to the same output.
//
//	mxid.EncodeLocalpart("Alice Jones") // "alice=20jones"
//
// DotReplaceLocalpart: lowercases the input and replaces disallowed runes
// with ".". Readable but lossy; distinct inputs may collide.
//
//	mxid.DotReplaceLocalpart("Alice Jones") // "alice.jones"
//
// # Related Packages
//
//   - pkg/sso: selects a policy via mapper configuration
package mxid
