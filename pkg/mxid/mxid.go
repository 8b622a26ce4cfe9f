package mxid

import (
	"fmt"
	"strings"
)

// localpartChars is the set of characters permitted in a localpart. The "="
// character is reserved for hex escapes produced by EncodeLocalpart, so the
// normalization policies treat it as disallowed in their inputs while
// IsValidLocalpart accepts it.
const localpartChars = "abcdefghijklmnopqrstuvwxyz0123456789._-/="

// UserID is a fully-qualified local account address of the form
// @localpart:domain.
type UserID struct {
	Localpart string
	Domain    string
}

// NewUserID builds a UserID from its parts. The localpart is not validated;
// callers normalize external input first.
func NewUserID(localpart, domain string) UserID {
	return UserID{Localpart: localpart, Domain: domain}
}

// ParseUserID parses a string of the form @localpart:domain.
func ParseUserID(s string) (UserID, error) {
	if !strings.HasPrefix(s, "@") {
		return UserID{}, fmt.Errorf("invalid user ID %q: missing @ sigil", s)
	}
	rest := s[1:]
	idx := strings.Index(rest, ":")
	if idx < 0 {
		return UserID{}, fmt.Errorf("invalid user ID %q: missing domain separator", s)
	}
	localpart, domain := rest[:idx], rest[idx+1:]
	if localpart == "" || domain == "" {
		return UserID{}, fmt.Errorf("invalid user ID %q: empty localpart or domain", s)
	}
	return UserID{Localpart: localpart, Domain: domain}, nil
}

// String returns the wire form @localpart:domain.
func (u UserID) String() string {
	return "@" + u.Localpart + ":" + u.Domain
}

// IsZero reports whether the UserID is the empty value.
func (u UserID) IsZero() bool {
	return u.Localpart == "" && u.Domain == ""
}

// IsValidLocalpart reports whether every character of s is permitted in a
// localpart. The empty string is not a valid localpart.
func IsValidLocalpart(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isLocalpartByte(s[i]) {
			return false
		}
	}
	return true
}

func isLocalpartByte(c byte) bool {
	return strings.IndexByte(localpartChars, c) >= 0
}
