package mxid

import (
	"fmt"
	"strings"
)

// EncodeLocalpart maps an arbitrary string onto a valid localpart by
// lowercasing ASCII letters and hex-escaping every byte outside the permitted
// set as "=xx". Multi-byte runes are escaped byte by byte. Because "=" itself
// is escaped (as "=3d"), inputs that differ in anything but letter case never
// produce the same localpart. A leading underscore is escaped as well, since
// the local namespace reserves it.
func EncodeLocalpart(username string) string {
	var b strings.Builder
	b.Grow(len(username))
	for i := 0; i < len(username); i++ {
		c := username[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if isEncodeSafeByte(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "=%02x", c)
		}
	}
	out := b.String()
	if strings.HasPrefix(out, "_") {
		out = "=5f" + out[1:]
	}
	return out
}

// DotReplaceLocalpart maps an arbitrary string onto a valid localpart by
// lowercasing it and replacing every rune outside the permitted set with ".".
// A single leading underscore is stripped. The transform is lossy: distinct
// inputs may collide, which the resolver's collision-retry loop absorbs.
func DotReplaceLocalpart(username string) string {
	var b strings.Builder
	b.Grow(len(username))
	for _, r := range strings.ToLower(username) {
		if r < 0x80 && isEncodeSafeByte(byte(r)) {
			b.WriteRune(r)
		} else {
			b.WriteByte('.')
		}
	}
	return strings.TrimPrefix(b.String(), "_")
}

// isEncodeSafeByte reports whether c may pass through normalization
// unescaped. "=" is excluded so that hex escapes cannot be forged by the
// input.
func isEncodeSafeByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '.' || c == '_' || c == '-' || c == '/':
		return true
	}
	return false
}
