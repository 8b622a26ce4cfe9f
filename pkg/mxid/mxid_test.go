package mxid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserIDString(t *testing.T) {
	u := NewUserID("alice", "gatehouse.example.com")
	assert.Equal(t, "@alice:gatehouse.example.com", u.String())
	assert.False(t, u.IsZero())
	assert.True(t, UserID{}.IsZero())
}

func TestParseUserID(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  UserID
		expectErr bool
	}{
		{
			name:     "valid user ID",
			input:    "@alice:example.com",
			expected: UserID{Localpart: "alice", Domain: "example.com"},
		},
		{
			name:     "domain with port",
			input:    "@alice:example.com:8448",
			expected: UserID{Localpart: "alice", Domain: "example.com:8448"},
		},
		{
			name:      "missing sigil",
			input:     "alice:example.com",
			expectErr: true,
		},
		{
			name:      "missing domain separator",
			input:     "@alice",
			expectErr: true,
		},
		{
			name:      "empty localpart",
			input:     "@:example.com",
			expectErr: true,
		},
		{
			name:      "empty domain",
			input:     "@alice:",
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUserID(tt.input)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestIsValidLocalpart(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"alice", true},
		{"a-b.c_d/e", true},
		{"=5falice", true},
		{"", false},
		{"Alice", false},
		{"alice jones", false},
		{"alice@host", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidLocalpart(tt.input))
		})
	}
}
