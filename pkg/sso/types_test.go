package sso

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertion_AttributeValue(t *testing.T) {
	assertion := newAssertion(map[string][]string{
		"uid":   {"alice"},
		"email": {"alice@example.org", "a.liddell@example.org"},
		"empty": {},
	})

	t.Run("single value", func(t *testing.T) {
		v, ok := assertion.AttributeValue("uid")
		require.True(t, ok)
		assert.Equal(t, "alice", v)
	})

	t.Run("multi-valued returns first", func(t *testing.T) {
		v, ok := assertion.AttributeValue("email")
		require.True(t, ok)
		assert.Equal(t, "alice@example.org", v)
	})

	t.Run("absent attribute", func(t *testing.T) {
		_, ok := assertion.AttributeValue("missing")
		assert.False(t, ok)
	})

	t.Run("empty value list", func(t *testing.T) {
		_, ok := assertion.AttributeValue("empty")
		assert.False(t, ok)
	})
}

func TestAssertion_AttributeValues(t *testing.T) {
	assertion := newAssertion(map[string][]string{
		"email": {"alice@example.org", "a.liddell@example.org"},
	})

	assert.Equal(t, []string{"alice@example.org", "a.liddell@example.org"}, assertion.AttributeValues("email"))
	assert.Nil(t, assertion.AttributeValues("missing"))
}

func TestProtocolError(t *testing.T) {
	t.Run("with cause", func(t *testing.T) {
		cause := errors.New("bad base64")
		err := NewProtocolError("failed to decode response", cause)

		assert.True(t, IsProtocolError(err))
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "failed to decode response: bad base64", err.Error())
	})

	t.Run("without cause", func(t *testing.T) {
		err := protocolErrorf("assertion lacks a %q attribute", "uid")

		assert.True(t, IsProtocolError(err))
		assert.Equal(t, `assertion lacks a "uid" attribute`, err.Error())
	})

	t.Run("detected through wrapping", func(t *testing.T) {
		err := fmt.Errorf("verification: %w", protocolErrorf("unsigned assertion"))
		assert.True(t, IsProtocolError(err))
	})

	t.Run("plain errors are not protocol errors", func(t *testing.T) {
		assert.False(t, IsProtocolError(errors.New("database down")))
		assert.False(t, IsProtocolError(nil))
	})
}

func TestConfigError(t *testing.T) {
	err := &ConfigError{Field: "mxid_mapping", Reason: `unknown mapping policy "base64"`}

	assert.True(t, IsConfigError(err))
	assert.Contains(t, err.Error(), "mxid_mapping")
	assert.Contains(t, err.Error(), "base64")
	assert.False(t, IsConfigError(errors.New("other")))
}
