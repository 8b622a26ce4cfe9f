package audit

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gatehouselabs/gatehouse/pkg/observability"
)

func TestNewEvent(t *testing.T) {
	req := httptest.NewRequest("GET", "/auth/sso/callback/corp-idp?SAMLResponse=x", nil)
	req.Header.Set("User-Agent", "test-agent/1.0")
	req.RemoteAddr = "10.0.0.1:54321"
	req = req.WithContext(observability.WithRequestID(req.Context(), "req-abc"))

	event := NewEvent(req, EventLoginSucceeded, StatusSuccess)

	assert.Equal(t, EventLoginSucceeded, event.EventType)
	assert.Equal(t, StatusSuccess, event.Status)
	assert.False(t, event.Timestamp.IsZero())
	assert.NotNil(t, event.Metadata)
	assert.Equal(t, "GET", event.Method)
	assert.Equal(t, "/auth/sso/callback/corp-idp", event.Path)
	assert.Equal(t, "test-agent/1.0", event.UserAgent)
	assert.Equal(t, "10.0.0.1", event.IPAddress)
	assert.Equal(t, "req-abc", event.RequestID)
}

func TestNewEvent_BehindProxy(t *testing.T) {
	req := httptest.NewRequest("GET", "/auth/sso/callback/corp-idp", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.RemoteAddr = "10.0.0.1:54321"

	event := NewEvent(req, EventLoginFailed, StatusFailure)

	// The originating client, not the proxy, goes into the event.
	assert.Equal(t, "203.0.113.7", event.IPAddress)
}

func TestNewEvent_NilRequest(t *testing.T) {
	event := NewEvent(nil, EventProviderReloaded, StatusSuccess)

	assert.Equal(t, EventProviderReloaded, event.EventType)
	assert.Equal(t, StatusSuccess, event.Status)
	assert.NotNil(t, event.Metadata)
	assert.Empty(t, event.IPAddress)
	assert.Empty(t, event.Method)
	assert.Empty(t, event.Path)
}

func TestNewNopLogger(t *testing.T) {
	logger := NewNopLogger()

	assert.NoError(t, logger.Log(context.Background(), NewEvent(nil, EventLoginFailed, StatusFailure)))
	assert.NoError(t, logger.Close())
}
