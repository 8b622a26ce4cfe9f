package sso

import (
	"errors"
	"fmt"
)

// ErrMappingExhausted is returned when the collision-retry loop runs out of
// attempts without finding a free localpart. It signals a systemic problem
// (typically a mapper that ignores the attempt index), not a per-user
// condition.
var ErrMappingExhausted = errors.New("exhausted all candidate local identifiers")

// ErrNoMetadata is returned by SPMetadata for protocols that publish no
// service metadata document (OIDC). Handlers surface it as HTTP 404.
var ErrNoMetadata = errors.New("provider publishes no service metadata")

// ProtocolError marks a failure caused by the inbound request or assertion:
// unsigned or unparseable responses, missing required attributes, unknown
// request IDs. Handlers surface it as HTTP 400. No session or binding state
// is mutated when one is returned.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError builds a ProtocolError with an optional cause.
func NewProtocolError(reason string, err error) *ProtocolError {
	return &ProtocolError{Reason: reason, Err: err}
}

// protocolErrorf builds a ProtocolError from a format string.
func protocolErrorf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is (or wraps) a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// ConfigError marks invalid static configuration. It is fatal at startup;
// nothing returns it once the service is serving.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid configuration for %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
