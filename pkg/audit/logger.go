package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/gatehouselabs/gatehouse/pkg/httputil"
	"github.com/gatehouselabs/gatehouse/pkg/observability"
)

// Logger is a sink for audit events. Writes are synchronous: when Log
// returns nil the event has reached the sink, which is the property the
// login flow counts on before answering the client.
type Logger interface {
	Log(ctx context.Context, event *Event) error

	// Close flushes and releases the sink.
	Close() error
}

// NewNopLogger returns a sink that discards every event. Deployments that
// disable auditing run on it, so callers never branch on nil.
func NewNopLogger() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Log(context.Context, *Event) error { return nil }
func (nopLogger) Close() error                      { return nil }

// NewEvent builds an event stamped with the request context: client
// address, user agent, method, path, and the request ID the middleware
// assigned. The request may be nil for events emitted outside an HTTP
// flow (sweeper jobs, startup).
func NewEvent(r *http.Request, eventType EventType, status EventStatus) *Event {
	event := &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		Metadata:  make(map[string]interface{}),
	}

	if r != nil {
		event.IPAddress = httputil.ClientIP(r)
		event.UserAgent = r.UserAgent()
		event.Method = r.Method
		event.Path = r.URL.Path
		event.RequestID = observability.GetRequestID(r.Context())
	}

	return event
}
