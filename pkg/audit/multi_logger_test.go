package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger records events in memory for assertions
type mockLogger struct {
	mu       sync.Mutex
	events   []*Event
	logErr   error
	closeErr error
	closed   bool
}

func (m *mockLogger) Log(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.logErr != nil {
		return m.logErr
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockLogger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.closeErr
}

func (m *mockLogger) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestMultiLogger_FansOut(t *testing.T) {
	dbSink := &mockLogger{}
	fileSink := &mockLogger{}
	multi := NewMultiLogger(dbSink, fileSink)

	err := multi.Log(context.Background(), &Event{
		Timestamp: time.Now(),
		EventType: EventLoginSucceeded,
		Status:    StatusSuccess,
		Provider:  "corp-idp",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, dbSink.eventCount())
	assert.Equal(t, 1, fileSink.eventCount())
}

func TestMultiLogger_SinkFailureDoesNotStopOthers(t *testing.T) {
	failing := &mockLogger{logErr: errors.New("disk full")}
	healthy := &mockLogger{}
	multi := NewMultiLogger(failing, healthy)

	err := multi.Log(context.Background(), &Event{
		Timestamp: time.Now(),
		EventType: EventLoginFailed,
		Status:    StatusFailure,
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 0, failing.eventCount())
	assert.Equal(t, 1, healthy.eventCount(), "healthy sink must still record the event")
}

func TestMultiLogger_JoinsAllErrors(t *testing.T) {
	first := &mockLogger{logErr: errors.New("disk full")}
	second := &mockLogger{logErr: errors.New("connection reset")}
	multi := NewMultiLogger(first, second)

	err := multi.Log(context.Background(), &Event{
		Timestamp: time.Now(),
		EventType: EventLoginFailed,
		Status:    StatusFailure,
	})

	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "disk full") && strings.Contains(err.Error(), "connection reset"),
		"joined error should name both sinks: %v", err)
}

func TestMultiLogger_Close(t *testing.T) {
	t.Run("closes every sink", func(t *testing.T) {
		dbSink := &mockLogger{}
		fileSink := &mockLogger{}
		multi := NewMultiLogger(dbSink, fileSink)

		require.NoError(t, multi.Close())
		assert.True(t, dbSink.closed)
		assert.True(t, fileSink.closed)
	})

	t.Run("a failing close does not skip the rest", func(t *testing.T) {
		failing := &mockLogger{closeErr: errors.New("flush failed")}
		healthy := &mockLogger{}
		multi := NewMultiLogger(failing, healthy)

		err := multi.Close()
		require.Error(t, err)
		assert.True(t, healthy.closed)
	})
}

func TestMultiLogger_NoSinks(t *testing.T) {
	multi := NewMultiLogger()

	assert.NoError(t, multi.Log(context.Background(), &Event{
		Timestamp: time.Now(),
		EventType: EventLoginSucceeded,
		Status:    StatusSuccess,
	}))
	assert.NoError(t, multi.Close())
}
