package audit

import (
	"context"
	"errors"
)

// MultiLogger fans one event out to several sinks, typically the database
// for querying plus rotated files for off-box collection. Every sink sees
// every event: one failing sink never stops the others, and the joined
// error lets the caller decide whether a partial write matters.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger combines the given sinks into one Logger.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log writes the event to every sink and joins their errors.
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	var errs []error
	for _, logger := range m.loggers {
		if err := logger.Log(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink, joining their errors.
func (m *MultiLogger) Close() error {
	var errs []error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
