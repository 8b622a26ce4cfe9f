package audit

import (
	"context"
	"fmt"
	"time"
)

// Store is the read side of the audit trail: the query, export, and
// retention operations behind the operator endpoints. DBLogger writes
// events; a Store answers questions about them.
type Store interface {
	// Search returns the events matching the filter.
	Search(ctx context.Context, filter SearchFilter) ([]*Event, error)

	// Get returns one event by row ID, or nil when it does not exist.
	Get(ctx context.Context, id int64) (*Event, error)

	// GetStats aggregates the trail over an optional time window.
	GetStats(ctx context.Context, startTime, endTime *time.Time) (*Stats, error)

	// Export renders the events matching the filter in the given format.
	Export(ctx context.Context, filter SearchFilter, format ExportFormat) ([]byte, error)

	// Cleanup applies the retention policy and reports how many events
	// were removed.
	Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error)
}

// Archiver persists batches of expired audit events to long-term storage
// before they are deleted from the database.
type Archiver interface {
	Archive(ctx context.Context, prefix string, events []*Event) error
}

// DBStore serves Store straight from the DBLogger's table.
type DBStore struct {
	logger   *DBLogger
	archiver Archiver
}

// NewDBStore wraps a DBLogger for querying.
func NewDBStore(logger *DBLogger) *DBStore {
	return &DBStore{logger: logger}
}

// SetArchiver configures long-term storage for expired events. Without an
// archiver, Cleanup deletes expired events even when the retention policy
// has ArchiveEnabled set.
func (s *DBStore) SetArchiver(archiver Archiver) {
	s.archiver = archiver
}

func (s *DBStore) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	return s.logger.Search(ctx, filter)
}

func (s *DBStore) Get(ctx context.Context, id int64) (*Event, error) {
	return s.logger.Get(ctx, id)
}

func (s *DBStore) GetStats(ctx context.Context, startTime, endTime *time.Time) (*Stats, error) {
	return s.logger.GetStats(ctx, startTime, endTime)
}

// Export renders matching events through the format writers in export.go.
// Unknown formats fall back to JSON.
func (s *DBStore) Export(ctx context.Context, filter SearchFilter, format ExportFormat) ([]byte, error) {
	events, err := s.logger.Search(ctx, filter)
	if err != nil {
		return nil, err
	}

	switch format {
	case ExportFormatCSV:
		return exportCSV(events)
	case ExportFormatNDJSON:
		return exportNDJSON(events)
	default:
		return exportJSON(events)
	}
}

// Cleanup archives expired events when the policy asks for it and an
// archiver is set, then deletes everything past the retention window.
func (s *DBStore) Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -policy.RetentionDays)

	if policy.ArchiveEnabled && s.archiver != nil {
		if err := s.archiveBefore(ctx, cutoff, policy.ArchivePrefix); err != nil {
			return 0, fmt.Errorf("failed to archive expired audit events: %w", err)
		}
	}

	return s.logger.DeleteBefore(ctx, cutoff)
}

// archiveBefore pages expired events out to the archiver, oldest first,
// in fixed-size batches so a large backlog never loads at once.
func (s *DBStore) archiveBefore(ctx context.Context, cutoff time.Time, prefix string) error {
	const batchSize = 1000

	for offset := 0; ; offset += batchSize {
		events, err := s.logger.Search(ctx, SearchFilter{
			EndTime:   &cutoff,
			Limit:     batchSize,
			Offset:    offset,
			SortBy:    "timestamp",
			SortOrder: "asc",
		})
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		if err := s.archiver.Archive(ctx, prefix, events); err != nil {
			return err
		}

		if len(events) < batchSize {
			return nil
		}
	}
}
