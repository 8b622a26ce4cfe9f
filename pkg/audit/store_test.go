package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*DBStore, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_events").WillReturnResult(sqlmock.NewResult(0, 0))

	logger, err := NewDBLogger(db)
	require.NoError(t, err)

	return NewDBStore(logger), mock, func() { db.Close() }
}

// fakeArchiver records archived batches in memory
type fakeArchiver struct {
	mu         sync.Mutex
	prefix     string
	batches    [][]*Event
	archiveErr error
}

func (a *fakeArchiver) Archive(ctx context.Context, prefix string, events []*Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.archiveErr != nil {
		return a.archiveErr
	}
	a.prefix = prefix
	a.batches = append(a.batches, events)
	return nil
}

func TestNewDBStore(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	assert.NotNil(t, store)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Search(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	rows := sqlmock.NewRows(eventColumns)
	addEventRow(rows, 1, EventLoginSucceeded, StatusSuccess, "corp-idp", "alice", "@alice:example.org")

	mock.ExpectQuery("SELECT (.+) FROM audit_events").WillReturnRows(rows)

	events, err := store.Search(context.Background(), SearchFilter{Provider: "corp-idp"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "corp-idp", events[0].Provider)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Search_Error(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM audit_events").WillReturnError(errors.New("connection lost"))

	events, err := store.Search(context.Background(), SearchFilter{})
	assert.Error(t, err)
	assert.Nil(t, events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	rows := sqlmock.NewRows(eventColumns)
	addEventRow(rows, 7, EventAccountProvisioned, StatusSuccess, "corp-idp", "alice", "@alice:example.org")

	mock.ExpectQuery("SELECT (.+) FROM audit_events WHERE id = \\$1").
		WithArgs(int64(7)).
		WillReturnRows(rows)

	event, err := store.Get(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, int64(7), event.ID)
	assert.Equal(t, EventAccountProvisioned, event.EventType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get_NotFound(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM audit_events WHERE id = \\$1").
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows(eventColumns))

	event, err := store.Get(context.Background(), 404)
	assert.NoError(t, err)
	assert.Nil(t, event)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetStats(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM audit_events").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(100))
	mock.ExpectQuery("SELECT event_type, COUNT\\(\\*\\) FROM audit_events").
		WillReturnRows(sqlmock.NewRows([]string{"event_type", "count"}).AddRow("sso.login_succeeded", 90))
	mock.ExpectQuery("SELECT status, COUNT\\(\\*\\) FROM audit_events").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("success", 90))
	mock.ExpectQuery("SELECT provider, COUNT\\(\\*\\) FROM audit_events").
		WillReturnRows(sqlmock.NewRows([]string{"provider", "count"}).AddRow("corp-idp", 100))
	mock.ExpectQuery("SELECT COUNT\\(DISTINCT user_id\\) FROM audit_events").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectQuery("SELECT COUNT\\(DISTINCT ip_address\\) FROM audit_events").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM audit_events").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM audit_events").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	stats, err := store.GetStats(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), stats.TotalEvents)
	assert.Equal(t, int64(10), stats.FailedLogins)
	assert.Equal(t, int64(2), stats.RateLimited)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Export_JSON(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	rows := sqlmock.NewRows(eventColumns)
	addEventRow(rows, 1, EventLoginSucceeded, StatusSuccess, "corp-idp", "alice", "@alice:example.org")

	mock.ExpectQuery("SELECT (.+) FROM audit_events").WillReturnRows(rows)

	data, err := store.Export(context.Background(), SearchFilter{}, ExportFormatJSON)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(string(data)), "["))
	assert.Contains(t, string(data), "@alice:example.org")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Export_CSV(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	rows := sqlmock.NewRows(eventColumns)
	addEventRow(rows, 1, EventLoginSucceeded, StatusSuccess, "corp-idp", "alice", "@alice:example.org")

	mock.ExpectQuery("SELECT (.+) FROM audit_events").WillReturnRows(rows)

	data, err := store.Export(context.Background(), SearchFilter{}, ExportFormatCSV)
	require.NoError(t, err)
	assert.Contains(t, string(data), "id,timestamp,event_type")
	assert.Contains(t, string(data), "corp-idp")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Export_NDJSON(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	rows := sqlmock.NewRows(eventColumns)
	addEventRow(rows, 1, EventLoginSucceeded, StatusSuccess, "corp-idp", "alice", "@alice:example.org")
	addEventRow(rows, 2, EventLoginFailed, StatusFailure, "corp-idp", "bob", "")

	mock.ExpectQuery("SELECT (.+) FROM audit_events").WillReturnRows(rows)

	data, err := store.Export(context.Background(), SearchFilter{}, ExportFormatNDJSON)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Export_UnknownFormatDefaultsToJSON(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM audit_events").WillReturnRows(sqlmock.NewRows(eventColumns))

	data, err := store.Export(context.Background(), SearchFilter{}, ExportFormat("yaml"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(string(data)), "["))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Cleanup(t *testing.T) {
	t.Run("without archiver", func(t *testing.T) {
		store, mock, cleanup := setupStore(t)
		defer cleanup()

		mock.ExpectExec("DELETE FROM audit_events WHERE timestamp < \\$1").
			WillReturnResult(sqlmock.NewResult(0, 42))

		deleted, err := store.Cleanup(context.Background(), RetentionPolicy{
			RetentionDays:  90,
			ArchiveEnabled: true, // Ignored without an archiver
		})
		require.NoError(t, err)
		assert.Equal(t, int64(42), deleted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("with archiver", func(t *testing.T) {
		store, mock, cleanup := setupStore(t)
		defer cleanup()

		archiver := &fakeArchiver{}
		store.SetArchiver(archiver)

		rows := sqlmock.NewRows(eventColumns)
		addEventRow(rows, 1, EventLoginSucceeded, StatusSuccess, "corp-idp", "alice", "@alice:example.org")
		addEventRow(rows, 2, EventLoginFailed, StatusFailure, "corp-idp", "bob", "")

		// One expired batch, smaller than the page size, then the delete
		mock.ExpectQuery("SELECT (.+) FROM audit_events WHERE 1=1 AND timestamp <= \\$1 ORDER BY timestamp ASC LIMIT \\$2").
			WillReturnRows(rows)
		mock.ExpectExec("DELETE FROM audit_events WHERE timestamp < \\$1").
			WillReturnResult(sqlmock.NewResult(0, 2))

		deleted, err := store.Cleanup(context.Background(), RetentionPolicy{
			RetentionDays:  30,
			ArchiveEnabled: true,
			ArchivePrefix:  "audit-archive",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)
		require.Len(t, archiver.batches, 1)
		assert.Len(t, archiver.batches[0], 2)
		assert.Equal(t, "audit-archive", archiver.prefix)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("archiving disabled skips archiver", func(t *testing.T) {
		store, mock, cleanup := setupStore(t)
		defer cleanup()

		archiver := &fakeArchiver{}
		store.SetArchiver(archiver)

		mock.ExpectExec("DELETE FROM audit_events WHERE timestamp < \\$1").
			WillReturnResult(sqlmock.NewResult(0, 5))

		deleted, err := store.Cleanup(context.Background(), RetentionPolicy{
			RetentionDays:  30,
			ArchiveEnabled: false,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(5), deleted)
		assert.Empty(t, archiver.batches)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("archive failure aborts deletion", func(t *testing.T) {
		store, mock, cleanup := setupStore(t)
		defer cleanup()

		archiver := &fakeArchiver{archiveErr: errors.New("bucket unavailable")}
		store.SetArchiver(archiver)

		rows := sqlmock.NewRows(eventColumns)
		addEventRow(rows, 1, EventLoginSucceeded, StatusSuccess, "corp-idp", "alice", "@alice:example.org")

		mock.ExpectQuery("SELECT (.+) FROM audit_events WHERE 1=1 AND timestamp <= \\$1").
			WillReturnRows(rows)
		// No DELETE expected

		deleted, err := store.Cleanup(context.Background(), RetentionPolicy{
			RetentionDays:  30,
			ArchiveEnabled: true,
		})
		assert.Error(t, err)
		assert.Zero(t, deleted)
		assert.Contains(t, err.Error(), "failed to archive expired audit events")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
