package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DBLogger persists audit events in PostgreSQL, one row per event, and
// serves the search, stats, and retention queries against the same table.
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger prepares the audit_events schema on the given pool. The
// pool stays owned by the caller; Close never touches it.
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{db: db}
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_events table: %w", err)
	}

	return logger, nil
}

// ensureTable creates the audit_events table and its indexes when missing.
func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		provider VARCHAR(255),
		external_id VARCHAR(255),
		user_id VARCHAR(255),
		sso_request_id VARCHAR(255),
		ip_address VARCHAR(45),
		user_agent TEXT,
		request_id VARCHAR(100),
		method VARCHAR(10),
		path TEXT,
		message TEXT,
		error_message TEXT,
		metadata JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	-- Indexes for the search filters and the stats rollups
	CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_events_event_type ON audit_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_events_provider ON audit_events(provider);
	CREATE INDEX IF NOT EXISTS idx_audit_events_user_id ON audit_events(user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_external_id ON audit_events(provider, external_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_status ON audit_events(status);
	CREATE INDEX IF NOT EXISTS idx_audit_events_ip_address ON audit_events(ip_address);
	`

	_, err := l.db.Exec(query)
	return err
}

// Log inserts one event and fills in the row ID the database assigned.
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	var metadataJSON []byte
	if event.Metadata != nil {
		b, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadataJSON = b
	}

	query := `
		INSERT INTO audit_events (
			timestamp, event_type, status,
			provider, external_id, user_id, sso_request_id,
			ip_address, user_agent, request_id,
			method, path,
			message, error_message, metadata
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10,
			$11, $12,
			$13, $14, $15
		) RETURNING id
	`

	err := l.db.QueryRowContext(ctx, query,
		event.Timestamp, event.EventType, event.Status,
		event.Provider, event.ExternalID, event.UserID, event.SSORequestID,
		event.IPAddress, event.UserAgent, event.RequestID,
		event.Method, event.Path,
		event.Message, event.ErrorMessage, metadataJSON,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

// eventColumnList is the column order shared by Search, Get, and scanEvent.
const eventColumnList = `
		id, timestamp, event_type, status,
		provider, external_id, user_id, sso_request_id,
		ip_address, user_agent, request_id,
		method, path,
		message, error_message, metadata`

// whereBuilder assembles a WHERE clause and its positional arguments.
// Conditions carry a $%d verb that receives the placeholder number of
// the argument added with them.
type whereBuilder struct {
	clause string
	args   []interface{}
}

func newWhereBuilder() *whereBuilder {
	return &whereBuilder{clause: "WHERE 1=1"}
}

func (w *whereBuilder) and(cond string, arg interface{}) {
	w.clause += fmt.Sprintf(" AND "+cond, w.place(arg))
}

// place stores one argument and returns its placeholder number. LIMIT
// and OFFSET use it directly since they sit outside the WHERE clause.
func (w *whereBuilder) place(arg interface{}) int {
	w.args = append(w.args, arg)
	return len(w.args)
}

// Search returns the events matching the filter, newest first unless
// the filter orders otherwise.
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	where := newWhereBuilder()

	if filter.StartTime != nil {
		where.and("timestamp >= $%d", *filter.StartTime)
	}
	if filter.EndTime != nil {
		where.and("timestamp <= $%d", *filter.EndTime)
	}
	if filter.Provider != "" {
		where.and("provider = $%d", filter.Provider)
	}
	if filter.UserID != "" {
		where.and("user_id = $%d", filter.UserID)
	}
	if filter.ExternalID != "" {
		where.and("external_id = $%d", filter.ExternalID)
	}
	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			types[i] = string(et)
		}
		where.and("event_type = ANY($%d)", pq.Array(types))
	}
	if filter.Status != nil {
		where.and("status = $%d", string(*filter.Status))
	}
	if filter.IPAddress != "" {
		where.and("ip_address = $%d", filter.IPAddress)
	}
	if filter.Path != "" {
		where.and("path LIKE $%d", "%"+filter.Path+"%")
	}

	query := "SELECT" + eventColumnList + "\n\tFROM audit_events " + where.clause
	query += orderByClause(filter.SortBy, filter.SortOrder)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", where.place(filter.Limit))
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", where.place(filter.Offset))
	}

	rows, err := l.db.QueryContext(ctx, query, where.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer rows.Close()

	events := make([]*Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}

// Get returns the event with the given row ID, or nil when no such row
// exists.
func (l *DBLogger) Get(ctx context.Context, id int64) (*Event, error) {
	query := "SELECT" + eventColumnList + "\n\tFROM audit_events WHERE id = $1"

	rows, err := l.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return scanEvent(rows)
}

// scanEvent reads one row laid out in eventColumnList order.
func scanEvent(rows *sql.Rows) (*Event, error) {
	event := &Event{
		Metadata: make(map[string]interface{}),
	}

	var metadataJSON []byte

	err := rows.Scan(
		&event.ID, &event.Timestamp, &event.EventType, &event.Status,
		&event.Provider, &event.ExternalID, &event.UserID, &event.SSORequestID,
		&event.IPAddress, &event.UserAgent, &event.RequestID,
		&event.Method, &event.Path,
		&event.Message, &event.ErrorMessage, &metadataJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return event, nil
}

// orderByClause builds the ORDER BY clause from a whitelist of sortable
// columns, so a caller-supplied sort key never reaches the query text.
func orderByClause(sortBy, sortOrder string) string {
	allowed := map[string]bool{
		"timestamp":  true,
		"event_type": true,
		"status":     true,
		"provider":   true,
		"user_id":    true,
	}

	column := "timestamp"
	if allowed[sortBy] {
		column = sortBy
	}

	order := "DESC"
	if sortOrder == "asc" {
		order = "ASC"
	}

	return fmt.Sprintf(" ORDER BY %s %s", column, order)
}

// GetStats aggregates the trail over an optional time window.
func (l *DBLogger) GetStats(ctx context.Context, startTime, endTime *time.Time) (*Stats, error) {
	stats := &Stats{
		EventsByType:     make(map[EventType]int64),
		EventsByStatus:   make(map[EventStatus]int64),
		EventsByProvider: make(map[string]int64),
	}

	where := newWhereBuilder()
	if startTime != nil {
		where.and("timestamp >= $%d", *startTime)
	}
	if endTime != nil {
		where.and("timestamp <= $%d", *endTime)
	}
	if startTime != nil || endTime != nil {
		stats.TimeRange = &TimeRange{}
		if startTime != nil {
			stats.TimeRange.Start = *startTime
		}
		if endTime != nil {
			stats.TimeRange.End = *endTime
		}
	}

	err := l.countInto(ctx, &stats.TotalEvents, "total events",
		"SELECT COUNT(*) FROM audit_events "+where.clause, where.args)
	if err != nil {
		return nil, err
	}

	err = l.groupCounts(ctx, "events by type",
		"SELECT event_type, COUNT(*) FROM audit_events "+where.clause+" GROUP BY event_type",
		where.args, func(key string, n int64) { stats.EventsByType[EventType(key)] = n })
	if err != nil {
		return nil, err
	}

	err = l.groupCounts(ctx, "events by status",
		"SELECT status, COUNT(*) FROM audit_events "+where.clause+" GROUP BY status",
		where.args, func(key string, n int64) { stats.EventsByStatus[EventStatus(key)] = n })
	if err != nil {
		return nil, err
	}

	err = l.groupCounts(ctx, "events by provider",
		"SELECT provider, COUNT(*) FROM audit_events "+where.clause+" AND provider != '' GROUP BY provider",
		where.args, func(key string, n int64) { stats.EventsByProvider[key] = n })
	if err != nil {
		return nil, err
	}

	err = l.countInto(ctx, &stats.UniqueUsers, "unique users",
		"SELECT COUNT(DISTINCT user_id) FROM audit_events "+where.clause+" AND user_id != ''", where.args)
	if err != nil {
		return nil, err
	}

	err = l.countInto(ctx, &stats.UniqueIPs, "unique IPs",
		"SELECT COUNT(DISTINCT ip_address) FROM audit_events "+where.clause+" AND ip_address != ''", where.args)
	if err != nil {
		return nil, err
	}

	err = l.countInto(ctx, &stats.FailedLogins, "failed logins",
		"SELECT COUNT(*) FROM audit_events "+where.clause+" AND event_type = 'sso.login_failed'", where.args)
	if err != nil {
		return nil, err
	}

	err = l.countInto(ctx, &stats.RateLimited, "rate limited count",
		"SELECT COUNT(*) FROM audit_events "+where.clause+" AND status = 'denied'", where.args)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// countInto runs a single-value COUNT query into dest.
func (l *DBLogger) countInto(ctx context.Context, dest *int64, what, query string, args []interface{}) error {
	if err := l.db.QueryRowContext(ctx, query, args...).Scan(dest); err != nil {
		return fmt.Errorf("failed to get %s: %w", what, err)
	}
	return nil
}

// groupCounts runs a two-column GROUP BY query and hands each key and
// count pair to record.
func (l *DBLogger) groupCounts(ctx context.Context, what, query string, args []interface{}, record func(key string, count int64)) error {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", what, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		record(key, count)
	}
	return rows.Err()
}

// DeleteBefore removes events older than the cutoff and returns how many
// were deleted. Callers that archive must export the rows first.
func (l *DBLogger) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, "DELETE FROM audit_events WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit events: %w", err)
	}

	return result.RowsAffected()
}

// Close satisfies Logger. The connection pool is shared with the rest of
// the service, so nothing is released here.
func (l *DBLogger) Close() error {
	return nil
}
