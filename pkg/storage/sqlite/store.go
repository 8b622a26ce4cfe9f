// Package sqlite persists accounts and external identity bindings in a
// SQLite database file, for single-node deployments that want durability
// without running PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatehouselabs/gatehouse/pkg/accounts"
	"github.com/gatehouselabs/gatehouse/pkg/mxid"
	"github.com/gatehouselabs/gatehouse/pkg/observability"
	"github.com/gatehouselabs/gatehouse/pkg/sso"
)

// Store implements the account store and registrar on SQLite. Email lists
// are stored as JSON text since SQLite has no array type. The database
// handle should be limited to a single open connection; SQLite serializes
// writes internally anyway.
type Store struct {
	db         *sql.DB
	serverName string
}

var (
	_ sso.AccountStore = (*Store)(nil)
	_ sso.Registrar    = (*Store)(nil)
)

// NewStore creates the store and ensures its schema exists. Accounts are
// provisioned under serverName.
func NewStore(ctx context.Context, db *sql.DB, serverName string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if serverName == "" {
		return nil, fmt.Errorf("server name is required")
	}

	s := &Store{db: db, serverName: serverName}
	if err := s.ensureTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure account tables: %w", err)
	}
	return s, nil
}

func (s *Store) ensureTables(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		localpart TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		emails TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_user_id_lower ON accounts(lower(user_id));

	CREATE TABLE IF NOT EXISTS bindings (
		provider_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		user_id TEXT NOT NULL REFERENCES accounts(user_id),
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (provider_id, external_id)
	);

	CREATE INDEX IF NOT EXISTS idx_bindings_user_id ON bindings(user_id);
	`

	_, err := s.db.ExecContext(ctx, query)
	return err
}

// GetBinding returns the local user bound to the external identity, or
// accounts.ErrBindingNotFound.
func (s *Store) GetBinding(ctx context.Context, providerID, externalID string) (mxid.UserID, error) {
	ctx, span := s.startSpan(ctx, "SQLiteStore.GetBinding", providerID)
	defer span.End()

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM bindings WHERE provider_id = ? AND external_id = ?`,
		providerID, externalID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return mxid.UserID{}, accounts.ErrBindingNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "binding lookup failed")
		return mxid.UserID{}, fmt.Errorf("failed to query binding: %w", err)
	}

	userID, err := mxid.ParseUserID(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stored user ID is malformed")
		return mxid.UserID{}, fmt.Errorf("binding holds malformed user ID %q: %w", raw, err)
	}
	return userID, nil
}

// CreateBinding records a new external identity binding. A pair that is
// already bound fails with accounts.ErrDuplicateBinding.
func (s *Store) CreateBinding(ctx context.Context, providerID, externalID string, userID mxid.UserID) error {
	ctx, span := s.startSpan(ctx, "SQLiteStore.CreateBinding", providerID)
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bindings (provider_id, external_id, user_id, created_at) VALUES (?, ?, ?, ?)`,
		providerID, externalID, userID.String(), time.Now().UTC(),
	)
	if isUniqueViolation(err) {
		return accounts.ErrDuplicateBinding
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "binding insert failed")
		return fmt.Errorf("failed to insert binding: %w", err)
	}
	return nil
}

// GetAccountsByIDCaseInsensitive returns every account whose full user ID
// matches the candidate case-insensitively.
func (s *Store) GetAccountsByIDCaseInsensitive(ctx context.Context, userID mxid.UserID) (map[mxid.UserID]accounts.Account, error) {
	ctx, span := s.startSpan(ctx, "SQLiteStore.GetAccountsByIDCaseInsensitive", "")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, display_name, emails, created_at FROM accounts WHERE lower(user_id) = lower(?)`,
		userID.String(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "account lookup failed")
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	matches := make(map[mxid.UserID]accounts.Account)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		matches[acct.UserID] = acct
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}

	span.SetAttributes(attribute.Int("accounts.matches", len(matches)))
	return matches, nil
}

// GetAccount returns the account for the exact user ID, or
// accounts.ErrAccountNotFound.
func (s *Store) GetAccount(ctx context.Context, userID mxid.UserID) (accounts.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, emails, created_at FROM accounts WHERE user_id = ?`,
		userID.String(),
	)

	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return accounts.Account{}, accounts.ErrAccountNotFound
	}
	if err != nil {
		return accounts.Account{}, err
	}
	return acct, nil
}

// ProvisionAccount creates a new local account and returns its user ID. A
// localpart that is already allocated, in any casing, fails with
// accounts.ErrDuplicateAccount.
func (s *Store) ProvisionAccount(ctx context.Context, localpart, displayName string, emails []string) (mxid.UserID, error) {
	ctx, span := s.startSpan(ctx, "SQLiteStore.ProvisionAccount", "")
	defer span.End()

	if !mxid.IsValidLocalpart(localpart) {
		return mxid.UserID{}, fmt.Errorf("invalid localpart %q", localpart)
	}
	userID := mxid.NewUserID(localpart, s.serverName)
	span.SetAttributes(attribute.String("account.user_id", userID.String()))

	if emails == nil {
		emails = []string{}
	}
	encoded, err := json.Marshal(emails)
	if err != nil {
		return mxid.UserID{}, fmt.Errorf("failed to encode emails: %w", err)
	}

	// No check-then-insert here; the unique index on lower(user_id) rejects
	// an allocated localpart directly.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, localpart, display_name, emails, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID.String(), localpart, displayName, string(encoded), time.Now().UTC(),
	)
	if isUniqueViolation(err) {
		return mxid.UserID{}, accounts.ErrDuplicateAccount
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "account insert failed")
		return mxid.UserID{}, fmt.Errorf("failed to insert account: %w", err)
	}
	return userID, nil
}

// ListBindings returns every binding for a provider, for diagnostics.
func (s *Store) ListBindings(ctx context.Context, providerID string) ([]accounts.Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider_id, external_id, user_id, created_at FROM bindings WHERE provider_id = ? ORDER BY created_at`,
		providerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bindings: %w", err)
	}
	defer rows.Close()

	var out []accounts.Binding
	for rows.Next() {
		var b accounts.Binding
		var raw string
		if err := rows.Scan(&b.ProviderID, &b.ExternalID, &raw, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		if b.UserID, err = mxid.ParseUserID(raw); err != nil {
			return nil, fmt.Errorf("binding holds malformed user ID %q: %w", raw, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// FindOrphanedAccounts returns accounts with no binding row, left behind by
// a provisioning run that failed before the binding write.
func (s *Store) FindOrphanedAccounts(ctx context.Context) ([]accounts.Account, error) {
	ctx, span := s.startSpan(ctx, "SQLiteStore.FindOrphanedAccounts", "")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.user_id, a.display_name, a.emails, a.created_at
		FROM accounts a
		LEFT JOIN bindings b ON b.user_id = a.user_id
		WHERE b.user_id IS NULL
		ORDER BY a.created_at`,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "orphan query failed")
		return nil, fmt.Errorf("failed to query orphaned accounts: %w", err)
	}
	defer rows.Close()

	var out []accounts.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to iterate orphaned accounts: %w", err)
	}

	span.SetAttributes(attribute.Int("accounts.orphaned", len(out)))
	return out, nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite unhealthy: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) startSpan(ctx context.Context, name, providerID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("db.system", "sqlite")}
	if providerID != "" {
		attrs = append(attrs, attribute.String("sso.provider", providerID))
	}
	return observability.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(sc scanner) (accounts.Account, error) {
	var acct accounts.Account
	var raw, encoded string
	if err := sc.Scan(&raw, &acct.DisplayName, &encoded, &acct.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return accounts.Account{}, err
		}
		return accounts.Account{}, fmt.Errorf("failed to scan account: %w", err)
	}

	userID, err := mxid.ParseUserID(raw)
	if err != nil {
		return accounts.Account{}, fmt.Errorf("account holds malformed user ID %q: %w", raw, err)
	}
	acct.UserID = userID

	if err := json.Unmarshal([]byte(encoded), &acct.Emails); err != nil {
		return accounts.Account{}, fmt.Errorf("account holds malformed email list: %w", err)
	}
	return acct, nil
}

// isUniqueViolation reports whether err is a primary key or unique index
// hit. Checked against the extended code so a foreign key violation does
// not masquerade as a duplicate.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
