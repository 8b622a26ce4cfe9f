// Package postgres persists accounts and external identity bindings in
// PostgreSQL, implementing the lookup and provisioning interfaces the
// login resolver depends on.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatehouselabs/gatehouse/pkg/accounts"
	"github.com/gatehouselabs/gatehouse/pkg/mxid"
	"github.com/gatehouselabs/gatehouse/pkg/observability"
	"github.com/gatehouselabs/gatehouse/pkg/sso"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint hit.
const uniqueViolation = "23505"

// Store implements the account store and registrar on PostgreSQL. It is
// safe for concurrent use; uniqueness races between instances resolve at
// the database's unique indexes.
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

// ensureTables creates the accounts and bindings tables if they don't exist.
// The unique index on lower(user_id) makes localpart allocation
// case-insensitive, and the bindings primary key holds the one-binding-per
// external-identity invariant.
func (s *Store) ensureTables(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS accounts (
		user_id VARCHAR(255) PRIMARY KEY,
		localpart VARCHAR(255) NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		emails TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_user_id_lower ON accounts(lower(user_id));

	CREATE TABLE IF NOT EXISTS bindings (
		provider_id VARCHAR(255) NOT NULL,
		external_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL REFERENCES accounts(user_id),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
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
	ctx, span := s.startSpan(ctx, "PostgresStore.GetBinding", providerID)
	defer span.End()

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM bindings WHERE provider_id = $1 AND external_id = $2`,
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
	ctx, span := s.startSpan(ctx, "PostgresStore.CreateBinding", providerID)
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bindings (provider_id, external_id, user_id) VALUES ($1, $2, $3)`,
		providerID, externalID, userID.String(),
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
// matches the candidate case-insensitively. The unique index keeps this to
// at most one row, but the map shape matches the in-memory store.
func (s *Store) GetAccountsByIDCaseInsensitive(ctx context.Context, userID mxid.UserID) (map[mxid.UserID]accounts.Account, error) {
	ctx, span := s.startSpan(ctx, "PostgresStore.GetAccountsByIDCaseInsensitive", "")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, display_name, emails, created_at FROM accounts WHERE lower(user_id) = lower($1)`,
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
		`SELECT user_id, display_name, emails, created_at FROM accounts WHERE user_id = $1`,
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

// ProvisionAccount creates a new local account and returns its user ID. The
// check-then-insert runs in a transaction; a concurrent insert from another
// instance still lands on the unique index and maps to
// accounts.ErrDuplicateAccount.
func (s *Store) ProvisionAccount(ctx context.Context, localpart, displayName string, emails []string) (mxid.UserID, error) {
	ctx, span := s.startSpan(ctx, "PostgresStore.ProvisionAccount", "")
	defer span.End()

	if !mxid.IsValidLocalpart(localpart) {
		return mxid.UserID{}, fmt.Errorf("invalid localpart %q", localpart)
	}
	userID := mxid.NewUserID(localpart, s.serverName)
	span.SetAttributes(attribute.String("account.user_id", userID.String()))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mxid.UserID{}, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var taken bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE lower(user_id) = lower($1))`,
		userID.String(),
	).Scan(&taken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "localpart check failed")
		return mxid.UserID{}, fmt.Errorf("failed to check localpart: %w", err)
	}
	if taken {
		return mxid.UserID{}, accounts.ErrDuplicateAccount
	}

	if emails == nil {
		emails = []string{}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (user_id, localpart, display_name, emails, created_at) VALUES ($1, $2, $3, $4, $5)`,
		userID.String(), localpart, displayName, pq.Array(emails), time.Now().UTC(),
	)
	if isUniqueViolation(err) {
		return mxid.UserID{}, accounts.ErrDuplicateAccount
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "account insert failed")
		return mxid.UserID{}, fmt.Errorf("failed to insert account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return mxid.UserID{}, fmt.Errorf("failed to commit account: %w", err)
	}
	return userID, nil
}

// ListBindings returns every binding for a provider, for diagnostics.
func (s *Store) ListBindings(ctx context.Context, providerID string) ([]accounts.Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider_id, external_id, user_id, created_at FROM bindings WHERE provider_id = $1 ORDER BY created_at`,
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

// FindOrphanedAccounts returns accounts with no binding row. A provisioning
// run that created the account but failed before the binding write leaves
// one of these behind; the sweeper reports them.
func (s *Store) FindOrphanedAccounts(ctx context.Context) ([]accounts.Account, error) {
	ctx, span := s.startSpan(ctx, "PostgresStore.FindOrphanedAccounts", "")
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
		return fmt.Errorf("postgres unhealthy: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for health checks and the audit logger.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) startSpan(ctx context.Context, name, providerID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("db.system", "postgresql")}
	if providerID != "" {
		attrs = append(attrs, attribute.String("sso.provider", providerID))
	}
	return observability.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(sc scanner) (accounts.Account, error) {
	var acct accounts.Account
	var raw string
	var emails pq.StringArray
	if err := sc.Scan(&raw, &acct.DisplayName, &emails, &acct.CreatedAt); err != nil {
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
	acct.Emails = []string(emails)
	return acct, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
