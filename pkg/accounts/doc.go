// Package accounts defines the local account and external-identity binding
// records, and provides an in-memory store implementation.
//
// # Overview
//
// An Account is a local user; a Binding ties an external identity
// (provider ID + external user ID) to exactly one local account. Durable
// storage lives in pkg/storage/postgres; the in-memory store here backs
// tests and database-less deployments.
//
// # Related Packages
//
//   - pkg/sso: consumes stores through its AccountStore and Registrar interfaces
//   - pkg/storage/postgres: the PostgreSQL-backed implementation
package accounts
