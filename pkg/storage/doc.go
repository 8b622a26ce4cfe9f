// Package storage holds the backend connection settings and the openers
// that turn them into live handles.
//
// # Overview
//
// Config covers every backend the service can run against: PostgreSQL or
// SQLite for accounts and bindings, Redis for the shared rate limiter, S3
// for audit archives. The openers validate the settings, apply pool
// limits and timeouts, and ping before returning, so a misconfigured
// backend fails at startup rather than on the first login.
//
// The memory backend needs no opener; the server builds an
// accounts.InMemoryStore directly when Type is "memory".
//
// # Related Packages
//
//   - pkg/storage/postgres: the PostgreSQL account store
//   - pkg/storage/sqlite: the single-file SQLite account store
//   - pkg/accounts: domain types and the in-memory store
//   - pkg/config: reads Config from the environment
package storage
