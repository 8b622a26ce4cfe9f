// Package audit provides audit logging for security, compliance, and forensics.
//
// # Overview
//
// This package records every federated login attempt and its outcome: initiation,
// success, failure, account provisioning, binding creation, and legacy migration.
// Events carry the provider, external ID, resolved user ID, and request context.
//
// # Event Types
//
// Login flow: sso.login_initiated, sso.login_succeeded, sso.login_failed
// Resolution: sso.account_provisioned, sso.binding_created, sso.binding_grandfathered
// Tokens: token.issued, token.exchanged, token.rejected
// Configuration: config.provider_registered, config.provider_removed, config.provider_reloaded
// Access: access.rate_limited
//
// # Usage Example
//
// Log a completed login:
//
//	event := audit.NewEvent(r, audit.EventLoginSucceeded, audit.StatusSuccess)
//	event.Provider = "corp-idp"
//	event.ExternalID = "alice"
//	event.UserID = "@alice:example.org"
//	if err := sink.Log(ctx, event); err != nil {
//		logger.WithError(err).Warn("failed to record audit event")
//	}
//
// Search audit logs:
//
//	results, err := store.Search(ctx, audit.SearchFilter{
//		StartTime:  &dayAgo,
//		Provider:   "corp-idp",
//		EventTypes: []audit.EventType{audit.EventLoginFailed},
//		Limit:      100,
//	})
//
// # Retention Policy
//
// Events stay queryable for 90 days by default. With archiving enabled,
// expired events are uploaded to S3 as NDJSON batches before deletion, and
// any search result can be exported as JSON, CSV, or NDJSON.
//
// # Related Packages
//
//   - pkg/sso: Emits login flow and resolution events
//   - pkg/logintoken: Emits token lifecycle events
//   - pkg/middleware: Emits rate limit rejections
//   - cmd/gatehouse: Emits provider configuration events on reload
package audit
