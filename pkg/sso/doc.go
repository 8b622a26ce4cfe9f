// Package sso implements assertion-to-account resolution for federated
// login: the pending-session table, the attribute mapper, the identity
// resolver, and the per-provider concurrency gate.
//
// # Overview
//
// A login runs in two halves. Initiation builds an authentication redirect
// through the provider client and records a PendingSession under the
// outgoing request ID. When the assertion returns, the handler sweeps
// expired sessions, verifies the response against the outstanding request
// IDs, recovers the original login context, and hands the assertion to the
// Resolver.
//
// Resolution is an ordered, short-circuiting sequence executed under the
// provider's gate lane:
//
//  1. Extract the stable external user ID via the Mapper.
//  2. Look up an existing binding, the repeat-login fast path.
//  3. If a grandfathered attribute is configured and matches exactly one
//     existing account, adopt it and create the missing binding.
//  4. Otherwise provision: walk candidate localparts (attempt 0 is the bare
//     normalized value, attempt N appends N) until one is free, create the
//     account, then the binding. 1000 fruitless attempts fail with
//     ErrMappingExhausted.
//
// The gate serializes steps 1-4 per provider namespace, so two concurrent
// logins for one unbound identity cannot both provision.
//
// # Usage Example
//
// Wire a SAML provider into the login handler:
//
//	mapper, err := sso.NewDefaultMapper(sso.MapperConfig{
//		SourceAttribute: "uid",
//		MappingPolicy:   sso.MappingPolicyHexEncode,
//	})
//	if err != nil {
//		return err
//	}
//	resolver := sso.NewResolver(store, store, "example.com", logger, metrics)
//	handler := sso.NewHandler(resolver, completer, 15*time.Minute, logger, metrics, auditLog)
//	handler.RegisterProvider(&sso.Provider{
//		ID:     "saml",
//		Client: samlClient,
//		Mapper: mapper,
//	})
//	handler.RegisterRoutes(router)
//
// # Related Packages
//
//   - pkg/saml: the gosaml2-backed provider client
//   - pkg/oidc: the OIDC sibling flow feeding the same resolver
//   - pkg/mxid: localpart normalization policies
//   - pkg/logintoken: the login completion collaborator
package sso
