// Package httputil carries the HTTP plumbing shared by the login surface:
// JSON request and response helpers with a uniform error envelope, and the
// middleware stack every public endpoint runs behind.
//
// # Responses
//
// Errors always serialize as {"error": "..."}:
//
//	httputil.WriteJSON(w, http.StatusOK, body)
//	httputil.WriteBadRequest(w, "token is required")
//	httputil.WriteNotFoundError(w, "unknown SSO provider")
//	httputil.WriteInternalError(w, fmt.Errorf("login failed"))
//
// # Requests
//
// Handlers parse and validate in two guarded steps; a false return means
// the 400 was already written:
//
//	var body exchangeRequest
//	if !httputil.ParseJSONOrError(w, r, &body) {
//		return
//	}
//	if !httputil.RequireNonEmpty(w, body.Token, "token") {
//		return
//	}
//
// # Middleware
//
// Chain applies middleware first-is-outermost:
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)(router)
//
// RequestIDMiddleware stores the request ID in the context, where the
// structured logger and audit events pick it up. ContentTypeMiddleware
// exempts form posts because the SAML callback arrives urlencoded by
// protocol.
//
// Rate limiting lives in pkg/middleware; it needs Redis and metrics wiring
// this package stays free of.
package httputil
