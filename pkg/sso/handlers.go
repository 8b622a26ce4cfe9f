package sso

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/gatehouselabs/gatehouse/pkg/audit"
	"github.com/gatehouselabs/gatehouse/pkg/httputil"
	"github.com/gatehouselabs/gatehouse/pkg/observability"
)

// Handler serves the login pipeline for every registered provider: redirect
// initiation, the callback endpoint consuming assertions and authorization
// codes, and SP metadata. Providers can be registered and replaced at
// runtime (configuration reload).
type Handler struct {
	mu        sync.RWMutex
	providers map[string]*Provider

	pending         *PendingStore
	resolver        *Resolver
	completer       LoginCompleter
	sessionLifetime time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics
	audit   audit.Logger
}

// NewHandler creates a login handler with an empty provider registry.
// auditLogger and metrics may be nil.
func NewHandler(resolver *Resolver, completer LoginCompleter, sessionLifetime time.Duration, logger *observability.Logger, metrics *observability.Metrics, auditLogger audit.Logger) *Handler {
	return &Handler{
		providers:       make(map[string]*Provider),
		pending:         NewPendingStore(),
		resolver:        resolver,
		completer:       completer,
		sessionLifetime: sessionLifetime,
		logger:          logger,
		metrics:         metrics,
		audit:           auditLogger,
	}
}

// RegisterRoutes registers the SSO login routes. The callback accepts both
// bindings: SAML responses arrive as a POSTed form, OIDC authorization codes
// as a GET redirect.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/sso/{provider}/login", h.initiateLogin).Methods("GET")
	router.HandleFunc("/auth/sso/{provider}/callback", h.handleCallback).Methods("POST", "GET")
	router.HandleFunc("/auth/sso/{provider}/metadata", h.serveMetadata).Methods("GET")
}

// RegisterProvider adds or replaces a provider in the registry.
func (h *Handler) RegisterProvider(p *Provider) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("provider requires an ID")
	}
	if p.Client == nil {
		return fmt.Errorf("provider %q requires a client", p.ID)
	}
	if p.Mapper == nil {
		return fmt.Errorf("provider %q requires a mapper", p.ID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.providers[p.ID] = p
	return nil
}

// RemoveProvider removes a provider from the registry. In-flight callbacks
// for the removed provider fail with 404.
func (h *Handler) RemoveProvider(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.providers, id)
}

// ProviderIDs returns the registered provider IDs.
func (h *Handler) ProviderIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.providers))
	for id := range h.providers {
		ids = append(ids, id)
	}
	return ids
}

// Pending exposes the pending-session store, shared with sibling login flows.
func (h *Handler) Pending() *PendingStore {
	return h.pending
}

// SweepPending drops pending sessions older than the session lifetime and
// returns how many were dropped. Every callback runs it before verification;
// deployments also run it on a timer so abandoned attempts are not held
// until the next login arrives.
func (h *Handler) SweepPending() int {
	expired := h.pending.SweepExpired(time.Now(), h.sessionLifetime)
	if expired > 0 {
		h.logger.WithField("count", expired).Debug("expired pending SSO sessions")
		if h.metrics != nil {
			h.metrics.PendingSessionsExpired.Add(float64(expired))
		}
	}
	h.observePending()
	return expired
}

func (h *Handler) provider(r *http.Request) (*Provider, bool) {
	id := mux.Vars(r)["provider"]
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.providers[id]
	return p, ok
}

// initiateLogin handles GET /auth/sso/{provider}/login. It builds the
// provider redirect, records the pending session under the outgoing request
// ID, and sends the client to the identity provider. The original
// destination is kept on the pending session and, for SAML, also travels as
// RelayState; an authSessionId query parameter ties the attempt to an
// interactive-authentication flow.
func (h *Handler) initiateLogin(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(r)
	if !ok {
		httputil.WriteNotFoundError(w, "unknown SSO provider")
		return
	}

	relayState := r.URL.Query().Get("redirectUrl")
	authSessionID := r.URL.Query().Get("authSessionId")

	requestID, redirectURL, err := p.Client.BuildRedirect(relayState)
	if err != nil || requestID == "" || redirectURL == "" {
		// The protocol library owes us both values for every request;
		// anything else is an invariant violation, not client error.
		h.logger.WithError(err).WithField("provider", p.ID).Error("failed to build authentication redirect")
		httputil.WriteInternalError(w, fmt.Errorf("failed to build authentication redirect"))
		return
	}

	session := PendingSession{
		RequestID:         requestID,
		CreatedAt:         time.Now(),
		AuthSessionID:     authSessionID,
		ClientRedirectURL: relayState,
	}
	if err := h.pending.Create(session); err != nil {
		h.logger.WithError(err).WithField("provider", p.ID).Error("failed to track pending session")
		httputil.WriteInternalError(w, fmt.Errorf("failed to track login attempt"))
		return
	}
	h.observePending()

	h.recordAudit(r, audit.EventLoginInitiated, audit.StatusSuccess, func(e *audit.Event) {
		e.Provider = p.ID
		e.SSORequestID = requestID
	})

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// handleCallback handles /auth/sso/{provider}/callback: sweep expired
// sessions, verify the returning response, resolve the identity under the
// provider gate, then complete the login. A SAML IdP POSTs the response as
// a form; an OIDC issuer redirects back with code and state as query
// parameters, so the raw query is the payload there.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	p, ok := h.provider(r)
	if !ok {
		httputil.WriteNotFoundError(w, "unknown SSO provider")
		return
	}

	if err := r.ParseForm(); err != nil {
		h.failLogin(w, r, p, start, NewProtocolError("malformed form body", err))
		return
	}
	rawResponse := r.PostFormValue("SAMLResponse")
	if rawResponse == "" && r.Method == http.MethodGet {
		rawResponse = r.URL.RawQuery
	}
	if rawResponse == "" {
		h.failLogin(w, r, p, start, protocolErrorf("missing authentication response"))
		return
	}
	relayState := r.PostFormValue("RelayState")

	// Expiry runs before every response so abandoned attempts cannot
	// accumulate and the replay window stays bounded.
	h.SweepPending()

	assertion, err := p.Client.ParseAndVerify(rawResponse, h.pending.RequestIDs())
	if err != nil {
		h.failLogin(w, r, p, start, err)
		return
	}

	// Recover the original login context. A missing entry (double pop or a
	// restart) degrades to a fresh login rather than failing.
	var session PendingSession
	if assertion.InResponseTo != "" {
		session, _ = h.pending.Pop(assertion.InResponseTo)
		h.observePending()
	}
	if relayState == "" {
		// OIDC cannot round-trip the destination through the provider; it
		// rides in the pending session instead.
		relayState = session.ClientRedirectURL
	}

	resolution, err := h.resolver.Resolve(r.Context(), p, assertion)
	if err != nil {
		h.failLogin(w, r, p, start, err)
		return
	}
	h.auditResolution(r, p, resolution)

	if session.AuthSessionID != "" {
		err = h.completer.CompleteInteractiveAuth(resolution.UserID, session.AuthSessionID, w, r)
	} else {
		err = h.completer.CompleteLogin(resolution.UserID, w, r, relayState)
	}
	if err != nil {
		// A rejected redirect URL is the client's doing; everything else is
		// ours.
		if IsProtocolError(err) {
			h.failLogin(w, r, p, start, err)
			return
		}
		observability.LoggerWithTrace(r.Context(), h.logger).WithError(err).
			WithField("provider", p.ID).Error("failed to complete login")
		httputil.WriteInternalError(w, fmt.Errorf("failed to complete login"))
		h.observeLogin(p.ID, "failure", start)
		return
	}

	h.recordAudit(r, audit.EventLoginSucceeded, audit.StatusSuccess, func(e *audit.Event) {
		e.Provider = p.ID
		e.ExternalID = resolution.ExternalID
		e.UserID = resolution.UserID.String()
	})
	h.observeLogin(p.ID, "success", start)
}

// serveMetadata handles GET /auth/sso/{provider}/metadata.
func (h *Handler) serveMetadata(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(r)
	if !ok {
		httputil.WriteNotFoundError(w, "unknown SSO provider")
		return
	}

	metadata, err := p.Client.SPMetadata()
	if err != nil {
		if errors.Is(err, ErrNoMetadata) {
			httputil.WriteNotFoundError(w, "provider publishes no metadata document")
			return
		}
		h.logger.WithError(err).WithField("provider", p.ID).Error("failed to build SP metadata")
		httputil.WriteInternalError(w, fmt.Errorf("failed to build metadata"))
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Write(metadata)
}

// failLogin maps a pipeline error onto an HTTP status, records it, and
// writes the response.
func (h *Handler) failLogin(w http.ResponseWriter, r *http.Request, p *Provider, start time.Time, err error) {
	log := observability.LoggerWithTrace(r.Context(), h.logger).WithError(err).WithField("provider", p.ID)

	switch {
	case IsProtocolError(err):
		log.Warn("rejected SSO response")
		httputil.WriteErrorMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrMappingExhausted):
		log.Error("localpart allocation exhausted; check the attribute mapper")
		httputil.WriteInternalError(w, fmt.Errorf("unable to allocate a local identifier"))
	default:
		log.Error("SSO login failed")
		httputil.WriteInternalError(w, fmt.Errorf("login failed"))
	}

	h.recordAudit(r, audit.EventLoginFailed, audit.StatusFailure, func(e *audit.Event) {
		e.Provider = p.ID
		e.ErrorMessage = err.Error()
	})
	h.observeLogin(p.ID, "failure", start)
}

// auditResolution records the resolution side effects beyond the login
// itself: provisioned accounts and newly created bindings.
func (h *Handler) auditResolution(r *http.Request, p *Provider, res Resolution) {
	switch res.Outcome {
	case OutcomeProvisioned:
		h.recordAudit(r, audit.EventAccountProvisioned, audit.StatusSuccess, func(e *audit.Event) {
			e.Provider = p.ID
			e.ExternalID = res.ExternalID
			e.UserID = res.UserID.String()
		})
		h.recordAudit(r, audit.EventBindingCreated, audit.StatusSuccess, func(e *audit.Event) {
			e.Provider = p.ID
			e.ExternalID = res.ExternalID
			e.UserID = res.UserID.String()
		})
	case OutcomeGrandfathered:
		h.recordAudit(r, audit.EventBindingGrandfathered, audit.StatusSuccess, func(e *audit.Event) {
			e.Provider = p.ID
			e.ExternalID = res.ExternalID
			e.UserID = res.UserID.String()
		})
	}
}

func (h *Handler) recordAudit(r *http.Request, eventType audit.EventType, status audit.EventStatus, fill func(*audit.Event)) {
	if h.audit == nil {
		return
	}
	event := audit.NewEvent(r, eventType, status)
	if fill != nil {
		fill(event)
	}
	if err := h.audit.Log(r.Context(), event); err != nil {
		h.logger.WithError(err).Warn("failed to record audit event")
	}
}

func (h *Handler) observePending() {
	if h.metrics != nil {
		h.metrics.PendingSessions.Set(float64(h.pending.Len()))
	}
}

func (h *Handler) observeLogin(providerID, result string, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.SSOLoginsTotal.WithLabelValues(providerID, result).Inc()
	h.metrics.SSOLoginDuration.WithLabelValues(providerID).Observe(time.Since(start).Seconds())
}
