package sso

import (
	"context"
	"errors"
	"fmt"

	"github.com/gatehouselabs/gatehouse/pkg/accounts"
	"github.com/gatehouselabs/gatehouse/pkg/mxid"
	"github.com/gatehouselabs/gatehouse/pkg/observability"
)

// maxMappingAttempts bounds the collision-retry loop in Resolve. Hitting the
// bound means the mapper keeps proposing taken localparts, which is a
// deployment problem rather than a per-user condition.
const maxMappingAttempts = 1000

// ResolutionOutcome records which lookup strategy resolved an assertion.
type ResolutionOutcome string

const (
	// OutcomeExistingBinding is the repeat-login fast path.
	OutcomeExistingBinding ResolutionOutcome = "existing_binding"

	// OutcomeGrandfathered adopted a pre-existing account through the
	// legacy attribute and created its binding retroactively.
	OutcomeGrandfathered ResolutionOutcome = "grandfathered"

	// OutcomeProvisioned created a fresh account and binding.
	OutcomeProvisioned ResolutionOutcome = "provisioned"
)

// Resolution is the result of resolving one validated assertion.
type Resolution struct {
	UserID     mxid.UserID
	ExternalID string
	Outcome    ResolutionOutcome
}

// Resolver maps validated assertions onto local accounts through an ordered
// precedence of strategies: existing binding, grandfathered legacy account,
// fresh provisioning with collision retry. The whole sequence for one
// assertion runs under the per-provider gate, so concurrent logins for the
// same identity cannot provision duplicate accounts.
type Resolver struct {
	store      AccountStore
	registrar  Registrar
	gate       *Gate
	serverName string
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewResolver creates a resolver provisioning accounts under serverName.
// metrics may be nil.
func NewResolver(store AccountStore, registrar Registrar, serverName string, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		store:      store,
		registrar:  registrar,
		gate:       NewGate(),
		serverName: serverName,
		logger:     logger,
		metrics:    metrics,
	}
}

// Resolve returns the local account for the assertion, provisioning one if
// needed. It holds the provider's gate lane for the full check-then-create
// sequence and releases it on every exit path.
func (r *Resolver) Resolve(ctx context.Context, provider *Provider, assertion *Assertion) (Resolution, error) {
	release, err := r.gate.Acquire(ctx, provider.ID)
	if err != nil {
		return Resolution{}, err
	}
	defer release()

	externalID, err := provider.Mapper.ToUserID(assertion)
	if err != nil {
		return Resolution{}, err
	}

	log := r.logger.WithFields(map[string]interface{}{
		"provider":    provider.ID,
		"external_id": externalID,
	})

	// Fast path: this identity already logged in before.
	userID, err := r.store.GetBinding(ctx, provider.ID, externalID)
	if err == nil {
		log.WithField("user_id", userID.String()).Debug("resolved existing binding")
		return Resolution{UserID: userID, ExternalID: externalID, Outcome: OutcomeExistingBinding}, nil
	}
	if !errors.Is(err, accounts.ErrBindingNotFound) {
		return Resolution{}, fmt.Errorf("failed to look up binding: %w", err)
	}

	if res, ok, err := r.resolveGrandfathered(ctx, provider, assertion, externalID, log); err != nil {
		return Resolution{}, err
	} else if ok {
		return res, nil
	}

	return r.provision(ctx, provider, assertion, externalID, log)
}

// resolveGrandfathered adopts an account created before binding-based
// tracking existed: if the configured legacy attribute is present and exactly
// one existing account matches it case-insensitively, the missing binding is
// created retroactively. More than one match is ambiguous and falls through
// to fresh provisioning.
func (r *Resolver) resolveGrandfathered(ctx context.Context, provider *Provider, assertion *Assertion, externalID string, log *observability.Logger) (Resolution, bool, error) {
	if provider.GrandfatheredAttribute == "" {
		return Resolution{}, false, nil
	}
	legacy, ok := assertion.AttributeValue(provider.GrandfatheredAttribute)
	if !ok {
		return Resolution{}, false, nil
	}

	// Legacy accounts were registered under the hex policy, so the lookup
	// uses it regardless of the configured mapping policy.
	candidate := mxid.NewUserID(mxid.EncodeLocalpart(legacy), r.serverName)
	log.Infof("looking for a grandfathered account matching %s", candidate)

	matches, err := r.store.GetAccountsByIDCaseInsensitive(ctx, candidate)
	if err != nil {
		return Resolution{}, false, fmt.Errorf("failed to look up grandfathered account: %w", err)
	}
	switch len(matches) {
	case 0:
		return Resolution{}, false, nil
	case 1:
		var userID mxid.UserID
		for id := range matches {
			userID = id
		}
		if err := r.store.CreateBinding(ctx, provider.ID, externalID, userID); err != nil {
			return Resolution{}, false, fmt.Errorf("failed to create grandfathered binding: %w", err)
		}
		log.WithField("user_id", userID.String()).Info("grandfathered existing account")
		if r.metrics != nil {
			r.metrics.BindingsCreated.WithLabelValues(provider.ID, "grandfathered").Inc()
		}
		return Resolution{UserID: userID, ExternalID: externalID, Outcome: OutcomeGrandfathered}, true, nil
	default:
		log.Warnf("grandfathered lookup for %s matched %d accounts, ignoring", candidate, len(matches))
		return Resolution{}, false, nil
	}
}

// provision runs the bounded collision-retry loop: the first candidate
// localpart with no existing account wins. The account is provisioned first
// and the binding written only after that succeeds, so a registrar failure
// cannot leave a dangling binding.
func (r *Resolver) provision(ctx context.Context, provider *Provider, assertion *Assertion, externalID string, log *observability.Logger) (Resolution, error) {
	var attrs *MappingAttributes
	for attempt := 0; attempt < maxMappingAttempts; attempt++ {
		candidate, err := provider.Mapper.ToAttributes(assertion, attempt)
		if err != nil {
			return Resolution{}, err
		}
		if candidate.Localpart == "" {
			return Resolution{}, fmt.Errorf("mapper produced an empty localpart for %q", externalID)
		}

		existing, err := r.store.GetAccountsByIDCaseInsensitive(ctx, mxid.NewUserID(candidate.Localpart, r.serverName))
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to check localpart %q: %w", candidate.Localpart, err)
		}
		if len(existing) == 0 {
			attrs = candidate
			break
		}
		if r.metrics != nil {
			r.metrics.MappingCollisions.WithLabelValues(provider.ID).Inc()
		}
	}
	if attrs == nil {
		log.Errorf("no free localpart after %d attempts", maxMappingAttempts)
		return Resolution{}, fmt.Errorf("failed to allocate a localpart for %q: %w", externalID, ErrMappingExhausted)
	}

	userID, err := r.registrar.ProvisionAccount(ctx, attrs.Localpart, attrs.DisplayName, attrs.Emails)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to provision account %q: %w", attrs.Localpart, err)
	}
	if err := r.store.CreateBinding(ctx, provider.ID, externalID, userID); err != nil {
		// The account exists without a binding from here on; the sweeper's
		// orphan report surfaces these.
		return Resolution{}, fmt.Errorf("failed to create binding for %s: %w", userID, err)
	}

	log.WithField("user_id", userID.String()).Info("provisioned new account")
	if r.metrics != nil {
		r.metrics.AccountsProvisioned.WithLabelValues(provider.ID).Inc()
		r.metrics.BindingsCreated.WithLabelValues(provider.ID, "fresh").Inc()
	}
	return Resolution{UserID: userID, ExternalID: externalID, Outcome: OutcomeProvisioned}, nil
}
