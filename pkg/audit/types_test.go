package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Stored rows, saved operator queries, and the SQL literals in the stats
// query all key on these strings. A change here is a data migration, not a
// rename.
func TestEventTypeWireValues(t *testing.T) {
	want := map[EventType]string{
		EventLoginInitiated:       "sso.login_initiated",
		EventLoginSucceeded:       "sso.login_succeeded",
		EventLoginFailed:          "sso.login_failed",
		EventAccountProvisioned:   "sso.account_provisioned",
		EventBindingCreated:       "sso.binding_created",
		EventBindingGrandfathered: "sso.binding_grandfathered",
		EventTokenIssued:          "token.issued",
		EventTokenExchanged:       "token.exchanged",
		EventTokenRejected:        "token.rejected",
		EventProviderRegistered:   "config.provider_registered",
		EventProviderRemoved:      "config.provider_removed",
		EventProviderReloaded:     "config.provider_reloaded",
		EventRateLimited:          "access.rate_limited",
	}
	for eventType, wire := range want {
		assert.Equal(t, wire, string(eventType))
	}
}

func TestStatusWireValues(t *testing.T) {
	// The stats query counts status = 'denied' rows as rate limited; every
	// other rejection writes failure.
	assert.Equal(t, "success", string(StatusSuccess))
	assert.Equal(t, "failure", string(StatusFailure))
	assert.Equal(t, "denied", string(StatusDenied))
}

func TestDefaultRetentionPolicy(t *testing.T) {
	policy := DefaultRetentionPolicy()

	assert.Equal(t, 90, policy.RetentionDays)
	assert.True(t, policy.ArchiveEnabled)
	assert.Equal(t, "audit-archive", policy.ArchivePrefix)
}
