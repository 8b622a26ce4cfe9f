package accounts

import (
	"errors"
	"time"

	"github.com/gatehouselabs/gatehouse/pkg/mxid"
)

var (
	// ErrBindingNotFound indicates no binding exists for the queried
	// (provider ID, external ID) pair.
	ErrBindingNotFound = errors.New("external identity binding not found")

	// ErrDuplicateBinding indicates a binding already exists for the
	// (provider ID, external ID) pair.
	ErrDuplicateBinding = errors.New("external identity binding already exists")

	// ErrAccountNotFound indicates no account exists for the queried user ID.
	ErrAccountNotFound = errors.New("account not found")

	// ErrDuplicateAccount indicates the requested localpart is already taken.
	ErrDuplicateAccount = errors.New("account already exists")
)

// Account is a local user record.
type Account struct {
	UserID      mxid.UserID `json:"user_id"`
	DisplayName string      `json:"display_name,omitempty"`
	Emails      []string    `json:"emails,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Binding associates an external identity with a local account. A given
// (ProviderID, ExternalID) pair maps to exactly one UserID for the lifetime
// of the account.
type Binding struct {
	ProviderID string      `json:"provider_id"`
	ExternalID string      `json:"external_id"`
	UserID     mxid.UserID `json:"user_id"`
	CreatedAt  time.Time   `json:"created_at"`
}
