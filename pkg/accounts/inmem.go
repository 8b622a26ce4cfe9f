package accounts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gatehouselabs/gatehouse/pkg/mxid"
)

type bindingKey struct {
	providerID string
	externalID string
}

// InMemoryStore keeps accounts and bindings in process memory. It implements
// the account store and registrar interfaces consumed by pkg/sso and is safe
// for concurrent use. Contents do not survive a restart.
type InMemoryStore struct {
	mu         sync.RWMutex
	serverName string
	accounts   map[mxid.UserID]Account
	bindings   map[bindingKey]Binding
}

// NewInMemoryStore creates an empty store provisioning accounts under the
// given server name.
func NewInMemoryStore(serverName string) *InMemoryStore {
	return &InMemoryStore{
		serverName: serverName,
		accounts:   make(map[mxid.UserID]Account),
		bindings:   make(map[bindingKey]Binding),
	}
}

// GetBinding returns the local user ID bound to the external identity, or
// ErrBindingNotFound.
func (s *InMemoryStore) GetBinding(ctx context.Context, providerID, externalID string) (mxid.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bindings[bindingKey{providerID, externalID}]
	if !ok {
		return mxid.UserID{}, ErrBindingNotFound
	}
	return b.UserID, nil
}

// CreateBinding records a new external identity binding. It fails with
// ErrDuplicateBinding if the (provider ID, external ID) pair is already bound.
func (s *InMemoryStore) CreateBinding(ctx context.Context, providerID, externalID string, userID mxid.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bindingKey{providerID, externalID}
	if _, ok := s.bindings[key]; ok {
		return ErrDuplicateBinding
	}
	s.bindings[key] = Binding{
		ProviderID: providerID,
		ExternalID: externalID,
		UserID:     userID,
		CreatedAt:  time.Now().UTC(),
	}
	return nil
}

// GetAccountsByIDCaseInsensitive returns every account whose full user ID
// matches the candidate case-insensitively. The result is empty when the
// candidate is free.
func (s *InMemoryStore) GetAccountsByIDCaseInsensitive(ctx context.Context, userID mxid.UserID) (map[mxid.UserID]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := strings.ToLower(userID.String())
	matches := make(map[mxid.UserID]Account)
	for id, acct := range s.accounts {
		if strings.ToLower(id.String()) == want {
			matches[id] = acct
		}
	}
	return matches, nil
}

// GetAccount returns the account for the exact user ID, or ErrAccountNotFound.
func (s *InMemoryStore) GetAccount(ctx context.Context, userID mxid.UserID) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}

// ProvisionAccount creates a new local account for the localpart and returns
// its user ID. The localpart must already be normalized; a taken localpart
// fails with ErrDuplicateAccount.
func (s *InMemoryStore) ProvisionAccount(ctx context.Context, localpart, displayName string, emails []string) (mxid.UserID, error) {
	if !mxid.IsValidLocalpart(localpart) {
		return mxid.UserID{}, fmt.Errorf("invalid localpart %q", localpart)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	userID := mxid.NewUserID(localpart, s.serverName)
	want := strings.ToLower(userID.String())
	for id := range s.accounts {
		if strings.ToLower(id.String()) == want {
			return mxid.UserID{}, ErrDuplicateAccount
		}
	}

	s.accounts[userID] = Account{
		UserID:      userID,
		DisplayName: displayName,
		Emails:      append([]string(nil), emails...),
		CreatedAt:   time.Now().UTC(),
	}
	return userID, nil
}

// ListBindings returns every binding for a provider, for diagnostics and
// tests.
func (s *InMemoryStore) ListBindings(ctx context.Context, providerID string) ([]Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Binding
	for key, b := range s.bindings {
		if key.providerID == providerID {
			out = append(out, b)
		}
	}
	return out, nil
}
