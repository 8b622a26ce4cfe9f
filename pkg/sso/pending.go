package sso

import (
	"fmt"
	"sync"
	"time"
)

// PendingSession tracks one outstanding login attempt between the outgoing
// authentication redirect and the returning assertion. Entries are never
// mutated after creation.
type PendingSession struct {
	// RequestID is the protocol-assigned ID of the outgoing authentication
	// request; the returning assertion's InResponseTo must match it.
	RequestID string

	// CreatedAt is when the redirect was issued, for expiry sweeping.
	CreatedAt time.Time

	// AuthSessionID ties this attempt to an in-progress interactive
	// authentication flow instead of a fresh login. Empty otherwise.
	AuthSessionID string

	// ClientRedirectURL carries the post-login target for flows that cannot
	// round-trip it through the provider (OIDC). The SAML flow leaves it
	// empty and uses RelayState instead.
	ClientRedirectURL string
}

// PendingStore is the in-memory table of outstanding login attempts. It is
// safe for concurrent use; contents do not survive a restart, which degrades
// abandoned logins to fresh flows rather than errors.
type PendingStore struct {
	mu       sync.Mutex
	sessions map[string]PendingSession
}

// NewPendingStore creates an empty pending-session table.
func NewPendingStore() *PendingStore {
	return &PendingStore{
		sessions: make(map[string]PendingSession),
	}
}

// Create inserts a new pending session. Request IDs are assigned uniquely
// per outgoing request by the protocol library, so an existing entry is a
// caller bug and fails.
func (s *PendingStore) Create(session PendingSession) error {
	if session.RequestID == "" {
		return fmt.Errorf("pending session requires a request ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.RequestID]; ok {
		return fmt.Errorf("pending session %q already exists", session.RequestID)
	}
	s.sessions[session.RequestID] = session
	return nil
}

// Pop atomically removes and returns the session for requestID. The second
// return is false when no entry is tracked: expired, already consumed, or
// created before a restart.
func (s *PendingStore) Pop(requestID string) (PendingSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[requestID]
	if !ok {
		return PendingSession{}, false
	}
	delete(s.sessions, requestID)
	return session, true
}

// SweepExpired removes every session created at or before now-lifetime and
// returns how many were removed. It runs before each assertion response is
// processed, bounding both table growth and the replay window.
func (s *PendingStore) SweepExpired(now time.Time, lifetime time.Duration) int {
	cutoff := now.Add(-lifetime)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, session := range s.sessions {
		if !session.CreatedAt.After(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// RequestIDs returns a snapshot of the outstanding request IDs, for handing
// to the assertion verifier.
func (s *PendingStore) RequestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of outstanding sessions.
func (s *PendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
