package relay

import (
	"fmt"
	"sync"
)

var ErrAlreadyBound = fmt.Errorf("connection already bound to a different identity")

// SessionRegistry maps connection identifiers to authenticated user identities
// and reverse-maps identities to their live connections (multi-device). Both
// indices are updated atomically under one lock.
type SessionRegistry struct {
	mu    sync.RWMutex
	conns map[string]string              // connection id -> user id
	users map[string]map[string]struct{} // user id -> connection ids
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		conns: make(map[string]string),
		users: make(map[string]map[string]struct{}),
	}
}

// Bind associates a connection with a user identity after a successful
// handshake. Binding the same connection to the same identity again is a
// no-op; a different identity returns ErrAlreadyBound.
func (s *SessionRegistry) Bind(connectionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bound, ok := s.conns[connectionID]; ok {
		if bound == userID {
			return nil
		}
		return ErrAlreadyBound
	}

	s.conns[connectionID] = userID
	if s.users[userID] == nil {
		s.users[userID] = make(map[string]struct{})
	}
	s.users[userID][connectionID] = struct{}{}
	return nil
}

// Unbind removes the connection from both indices. It reports the identity
// the connection was bound to; unbinding an unknown connection is a no-op.
func (s *SessionRegistry) Unbind(connectionID string) (userID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok = s.conns[connectionID]
	if !ok {
		return "", false
	}

	delete(s.conns, connectionID)
	if conns := s.users[userID]; conns != nil {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(s.users, userID)
		}
	}
	return userID, true
}

// ConnectionsFor returns the live connection ids for a user, possibly empty.
func (s *SessionRegistry) ConnectionsFor(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]string, 0, len(s.users[userID]))
	for id := range s.users[userID] {
		conns = append(conns, id)
	}
	return conns
}

// IdentityOf returns the identity bound to a connection, if any.
func (s *SessionRegistry) IdentityOf(connectionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.conns[connectionID]
	return userID, ok
}

// Connections returns a snapshot of every bound connection id.
func (s *SessionRegistry) Connections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// Bound returns the number of currently bound connections.
func (s *SessionRegistry) Bound() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
