// Package directory tracks which connections belong to which user.
package directory

import (
	"sync"

	"zenchat/logging"
)

// Handle is one live connection. Handles are compared by identity, so
// implementations should be pointers.
type Handle interface {
	ConnID() string
}

// Directory maps user ids to their live connections
type Directory interface {
	// Register adds h as the newest connection of userID.
	Register(userID string, h Handle)
	// Unregister removes exactly h and reports which user it belonged to.
	// A stale handle never evicts a newer connection of the same user.
	Unregister(h Handle) (userID string, ok bool)
	// Route returns the most recently registered connection of userID.
	Route(userID string) (Handle, bool)
	Online(userID string) bool
	// Count returns the number of users with at least one connection.
	Count() int
}

// Memory is an in-process Directory safe for concurrent use
type Memory struct {
	mu     sync.RWMutex
	users  map[string][]Handle
	owners map[Handle]string
}

func NewMemory() *Memory {
	return &Memory{
		users:  make(map[string][]Handle),
		owners: make(map[Handle]string),
	}
}

func (m *Memory) Register(userID string, h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.owners[h]; ok {
		m.remove(prev, h)
	}
	m.users[userID] = append(m.users[userID], h)
	m.owners[h] = userID

	logging.Debug().
		Str("user_id", userID).
		Str("conn_id", h.ConnID()).
		Int("connections", len(m.users[userID])).
		Msg("Connection registered")
}

func (m *Memory) Unregister(h Handle) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID, ok := m.owners[h]
	if !ok {
		return "", false
	}
	m.remove(userID, h)

	logging.Debug().
		Str("user_id", userID).
		Str("conn_id", h.ConnID()).
		Int("connections", len(m.users[userID])).
		Msg("Connection unregistered")
	return userID, true
}

// remove drops h from userID's list. Caller holds the write lock.
func (m *Memory) remove(userID string, h Handle) {
	delete(m.owners, h)
	handles := m.users[userID]
	for i, other := range handles {
		if other == h {
			handles = append(handles[:i:i], handles[i+1:]...)
			break
		}
	}
	if len(handles) == 0 {
		delete(m.users, userID)
		return
	}
	m.users[userID] = handles
}

func (m *Memory) Route(userID string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	handles := m.users[userID]
	if len(handles) == 0 {
		return nil, false
	}
	return handles[len(handles)-1], true
}

func (m *Memory) Online(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users[userID]) > 0
}

func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

// Connections returns every live handle of userID, oldest first.
func (m *Memory) Connections(userID string) []Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Handle(nil), m.users[userID]...)
}
