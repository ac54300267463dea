package pipeline

import (
	"sync"

	"github.com/google/uuid"
)

// userMutex serializes pipeline work per user. Operations for different
// users proceed in parallel; a user's buffer, counters, and hierarchy units
// are only ever touched under that user's lock.
type userMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newUserMutex() *userMutex {
	return &userMutex{locks: make(map[uuid.UUID]*sync.Mutex)}
}

// Lock acquires the given user's lock and returns its unlock function.
// Entries are never removed; the per-user footprint is one mutex.
func (m *userMutex) Lock(userID uuid.UUID) func() {
	m.mu.Lock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}
