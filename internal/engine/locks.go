package engine

import (
	"sync"

	"github.com/google/uuid"
)

// lockSet is the set of order ids currently inside a commit attempt.
// A pair is locked and unlocked around each batch so a second pass
// over the same symbol can never double-settle an order.
type lockSet struct {
	mu  sync.Mutex
	ids map[uuid.UUID]struct{}
}

func newLockSet() *lockSet {
	return &lockSet{ids: make(map[uuid.UUID]struct{})}
}

// TryLock inserts both ids if neither is held. The check and insert
// are atomic; on conflict nothing is inserted.
func (l *lockSet) TryLock(a, b uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[a]; ok {
		return false
	}
	if _, ok := l.ids[b]; ok {
		return false
	}
	l.ids[a] = struct{}{}
	l.ids[b] = struct{}{}
	return true
}

// Unlock releases ids regardless of how the batch attempt ended.
func (l *lockSet) Unlock(ids ...uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		delete(l.ids, id)
	}
}
